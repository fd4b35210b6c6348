package preprocess

import (
	"image"

	"github.com/corona10/goimagehash"
)

// BurstDistance is the maximum Hamming distance between two difference
// hashes for frames to count as the same burst.
const BurstDistance = 10

// Hash returns the difference hash of img in goimagehash string form, or
// "" when hashing fails.
func Hash(img image.Image) string {
	h, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return ""
	}
	return h.ToString()
}

// SameBurst reports whether two hashes produced by Hash are at most
// BurstDistance bits apart. Unparseable or empty hashes never match.
func SameBurst(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ha, err := goimagehash.ImageHashFromString(a)
	if err != nil {
		return false
	}
	hb, err := goimagehash.ImageHashFromString(b)
	if err != nil {
		return false
	}
	dist, err := ha.Distance(hb)
	return err == nil && dist <= BurstDistance
}
