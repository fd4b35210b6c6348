package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/trapscan/internal/model"
)

// CanonicalFolder returns the cleaned absolute folder path, with symlinks
// resolved when the folder exists.
func CanonicalFolder(folder string) (string, error) {
	abs, err := filepath.Abs(folder)
	if err != nil {
		return "", eris.Wrapf(err, "cache: resolve %s", folder)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return filepath.Clean(abs), nil
}

// Key derives the entry key for a folder. A renamed or moved folder gets a
// new key.
func Key(folder string) (string, error) {
	canonical, err := CanonicalFolder(folder)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// Compute fingerprints the current folder contents. Any added, removed or
// modified frame changes the result.
func Compute(frames []model.FrameRecord) model.Fingerprint {
	sorted := make([]model.FrameRecord, len(frames))
	copy(sorted, frames)
	sort.Slice(sorted, func(i, j int) bool { return frameKey(sorted[i]) < frameKey(sorted[j]) })

	mod := sha256.New()
	size := sha256.New()
	for _, f := range sorted {
		name := frameKey(f)
		mod.Write([]byte(name))
		mod.Write([]byte{0})
		mod.Write([]byte(strconv.FormatInt(f.ModTime.UnixNano(), 10)))
		mod.Write([]byte{'\n'})

		size.Write([]byte(name))
		size.Write([]byte{0})
		size.Write([]byte(strconv.FormatInt(f.Size, 10)))
		size.Write([]byte{'\n'})
	}
	return model.Fingerprint{
		Count:         len(frames),
		ModSignature:  hex.EncodeToString(mod.Sum(nil)),
		SizeSignature: hex.EncodeToString(size.Sum(nil)),
	}
}

// Validate reports whether entry was built from a folder with the given
// fingerprint.
func Validate(entry *model.CacheEntry, current model.Fingerprint) bool {
	return entry != nil && entry.Fingerprint == current
}

func frameKey(f model.FrameRecord) string {
	if f.RelPath != "" {
		return f.RelPath
	}
	return f.Path
}
