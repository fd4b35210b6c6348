package decision

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Suffixes appended to manually assigned labels in exported data.
var manualSuffixes = []string{" (manueel)", " (manual)"}

// Canonical normalizes a label for comparison: manual suffix removed, only
// the part before the first comma kept, trailing dots and commas trimmed,
// case folded and NFC-normalized. "Koolmees (manueel)" and
// "koolmees, Parus major" both become "koolmees".
func Canonical(label string) string {
	s := strings.TrimSpace(label)
	for _, suffix := range manualSuffixes {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, suffix))
			break
		}
	}
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	s = strings.TrimSpace(strings.TrimRight(s, ".,"))
	// cases.Caser keeps state and is not safe for concurrent use.
	return norm.NFC.String(cases.Fold().String(s))
}
