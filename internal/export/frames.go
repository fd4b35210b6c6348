package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/trapscan/internal/model"
)

// FrameOptions selects which frames CopyFrames copies. Present frames go
// into one folder per species.
type FrameOptions struct {
	Present   bool
	Uncertain bool
	Empty     bool

	UncertainFolder string // default "uncertain"
	EmptyFolder     string // default "empty"
}

// CopyFrames copies the selected frames into per-category folders under
// target and returns the number of files written. Existing files are never
// overwritten; a " (2)", " (3)", ... suffix is added instead.
func CopyFrames(rows []model.ResultRow, target string, opts FrameOptions) (int, error) {
	if !opts.Present && !opts.Uncertain && !opts.Empty {
		return 0, eris.New("export: no frame category selected")
	}
	if opts.UncertainFolder == "" {
		opts.UncertainFolder = "uncertain"
	}
	if opts.EmptyFolder == "" {
		opts.EmptyFolder = "empty"
	}

	copied := 0
	for _, r := range rows {
		var folder string
		switch {
		case r.Decision.Kind == model.KindPresent && opts.Present:
			folder = SanitizePath(r.Decision.Label)
		case r.Decision.Kind == model.KindUncertain && opts.Uncertain:
			folder = opts.UncertainFolder
		case r.Decision.Kind == model.KindEmpty && opts.Empty:
			folder = opts.EmptyFolder
		default:
			continue
		}
		if folder == "" {
			folder = "unlabeled"
		}
		dir := filepath.Join(target, folder)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return copied, eris.Wrapf(err, "export: create %s", dir)
		}
		ext := filepath.Ext(r.Frame.Path)
		stem := SanitizePath(strings.TrimSuffix(filepath.Base(r.Frame.Path), ext))
		dest := NextAvailable(dir, stem, strings.TrimPrefix(strings.ToLower(ext), "."))
		if err := copyFile(r.Frame.Path, dest); err != nil {
			return copied, err
		}
		copied++
	}
	zap.L().Info("export: frames copied", zap.String("target", target), zap.Int("copied", copied))
	return copied, nil
}

// SanitizePath replaces characters that are invalid in file names on
// common platforms.
func SanitizePath(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return '_'
		}
		return r
	}, s)
	return strings.Trim(strings.TrimSpace(s), ".")
}

// NextAvailable returns dir/base.ext, or the first free "base (n).ext".
func NextAvailable(dir, base, ext string) string {
	for attempt := 1; ; attempt++ {
		name := base + "." + ext
		if attempt > 1 {
			name = fmt.Sprintf("%s (%d).%s", base, attempt, ext)
		}
		candidate := filepath.Join(dir, name)
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "export: open %s", src)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck
		return eris.Wrapf(err, "export: copy %s", src)
	}
	return eris.Wrapf(out.Close(), "export: close %s", dst)
}
