// Package scanner enumerates camera-trap frames in a folder.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/trapscan/internal/model"
)

// DefaultExtensions lists the image extensions recognized when Options
// does not specify any.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png"}

// ErrNoImages is returned together with an empty listing when a folder
// holds no recognized images.
var ErrNoImages = errors.New("scanner: no images found")

// FolderReadError reports that the folder itself could not be listed.
type FolderReadError struct {
	Path string
	Err  error
}

func (e *FolderReadError) Error() string {
	return fmt.Sprintf("scanner: read folder %s: %v", e.Path, e.Err)
}

func (e *FolderReadError) Unwrap() error {
	return e.Err
}

// Options controls a scan.
type Options struct {
	Recursive  bool
	Extensions []string // lower-case with leading dot; nil = DefaultExtensions
}

// Warning records an entry skipped during a recursive walk.
type Warning struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// Listing is the ordered set of frames found in a folder.
type Listing struct {
	Root     string
	Frames   []model.FrameRecord
	Warnings []Warning
}

// Empty reports whether no frames were found.
func (l *Listing) Empty() bool {
	return len(l.Frames) == 0
}

// Paths returns the absolute frame paths in listing order.
func (l *Listing) Paths() []string {
	out := make([]string, len(l.Frames))
	for i, f := range l.Frames {
		out[i] = f.Path
	}
	return out
}

// Scan lists recognized image files under dir. A folder that cannot be
// listed yields a *FolderReadError. When nothing matches, the listing is
// returned together with ErrNoImages so any warnings stay visible.
func Scan(ctx context.Context, dir string, opts Options) (*Listing, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, &FolderReadError{Path: dir, Err: err}
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, &FolderReadError{Path: root, Err: err}
	}
	if !info.IsDir() {
		return nil, &FolderReadError{Path: root, Err: eris.New("not a directory")}
	}
	// WalkDir does not descend into a symlinked root.
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	exts := normalizeExtensions(opts.Extensions)
	l := &Listing{Root: root}
	if opts.Recursive {
		err = walk(ctx, root, exts, l)
	} else {
		err = list(ctx, root, exts, l)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(l.Frames, func(i, j int) bool { return l.Frames[i].Path < l.Frames[j].Path })

	zap.L().Debug("scanner: listed folder",
		zap.String("folder", root),
		zap.Bool("recursive", opts.Recursive),
		zap.Int("frames", len(l.Frames)),
		zap.Int("warnings", len(l.Warnings)),
	)
	if l.Empty() {
		return l, ErrNoImages
	}
	return l, nil
}

func list(ctx context.Context, root string, exts []string, l *Listing) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return &FolderReadError{Path: root, Err: err}
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "scanner: list")
		}
		if e.IsDir() || !matches(e.Name(), exts) {
			continue
		}
		l.add(root, filepath.Join(root, e.Name()), e)
	}
	return nil
}

func walk(ctx context.Context, root string, exts []string, l *Listing) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return &FolderReadError{Path: root, Err: err}
			}
			l.warn(path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && isHidden(d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if matches(d.Name(), exts) {
			l.add(root, path, d)
		}
		return nil
	})
	var fre *FolderReadError
	if errors.As(err, &fre) {
		return fre
	}
	return eris.Wrap(err, "scanner: walk")
}

func (l *Listing) add(root, path string, d fs.DirEntry) {
	info, err := d.Info()
	if err == nil && d.Type()&fs.ModeSymlink != 0 {
		info, err = os.Stat(path)
	}
	if err != nil {
		l.warn(path, err)
		return
	}
	if !info.Mode().IsRegular() {
		return
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	l.Frames = append(l.Frames, model.FrameRecord{
		Path:    path,
		RelPath: filepath.ToSlash(rel),
		Size:    info.Size(),
		ModTime: info.ModTime().UTC(),
		Status:  model.DecodePending,
	})
}

func (l *Listing) warn(path string, err error) {
	zap.L().Warn("scanner: skipping unreadable entry", zap.String("path", path), zap.Error(err))
	l.Warnings = append(l.Warnings, Warning{Path: path, Err: err.Error()})
}

func matches(name string, exts []string) bool {
	if isHidden(name) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

func normalizeExtensions(in []string) []string {
	if len(in) == 0 {
		return DefaultExtensions
	}
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
