// Package cache persists scan results per folder so an unchanged folder
// can be reopened without running the model again.
package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/trapscan/internal/model"
)

// ErrCacheCorrupt is returned when a stored entry cannot be decoded.
// Callers treat it as a miss.
var ErrCacheCorrupt = errors.New("cache: entry corrupt")

// ErrNotFound is returned by LoadEntry and ApplyOverride when the folder has
// no readable entry or the entry has no row for the path.
var ErrNotFound = errors.New("cache: not found")

// Cache stores one entry per folder. Store replaces the entry wholesale.
type Cache interface {
	// Load returns nil, nil on a miss.
	Load(ctx context.Context, folder string) (*model.CacheEntry, error)
	Store(ctx context.Context, entry *model.CacheEntry) error
	Delete(ctx context.Context, folder string) error
	List(ctx context.Context) ([]Summary, error)
	Close() error
}

// Summary describes a stored entry without its rows.
type Summary struct {
	Folder       string    `json:"folder"`
	Key          string    `json:"key"`
	Frames       int       `json:"frames"`
	ModelVersion string    `json:"model_version"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// LoadEntry loads a folder's entry. A miss and a corrupt entry both yield
// ErrNotFound, so callers ask for a rescan instead of failing.
func LoadEntry(ctx context.Context, c Cache, folder string) (*model.CacheEntry, error) {
	entry, err := c.Load(ctx, folder)
	if errors.Is(err, ErrCacheCorrupt) {
		zap.L().Warn("cache: entry unreadable, rescan required", zap.String("folder", folder), zap.Error(err))
		return nil, eris.Wrapf(ErrNotFound, "cache: unreadable entry for %s", folder)
	}
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, eris.Wrapf(ErrNotFound, "cache: no entry for %s", folder)
	}
	return entry, nil
}

// ApplyOverride sets a manual decision on one row of a folder's entry and
// stores it back.
func ApplyOverride(ctx context.Context, c Cache, folder, path string, d model.Decision) (*model.CacheEntry, error) {
	entry, err := LoadEntry(ctx, c, folder)
	if err != nil {
		return nil, err
	}
	i := entry.FindRow(path)
	if i < 0 {
		return nil, eris.Wrapf(ErrNotFound, "cache: no row for %s", path)
	}
	entry.Rows[i].Decision = d.AsManual()
	if err := c.Store(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// DefaultPath is the SQLite cache location under the user's config dir,
// falling back to the working directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return filepath.Join(".trapscan", "cache.db")
	}
	return filepath.Join(dir, "trapscan", "cache.db")
}
