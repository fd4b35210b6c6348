package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/trapscan/internal/model"
	"github.com/sells-group/trapscan/internal/resilience"
)

// SQLiteStore implements Cache using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at path, creating parent directories,
// and configures WAL mode.
func NewSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "sqlite: create %s", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS scan_cache (
	folder_key    TEXT PRIMARY KEY,
	folder        TEXT NOT NULL,
	frame_count   INTEGER NOT NULL,
	mod_sig       TEXT NOT NULL,
	size_sig      TEXT NOT NULL,
	model_version TEXT NOT NULL,
	payload       TEXT NOT NULL,
	generated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_scan_cache_generated_at ON scan_cache(generated_at);
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load implements Cache.
func (s *SQLiteStore) Load(ctx context.Context, folder string) (*model.CacheEntry, error) {
	key, err := Key(folder)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT folder_key, folder, frame_count, mod_sig, size_sig, model_version, payload, generated_at
		 FROM scan_cache WHERE folder_key = ?`,
		key,
	)

	var (
		e       model.CacheEntry
		payload string
	)
	err = row.Scan(&e.Key, &e.Folder, &e.Fingerprint.Count, &e.Fingerprint.ModSignature,
		&e.Fingerprint.SizeSignature, &e.ModelVersion, &payload, &e.GeneratedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load cache %s", folder)
	}
	if err := decodeRows([]byte(payload), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Store implements Cache.
func (s *SQLiteStore) Store(ctx context.Context, entry *model.CacheEntry) error {
	if err := prepareEntry(entry); err != nil {
		return err
	}
	payload, err := json.Marshal(entry.Rows)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal rows")
	}
	err = resilience.Do(ctx, resilience.StoreRetry("sqlite store"), func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO scan_cache (folder_key, folder, frame_count, mod_sig, size_sig, model_version, payload, generated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (folder_key) DO UPDATE SET
			folder = excluded.folder,
			frame_count = excluded.frame_count,
			mod_sig = excluded.mod_sig,
			size_sig = excluded.size_sig,
			model_version = excluded.model_version,
			payload = excluded.payload,
			generated_at = excluded.generated_at`,
			entry.Key, entry.Folder, entry.Fingerprint.Count, entry.Fingerprint.ModSignature,
			entry.Fingerprint.SizeSignature, entry.ModelVersion, string(payload), entry.GeneratedAt,
		)
		return err
	})
	return eris.Wrapf(err, "sqlite: store cache %s", entry.Folder)
}

// Delete implements Cache.
func (s *SQLiteStore) Delete(ctx context.Context, folder string) error {
	key, err := Key(folder)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM scan_cache WHERE folder_key = ?`, key)
	return eris.Wrapf(err, "sqlite: delete cache %s", folder)
}

// List implements Cache.
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT folder, folder_key, frame_count, model_version, generated_at
		 FROM scan_cache ORDER BY generated_at DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cache")
	}
	defer rows.Close() //nolint:errcheck

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.Folder, &sum.Key, &sum.Frames, &sum.ModelVersion, &sum.GeneratedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cache summary")
		}
		out = append(out, sum)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate cache")
}

// prepareEntry fills the key and canonical folder before writing.
func prepareEntry(entry *model.CacheEntry) error {
	if entry == nil {
		return eris.New("cache: nil entry")
	}
	canonical, err := CanonicalFolder(entry.Folder)
	if err != nil {
		return err
	}
	key, err := Key(canonical)
	if err != nil {
		return err
	}
	entry.Folder = canonical
	entry.Key = key
	if entry.GeneratedAt.IsZero() {
		entry.GeneratedAt = time.Now().UTC()
	}
	return nil
}

func decodeRows(payload []byte, e *model.CacheEntry) error {
	if err := json.Unmarshal(payload, &e.Rows); err != nil {
		return eris.Wrapf(ErrCacheCorrupt, "decode rows for %s: %v", e.Folder, err)
	}
	if len(e.Rows) != e.Fingerprint.Count {
		return eris.Wrapf(ErrCacheCorrupt, "%s holds %d rows for %d frames", e.Folder, len(e.Rows), e.Fingerprint.Count)
	}
	return nil
}
