package cache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/trapscan/internal/db"
	"github.com/sells-group/trapscan/internal/model"
	"github.com/sells-group/trapscan/internal/resilience"
)

// PostgresStore implements Cache on a shared PostgreSQL database, so
// several workstations can reuse each other's scans of a network share.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres connects to connString.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := resilience.DoVal(ctx, resilience.StoreRetry("postgres connect"), func(ctx context.Context) (*pgxpool.Pool, error) {
		return db.Connect(ctx, connString, poolCfg)
	})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS scan_cache (
	folder_key    TEXT PRIMARY KEY,
	folder        TEXT NOT NULL,
	frame_count   INTEGER NOT NULL,
	mod_sig       TEXT NOT NULL,
	size_sig      TEXT NOT NULL,
	model_version TEXT NOT NULL,
	payload       JSONB NOT NULL,
	generated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_scan_cache_generated_at ON scan_cache(generated_at DESC);
`

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Load implements Cache.
func (s *PostgresStore) Load(ctx context.Context, folder string) (*model.CacheEntry, error) {
	key, err := Key(folder)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT folder_key, folder, frame_count, mod_sig, size_sig, model_version, payload, generated_at FROM scan_cache WHERE folder_key = $1`,
		key,
	)

	var (
		e       model.CacheEntry
		payload []byte
	)
	err = row.Scan(&e.Key, &e.Folder, &e.Fingerprint.Count, &e.Fingerprint.ModSignature,
		&e.Fingerprint.SizeSignature, &e.ModelVersion, &payload, &e.GeneratedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load cache %s", folder)
	}
	if err := decodeRows(payload, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Store implements Cache.
func (s *PostgresStore) Store(ctx context.Context, entry *model.CacheEntry) error {
	if err := prepareEntry(entry); err != nil {
		return err
	}
	payload, err := json.Marshal(entry.Rows)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal rows")
	}
	err = resilience.Do(ctx, resilience.StoreRetry("postgres store"), func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO scan_cache (folder_key, folder, frame_count, mod_sig, size_sig, model_version, payload, generated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (folder_key) DO UPDATE SET
			folder = EXCLUDED.folder,
			frame_count = EXCLUDED.frame_count,
			mod_sig = EXCLUDED.mod_sig,
			size_sig = EXCLUDED.size_sig,
			model_version = EXCLUDED.model_version,
			payload = EXCLUDED.payload,
			generated_at = EXCLUDED.generated_at`,
			entry.Key, entry.Folder, entry.Fingerprint.Count, entry.Fingerprint.ModSignature,
			entry.Fingerprint.SizeSignature, entry.ModelVersion, payload, entry.GeneratedAt,
		)
		return err
	})
	return eris.Wrapf(err, "postgres: store cache %s", entry.Folder)
}

// Delete implements Cache.
func (s *PostgresStore) Delete(ctx context.Context, folder string) error {
	key, err := Key(folder)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM scan_cache WHERE folder_key = $1`, key)
	return eris.Wrapf(err, "postgres: delete cache %s", folder)
}

// List implements Cache.
func (s *PostgresStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT folder, folder_key, frame_count, model_version, generated_at FROM scan_cache ORDER BY generated_at DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cache")
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.Folder, &sum.Key, &sum.Frames, &sum.ModelVersion, &sum.GeneratedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cache summary")
		}
		out = append(out, sum)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate cache")
}
