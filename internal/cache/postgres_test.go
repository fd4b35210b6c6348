package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewPostgresFromPool(mock), mock
}

var entryColumns = []string{"folder_key", "folder", "frame_count", "mod_sig", "size_sig", "model_version", "payload", "generated_at"}

func TestPostgresStore_Load_Miss(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	folder := t.TempDir()
	key, err := Key(folder)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT folder_key, folder, .* FROM scan_cache WHERE folder_key = \$1`).
		WithArgs(key).
		WillReturnError(pgx.ErrNoRows)

	got, err := s.Load(context.Background(), folder)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Load_Hit(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	folder := t.TempDir()
	entry := testEntry(t, folder)
	key, err := Key(folder)
	require.NoError(t, err)
	payload, err := json.Marshal(entry.Rows)
	require.NoError(t, err)
	generated := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT folder_key, folder, .* FROM scan_cache WHERE folder_key = \$1`).
		WithArgs(key).
		WillReturnRows(mock.NewRows(entryColumns).AddRow(
			key, folder, 3, entry.Fingerprint.ModSignature, entry.Fingerprint.SizeSignature,
			"trapnet@1", payload, generated,
		))

	got, err := s.Load(context.Background(), folder)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.Fingerprint, got.Fingerprint)
	assert.Len(t, got.Rows, 3)
	assert.True(t, got.Rows[1].Decision.Manual)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Load_Corrupt(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	folder := t.TempDir()
	key, err := Key(folder)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT folder_key, folder, .* FROM scan_cache WHERE folder_key = \$1`).
		WithArgs(key).
		WillReturnRows(mock.NewRows(entryColumns).AddRow(
			key, folder, 3, "m", "s", "trapnet@1", []byte(`{"broken"`), time.Now(),
		))

	_, err = s.Load(context.Background(), folder)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCacheCorrupt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Store(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	folder := t.TempDir()
	key, err := Key(folder)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO scan_cache \(folder_key, folder, frame_count`).
		WithArgs(key, pgxmock.AnyArg(), 3, pgxmock.AnyArg(), pgxmock.AnyArg(), "trapnet@1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	entry := testEntry(t, folder)
	require.NoError(t, s.Store(context.Background(), entry))
	assert.Equal(t, key, entry.Key)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Store_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO scan_cache`).
		WillReturnError(errors.New("permission denied for table scan_cache"))

	err := s.Store(context.Background(), testEntry(t, t.TempDir()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store cache")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Store_RetriesSerializationFailure(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO scan_cache`).
		WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})
	mock.ExpectExec(`INSERT INTO scan_cache`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Store(context.Background(), testEntry(t, t.TempDir())))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Delete(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	folder := t.TempDir()
	key, err := Key(folder)
	require.NoError(t, err)

	mock.ExpectExec(`DELETE FROM scan_cache WHERE folder_key = \$1`).
		WithArgs(key).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, s.Delete(context.Background(), folder))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_List(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT folder, folder_key, frame_count, model_version, generated_at FROM scan_cache ORDER BY generated_at DESC`).
		WillReturnRows(mock.NewRows([]string{"folder", "folder_key", "frame_count", "model_version", "generated_at"}).
			AddRow("/traps/a", "ka", 12, "trapnet@1", now).
			AddRow("/traps/b", "kb", 4, "trapnet@1", now.Add(-time.Hour)))

	list, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "/traps/a", list[0].Folder)
	assert.Equal(t, 12, list[0].Frames)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS scan_cache`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
