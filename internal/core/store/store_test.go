package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketbridge/marketbridge/internal/config"
)

func TestBuildLibsqlDSN(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		cfg  config.StoreConfig
		want string
	}{
		{"turso url gets token", config.StoreConfig{URL: "libsql://market.turso.io", AuthToken: "tok"}, "libsql://market.turso.io?authToken=tok"},
		{"existing query is kept", config.StoreConfig{URL: "libsql://market.turso.io?tls=1", AuthToken: "tok"}, "libsql://market.turso.io?authToken=tok&tls=1"},
		{"explicit token wins", config.StoreConfig{URL: "libsql://market.turso.io?authToken=mine", AuthToken: "tok"}, "libsql://market.turso.io?authToken=mine"},
		{"url beats path", config.StoreConfig{URL: "libsql://market.turso.io", Path: "ignored.db"}, "libsql://market.turso.io"},
		{"file prefix", config.StoreConfig{Path: "file:./marketbridge.db"}, "file:./marketbridge.db"},
		{"memory", config.StoreConfig{Path: ":memory:"}, ":memory:"},
		{"bare path", config.StoreConfig{Path: filepath.Join(dir, "data", "mb.db")}, "file:" + filepath.Join(dir, "data", "mb.db")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dsn, err := buildLibsqlDSN(tc.cfg)
			require.NoError(t, err)
			assert.Equal(t, tc.want, dsn)
		})
	}

	t.Run("missing path", func(t *testing.T) {
		_, err := buildLibsqlDSN(config.StoreConfig{})
		require.Error(t, err)
	})
	assert.DirExists(t, filepath.Join(dir, "data"))
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "postgres", Path: ":memory:"})
	require.ErrorContains(t, err, "unsupported store driver")
}

func TestMigrate_AppliesPendingOnly(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(2))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS rate_limits`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO schema_migrations`).
		WithArgs(3, "window limiter state", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(3, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_RollsBackFailedStep(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COALESCE`).WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(0))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS marketplace_metrics`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.Migrate(context.Background())
	require.ErrorContains(t, err, "migration 1")
	require.NoError(t, mock.ExpectationsWereMet())
}
