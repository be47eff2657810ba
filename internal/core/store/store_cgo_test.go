//go:build cgo

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marketbridge/marketbridge/internal/config"
)

func TestOpenMemoryStore(t *testing.T) {
	s, err := Open(context.Background(), config.StoreConfig{Driver: "libsql", Path: ":memory:"})
	require.NoError(t, err)
	require.Equal(t, "libsql", s.Driver())
	require.NoError(t, s.Close())
}

func TestOpenLocalStore_SerializesWriters(t *testing.T) {
	ctx := context.Background()
	s := openLocalStore(t)

	require.Equal(t, 1, s.DB.Stats().MaxOpenConnections)

	var journalMode string
	require.NoError(t, s.DB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode))
	require.Contains(t, journalMode, "wal")

	var busyTimeout int
	require.NoError(t, s.DB.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout))
	require.GreaterOrEqual(t, busyTimeout, 1000)
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openLocalStore(t)

	require.NoError(t, s.Migrate(ctx))
	version, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, len(migrations), version)
}
