// Package storetest opens migrated throwaway SQLite stores for tests.
package storetest

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dealbrain/dealbrain/internal/core/db"
	"github.com/dealbrain/dealbrain/internal/core/logging"
	"github.com/dealbrain/dealbrain/internal/core/store"
)

// New returns a store over a fresh database file in t.TempDir().
func New(t testing.TB) *store.Store {
	t.Helper()
	ctx := context.Background()

	url := "sqlite://" + filepath.Join(t.TempDir(), "test.db")
	pool, err := db.Open(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	require.NoError(t, db.MigrateUp(ctx, pool, Logger()))

	st, err := store.New(pool)
	require.NoError(t, err)
	return st
}

// Logger discards output.
func Logger() *slog.Logger {
	return logging.Discard()
}
