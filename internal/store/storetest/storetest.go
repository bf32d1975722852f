// Package storetest provides a migrated sqlite-backed store for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/labforge/internal/store"
)

// New returns a fresh store backed by a sqlite file in a temp dir.
func New(t testing.TB) *store.GormStore {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "labforge.db") + "?_busy_timeout=5000"
	db, err := store.Open(context.Background(), "sqlite", dsn, 1, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return store.NewGorm(db)
}
