// Package testutil provides shared test fixtures.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/g960059/schedev/internal/db"
)

// NewStore opens a throwaway SQLite store with migrations applied.
func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "schedev-test.db")
	store, err := db.Open(ctx, path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}
