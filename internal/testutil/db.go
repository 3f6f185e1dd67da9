// Package testutil provides database fixtures for package tests: a
// throwaway migrated store and a builder that seeds threads, messages,
// and runs through the real store API.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lemoz/project-control-center-sub001/internal/store"
)

// NewTestDB opens a fully migrated store in a temp directory and closes
// it when the test finishes.
func NewTestDB(t *testing.T) *store.DB {
	t.Helper()
	return NewTestDBAt(t, filepath.Join(t.TempDir(), "state.db"))
}

// NewTestDBAt opens a migrated store at the given path. Tests that need
// the database to live under a specific portfolio root use this.
func NewTestDBAt(t *testing.T, path string) *store.DB {
	t.Helper()
	db, err := store.NewDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
