package db

import "testing"

// NewTestDB opens an in-memory database for tests and closes it on cleanup.
func NewTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}
