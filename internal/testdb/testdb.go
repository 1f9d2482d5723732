// Package testdb opens throwaway SQLite databases for package tests.
package testdb

import (
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"matchflow/internal/store"
	"matchflow/internal/users"
)

// Open returns an in-memory database with every table created. It is
// closed when the test ends.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	name := strings.ReplaceAll(uuid.NewString(), "-", "")
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := users.EnsureSchema(db); err != nil {
		t.Fatalf("ensure users schema: %v", err)
	}
	return db
}
