// Package pgtest opens the PostgreSQL database used by store tests.
package pgtest

import (
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"

	"github.com/whisper/relay/internal/migrations"
)

// Open opens TEST_DATABASE_URL and applies migrations. It skips the calling
// test when no database is configured or reachable. Tables are shared between
// packages, so tests must use unique ids instead of truncating.
func Open(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("postgres not available: %v", err)
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		t.Fatalf("migrations.Up() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
