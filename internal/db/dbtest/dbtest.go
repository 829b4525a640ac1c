// Package dbtest opens migrated SQLite databases for package tests.
package dbtest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/memohai/omnicore/internal/config"
	"github.com/memohai/omnicore/internal/db"
)

// Open returns a migrated database backed by a file in t.TempDir. It is closed on cleanup.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	conn, err := db.Open(context.Background(), config.DatabaseConfig{
		Driver: db.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := db.Migrate(conn, db.DriverSQLite); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return conn
}
