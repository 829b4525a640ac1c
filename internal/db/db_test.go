package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/memohai/omnicore/internal/db"
	"github.com/memohai/omnicore/internal/db/dbtest"
)

func TestMigrateIsRepeatable(t *testing.T) {
	t.Parallel()
	conn := dbtest.Open(t)
	if err := db.Migrate(conn, db.DriverSQLite); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var n int
	if err := conn.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM queued_deliveries`).Scan(&n); err != nil {
		t.Fatalf("query migrated table: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected empty table, got %d rows", n)
	}
}

func TestPhoneUniquenessPerTenant(t *testing.T) {
	t.Parallel()
	conn := dbtest.Open(t)
	ctx := context.Background()
	now := db.NowMillis(time.Now())
	insert := `INSERT INTO identities (id, tenant_id, primary_phone, last_activity_at, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := conn.ExecContext(ctx, insert, "a", "t1", "+905551112233", now, now, now); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := conn.ExecContext(ctx, insert, "b", "t1", "+905551112233", now, now, now)
	if !db.IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
	if _, err := conn.ExecContext(ctx, insert, "c", "t2", "+905551112233", now, now, now); err != nil {
		t.Fatalf("other tenant insert: %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()
	if db.IsUniqueViolation(nil) {
		t.Fatalf("nil should not be a violation")
	}
	if !db.IsUniqueViolation(errors.New(`ERROR: duplicate key value violates unique constraint (SQLSTATE 23505)`)) {
		t.Fatalf("postgres error not detected")
	}
	if db.IsUniqueViolation(errors.New("connection refused")) {
		t.Fatalf("unrelated error detected as violation")
	}
}

func TestMillisRoundTrip(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)
	if got := db.FromMillis(db.NowMillis(now)); !got.Equal(now) {
		t.Fatalf("round trip = %v, want %v", got, now)
	}
}
