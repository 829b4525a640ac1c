// Package audit is the append-only log of security and identity decisions.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/omnicore/internal/db"
)

// Clearance levels control who may read an entry.
const (
	ClearancePublic     = "public"
	ClearanceInternal   = "internal"
	ClearanceRestricted = "restricted"
)

type Entry struct {
	ID             string    `json:"id"`
	Action         string    `json:"action"`
	ActorID        string    `json:"actor_id"`
	Resource       string    `json:"resource"`
	Detail         string    `json:"detail"`
	ClearanceLevel string    `json:"clearance_level"`
	CreatedAt      time.Time `json:"created_at"`
}

// Recorder appends entries. Entries are never updated or deleted.
type Recorder interface {
	Append(ctx context.Context, entry Entry) error
}

type Filter struct {
	Action  string
	ActorID string
	Limit   int
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn, now: time.Now}
}

func (s *Store) Append(ctx context.Context, entry Entry) error {
	if strings.TrimSpace(entry.Action) == "" {
		return errors.New("audit action is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if entry.ClearanceLevel == "" {
		entry.ClearanceLevel = ClearanceInternal
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_log (id, action, actor_id, resource, detail, clearance_level, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.Action, entry.ActorID, entry.Resource, entry.Detail, entry.ClearanceLevel,
		db.NowMillis(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// List returns the newest entries first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT id, action, actor_id, resource, detail, clearance_level, created_at FROM audit_log`
	var (
		where []string
		args  []any
	)
	if f.Action != "" {
		args = append(args, f.Action)
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}
	if f.ActorID != "" {
		args = append(args, f.ActorID)
		where = append(where, fmt.Sprintf("actor_id = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.ActorID, &e.Resource, &e.Detail, &e.ClearanceLevel, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = db.FromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
