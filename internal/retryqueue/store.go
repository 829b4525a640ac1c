package retryqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/db"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn, now: time.Now}
}

const selectColumns = `SELECT id, tenant_id, identity_id, channel, target, sender, content, rich, score_rank,
       attempts, status, last_error, scheduled_at, created_at, updated_at, alerted_at
FROM queued_deliveries`

// Enqueue stores a new pending item with zero attempts, due now unless
// ScheduledAt is set.
func (s *Store) Enqueue(ctx context.Context, d Delivery) (Delivery, error) {
	now := s.now()
	if d.ID == "" {
		// v7 ids sort by creation time, which keeps FIFO order among rows
		// enqueued in the same millisecond.
		id, err := uuid.NewV7()
		if err != nil {
			return Delivery{}, fmt.Errorf("generate delivery id: %w", err)
		}
		d.ID = id.String()
	}
	if d.ScheduledAt.IsZero() {
		d.ScheduledAt = now
	}
	d.Attempts = 0
	d.Status = StatusPending
	d.LastError = ""
	d.CreatedAt = now
	d.UpdatedAt = now
	d.AlertedAt = nil

	rich := ""
	if len(d.Rich) > 0 {
		raw, err := json.Marshal(d.Rich)
		if err != nil {
			return Delivery{}, fmt.Errorf("encode rich content: %w", err)
		}
		rich = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO queued_deliveries (id, tenant_id, identity_id, channel, target, sender, content, rich, score_rank,
                               attempts, status, last_error, scheduled_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, '', $11, $12, $12)`,
		d.ID, d.TenantID, d.IdentityID, d.Channel.String(), d.Target, d.From, d.Content, rich, d.ScoreRank,
		string(d.Status), db.NowMillis(d.ScheduledAt), db.NowMillis(now))
	if err != nil {
		return Delivery{}, fmt.Errorf("enqueue delivery: %w", err)
	}
	return d, nil
}

// NextDue returns the oldest pending item that is due and still has attempts left.
func (s *Store) NextDue(ctx context.Context, now time.Time, maxAttempts int) (Delivery, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
WHERE status = $1 AND attempts < $2 AND scheduled_at <= $3
ORDER BY created_at, id
LIMIT 1`, string(StatusPending), maxAttempts, db.NowMillis(now))
	return scanDelivery(row)
}

// Claim counts one attempt if the item is still pending at the expected
// attempt count.
func (s *Store) Claim(ctx context.Context, id string, attempts int) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE queued_deliveries SET attempts = attempts + 1, updated_at = $1
WHERE id = $2 AND attempts = $3 AND status = $4`,
		db.NowMillis(s.now()), id, attempts, string(StatusPending))
	if err != nil {
		return fmt.Errorf("claim delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *Store) MarkSent(ctx context.Context, id string) error {
	return s.transition(ctx, "mark sent", `
UPDATE queued_deliveries SET status = $1, last_error = '', updated_at = $2
WHERE id = $3 AND status = $4`,
		string(StatusSent), db.NowMillis(s.now()), id, string(StatusPending))
}

func (s *Store) Reschedule(ctx context.Context, id string, at time.Time, lastErr string) error {
	return s.transition(ctx, "reschedule", `
UPDATE queued_deliveries SET scheduled_at = $1, last_error = $2, updated_at = $3
WHERE id = $4 AND status = $5`,
		db.NowMillis(at), truncate(lastErr), db.NowMillis(s.now()), id, string(StatusPending))
}

// MarkExhausted records the final error and stamps alerted_at. It reports
// false when the item was already alerted.
func (s *Store) MarkExhausted(ctx context.Context, id string, lastErr string) (bool, error) {
	now := db.NowMillis(s.now())
	res, err := s.db.ExecContext(ctx, `
UPDATE queued_deliveries SET last_error = $1, alerted_at = $2, updated_at = $2
WHERE id = $3 AND status = $4 AND alerted_at IS NULL`,
		truncate(lastErr), now, id, string(StatusPending))
	if err != nil {
		return false, fmt.Errorf("mark exhausted: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Cancel supersedes one pending item.
func (s *Store) Cancel(ctx context.Context, id string) error {
	return s.transition(ctx, "cancel", `
UPDATE queued_deliveries SET status = $1, updated_at = $2
WHERE id = $3 AND status = $4`,
		string(StatusCancelled), db.NowMillis(s.now()), id, string(StatusPending))
}

// CancelForIdentity supersedes every pending item for an identity and
// returns how many were cancelled.
func (s *Store) CancelForIdentity(ctx context.Context, identityID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE queued_deliveries SET status = $1, updated_at = $2
WHERE identity_id = $3 AND status = $4`,
		string(StatusCancelled), db.NowMillis(s.now()), identityID, string(StatusPending))
	if err != nil {
		return 0, fmt.Errorf("cancel deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) Get(ctx context.Context, id string) (Delivery, error) {
	return scanDelivery(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id))
}

// List returns the newest items first.
func (s *Store) List(ctx context.Context, f Filter) ([]Delivery, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.IdentityID != "" {
		args = append(args, f.IdentityID)
		where = append(where, fmt.Sprintf("identity_id = $%d", len(args)))
	}
	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountExhausted counts pending items that ran out of attempts.
func (s *Store) CountExhausted(ctx context.Context, maxAttempts int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queued_deliveries WHERE status = $1 AND attempts >= $2`,
		string(StatusPending), maxAttempts).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count exhausted deliveries: %w", err)
	}
	return n, nil
}

func (s *Store) transition(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDelivery(row interface{ Scan(...any) error }) (Delivery, error) {
	var (
		d                           Delivery
		ct, rich, status            string
		scheduled, created, updated int64
		alerted                     sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.TenantID, &d.IdentityID, &ct, &d.Target, &d.From, &d.Content, &rich, &d.ScoreRank,
		&d.Attempts, &status, &d.LastError, &scheduled, &created, &updated, &alerted)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, ErrNotFound
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("scan delivery: %w", err)
	}
	d.Channel = channel.ChannelType(ct)
	d.Status = Status(status)
	d.ScheduledAt = db.FromMillis(scheduled)
	d.CreatedAt = db.FromMillis(created)
	d.UpdatedAt = db.FromMillis(updated)
	if alerted.Valid {
		at := db.FromMillis(alerted.Int64)
		d.AlertedAt = &at
	}
	if rich != "" {
		if err := json.Unmarshal([]byte(rich), &d.Rich); err != nil {
			return Delivery{}, fmt.Errorf("decode rich content: %w", err)
		}
	}
	return d, nil
}

func truncate(msg string) string {
	const limit = 500
	if r := []rune(msg); len(r) > limit {
		return string(r[:limit])
	}
	return msg
}
