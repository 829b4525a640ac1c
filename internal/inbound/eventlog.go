package inbound

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/db"
)

// EventLog remembers provider message ids so webhook redeliveries are
// acknowledged without being processed twice.
type EventLog struct {
	db *sql.DB
}

func NewEventLog(conn *sql.DB) *EventLog {
	return &EventLog{db: conn}
}

// Record reports whether this is the first time the message id is seen.
func (l *EventLog) Record(ctx context.Context, ct channel.ChannelType, providerMessageID string, at time.Time) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
INSERT INTO inbound_events (channel, provider_message_id, received_at)
VALUES ($1, $2, $3)
ON CONFLICT (channel, provider_message_id) DO NOTHING`,
		ct.String(), providerMessageID, db.NowMillis(at))
	if err != nil {
		return false, fmt.Errorf("record inbound event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Forget removes one id so a provider redelivery is processed again.
func (l *EventLog) Forget(ctx context.Context, ct channel.ChannelType, providerMessageID string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM inbound_events WHERE channel = $1 AND provider_message_id = $2`,
		ct.String(), providerMessageID)
	if err != nil {
		return fmt.Errorf("forget inbound event: %w", err)
	}
	return nil
}

// Prune drops ids older than the cutoff and returns how many were removed.
func (l *EventLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM inbound_events WHERE received_at < $1`, db.NowMillis(before))
	if err != nil {
		return 0, fmt.Errorf("prune inbound events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
