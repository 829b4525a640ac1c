// Package retryqueue is the durable at-least-once delivery queue. Items are
// stored in SQL and drained by a single serialized processor.
package retryqueue

import (
	"errors"
	"time"

	"github.com/memohai/omnicore/internal/channel"
)

var (
	ErrNotFound = errors.New("queued delivery not found")
	// ErrClaimLost means another drain already advanced the item.
	ErrClaimLost = errors.New("queued delivery claim lost")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusCancelled Status = "cancelled"
)

// DefaultMaxAttempts bounds automatic retries. Items that reach it stay
// pending but are never picked again.
const DefaultMaxAttempts = 3

type Delivery struct {
	ID          string              `json:"id"`
	TenantID    string              `json:"tenant_id"`
	IdentityID  string              `json:"identity_id"`
	Channel     channel.ChannelType `json:"channel"`
	Target      string              `json:"target"`
	From        string              `json:"from,omitempty"`
	Content     string              `json:"content"`
	Rich        []channel.Action    `json:"rich,omitempty"`
	ScoreRank   string              `json:"score_rank,omitempty"`
	Attempts    int                 `json:"attempts"`
	Status      Status              `json:"status"`
	LastError   string              `json:"last_error,omitempty"`
	ScheduledAt time.Time           `json:"scheduled_at"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	AlertedAt   *time.Time          `json:"alerted_at,omitempty"`
}

// Exhausted reports whether automatic retries are over for this item.
func (d Delivery) Exhausted(maxAttempts int) bool {
	return d.Status == StatusPending && d.Attempts >= maxAttempts
}

// Message rebuilds the outbound message for the original channel.
func (d Delivery) Message() channel.OutboundMessage {
	return channel.OutboundMessage{Target: d.Target, From: d.From, Text: d.Content, Actions: d.Rich}
}

type Filter struct {
	Status     Status
	IdentityID string
	Limit      int
}
