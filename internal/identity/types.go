// Package identity attributes inbound messages to a single customer record per
// tenant and stores the conversation history for that customer.
package identity

import (
	"errors"
	"time"

	"github.com/memohai/omnicore/internal/channel"
)

var ErrNotFound = errors.New("identity not found")

type Status string

const (
	StatusNew                  Status = "new"
	StatusActive               Status = "active"
	StatusAppointmentRequested Status = "appointment_requested"
	StatusHandoff              Status = "handoff"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Handle is one channel-specific external id attached to an identity.
type Handle struct {
	Channel    channel.ChannelType `json:"channel"`
	ExternalID string              `json:"external_id"`
}

type Identity struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	DisplayName     string    `json:"display_name"`
	PrimaryPhone    string    `json:"primary_phone,omitempty"`
	Email           string    `json:"email,omitempty"`
	EmailVerified   bool      `json:"email_verified"`
	Handles         []Handle  `json:"handles,omitempty"`
	Score           int       `json:"score"`
	ScoreRank       string    `json:"score_rank"`
	Status          Status    `json:"status"`
	Treatment       string    `json:"treatment,omitempty"`
	ReferralApplied bool      `json:"referral_applied"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HandleFor returns the external id on a channel, or "".
func (i Identity) HandleFor(ct channel.ChannelType) string {
	for _, h := range i.Handles {
		if h.Channel == ct {
			return h.ExternalID
		}
	}
	return ""
}

// Turn is one appended conversation entry. Turns are never edited.
type Turn struct {
	ID        string              `json:"id"`
	Role      Role                `json:"role"`
	Content   string              `json:"content"`
	Channel   channel.ChannelType `json:"channel,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// ScoreUpdate is the persisted outcome of one scoring pass.
type ScoreUpdate struct {
	Score           int
	Rank            string
	Treatment       string
	ReferralApplied bool
}

// Candidate is a fuzzy-match candidate.
type Candidate struct {
	ID          string
	DisplayName string
}

// NewIdentity carries the fields known when an identity is first created.
type NewIdentity struct {
	TenantID      string
	DisplayName   string
	Phone         string
	Email         string
	EmailVerified bool
}
