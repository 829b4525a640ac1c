// Package events publishes domain events ({meta, data} envelopes) to AMQP
// topic exchanges for CRM sync and operational alerts.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Producer identifies this service in event metadata.
const Producer = "omnicore"

// Event types, versioned by suffix.
const (
	TypeLeadScored        = "lead.scored.v1"
	TypeLeadHandoff       = "lead.handoff.v1"
	TypeDeliveryExhausted = "ops.delivery_exhausted.v1"
)

type Meta struct {
	CorrelationID string    `json:"correlation_id,omitempty"`
	ID            string    `json:"id"`
	Producer      string    `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	// Type is the event name and version, e.g. lead.scored.v1.
	Type string `json:"type"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope stamps a fresh id and time. The routing key is the event type.
func NewEnvelope(eventType, correlationID string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			CorrelationID: correlationID,
			ID:            uuid.NewString(),
			Producer:      Producer,
			Time:          time.Now().UTC(),
			Type:          eventType,
		},
		Data: data,
	}
}

type LeadScored struct {
	TenantID   string   `json:"tenant_id"`
	IdentityID string   `json:"identity_id"`
	Score      int      `json:"score"`
	Rank       string   `json:"rank"`
	Treatment  string   `json:"treatment,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
	Channel    string   `json:"channel"`
	Status     string   `json:"status"`
}

type LeadHandoff struct {
	TenantID   string `json:"tenant_id"`
	IdentityID string `json:"identity_id"`
	Reason     string `json:"reason"`
	Urgency    string `json:"urgency,omitempty"`
}

type DeliveryExhausted struct {
	DeliveryID string `json:"delivery_id"`
	TenantID   string `json:"tenant_id"`
	IdentityID string `json:"identity_id"`
	Channel    string `json:"channel"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
}
