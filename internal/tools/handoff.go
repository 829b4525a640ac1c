package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/memohai/omnicore/internal/events"
	"github.com/memohai/omnicore/internal/identity"
)

type HandoffArgs struct {
	Reason  string `json:"reason" validate:"required,max=300"`
	Urgency string `json:"urgency" validate:"omitempty,oneof=low normal high"`
}

type Handoffs struct {
	logger    *slog.Logger
	statuses  StatusUpdater
	publisher events.Publisher
}

func NewHandoffs(log *slog.Logger, statuses StatusUpdater, publisher events.Publisher) *Handoffs {
	if log == nil {
		log = slog.Default()
	}
	return &Handoffs{
		logger:    log.With(slog.String("component", "handoff")),
		statuses:  statuses,
		publisher: publisher,
	}
}

// Request flags the identity for a human agent. A failed publish is logged;
// the status change alone is enough for the admin queue.
func (h *Handoffs) Request(ctx context.Context, s Session, args HandoffArgs) (any, error) {
	if err := h.statuses.UpdateStatus(ctx, s.IdentityID, identity.StatusHandoff); err != nil {
		return nil, fmt.Errorf("update identity status: %w", err)
	}
	urgency := args.Urgency
	if urgency == "" {
		urgency = "normal"
	}
	env := events.NewEnvelope(events.TypeLeadHandoff, s.IdentityID, events.LeadHandoff{
		TenantID:   s.TenantID,
		IdentityID: s.IdentityID,
		Reason:     args.Reason,
		Urgency:    urgency,
	})
	if h.publisher != nil {
		if err := h.publisher.Publish(ctx, events.TypeLeadHandoff, env); err != nil {
			h.logger.Error("publish handoff failed", slog.String("identity_id", s.IdentityID), slog.Any("error", err))
		}
	}
	return map[string]any{"status": string(identity.StatusHandoff), "urgency": urgency}, nil
}

var handoffSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"reason":  map[string]any{"type": "string"},
		"urgency": map[string]any{"type": "string", "enum": []string{"low", "normal", "high"}},
	},
	"required": []string{"reason"},
}
