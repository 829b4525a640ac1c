// Package crm forwards lead scoring results to the CRM over the event bus.
package crm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/memohai/omnicore/internal/events"
	"github.com/memohai/omnicore/internal/identity"
	"github.com/memohai/omnicore/internal/scoring"
)

// Lead is the CRM view of one scored identity.
type Lead struct {
	TenantID   string
	IdentityID string
	Channel    string
	Status     identity.Status
	Result     scoring.Result
}

type Syncer struct {
	logger    *slog.Logger
	publisher events.Publisher
}

func NewSyncer(log *slog.Logger, publisher events.Publisher) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{
		logger:    log.With(slog.String("component", "crm_sync")),
		publisher: publisher,
	}
}

// Sync publishes a lead.scored.v1 envelope routed by event type. The identity
// id is used as the correlation id so CRM consumers can fold updates per lead.
func (s *Syncer) Sync(ctx context.Context, lead Lead) error {
	if s.publisher == nil {
		return nil
	}
	reasons := make([]string, 0, len(lead.Result.Reasons))
	for _, r := range lead.Result.Reasons {
		reasons = append(reasons, fmt.Sprintf("%s:%+d", r.Factor, r.Points))
	}
	env := events.NewEnvelope(events.TypeLeadScored, lead.IdentityID, events.LeadScored{
		TenantID:   lead.TenantID,
		IdentityID: lead.IdentityID,
		Score:      lead.Result.Score,
		Rank:       lead.Result.Rank,
		Treatment:  lead.Result.Treatment,
		Reasons:    reasons,
		Channel:    lead.Channel,
		Status:     string(lead.Status),
	})
	if err := s.publisher.Publish(ctx, events.TypeLeadScored, env); err != nil {
		return fmt.Errorf("publish lead score: %w", err)
	}
	s.logger.Debug("lead synced",
		slog.String("identity_id", lead.IdentityID),
		slog.Int("score", lead.Result.Score),
		slog.String("rank", lead.Result.Rank))
	return nil
}
