package retryqueue

import (
	"context"
	"fmt"

	"github.com/memohai/omnicore/internal/events"
)

// EventAlerter publishes ops.delivery_exhausted.v1 for operators.
type EventAlerter struct {
	publisher events.Publisher
}

func NewEventAlerter(publisher events.Publisher) *EventAlerter {
	return &EventAlerter{publisher: publisher}
}

func (a *EventAlerter) DeliveryExhausted(ctx context.Context, d Delivery) error {
	env := events.NewEnvelope(events.TypeDeliveryExhausted, d.IdentityID, events.DeliveryExhausted{
		DeliveryID: d.ID,
		TenantID:   d.TenantID,
		IdentityID: d.IdentityID,
		Channel:    d.Channel.String(),
		Attempts:   d.Attempts,
		LastError:  d.LastError,
	})
	if err := a.publisher.Publish(ctx, events.TypeDeliveryExhausted, env); err != nil {
		return fmt.Errorf("publish delivery alert: %w", err)
	}
	return nil
}
