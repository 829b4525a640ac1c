package tools

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/omnicore/internal/db"
	"github.com/memohai/omnicore/internal/identity"
	"github.com/memohai/omnicore/internal/scoring"
)

// StatusUpdater moves an identity through its lifecycle.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, identityID string, status identity.Status) error
}

type AppointmentArgs struct {
	Treatment     string `json:"treatment" validate:"max=80"`
	PreferredDate string `json:"preferred_date" validate:"omitempty,datetime=2006-01-02"`
	Notes         string `json:"notes" validate:"max=500"`
}

type AppointmentRequest struct {
	ID            string `json:"id"`
	Treatment     string `json:"treatment,omitempty"`
	PreferredDate string `json:"preferred_date,omitempty"`
	Status        string `json:"status"`
}

type Appointments struct {
	db       *sql.DB
	statuses StatusUpdater
	now      func() time.Time
}

func NewAppointments(conn *sql.DB, statuses StatusUpdater) *Appointments {
	return &Appointments{db: conn, statuses: statuses, now: time.Now}
}

// Book records the request for staff follow-up. No calendar slot is held.
func (a *Appointments) Book(ctx context.Context, s Session, args AppointmentArgs) (any, error) {
	// Free-text treatments are stored under their scoring key when one matches.
	if key := scoring.DetectTreatment(args.Treatment); key != "" {
		args.Treatment = key
	}
	id := uuid.NewString()
	_, err := a.db.ExecContext(ctx, `
INSERT INTO appointment_requests (id, tenant_id, identity_id, treatment, preferred_date, notes, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, s.TenantID, s.IdentityID, args.Treatment, args.PreferredDate, args.Notes, db.NowMillis(a.now()))
	if err != nil {
		return nil, fmt.Errorf("insert appointment request: %w", err)
	}
	if err := a.statuses.UpdateStatus(ctx, s.IdentityID, identity.StatusAppointmentRequested); err != nil {
		return nil, fmt.Errorf("update identity status: %w", err)
	}
	return AppointmentRequest{
		ID:            id,
		Treatment:     args.Treatment,
		PreferredDate: args.PreferredDate,
		Status:        "requested",
	}, nil
}

var appointmentSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"treatment":      map[string]any{"type": "string"},
		"preferred_date": map[string]any{"type": "string", "description": "YYYY-MM-DD"},
		"notes":          map[string]any{"type": "string"},
	},
}
