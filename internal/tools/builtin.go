package tools

import (
	"log/slog"

	"github.com/memohai/omnicore/internal/audit"
)

// Builtins are the collaborators behind the three tools.
type Builtins struct {
	Payments     *PaymentLinks
	Appointments *Appointments
	Handoffs     *Handoffs
}

// NewDefaultRegistry binds every known tool.
func NewDefaultRegistry(log *slog.Logger, recorder audit.Recorder, b Builtins) (*Registry, error) {
	r := NewRegistry(log, recorder)
	bound := []Tool{
		Bind(CreatePaymentLink,
			"Create a payment link for a deposit or treatment. Calling it again with the same amount returns the same link.",
			paymentLinkSchema, b.Payments.Create),
		Bind(BookAppointment,
			"Request an appointment. Staff confirm the slot later.",
			appointmentSchema, b.Appointments.Book),
		Bind(RequestHumanHandoff,
			"Hand the conversation to a human agent.",
			handoffSchema, b.Handoffs.Request),
	}
	for _, tool := range bound {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}
