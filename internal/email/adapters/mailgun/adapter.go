// Package mailgun sends email through the Mailgun HTTP API.
package mailgun

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	mg "github.com/mailgun/mailgun-go/v5"

	"github.com/memohai/omnicore/internal/config"
	"github.com/memohai/omnicore/internal/email"
)

const ProviderName email.ProviderName = "mailgun"

type Adapter struct {
	logger *slog.Logger
	domain string
	client *mg.Client
	send   func(ctx context.Context, msg email.OutboundEmail, from string) (string, error)
}

func New(log *slog.Logger, cfg config.EmailConfig) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	client := mg.NewMailgun(strings.TrimSpace(cfg.MailgunKey))
	if cfg.MailgunEU {
		client.SetAPIBase(mg.APIBaseEU)
	}
	a := &Adapter{
		logger: log.With(slog.String("adapter", "mailgun")),
		domain: strings.TrimSpace(cfg.MailgunHost),
		client: client,
	}
	a.send = a.sendMessage
	return a
}

func (a *Adapter) Name() email.ProviderName { return ProviderName }

func (a *Adapter) Send(ctx context.Context, msg email.OutboundEmail) (string, error) {
	if a.domain == "" {
		return "", fmt.Errorf("mailgun domain is not configured: %w", email.ErrPermanent)
	}
	from := strings.TrimSpace(msg.From)
	if from == "" {
		from = fmt.Sprintf("noreply@%s", a.domain)
	}
	id, err := a.send(ctx, msg, from)
	if err != nil {
		if isPermanentStatus(mg.GetStatusFromErr(err)) {
			return "", fmt.Errorf("mailgun send: %w: %w", email.ErrPermanent, err)
		}
		return "", fmt.Errorf("mailgun send: %w", err)
	}
	return id, nil
}

func (a *Adapter) sendMessage(ctx context.Context, msg email.OutboundEmail, from string) (string, error) {
	m := mg.NewMessage(a.domain, from, msg.Subject, msg.Body, msg.To...)
	if msg.HTML {
		m.SetHTML(msg.Body)
	}
	resp, err := a.client.Send(ctx, m)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// isPermanentStatus treats client errors other than throttling as permanent.
// GetStatusFromErr returns -1 for transport errors.
func isPermanentStatus(status int) bool {
	if status < 400 || status >= 500 {
		return false
	}
	return status != http.StatusTooManyRequests && status != http.StatusRequestTimeout
}
