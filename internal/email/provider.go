// Package email delivers fallback replies by email through a configured
// provider (SMTP or Mailgun).
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/memohai/omnicore/internal/channel"
)

// Sender sends outbound emails and returns the provider message id.
type Sender interface {
	Name() ProviderName
	Send(ctx context.Context, msg OutboundEmail) (messageID string, err error)
}

// ChannelAdapter exposes an email Sender as the outbound-only email channel.
type ChannelAdapter struct {
	logger  *slog.Logger
	sender  Sender
	from    string
	subject string
}

func NewChannelAdapter(log *slog.Logger, sender Sender, from, subject string) *ChannelAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &ChannelAdapter{
		logger:  log.With(slog.String("adapter", "email")),
		sender:  sender,
		from:    strings.TrimSpace(from),
		subject: strings.TrimSpace(subject),
	}
}

func (a *ChannelAdapter) Type() channel.ChannelType {
	return channel.Email
}

func (a *ChannelAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        channel.Email,
		DisplayName: "Email",
		Capabilities: channel.ChannelCapabilities{
			Text: true,
		},
		// One message per reply.
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: 100000,
		},
	}
}

func (a *ChannelAdapter) Send(ctx context.Context, msg channel.OutboundMessage) channel.DeliveryResult {
	if a.sender == nil {
		return channel.Permanent(errors.New("email provider is not configured"))
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(msg.Target))
	if err != nil {
		return channel.Permanent(fmt.Errorf("invalid email target: %w", err))
	}
	subject := strings.TrimSpace(msg.Subject)
	if subject == "" {
		subject = a.subject
	}
	id, err := a.sender.Send(ctx, OutboundEmail{
		From:    a.from,
		To:      []string{addr.Address},
		Subject: subject,
		Body:    channel.FlattenActions(msg.Text, msg.Actions),
	})
	if err != nil {
		a.logger.Warn("email send failed", slog.String("provider", string(a.sender.Name())), slog.Any("error", err))
		if errors.Is(err, ErrPermanent) {
			return channel.Permanent(err)
		}
		return channel.Transient(err)
	}
	return channel.Delivered(id)
}
