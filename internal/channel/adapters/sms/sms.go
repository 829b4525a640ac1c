// Package sms implements the SMS fallback surface over the Twilio Messages API.
// SMS is outbound only.
package sms

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/channel/adapters/twilio"
	"github.com/memohai/omnicore/internal/config"
)

// A single SMS segment is 160 GSM characters; Twilio concatenates up to 1600.
const textChunkLimit = 1600

type messageSender interface {
	SendMessage(ctx context.Context, from, to, body string) channel.DeliveryResult
}

type Adapter struct {
	logger *slog.Logger
	from   string
	sender messageSender
}

func NewAdapter(log *slog.Logger, cfg config.TwilioConfig) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger: log.With(slog.String("adapter", "sms")),
		from:   strings.TrimSpace(cfg.From),
		sender: twilio.NewClient(cfg),
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return channel.SMS
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        channel.SMS,
		DisplayName: "SMS",
		Capabilities: channel.ChannelCapabilities{
			Text: true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: textChunkLimit,
		},
	}
}

// Send ignores msg.From: the business WhatsApp number is not SMS capable, so
// the configured SMS sender is always used.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) channel.DeliveryResult {
	to := channel.NormalizePhone(msg.Target)
	if to == "" {
		return channel.Permanent(errors.New("sms target is not a phone number"))
	}
	if a.from == "" {
		return channel.Permanent(errors.New("sms sender number is not configured"))
	}
	body := channel.FlattenActions(msg.Text, msg.Actions)
	res := a.sender.SendMessage(ctx, a.from, to, body)
	if !res.OK {
		a.logger.Warn("sms send failed", slog.String("kind", string(res.ErrorKind)), slog.Any("error", res.Err))
	}
	return res
}
