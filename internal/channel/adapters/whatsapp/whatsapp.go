// Package whatsapp implements the WhatsApp channel over the Twilio Messages API.
package whatsapp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/channel/adapters/twilio"
	"github.com/memohai/omnicore/internal/config"
)

const addressPrefix = "whatsapp:"

// Twilio caps a WhatsApp body at 1600 characters.
const textChunkLimit = 1600

type mediaFetcher interface {
	FetchMedia(ctx context.Context, mediaURL string) ([]byte, string, error)
}

type messageSender interface {
	SendMessage(ctx context.Context, from, to, body string) channel.DeliveryResult
}

// Adapter normalizes Twilio WhatsApp webhooks and sends replies.
type Adapter struct {
	logger      *slog.Logger
	cfg         config.TwilioConfig
	sender      messageSender
	media       mediaFetcher
	transcriber channel.Transcriber
	now         func() time.Time
}

// NewAdapter creates a WhatsApp adapter. transcriber may be nil, in which case
// voice notes arrive as media-only messages.
func NewAdapter(log *slog.Logger, cfg config.TwilioConfig, transcriber channel.Transcriber) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	client := twilio.NewClient(cfg)
	return &Adapter{
		logger:      log.With(slog.String("adapter", "whatsapp")),
		cfg:         cfg,
		sender:      client,
		media:       client,
		transcriber: transcriber,
		now:         time.Now,
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return channel.WhatsApp
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        channel.WhatsApp,
		DisplayName: "WhatsApp",
		Capabilities: channel.ChannelCapabilities{
			Text:    true,
			Media:   true,
			Inbound: true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: textChunkLimit,
		},
	}
}

// Normalize converts a Twilio form webhook. Status callbacks carry no body
// and no media and are ignored.
func (a *Adapter) Normalize(ctx context.Context, raw channel.RawPayload) (*channel.NormalizedMessage, error) {
	form := raw.Form
	if form == nil {
		parsed, err := url.ParseQuery(string(raw.Body))
		if err != nil {
			return nil, err
		}
		form = parsed
	}
	text := strings.TrimSpace(form.Get("Body"))
	mediaURL := strings.TrimSpace(form.Get("MediaUrl0"))
	mediaType := strings.TrimSpace(form.Get("MediaContentType0"))
	if text == "" && mediaURL == "" {
		return nil, nil
	}
	sender := channel.NormalizePhone(form.Get("From"))
	if sender == "" {
		return nil, errors.New("whatsapp webhook has no valid sender")
	}
	receiver := channel.NormalizePhone(form.Get("To"))
	if receiver == "" {
		receiver = strings.TrimPrefix(strings.TrimSpace(form.Get("To")), addressPrefix)
	}

	if text == "" && strings.HasPrefix(mediaType, "audio/") {
		text = a.transcribe(ctx, mediaURL, mediaType)
	}

	return &channel.NormalizedMessage{
		SenderID:          sender,
		ReceiverID:        receiver,
		Text:              text,
		MediaRef:          mediaURL,
		MediaType:         mediaType,
		Channel:           channel.WhatsApp,
		ReceivedAt:        a.now().UTC(),
		ProviderMessageID: strings.TrimSpace(form.Get("MessageSid")),
		DisplayName:       strings.TrimSpace(form.Get("ProfileName")),
	}, nil
}

func (a *Adapter) transcribe(ctx context.Context, mediaURL, mediaType string) string {
	if a.transcriber == nil || a.media == nil {
		return ""
	}
	data, contentType, err := a.media.FetchMedia(ctx, mediaURL)
	if err != nil {
		a.logger.Warn("voice note download failed", slog.Any("error", err))
		return ""
	}
	if contentType == "" {
		contentType = mediaType
	}
	text, err := a.transcriber.Transcribe(ctx, data, contentType)
	if err != nil {
		a.logger.Warn("voice note transcription failed", slog.Any("error", err))
		return ""
	}
	return strings.TrimSpace(text)
}

// Send delivers a reply. Actions are flattened since the sandbox number has no
// approved interactive templates.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) channel.DeliveryResult {
	to := channel.NormalizePhone(msg.Target)
	if to == "" {
		return channel.Permanent(errors.New("whatsapp target is not a phone number"))
	}
	from := strings.TrimSpace(msg.From)
	if from == "" {
		from = a.cfg.From
	}
	from = strings.TrimPrefix(strings.TrimSpace(from), addressPrefix)
	if from == "" {
		return channel.Permanent(errors.New("whatsapp sender number is not configured"))
	}
	body := channel.FlattenActions(msg.Text, msg.Actions)
	return a.sender.SendMessage(ctx, addressPrefix+from, addressPrefix+to, body)
}

func (a *Adapter) VerifyWebhook(r *http.Request, body []byte) error {
	return twilio.VerifyRequest(a.cfg.AuthToken, a.cfg.PublicURL, r, body)
}
