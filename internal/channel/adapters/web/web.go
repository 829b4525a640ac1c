// Package web implements the website chat widget channel. Widgets connect
// over a websocket; replies are routed to them through a Hub.
package web

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/omnicore/internal/channel"
)

// WidgetMessage is the inbound frame a widget sends, enriched with the
// session and site the connection was opened for.
type WidgetMessage struct {
	SessionID string `json:"session_id"`
	SiteID    string `json:"site_id"`
	Text      string `json:"text"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	MediaURL  string `json:"media_url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	// EmailSignature is SignEmail(secret, email) computed by the clinic's own
	// site for a logged-in visitor.
	EmailSignature string `json:"email_signature,omitempty"`
}

type Adapter struct {
	logger *slog.Logger
	hub    Hub
	secret []byte
	now    func() time.Time
}

type Option func(*Adapter)

// WithIdentitySecret enables verified emails: a widget message whose email
// carries a matching signature is marked EmailVerified.
func WithIdentitySecret(secret string) Option {
	return func(a *Adapter) {
		if s := strings.TrimSpace(secret); s != "" {
			a.secret = []byte(s)
		}
	}
}

func NewAdapter(log *slog.Logger, hub Hub, opts ...Option) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		logger: log.With(slog.String("adapter", "web")),
		hub:    hub,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SignEmail returns the hex HMAC-SHA256 of the lower-cased email.
func SignEmail(secret, email string) string {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(secret)))
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) emailVerified(email, signature string) bool {
	if len(a.secret) == 0 || email == "" || signature == "" {
		return false
	}
	want := SignEmail(string(a.secret), email)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

func (a *Adapter) Hub() Hub {
	return a.hub
}

func (a *Adapter) Type() channel.ChannelType {
	return channel.Web
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        channel.Web,
		DisplayName: "Web Chat",
		Capabilities: channel.ChannelCapabilities{
			Text:    true,
			Buttons: true,
			Media:   true,
			Inbound: true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: 8000,
		},
	}
}

func (a *Adapter) Normalize(_ context.Context, raw channel.RawPayload) (*channel.NormalizedMessage, error) {
	var in WidgetMessage
	if err := json.Unmarshal(raw.Body, &in); err != nil {
		return nil, fmt.Errorf("decode widget message: %w", err)
	}
	text := strings.TrimSpace(in.Text)
	if text == "" && strings.TrimSpace(in.MediaURL) == "" {
		return nil, nil
	}
	if strings.TrimSpace(in.SessionID) == "" {
		return nil, errors.New("widget session id is required")
	}
	email := strings.TrimSpace(in.Email)
	verified := a.emailVerified(email, in.EmailSignature)
	if in.EmailSignature != "" && !verified {
		a.logger.Warn("widget email signature rejected", slog.String("session_id", strings.TrimSpace(in.SessionID)))
	}
	return &channel.NormalizedMessage{
		SenderID:          strings.TrimSpace(in.SessionID),
		ReceiverID:        strings.TrimSpace(in.SiteID),
		Text:              text,
		MediaRef:          strings.TrimSpace(in.MediaURL),
		MediaType:         strings.TrimSpace(in.MediaType),
		Channel:           channel.Web,
		ReceivedAt:        a.now().UTC(),
		ProviderMessageID: strings.TrimSpace(in.MessageID),
		DisplayName:       strings.TrimSpace(in.Name),
		Email:             email,
		EmailVerified:     verified,
	}, nil
}

// Send publishes a reply frame. A closed widget is a transient failure: the
// visitor may reconnect with the same session.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) channel.DeliveryResult {
	if a.hub == nil {
		return channel.Permanent(errors.New("web hub is not configured"))
	}
	sessionID := strings.TrimSpace(msg.Target)
	if sessionID == "" {
		return channel.Permanent(errors.New("web session id is required"))
	}
	frame := Frame{
		Type:      "message",
		Text:      strings.TrimSpace(msg.Text),
		SessionID: sessionID,
	}
	for _, action := range msg.Actions {
		if strings.TrimSpace(action.URL) == "" {
			continue
		}
		frame.Actions = append(frame.Actions, FrameAction{Label: action.Label, URL: action.URL})
	}
	if err := a.hub.Publish(ctx, sessionID, frame); err != nil {
		return channel.Transient(err)
	}
	return channel.Delivered("")
}
