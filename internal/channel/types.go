// Package channel provides a unified abstraction for customer messaging channels.
// It defines the canonical inbound message, outbound delivery results, and a registry
// for channel adapters such as WhatsApp, Instagram, Telegram and the web widget.
package channel

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ChannelType identifies a messaging platform (e.g., "whatsapp", "telegram").
type ChannelType string

const (
	WhatsApp  ChannelType = "whatsapp"
	Instagram ChannelType = "instagram"
	Telegram  ChannelType = "telegram"
	Web       ChannelType = "web"
	// SMS and Email are fallback-only delivery surfaces; they never produce inbound messages.
	SMS   ChannelType = "sms"
	Email ChannelType = "email"
)

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// Conversational reports whether the channel carries inbound customer conversations.
func (c ChannelType) Conversational() bool {
	switch c {
	case WhatsApp, Instagram, Telegram, Web:
		return true
	default:
		return false
	}
}

// PhoneAddressed reports whether external ids on this channel are phone numbers.
func (c ChannelType) PhoneAddressed() bool {
	return c == WhatsApp || c == SMS
}

// RawPayload is an undecoded webhook or socket frame handed to an adapter.
type RawPayload struct {
	Body   []byte
	Form   url.Values
	Header http.Header
}

// NormalizedMessage is the canonical inbound message produced by every adapter.
// It is immutable once created and consumed once by the inbound pipeline.
type NormalizedMessage struct {
	SenderID   string      `json:"sender_id"`
	ReceiverID string      `json:"receiver_id"`
	Text       string      `json:"content"`
	MediaRef   string      `json:"media_ref,omitempty"`
	MediaType  string      `json:"media_type,omitempty"`
	Channel    ChannelType `json:"channel"`
	ReceivedAt time.Time   `json:"received_at"`

	// ProviderMessageID is the platform's own message id, used for webhook de-duplication.
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	DisplayName       string `json:"display_name,omitempty"`
	Email             string `json:"email,omitempty"`
	// EmailVerified is set only when the channel proved the sender owns Email.
	EmailVerified bool `json:"email_verified,omitempty"`
}

// HasMedia reports whether the message carried an attachment.
func (m NormalizedMessage) HasMedia() bool {
	return strings.TrimSpace(m.MediaRef) != ""
}

// Validate checks the fields every adapter must fill.
func (m NormalizedMessage) Validate() error {
	if strings.TrimSpace(m.SenderID) == "" {
		return fmt.Errorf("sender id is required")
	}
	if strings.TrimSpace(m.ReceiverID) == "" {
		return fmt.Errorf("receiver id is required")
	}
	if !m.Channel.Conversational() {
		return fmt.Errorf("unsupported inbound channel: %s", m.Channel)
	}
	if strings.TrimSpace(m.Text) == "" && !m.HasMedia() {
		return fmt.Errorf("message has no content")
	}
	return nil
}

// Action is a link or call-to-action attached to a reply.
type Action struct {
	Type  string `json:"type"`
	Label string `json:"label,omitempty"`
	URL   string `json:"url,omitempty"`
}

// OutboundMessage pairs a delivery target with reply content.
type OutboundMessage struct {
	Target string `json:"target"`
	// From is the business-side receiver id the customer wrote to, when the channel needs it.
	From    string   `json:"from,omitempty"`
	Text    string   `json:"text"`
	Actions []Action `json:"actions,omitempty"`
	// Subject is used by email only.
	Subject string `json:"subject,omitempty"`
}

// IsEmpty reports whether there is nothing to send.
func (m OutboundMessage) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == "" && len(m.Actions) == 0
}

// FlattenActions renders actions as trailing text lines for channels without buttons.
func FlattenActions(text string, actions []Action) string {
	if len(actions) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(text))
	for _, action := range actions {
		link := strings.TrimSpace(action.URL)
		if link == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		label := strings.TrimSpace(action.Label)
		if label != "" {
			b.WriteString(label)
			b.WriteString(": ")
		}
		b.WriteString(link)
	}
	return b.String()
}

// ErrorKind classifies a failed send.
type ErrorKind string

const (
	// ErrorKindNone marks a successful result.
	ErrorKindNone ErrorKind = ""
	// ErrorKindTransient covers network failures and rate limits; retry and fallback are allowed.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindPermanent covers invalid recipients and unsupported content; only fallback is allowed.
	ErrorKindPermanent ErrorKind = "permanent"
)

var (
	ErrTransient = errors.New("transient channel error")
	ErrPermanent = errors.New("permanent channel error")
)

// DeliveryResult is the outcome of one adapter send. Adapters report failures here instead of returning errors.
type DeliveryResult struct {
	OK                bool
	ErrorKind         ErrorKind
	Err               error
	ProviderMessageID string
}

// Delivered builds a successful result.
func Delivered(providerMessageID string) DeliveryResult {
	return DeliveryResult{OK: true, ProviderMessageID: providerMessageID}
}

// Transient builds a retryable failure.
func Transient(err error) DeliveryResult {
	return DeliveryResult{ErrorKind: ErrorKindTransient, Err: wrapKind(ErrTransient, err)}
}

// Permanent builds a non-retryable failure.
func Permanent(err error) DeliveryResult {
	return DeliveryResult{ErrorKind: ErrorKindPermanent, Err: wrapKind(ErrPermanent, err)}
}

// Error returns the failure description, or "" on success.
func (r DeliveryResult) Error() string {
	if r.OK || r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

func wrapKind(kind, err error) error {
	if err == nil {
		return kind
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// ClassifyHTTPStatus maps a provider HTTP status code to an error kind.
// Rate limits and server errors are transient, other client errors are permanent.
func ClassifyHTTPStatus(status int) ErrorKind {
	switch {
	case status >= 200 && status < 300:
		return ErrorKindNone
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return ErrorKindTransient
	default:
		return ErrorKindPermanent
	}
}

// ResultFromHTTP builds a DeliveryResult from a provider HTTP exchange.
func ResultFromHTTP(status int, body string, providerMessageID string) DeliveryResult {
	switch ClassifyHTTPStatus(status) {
	case ErrorKindNone:
		return Delivered(providerMessageID)
	case ErrorKindTransient:
		return Transient(fmt.Errorf("provider status %d: %s", status, truncate(body, 200)))
	default:
		return Permanent(fmt.Errorf("provider status %d: %s", status, truncate(body, 200)))
	}
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit]) + "..."
}
