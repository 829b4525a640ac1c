package channel

import (
	"context"
	"net/http"
)

// Adapter is the base interface every channel adapter must implement.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
}

// Descriptor holds read-only metadata for a registered channel type.
// It contains no behavior; all behavior is expressed through optional interfaces.
type Descriptor struct {
	Type           ChannelType
	DisplayName    string
	Capabilities   ChannelCapabilities
	OutboundPolicy OutboundPolicy
}

// ChannelCapabilities advertises which reply affordances a channel renders natively.
type ChannelCapabilities struct {
	Text    bool
	Buttons bool
	Media   bool
	// Inbound is false for fallback-only surfaces such as SMS and email.
	Inbound bool
}

// Normalizer translates a raw webhook payload into the canonical message.
// It returns (nil, nil) for events that carry no customer message, such as receipts and echoes.
type Normalizer interface {
	Normalize(ctx context.Context, raw RawPayload) (*NormalizedMessage, error)
}

// BatchNormalizer is implemented by channels whose webhooks may carry several
// customer messages in one delivery. Ignorable events are omitted from the result.
type BatchNormalizer interface {
	NormalizeAll(ctx context.Context, raw RawPayload) ([]NormalizedMessage, error)
}

// Sender delivers an outbound message. Failures are reported in the result, never as a panic.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) DeliveryResult
}

// WebhookVerifier authenticates an inbound webhook request before it is normalized.
type WebhookVerifier interface {
	VerifyWebhook(r *http.Request, body []byte) error
}

// Transcriber turns a voice note into text. It is an external collaborator.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}
