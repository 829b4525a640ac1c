package channel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var (
	ErrUnsupportedChannel = errors.New("unsupported channel type")
	ErrDuplicateChannel   = errors.New("channel type already registered")
)

// registration pins an adapter together with the descriptor it reported when
// it was registered, with the outbound policy defaults already applied.
type registration struct {
	adapter    Adapter
	descriptor Descriptor
}

// Registry is the set of channels this process can receive from and deliver to.
// Adapters advertise what they can do by implementing the optional interfaces
// in adapter.go; the registry only answers lookups.
type Registry struct {
	mu      sync.RWMutex
	entries map[ChannelType]registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[ChannelType]registration)}
}

// Register adds an adapter. Channel types are case-insensitive and unique.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return errors.New("register channel: adapter is nil")
	}
	ct := canonicalType(adapter.Type().String())
	if ct == "" {
		return errors.New("register channel: empty channel type")
	}
	desc := adapter.Descriptor()
	desc.Type = ct
	desc.OutboundPolicy = NormalizeOutboundPolicy(desc.OutboundPolicy)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.entries[ct]; taken {
		return fmt.Errorf("%w: %s", ErrDuplicateChannel, ct)
	}
	r.entries[ct] = registration{adapter: adapter, descriptor: desc}
	return nil
}

// MustRegister is Register for static wiring and tests.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

func (r *Registry) lookup(channelType ChannelType) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[canonicalType(channelType.String())]
	return entry, ok
}

func (r *Registry) Get(channelType ChannelType) (Adapter, bool) {
	entry, ok := r.lookup(channelType)
	return entry.adapter, ok
}

// Types lists the registered channel types in lexical order.
func (r *Registry) Types() []ChannelType {
	r.mu.RLock()
	types := make([]ChannelType, 0, len(r.entries))
	for ct := range r.entries {
		types = append(types, ct)
	}
	r.mu.RUnlock()
	slices.Sort(types)
	return types
}

func (r *Registry) GetDescriptor(channelType ChannelType) (Descriptor, bool) {
	entry, ok := r.lookup(channelType)
	return entry.descriptor, ok
}

func (r *Registry) ListDescriptors() []Descriptor {
	types := r.Types()
	out := make([]Descriptor, 0, len(types))
	for _, ct := range types {
		if desc, ok := r.GetDescriptor(ct); ok {
			out = append(out, desc)
		}
	}
	return out
}

// ParseChannelType maps raw input such as a URL segment onto a registered channel.
func (r *Registry) ParseChannelType(raw string) (ChannelType, error) {
	ct := canonicalType(raw)
	if _, ok := r.lookup(ct); ct == "" || !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedChannel, raw)
	}
	return ct, nil
}

func (r *Registry) GetCapabilities(channelType ChannelType) (ChannelCapabilities, bool) {
	entry, ok := r.lookup(channelType)
	return entry.descriptor.Capabilities, ok
}

// GetOutboundPolicy returns the policy with defaults applied.
func (r *Registry) GetOutboundPolicy(channelType ChannelType) (OutboundPolicy, bool) {
	entry, ok := r.lookup(channelType)
	return entry.descriptor.OutboundPolicy, ok
}

// GetSender reports false for unknown channels and for adapters that cannot send.
func (r *Registry) GetSender(channelType ChannelType) (Sender, bool) {
	entry, ok := r.lookup(channelType)
	if !ok {
		return nil, false
	}
	sender, ok := entry.adapter.(Sender)
	return sender, ok
}

func (r *Registry) GetWebhookVerifier(channelType ChannelType) (WebhookVerifier, bool) {
	entry, ok := r.lookup(channelType)
	if !ok {
		return nil, false
	}
	verifier, ok := entry.adapter.(WebhookVerifier)
	return verifier, ok
}

// NormalizeAll turns one webhook delivery into zero or more customer messages.
// Receipts, echoes and other non-message events yield an empty slice.
func (r *Registry) NormalizeAll(ctx context.Context, channelType ChannelType, raw RawPayload) ([]NormalizedMessage, error) {
	entry, ok := r.lookup(channelType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChannel, channelType)
	}
	switch adapter := entry.adapter.(type) {
	case BatchNormalizer:
		return adapter.NormalizeAll(ctx, raw)
	case Normalizer:
		msg, err := adapter.Normalize(ctx, raw)
		if err != nil || msg == nil {
			return nil, err
		}
		return []NormalizedMessage{*msg}, nil
	default:
		return nil, fmt.Errorf("channel %s does not accept inbound messages", entry.descriptor.Type)
	}
}

func canonicalType(raw string) ChannelType {
	return ChannelType(strings.ToLower(strings.TrimSpace(raw)))
}
