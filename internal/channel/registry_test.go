package channel_test

import (
	"context"
	"errors"
	"testing"

	"github.com/memohai/omnicore/internal/channel"
)

const testChannelType = channel.ChannelType("test")

type mockAdapter struct{}

func (a *mockAdapter) Type() channel.ChannelType { return testChannelType }

func (a *mockAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:           testChannelType,
		DisplayName:    "Test",
		Capabilities:   channel.ChannelCapabilities{Text: true, Buttons: true},
		OutboundPolicy: channel.OutboundPolicy{TextChunkLimit: 100},
	}
}

func (a *mockAdapter) Send(ctx context.Context, msg channel.OutboundMessage) channel.DeliveryResult {
	return channel.Delivered("1")
}

type descriptorOnlyAdapter struct{}

func (a *descriptorOnlyAdapter) Type() channel.ChannelType { return "bare" }

func (a *descriptorOnlyAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{Type: "bare"}
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	if err := reg.Register(&mockAdapter{}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(&mockAdapter{}); !errors.Is(err, channel.ErrDuplicateChannel) {
		t.Fatalf("duplicate register = %v", err)
	}
}

func TestRegistryCapabilityAccessors(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	reg.MustRegister(&mockAdapter{})
	reg.MustRegister(&descriptorOnlyAdapter{})

	if _, ok := reg.GetSender(testChannelType); !ok {
		t.Fatalf("expected sender for test adapter")
	}
	if _, ok := reg.GetSender("bare"); ok {
		t.Fatalf("bare adapter must not expose a sender")
	}
	if desc, ok := reg.GetDescriptor("BARE"); !ok || desc.OutboundPolicy.TextChunkLimit == 0 {
		t.Fatalf("descriptor defaults not applied: %+v, %v", desc, ok)
	}
	caps, ok := reg.GetCapabilities(testChannelType)
	if !ok || !caps.Buttons {
		t.Fatalf("capabilities = %+v, %v", caps, ok)
	}
	policy, ok := reg.GetOutboundPolicy(testChannelType)
	if !ok || policy.TextChunkLimit != 100 {
		t.Fatalf("policy = %+v, %v", policy, ok)
	}
	types := reg.Types()
	if len(types) != 2 || types[0] != "bare" || types[1] != testChannelType {
		t.Fatalf("types = %v", types)
	}
}

func TestRegistryParseChannelType(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	reg.MustRegister(&mockAdapter{})
	ct, err := reg.ParseChannelType("  TEST ")
	if err != nil || ct != testChannelType {
		t.Fatalf("ParseChannelType = %q, %v", ct, err)
	}
	if _, err := reg.ParseChannelType("fax"); !errors.Is(err, channel.ErrUnsupportedChannel) {
		t.Fatalf("expected ErrUnsupportedChannel, got %v", err)
	}
	if _, err := reg.ParseChannelType("  "); err == nil {
		t.Fatalf("expected error for blank type")
	}
}

func (a *mockAdapter) Normalize(_ context.Context, raw channel.RawPayload) (*channel.NormalizedMessage, error) {
	if len(raw.Body) == 0 {
		return nil, nil
	}
	return &channel.NormalizedMessage{SenderID: "s", ReceiverID: "r", Text: string(raw.Body), Channel: testChannelType}, nil
}

func TestRegistryNormalizeAll(t *testing.T) {
	t.Parallel()
	reg := channel.NewRegistry()
	reg.MustRegister(&mockAdapter{})
	reg.MustRegister(&descriptorOnlyAdapter{})

	msgs, err := reg.NormalizeAll(context.Background(), testChannelType, channel.RawPayload{Body: []byte("hi")})
	if err != nil || len(msgs) != 1 || msgs[0].Text != "hi" {
		t.Fatalf("unexpected result: %+v, %v", msgs, err)
	}
	msgs, err = reg.NormalizeAll(context.Background(), testChannelType, channel.RawPayload{})
	if err != nil || len(msgs) != 0 {
		t.Fatalf("ignored event should yield nothing: %+v, %v", msgs, err)
	}
	if _, err := reg.NormalizeAll(context.Background(), "bare", channel.RawPayload{}); err == nil {
		t.Fatal("expected error for channel without normalizer")
	}
	if _, err := reg.NormalizeAll(context.Background(), "missing", channel.RawPayload{}); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}
