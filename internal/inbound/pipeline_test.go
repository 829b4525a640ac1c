package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/memohai/omnicore/internal/audit"
	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/channel/adapters/web"
	"github.com/memohai/omnicore/internal/config"
	"github.com/memohai/omnicore/internal/db/dbtest"
	"github.com/memohai/omnicore/internal/delivery"
	"github.com/memohai/omnicore/internal/identity"
	"github.com/memohai/omnicore/internal/orchestrator"
	"github.com/memohai/omnicore/internal/tenant"
)

const (
	clinicNumber = "+908501234567"
	customer     = "+905321234567"
)

type fakeReplier struct {
	mu       sync.Mutex
	requests []orchestrator.Request
}

func (f *fakeReplier) Handle(_ context.Context, req orchestrator.Request) orchestrator.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return orchestrator.Reply{Text: "Merhaba, size nasıl yardımcı olabilirim?", Outcome: orchestrator.OutcomeAnswered}
}

func (f *fakeReplier) calls() []orchestrator.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.Request(nil), f.requests...)
}

type fakeDeliverer struct {
	mu       sync.Mutex
	requests []delivery.Request
	sent     chan delivery.Request
}

func (f *fakeDeliverer) Deliver(_ context.Context, req delivery.Request) (delivery.Outcome, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.sent != nil {
		f.sent <- req
	}
	return delivery.Outcome{Delivered: true, Channel: req.Channel}, nil
}

type fakeQueue struct {
	mu        sync.Mutex
	cancelled []string
	pending   int64
}

func (f *fakeQueue) CancelForIdentity(_ context.Context, identityID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, identityID)
	n := f.pending
	f.pending = 0
	return n, nil
}

type harness struct {
	pipeline   *Pipeline
	identities *identity.Store
	audit      *audit.Store
	replier    *fakeReplier
	deliverer  *fakeDeliverer
	queue      *fakeQueue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := dbtest.Open(t)
	ctx := context.Background()

	tenants := tenant.NewStore(conn)
	require.NoError(t, tenant.Seed(ctx, tenants, []config.TenantConfig{{
		ID:   "clinic-1",
		Name: "Smile Istanbul",
		Bindings: []config.BindingConfig{
			{Channel: "whatsapp", ReceiverID: clinicNumber},
			{Channel: "web", ReceiverID: "smile.example"},
		},
	}}))

	h := &harness{
		identities: identity.NewStore(conn, nil),
		audit:      audit.NewStore(conn),
		replier:    &fakeReplier{},
		deliverer:  &fakeDeliverer{},
		queue:      &fakeQueue{},
	}
	h.pipeline = NewPipeline(nil, Deps{
		Normalizer:   channel.NewRegistry(),
		Tenants:      tenant.NewResolver(nil, tenants, nil, time.Minute),
		Identities:   identity.NewResolver(nil, h.identities, h.audit, identity.FuzzyAttach),
		Store:        h.identities,
		Orchestrator: h.replier,
		Dispatcher:   h.deliverer,
		Queue:        h.queue,
		Events:       NewEventLog(conn),
		Audit:        h.audit,
	}, config.InboundConfig{QueueSize: 4, Workers: 1}, true)
	return h
}

func whatsappMessage(id, text string) channel.NormalizedMessage {
	return channel.NormalizedMessage{
		SenderID:          customer,
		ReceiverID:        clinicNumber,
		Text:              text,
		Channel:           channel.WhatsApp,
		ReceivedAt:        time.Now(),
		ProviderMessageID: id,
	}
}

func TestHandleMessageNewCustomer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.pipeline.HandleMessage(ctx, whatsappMessage("SM1", "Merhaba, fiyat nedir?"))
	require.NoError(t, err)
	assert.Equal(t, "clinic-1", res.TenantID)
	assert.True(t, res.Resolution.Created)
	assert.True(t, res.Delivery.Delivered)
	assert.Equal(t, orchestrator.OutcomeAnswered, res.Reply.Outcome)

	lead, err := h.identities.Get(ctx, res.IdentityID)
	require.NoError(t, err)
	assert.Equal(t, customer, lead.PrimaryPhone)

	calls := h.replier.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, res.IdentityID, calls[0].Identity.ID)
	assert.Equal(t, "Merhaba, fiyat nedir?", calls[0].Message.Text)

	require.Len(t, h.deliverer.requests, 1)
	sent := h.deliverer.requests[0]
	assert.Equal(t, customer, sent.Target)
	assert.Equal(t, clinicNumber, sent.From)
	assert.Equal(t, channel.WhatsApp, sent.Channel)
	assert.Equal(t, res.Reply.Text, sent.Content)

	again, err := h.pipeline.HandleMessage(ctx, whatsappMessage("SM2", "Implant kaç para?"))
	require.NoError(t, err)
	assert.Equal(t, res.IdentityID, again.IdentityID)
	assert.Equal(t, identity.MethodHandle, again.Resolution.Method)
}

func TestHandleMessageIgnoresRedelivery(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.pipeline.HandleMessage(ctx, whatsappMessage("SM1", "Merhaba"))
	require.NoError(t, err)
	res, err := h.pipeline.HandleMessage(ctx, whatsappMessage("SM1", "Merhaba"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Len(t, h.replier.calls(), 1)

	// Same id on another channel is a different message.
	web := whatsappMessage("SM1", "Merhaba")
	web.Channel, web.SenderID, web.ReceiverID = channel.Web, "visitor-1", "smile.example"
	res, err = h.pipeline.HandleMessage(ctx, web)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestHandleMessageUnknownBinding(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	msg := whatsappMessage("SM1", "Merhaba")
	msg.ReceiverID = "+441234567890"
	_, err := h.pipeline.HandleMessage(ctx, msg)
	require.ErrorIs(t, err, tenant.ErrUnknownBinding)
	assert.Empty(t, h.replier.calls())
	assert.Empty(t, h.deliverer.requests)

	entries, err := h.audit.List(ctx, audit.Filter{Action: ActionUnknownBinding})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "whatsapp:+441234567890", entries[0].Resource)
	assert.Equal(t, customer, entries[0].ActorID)

	// A rejected binding stays rejected; the provider's redelivery is a duplicate.
	res, err := h.pipeline.HandleMessage(ctx, msg)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

type flakyStore struct {
	identityStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Get(ctx context.Context, id string) (identity.Identity, error) {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return identity.Identity{}, errors.New("database is locked")
	}
	return s.identityStore.Get(ctx, id)
}

func TestHandleMessageRedeliveryAfterFailureIsProcessed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.pipeline.deps.Store = &flakyStore{identityStore: h.identities, failures: 1}
	ctx := context.Background()

	_, err := h.pipeline.HandleMessage(ctx, whatsappMessage("SM1", "Merhaba"))
	require.ErrorContains(t, err, "load identity")
	assert.Empty(t, h.replier.calls())

	res, err := h.pipeline.HandleMessage(ctx, whatsappMessage("SM1", "Merhaba"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.True(t, res.Delivery.Delivered)
	assert.Len(t, h.replier.calls(), 1)

	res, err = h.pipeline.HandleMessage(ctx, whatsappMessage("SM1", "Merhaba"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestHandleMessageRejectsInvalid(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	msg := whatsappMessage("SM1", "  ")
	_, err := h.pipeline.HandleMessage(context.Background(), msg)
	require.Error(t, err)
	assert.Empty(t, h.replier.calls())
}

func TestHandleMessageSupersedesQueuedReplies(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.queue.pending = 2

	res, err := h.pipeline.HandleMessage(context.Background(), whatsappMessage("SM1", "Hala orada mısınız?"))
	require.NoError(t, err)
	assert.Equal(t, []string{res.IdentityID}, h.queue.cancelled)
}

func TestHandleMessageLearnsEmail(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	msg := channel.NormalizedMessage{
		SenderID:   "visitor-7",
		ReceiverID: "smile.example",
		Text:       "Hello",
		Channel:    channel.Web,
	}
	first, err := h.pipeline.HandleMessage(ctx, msg)
	require.NoError(t, err)

	msg.Text, msg.Email = "You can reach me by mail", "Ayse@Example.com"
	second, err := h.pipeline.HandleMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, first.IdentityID, second.IdentityID)

	lead, err := h.identities.Get(ctx, first.IdentityID)
	require.NoError(t, err)
	assert.Equal(t, "ayse@example.com", lead.Email)
	assert.False(t, lead.EmailVerified)

	calls := h.replier.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "ayse@example.com", calls[1].Identity.Email)
}

type normalizeFunc func(ctx context.Context, ct channel.ChannelType, raw channel.RawPayload) ([]channel.NormalizedMessage, error)

func (f normalizeFunc) NormalizeAll(ctx context.Context, ct channel.ChannelType, raw channel.RawPayload) ([]channel.NormalizedMessage, error) {
	return f(ctx, ct, raw)
}

type resolveTenantFunc func(ctx context.Context, ct channel.ChannelType, receiverID string) (string, error)

func (f resolveTenantFunc) Resolve(ctx context.Context, ct channel.ChannelType, receiverID string) (string, error) {
	return f(ctx, ct, receiverID)
}

type resolveIdentityFunc func(ctx context.Context, in identity.ResolveInput) (string, identity.Resolution, error)

func (f resolveIdentityFunc) Resolve(ctx context.Context, in identity.ResolveInput) (string, identity.Resolution, error) {
	return f(ctx, in)
}

type staticStore struct{}

func (staticStore) Get(_ context.Context, id string) (identity.Identity, error) {
	return identity.Identity{ID: id, TenantID: "clinic-1"}, nil
}

func (staticStore) SetEmail(context.Context, string, string, bool) error { return nil }

// memoryDeps wires the pipeline without a database so goroutine checks stay clean.
func memoryDeps(deliverer *fakeDeliverer, msgs ...channel.NormalizedMessage) Deps {
	return Deps{
		Normalizer: normalizeFunc(func(context.Context, channel.ChannelType, channel.RawPayload) ([]channel.NormalizedMessage, error) {
			return msgs, nil
		}),
		Tenants: resolveTenantFunc(func(context.Context, channel.ChannelType, string) (string, error) {
			return "clinic-1", nil
		}),
		Identities: resolveIdentityFunc(func(_ context.Context, in identity.ResolveInput) (string, identity.Resolution, error) {
			return "id-" + in.ExternalID, identity.Resolution{Method: identity.MethodHandle}, nil
		}),
		Store:        staticStore{},
		Orchestrator: &fakeReplier{},
		Dispatcher:   deliverer,
	}
}

func TestProcessHandlesEveryMessage(t *testing.T) {
	t.Parallel()
	valid := whatsappMessage("", "Merhaba")
	invalid := whatsappMessage("", "")
	deliverer := &fakeDeliverer{}
	p := NewPipeline(nil, memoryDeps(deliverer, invalid, valid), config.InboundConfig{}, false)

	err := p.Process(context.Background(), Job{Channel: channel.WhatsApp})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message has no content")
	require.Len(t, deliverer.requests, 1)
	assert.Equal(t, valid.SenderID, deliverer.requests[0].Target)
}

func TestProcessNormalizeError(t *testing.T) {
	t.Parallel()
	deps := memoryDeps(&fakeDeliverer{})
	deps.Normalizer = normalizeFunc(func(context.Context, channel.ChannelType, channel.RawPayload) ([]channel.NormalizedMessage, error) {
		return nil, errors.New("bad json")
	})
	p := NewPipeline(nil, deps, config.InboundConfig{}, false)
	err := p.Process(context.Background(), Job{Channel: channel.Instagram})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "normalize instagram payload")
}

func TestSubmitQueueFullAndStopped(t *testing.T) {
	t.Parallel()
	p := NewPipeline(nil, memoryDeps(&fakeDeliverer{}), config.InboundConfig{QueueSize: 1, Workers: 1}, false)

	require.NoError(t, p.Submit(Job{Channel: channel.WhatsApp}))
	require.ErrorIs(t, p.Submit(Job{Channel: channel.WhatsApp}), ErrQueueFull)

	require.NoError(t, p.Stop(context.Background()))
	require.ErrorIs(t, p.Submit(Job{Channel: channel.WhatsApp}), ErrStopped)
	// Stop is idempotent.
	require.NoError(t, p.Stop(context.Background()))
}

func TestWorkersDrainOnStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	deliverer := &fakeDeliverer{sent: make(chan delivery.Request, 8)}
	p := NewPipeline(nil, memoryDeps(deliverer, whatsappMessage("", "Merhaba")),
		config.InboundConfig{QueueSize: 8, Workers: 2}, true)
	p.Start()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(Job{Channel: channel.WhatsApp}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	assert.Len(t, deliverer.sent, 3)
}

func TestVerifiedWidgetEmailJoinsExistingIdentity(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	registry := channel.NewRegistry()
	registry.MustRegister(web.NewAdapter(nil, web.NewMemoryHub(), web.WithIdentitySecret("site-secret")))
	h.pipeline.deps.Normalizer = registry

	frame := func(session, email, signature string) Job {
		body, err := json.Marshal(web.WidgetMessage{
			SessionID:      session,
			SiteID:         "smile.example",
			Text:           "Merhaba",
			Email:          email,
			EmailSignature: signature,
		})
		require.NoError(t, err)
		return Job{Channel: channel.Web, Raw: channel.RawPayload{Body: body}}
	}

	require.NoError(t, h.pipeline.Process(ctx, frame("laptop", "Ayse@Example.com", web.SignEmail("site-secret", "ayse@example.com"))))
	require.NoError(t, h.pipeline.Process(ctx, frame("phone", "ayse@example.com", web.SignEmail("site-secret", "ayse@example.com"))))
	require.NoError(t, h.pipeline.Process(ctx, frame("tablet", "ayse@example.com", "forged")))

	calls := h.replier.calls()
	require.Len(t, calls, 3)
	first, second, third := calls[0].Identity, calls[1].Identity, calls[2].Identity
	assert.True(t, first.EmailVerified)
	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.ID, third.ID)
	assert.False(t, third.EmailVerified)

	id, err := h.identities.FindByHandle(ctx, "clinic-1", channel.Web, "phone")
	require.NoError(t, err)
	assert.Equal(t, first.ID, id)
}

func TestVerifiedEmailUpgradesLearnedEmail(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	msg := channel.NormalizedMessage{
		SenderID:   "visitor-9",
		ReceiverID: "smile.example",
		Text:       "Hello",
		Channel:    channel.Web,
		Email:      "deniz@example.com",
	}
	first, err := h.pipeline.HandleMessage(ctx, msg)
	require.NoError(t, err)

	msg.Text, msg.EmailVerified = "Logged in now", true
	_, err = h.pipeline.HandleMessage(ctx, msg)
	require.NoError(t, err)

	lead, err := h.identities.Get(ctx, first.IdentityID)
	require.NoError(t, err)
	assert.True(t, lead.EmailVerified)
	found, err := h.identities.FindByEmail(ctx, "clinic-1", "deniz@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.IdentityID, found)
}
