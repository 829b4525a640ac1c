package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/config"
	"github.com/memohai/omnicore/internal/db/dbtest"
	"github.com/memohai/omnicore/internal/identity"
	"github.com/memohai/omnicore/internal/retryqueue"
)

type fakeAdapter struct {
	ct      channel.ChannelType
	buttons bool
	send    func(msg channel.OutboundMessage) channel.DeliveryResult

	mu   sync.Mutex
	sent []channel.OutboundMessage
}

func (a *fakeAdapter) Type() channel.ChannelType { return a.ct }

func (a *fakeAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:         a.ct,
		Capabilities: channel.ChannelCapabilities{Text: true, Buttons: a.buttons},
	}
}

func (a *fakeAdapter) Send(_ context.Context, msg channel.OutboundMessage) channel.DeliveryResult {
	a.mu.Lock()
	a.sent = append(a.sent, msg)
	a.mu.Unlock()
	return a.send(msg)
}

func ok(channel.OutboundMessage) channel.DeliveryResult { return channel.Delivered("m1") }

func failing(kind channel.ErrorKind) func(channel.OutboundMessage) channel.DeliveryResult {
	return func(channel.OutboundMessage) channel.DeliveryResult {
		if kind == channel.ErrorKindTransient {
			return channel.Transient(errors.New("provider status 503"))
		}
		return channel.Permanent(errors.New("provider status 400"))
	}
}

type kickCounter struct{ n int }

func (k *kickCounter) Kick() { k.n++ }

type alertLog struct{ items []retryqueue.Delivery }

func (a *alertLog) DeliveryExhausted(_ context.Context, d retryqueue.Delivery) error {
	a.items = append(a.items, d)
	return nil
}

type fixture struct {
	dispatcher *Dispatcher
	store      *retryqueue.Store
	kicks      *kickCounter
	alerts     *alertLog
}

func newFixture(t *testing.T, adapters ...*fakeAdapter) fixture {
	t.Helper()
	reg := channel.NewRegistry()
	for _, a := range adapters {
		reg.MustRegister(a)
	}
	store := retryqueue.NewStore(dbtest.Open(t))
	kicks := &kickCounter{}
	alerts := &alertLog{}
	return fixture{
		dispatcher: NewDispatcher(nil, reg, store, kicks, alerts, config.DispatchConfig{DirectAttempts: 1, BackoffMs: 1}),
		store:      store,
		kicks:      kicks,
		alerts:     alerts,
	}
}

func lead() identity.Identity {
	return identity.Identity{
		ID:           "i1",
		TenantID:     "t1",
		PrimaryPhone: "+905321234567",
		Email:        "ayse@example.com",
		ScoreRank:    "A",
		Handles: []identity.Handle{
			{Channel: channel.WhatsApp, ExternalID: "+905321234567"},
			{Channel: channel.Telegram, ExternalID: "555001"},
		},
	}
}

func TestDeliverDirect(t *testing.T) {
	t.Parallel()
	wa := &fakeAdapter{ct: channel.WhatsApp, send: ok}
	f := newFixture(t, wa)

	out, err := f.dispatcher.Deliver(context.Background(), Request{
		TenantID: "t1", Identity: lead(), Channel: channel.WhatsApp, Content: "Merhaba!",
	})
	require.NoError(t, err)
	assert.Equal(t, Outcome{Delivered: true, Channel: channel.WhatsApp}, out)
	require.Len(t, wa.sent, 1)
	assert.Equal(t, "+905321234567", wa.sent[0].Target)
}

func TestDeliverKeepsButtonsOrFlattens(t *testing.T) {
	t.Parallel()
	tg := &fakeAdapter{ct: channel.Telegram, buttons: true, send: ok}
	wa := &fakeAdapter{ct: channel.WhatsApp, send: ok}
	f := newFixture(t, tg, wa)
	rich := []channel.Action{{Type: "payment", Label: "Pay securely", URL: "https://pay.example/x"}}

	_, err := f.dispatcher.Deliver(context.Background(), Request{Identity: lead(), Channel: channel.Telegram, Content: "Here you go", Rich: rich})
	require.NoError(t, err)
	_, err = f.dispatcher.Deliver(context.Background(), Request{Identity: lead(), Channel: channel.WhatsApp, Content: "Here you go", Rich: rich})
	require.NoError(t, err)

	assert.Equal(t, rich, tg.sent[0].Actions)
	assert.Empty(t, wa.sent[0].Actions)
	assert.Equal(t, "Here you go\nPay securely: https://pay.example/x", wa.sent[0].Text)
}

func TestDeliverWhatsAppFallsBackToSMS(t *testing.T) {
	t.Parallel()
	wa := &fakeAdapter{ct: channel.WhatsApp, send: failing(channel.ErrorKindPermanent)}
	sms := &fakeAdapter{ct: channel.SMS, send: ok}
	f := newFixture(t, wa, sms)

	out, err := f.dispatcher.Deliver(context.Background(), Request{Identity: lead(), Channel: channel.WhatsApp, Content: "hi"})
	require.NoError(t, err)
	assert.True(t, out.Delivered)
	assert.True(t, out.ViaFallback)
	assert.Equal(t, channel.SMS, out.Channel)
	require.Len(t, sms.sent, 1)
	assert.Equal(t, "+905321234567", sms.sent[0].Target)
}

func TestDeliverTelegramFallsBackToEmail(t *testing.T) {
	t.Parallel()
	tg := &fakeAdapter{ct: channel.Telegram, send: failing(channel.ErrorKindTransient)}
	mail := &fakeAdapter{ct: channel.Email, send: ok}
	f := newFixture(t, tg, mail)

	out, err := f.dispatcher.Deliver(context.Background(), Request{Identity: lead(), Channel: channel.Telegram, Content: "hi"})
	require.NoError(t, err)
	assert.True(t, out.ViaFallback)
	require.Len(t, mail.sent, 1)
	assert.Equal(t, "ayse@example.com", mail.sent[0].Target)
}

func TestDeliverQueuesWhenFallbackFails(t *testing.T) {
	t.Parallel()
	wa := &fakeAdapter{ct: channel.WhatsApp, send: failing(channel.ErrorKindTransient)}
	sms := &fakeAdapter{ct: channel.SMS, send: failing(channel.ErrorKindTransient)}
	f := newFixture(t, wa, sms)

	out, err := f.dispatcher.Deliver(context.Background(), Request{
		TenantID: "t1", Identity: lead(), Channel: channel.WhatsApp, Content: "hi",
	})
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.False(t, out.Delivered)
	assert.Equal(t, 1, f.kicks.n)

	item, err := f.store.Get(context.Background(), out.QueueID)
	require.NoError(t, err)
	assert.Equal(t, retryqueue.StatusPending, item.Status)
	assert.Equal(t, 0, item.Attempts)
	assert.Equal(t, channel.WhatsApp, item.Channel)
	assert.Equal(t, "+905321234567", item.Target)
	assert.Equal(t, "A", item.ScoreRank)
}

func TestDeliverQueuesWithoutFallbackAddress(t *testing.T) {
	t.Parallel()
	ig := &fakeAdapter{ct: channel.Instagram, send: failing(channel.ErrorKindTransient)}
	mail := &fakeAdapter{ct: channel.Email, send: ok}
	f := newFixture(t, ig, mail)
	ident := lead()
	ident.Email = ""

	out, err := f.dispatcher.Deliver(context.Background(), Request{Identity: ident, Channel: channel.Instagram, Target: "1784", Content: "hi"})
	require.NoError(t, err)
	assert.True(t, out.Queued)
	assert.Empty(t, mail.sent)
}

func TestDeliverPermanentFailureIsNotQueued(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		fallback func(channel.OutboundMessage) channel.DeliveryResult
	}{
		{"no fallback address", nil},
		{"fallback fails", failing(channel.ErrorKindTransient)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ig := &fakeAdapter{ct: channel.Instagram, send: failing(channel.ErrorKindPermanent)}
			adapters := []*fakeAdapter{ig}
			ident := lead()
			ident.Email = ""
			if tc.fallback != nil {
				ident.Email = "ayse@example.com"
				adapters = append(adapters, &fakeAdapter{ct: channel.Email, send: tc.fallback})
			}
			f := newFixture(t, adapters...)

			out, err := f.dispatcher.Deliver(context.Background(), Request{
				TenantID: "t1", Identity: ident, Channel: channel.Instagram, Target: "1784", Content: "hi",
			})
			require.ErrorIs(t, err, ErrUndeliverable)
			assert.False(t, out.Queued)
			assert.False(t, out.Delivered)
			assert.Zero(t, f.kicks.n)

			items, err := f.store.List(context.Background(), retryqueue.Filter{})
			require.NoError(t, err)
			assert.Empty(t, items)

			require.Len(t, f.alerts.items, 1)
			assert.Equal(t, "i1", f.alerts.items[0].IdentityID)
			assert.Equal(t, channel.Instagram, f.alerts.items[0].Channel)
			assert.Contains(t, f.alerts.items[0].LastError, "400")
		})
	}
}

func TestDeliverPermanentFailureStillTriesFallback(t *testing.T) {
	t.Parallel()
	ig := &fakeAdapter{ct: channel.Instagram, send: failing(channel.ErrorKindPermanent)}
	mail := &fakeAdapter{ct: channel.Email, send: ok}
	f := newFixture(t, ig, mail)

	out, err := f.dispatcher.Deliver(context.Background(), Request{Identity: lead(), Channel: channel.Instagram, Target: "1784", Content: "hi"})
	require.NoError(t, err)
	assert.True(t, out.ViaFallback)
	assert.Empty(t, f.alerts.items)
}

func TestSuccessfulSendSupersedesQueuedItems(t *testing.T) {
	t.Parallel()
	wa := &fakeAdapter{ct: channel.WhatsApp, send: ok}
	f := newFixture(t, wa)
	ctx := context.Background()
	stale, err := f.store.Enqueue(ctx, retryqueue.Delivery{IdentityID: "i1", Channel: channel.WhatsApp, Target: "+905321234567", Content: "old"})
	require.NoError(t, err)

	_, err = f.dispatcher.Deliver(ctx, Request{Identity: lead(), Channel: channel.WhatsApp, Content: "new"})
	require.NoError(t, err)
	got, err := f.store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, retryqueue.StatusCancelled, got.Status)
}

func TestRedeliverUsesOriginalChannelOnly(t *testing.T) {
	t.Parallel()
	wa := &fakeAdapter{ct: channel.WhatsApp, send: failing(channel.ErrorKindTransient)}
	sms := &fakeAdapter{ct: channel.SMS, send: ok}
	f := newFixture(t, wa, sms)

	res := f.dispatcher.Redeliver(context.Background(), retryqueue.Delivery{Channel: channel.WhatsApp, Target: "+905321234567", Content: "hi"})
	assert.False(t, res.OK)
	assert.Equal(t, channel.ErrorKindTransient, res.ErrorKind)
	assert.Empty(t, sms.sent)
}
