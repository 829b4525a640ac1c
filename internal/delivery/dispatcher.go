// Package delivery sends replies: direct send on the originating channel,
// then a channel-specific fallback, then the durable retry queue.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/config"
	"github.com/memohai/omnicore/internal/identity"
	"github.com/memohai/omnicore/internal/retryqueue"
)

type queue interface {
	Enqueue(ctx context.Context, d retryqueue.Delivery) (retryqueue.Delivery, error)
	CancelForIdentity(ctx context.Context, identityID string) (int64, error)
}

type kicker interface {
	Kick()
}

// ErrUndeliverable means the original channel rejected the reply permanently
// and no fallback took it, so it was not queued.
var ErrUndeliverable = errors.New("reply is undeliverable")

type Request struct {
	TenantID string
	Identity identity.Identity
	Channel  channel.ChannelType
	// Target is the external id on Channel; it defaults to the identity's handle.
	Target  string
	From    string
	Content string
	Rich    []channel.Action
}

type Outcome struct {
	Delivered   bool                `json:"delivered"`
	ViaFallback bool                `json:"via_fallback"`
	Channel     channel.ChannelType `json:"channel,omitempty"`
	Queued      bool                `json:"queued"`
	QueueID     string              `json:"queue_id,omitempty"`
}

type Dispatcher struct {
	logger   *slog.Logger
	registry *channel.Registry
	queue    queue
	kicker   kicker
	alerter  retryqueue.Alerter
	attempts int
	backoff  int
}

// NewDispatcher wires the send path. alerter may be nil; it is told about
// replies dropped after a permanent failure.
func NewDispatcher(log *slog.Logger, registry *channel.Registry, q queue, k kicker, alerter retryqueue.Alerter, cfg config.DispatchConfig) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		logger:   log.With(slog.String("component", "dispatcher")),
		registry: registry,
		queue:    q,
		kicker:   k,
		alerter:  alerter,
		attempts: cfg.DirectAttempts,
		backoff:  cfg.BackoffMs,
	}
}

// Deliver returns an error only when the reply could neither be sent nor
// queued. Only transient failures are queued, since the queue retries the
// original channel.
func (d *Dispatcher) Deliver(ctx context.Context, req Request) (Outcome, error) {
	target := strings.TrimSpace(req.Target)
	if target == "" {
		target = req.Identity.HandleFor(req.Channel)
	}
	msg := channel.OutboundMessage{Target: target, From: req.From, Text: req.Content, Actions: req.Rich}
	log := d.logger.With(
		slog.String("identity_id", req.Identity.ID),
		slog.String("channel", req.Channel.String()))

	direct := d.send(ctx, req.Channel, msg)
	if direct.OK {
		d.supersede(ctx, req.Identity.ID)
		return Outcome{Delivered: true, Channel: req.Channel}, nil
	}
	log.Warn("direct send failed",
		slog.String("kind", string(direct.ErrorKind)),
		slog.Any("error", direct.Err))

	if fb, fbMsg, ok := d.fallback(req, msg); ok {
		result := d.send(ctx, fb, fbMsg)
		if result.OK {
			log.Info("delivered via fallback", slog.String("fallback", fb.String()))
			d.supersede(ctx, req.Identity.ID)
			return Outcome{Delivered: true, ViaFallback: true, Channel: fb}, nil
		}
		log.Warn("fallback send failed",
			slog.String("fallback", fb.String()),
			slog.Any("error", result.Err))
	}

	if direct.ErrorKind == channel.ErrorKindPermanent {
		d.dropped(ctx, req, target, direct)
		return Outcome{Channel: req.Channel}, fmt.Errorf("%w: %w", ErrUndeliverable, direct.Err)
	}
	if d.queue == nil {
		return Outcome{}, fmt.Errorf("deliver: %w", direct.Err)
	}
	item, err := d.queue.Enqueue(ctx, retryqueue.Delivery{
		TenantID:   req.TenantID,
		IdentityID: req.Identity.ID,
		Channel:    req.Channel,
		Target:     target,
		From:       req.From,
		Content:    req.Content,
		Rich:       req.Rich,
		ScoreRank:  req.Identity.ScoreRank,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("queue delivery: %w", err)
	}
	log.Info("delivery queued", slog.String("queue_id", item.ID))
	if d.kicker != nil {
		d.kicker.Kick()
	}
	return Outcome{Queued: true, Channel: req.Channel, QueueID: item.ID}, nil
}

func (d *Dispatcher) dropped(ctx context.Context, req Request, target string, result channel.DeliveryResult) {
	d.logger.Error("reply dropped after permanent failure",
		slog.String("identity_id", req.Identity.ID),
		slog.String("channel", req.Channel.String()),
		slog.Any("error", result.Err))
	if d.alerter == nil {
		return
	}
	if err := d.alerter.DeliveryExhausted(ctx, retryqueue.Delivery{
		TenantID:   req.TenantID,
		IdentityID: req.Identity.ID,
		Channel:    req.Channel,
		Target:     target,
		Content:    req.Content,
		Attempts:   1,
		LastError:  result.Error(),
	}); err != nil {
		d.logger.Error("dropped reply alert failed", slog.Any("error", err))
	}
}

// Redeliver retries a queued item on its original channel only.
func (d *Dispatcher) Redeliver(ctx context.Context, item retryqueue.Delivery) channel.DeliveryResult {
	return d.send(ctx, item.Channel, item.Message())
}

// fallback picks the substitute channel for a failed send: WhatsApp falls
// back to SMS when a phone is known, the other conversational channels to
// email when an address is known.
func (d *Dispatcher) fallback(req Request, msg channel.OutboundMessage) (channel.ChannelType, channel.OutboundMessage, bool) {
	var (
		fb     channel.ChannelType
		target string
	)
	switch req.Channel {
	case channel.WhatsApp:
		fb, target = channel.SMS, req.Identity.PrimaryPhone
		if target == "" {
			target = msg.Target
		}
	case channel.Instagram, channel.Telegram, channel.Web:
		fb, target = channel.Email, req.Identity.Email
	default:
		return "", channel.OutboundMessage{}, false
	}
	if strings.TrimSpace(target) == "" {
		return "", channel.OutboundMessage{}, false
	}
	if _, ok := d.registry.GetSender(fb); !ok {
		return "", channel.OutboundMessage{}, false
	}
	return fb, channel.OutboundMessage{Target: target, Text: msg.Text, Actions: msg.Actions}, true
}

// send renders rich content for the channel and sends with its outbound policy.
func (d *Dispatcher) send(ctx context.Context, ct channel.ChannelType, msg channel.OutboundMessage) channel.DeliveryResult {
	sender, ok := d.registry.GetSender(ct)
	if !ok {
		return channel.Permanent(fmt.Errorf("no sender for channel %s", ct))
	}
	if caps, _ := d.registry.GetCapabilities(ct); !caps.Buttons && len(msg.Actions) > 0 {
		msg.Text = channel.FlattenActions(msg.Text, msg.Actions)
		msg.Actions = nil
	}
	policy, _ := d.registry.GetOutboundPolicy(ct)
	if d.attempts > 0 {
		policy.RetryMax = d.attempts
	}
	if d.backoff > 0 {
		policy.RetryBackoffMs = d.backoff
	}
	return channel.SendWithPolicy(ctx, d.logger, ct, sender, msg, policy)
}

func (d *Dispatcher) supersede(ctx context.Context, identityID string) {
	if d.queue == nil || identityID == "" {
		return
	}
	n, err := d.queue.CancelForIdentity(ctx, identityID)
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn("supersede queued deliveries failed", slog.String("identity_id", identityID), slog.Any("error", err))
		return
	}
	if n > 0 {
		d.logger.Info("queued deliveries superseded", slog.String("identity_id", identityID), slog.Int64("count", n))
	}
}
