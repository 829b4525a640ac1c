// Package inbound runs normalized messages through tenant and identity
// resolution, the orchestrator and delivery, on a bounded worker pool.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/memohai/omnicore/internal/audit"
	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/config"
	"github.com/memohai/omnicore/internal/delivery"
	"github.com/memohai/omnicore/internal/identity"
	"github.com/memohai/omnicore/internal/orchestrator"
	"github.com/memohai/omnicore/internal/tenant"
)

var (
	// ErrQueueFull is returned by Submit when every worker is busy and the
	// buffer is full. Webhook handlers answer 503 so the provider retries.
	ErrQueueFull = errors.New("inbound queue full")
	ErrStopped   = errors.New("inbound pipeline stopped")
)

// ActionUnknownBinding is audited when a message arrives for a receiver id
// that no tenant owns.
const ActionUnknownBinding = "inbound.unknown_binding"

const jobTimeout = 2 * time.Minute

// Job is one undecoded webhook or socket frame.
type Job struct {
	Channel    channel.ChannelType
	Raw        channel.RawPayload
	ReceivedAt time.Time
}

type Result struct {
	TenantID   string
	IdentityID string
	Duplicate  bool
	Resolution identity.Resolution
	Reply      orchestrator.Reply
	Delivery   delivery.Outcome
}

type normalizer interface {
	NormalizeAll(ctx context.Context, ct channel.ChannelType, raw channel.RawPayload) ([]channel.NormalizedMessage, error)
}

type tenantResolver interface {
	Resolve(ctx context.Context, ct channel.ChannelType, receiverID string) (string, error)
}

type identityResolver interface {
	Resolve(ctx context.Context, in identity.ResolveInput) (string, identity.Resolution, error)
}

type identityStore interface {
	Get(ctx context.Context, id string) (identity.Identity, error)
	SetEmail(ctx context.Context, identityID, email string, verified bool) error
}

type replier interface {
	Handle(ctx context.Context, req orchestrator.Request) orchestrator.Reply
}

type deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) (delivery.Outcome, error)
}

type superseder interface {
	CancelForIdentity(ctx context.Context, identityID string) (int64, error)
}

type eventRecorder interface {
	Record(ctx context.Context, ct channel.ChannelType, providerMessageID string, at time.Time) (bool, error)
	Forget(ctx context.Context, ct channel.ChannelType, providerMessageID string) error
}

type Deps struct {
	Normalizer   normalizer
	Tenants      tenantResolver
	Identities   identityResolver
	Store        identityStore
	Orchestrator replier
	Dispatcher   deliverer
	Queue        superseder
	Events       eventRecorder
	Audit        audit.Recorder
}

type Pipeline struct {
	logger *slog.Logger
	deps   Deps
	// locks serializes processing per handle and per identity. Nil disables it.
	locks   *identity.KeyedMutex
	workers int
	now     func() time.Time

	jobs   chan Job
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewPipeline(log *slog.Logger, deps Deps, cfg config.InboundConfig, serialize bool) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = config.DefaultInboundQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = config.DefaultInboundWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		logger:  log.With(slog.String("component", "inbound")),
		deps:    deps,
		workers: cfg.Workers,
		now:     time.Now,
		jobs:    make(chan Job, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	if serialize {
		p.locks = identity.NewKeyedMutex()
	}
	return p
}

// Start launches the workers.
func (p *Pipeline) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Info("inbound workers started", slog.Int("workers", p.workers), slog.Int("queue_size", cap(p.jobs)))
}

// Stop refuses new jobs and waits for queued ones. When ctx expires first,
// in-flight work is cancelled.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Submit queues a job without blocking.
func (p *Pipeline) Submit(job Job) error {
	if job.ReceivedAt.IsZero() {
		job.ReceivedAt = p.now()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Backlog reports queued jobs that no worker has picked up yet, and the queue capacity.
func (p *Pipeline) Backlog() (queued, capacity int) {
	return len(p.jobs), cap(p.jobs)
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		ctx, cancel := context.WithTimeout(p.ctx, jobTimeout)
		if err := p.Process(ctx, job); err != nil {
			p.logger.Warn("inbound job failed",
				slog.String("channel", job.Channel.String()),
				slog.Any("error", err))
		}
		cancel()
	}
}

// Process normalizes one job and handles every message it carries.
func (p *Pipeline) Process(ctx context.Context, job Job) error {
	msgs, err := p.deps.Normalizer.NormalizeAll(ctx, job.Channel, job.Raw)
	if err != nil {
		return fmt.Errorf("normalize %s payload: %w", job.Channel, err)
	}
	var errs []error
	for _, msg := range msgs {
		if _, err := p.HandleMessage(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleMessage runs one message end to end and reports what happened.
func (p *Pipeline) HandleMessage(ctx context.Context, msg channel.NormalizedMessage) (Result, error) {
	if err := msg.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid message: %w", err)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = p.now()
	}
	log := p.logger.With(slog.String("channel", msg.Channel.String()))

	if id := strings.TrimSpace(msg.ProviderMessageID); id != "" && p.deps.Events != nil {
		fresh, err := p.deps.Events.Record(ctx, msg.Channel, id, msg.ReceivedAt)
		if err != nil {
			return Result{}, err
		}
		if !fresh {
			log.Info("duplicate inbound message ignored", slog.String("provider_message_id", id))
			return Result{Duplicate: true}, nil
		}
	}

	tenantID, err := p.deps.Tenants.Resolve(ctx, msg.Channel, msg.ReceiverID)
	if err != nil {
		if errors.Is(err, tenant.ErrUnknownBinding) {
			p.recordUnknownBinding(ctx, msg)
		} else {
			p.forgetEvent(ctx, msg)
		}
		return Result{}, fmt.Errorf("resolve tenant: %w", err)
	}
	res := Result{TenantID: tenantID}

	unlock := p.lock("handle:" + tenantID + ":" + msg.Channel.String() + ":" + msg.SenderID)
	defer unlock()

	identityID, resolution, err := p.deps.Identities.Resolve(ctx, identity.ResolveInput{
		TenantID:      tenantID,
		Channel:       msg.Channel,
		ExternalID:    msg.SenderID,
		DisplayName:   msg.DisplayName,
		Email:         msg.Email,
		EmailVerified: msg.EmailVerified,
	})
	if err != nil {
		p.forgetEvent(ctx, msg)
		return res, fmt.Errorf("resolve identity: %w", err)
	}
	res.IdentityID, res.Resolution = identityID, resolution

	unlockIdentity := p.lock("identity:" + identityID)
	defer unlockIdentity()

	lead, err := p.deps.Store.Get(ctx, identityID)
	if err != nil {
		p.forgetEvent(ctx, msg)
		return res, fmt.Errorf("load identity: %w", err)
	}
	if msg.Email != "" && (lead.Email == "" || (msg.EmailVerified && !lead.EmailVerified)) {
		if err := p.deps.Store.SetEmail(ctx, identityID, msg.Email, msg.EmailVerified); err != nil {
			log.Warn("store learned email failed", slog.String("identity_id", identityID), slog.Any("error", err))
		} else {
			lead.Email, lead.EmailVerified = identity.NormalizeEmail(msg.Email), msg.EmailVerified
		}
	}

	if p.deps.Queue != nil {
		if n, err := p.deps.Queue.CancelForIdentity(ctx, identityID); err != nil {
			log.Warn("supersede queued deliveries failed", slog.String("identity_id", identityID), slog.Any("error", err))
		} else if n > 0 {
			log.Info("queued deliveries superseded by new message",
				slog.String("identity_id", identityID),
				slog.Int64("count", n))
		}
	}

	res.Reply = p.deps.Orchestrator.Handle(ctx, orchestrator.Request{TenantID: tenantID, Identity: lead, Message: msg})

	outcome, err := p.deps.Dispatcher.Deliver(ctx, delivery.Request{
		TenantID: tenantID,
		Identity: lead,
		Channel:  msg.Channel,
		Target:   msg.SenderID,
		From:     msg.ReceiverID,
		Content:  res.Reply.Text,
		Rich:     res.Reply.Actions,
	})
	res.Delivery = outcome
	if err != nil {
		return res, err
	}
	log.Info("inbound message handled",
		slog.String("identity_id", identityID),
		slog.String("resolution", string(resolution.Method)),
		slog.String("outcome", string(res.Reply.Outcome)),
		slog.Bool("delivered", outcome.Delivered),
		slog.Bool("via_fallback", outcome.ViaFallback),
		slog.Bool("queued", outcome.Queued))
	return res, nil
}

// forgetEvent releases the dedup entry of a message that failed before a
// reply was produced, so the provider's redelivery gets another try. Once the
// reply exists, delivery and the retry queue own it.
func (p *Pipeline) forgetEvent(ctx context.Context, msg channel.NormalizedMessage) {
	id := strings.TrimSpace(msg.ProviderMessageID)
	if id == "" || p.deps.Events == nil {
		return
	}
	if err := p.deps.Events.Forget(context.WithoutCancel(ctx), msg.Channel, id); err != nil {
		p.logger.Warn("forget inbound event failed",
			slog.String("channel", msg.Channel.String()),
			slog.String("provider_message_id", id),
			slog.Any("error", err))
	}
}

func (p *Pipeline) lock(key string) func() {
	if p.locks == nil {
		return func() {}
	}
	return p.locks.Lock(key)
}

func (p *Pipeline) recordUnknownBinding(ctx context.Context, msg channel.NormalizedMessage) {
	p.logger.Warn("message for unknown binding rejected",
		slog.String("channel", msg.Channel.String()),
		slog.String("receiver_id", msg.ReceiverID))
	if p.deps.Audit == nil {
		return
	}
	if err := p.deps.Audit.Append(ctx, audit.Entry{
		Action:         ActionUnknownBinding,
		ActorID:        msg.SenderID,
		Resource:       msg.Channel.String() + ":" + msg.ReceiverID,
		Detail:         "message rejected",
		ClearanceLevel: audit.ClearanceInternal,
	}); err != nil {
		p.logger.Error("audit append failed", slog.String("action", ActionUnknownBinding), slog.Any("error", err))
	}
}
