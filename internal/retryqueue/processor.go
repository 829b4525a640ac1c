package retryqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/config"
)

// Sender retries an item on its original channel.
type Sender interface {
	Redeliver(ctx context.Context, d Delivery) channel.DeliveryResult
}

// Alerter is told once about every item that ran out of attempts.
type Alerter interface {
	DeliveryExhausted(ctx context.Context, d Delivery) error
}

type queueStore interface {
	NextDue(ctx context.Context, now time.Time, maxAttempts int) (Delivery, error)
	Claim(ctx context.Context, id string, attempts int) error
	MarkSent(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, at time.Time, lastErr string) error
	MarkExhausted(ctx context.Context, id string, lastErr string) (bool, error)
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Sent        int `json:"sent"`
	Rescheduled int `json:"rescheduled"`
	Exhausted   int `json:"exhausted"`
}

// Processor drains the queue. Drains never overlap; Run, DrainOnce and the
// admin trigger all go through the same lock.
type Processor struct {
	logger      *slog.Logger
	store       queueStore
	sender      Sender
	alerter     Alerter
	maxAttempts int
	backoff     time.Duration
	schedule    string
	now         func() time.Time

	drainMu sync.Mutex
	kick    chan struct{}
}

func NewProcessor(log *slog.Logger, store *Store, sender Sender, alerter Alerter, cfg config.RetryConfig) *Processor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffSeconds <= 0 {
		cfg.BackoffSeconds = config.DefaultRetryBackoff
	}
	if cfg.DrainSchedule == "" {
		cfg.DrainSchedule = config.DefaultDrainSchedule
	}
	return &Processor{
		logger:      log.With(slog.String("component", "retry_processor")),
		store:       store,
		sender:      sender,
		alerter:     alerter,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff(),
		schedule:    cfg.DrainSchedule,
		now:         time.Now,
		kick:        make(chan struct{}, 1),
	}
}

func (p *Processor) MaxAttempts() int { return p.maxAttempts }

// Kick wakes Run. Kicks coalesce while a drain is pending.
func (p *Processor) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run drains on every kick and on the cron schedule until ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(p.schedule, p.Kick); err != nil {
		return fmt.Errorf("parse drain schedule %q: %w", p.schedule, err)
	}
	c.Start()
	defer func() {
		<-c.Stop().Done()
	}()

	p.Kick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.kick:
			if _, err := p.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("drain failed", slog.Any("error", err))
			}
		}
	}
}

// DrainOnce sends every due item once. Cancellation is checked between
// items; an in-flight send is never aborted.
func (p *Processor) DrainOnce(ctx context.Context) (DrainStats, error) {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	var stats DrainStats
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		item, err := p.store.NextDue(ctx, p.now(), p.maxAttempts)
		if errors.Is(err, ErrNotFound) {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
		if err := p.store.Claim(ctx, item.ID, item.Attempts); err != nil {
			if errors.Is(err, ErrClaimLost) {
				continue
			}
			return stats, err
		}
		item.Attempts++

		sendCtx := context.WithoutCancel(ctx)
		result := p.sender.Redeliver(sendCtx, item)
		if err := p.settle(sendCtx, item, result, &stats); err != nil {
			return stats, err
		}
	}
}

func (p *Processor) settle(ctx context.Context, item Delivery, result channel.DeliveryResult, stats *DrainStats) error {
	log := p.logger.With(
		slog.String("delivery_id", item.ID),
		slog.String("channel", item.Channel.String()),
		slog.Int("attempt", item.Attempts))

	if result.OK {
		if err := p.store.MarkSent(ctx, item.ID); errors.Is(err, ErrNotFound) {
			log.Debug("queued delivery superseded during send")
			return nil
		} else if err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
		stats.Sent++
		log.Info("queued delivery sent")
		return nil
	}

	if item.Attempts < p.maxAttempts {
		at := p.now().Add(time.Duration(item.Attempts) * p.backoff)
		if err := p.store.Reschedule(ctx, item.ID, at, result.Error()); errors.Is(err, ErrNotFound) {
			log.Debug("queued delivery superseded during send")
			return nil
		} else if err != nil {
			return fmt.Errorf("reschedule: %w", err)
		}
		stats.Rescheduled++
		log.Warn("queued delivery failed, rescheduled",
			slog.Time("scheduled_at", at),
			slog.String("error", result.Error()))
		return nil
	}

	first, err := p.store.MarkExhausted(ctx, item.ID, result.Error())
	if err != nil {
		return fmt.Errorf("mark exhausted: %w", err)
	}
	stats.Exhausted++
	item.LastError = result.Error()
	log.Error("queued delivery exhausted", slog.String("error", item.LastError))
	if first && p.alerter != nil {
		if err := p.alerter.DeliveryExhausted(ctx, item); err != nil {
			log.Error("exhausted delivery alert failed", slog.Any("error", err))
		}
	}
	return nil
}
