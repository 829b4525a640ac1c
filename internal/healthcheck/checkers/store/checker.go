// Package storechecker checks the database, the retry queue backlog and the
// optional Redis connection.
package storechecker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/memohai/omnicore/internal/healthcheck"
)

const checkTimeout = 2 * time.Second

type Pinger interface {
	PingContext(ctx context.Context) error
}

type ExhaustedCounter interface {
	CountExhausted(ctx context.Context, maxAttempts int) (int, error)
}

// RedisPinger matches the Ping of a go-redis client once its result is read.
type RedisPinger func(ctx context.Context) error

type Checker struct {
	logger      *slog.Logger
	db          Pinger
	queue       ExhaustedCounter
	maxAttempts int
	redis       RedisPinger
}

// NewChecker builds the checker. A nil redis pinger omits the redis check.
func NewChecker(log *slog.Logger, db Pinger, queue ExhaustedCounter, maxAttempts int, redis RedisPinger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:      log.With(slog.String("checker", "healthcheck_store")),
		db:          db,
		queue:       queue,
		maxAttempts: maxAttempts,
		redis:       redis,
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	checks := []healthcheck.CheckResult{c.database(ctx)}
	if c.queue != nil {
		checks = append(checks, c.retryQueue(ctx))
	}
	if c.redis != nil {
		checks = append(checks, c.redisCheck(ctx))
	}
	return checks
}

func (c *Checker) database(ctx context.Context) healthcheck.CheckResult {
	item := healthcheck.CheckResult{ID: "database", Type: "store.database", Status: healthcheck.StatusOK, Summary: "Database is reachable."}
	if c.db == nil {
		item.Status, item.Summary = healthcheck.StatusWarn, "Database is not configured."
		return item
	}
	if err := c.db.PingContext(ctx); err != nil {
		c.logger.Warn("database ping failed", slog.Any("error", err))
		item.Status, item.Summary, item.Detail = healthcheck.StatusError, "Database is unreachable.", err.Error()
	}
	return item
}

// retryQueue warns while exhausted deliveries wait for an operator.
func (c *Checker) retryQueue(ctx context.Context) healthcheck.CheckResult {
	item := healthcheck.CheckResult{ID: "retry_queue", Type: "store.retry_queue", Status: healthcheck.StatusOK, Summary: "No exhausted deliveries."}
	n, err := c.queue.CountExhausted(ctx, c.maxAttempts)
	if err != nil {
		item.Status, item.Summary, item.Detail = healthcheck.StatusError, "Retry queue could not be read.", err.Error()
		return item
	}
	item.Metadata = map[string]any{"exhausted": n}
	if n > 0 {
		item.Status = healthcheck.StatusWarn
		item.Summary = fmt.Sprintf("%d deliveries exhausted their retries and need review.", n)
	}
	return item
}

func (c *Checker) redisCheck(ctx context.Context) healthcheck.CheckResult {
	item := healthcheck.CheckResult{ID: "redis", Type: "store.redis", Status: healthcheck.StatusOK, Summary: "Redis is reachable."}
	if err := c.redis(ctx); err != nil {
		c.logger.Warn("redis ping failed", slog.Any("error", err))
		item.Status, item.Summary, item.Detail = healthcheck.StatusError, "Redis is unreachable.", err.Error()
	}
	return item
}
