package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Publisher sends an envelope with a routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
}

type ConnectionOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        *slog.Logger
}

const maxDialDelay = 60 * time.Second

// DialWithRetry connects with capped exponential backoff and stops when ctx is done.
func DialWithRetry(ctx context.Context, opts ConnectionOptions) (*amqp091.Connection, error) {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	var lastErr error
	for i := 1; i <= opts.RetryAttempts; i++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				log.Info("amqp connected", slog.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err
		if i == opts.RetryAttempts {
			break
		}
		sleep := opts.Delay << (i - 1)
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		log.Warn("amqp dial failed",
			slog.Int("attempt", i),
			slog.Duration("sleep", sleep),
			slog.Any("error", err))
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("amqp dial cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("amqp dial failed after %d attempts: %w", opts.RetryAttempts, lastErr)
}

// AMQPPublisher publishes persistent JSON messages to one topic exchange and
// waits for the broker confirm. The connection is owned by the caller.
type AMQPPublisher struct {
	logger   *slog.Logger
	conn     *amqp091.Connection
	exchange string
}

func NewAMQPPublisher(log *slog.Logger, conn *amqp091.Connection, exchange string) (*AMQPPublisher, error) {
	if conn == nil {
		return nil, errors.New("amqp connection is nil")
	}
	if log == nil {
		log = slog.Default()
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	defer func() {
		_ = ch.Close()
	}()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{
		logger:   log.With(slog.String("component", "amqp_publisher"), slog.String("exchange", exchange)),
		conn:     conn,
		exchange: exchange,
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer func() {
		_ = ch.Close()
	}()
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("amqp confirm mode: %w", err)
	}
	correlationID := env.Meta.CorrelationID
	if correlationID == "" {
		correlationID = env.Meta.ID
	}
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     env.Meta.ID,
		CorrelationId: correlationID,
		Type:          env.Meta.Type,
		Timestamp:     env.Meta.Time,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("amqp confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("amqp publish %s nacked", key)
	}
	p.logger.Debug("published", slog.String("key", key), slog.String("id", env.Meta.ID))
	return nil
}

// LogPublisher stands in when no broker is configured. It logs and drops.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(log *slog.Logger) *LogPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &LogPublisher{logger: log.With(slog.String("component", "log_publisher"))}
}

func (p *LogPublisher) Publish(_ context.Context, key string, env Envelope) error {
	p.logger.Info("event not published, no broker configured",
		slog.String("key", key),
		slog.String("id", env.Meta.ID))
	return nil
}
