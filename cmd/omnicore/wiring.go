package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/channel/adapters/instagram"
	"github.com/memohai/omnicore/internal/channel/adapters/sms"
	"github.com/memohai/omnicore/internal/channel/adapters/telegram"
	"github.com/memohai/omnicore/internal/channel/adapters/web"
	"github.com/memohai/omnicore/internal/channel/adapters/whatsapp"
	"github.com/memohai/omnicore/internal/config"
	"github.com/memohai/omnicore/internal/db"
	"github.com/memohai/omnicore/internal/delivery"
	"github.com/memohai/omnicore/internal/email"
	emailmailgun "github.com/memohai/omnicore/internal/email/adapters/mailgun"
	emailsmtp "github.com/memohai/omnicore/internal/email/adapters/smtp"
	"github.com/memohai/omnicore/internal/events"
	"github.com/memohai/omnicore/internal/retryqueue"
)

// waitOnStop holds shutdown until w's background work ends or the stop
// deadline passes. Hooks stop in reverse order, so anything registered after
// the database connection finishes before it closes.
func waitOnStop(w interface{ Wait() }) fx.Hook {
	return fx.Hook{OnStop: func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			w.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("wait for background work: %w", ctx.Err())
		}
	}}
}

// publishers splits CRM lead events from operational alerts.
type publishers struct {
	CRM    events.Publisher
	Alerts events.Publisher
}

// openPublishers dials AMQP when configured. Without a URL events are only logged.
// The returned close func is never nil.
func openPublishers(ctx context.Context, log *slog.Logger, cfg config.AMQPConfig) (publishers, func() error, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		log.Warn("amqp url not configured; crm events and alerts are logged only")
		p := events.NewLogPublisher(log)
		return publishers{CRM: p, Alerts: p}, func() error { return nil }, nil
	}
	conn, err := events.DialWithRetry(ctx, events.ConnectionOptions{
		URL:           cfg.URL,
		RetryAttempts: cfg.DialAttempts,
		Delay:         time.Second,
		Logger:        log,
	})
	if err != nil {
		return publishers{}, nil, fmt.Errorf("amqp connect: %w", err)
	}
	crm, err := events.NewAMQPPublisher(log, conn, cfg.Exchange)
	if err != nil {
		_ = conn.Close()
		return publishers{}, nil, err
	}
	alertExchange := cfg.AlertExchange
	if alertExchange == "" {
		alertExchange = config.DefaultAlertExchange
	}
	alerts, err := events.NewAMQPPublisher(log, conn, alertExchange)
	if err != nil {
		_ = conn.Close()
		return publishers{}, nil, err
	}
	return publishers{CRM: crm, Alerts: alerts}, closeAMQP(conn), nil
}

func closeAMQP(conn *amqp091.Connection) func() error {
	return func() error {
		if conn.IsClosed() {
			return nil
		}
		return conn.Close()
	}
}

// buildRegistry registers every configured channel. The web channel is always
// present; the email fallback is added when a provider is set.
func buildRegistry(log *slog.Logger, cfg config.Config, hub web.Hub, transcriber channel.Transcriber) (*channel.Registry, error) {
	registry := channel.NewRegistry()
	adapters := []channel.Adapter{web.NewAdapter(log, hub, web.WithIdentitySecret(cfg.Web.IdentitySecret))}
	if cfg.WhatsApp.Enabled() {
		adapters = append(adapters, whatsapp.NewAdapter(log, cfg.WhatsApp, transcriber))
	}
	if cfg.SMS.Enabled() {
		adapters = append(adapters, sms.NewAdapter(log, cfg.SMS))
	}
	if cfg.Instagram.PageAccessToken != "" || cfg.Instagram.VerifyToken != "" {
		adapters = append(adapters, instagram.NewAdapter(log, cfg.Instagram))
	}
	if cfg.Telegram.BotToken != "" {
		adapters = append(adapters, telegram.NewTelegramAdapter(log, cfg.Telegram, transcriber))
	}
	sender, err := emailSender(log, cfg.Email)
	if err != nil {
		return nil, err
	}
	if sender != nil {
		adapters = append(adapters, email.NewChannelAdapter(log, sender, cfg.Email.From, cfg.Email.Subject))
	}
	for _, adapter := range adapters {
		if err := registry.Register(adapter); err != nil {
			return nil, fmt.Errorf("register %s: %w", adapter.Type(), err)
		}
	}
	log.Info("channels registered", slog.Any("channels", registry.Types()))
	return registry, nil
}

func emailSender(log *slog.Logger, cfg config.EmailConfig) (email.Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "":
		return nil, nil
	case string(emailsmtp.ProviderName):
		return emailsmtp.New(log, cfg), nil
	case string(emailmailgun.ProviderName):
		return emailmailgun.New(log, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported email provider: %s", cfg.Provider)
	}
}

// deferredSender lets the retry processor and the dispatcher reference each
// other. Target is set once the dispatcher exists, before any drain runs.
type deferredSender struct {
	target retryqueue.Sender
}

func (s *deferredSender) Redeliver(ctx context.Context, d retryqueue.Delivery) channel.DeliveryResult {
	if s.target == nil {
		return channel.Transient(errors.New("dispatcher not ready"))
	}
	return s.target.Redeliver(ctx, d)
}

// deliveryCore is the retry processor and dispatcher pair.
type deliveryCore struct {
	Queue      *retryqueue.Store
	Processor  *retryqueue.Processor
	Dispatcher *delivery.Dispatcher
}

func buildDeliveryCore(log *slog.Logger, cfg config.Config, conn *sql.DB, registry *channel.Registry, alerts events.Publisher) deliveryCore {
	queue := retryqueue.NewStore(conn)
	late := &deferredSender{}
	alerter := retryqueue.NewEventAlerter(alerts)
	proc := retryqueue.NewProcessor(log, queue, late, alerter, cfg.Retry)
	dispatcher := delivery.NewDispatcher(log, registry, queue, proc, alerter, cfg.Dispatch)
	late.target = dispatcher
	return deliveryCore{Queue: queue, Processor: proc, Dispatcher: dispatcher}
}

// openDatabase opens the configured database and applies pending migrations.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	conn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	driver := cfg.Driver
	if driver == "" {
		driver = db.DriverSQLite
	}
	if err := db.Migrate(conn, driver); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return conn, nil
}
