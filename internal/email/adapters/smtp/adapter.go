// Package smtp sends email through an SMTP relay.
package smtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/memohai/omnicore/internal/config"
	"github.com/memohai/omnicore/internal/email"
)

const ProviderName email.ProviderName = "smtp"

type Adapter struct {
	logger   *slog.Logger
	host     string
	port     int
	security string
	username string
	password string
}

func New(log *slog.Logger, cfg config.EmailConfig) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:   log.With(slog.String("adapter", "smtp")),
		host:     strings.TrimSpace(cfg.SMTPHost),
		port:     cfg.SMTPPort,
		security: strings.ToLower(strings.TrimSpace(cfg.SMTPSecurity)),
		username: cfg.Username,
		password: cfg.Password,
	}
}

func (a *Adapter) Name() email.ProviderName { return ProviderName }

func (a *Adapter) Send(ctx context.Context, msg email.OutboundEmail) (string, error) {
	if a.host == "" {
		return "", fmt.Errorf("smtp host is not configured: %w", email.ErrPermanent)
	}
	m, err := buildMessage(msg, a.username)
	if err != nil {
		return "", err
	}
	client, err := mail.NewClient(a.host, a.clientOptions()...)
	if err != nil {
		return "", fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		var sendErr *mail.SendError
		if errors.As(err, &sendErr) && !sendErr.IsTemp() {
			return "", fmt.Errorf("send email: %w: %w", email.ErrPermanent, err)
		}
		return "", fmt.Errorf("send email: %w", err)
	}
	return m.GetMessageID(), nil
}

func buildMessage(msg email.OutboundEmail, fallbackFrom string) (*mail.Msg, error) {
	from := strings.TrimSpace(msg.From)
	if from == "" {
		from = fallbackFrom
	}
	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("set from: %w: %w", email.ErrPermanent, err)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, fmt.Errorf("set to: %w: %w", email.ErrPermanent, err)
	}
	m.Subject(msg.Subject)
	if msg.HTML {
		m.SetBodyString(mail.TypeTextHTML, msg.Body)
	} else {
		m.SetBodyString(mail.TypeTextPlain, msg.Body)
	}
	m.SetMessageID()
	return m, nil
}

func (a *Adapter) clientOptions() []mail.Option {
	port := a.port
	if port <= 0 {
		port = 587
	}
	opts := []mail.Option{mail.WithPort(port)}
	if a.username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(a.username),
			mail.WithPassword(a.password),
		)
	}
	switch a.security {
	case "tls":
		opts = append(opts, mail.WithSSLPort(false), mail.WithTLSPolicy(mail.TLSMandatory))
	case "starttls":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	return opts
}
