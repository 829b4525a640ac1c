package tools

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/memohai/omnicore/internal/db"
)

// PaymentRequest is passed to the payment provider. The provider must treat
// IdempotencyKey as the charge identity.
type PaymentRequest struct {
	IdempotencyKey string
	IdentityID     string
	AmountMinor    int64
	Currency       string
	Description    string
}

// PaymentProvider creates a hosted checkout link.
type PaymentProvider interface {
	CreateLink(ctx context.Context, req PaymentRequest) (string, error)
}

// TemplateLinkProvider renders links from a URL template with {key},
// {amount} and {currency} placeholders.
type TemplateLinkProvider struct {
	Template string
}

func (p TemplateLinkProvider) CreateLink(_ context.Context, req PaymentRequest) (string, error) {
	if strings.TrimSpace(p.Template) == "" {
		return "", errors.New("payment link template is not configured")
	}
	return strings.NewReplacer(
		"{key}", req.IdempotencyKey,
		"{amount}", fmt.Sprintf("%d", req.AmountMinor),
		"{currency}", req.Currency,
	).Replace(p.Template), nil
}

// PaymentKey derives the idempotency key for a charge. Calls within the same
// window for the same identity, amount and currency share a key.
func PaymentKey(identityID string, amountMinor int64, currency string, at time.Time, window time.Duration) string {
	if window <= 0 {
		window = 15 * time.Minute
	}
	bucket := at.UTC().Truncate(window).Unix()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%d", identityID, amountMinor, strings.ToUpper(currency), bucket)))
	return hex.EncodeToString(sum[:])
}

// PaymentLinks records keys before the provider is called, so a repeated call
// returns the stored link instead of creating a second charge.
type PaymentLinks struct {
	db       *sql.DB
	provider PaymentProvider
	window   time.Duration
	currency string
	now      func() time.Time
}

func NewPaymentLinks(conn *sql.DB, provider PaymentProvider, currency string, window time.Duration) *PaymentLinks {
	if currency == "" {
		currency = "EUR"
	}
	return &PaymentLinks{db: conn, provider: provider, window: window, currency: currency, now: time.Now}
}

type PaymentLinkArgs struct {
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0,lte=100000000"`
	Currency    string `json:"currency" validate:"omitempty,len=3,alpha"`
	Description string `json:"description" validate:"max=200"`
}

type PaymentLink struct {
	URL            string `json:"url"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
	Reused         bool   `json:"reused"`
}

func (p *PaymentLinks) Create(ctx context.Context, s Session, args PaymentLinkArgs) (any, error) {
	currency := strings.ToUpper(strings.TrimSpace(args.Currency))
	if currency == "" {
		currency = p.currency
	}
	key := PaymentKey(s.IdentityID, args.AmountMinor, currency, p.now(), p.window)

	res, err := p.db.ExecContext(ctx, `
INSERT INTO payment_links (idempotency_key, identity_id, amount_minor, currency, url, created_at)
VALUES ($1, $2, $3, $4, '', $5)
ON CONFLICT (idempotency_key) DO NOTHING`,
		key, s.IdentityID, args.AmountMinor, currency, db.NowMillis(p.now()))
	if err != nil {
		return nil, fmt.Errorf("reserve payment key: %w", err)
	}
	inserted, _ := res.RowsAffected()
	if inserted == 0 {
		var existing string
		if err := p.db.QueryRowContext(ctx,
			`SELECT url FROM payment_links WHERE idempotency_key = $1`, key).Scan(&existing); err != nil {
			return nil, fmt.Errorf("load payment link: %w", err)
		}
		if existing != "" {
			return PaymentLink{URL: existing, AmountMinor: args.AmountMinor, Currency: currency, IdempotencyKey: key, Reused: true}, nil
		}
		// A previous provider call failed or is in flight; the provider dedupes on the key.
	}

	url, err := p.provider.CreateLink(ctx, PaymentRequest{
		IdempotencyKey: key,
		IdentityID:     s.IdentityID,
		AmountMinor:    args.AmountMinor,
		Currency:       currency,
		Description:    args.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("create payment link: %w", err)
	}
	if _, err := p.db.ExecContext(ctx,
		`UPDATE payment_links SET url = $1 WHERE idempotency_key = $2`, url, key); err != nil {
		return nil, fmt.Errorf("store payment link: %w", err)
	}
	return PaymentLink{URL: url, AmountMinor: args.AmountMinor, Currency: currency, IdempotencyKey: key}, nil
}

var paymentLinkSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"amount_minor": map[string]any{"type": "integer", "description": "Amount in minor units, e.g. cents."},
		"currency":     map[string]any{"type": "string", "description": "ISO 4217 code. Defaults to the clinic currency."},
		"description":  map[string]any{"type": "string"},
	},
	"required": []string{"amount_minor"},
}
