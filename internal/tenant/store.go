// Package tenant maps a (channel, receiver id) pair to the tenant that owns it.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/db"
)

var ErrUnknownBinding = errors.New("unknown channel binding")

type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Binding attaches a business-side receiver id (a WhatsApp number, Instagram
// page, Telegram bot or website) to a tenant.
type Binding struct {
	Channel    channel.ChannelType `json:"channel"`
	ReceiverID string              `json:"receiver_id"`
	TenantID   string              `json:"tenant_id"`
}

type Store struct {
	db *sql.DB
}

func NewStore(conn *sql.DB) *Store {
	return &Store{db: conn}
}

// EnsureTenant creates the tenant or refreshes its name.
func (s *Store) EnsureTenant(ctx context.Context, id, name string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("tenant id is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tenants (id, name, created_at) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
		id, strings.TrimSpace(name), db.NowMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("ensure tenant: %w", err)
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (Tenant, error) {
	var (
		t       Tenant
		created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, fmt.Errorf("tenant %s: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return Tenant{}, fmt.Errorf("get tenant: %w", err)
	}
	t.CreatedAt = db.FromMillis(created)
	return t, nil
}

// UpsertBinding points a receiver id at a tenant, replacing any previous owner.
func (s *Store) UpsertBinding(ctx context.Context, b Binding) error {
	if b.Channel == "" || strings.TrimSpace(b.ReceiverID) == "" || strings.TrimSpace(b.TenantID) == "" {
		return errors.New("binding channel, receiver id and tenant id are required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tenant_bindings (channel, receiver_id, tenant_id) VALUES ($1, $2, $3)
ON CONFLICT (channel, receiver_id) DO UPDATE SET tenant_id = excluded.tenant_id`,
		b.Channel.String(), strings.TrimSpace(b.ReceiverID), strings.TrimSpace(b.TenantID))
	if err != nil {
		return fmt.Errorf("upsert binding: %w", err)
	}
	return nil
}

// Lookup returns ErrUnknownBinding when no tenant owns the receiver id.
func (s *Store) Lookup(ctx context.Context, ct channel.ChannelType, receiverID string) (string, error) {
	var tenantID string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM tenant_bindings WHERE channel = $1 AND receiver_id = $2`,
		ct.String(), strings.TrimSpace(receiverID)).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownBinding
	}
	if err != nil {
		return "", fmt.Errorf("lookup binding: %w", err)
	}
	return tenantID, nil
}

func (s *Store) ListBindings(ctx context.Context) ([]Binding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, receiver_id, tenant_id FROM tenant_bindings ORDER BY channel, receiver_id`)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var out []Binding
	for rows.Next() {
		var (
			b  Binding
			ct string
		)
		if err := rows.Scan(&ct, &b.ReceiverID, &b.TenantID); err != nil {
			return nil, err
		}
		b.Channel = channel.ChannelType(ct)
		out = append(out, b)
	}
	return out, rows.Err()
}
