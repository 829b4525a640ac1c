package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/config"
)

// Cache is a shared second-level binding cache.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type bindingStore interface {
	Lookup(ctx context.Context, ct channel.ChannelType, receiverID string) (string, error)
}

type cacheEntry struct {
	tenantID string
	expires  time.Time
}

// Resolver resolves bindings through an in-process TTL cache, then the shared
// cache when configured, then SQL. Misses are not cached.
type Resolver struct {
	logger *slog.Logger
	store  bindingStore
	shared Cache
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	local map[string]cacheEntry
}

func NewResolver(log *slog.Logger, store *Store, shared Cache, ttl time.Duration) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Duration(config.DefaultTenantCacheTTL) * time.Second
	}
	r := &Resolver{
		logger: log.With(slog.String("component", "tenant_resolver")),
		shared: shared,
		ttl:    ttl,
		now:    time.Now,
		local:  map[string]cacheEntry{},
	}
	if store != nil {
		r.store = store
	}
	return r
}

func cacheKey(ct channel.ChannelType, receiverID string) string {
	return "tenant:binding:" + ct.String() + ":" + strings.TrimSpace(receiverID)
}

func (r *Resolver) Resolve(ctx context.Context, ct channel.ChannelType, receiverID string) (string, error) {
	if strings.TrimSpace(receiverID) == "" {
		return "", ErrUnknownBinding
	}
	key := cacheKey(ct, receiverID)

	r.mu.RLock()
	entry, ok := r.local[key]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expires) {
		return entry.tenantID, nil
	}

	if r.shared != nil {
		tenantID, found, err := r.shared.Get(ctx, key)
		if err != nil {
			r.logger.Warn("shared binding cache read failed", slog.Any("error", err))
		} else if found {
			r.remember(key, tenantID)
			return tenantID, nil
		}
	}

	if r.store == nil {
		return "", ErrUnknownBinding
	}
	tenantID, err := r.store.Lookup(ctx, ct, receiverID)
	if err != nil {
		return "", err
	}
	r.remember(key, tenantID)
	if r.shared != nil {
		if err := r.shared.Set(ctx, key, tenantID, r.ttl); err != nil {
			r.logger.Warn("shared binding cache write failed", slog.Any("error", err))
		}
	}
	return tenantID, nil
}

func (r *Resolver) remember(key, tenantID string) {
	r.mu.Lock()
	r.local[key] = cacheEntry{tenantID: tenantID, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()
}

// Invalidate drops a binding from both cache tiers. Other processes keep their
// in-process entry until it expires.
func (r *Resolver) Invalidate(ctx context.Context, ct channel.ChannelType, receiverID string) error {
	key := cacheKey(ct, receiverID)
	r.mu.Lock()
	delete(r.local, key)
	r.mu.Unlock()
	if r.shared == nil {
		return nil
	}
	if err := r.shared.Delete(ctx, key); err != nil {
		return fmt.Errorf("invalidate shared binding cache: %w", err)
	}
	return nil
}

// NewBinding normalizes the channel name and, for phone-addressed channels,
// the receiver number.
func NewBinding(rawChannel, receiverID, tenantID string) (Binding, error) {
	ct := channel.ChannelType(strings.ToLower(strings.TrimSpace(rawChannel)))
	if !ct.Conversational() {
		return Binding{}, fmt.Errorf("binding channel %q does not accept inbound messages", rawChannel)
	}
	receiver := strings.TrimSpace(receiverID)
	if ct.PhoneAddressed() {
		if phone := channel.NormalizePhone(receiver); phone != "" {
			receiver = phone
		}
	}
	return Binding{Channel: ct, ReceiverID: receiver, TenantID: strings.TrimSpace(tenantID)}, nil
}

// Seed writes the static tenants and bindings from config.
func Seed(ctx context.Context, store *Store, tenants []config.TenantConfig) error {
	for _, t := range tenants {
		if err := store.EnsureTenant(ctx, t.ID, t.Name); err != nil {
			return err
		}
		for _, b := range t.Bindings {
			binding, err := NewBinding(b.Channel, b.ReceiverID, t.ID)
			if err != nil {
				return fmt.Errorf("tenant %s: %w", t.ID, err)
			}
			if err := store.UpsertBinding(ctx, binding); err != nil {
				return err
			}
		}
	}
	return nil
}

// RedisCache stores bindings as plain string keys.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}
