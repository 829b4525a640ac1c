package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisHub fans reply frames out over Redis pub/sub so any replica can
// deliver to a widget connected to another replica.
type RedisHub struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewRedisHub(rdb *redis.Client, log *slog.Logger) *RedisHub {
	if log == nil {
		log = slog.Default()
	}
	return &RedisHub{rdb: rdb, logger: log.With(slog.String("component", "web_hub"))}
}

func responseChannel(sessionID string) string {
	return fmt.Sprintf("response:%s", sessionID)
}

// Publish reports ErrNoSubscriber when no replica holds the session.
func (h *RedisHub) Publish(ctx context.Context, sessionID string, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	receivers, err := h.rdb.Publish(ctx, responseChannel(sessionID), string(data)).Result()
	if err != nil {
		return err
	}
	if receivers == 0 {
		return ErrNoSubscriber
	}
	return nil
}

func (h *RedisHub) Subscribe(ctx context.Context, sessionID string) (<-chan Frame, func(), error) {
	pubsub := h.rdb.Subscribe(ctx, responseChannel(sessionID))
	// Wait for the subscription confirmation so an immediate Publish is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}
	out := make(chan Frame, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var frame Frame
				if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
					h.logger.Warn("decode frame failed", slog.Any("error", err))
					continue
				}
				select {
				case out <- frame:
				case <-done:
					return
				}
			}
		}
	}()
	var once sync.Once
	release := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return out, release, nil
}
