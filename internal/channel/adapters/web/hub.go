package web

import (
	"context"
	"errors"
	"sync"
)

// ErrNoSubscriber reports that no open widget connection holds the session.
var ErrNoSubscriber = errors.New("no active web session")

// Frame is one server-to-widget websocket message.
type Frame struct {
	Type      string        `json:"type"`
	Text      string        `json:"text,omitempty"`
	SessionID string        `json:"session_id"`
	Actions   []FrameAction `json:"actions,omitempty"`
}

type FrameAction struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Hub routes reply frames to the connection that owns a session. A process
// serving websockets subscribes; any process may publish.
type Hub interface {
	Publish(ctx context.Context, sessionID string, frame Frame) error
	// Subscribe returns the frame stream for a session and a function that
	// releases it. The channel is closed after release.
	Subscribe(ctx context.Context, sessionID string) (<-chan Frame, func(), error)
}

// MemoryHub is a single-process Hub.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySub]struct{}
}

type memorySub struct {
	ch   chan Frame
	once sync.Once
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: map[string]map[*memorySub]struct{}{}}
}

func (h *MemoryHub) Publish(_ context.Context, sessionID string, frame Frame) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := h.subs[sessionID]
	if len(subs) == 0 {
		return ErrNoSubscriber
	}
	delivered := 0
	for sub := range subs {
		select {
		case sub.ch <- frame:
			delivered++
		default:
		}
	}
	if delivered == 0 {
		return errors.New("web session buffer full")
	}
	return nil
}

func (h *MemoryHub) Subscribe(_ context.Context, sessionID string) (<-chan Frame, func(), error) {
	sub := &memorySub{ch: make(chan Frame, 16)}
	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = map[*memorySub]struct{}{}
	}
	h.subs[sessionID][sub] = struct{}{}
	h.mu.Unlock()

	release := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			delete(h.subs[sessionID], sub)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, release, nil
}
