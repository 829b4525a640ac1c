package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/channel/adapters/web"
	"github.com/memohai/omnicore/internal/inbound"
)

const (
	widgetWriteWait  = 10 * time.Second
	widgetPongWait   = 60 * time.Second
	widgetPingPeriod = widgetPongWait * 9 / 10
)

// WidgetHandler serves the website chat widget websocket. Inbound frames are
// queued like webhooks; replies arrive through the hub for the session.
type WidgetHandler struct {
	hub      web.Hub
	jobs     jobSubmitter
	logger   *slog.Logger
	origins  map[string]bool
	upgrader websocket.Upgrader
}

func NewWidgetHandler(log *slog.Logger, hub web.Hub, jobs jobSubmitter, allowedOrigins []string) *WidgetHandler {
	if log == nil {
		log = slog.Default()
	}
	h := &WidgetHandler{
		hub:     hub,
		jobs:    jobs,
		logger:  log.With(slog.String("handler", "widget")),
		origins: map[string]bool{},
	}
	for _, origin := range allowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			h.origins[origin] = true
		}
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *WidgetHandler) Register(e *echo.Echo) {
	e.GET("/ws/widget", h.Connect)
}

func (h *WidgetHandler) checkOrigin(r *http.Request) bool {
	if len(h.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return h.origins[origin]
}

// Connect godoc
// @Summary Web widget websocket
// @Description Opens a chat session for a site. Pass session_id to resume a session.
// @Tags widget
// @Param site_id query string true "Site receiver id"
// @Param session_id query string false "Existing session id"
// @Router /ws/widget [get]
func (h *WidgetHandler) Connect(c echo.Context) error {
	siteID := strings.TrimSpace(c.QueryParam("site_id"))
	if siteID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "site_id is required")
	}
	sessionID := strings.TrimSpace(c.QueryParam("session_id"))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return nil
	}
	defer func() {
		_ = conn.Close()
	}()

	ctx := c.Request().Context()
	frames, release, err := h.hub.Subscribe(ctx, sessionID)
	if err != nil {
		h.logger.Error("widget subscribe failed", slog.String("session_id", sessionID), slog.Any("error", err))
		return nil
	}

	session := &widgetSession{conn: conn}
	if err := session.write(web.Frame{Type: "connected", SessionID: sessionID}); err != nil {
		release()
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		session.pump(frames)
	}()
	defer func() {
		release()
		<-done
	}()

	conn.SetReadLimit(MaxWebhookBody)
	_ = conn.SetReadDeadline(time.Now().Add(widgetPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(widgetPongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("widget closed unexpectedly", slog.String("session_id", sessionID), slog.Any("error", err))
			}
			return nil
		}
		var msg web.WidgetMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = session.write(web.Frame{Type: "error", Text: "Invalid message format.", SessionID: sessionID})
			continue
		}
		msg.SessionID, msg.SiteID = sessionID, siteID
		body, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := h.jobs.Submit(inbound.Job{Channel: channel.Web, Raw: channel.RawPayload{Body: body}, ReceivedAt: time.Now()}); err != nil {
			text := "Something went wrong, please try again."
			if errors.Is(err, inbound.ErrQueueFull) {
				text = "We are busy right now, please try again in a moment."
			}
			_ = session.write(web.Frame{Type: "error", Text: text, SessionID: sessionID})
		}
	}
}

// widgetSession serializes writes; gorilla connections allow one writer.
type widgetSession struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *widgetSession) write(frame web.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(widgetWriteWait))
	return s.conn.WriteJSON(frame)
}

func (s *widgetSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(widgetWriteWait))
}

// pump forwards hub frames until the subscription is released.
func (s *widgetSession) pump(frames <-chan web.Frame) {
	ticker := time.NewTicker(widgetPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := s.write(frame); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			if err := s.ping(); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}
