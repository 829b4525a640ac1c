package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/inbound"
)

// MaxWebhookBody caps every webhook body and websocket frame.
const MaxWebhookBody = 1 << 20

const twimlEmpty = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

type jobSubmitter interface {
	Submit(job inbound.Job) error
}

type challengeVerifier interface {
	VerifyChallenge(mode, token, challenge string) (string, bool)
}

// WebhookHandler accepts provider webhooks, authenticates them and hands the
// raw payload to the inbound workers. Replies go out asynchronously.
type WebhookHandler struct {
	registry *channel.Registry
	jobs     jobSubmitter
	logger   *slog.Logger
	now      func() time.Time
}

func NewWebhookHandler(log *slog.Logger, registry *channel.Registry, jobs jobSubmitter) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		registry: registry,
		jobs:     jobs,
		logger:   log.With(slog.String("handler", "webhook")),
		now:      time.Now,
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	group := e.Group("/webhooks")
	group.GET("/instagram", h.InstagramChallenge)
	group.POST("/:channel", h.Receive)
}

// InstagramChallenge answers the Graph API subscription handshake.
func (h *WebhookHandler) InstagramChallenge(c echo.Context) error {
	adapter, ok := h.registry.Get(channel.Instagram)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "instagram is not enabled")
	}
	verifier, ok := adapter.(challengeVerifier)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "instagram is not enabled")
	}
	challenge, ok := verifier.VerifyChallenge(
		c.QueryParam("hub.mode"),
		c.QueryParam("hub.verify_token"),
		c.QueryParam("hub.challenge"),
	)
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, challenge)
}

// Receive godoc
// @Summary Provider webhook
// @Description Accepts a WhatsApp, Instagram or Telegram webhook and queues it for processing
// @Tags webhooks
// @Param channel path string true "Channel type"
// @Success 200
// @Failure 401 {object} ErrorResponse
// @Failure 413 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /webhooks/{channel} [post]
func (h *WebhookHandler) Receive(c echo.Context) error {
	ct, err := h.registry.ParseChannelType(c.Param("channel"))
	if err != nil || !ct.Conversational() || ct == channel.Web {
		return echo.NewHTTPError(http.StatusNotFound, "unknown webhook")
	}
	req := c.Request()
	body, err := readBody(c)
	if err != nil {
		return err
	}
	if verifier, ok := h.registry.GetWebhookVerifier(ct); ok {
		if err := verifier.VerifyWebhook(req, body); err != nil {
			h.logger.Warn("webhook rejected",
				slog.String("channel", ct.String()),
				slog.String("remote_ip", c.RealIP()),
				slog.Any("error", err))
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid webhook signature")
		}
	}

	raw := channel.RawPayload{Body: body, Header: req.Header.Clone()}
	if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationForm) {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid form body")
		}
		raw.Form = form
	}
	if err := h.jobs.Submit(inbound.Job{Channel: ct, Raw: raw, ReceivedAt: h.now()}); err != nil {
		return h.submitError(c, ct, err)
	}
	return acknowledge(c, ct)
}

func (h *WebhookHandler) submitError(c echo.Context, ct channel.ChannelType, err error) error {
	if errors.Is(err, inbound.ErrQueueFull) || errors.Is(err, inbound.ErrStopped) {
		h.logger.Warn("webhook deferred", slog.String("channel", ct.String()), slog.Any("error", err))
		c.Response().Header().Set("Retry-After", "5")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "busy, retry later")
	}
	h.logger.Error("webhook submit failed", slog.String("channel", ct.String()), slog.Any("error", err))
	return echo.NewHTTPError(http.StatusInternalServerError, "submit failed")
}

// acknowledge answers in the shape each provider expects. Twilio would send
// a TwiML body as a reply, so an empty Response keeps it silent.
func acknowledge(c echo.Context, ct channel.ChannelType) error {
	switch ct {
	case channel.WhatsApp:
		return c.Blob(http.StatusOK, echo.MIMETextXMLCharsetUTF8, []byte(twimlEmpty))
	case channel.Instagram:
		return c.String(http.StatusOK, "EVENT_RECEIVED")
	default:
		return c.NoContent(http.StatusOK)
	}
}

func readBody(c echo.Context) ([]byte, error) {
	req := c.Request()
	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, MaxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "body too large")
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "read body failed")
	}
	return body, nil
}
