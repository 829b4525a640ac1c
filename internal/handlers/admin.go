package handlers

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/memohai/omnicore/internal/audit"
	"github.com/memohai/omnicore/internal/auth"
	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/identity"
	"github.com/memohai/omnicore/internal/retryqueue"
	"github.com/memohai/omnicore/internal/tenant"
)

const (
	ActionDeliveryCancelled = "admin.delivery_cancelled"
	ActionStatusChanged     = "admin.identity_status"
	ActionBindingChanged    = "admin.binding_upserted"

	defaultTurnLimit = 20
	maxListLimit     = 500
)

type ErrorResponse struct {
	Message string `json:"message"`
}

type deliveryQueue interface {
	List(ctx context.Context, f retryqueue.Filter) ([]retryqueue.Delivery, error)
	Get(ctx context.Context, id string) (retryqueue.Delivery, error)
	Cancel(ctx context.Context, id string) error
}

type drainer interface {
	DrainOnce(ctx context.Context) (retryqueue.DrainStats, error)
	MaxAttempts() int
}

type leadStore interface {
	Get(ctx context.Context, id string) (identity.Identity, error)
	RecentTurns(ctx context.Context, identityID string, n int) ([]identity.Turn, error)
	UpdateStatus(ctx context.Context, identityID string, status identity.Status) error
}

type auditReader interface {
	audit.Recorder
	List(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
}

type bindingStore interface {
	ListBindings(ctx context.Context) ([]tenant.Binding, error)
	GetTenant(ctx context.Context, id string) (tenant.Tenant, error)
	UpsertBinding(ctx context.Context, b tenant.Binding) error
}

type bindingInvalidator interface {
	Invalidate(ctx context.Context, ct channel.ChannelType, receiverID string) error
}

type AdminDeps struct {
	Queue      deliveryQueue
	Processor  drainer
	Identities leadStore
	Audit      auditReader
	Bindings   bindingStore
	Resolver   bindingInvalidator // optional
	Registry   *channel.Registry
}

// DeliveryView adds the derived exhausted flag to a queued delivery.
type DeliveryView struct {
	retryqueue.Delivery
	Exhausted bool `json:"exhausted"`
}

type IdentityView struct {
	identity.Identity
	Turns []identity.Turn `json:"turns"`
}

type BindingRequest struct {
	Channel    string `json:"channel" validate:"required"`
	ReceiverID string `json:"receiver_id" validate:"required"`
	TenantID   string `json:"tenant_id" validate:"required"`
}

type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=new active appointment_requested handoff"`
}

// AdminHandler is the operator API over the retry queue, identities, the
// audit log and channel bindings. Every route requires the admin role.
type AdminHandler struct {
	deps     AdminDeps
	logger   *slog.Logger
	validate *validator.Validate
}

func NewAdminHandler(log *slog.Logger, deps AdminDeps) *AdminHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AdminHandler{
		deps:     deps,
		logger:   log.With(slog.String("handler", "admin")),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *AdminHandler) Register(e *echo.Echo) {
	group := e.Group("/admin", auth.RequireAdmin)
	group.GET("/deliveries", h.ListDeliveries)
	group.GET("/deliveries/:id", h.GetDelivery)
	group.POST("/deliveries/:id/cancel", h.CancelDelivery)
	group.POST("/deliveries/drain", h.Drain)
	group.GET("/identities/:id", h.GetIdentity)
	group.PUT("/identities/:id/status", h.UpdateStatus)
	group.GET("/audit", h.ListAudit)
	group.GET("/bindings", h.ListBindings)
	group.PUT("/bindings", h.UpsertBinding)
	group.GET("/channels", h.ListChannels)
}

// ListDeliveries godoc
// @Summary List queued deliveries
// @Tags admin
// @Param status query string false "pending, sent or cancelled"
// @Param identity_id query string false "Identity id"
// @Param limit query int false "Max items"
// @Success 200 {array} DeliveryView
// @Router /admin/deliveries [get]
func (h *AdminHandler) ListDeliveries(c echo.Context) error {
	items, err := h.deps.Queue.List(c.Request().Context(), retryqueue.Filter{
		Status:     retryqueue.Status(strings.TrimSpace(c.QueryParam("status"))),
		IdentityID: strings.TrimSpace(c.QueryParam("identity_id")),
		Limit:      parseLimit(c.QueryParam("limit")),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	views := make([]DeliveryView, 0, len(items))
	for _, item := range items {
		views = append(views, h.view(item))
	}
	return c.JSON(http.StatusOK, views)
}

// GetDelivery godoc
// @Summary Get a queued delivery
// @Tags admin
// @Param id path string true "Delivery id"
// @Success 200 {object} DeliveryView
// @Failure 404 {object} ErrorResponse
// @Router /admin/deliveries/{id} [get]
func (h *AdminHandler) GetDelivery(c echo.Context) error {
	item, err := h.deps.Queue.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return queueError(err)
	}
	return c.JSON(http.StatusOK, h.view(item))
}

// CancelDelivery godoc
// @Summary Cancel a pending delivery
// @Tags admin
// @Param id path string true "Delivery id"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Router /admin/deliveries/{id}/cancel [post]
func (h *AdminHandler) CancelDelivery(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := h.deps.Queue.Cancel(ctx, id); err != nil {
		return queueError(err)
	}
	h.record(c, ActionDeliveryCancelled, "delivery:"+id, "cancelled by operator")
	return c.NoContent(http.StatusNoContent)
}

// Drain godoc
// @Summary Drain the retry queue now
// @Tags admin
// @Success 200 {object} retryqueue.DrainStats
// @Router /admin/deliveries/drain [post]
func (h *AdminHandler) Drain(c echo.Context) error {
	stats, err := h.deps.Processor.DrainOnce(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}

// GetIdentity godoc
// @Summary Get an identity with its recent turns
// @Tags admin
// @Param id path string true "Identity id"
// @Param turns query int false "Number of turns"
// @Success 200 {object} IdentityView
// @Failure 404 {object} ErrorResponse
// @Router /admin/identities/{id} [get]
func (h *AdminHandler) GetIdentity(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	lead, err := h.deps.Identities.Get(ctx, id)
	if err != nil {
		return identityError(err)
	}
	n := defaultTurnLimit
	if raw := c.QueryParam("turns"); raw != "" {
		n = parseLimit(raw)
	}
	turns, err := h.deps.Identities.RecentTurns(ctx, id, n)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if turns == nil {
		turns = []identity.Turn{}
	}
	return c.JSON(http.StatusOK, IdentityView{Identity: lead, Turns: turns})
}

// UpdateStatus godoc
// @Summary Set an identity's lifecycle status
// @Tags admin
// @Param id path string true "Identity id"
// @Param payload body StatusRequest true "New status"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /admin/identities/{id}/status [put]
func (h *AdminHandler) UpdateStatus(c echo.Context) error {
	var req StatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "status must be one of new, active, appointment_requested, handoff")
	}
	id := c.Param("id")
	if err := h.deps.Identities.UpdateStatus(c.Request().Context(), id, identity.Status(req.Status)); err != nil {
		return identityError(err)
	}
	h.record(c, ActionStatusChanged, "identity:"+id, "status="+req.Status)
	return c.NoContent(http.StatusNoContent)
}

// ListAudit godoc
// @Summary List audit entries, newest first
// @Tags admin
// @Param action query string false "Action"
// @Param actor_id query string false "Actor id"
// @Param limit query int false "Max items"
// @Success 200 {array} audit.Entry
// @Router /admin/audit [get]
func (h *AdminHandler) ListAudit(c echo.Context) error {
	entries, err := h.deps.Audit.List(c.Request().Context(), audit.Filter{
		Action:  strings.TrimSpace(c.QueryParam("action")),
		ActorID: strings.TrimSpace(c.QueryParam("actor_id")),
		Limit:   parseLimit(c.QueryParam("limit")),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// ListBindings godoc
// @Summary List channel bindings
// @Tags admin
// @Success 200 {array} tenant.Binding
// @Router /admin/bindings [get]
func (h *AdminHandler) ListBindings(c echo.Context) error {
	items, err := h.deps.Bindings.ListBindings(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []tenant.Binding{}
	}
	return c.JSON(http.StatusOK, items)
}

// UpsertBinding godoc
// @Summary Point a channel receiver id at a tenant
// @Tags admin
// @Param payload body BindingRequest true "Binding"
// @Success 200 {object} tenant.Binding
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /admin/bindings [put]
func (h *AdminHandler) UpsertBinding(c echo.Context) error {
	var req BindingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "channel, receiver_id and tenant_id are required")
	}
	binding, err := tenant.NewBinding(req.Channel, req.ReceiverID, req.TenantID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if _, err := h.deps.Bindings.GetTenant(ctx, binding.TenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown tenant")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.deps.Bindings.UpsertBinding(ctx, binding); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.deps.Resolver != nil {
		if err := h.deps.Resolver.Invalidate(ctx, binding.Channel, binding.ReceiverID); err != nil {
			h.logger.Warn("binding cache invalidation failed", slog.Any("error", err))
		}
	}
	h.record(c, ActionBindingChanged, binding.Channel.String()+":"+binding.ReceiverID, "tenant="+binding.TenantID)
	return c.JSON(http.StatusOK, binding)
}

// ListChannels godoc
// @Summary List registered channels and their capabilities
// @Tags admin
// @Success 200 {array} channel.Descriptor
// @Router /admin/channels [get]
func (h *AdminHandler) ListChannels(c echo.Context) error {
	return c.JSON(http.StatusOK, h.deps.Registry.ListDescriptors())
}

func (h *AdminHandler) view(item retryqueue.Delivery) DeliveryView {
	return DeliveryView{Delivery: item, Exhausted: item.Exhausted(h.deps.Processor.MaxAttempts())}
}

func (h *AdminHandler) record(c echo.Context, action, resource, detail string) {
	operator, _ := auth.SubjectFromContext(c)
	h.logger.Info("operator action",
		slog.String("action", action),
		slog.String("operator", operator),
		slog.String("resource", resource))
	if err := h.deps.Audit.Append(c.Request().Context(), audit.Entry{
		Action:         action,
		ActorID:        operator,
		Resource:       resource,
		Detail:         detail,
		ClearanceLevel: audit.ClearanceInternal,
	}); err != nil {
		h.logger.Error("audit append failed", slog.String("action", action), slog.Any("error", err))
	}
}

func parseLimit(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return 0
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func queueError(err error) error {
	if errors.Is(err, retryqueue.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func identityError(err error) error {
	if errors.Is(err, identity.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
