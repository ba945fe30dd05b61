package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"time"

	"surplus-service/internal/apperr"
	"surplus-service/internal/models"
	"surplus-service/internal/payment"
	"surplus-service/internal/service"
	"surplus-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxWebhookBytes = 64 << 10

// Services groups the engine components served over HTTP
type Services struct {
	Catalog     *service.MenuCatalog
	Scheduler   *service.RecurringMenuScheduler
	Coordinator *service.ReservationCoordinator
	Ledger      *service.SubscriptionLedger
	Pickup      *service.PickupValidator
	Voice       *service.VoiceStockAdjuster
}

// Pinger reports whether a backing dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// WebhookParser verifies and decodes a gateway webhook
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*models.PaymentCallback, error)
}

// Config tunes the HTTP surface
type Config struct {
	CallbackSecret       string
	RoleOverride         string
	ReserveRatePerMinute int
	ReserveBurst         int
}

// Handler contains HTTP handlers
type Handler struct {
	svc      Services
	deps     []Pinger
	webhooks WebhookParser
	cfg      Config
	limiter  *userRateLimiter
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler. webhooks may be nil when no gateway is
// configured; deps are pinged by the readiness probe.
func NewHandler(svc Services, webhooks WebhookParser, cfg Config, deps ...Pinger) *Handler {
	return &Handler{
		svc:      svc,
		deps:     deps,
		webhooks: webhooks,
		cfg:      cfg,
		limiter:  newUserRateLimiter(cfg.ReserveRatePerMinute, cfg.ReserveBurst),
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/payments/callback", h.paymentCallback)
		v1.POST("/payments/stripe/webhook", h.stripeWebhook)
	}

	authed := v1.Group("", actorMiddleware(h.cfg.RoleOverride))
	{
		authed.GET("/cafeterias/:cafeteria_id/menus", h.listMenus)
		authed.POST("/menus", h.createMenu)
		authed.GET("/menus/:id", h.getMenu)
		authed.DELETE("/menus/:id", h.deleteMenu)

		authed.POST("/series", h.createSeries)
		authed.GET("/series/:id", h.getSeries)
		authed.GET("/series/:id/menus", h.listSeriesMenus)
		authed.POST("/series/:id/expand", h.expandSeries)
		authed.DELETE("/series/:id", h.deactivateSeries)

		authed.POST("/reservations", h.limiter.middleware(), h.reserve)
		authed.GET("/reservations/:id", h.getReservation)
		authed.POST("/reservations/:id/pickup", h.markPickedUp)
		authed.GET("/users/:user_id/reservations", h.listUserReservations)

		authed.POST("/pickups/validate", h.validatePickup)
		authed.POST("/pickups/redeem", h.redeemPickup)

		authed.PUT("/users/:user_id/subscription", h.subscribe)
		authed.GET("/users/:user_id/subscription", h.getBalance)

		authed.POST("/voice/parse", h.parseVoice)
		authed.POST("/voice/deltas", h.stageDelta)
		authed.POST("/voice/deltas/:id/confirm", h.confirmDelta)
		authed.DELETE("/voice/deltas/:id", h.discardDelta)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings the store and the other backing services
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	for _, d := range h.deps {
		if err := d.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// parseDate reads an optional YYYY-MM-DD query parameter
func parseDate(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	d, err := time.Parse(models.DateLayout, raw)
	if err != nil {
		return time.Time{}, apperr.Wrap(err, apperr.CodeInvalidInput, "%s must be YYYY-MM-DD", name)
	}
	return d, nil
}

// Menus

func (h *Handler) createMenu(c *gin.Context) {
	var req service.CreateMenuRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	menu, err := h.svc.Catalog.CreateMenu(c.Request.Context(), actorFrom(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, menu)
}

func (h *Handler) listMenus(c *gin.Context) {
	date, err := parseDate(c, "date")
	if err != nil {
		respondError(c, err)
		return
	}

	menus, err := h.svc.Catalog.ListMenus(c.Request.Context(), actorFrom(c), c.Param("cafeteria_id"), date)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"menus": menus})
}

func (h *Handler) getMenu(c *gin.Context) {
	menu, err := h.svc.Catalog.GetMenu(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, menu)
}

func (h *Handler) deleteMenu(c *gin.Context) {
	if err := h.svc.Catalog.DeleteMenu(c.Request.Context(), actorFrom(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Recurring series

func (h *Handler) createSeries(c *gin.Context) {
	var req service.CreateSeriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	series, result, err := h.svc.Scheduler.CreateSeries(c.Request.Context(), actorFrom(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"series":    series,
		"expansion": result,
	})
}

func (h *Handler) getSeries(c *gin.Context) {
	series, err := h.svc.Scheduler.GetSeries(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, series)
}

func (h *Handler) listSeriesMenus(c *gin.Context) {
	menus, err := h.svc.Scheduler.ListSeriesMenus(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"menus": menus})
}

// expandSeries is the manual trigger; ?date= picks the run date (default now)
func (h *Handler) expandSeries(c *gin.Context) {
	runDate, err := parseDate(c, "date")
	if err != nil {
		respondError(c, err)
		return
	}

	result, err := h.svc.Scheduler.ExpandSeries(c.Request.Context(), actorFrom(c), c.Param("id"), runDate)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) deactivateSeries(c *gin.Context) {
	if err := h.svc.Scheduler.DeactivateSeries(c.Request.Context(), actorFrom(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Reservations

func (h *Handler) reserve(c *gin.Context) {
	var req service.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	result, err := h.svc.Coordinator.Reserve(c.Request.Context(), actorFrom(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handler) getReservation(c *gin.Context) {
	r, err := h.svc.Coordinator.GetReservation(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) listUserReservations(c *gin.Context) {
	list, err := h.svc.Coordinator.ListUserReservations(c.Request.Context(), actorFrom(c), c.Param("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservations": list})
}

// Payments

// paymentCallback receives gateway outcomes. Deliveries may repeat.
func (h *Handler) paymentCallback(c *gin.Context) {
	if h.cfg.CallbackSecret == "" {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   apperr.CodeNotFound,
			"message": "payment callbacks are not configured",
		})
		return
	}
	got := c.GetHeader(HeaderCallback)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.CallbackSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "UNAUTHENTICATED",
			"message": "invalid callback secret",
		})
		return
	}

	var cb models.PaymentCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		respondBindError(c, err)
		return
	}

	r, err := h.svc.Coordinator.HandlePaymentCallback(c.Request.Context(), &cb)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// stripeWebhook verifies a Stripe event and applies it as a payment callback.
// Definitive rejections are acknowledged so Stripe stops redelivering them.
func (h *Handler) stripeWebhook(c *gin.Context) {
	if h.webhooks == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": apperr.CodeNotFound, "message": "no payment gateway configured"})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.CodeInvalidInput, "message": "unreadable body"})
		return
	}

	cb, err := h.webhooks.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if errors.Is(err, payment.ErrIgnoredEvent) {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		h.logger.Warn("Rejected gateway webhook", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.CodeInvalidInput, "message": err.Error()})
		return
	}

	r, err := h.svc.Coordinator.HandlePaymentCallback(c.Request.Context(), cb)
	if err != nil {
		if apperr.KindOf(err) != "" && !apperr.Retryable(err) {
			h.logger.Warn("Gateway webhook not applied",
				zap.String("event_id", cb.EventID),
				zap.String("reservation_id", cb.ReservationID),
				zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"status": "rejected", "error": apperr.CodeOf(err)})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "applied", "reservation": r})
}

// Pickup

type pickupRequest struct {
	Code        string `json:"code" binding:"required"`
	CafeteriaID string `json:"cafeteria_id" binding:"required"`
}

func (h *Handler) validatePickup(c *gin.Context) {
	var req pickupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	r, err := h.svc.Pickup.Validate(c.Request.Context(), actorFrom(c), req.Code, req.CafeteriaID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) redeemPickup(c *gin.Context) {
	var req pickupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	r, err := h.svc.Pickup.Redeem(c.Request.Context(), actorFrom(c), req.Code, req.CafeteriaID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) markPickedUp(c *gin.Context) {
	r, err := h.svc.Pickup.MarkPickedUp(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// Subscriptions

type subscribeRequest struct {
	PlanAmount int `json:"plan_amount" binding:"required,min=1"`
}

func (h *Handler) subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	credit, err := h.svc.Ledger.Subscribe(c.Request.Context(), actorFrom(c), c.Param("user_id"), req.PlanAmount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, credit)
}

func (h *Handler) getBalance(c *gin.Context) {
	credit, err := h.svc.Ledger.GetBalance(c.Request.Context(), actorFrom(c), c.Param("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"credit":    credit,
		"remaining": credit.Remaining(),
	})
}

// Voice stock corrections

type parseVoiceRequest struct {
	CafeteriaID string `json:"cafeteria_id" binding:"required"`
	Date        string `json:"date"`
	Transcript  string `json:"transcript" binding:"required"`
}

func (h *Handler) parseVoice(c *gin.Context) {
	var req parseVoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	var date time.Time
	if req.Date != "" {
		d, err := time.Parse(models.DateLayout, req.Date)
		if err != nil {
			respondError(c, apperr.Wrap(err, apperr.CodeInvalidInput, "date must be YYYY-MM-DD"))
			return
		}
		date = d
	}

	result, err := h.svc.Voice.ParseCommand(c.Request.Context(), actorFrom(c), req.CafeteriaID, date, req.Transcript)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) stageDelta(c *gin.Context) {
	var req service.CandidateDelta
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBindError(c, err)
		return
	}

	delta, err := h.svc.Voice.StageDelta(c.Request.Context(), actorFrom(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, delta)
}

func (h *Handler) confirmDelta(c *gin.Context) {
	menu, err := h.svc.Voice.ConfirmDelta(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, menu)
}

func (h *Handler) discardDelta(c *gin.Context) {
	if err := h.svc.Voice.DiscardDelta(c.Request.Context(), actorFrom(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
