package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"surplus-service/internal/apperr"
	"surplus-service/internal/models"
	"surplus-service/internal/payment"
	"surplus-service/internal/store"
	"surplus-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Expiry reasons
const (
	ExpireReasonTimeout       = "payment_timeout"
	ExpireReasonPaymentFailed = "payment_failed"
	ExpireReasonCreditFailed  = "credit_failed"
	ExpireReasonGateway       = "gateway_unavailable"
)

// CoordinatorConfig tunes the reservation flow
type CoordinatorConfig struct {
	PaymentTimeout     time.Duration
	PickupCodeAttempts int
	Now                Clock
}

// ReservationCoordinator turns menu units into reservations and drives them
// through payment: pending_payment -> confirmed, or pending_payment -> expired
// with the unit returned to stock.
type ReservationCoordinator struct {
	store     Store
	ledger    *SubscriptionLedger
	gateway   PaymentGateway
	publisher EventPublisher
	policy    *Policy
	logger    *zap.Logger

	paymentTimeout time.Duration
	codeAttempts   int
	now            Clock
	newCode        func() (string, error)
}

// NewReservationCoordinator creates a new coordinator. gateway may be nil, in which
// case gateway reservations stay pending until a payment callback arrives.
func NewReservationCoordinator(
	store Store,
	ledger *SubscriptionLedger,
	gateway PaymentGateway,
	publisher EventPublisher,
	policy *Policy,
	cfg CoordinatorConfig,
) *ReservationCoordinator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PickupCodeAttempts <= 0 {
		cfg.PickupCodeAttempts = 5
	}
	return &ReservationCoordinator{
		store:          store,
		ledger:         ledger,
		gateway:        gateway,
		publisher:      publisher,
		policy:         policy,
		logger:         util.GetLogger(),
		paymentTimeout: cfg.PaymentTimeout,
		codeAttempts:   cfg.PickupCodeAttempts,
		now:            cfg.Now,
		newCode:        NewPickupCode,
	}
}

// ReserveRequest represents a request to reserve one unit of a menu
type ReserveRequest struct {
	MenuID        string `json:"menu_id" binding:"required"`
	PaymentMethod string `json:"payment_method" binding:"required,oneof=gateway credit"`
}

// ReserveResult carries the reservation and, for gateway payments, the checkout
// the client should redirect to
type ReserveResult struct {
	Reservation *models.Reservation `json:"reservation"`
	Checkout    *payment.Checkout   `json:"checkout,omitempty"`
}

// Reserve claims one unit of a menu for the actor
func (c *ReservationCoordinator) Reserve(ctx context.Context, actor Actor, req *ReserveRequest) (*ReserveResult, error) {
	ctx, span := util.StartSpan(ctx, "ReservationCoordinator.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReserveLatency.Observe(time.Since(start).Seconds())
	}()

	if actor.UserID == "" || req.MenuID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "user and menu_id are required")
	}
	if req.PaymentMethod != models.PaymentMethodGateway && req.PaymentMethod != models.PaymentMethodCredit {
		return nil, apperr.New(apperr.CodeInvalidInput, "payment_method must be gateway or credit")
	}

	menu, err := c.store.GetMenu(ctx, req.MenuID)
	if err != nil {
		return nil, storeError(err, "menu")
	}
	if err := c.policy.Authorize(actor, OpReserve, Target{CafeteriaID: menu.CafeteriaID, UserID: actor.UserID}); err != nil {
		return nil, err
	}

	now := c.now()
	if !menu.ReservationOpen(now) {
		util.ReservationsRejectedTotal.WithLabelValues("menu_closed").Inc()
		return nil, apperr.New(apperr.CodeMenuClosed, "reservation window for menu %s is closed", menu.ID)
	}

	r := &models.Reservation{
		ID:            uuid.New().String(),
		MenuID:        menu.ID,
		UserID:        actor.UserID,
		Status:        models.ReservationStatusPendingPayment,
		PricePaid:     menu.PriceDiscounted,
		PaymentMethod: req.PaymentMethod,
		ExpiresAt:     now.Add(c.paymentTimeout),
	}

	// The credit is spent before the unit is taken and refunded if no unit is taken
	var credit *models.SubscriptionCredit
	if req.PaymentMethod == models.PaymentMethodCredit {
		r.PricePaid = 0
		credit, err = c.ledger.ConsumeCredit(ctx, r.UserID)
		if err != nil {
			util.ReservationsRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
			return nil, err
		}
	}

	if err := c.reserveUnit(ctx, r, now); err != nil {
		util.ReservationsRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		if credit != nil {
			c.refundCredit(ctx, r.UserID, credit.Period)
		}
		return nil, err
	}

	util.ReservationsCreatedTotal.WithLabelValues(r.PaymentMethod).Inc()
	c.logger.Info("Reservation created",
		zap.String("reservation_id", r.ID),
		zap.String("menu_id", r.MenuID),
		zap.String("user_id", r.UserID),
		zap.String("payment_method", r.PaymentMethod))
	c.publish(ctx, models.EventTypeReservationCreated, r, "")

	if credit != nil {
		confirmed, err := c.settleWithCredit(ctx, r, credit)
		if err != nil {
			return nil, err
		}
		return &ReserveResult{Reservation: confirmed}, nil
	}

	result := &ReserveResult{Reservation: r}
	if c.gateway == nil {
		return result, nil
	}

	checkout, err := c.gateway.CreateCheckout(ctx, r, menu)
	if err != nil {
		c.logger.Error("Payment gateway unavailable, releasing unit",
			zap.String("reservation_id", r.ID),
			zap.Error(err))
		if _, expErr := c.expire(ctx, r.ID, ExpireReasonGateway); expErr != nil {
			c.logger.Error("Failed to release unit", zap.String("reservation_id", r.ID), zap.Error(expErr))
		}
		return nil, apperr.Wrap(err, apperr.CodeGatewayUnavailable, "payment provider unavailable")
	}
	result.Checkout = checkout
	return result, nil
}

// reserveUnit performs the atomic check-and-decrement, regenerating the pickup
// code on collision
func (c *ReservationCoordinator) reserveUnit(ctx context.Context, r *models.Reservation, now time.Time) error {
	for attempt := 1; attempt <= c.codeAttempts; attempt++ {
		code, err := c.newCode()
		if err != nil {
			return fmt.Errorf("failed to generate pickup code: %w", err)
		}
		r.PickupCode = code

		err = c.store.ReserveUnit(ctx, r, now)
		if errors.Is(err, store.ErrPickupCodeTaken) {
			c.logger.Debug("Pickup code collision", zap.String("menu_id", r.MenuID), zap.Int("attempt", attempt))
			continue
		}
		return storeError(err, "menu")
	}
	return fmt.Errorf("no free pickup code after %d attempts", c.codeAttempts)
}

func rejectReason(err error) string {
	switch apperr.CodeOf(err) {
	case apperr.CodeOutOfStock:
		return "out_of_stock"
	case apperr.CodeDuplicateReservation:
		return "duplicate"
	case apperr.CodeMenuClosed:
		return "menu_closed"
	case apperr.CodeNotFound:
		return "not_found"
	case apperr.CodeNoCredits:
		return "no_credits"
	}
	return "error"
}

// settleWithCredit confirms a reservation paid with an already consumed credit.
// If confirmation fails the credit is refunded and the unit released.
func (c *ReservationCoordinator) settleWithCredit(ctx context.Context, r *models.Reservation, credit *models.SubscriptionCredit) (*models.Reservation, error) {
	confirmed, err := c.ConfirmPayment(ctx, r.ID, "credit:"+credit.Period)
	if err != nil {
		c.refundCredit(ctx, r.UserID, credit.Period)
		if _, expErr := c.expire(ctx, r.ID, ExpireReasonCreditFailed); expErr != nil {
			c.logger.Error("Failed to release unit", zap.String("reservation_id", r.ID), zap.Error(expErr))
		}
		return nil, err
	}

	event := &models.CreditConsumedEvent{
		BaseEvent:     baseEvent(models.EventTypeCreditConsumed, c.now()),
		UserID:        credit.UserID,
		Period:        credit.Period,
		CreditsUsed:   credit.CreditsUsed,
		CreditsTotal:  credit.CreditsTotal,
		ReservationID: r.ID,
	}
	if err := c.publisher.PublishCreditConsumed(ctx, event); err != nil {
		c.logger.Error("Failed to publish CreditConsumed event", zap.Error(err))
	}
	return confirmed, nil
}

func (c *ReservationCoordinator) refundCredit(ctx context.Context, userID, period string) {
	if _, err := c.ledger.RefundCredit(ctx, userID, period); err != nil {
		c.logger.Error("Failed to refund credit", zap.String("user_id", userID), zap.Error(err))
	}
}

// ConfirmPayment moves a reservation from pending_payment to confirmed. Replays with
// the same payment_ref return the current state; a different ref is rejected.
func (c *ReservationCoordinator) ConfirmPayment(ctx context.Context, reservationID, paymentRef string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationCoordinator.ConfirmPayment")
	defer span.End()

	if reservationID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "reservation_id is required")
	}
	if paymentRef == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "payment_ref is required")
	}

	applied, err := c.store.ConfirmReservation(ctx, reservationID, paymentRef)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm reservation: %w", err)
	}

	r, err := c.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, storeError(err, "reservation")
	}

	if applied {
		util.ReservationsConfirmedTotal.WithLabelValues(r.PaymentMethod).Inc()
		c.logger.Info("Reservation confirmed",
			zap.String("reservation_id", r.ID),
			zap.String("payment_ref", paymentRef))
		c.publish(ctx, models.EventTypeReservationConfirmed, r, "")
		return r, nil
	}

	switch r.Status {
	case models.ReservationStatusConfirmed, models.ReservationStatusPickedUp:
		if r.PaymentRef != paymentRef {
			return nil, apperr.New(apperr.CodeAlreadyConfirmed,
				"reservation %s already confirmed with a different payment", r.ID)
		}
		util.DuplicateDeliveriesTotal.WithLabelValues("confirm").Inc()
		c.logger.Info("Duplicate confirmation ignored", zap.String("reservation_id", r.ID))
		return r, nil
	case models.ReservationStatusExpired:
		c.logger.Error("Payment received for expired reservation",
			zap.String("reservation_id", r.ID),
			zap.String("payment_ref", paymentRef))
		return nil, apperr.New(apperr.CodeReservationExpired, "reservation %s has expired", r.ID)
	}
	return nil, fmt.Errorf("reservation %s in unexpected status %s", r.ID, r.Status)
}

// FailPayment releases the unit of a reservation whose payment failed
func (c *ReservationCoordinator) FailPayment(ctx context.Context, reservationID string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationCoordinator.FailPayment")
	defer span.End()

	return c.expire(ctx, reservationID, ExpireReasonPaymentFailed)
}

// Expire releases the unit of an unpaid reservation
func (c *ReservationCoordinator) Expire(ctx context.Context, reservationID string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationCoordinator.Expire")
	defer span.End()

	return c.expire(ctx, reservationID, ExpireReasonTimeout)
}

// expire applies pending_payment -> expired together with the stock compensation.
// Only the call that wins the transition compensates; every other call is a no-op.
func (c *ReservationCoordinator) expire(ctx context.Context, reservationID, reason string) (*models.Reservation, error) {
	if reservationID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "reservation_id is required")
	}

	applied, err := c.store.ExpireReservation(ctx, reservationID)
	if err != nil {
		return nil, fmt.Errorf("failed to expire reservation: %w", err)
	}

	r, err := c.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, storeError(err, "reservation")
	}

	if applied {
		util.ReservationsExpiredTotal.WithLabelValues(reason).Inc()
		c.logger.Info("Reservation expired",
			zap.String("reservation_id", r.ID),
			zap.String("reason", reason))
		c.publish(ctx, models.EventTypeReservationExpired, r, reason)
		return r, nil
	}

	util.DuplicateDeliveriesTotal.WithLabelValues("expire").Inc()
	if r.Status != models.ReservationStatusExpired {
		c.logger.Warn("Expiry ignored for settled reservation",
			zap.String("reservation_id", r.ID),
			zap.String("status", r.Status),
			zap.String("reason", reason))
	}
	return r, nil
}

// HandlePaymentCallback applies a gateway outcome. Deliveries carrying an event id
// are recorded so a replay is answered without touching the reservation.
func (c *ReservationCoordinator) HandlePaymentCallback(ctx context.Context, cb *models.PaymentCallback) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationCoordinator.HandlePaymentCallback")
	defer span.End()

	if cb.EventID != "" {
		processed, err := c.store.IsEventProcessed(ctx, cb.EventID)
		if err != nil {
			return nil, fmt.Errorf("failed to check event: %w", err)
		}
		if processed {
			util.DuplicateDeliveriesTotal.WithLabelValues("callback").Inc()
			c.logger.Info("Payment event already processed", zap.String("event_id", cb.EventID))
			r, err := c.store.GetReservation(ctx, cb.ReservationID)
			return r, storeError(err, "reservation")
		}
	}

	var (
		r   *models.Reservation
		err error
	)
	switch cb.Status {
	case models.PaymentStatusSucceeded:
		r, err = c.ConfirmPayment(ctx, cb.ReservationID, cb.PaymentRef)
	case models.PaymentStatusFailed:
		r, err = c.FailPayment(ctx, cb.ReservationID)
	default:
		return nil, apperr.New(apperr.CodeInvalidInput, "unknown payment status %q", cb.Status)
	}

	// Definitive outcomes are recorded too, so retries do not re-run them
	if cb.EventID != "" && (err == nil || (apperr.KindOf(err) != "" && !apperr.Retryable(err))) {
		if markErr := c.store.MarkEventProcessed(ctx, cb.EventID, models.EventTypePaymentResult); markErr != nil {
			c.logger.Error("Failed to mark event processed", zap.String("event_id", cb.EventID), zap.Error(markErr))
		}
	}
	return r, err
}

// SweepExpired expires up to limit pending reservations whose payment deadline
// has passed and returns how many it expired
func (c *ReservationCoordinator) SweepExpired(ctx context.Context, limit int) (int, error) {
	ctx, span := util.StartSpan(ctx, "ReservationCoordinator.SweepExpired")
	defer span.End()

	due, err := c.store.ListExpiredPending(ctx, c.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired reservations: %w", err)
	}

	count := 0
	for _, r := range due {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		got, err := c.expire(ctx, r.ID, ExpireReasonTimeout)
		if err != nil {
			c.logger.Error("Failed to expire reservation", zap.String("reservation_id", r.ID), zap.Error(err))
			continue
		}
		if got.Status == models.ReservationStatusExpired {
			count++
		}
	}

	if count > 0 {
		c.logger.Info("Expired unpaid reservations", zap.Int("count", count))
	}
	return count, nil
}

// GetReservation returns a reservation to its owner or to pickup staff
func (c *ReservationCoordinator) GetReservation(ctx context.Context, actor Actor, id string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationCoordinator.GetReservation")
	defer span.End()

	r, err := c.store.GetReservation(ctx, id)
	if err != nil {
		return nil, storeError(err, "reservation")
	}
	if r.UserID != actor.UserID {
		if err := c.policy.Authorize(actor, OpValidatePickup, Target{CafeteriaID: r.CafeteriaID, UserID: r.UserID}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ListUserReservations lists a user's reservations, newest first
func (c *ReservationCoordinator) ListUserReservations(ctx context.Context, actor Actor, userID string) ([]models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationCoordinator.ListUserReservations")
	defer span.End()

	if userID != actor.UserID {
		if err := c.policy.Authorize(actor, OpManageSubscription, Target{UserID: userID}); err != nil {
			return nil, err
		}
	}
	return c.store.ListReservationsByUser(ctx, userID)
}

func (c *ReservationCoordinator) publish(ctx context.Context, eventType string, r *models.Reservation, reason string) {
	event := &models.ReservationEvent{
		BaseEvent:     baseEvent(eventType, c.now()),
		ReservationID: r.ID,
		MenuID:        r.MenuID,
		UserID:        r.UserID,
		CafeteriaID:   r.CafeteriaID,
		Status:        r.Status,
		PaymentMethod: r.PaymentMethod,
		PaymentRef:    r.PaymentRef,
		Reason:        reason,
	}
	if err := c.publisher.PublishReservationEvent(ctx, event); err != nil {
		c.logger.Error("Failed to publish reservation event",
			zap.String("type", eventType),
			zap.String("reservation_id", r.ID),
			zap.Error(err))
	}
}
