package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"surplus-service/internal/apperr"
	"surplus-service/internal/lock"
	"surplus-service/internal/models"
	"surplus-service/internal/util"

	"go.uber.org/zap"
)

// PickupValidator checks pickup codes at the counter and redeems them
type PickupValidator struct {
	store     Store
	locker    lock.Locker
	publisher EventPublisher
	policy    *Policy
	logger    *zap.Logger
	loc       *time.Location
	now       Clock
}

// NewPickupValidator creates a new validator
func NewPickupValidator(store Store, locker lock.Locker, publisher EventPublisher, policy *Policy, loc *time.Location, now Clock) *PickupValidator {
	if now == nil {
		now = time.Now
	}
	return &PickupValidator{
		store:     store,
		locker:    locker,
		publisher: publisher,
		policy:    policy,
		logger:    util.GetLogger(),
		loc:       loc,
		now:       now,
	}
}

// Validate resolves a code presented today at cafeteriaID and checks it can be redeemed
func (p *PickupValidator) Validate(ctx context.Context, actor Actor, code, cafeteriaID string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "PickupValidator.Validate")
	defer span.End()

	if err := p.policy.Authorize(actor, OpValidatePickup, Target{CafeteriaID: cafeteriaID}); err != nil {
		return nil, err
	}
	return p.validate(ctx, code, cafeteriaID)
}

func (p *PickupValidator) validate(ctx context.Context, code, cafeteriaID string) (*models.Reservation, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || cafeteriaID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "code and cafeteria_id are required")
	}

	matches, err := p.store.FindReservationsByCode(ctx, code, localDate(p.now(), p.loc))
	if err != nil {
		return nil, fmt.Errorf("failed to look up pickup code: %w", err)
	}

	var found *models.Reservation
	for i := range matches {
		if matches[i].CafeteriaID == cafeteriaID {
			found = &matches[i]
			break
		}
	}
	if found == nil {
		if len(matches) > 0 {
			return nil, apperr.New(apperr.CodeWrongCafeteria, "code %s belongs to another cafeteria", code)
		}
		return nil, apperr.New(apperr.CodeNotFound, "no reservation for code %s today", code)
	}

	if err := checkRedeemable(found); err != nil {
		return nil, err
	}
	return found, nil
}

func checkRedeemable(r *models.Reservation) error {
	switch r.Status {
	case models.ReservationStatusConfirmed:
		return nil
	case models.ReservationStatusPickedUp:
		return apperr.New(apperr.CodeAlreadyPickedUp, "reservation %s already picked up", r.ID)
	}
	return apperr.New(apperr.CodeNotPaid, "reservation %s is %s", r.ID, r.Status)
}

// MarkPickedUp moves a confirmed reservation to picked_up; a second call fails
// ALREADY_PICKED_UP
func (p *PickupValidator) MarkPickedUp(ctx context.Context, actor Actor, reservationID string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "PickupValidator.MarkPickedUp")
	defer span.End()

	r, err := p.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, storeError(err, "reservation")
	}
	if err := p.policy.Authorize(actor, OpValidatePickup, Target{CafeteriaID: r.CafeteriaID, UserID: r.UserID}); err != nil {
		return nil, err
	}
	return p.markPickedUp(ctx, reservationID)
}

func (p *PickupValidator) markPickedUp(ctx context.Context, reservationID string) (*models.Reservation, error) {
	applied, err := p.store.MarkPickedUp(ctx, reservationID, p.now())
	if err != nil {
		return nil, fmt.Errorf("failed to mark picked up: %w", err)
	}

	r, err := p.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, storeError(err, "reservation")
	}

	if !applied {
		if r.Status == models.ReservationStatusPickedUp {
			util.DuplicateDeliveriesTotal.WithLabelValues("pickup").Inc()
		}
		if err := checkRedeemable(r); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("reservation %s changed concurrently", r.ID)
	}

	util.ReservationsPickedUpTotal.Inc()
	p.logger.Info("Reservation picked up",
		zap.String("reservation_id", r.ID),
		zap.String("cafeteria_id", r.CafeteriaID))

	event := &models.ReservationEvent{
		BaseEvent:     baseEvent(models.EventTypeReservationPickedUp, p.now()),
		ReservationID: r.ID,
		MenuID:        r.MenuID,
		UserID:        r.UserID,
		CafeteriaID:   r.CafeteriaID,
		Status:        r.Status,
		PaymentMethod: r.PaymentMethod,
		PaymentRef:    r.PaymentRef,
	}
	if err := p.publisher.PublishReservationEvent(ctx, event); err != nil {
		p.logger.Error("Failed to publish PickedUp event", zap.Error(err))
	}
	return r, nil
}

// Redeem validates a code and marks it picked up while holding the reservation's
// lock, so two simultaneous scans cannot both succeed
func (p *PickupValidator) Redeem(ctx context.Context, actor Actor, code, cafeteriaID string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "PickupValidator.Redeem")
	defer span.End()

	r, err := p.Validate(ctx, actor, code, cafeteriaID)
	if err != nil {
		return nil, err
	}

	unlock, err := p.locker.Lock(ctx, "pickup:"+r.ID)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, apperr.New(apperr.CodePickupInProgress, "reservation %s is being redeemed", r.ID)
		}
		return nil, fmt.Errorf("failed to lock reservation: %w", err)
	}
	defer unlock()

	if _, err := p.validate(ctx, code, cafeteriaID); err != nil {
		return nil, err
	}
	return p.markPickedUp(ctx, r.ID)
}
