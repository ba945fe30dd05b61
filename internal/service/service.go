package service

import (
	"context"
	"errors"
	"time"

	"surplus-service/internal/apperr"
	"surplus-service/internal/models"
	"surplus-service/internal/payment"
	"surplus-service/internal/store"

	"github.com/google/uuid"
)

// Store is the persistence contract implemented by store.Store and memstore.Store
type Store interface {
	CreateMenu(ctx context.Context, menu *models.Menu) error
	CreateSeriesMenu(ctx context.Context, menu *models.Menu) (bool, error)
	GetMenu(ctx context.Context, id string) (*models.Menu, error)
	ListMenus(ctx context.Context, cafeteriaID string, date time.Time) ([]models.Menu, error)
	ListSeriesMenus(ctx context.Context, seriesID string) ([]models.Menu, error)
	AddStock(ctx context.Context, menuID string, quantity int) (*models.Menu, error)
	DeleteMenu(ctx context.Context, id string) error

	ReserveUnit(ctx context.Context, r *models.Reservation, now time.Time) error
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	FindReservationsByCode(ctx context.Context, code string, date time.Time) ([]models.Reservation, error)
	ListReservationsByUser(ctx context.Context, userID string) ([]models.Reservation, error)
	ConfirmReservation(ctx context.Context, id, paymentRef string) (bool, error)
	ExpireReservation(ctx context.Context, id string) (bool, error)
	MarkPickedUp(ctx context.Context, id string, at time.Time) (bool, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error)

	CreateSeries(ctx context.Context, series *models.RecurringSeries) error
	GetSeries(ctx context.Context, id string) (*models.RecurringSeries, error)
	ListActiveSeries(ctx context.Context) ([]models.RecurringSeries, error)
	DeactivateSeries(ctx context.Context, id string) error

	UpsertSubscription(ctx context.Context, userID string, planAmount int, period string) (*models.SubscriptionCredit, error)
	GetCredit(ctx context.Context, userID string) (*models.SubscriptionCredit, error)
	ConsumeCredit(ctx context.Context, userID, period string) (*models.SubscriptionCredit, error)
	RefundCredit(ctx context.Context, userID, period string) (bool, error)
	RolloverCredit(ctx context.Context, userID, period string) (*models.SubscriptionCredit, bool, error)
	ListStaleSubscriptions(ctx context.Context, period string) ([]string, error)

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
	Ping(ctx context.Context) error
}

var _ Store = (*store.Store)(nil)

// EventPublisher publishes domain events. Failures are logged by callers, never
// returned to the user: the state change has already been committed.
type EventPublisher interface {
	PublishReservationEvent(ctx context.Context, event *models.ReservationEvent) error
	PublishMenuGenerated(ctx context.Context, event *models.MenuGeneratedEvent) error
	PublishStockAdjusted(ctx context.Context, event *models.StockAdjustedEvent) error
	PublishCreditConsumed(ctx context.Context, event *models.CreditConsumedEvent) error
}

// PaymentGateway opens a checkout for a pending reservation
type PaymentGateway interface {
	CreateCheckout(ctx context.Context, r *models.Reservation, menu *models.Menu) (*payment.Checkout, error)
}

// Clock returns the current time
type Clock func() time.Time

func baseEvent(eventType string, at time.Time) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: at,
	}
}

// localDate returns the calendar date of t in loc, as UTC midnight
func localDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// storeError translates store sentinels into domain errors
func storeError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return apperr.Wrap(err, apperr.CodeNotFound, "%s not found", what)
	case errors.Is(err, store.ErrOutOfStock):
		return apperr.Wrap(err, apperr.CodeOutOfStock, "no units left")
	case errors.Is(err, store.ErrMenuClosed):
		return apperr.Wrap(err, apperr.CodeMenuClosed, "reservation window is closed")
	case errors.Is(err, store.ErrDuplicateReservation):
		return apperr.Wrap(err, apperr.CodeDuplicateReservation, "user already holds an active reservation on this menu")
	case errors.Is(err, store.ErrMenuInUse):
		return apperr.Wrap(err, apperr.CodeMenuInUse, "menu has live reservations")
	case errors.Is(err, store.ErrNoCredits):
		return apperr.Wrap(err, apperr.CodeNoCredits, "no subscription credits left")
	}
	return err
}
