package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"surplus-service/internal/models"
)

const reservationColumns = `id, menu_id, user_id, cafeteria_id, pickup_date, status, pickup_code,
	price_paid, payment_method, payment_ref, expires_at, picked_up_at, created_at, updated_at`

// ReserveUnit claims one unit of the reservation's menu and inserts the reservation
// in a single transaction. The stock decrement is a conditional update, so two
// concurrent calls can never both take the last unit.
func (s *Store) ReserveUnit(ctx context.Context, r *models.Reservation, now time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var held bool
	err = tx.GetContext(ctx, &held, `
		SELECT EXISTS(SELECT 1 FROM reservations
		WHERE menu_id = $1 AND user_id = $2 AND status IN ('pending_payment', 'confirmed'))`,
		r.MenuID, r.UserID)
	if err != nil {
		return err
	}
	if held {
		return ErrDuplicateReservation
	}

	var menu models.Menu
	err = tx.GetContext(ctx, &menu, `
		UPDATE menus
		SET stock_available = stock_available - 1, updated_at = NOW()
		WHERE id = $1 AND stock_available > 0 AND reservation_start <= $2 AND reservation_end > $2
		RETURNING `+menuColumns, r.MenuID, now)
	if errors.Is(err, sql.ErrNoRows) {
		return s.classifyReserveMiss(ctx, tx, r.MenuID, now)
	}
	if err != nil {
		return fmt.Errorf("failed to decrement stock: %w", err)
	}

	r.CafeteriaID = menu.CafeteriaID
	r.PickupDate = dateOnly(menu.Date)

	err = tx.QueryRowxContext(ctx, `
		INSERT INTO reservations (id, menu_id, user_id, cafeteria_id, pickup_date, status, pickup_code,
			price_paid, payment_method, payment_ref, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		r.ID, r.MenuID, r.UserID, r.CafeteriaID, r.PickupDate, r.Status, r.PickupCode,
		r.PricePaid, r.PaymentMethod, r.PaymentRef, r.ExpiresAt,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			switch constraint {
			case constraintActiveUserMenu:
				return ErrDuplicateReservation
			case constraintPickupCode:
				return ErrPickupCodeTaken
			}
		}
		return fmt.Errorf("failed to insert reservation: %w", err)
	}

	return tx.Commit()
}

// classifyReserveMiss explains why the conditional decrement matched no row
func (s *Store) classifyReserveMiss(ctx context.Context, tx sqlxGetter, menuID string, now time.Time) error {
	var menu models.Menu
	err := tx.GetContext(ctx, &menu, "SELECT "+menuColumns+" FROM menus WHERE id = $1", menuID)
	if err != nil {
		return notFound(err)
	}
	if !menu.ReservationOpen(now) {
		return ErrMenuClosed
	}
	return ErrOutOfStock
}

type sqlxGetter interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// GetReservation retrieves a reservation by ID
func (s *Store) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	var r models.Reservation
	err := s.db.GetContext(ctx, &r, "SELECT "+reservationColumns+" FROM reservations WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// FindReservationsByCode retrieves every reservation carrying code on a pickup date,
// across cafeterias
func (s *Store) FindReservationsByCode(ctx context.Context, code string, date time.Time) ([]models.Reservation, error) {
	var rs []models.Reservation
	err := s.db.SelectContext(ctx, &rs,
		"SELECT "+reservationColumns+" FROM reservations WHERE pickup_code = $1 AND pickup_date = $2",
		code, dateOnly(date))
	return rs, err
}

// ListReservationsByUser retrieves reservations for a user, newest first
func (s *Store) ListReservationsByUser(ctx context.Context, userID string) ([]models.Reservation, error) {
	var rs []models.Reservation
	err := s.db.SelectContext(ctx, &rs,
		"SELECT "+reservationColumns+" FROM reservations WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return rs, err
}

// ConfirmReservation moves pending_payment to confirmed. Returns false when the
// reservation was not pending.
func (s *Store) ConfirmReservation(ctx context.Context, id, paymentRef string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reservations SET status = $2, payment_ref = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, models.ReservationStatusConfirmed, paymentRef, models.ReservationStatusPendingPayment)
	if err != nil {
		return false, err
	}
	return applied(res)
}

// ExpireReservation moves pending_payment to expired and returns the unit to the menu
// in the same transaction. Returns false when the reservation was not pending, in which
// case no stock is touched.
func (s *Store) ExpireReservation(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var menuID string
	err = tx.GetContext(ctx, &menuID, `
		UPDATE reservations SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING menu_id`,
		id, models.ReservationStatusExpired, models.ReservationStatusPendingPayment)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE menus SET stock_available = stock_available + 1, updated_at = NOW()
		WHERE id = $1 AND stock_available < stock_total`, menuID)
	if err != nil {
		return false, fmt.Errorf("failed to release stock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// MarkPickedUp moves confirmed to picked_up. Returns false when the reservation was
// not confirmed.
func (s *Store) MarkPickedUp(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reservations SET status = $2, picked_up_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, models.ReservationStatusPickedUp, at, models.ReservationStatusConfirmed)
	if err != nil {
		return false, err
	}
	return applied(res)
}

// ListExpiredPending retrieves pending reservations whose payment deadline passed
func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	var rs []models.Reservation
	err := s.db.SelectContext(ctx, &rs, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3`,
		models.ReservationStatusPendingPayment, now, limit)
	return rs, err
}

func applied(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
