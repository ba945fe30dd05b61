package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"surplus-service/internal/models"
)

const menuColumns = `id, cafeteria_id, name, description, menu_date, stock_total, stock_available,
	price_original, price_discounted, reservation_start, reservation_end, pickup_start, pickup_end,
	recurring_series_id, is_surprise, created_at, updated_at`

// CreateMenu inserts a staff-created menu
func (s *Store) CreateMenu(ctx context.Context, menu *models.Menu) error {
	query := `
		INSERT INTO menus (id, cafeteria_id, name, description, menu_date, stock_total, stock_available,
			price_original, price_discounted, reservation_start, reservation_end, pickup_start, pickup_end,
			recurring_series_id, is_surprise)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		menu.ID, menu.CafeteriaID, menu.Name, menu.Description, dateOnly(menu.Date),
		menu.StockTotal, menu.StockAvailable, menu.PriceOriginal, menu.PriceDiscounted,
		menu.ReservationStart, menu.ReservationEnd, menu.PickupStart, menu.PickupEnd,
		menu.RecurringSeriesID, menu.IsSurprise,
	).Scan(&menu.CreatedAt, &menu.UpdatedAt)
}

// CreateSeriesMenu inserts a generated menu unless one already exists for
// (recurring_series_id, menu_date). Returns false when skipped.
func (s *Store) CreateSeriesMenu(ctx context.Context, menu *models.Menu) (bool, error) {
	if menu.RecurringSeriesID == nil {
		return false, fmt.Errorf("menu %s has no recurring series", menu.ID)
	}

	query := `
		INSERT INTO menus (id, cafeteria_id, name, description, menu_date, stock_total, stock_available,
			price_original, price_discounted, reservation_start, reservation_end, pickup_start, pickup_end,
			recurring_series_id, is_surprise)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (recurring_series_id, menu_date) WHERE recurring_series_id IS NOT NULL DO NOTHING
		RETURNING created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		menu.ID, menu.CafeteriaID, menu.Name, menu.Description, dateOnly(menu.Date),
		menu.StockTotal, menu.StockAvailable, menu.PriceOriginal, menu.PriceDiscounted,
		menu.ReservationStart, menu.ReservationEnd, menu.PickupStart, menu.PickupEnd,
		menu.RecurringSeriesID, menu.IsSurprise,
	).Scan(&menu.CreatedAt, &menu.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetMenu retrieves a menu by ID
func (s *Store) GetMenu(ctx context.Context, id string) (*models.Menu, error) {
	var menu models.Menu
	err := s.db.GetContext(ctx, &menu, "SELECT "+menuColumns+" FROM menus WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err)
	}
	return &menu, nil
}

// ListMenus retrieves the menus of a cafeteria for one date
func (s *Store) ListMenus(ctx context.Context, cafeteriaID string, date time.Time) ([]models.Menu, error) {
	var menus []models.Menu
	err := s.db.SelectContext(ctx, &menus,
		"SELECT "+menuColumns+" FROM menus WHERE cafeteria_id = $1 AND menu_date = $2 ORDER BY name",
		cafeteriaID, dateOnly(date))
	return menus, err
}

// ListSeriesMenus retrieves every menu generated by a series
func (s *Store) ListSeriesMenus(ctx context.Context, seriesID string) ([]models.Menu, error) {
	var menus []models.Menu
	err := s.db.SelectContext(ctx, &menus,
		"SELECT "+menuColumns+" FROM menus WHERE recurring_series_id = $1 ORDER BY menu_date", seriesID)
	return menus, err
}

// AddStock applies an additive correction to both counters
func (s *Store) AddStock(ctx context.Context, menuID string, quantity int) (*models.Menu, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("stock correction must be positive, got %d", quantity)
	}

	var menu models.Menu
	err := s.db.GetContext(ctx, &menu, `
		UPDATE menus
		SET stock_total = stock_total + $2, stock_available = stock_available + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+menuColumns, menuID, quantity)
	if err != nil {
		return nil, notFound(err)
	}
	return &menu, nil
}

// DeleteMenu removes a menu that no live reservation references
func (s *Store) DeleteMenu(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var locked string
	if err := tx.GetContext(ctx, &locked, "SELECT id FROM menus WHERE id = $1 FOR UPDATE", id); err != nil {
		return notFound(err)
	}

	var live bool
	err = tx.GetContext(ctx, &live, `
		SELECT EXISTS(SELECT 1 FROM reservations
		WHERE menu_id = $1 AND status IN ('pending_payment', 'confirmed'))`, id)
	if err != nil {
		return err
	}
	if live {
		return ErrMenuInUse
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM menus WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete menu: %w", err)
	}

	return tx.Commit()
}
