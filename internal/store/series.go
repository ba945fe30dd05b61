package store

import (
	"context"

	"surplus-service/internal/models"
)

const seriesColumns = `id, cafeteria_id, weekdays, duration_days, start_date, end_date, active, created_at,
	name, description, stock, price_original, price_discounted, is_surprise,
	reservation_opens, reservation_closes, pickup_opens, pickup_closes`

// CreateSeries inserts a recurring series
func (s *Store) CreateSeries(ctx context.Context, series *models.RecurringSeries) error {
	var endDate interface{}
	if series.EndDate != nil {
		endDate = dateOnly(*series.EndDate)
	}

	query := `
		INSERT INTO recurring_series (id, cafeteria_id, weekdays, duration_days, start_date, end_date, active,
			name, description, stock, price_original, price_discounted, is_surprise,
			reservation_opens, reservation_closes, pickup_opens, pickup_closes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at`

	return s.db.QueryRowxContext(ctx, query,
		series.ID, series.CafeteriaID, series.Weekdays, series.DurationDays, dateOnly(series.StartDate),
		endDate, series.Active, series.Name, series.Description, series.Stock,
		series.PriceOriginal, series.PriceDiscounted, series.IsSurprise,
		int64(series.ReservationOpens), int64(series.ReservationCloses),
		int64(series.PickupOpens), int64(series.PickupCloses),
	).Scan(&series.CreatedAt)
}

// GetSeries retrieves a recurring series by ID
func (s *Store) GetSeries(ctx context.Context, id string) (*models.RecurringSeries, error) {
	var series models.RecurringSeries
	err := s.db.GetContext(ctx, &series, "SELECT "+seriesColumns+" FROM recurring_series WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err)
	}
	return &series, nil
}

// ListActiveSeries retrieves every active recurring series
func (s *Store) ListActiveSeries(ctx context.Context) ([]models.RecurringSeries, error) {
	var series []models.RecurringSeries
	err := s.db.SelectContext(ctx, &series,
		"SELECT "+seriesColumns+" FROM recurring_series WHERE active ORDER BY created_at")
	return series, err
}

// DeactivateSeries stops a series from generating further menus
func (s *Store) DeactivateSeries(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE recurring_series SET active = FALSE WHERE id = $1", id)
	if err != nil {
		return err
	}
	ok, err := applied(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}
