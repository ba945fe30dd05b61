package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"surplus-service/internal/apperr"
	"surplus-service/internal/models"
	"surplus-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxSeriesDays = 366

// RecurringMenuScheduler expands recurring series into daily menus
type RecurringMenuScheduler struct {
	store       Store
	publisher   EventPublisher
	policy      *Policy
	logger      *zap.Logger
	loc         *time.Location
	concurrency int
	now         Clock
}

// NewRecurringMenuScheduler creates a new scheduler. concurrency bounds how many
// series ExpandAll works on at once.
func NewRecurringMenuScheduler(store Store, publisher EventPublisher, policy *Policy, loc *time.Location, concurrency int, now Clock) *RecurringMenuScheduler {
	if now == nil {
		now = time.Now
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &RecurringMenuScheduler{
		store:       store,
		publisher:   publisher,
		policy:      policy,
		logger:      util.GetLogger(),
		loc:         loc,
		concurrency: concurrency,
		now:         now,
	}
}

// ExpandResult summarizes one expansion run of a series
type ExpandResult struct {
	SeriesID string   `json:"series_id"`
	Created  []string `json:"created"`
	Skipped  []string `json:"skipped"`
	Failed   []string `json:"failed"`
}

// CreateSeriesRequest represents a new recurring series. Window offsets are Go
// durations from local midnight of each menu date, e.g. "-12h" or "13h30m".
type CreateSeriesRequest struct {
	CafeteriaID       string  `json:"cafeteria_id" binding:"required"`
	Weekdays          []int64 `json:"weekdays" binding:"required,min=1"`
	DurationDays      int     `json:"duration_days" binding:"required,min=1"`
	StartDate         string  `json:"start_date" binding:"required"`
	EndDate           string  `json:"end_date"`
	Name              string  `json:"name" binding:"required"`
	Description       string  `json:"description"`
	Stock             int     `json:"stock" binding:"min=0"`
	PriceOriginal     int64   `json:"price_original" binding:"min=0"`
	PriceDiscounted   int64   `json:"price_discounted" binding:"min=0"`
	IsSurprise        bool    `json:"is_surprise"`
	ReservationOpens  string  `json:"reservation_opens" binding:"required"`
	ReservationCloses string  `json:"reservation_closes" binding:"required"`
	PickupOpens       string  `json:"pickup_opens" binding:"required"`
	PickupCloses      string  `json:"pickup_closes" binding:"required"`
}

func (r *CreateSeriesRequest) template() (models.MenuTemplate, error) {
	t := models.MenuTemplate{
		Name:            strings.TrimSpace(r.Name),
		Description:     r.Description,
		Stock:           r.Stock,
		PriceOriginal:   r.PriceOriginal,
		PriceDiscounted: r.PriceDiscounted,
		IsSurprise:      r.IsSurprise,
	}
	offsets := []struct {
		src string
		dst *time.Duration
	}{
		{r.ReservationOpens, &t.ReservationOpens},
		{r.ReservationCloses, &t.ReservationCloses},
		{r.PickupOpens, &t.PickupOpens},
		{r.PickupCloses, &t.PickupCloses},
	}
	for _, o := range offsets {
		d, err := time.ParseDuration(o.src)
		if err != nil {
			return t, apperr.Wrap(err, apperr.CodeInvalidInput, "invalid window offset %q", o.src)
		}
		*o.dst = d
	}
	return t, nil
}

// CreateSeries stores a series and immediately expands it from today
func (s *RecurringMenuScheduler) CreateSeries(ctx context.Context, actor Actor, req *CreateSeriesRequest) (*models.RecurringSeries, *ExpandResult, error) {
	ctx, span := util.StartSpan(ctx, "RecurringMenuScheduler.CreateSeries")
	defer span.End()

	if err := s.policy.Authorize(actor, OpManageSeries, Target{CafeteriaID: req.CafeteriaID}); err != nil {
		return nil, nil, err
	}

	series, err := s.buildSeries(req)
	if err != nil {
		return nil, nil, err
	}

	if err := s.store.CreateSeries(ctx, series); err != nil {
		return nil, nil, fmt.Errorf("failed to create series: %w", err)
	}
	s.logger.Info("Recurring series created",
		zap.String("series_id", series.ID),
		zap.String("cafeteria_id", series.CafeteriaID),
		zap.Int64s("weekdays", series.Weekdays),
		zap.Int("duration_days", series.DurationDays))

	result, err := s.Expand(ctx, series, s.now())
	if err != nil {
		return series, nil, err
	}
	return series, result, nil
}

func (s *RecurringMenuScheduler) buildSeries(req *CreateSeriesRequest) (*models.RecurringSeries, error) {
	if req.CafeteriaID == "" || strings.TrimSpace(req.Name) == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "cafeteria_id and name are required")
	}
	if len(req.Weekdays) == 0 {
		return nil, apperr.New(apperr.CodeInvalidInput, "at least one weekday is required")
	}
	seen := make(map[int64]bool)
	weekdays := make([]int64, 0, len(req.Weekdays))
	for _, d := range req.Weekdays {
		if d < 0 || d > 6 {
			return nil, apperr.New(apperr.CodeInvalidInput, "weekday %d out of range 0-6", d)
		}
		if !seen[d] {
			seen[d] = true
			weekdays = append(weekdays, d)
		}
	}
	sort.Slice(weekdays, func(i, j int) bool { return weekdays[i] < weekdays[j] })

	if req.DurationDays < 1 || req.DurationDays > maxSeriesDays {
		return nil, apperr.New(apperr.CodeInvalidInput, "duration_days must be between 1 and %d", maxSeriesDays)
	}

	t, err := req.template()
	if err != nil {
		return nil, err
	}
	switch {
	case t.Stock < 0:
		return nil, apperr.New(apperr.CodeInvalidInput, "stock must not be negative")
	case t.PriceOriginal < 0 || t.PriceDiscounted < 0 || t.PriceDiscounted > t.PriceOriginal:
		return nil, apperr.New(apperr.CodeInvalidInput, "prices must satisfy 0 <= discounted <= original")
	case t.ReservationOpens >= t.ReservationCloses:
		return nil, apperr.New(apperr.CodeInvalidInput, "reservation window must end after it starts")
	case t.PickupOpens >= t.PickupCloses:
		return nil, apperr.New(apperr.CodeInvalidInput, "pickup window must end after it starts")
	}

	start, err := time.Parse(models.DateLayout, req.StartDate)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInvalidInput, "start_date must be YYYY-MM-DD")
	}

	series := &models.RecurringSeries{
		ID:           uuid.New().String(),
		CafeteriaID:  req.CafeteriaID,
		Weekdays:     weekdays,
		DurationDays: req.DurationDays,
		StartDate:    start,
		Active:       true,
		MenuTemplate: t,
	}

	if req.EndDate != "" {
		end, err := time.Parse(models.DateLayout, req.EndDate)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInvalidInput, "end_date must be YYYY-MM-DD")
		}
		if end.Before(start) {
			return nil, apperr.New(apperr.CodeInvalidInput, "end_date precedes start_date")
		}
		series.EndDate = &end
	}
	return series, nil
}

// Expand creates one menu per matching weekday in [start_date, start_date+duration_days),
// capped by end_date. Dates before runDate are past and left alone. Dates that already
// have a menu for the series are skipped, so repeated runs create nothing new. A date
// that fails is recorded and the run moves on.
func (s *RecurringMenuScheduler) Expand(ctx context.Context, series *models.RecurringSeries, runDate time.Time) (*ExpandResult, error) {
	ctx, span := util.StartSpan(ctx, "RecurringMenuScheduler.Expand")
	defer span.End()

	result := &ExpandResult{SeriesID: series.ID}

	start := dateOnly(series.StartDate)
	end := start.AddDate(0, 0, series.DurationDays)
	if series.EndDate != nil {
		if capped := dateOnly(*series.EndDate).AddDate(0, 0, 1); capped.Before(end) {
			end = capped
		}
	}
	today := localDate(runDate, s.loc)

	for day := start; day.Before(end); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if day.Before(today) || !series.HasWeekday(day.Weekday()) {
			continue
		}

		key := day.Format(models.DateLayout)
		menu := s.menuFor(series, day)

		created, err := s.store.CreateSeriesMenu(ctx, menu)
		if err != nil {
			util.MenuGenerationFailuresTotal.Inc()
			s.logger.Error("Failed to generate menu",
				zap.String("series_id", series.ID),
				zap.String("date", key),
				zap.Error(err))
			result.Failed = append(result.Failed, key)
			continue
		}
		if !created {
			result.Skipped = append(result.Skipped, key)
			continue
		}

		util.MenusGeneratedTotal.Inc()
		result.Created = append(result.Created, key)

		event := &models.MenuGeneratedEvent{
			BaseEvent:   baseEvent(models.EventTypeMenuGenerated, s.now()),
			MenuID:      menu.ID,
			SeriesID:    series.ID,
			CafeteriaID: series.CafeteriaID,
			Date:        key,
		}
		if err := s.publisher.PublishMenuGenerated(ctx, event); err != nil {
			s.logger.Error("Failed to publish MenuGenerated event", zap.Error(err))
		}
	}

	s.logger.Info("Series expanded",
		zap.String("series_id", series.ID),
		zap.Int("created", len(result.Created)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

// menuFor clones the template for day. Window offsets are applied to local midnight.
func (s *RecurringMenuScheduler) menuFor(series *models.RecurringSeries, day time.Time) *models.Menu {
	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.loc)
	seriesID := series.ID
	t := series.MenuTemplate

	return &models.Menu{
		ID:                uuid.New().String(),
		CafeteriaID:       series.CafeteriaID,
		Name:              t.Name,
		Description:       t.Description,
		Date:              day,
		StockTotal:        t.Stock,
		StockAvailable:    t.Stock,
		PriceOriginal:     t.PriceOriginal,
		PriceDiscounted:   t.PriceDiscounted,
		ReservationStart:  midnight.Add(t.ReservationOpens),
		ReservationEnd:    midnight.Add(t.ReservationCloses),
		PickupStart:       midnight.Add(t.PickupOpens),
		PickupEnd:         midnight.Add(t.PickupCloses),
		RecurringSeriesID: &seriesID,
		IsSurprise:        t.IsSurprise,
	}
}

// ExpandAll expands every active series for runDate, several at a time
func (s *RecurringMenuScheduler) ExpandAll(ctx context.Context, runDate time.Time) ([]*ExpandResult, error) {
	ctx, span := util.StartSpan(ctx, "RecurringMenuScheduler.ExpandAll")
	defer span.End()

	all, err := s.store.ListActiveSeries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list series: %w", err)
	}

	results := make([]*ExpandResult, len(all))
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for i := range all {
		i := i
		g.Go(func() error {
			result, err := s.Expand(ctx, &all[i], runDate)
			results[i] = result
			return err
		})
	}
	err = g.Wait()

	s.logger.Info("Recurring expansion finished", zap.Int("series", len(all)))
	return results, err
}

// ExpandSeries runs Expand for one stored series, for the manual trigger
func (s *RecurringMenuScheduler) ExpandSeries(ctx context.Context, actor Actor, id string, runDate time.Time) (*ExpandResult, error) {
	series, err := s.GetSeries(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !series.Active {
		return nil, apperr.New(apperr.CodeInvalidInput, "series %s is inactive", id)
	}
	if runDate.IsZero() {
		runDate = s.now()
	}
	return s.Expand(ctx, series, runDate)
}

// GetSeries retrieves a series
func (s *RecurringMenuScheduler) GetSeries(ctx context.Context, actor Actor, id string) (*models.RecurringSeries, error) {
	series, err := s.store.GetSeries(ctx, id)
	if err != nil {
		return nil, storeError(err, "series")
	}
	if err := s.policy.Authorize(actor, OpManageSeries, Target{CafeteriaID: series.CafeteriaID}); err != nil {
		return nil, err
	}
	return series, nil
}

// ListSeriesMenus lists the menus generated by a series
func (s *RecurringMenuScheduler) ListSeriesMenus(ctx context.Context, actor Actor, id string) ([]models.Menu, error) {
	if _, err := s.GetSeries(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.store.ListSeriesMenus(ctx, id)
}

// DeactivateSeries stops future expansion. Menus already generated stay.
func (s *RecurringMenuScheduler) DeactivateSeries(ctx context.Context, actor Actor, id string) error {
	if _, err := s.GetSeries(ctx, actor, id); err != nil {
		return err
	}
	if err := s.store.DeactivateSeries(ctx, id); err != nil {
		return storeError(err, "series")
	}
	s.logger.Info("Recurring series deactivated", zap.String("series_id", id))
	return nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
