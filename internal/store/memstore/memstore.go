// Package memstore is an in-process store with the same contract as the Postgres
// store. A single mutex serializes every mutation, which makes each conditional
// update atomic.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"surplus-service/internal/models"
	"surplus-service/internal/store"
)

type Store struct {
	mu           sync.Mutex
	menus        map[string]*models.Menu
	seriesDates  map[string]string // series_id|date -> menu_id
	reservations map[string]*models.Reservation
	codes        map[string]string // cafeteria|date|code -> reservation_id
	series       map[string]*models.RecurringSeries
	credits      map[string]*models.SubscriptionCredit
	processed    map[string]string
}

// New creates an empty store
func New() *Store {
	return &Store{
		menus:        make(map[string]*models.Menu),
		seriesDates:  make(map[string]string),
		reservations: make(map[string]*models.Reservation),
		codes:        make(map[string]string),
		series:       make(map[string]*models.RecurringSeries),
		credits:      make(map[string]*models.SubscriptionCredit),
		processed:    make(map[string]string),
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dateKey(t time.Time) string {
	return t.Format(models.DateLayout)
}

func codeKey(cafeteriaID string, date time.Time, code string) string {
	return cafeteriaID + "|" + dateKey(date) + "|" + code
}

func cloneMenu(m *models.Menu) *models.Menu {
	c := *m
	if m.RecurringSeriesID != nil {
		id := *m.RecurringSeriesID
		c.RecurringSeriesID = &id
	}
	return &c
}

func cloneReservation(r *models.Reservation) *models.Reservation {
	c := *r
	if r.PickedUpAt != nil {
		at := *r.PickedUpAt
		c.PickedUpAt = &at
	}
	return &c
}

// Menus

func (s *Store) CreateMenu(ctx context.Context, menu *models.Menu) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	menu.Date = dateOnly(menu.Date)
	menu.CreatedAt, menu.UpdatedAt = now, now
	s.menus[menu.ID] = cloneMenu(menu)
	if menu.RecurringSeriesID != nil {
		s.seriesDates[*menu.RecurringSeriesID+"|"+dateKey(menu.Date)] = menu.ID
	}
	return nil
}

func (s *Store) CreateSeriesMenu(ctx context.Context, menu *models.Menu) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := *menu.RecurringSeriesID + "|" + dateKey(menu.Date)
	if _, exists := s.seriesDates[key]; exists {
		return false, nil
	}

	now := time.Now()
	menu.Date = dateOnly(menu.Date)
	menu.CreatedAt, menu.UpdatedAt = now, now
	s.menus[menu.ID] = cloneMenu(menu)
	s.seriesDates[key] = menu.ID
	return true, nil
}

func (s *Store) GetMenu(ctx context.Context, id string) (*models.Menu, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.menus[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneMenu(m), nil
}

func (s *Store) ListMenus(ctx context.Context, cafeteriaID string, date time.Time) ([]models.Menu, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := dateKey(date)
	var out []models.Menu
	for _, m := range s.menus {
		if m.CafeteriaID == cafeteriaID && dateKey(m.Date) == day {
			out = append(out, *cloneMenu(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListSeriesMenus(ctx context.Context, seriesID string) ([]models.Menu, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Menu
	for _, m := range s.menus {
		if m.RecurringSeriesID != nil && *m.RecurringSeriesID == seriesID {
			out = append(out, *cloneMenu(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *Store) AddStock(ctx context.Context, menuID string, quantity int) (*models.Menu, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.menus[menuID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if quantity <= 0 {
		return cloneMenu(m), nil
	}
	m.StockTotal += quantity
	m.StockAvailable += quantity
	m.UpdatedAt = time.Now()
	return cloneMenu(m), nil
}

func (s *Store) DeleteMenu(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.menus[id]
	if !ok {
		return store.ErrNotFound
	}
	for _, r := range s.reservations {
		if r.MenuID == id && r.Active() {
			return store.ErrMenuInUse
		}
	}
	if m.RecurringSeriesID != nil {
		delete(s.seriesDates, *m.RecurringSeriesID+"|"+dateKey(m.Date))
	}
	delete(s.menus, id)
	return nil
}

// Reservations

func (s *Store) ReserveUnit(ctx context.Context, r *models.Reservation, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.reservations {
		if existing.MenuID == r.MenuID && existing.UserID == r.UserID && existing.Active() {
			return store.ErrDuplicateReservation
		}
	}

	m, ok := s.menus[r.MenuID]
	if !ok {
		return store.ErrNotFound
	}
	if !m.ReservationOpen(now) {
		return store.ErrMenuClosed
	}
	if m.StockAvailable <= 0 {
		return store.ErrOutOfStock
	}

	key := codeKey(m.CafeteriaID, m.Date, r.PickupCode)
	if _, taken := s.codes[key]; taken {
		return store.ErrPickupCodeTaken
	}

	m.StockAvailable--
	m.UpdatedAt = now

	r.CafeteriaID = m.CafeteriaID
	r.PickupDate = dateOnly(m.Date)
	r.CreatedAt, r.UpdatedAt = now, now
	s.reservations[r.ID] = cloneReservation(r)
	s.codes[key] = r.ID
	return nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneReservation(r), nil
}

func (s *Store) FindReservationsByCode(ctx context.Context, code string, date time.Time) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := dateKey(date)
	var out []models.Reservation
	for _, r := range s.reservations {
		if r.PickupCode == code && dateKey(r.PickupDate) == day {
			out = append(out, *cloneReservation(r))
		}
	}
	return out, nil
}

func (s *Store) ListReservationsByUser(ctx context.Context, userID string) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Reservation
	for _, r := range s.reservations {
		if r.UserID == userID {
			out = append(out, *cloneReservation(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ConfirmReservation(ctx context.Context, id, paymentRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok || r.Status != models.ReservationStatusPendingPayment {
		return false, nil
	}
	r.Status = models.ReservationStatusConfirmed
	r.PaymentRef = paymentRef
	r.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) ExpireReservation(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok || r.Status != models.ReservationStatusPendingPayment {
		return false, nil
	}
	r.Status = models.ReservationStatusExpired
	r.UpdatedAt = time.Now()

	if m, ok := s.menus[r.MenuID]; ok && m.StockAvailable < m.StockTotal {
		m.StockAvailable++
		m.UpdatedAt = r.UpdatedAt
	}
	return true, nil
}

func (s *Store) MarkPickedUp(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok || r.Status != models.ReservationStatusConfirmed {
		return false, nil
	}
	r.Status = models.ReservationStatusPickedUp
	r.PickedUpAt = &at
	r.UpdatedAt = at
	return true, nil
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Reservation
	for _, r := range s.reservations {
		if r.Status == models.ReservationStatusPendingPayment && !r.ExpiresAt.After(now) {
			out = append(out, *cloneReservation(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Recurring series

func (s *Store) CreateSeries(ctx context.Context, series *models.RecurringSeries) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	series.CreatedAt = time.Now()
	c := *series
	c.Weekdays = append(c.Weekdays[:0:0], series.Weekdays...)
	s.series[series.ID] = &c
	return nil
}

func (s *Store) GetSeries(ctx context.Context, id string) (*models.RecurringSeries, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	series, ok := s.series[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *series
	return &c, nil
}

func (s *Store) ListActiveSeries(ctx context.Context) ([]models.RecurringSeries, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.RecurringSeries
	for _, series := range s.series {
		if series.Active {
			out = append(out, *series)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeactivateSeries(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	series, ok := s.series[id]
	if !ok {
		return store.ErrNotFound
	}
	series.Active = false
	return nil
}

// Subscription credits

func (s *Store) UpsertSubscription(ctx context.Context, userID string, planAmount int, period string) (*models.SubscriptionCredit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credits[userID]
	if !ok {
		c = &models.SubscriptionCredit{
			UserID:       userID,
			Period:       period,
			CreditsTotal: planAmount,
		}
		s.credits[userID] = c
	}
	c.PlanAmount = planAmount
	c.Active = true
	c.UpdatedAt = time.Now()
	out := *c
	return &out, nil
}

func (s *Store) GetCredit(ctx context.Context, userID string) (*models.SubscriptionCredit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credits[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *Store) ConsumeCredit(ctx context.Context, userID, period string) (*models.SubscriptionCredit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credits[userID]
	if !ok || !c.Active || c.Period != period || c.CreditsUsed >= c.CreditsTotal {
		return nil, store.ErrNoCredits
	}
	c.CreditsUsed++
	c.UpdatedAt = time.Now()
	out := *c
	return &out, nil
}

func (s *Store) RefundCredit(ctx context.Context, userID, period string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credits[userID]
	if !ok || c.Period != period || c.CreditsUsed == 0 {
		return false, nil
	}
	c.CreditsUsed--
	c.UpdatedAt = time.Now()
	return true, nil
}

func (s *Store) RolloverCredit(ctx context.Context, userID, period string) (*models.SubscriptionCredit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credits[userID]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if c.Period >= period {
		out := *c
		return &out, false, nil
	}
	c.Period = period
	c.CreditsUsed = 0
	c.CreditsTotal = c.PlanAmount
	c.UpdatedAt = time.Now()
	out := *c
	return &out, true, nil
}

func (s *Store) ListStaleSubscriptions(ctx context.Context, period string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var users []string
	for id, c := range s.credits {
		if c.Active && c.Period < period {
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users, nil
}

// Processed events

func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processed[eventID]
	return ok, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[eventID] = eventType
	return nil
}
