package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"surplus-service/internal/apperr"
	"surplus-service/internal/lock"
	"surplus-service/internal/models"
	"surplus-service/internal/payment"
	"surplus-service/internal/store/memstore"
	"surplus-service/internal/voice"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	student = Actor{UserID: "student-1", Role: RoleStudent}
	staff   = Actor{UserID: "staff-1", Role: RoleStaff, CafeteriaID: "caf-1"}
	admin   = Actor{UserID: "admin-1", Role: RoleAdmin}
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type recordingPublisher struct {
	mu           sync.Mutex
	reservations []models.ReservationEvent
	generated    []models.MenuGeneratedEvent
	adjusted     []models.StockAdjustedEvent
	credits      []models.CreditConsumedEvent
}

func (p *recordingPublisher) PublishReservationEvent(ctx context.Context, e *models.ReservationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reservations = append(p.reservations, *e)
	return nil
}

func (p *recordingPublisher) PublishMenuGenerated(ctx context.Context, e *models.MenuGeneratedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generated = append(p.generated, *e)
	return nil
}

func (p *recordingPublisher) PublishStockAdjusted(ctx context.Context, e *models.StockAdjustedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adjusted = append(p.adjusted, *e)
	return nil
}

func (p *recordingPublisher) PublishCreditConsumed(ctx context.Context, e *models.CreditConsumedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.credits = append(p.credits, *e)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.reservations {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type fakeGateway struct {
	err   error
	calls int
}

func (g *fakeGateway) CreateCheckout(ctx context.Context, r *models.Reservation, menu *models.Menu) (*payment.Checkout, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return &payment.Checkout{SessionID: "cs_" + r.ID, URL: "https://checkout.test/" + r.ID}, nil
}

// faultStore wraps the in-memory store with failure and pause hooks
type faultStore struct {
	*memstore.Store

	mu              sync.Mutex
	failSeriesDates map[string]error
	beforeRollover  func(userID string)
	rollovers       int
}

func newFaultStore() *faultStore {
	return &faultStore{Store: memstore.New(), failSeriesDates: make(map[string]error)}
}

func (s *faultStore) rolloverCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollovers
}

// FailSeriesMenu makes generation fail for menus dated date
func (s *faultStore) FailSeriesMenu(date time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSeriesDates[date.Format(models.DateLayout)] = err
}

func (s *faultStore) CreateSeriesMenu(ctx context.Context, menu *models.Menu) (bool, error) {
	s.mu.Lock()
	err, ok := s.failSeriesDates[menu.Date.Format(models.DateLayout)]
	s.mu.Unlock()
	if ok {
		return false, err
	}
	return s.Store.CreateSeriesMenu(ctx, menu)
}

func (s *faultStore) RolloverCredit(ctx context.Context, userID, period string) (*models.SubscriptionCredit, bool, error) {
	s.mu.Lock()
	hook := s.beforeRollover
	s.rollovers++
	s.mu.Unlock()
	if hook != nil {
		hook(userID)
	}
	return s.Store.RolloverCredit(ctx, userID, period)
}

type fixture struct {
	store       *faultStore
	pub         *recordingPublisher
	clock       *testClock
	policy      *Policy
	catalog     *MenuCatalog
	ledger      *SubscriptionLedger
	coordinator *ReservationCoordinator
	scheduler   *RecurringMenuScheduler
	pickup      *PickupValidator
	adjuster    *VoiceStockAdjuster
}

// 2024-06-03 is a Monday
var fixtureStart = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	return newFixtureIn(t, time.UTC)
}

func newFixtureIn(t *testing.T, loc *time.Location) *fixture {
	t.Helper()

	f := &fixture{
		store:  newFaultStore(),
		pub:    &recordingPublisher{},
		clock:  &testClock{t: fixtureStart},
		policy: DefaultPolicy(),
	}
	now := f.clock.Now

	f.catalog = NewMenuCatalog(f.store, f.policy, loc, now)
	f.ledger = NewSubscriptionLedger(f.store, f.policy, loc, now)
	f.coordinator = NewReservationCoordinator(f.store, f.ledger, nil, f.pub, f.policy, CoordinatorConfig{
		PaymentTimeout:     15 * time.Minute,
		PickupCodeAttempts: 5,
		Now:                now,
	})
	f.scheduler = NewRecurringMenuScheduler(f.store, f.pub, f.policy, loc, 4, now)
	f.pickup = NewPickupValidator(f.store, lock.NewLocal(time.Second), f.pub, f.policy, loc, now)
	f.adjuster = NewVoiceStockAdjuster(f.catalog, f.store, voice.RuleParser{}, voice.NewMemoryStaging(10, time.Minute),
		f.pub, f.policy, VoiceConfig{DeltaTTL: time.Minute, MaxDelta: 50}, loc, now)
	return f
}

// openMenu stores a menu for today whose reservation window is open
func (f *fixture) openMenu(t *testing.T, cafeteriaID, name string, stock int) *models.Menu {
	t.Helper()
	now := f.clock.Now()
	m := &models.Menu{
		ID:               uuid.New().String(),
		CafeteriaID:      cafeteriaID,
		Name:             name,
		Date:             now,
		StockTotal:       stock,
		StockAvailable:   stock,
		PriceOriginal:    650,
		PriceDiscounted:  300,
		ReservationStart: now.Add(-time.Hour),
		ReservationEnd:   now.Add(2 * time.Hour),
		PickupStart:      now.Add(3 * time.Hour),
		PickupEnd:        now.Add(4 * time.Hour),
	}
	require.NoError(t, f.store.CreateMenu(context.Background(), m))
	return m
}

func (f *fixture) stock(t *testing.T, menuID string) int {
	t.Helper()
	m, err := f.store.GetMenu(context.Background(), menuID)
	require.NoError(t, err)
	return m.StockAvailable
}

func (f *fixture) reserve(t *testing.T, userID, menuID string) *models.Reservation {
	t.Helper()
	res, err := f.coordinator.Reserve(context.Background(),
		Actor{UserID: userID, Role: RoleStudent},
		&ReserveRequest{MenuID: menuID, PaymentMethod: models.PaymentMethodGateway})
	require.NoError(t, err)
	return res.Reservation
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if assert.Error(t, err) {
		assert.Equal(t, code, apperr.CodeOf(err), "error: %v", err)
	}
}
