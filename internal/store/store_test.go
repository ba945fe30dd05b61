package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"surplus-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore connects to TEST_DATABASE_URL or skips
func openTestStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - requires TEST_DATABASE_URL")
	}

	s, err := NewStore(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newOpenMenu(stock int) *models.Menu {
	now := time.Now()
	return &models.Menu{
		ID:               uuid.NewString(),
		CafeteriaID:      "caf-" + uuid.NewString()[:8],
		Name:             "Lentejas",
		Date:             now,
		StockTotal:       stock,
		StockAvailable:   stock,
		PriceOriginal:    650,
		PriceDiscounted:  300,
		ReservationStart: now.Add(-time.Hour),
		ReservationEnd:   now.Add(time.Hour),
		PickupStart:      now.Add(2 * time.Hour),
		PickupEnd:        now.Add(3 * time.Hour),
	}
}

func newPending(menuID, userID, code string) *models.Reservation {
	return &models.Reservation{
		ID:            uuid.NewString(),
		MenuID:        menuID,
		UserID:        userID,
		Status:        models.ReservationStatusPendingPayment,
		PickupCode:    code,
		PricePaid:     300,
		PaymentMethod: models.PaymentMethodGateway,
		ExpiresAt:     time.Now().Add(15 * time.Minute),
	}
}

func TestReserveUnitNeverOversells(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	menu := newOpenMenu(3)
	require.NoError(t, s.CreateMenu(ctx, menu))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, outOfStock := 0, 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := newPending(menu.ID, uuid.NewString(), uuid.NewString()[:6])
			err := s.ReserveUnit(ctx, r, time.Now())

			mu.Lock()
			defer mu.Unlock()
			switch err {
			case nil:
				succeeded++
			case ErrOutOfStock:
				outOfStock++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 7, outOfStock)

	got, err := s.GetMenu(ctx, menu.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.StockAvailable)
}

func TestExpireReservationCompensatesOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	menu := newOpenMenu(2)
	require.NoError(t, s.CreateMenu(ctx, menu))

	r := newPending(menu.ID, "user-1", "ABC234")
	require.NoError(t, s.ReserveUnit(ctx, r, time.Now()))

	first, err := s.ExpireReservation(ctx, r.ID)
	require.NoError(t, err)
	second, err := s.ExpireReservation(ctx, r.ID)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)

	got, err := s.GetMenu(ctx, menu.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.StockAvailable)
}

func TestReserveUnitRejectsDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	menu := newOpenMenu(5)
	require.NoError(t, s.CreateMenu(ctx, menu))

	require.NoError(t, s.ReserveUnit(ctx, newPending(menu.ID, "user-1", "AAA222"), time.Now()))
	err := s.ReserveUnit(ctx, newPending(menu.ID, "user-1", "BBB333"), time.Now())
	assert.ErrorIs(t, err, ErrDuplicateReservation)
}

func TestCreateSeriesMenuIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	series := &models.RecurringSeries{
		ID:           uuid.NewString(),
		CafeteriaID:  "caf-1",
		Weekdays:     []int64{1, 3},
		DurationDays: 14,
		StartDate:    time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC),
		Active:       true,
		MenuTemplate: models.MenuTemplate{Name: "Paella", Stock: 10, PriceOriginal: 700, PriceDiscounted: 350},
	}
	require.NoError(t, s.CreateSeries(ctx, series))

	first := newOpenMenu(10)
	first.RecurringSeriesID = &series.ID
	created, err := s.CreateSeriesMenu(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	again := newOpenMenu(10)
	again.RecurringSeriesID = &series.ID
	created, err = s.CreateSeriesMenu(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestConsumeCreditBounded(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	user := "user-" + uuid.NewString()[:8]
	_, err := s.UpsertSubscription(ctx, user, 1, "2024-06")
	require.NoError(t, err)

	_, err = s.ConsumeCredit(ctx, user, "2024-06")
	require.NoError(t, err)
	_, err = s.ConsumeCredit(ctx, user, "2024-06")
	assert.ErrorIs(t, err, ErrNoCredits)
}
