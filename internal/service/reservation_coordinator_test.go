package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"surplus-service/internal/apperr"
	"surplus-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reserveConcurrently(f *fixture, menuID string, n int) (succeeded []*models.Reservation, errs []error) {
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.coordinator.Reserve(context.Background(),
				Actor{UserID: fmt.Sprintf("user-%d", i), Role: RoleStudent},
				&ReserveRequest{MenuID: menuID, PaymentMethod: models.PaymentMethodGateway})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			succeeded = append(succeeded, res.Reservation)
		}(i)
	}
	wg.Wait()
	return succeeded, errs
}

func TestReserveConcurrentNeverOversells(t *testing.T) {
	for _, tc := range []struct{ stock, callers int }{{3, 10}, {10, 4}, {1, 25}} {
		t.Run(fmt.Sprintf("k=%d/n=%d", tc.stock, tc.callers), func(t *testing.T) {
			f := newFixture(t)
			menu := f.openMenu(t, "caf-1", "Lentejas", tc.stock)

			succeeded, errs := reserveConcurrently(f, menu.ID, tc.callers)

			want := tc.stock
			if tc.callers < want {
				want = tc.callers
			}
			assert.Len(t, succeeded, want)
			assert.Len(t, errs, tc.callers-want)
			for _, err := range errs {
				assert.ErrorIs(t, err, apperr.OutOfStock)
			}
			assert.Equal(t, tc.stock-want, f.stock(t, menu.ID))

			codes := make(map[string]bool)
			for _, r := range succeeded {
				assert.Equal(t, models.ReservationStatusPendingPayment, r.Status)
				assert.False(t, codes[r.PickupCode], "pickup code reused")
				codes[r.PickupCode] = true
			}
		})
	}
}

func TestFiveUnitScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.openMenu(t, "caf-1", "Paella", 5)

	succeeded, errs := reserveConcurrently(f, menu.ID, 5)
	require.Len(t, succeeded, 5)
	require.Empty(t, errs)

	_, err := f.coordinator.Reserve(ctx, Actor{UserID: "late", Role: RoleStudent},
		&ReserveRequest{MenuID: menu.ID, PaymentMethod: models.PaymentMethodGateway})
	assertCode(t, err, apperr.CodeOutOfStock)

	for i, r := range succeeded {
		confirmed, err := f.coordinator.ConfirmPayment(ctx, r.ID, fmt.Sprintf("pi_%d", i))
		require.NoError(t, err)
		assert.Equal(t, models.ReservationStatusConfirmed, confirmed.Status)
	}
	assert.Equal(t, 0, f.stock(t, menu.ID))
}

func TestConfirmPaymentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.openMenu(t, "caf-1", "Lentejas", 3)
	r := f.reserve(t, "user-1", menu.ID)

	first, err := f.coordinator.ConfirmPayment(ctx, r.ID, "pi_1")
	require.NoError(t, err)
	stockAfterFirst := f.stock(t, menu.ID)

	second, err := f.coordinator.ConfirmPayment(ctx, r.ID, "pi_1")
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, models.ReservationStatusConfirmed, second.Status)
	assert.Equal(t, stockAfterFirst, f.stock(t, menu.ID))
	assert.Equal(t, 1, f.pub.count(models.EventTypeReservationConfirmed))

	_, err = f.coordinator.ConfirmPayment(ctx, r.ID, "pi_other")
	assertCode(t, err, apperr.CodeAlreadyConfirmed)
}

func TestConfirmPaymentRequiresPaymentRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.openMenu(t, "caf-1", "Lentejas", 3)
	r := f.reserve(t, "user-1", menu.ID)

	_, err := f.coordinator.ConfirmPayment(ctx, r.ID, "")
	assertCode(t, err, apperr.CodeInvalidInput)

	cb := &models.PaymentCallback{ReservationID: r.ID, Status: models.PaymentStatusSucceeded}
	_, err = f.coordinator.HandlePaymentCallback(ctx, cb)
	assertCode(t, err, apperr.CodeInvalidInput)

	got, err := f.store.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusPendingPayment, got.Status)
	assert.Equal(t, 0, f.pub.count(models.EventTypeReservationConfirmed))
}

func TestExpireTwiceCompensatesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.openMenu(t, "caf-1", "Lentejas", 2)
	r := f.reserve(t, "user-1", menu.ID)
	require.Equal(t, 1, f.stock(t, menu.ID))

	first, err := f.coordinator.Expire(ctx, r.ID)
	require.NoError(t, err)
	second, err := f.coordinator.Expire(ctx, r.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ReservationStatusExpired, first.Status)
	assert.Equal(t, models.ReservationStatusExpired, second.Status)
	assert.Equal(t, 2, f.stock(t, menu.ID))
	assert.Equal(t, 1, f.pub.count(models.EventTypeReservationExpired))

	_, err = f.coordinator.ConfirmPayment(ctx, r.ID, "pi_late")
	assertCode(t, err, apperr.CodeReservationExpired)
}

func TestExpireIgnoresConfirmedReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.openMenu(t, "caf-1", "Lentejas", 2)
	r := f.reserve(t, "user-1", menu.ID)

	_, err := f.coordinator.ConfirmPayment(ctx, r.ID, "pi_1")
	require.NoError(t, err)

	got, err := f.coordinator.FailPayment(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusConfirmed, got.Status)
	assert.Equal(t, 1, f.stock(t, menu.ID))
}

func TestConfirmRacingExpiryAppliesOneTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.openMenu(t, "caf-1", "Lentejas", 20)

	var reservations []*models.Reservation
	for i := 0; i < 20; i++ {
		reservations = append(reservations, f.reserve(t, fmt.Sprintf("user-%d", i), menu.ID))
	}

	var wg sync.WaitGroup
	for _, r := range reservations {
		for i := 0; i < 3; i++ {
			wg.Add(2)
			go func(id string) {
				defer wg.Done()
				_, _ = f.coordinator.ConfirmPayment(ctx, id, "pi_"+id)
			}(r.ID)
			go func(id string) {
				defer wg.Done()
				_, _ = f.coordinator.Expire(ctx, id)
			}(r.ID)
		}
	}
	wg.Wait()

	expired := 0
	for _, r := range reservations {
		got, err := f.store.GetReservation(ctx, r.ID)
		require.NoError(t, err)
		require.Contains(t, []string{models.ReservationStatusConfirmed, models.ReservationStatusExpired}, got.Status)
		if got.Status == models.ReservationStatusExpired {
			expired++
		}
	}
	assert.Equal(t, expired, f.stock(t, menu.ID))
}

func TestReserveRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	menu := f.openMenu(t, "caf-1", "Lentejas", 5)
	f.reserve(t, "user-1", menu.ID)

	_, err := f.coordinator.Reserve(context.Background(), Actor{UserID: "user-1", Role: RoleStudent},
		&ReserveRequest{MenuID: menu.ID, PaymentMethod: models.PaymentMethodGateway})
	assertCode(t, err, apperr.CodeDuplicateReservation)
	assert.Equal(t, 4, f.stock(t, menu.ID))
}

func TestReserveAfterExpiryIsAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.openMenu(t, "caf-1", "Lentejas", 5)
	r := f.reserve(t, "user-1", menu.ID)

	_, err := f.coordinator.Expire(ctx, r.ID)
	require.NoError(t, err)

	again := f.reserve(t, "user-1", menu.ID)
	assert.NotEqual(t, r.ID, again.ID)
}

func TestReserveOutsideWindow(t *testing.T) {
	f := newFixture(t)
	menu := f.openMenu(t, "caf-1", "Lentejas", 5)
	f.clock.Advance(3 * time.Hour)

	_, err := f.coordinator.Reserve(context.Background(), student,
		&ReserveRequest{MenuID: menu.ID, PaymentMethod: models.PaymentMethodGateway})
	assertCode(t, err, apperr.CodeMenuClosed)
	assert.Equal(t, apperr.KindExpired, apperr.KindOf(err))
	assert.Equal(t, 5, f.stock(t, menu.ID))
}

func TestReserveValidation(t *testing.T) {
	f := newFixture(t)
	menu := f.openMenu(t, "caf-1", "Lentejas", 5)
	ctx := context.Background()

	_, err := f.coordinator.Reserve(ctx, student, &ReserveRequest{MenuID: menu.ID, PaymentMethod: "cash"})
	assertCode(t, err, apperr.CodeInvalidInput)

	_, err = f.coordinator.Reserve(ctx, student, &ReserveRequest{MenuID: "missing", PaymentMethod: models.PaymentMethodGateway})
	assertCode(t, err, apperr.CodeNotFound)

	_, err = f.coordinator.Reserve(ctx, staff, &ReserveRequest{MenuID: menu.ID, PaymentMethod: models.PaymentMethodGateway})
	assertCode(t, err, apperr.CodeForbidden)
}

func TestReserveRegeneratesCollidingCode(t *testing.T) {
	f := newFixture(t)
	menu := f.openMenu(t, "caf-1", "Lentejas", 5)

	codes := []string{"AAAAAA", "AAAAAA", "BBBBBB"}
	f.coordinator.newCode = func() (string, error) {
		code := codes[0]
		codes = codes[1:]
		return code, nil
	}

	first := f.reserve(t, "user-1", menu.ID)
	second := f.reserve(t, "user-2", menu.ID)
	assert.Equal(t, "AAAAAA", first.PickupCode)
	assert.Equal(t, "BBBBBB", second.PickupCode)
}

func TestReserveGivesUpOnCodeCollisions(t *testing.T) {
	f := newFixture(t)
	menu := f.openMenu(t, "caf-1", "Lentejas", 5)
	f.coordinator.newCode = func() (string, error) { return "AAAAAA", nil }

	f.reserve(t, "user-1", menu.ID)
	_, err := f.coordinator.Reserve(context.Background(), Actor{UserID: "user-2", Role: RoleStudent},
		&ReserveRequest{MenuID: menu.ID, PaymentMethod: models.PaymentMethodGateway})
	assert.Error(t, err)
	assert.Equal(t, 4, f.stock(t, menu.ID))
}

func TestReserveWithCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.openMenu(t, "caf-1", "Lentejas", 5)

	_, err := f.ledger.Subscribe(ctx, admin, student.UserID, 10)
	require.NoError(t, err)

	res, err := f.coordinator.Reserve(ctx, student, &ReserveRequest{MenuID: menu.ID, PaymentMethod: models.PaymentMethodCredit})
	require.NoError(t, err)

	r := res.Reservation
	assert.Equal(t, models.ReservationStatusConfirmed, r.Status)
	assert.Equal(t, "credit:2024-06", r.PaymentRef)
	assert.Equal(t, int64(0), r.PricePaid)
	assert.Nil(t, res.Checkout)

	credit, err := f.ledger.GetBalance(ctx, student, student.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, credit.CreditsUsed)
	assert.Len(t, f.pub.credits, 1)
}

func TestReserveWithExhaustedCreditTakesNoUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.openMenu(t, "caf-1", "Lentejas", 5)
	second := f.openMenu(t, "caf-1", "Paella", 5)

	_, err := f.ledger.Subscribe(ctx, admin, student.UserID, 1)
	require.NoError(t, err)

	_, err = f.coordinator.Reserve(ctx, student, &ReserveRequest{MenuID: first.ID, PaymentMethod: models.PaymentMethodCredit})
	require.NoError(t, err)

	_, err = f.coordinator.Reserve(ctx, student, &ReserveRequest{MenuID: second.ID, PaymentMethod: models.PaymentMethodCredit})
	assertCode(t, err, apperr.CodeNoCredits)
	assert.Equal(t, 5, f.stock(t, second.ID))

	list, err := f.coordinator.ListUserReservations(ctx, student, student.UserID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].MenuID)
	assert.Equal(t, models.ReservationStatusConfirmed, list[0].Status)
	assert.Equal(t, 0, f.pub.count(models.EventTypeReservationExpired))
}

func TestReserveWithoutCreditNeverBlocksLastUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.openMenu(t, "caf-1", "Lentejas", 1)

	checking := make(chan struct{})
	resume := make(chan struct{})
	f.store.beforeRollover = func(userID string) {
		if userID == "no-credit" {
			close(checking)
			<-resume
		}
	}

	creditErr := make(chan error, 1)
	go func() {
		_, err := f.coordinator.Reserve(ctx, Actor{UserID: "no-credit", Role: RoleStudent},
			&ReserveRequest{MenuID: menu.ID, PaymentMethod: models.PaymentMethodCredit})
		creditErr <- err
	}()

	// while the credit check is pending, the last unit is still available
	<-checking
	res, err := f.coordinator.Reserve(ctx, Actor{UserID: "payer", Role: RoleStudent},
		&ReserveRequest{MenuID: menu.ID, PaymentMethod: models.PaymentMethodGateway})
	close(resume)

	require.NoError(t, err)
	assert.Equal(t, "payer", res.Reservation.UserID)
	assertCode(t, <-creditErr, apperr.CodeNoCredits)
	assert.Equal(t, 0, f.stock(t, menu.ID))
}

func TestReserveWithCreditRefundsWhenSoldOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.openMenu(t, "caf-1", "Lentejas", 1)

	_, err := f.ledger.Subscribe(ctx, admin, student.UserID, 2)
	require.NoError(t, err)
	f.reserve(t, "user-9", menu.ID)

	_, err = f.coordinator.Reserve(ctx, student, &ReserveRequest{MenuID: menu.ID, PaymentMethod: models.PaymentMethodCredit})
	assertCode(t, err, apperr.CodeOutOfStock)

	credit, err := f.ledger.GetBalance(ctx, student, student.UserID)
	require.NoError(t, err)
	assert.Equal(t, 0, credit.CreditsUsed)
	assert.Empty(t, f.pub.credits)
}

func TestReserveWithGatewayCheckout(t *testing.T) {
	f := newFixture(t)
	gw := &fakeGateway{}
	f.coordinator.gateway = gw
	menu := f.openMenu(t, "caf-1", "Lentejas", 5)

	res, err := f.coordinator.Reserve(context.Background(), student,
		&ReserveRequest{MenuID: menu.ID, PaymentMethod: models.PaymentMethodGateway})
	require.NoError(t, err)
	require.NotNil(t, res.Checkout)
	assert.Equal(t, "cs_"+res.Reservation.ID, res.Checkout.SessionID)
	assert.Equal(t, int64(300), res.Reservation.PricePaid)
	assert.Equal(t, 1, gw.calls)
}

func TestReserveGatewayUnavailableReleasesUnit(t *testing.T) {
	f := newFixture(t)
	f.coordinator.gateway = &fakeGateway{err: errors.New("connection refused")}
	menu := f.openMenu(t, "caf-1", "Lentejas", 5)

	_, err := f.coordinator.Reserve(context.Background(), student,
		&ReserveRequest{MenuID: menu.ID, PaymentMethod: models.PaymentMethodGateway})
	assertCode(t, err, apperr.CodeGatewayUnavailable)
	assert.True(t, apperr.Retryable(err))
	assert.Equal(t, 5, f.stock(t, menu.ID))
}

func TestHandlePaymentCallbackReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.openMenu(t, "caf-1", "Lentejas", 5)
	paid := f.reserve(t, "user-1", menu.ID)
	failed := f.reserve(t, "user-2", menu.ID)

	cb := &models.PaymentCallback{EventID: "evt-1", ReservationID: paid.ID, Status: models.PaymentStatusSucceeded, PaymentRef: "pi_1"}
	for i := 0; i < 3; i++ {
		r, err := f.coordinator.HandlePaymentCallback(ctx, cb)
		require.NoError(t, err)
		assert.Equal(t, models.ReservationStatusConfirmed, r.Status)
	}
	assert.Equal(t, 1, f.pub.count(models.EventTypeReservationConfirmed))

	fail := &models.PaymentCallback{ReservationID: failed.ID, Status: models.PaymentStatusFailed}
	for i := 0; i < 2; i++ {
		r, err := f.coordinator.HandlePaymentCallback(ctx, fail)
		require.NoError(t, err)
		assert.Equal(t, models.ReservationStatusExpired, r.Status)
	}
	assert.Equal(t, 4, f.stock(t, menu.ID))
}

func TestHandlePaymentCallbackRecordsDefinitiveFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.openMenu(t, "caf-1", "Lentejas", 5)
	r := f.reserve(t, "user-1", menu.ID)

	_, err := f.coordinator.Expire(ctx, r.ID)
	require.NoError(t, err)

	cb := &models.PaymentCallback{EventID: "evt-late", ReservationID: r.ID, Status: models.PaymentStatusSucceeded, PaymentRef: "pi_1"}
	_, err = f.coordinator.HandlePaymentCallback(ctx, cb)
	assertCode(t, err, apperr.CodeReservationExpired)

	processed, err := f.store.IsEventProcessed(ctx, "evt-late")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.openMenu(t, "caf-1", "Lentejas", 5)

	stale := f.reserve(t, "user-1", menu.ID)
	paid := f.reserve(t, "user-2", menu.ID)
	_, err := f.coordinator.ConfirmPayment(ctx, paid.ID, "pi_2")
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	fresh := f.reserve(t, "user-3", menu.ID)

	f.clock.Advance(6 * time.Minute)
	n, err := f.coordinator.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.coordinator.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := f.store.GetReservation(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusExpired, got.Status)

	got, err = f.store.GetReservation(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusPendingPayment, got.Status)

	assert.Equal(t, 3, f.stock(t, menu.ID))
}

func TestGetReservationVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.openMenu(t, "caf-1", "Lentejas", 5)
	r := f.reserve(t, student.UserID, menu.ID)

	_, err := f.coordinator.GetReservation(ctx, student, r.ID)
	assert.NoError(t, err)

	_, err = f.coordinator.GetReservation(ctx, staff, r.ID)
	assert.NoError(t, err)

	other := Actor{UserID: "student-2", Role: RoleStudent}
	_, err = f.coordinator.GetReservation(ctx, other, r.ID)
	assertCode(t, err, apperr.CodeForbidden)

	_, err = f.coordinator.ListUserReservations(ctx, other, student.UserID)
	assertCode(t, err, apperr.CodeForbidden)
}
