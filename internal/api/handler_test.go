package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"surplus-service/internal/broker"
	"surplus-service/internal/lock"
	"surplus-service/internal/models"
	"surplus-service/internal/payment"
	"surplus-service/internal/service"
	"surplus-service/internal/store/memstore"
	"surplus-service/internal/voice"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWebhooks struct {
	cb  *models.PaymentCallback
	err error
}

func (f *fakeWebhooks) ParseWebhook(payload []byte, signature string) (*models.PaymentCallback, error) {
	if signature != "valid" {
		return nil, errors.New("invalid webhook signature")
	}
	return f.cb, f.err
}

type testServer struct {
	router   *gin.Engine
	store    *memstore.Store
	webhooks *fakeWebhooks
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := memstore.New()
	pub := broker.NewNopPublisher()
	policy := service.DefaultPolicy()
	loc := time.UTC

	catalog := service.NewMenuCatalog(st, policy, loc, nil)
	ledger := service.NewSubscriptionLedger(st, policy, loc, nil)
	svc := Services{
		Catalog:   catalog,
		Scheduler: service.NewRecurringMenuScheduler(st, pub, policy, loc, 2, nil),
		Coordinator: service.NewReservationCoordinator(st, ledger, nil, pub, policy, service.CoordinatorConfig{
			PaymentTimeout: 15 * time.Minute,
		}),
		Ledger: ledger,
		Pickup: service.NewPickupValidator(st, lock.NewLocal(time.Second), pub, policy, loc, nil),
		Voice: service.NewVoiceStockAdjuster(catalog, st, voice.RuleParser{}, voice.NewMemoryStaging(10, time.Minute),
			pub, policy, service.VoiceConfig{DeltaTTL: time.Minute, MaxDelta: 50}, loc, nil),
	}

	wh := &fakeWebhooks{}
	router := gin.New()
	NewHandler(svc, wh, cfg, st).SetupRoutes(router)
	return &testServer{router: router, store: st, webhooks: wh}
}

func (s *testServer) openMenu(t *testing.T, name string, stock int) *models.Menu {
	t.Helper()
	now := time.Now().UTC()
	m := &models.Menu{
		ID:               uuid.New().String(),
		CafeteriaID:      "caf-1",
		Name:             name,
		Date:             now,
		StockTotal:       stock,
		StockAvailable:   stock,
		PriceOriginal:    650,
		PriceDiscounted:  300,
		ReservationStart: now.Add(-time.Hour),
		ReservationEnd:   now.Add(time.Hour),
		PickupStart:      now.Add(-time.Hour),
		PickupEnd:        now.Add(2 * time.Hour),
	}
	require.NoError(t, s.store.CreateMenu(context.Background(), m))
	return m
}

type caller struct {
	userID, role, cafeteriaID string
}

var (
	asStudent = caller{"student-1", "student", ""}
	asStaff   = caller{"staff-1", "staff", "caf-1"}
	asAdmin   = caller{"admin-1", "admin", ""}
)

func (s *testServer) do(t *testing.T, method, path string, as *caller, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		req.Header.Set(HeaderUserID, as.userID)
		req.Header.Set(HeaderRole, as.role)
		if as.cafeteriaID != "" {
			req.Header.Set(HeaderCafeteriaID, as.cafeteriaID)
		}
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	decode(t, w, &body)
	return body.Error
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, Config{})

	w := s.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequiresIdentity(t *testing.T) {
	s := newTestServer(t, Config{})

	w := s.do(t, http.MethodGet, "/api/v1/cafeterias/caf-1/menus", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/cafeterias/caf-1/menus", &caller{"u", "root", ""}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestReserveFlow(t *testing.T) {
	s := newTestServer(t, Config{})
	menu := s.openMenu(t, "Lentejas", 1)
	body := gin.H{"menu_id": menu.ID, "payment_method": "gateway"}

	w := s.do(t, http.MethodPost, "/api/v1/reservations", &asStudent, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var result service.ReserveResult
	decode(t, w, &result)
	assert.Equal(t, models.ReservationStatusPendingPayment, result.Reservation.Status)
	assert.Len(t, result.Reservation.PickupCode, 6)

	w = s.do(t, http.MethodPost, "/api/v1/reservations", &asStudent, body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "DUPLICATE_RESERVATION", errorCode(t, w))

	w = s.do(t, http.MethodPost, "/api/v1/reservations", &caller{"student-2", "student", ""}, body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "OUT_OF_STOCK", errorCode(t, w))

	w = s.do(t, http.MethodPost, "/api/v1/reservations", &asStaff, body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/reservations", &asStudent, gin.H{"menu_id": menu.ID, "payment_method": "cash"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/reservations/"+result.Reservation.ID, &asStudent, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/users/student-1/reservations", &asStudent, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReserveClosedMenu(t *testing.T) {
	s := newTestServer(t, Config{})
	menu := s.openMenu(t, "Lentejas", 1)
	menu.ID = uuid.New().String()
	menu.ReservationEnd = time.Now().Add(-time.Minute)
	require.NoError(t, s.store.CreateMenu(context.Background(), menu))

	w := s.do(t, http.MethodPost, "/api/v1/reservations", &asStudent, gin.H{"menu_id": menu.ID, "payment_method": "gateway"})
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "MENU_CLOSED", errorCode(t, w))
}

func TestReserveRateLimited(t *testing.T) {
	s := newTestServer(t, Config{ReserveRatePerMinute: 1, ReserveBurst: 1})
	first := s.openMenu(t, "Lentejas", 5)
	second := s.openMenu(t, "Paella", 5)

	w := s.do(t, http.MethodPost, "/api/v1/reservations", &asStudent, gin.H{"menu_id": first.ID, "payment_method": "gateway"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/reservations", &asStudent, gin.H{"menu_id": second.ID, "payment_method": "gateway"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/reservations", &caller{"student-2", "student", ""}, gin.H{"menu_id": second.ID, "payment_method": "gateway"})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestPaymentCallbackAndPickup(t *testing.T) {
	s := newTestServer(t, Config{CallbackSecret: "s3cret"})
	menu := s.openMenu(t, "Lentejas", 2)

	w := s.do(t, http.MethodPost, "/api/v1/reservations", &asStudent, gin.H{"menu_id": menu.ID, "payment_method": "gateway"})
	require.Equal(t, http.StatusCreated, w.Code)
	var result service.ReserveResult
	decode(t, w, &result)
	r := result.Reservation

	cb := gin.H{"event_id": "evt-1", "reservation_id": r.ID, "status": "succeeded", "payment_ref": "pi_1"}

	w = s.do(t, http.MethodPost, "/api/v1/payments/callback", nil, cb, HeaderCallback, "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	for i := 0; i < 2; i++ {
		w = s.do(t, http.MethodPost, "/api/v1/payments/callback", nil, cb, HeaderCallback, "s3cret")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var got models.Reservation
		decode(t, w, &got)
		assert.Equal(t, models.ReservationStatusConfirmed, got.Status)
	}

	pickup := gin.H{"code": r.PickupCode, "cafeteria_id": "caf-1"}
	w = s.do(t, http.MethodPost, "/api/v1/pickups/validate", &asStaff, pickup)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/pickups/redeem", &asStaff, pickup)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/pickups/redeem", &asStaff, pickup)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_PICKED_UP", errorCode(t, w))

	w = s.do(t, http.MethodPost, "/api/v1/pickups/validate", &asStudent, pickup)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPaymentCallbackDisabledWithoutSecret(t *testing.T) {
	s := newTestServer(t, Config{})
	menu := s.openMenu(t, "Lentejas", 2)

	w := s.do(t, http.MethodPost, "/api/v1/reservations", &asStudent, gin.H{"menu_id": menu.ID, "payment_method": "gateway"})
	require.Equal(t, http.StatusCreated, w.Code)
	var result service.ReserveResult
	decode(t, w, &result)

	cb := gin.H{"reservation_id": result.Reservation.ID, "status": "succeeded", "payment_ref": "pi_1"}
	w = s.do(t, http.MethodPost, "/api/v1/payments/callback", nil, cb)
	assert.Equal(t, http.StatusNotFound, w.Code)

	got, err := s.store.GetReservation(context.Background(), result.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusPending, got.Status)
}

func TestPaymentCallbackSuccessNeedsPaymentRef(t *testing.T) {
	s := newTestServer(t, Config{CallbackSecret: "s3cret"})
	menu := s.openMenu(t, "Lentejas", 2)

	w := s.do(t, http.MethodPost, "/api/v1/reservations", &asStudent, gin.H{"menu_id": menu.ID, "payment_method": "gateway"})
	require.Equal(t, http.StatusCreated, w.Code)
	var result service.ReserveResult
	decode(t, w, &result)

	for _, ref := range []any{nil, ""} {
		cb := gin.H{"reservation_id": result.Reservation.ID, "status": "succeeded"}
		if ref != nil {
			cb["payment_ref"] = ref
		}
		w = s.do(t, http.MethodPost, "/api/v1/payments/callback", nil, cb, HeaderCallback, "s3cret")
		assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	}

	got, err := s.store.GetReservation(context.Background(), result.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusPending, got.Status)

	// failures carry no reference
	cb := gin.H{"reservation_id": result.Reservation.ID, "status": "failed"}
	w = s.do(t, http.MethodPost, "/api/v1/payments/callback", nil, cb, HeaderCallback, "s3cret")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestStripeWebhook(t *testing.T) {
	s := newTestServer(t, Config{})
	menu := s.openMenu(t, "Lentejas", 2)

	w := s.do(t, http.MethodPost, "/api/v1/reservations", &asStudent, gin.H{"menu_id": menu.ID, "payment_method": "gateway"})
	require.Equal(t, http.StatusCreated, w.Code)
	var result service.ReserveResult
	decode(t, w, &result)

	w = s.do(t, http.MethodPost, "/api/v1/payments/stripe/webhook", nil, gin.H{}, "Stripe-Signature", "forged")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	s.webhooks.err = payment.ErrIgnoredEvent
	w = s.do(t, http.MethodPost, "/api/v1/payments/stripe/webhook", nil, gin.H{}, "Stripe-Signature", "valid")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")

	s.webhooks.err = nil
	s.webhooks.cb = &models.PaymentCallback{
		EventID:       "evt_1",
		ReservationID: result.Reservation.ID,
		Status:        models.PaymentStatusFailed,
	}
	w = s.do(t, http.MethodPost, "/api/v1/payments/stripe/webhook", nil, gin.H{}, "Stripe-Signature", "valid")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "applied")

	got, err := s.store.GetMenu(context.Background(), menu.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.StockAvailable)

	// a success arriving after the failure is acknowledged, not applied
	s.webhooks.cb = &models.PaymentCallback{
		EventID:       "evt_2",
		ReservationID: result.Reservation.ID,
		Status:        models.PaymentStatusSucceeded,
		PaymentRef:    "pi_late",
	}
	w = s.do(t, http.MethodPost, "/api/v1/payments/stripe/webhook", nil, gin.H{}, "Stripe-Signature", "valid")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "RESERVATION_EXPIRED")
}

func TestSubscriptionRoutes(t *testing.T) {
	s := newTestServer(t, Config{})

	w := s.do(t, http.MethodPut, "/api/v1/users/student-1/subscription", &asStudent, gin.H{"plan_amount": 10})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPut, "/api/v1/users/student-1/subscription", &asAdmin, gin.H{"plan_amount": 10})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/users/student-1/subscription", &asStudent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Remaining int `json:"remaining"`
	}
	decode(t, w, &body)
	assert.Equal(t, 10, body.Remaining)
}

func TestRoleOverride(t *testing.T) {
	s := newTestServer(t, Config{RoleOverride: "admin"})

	w := s.do(t, http.MethodPut, "/api/v1/users/student-1/subscription", &asStudent, gin.H{"plan_amount": 4})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMenuAndSeriesRoutes(t *testing.T) {
	s := newTestServer(t, Config{})
	today := time.Now().UTC()

	menu := gin.H{
		"cafeteria_id":      "caf-1",
		"name":              "Paella",
		"date":              today.Format(models.DateLayout),
		"stock":             8,
		"price_original":    700,
		"price_discounted":  350,
		"reservation_start": today.Add(-time.Hour),
		"reservation_end":   today.Add(time.Hour),
		"pickup_start":      today.Add(2 * time.Hour),
		"pickup_end":        today.Add(3 * time.Hour),
	}
	w := s.do(t, http.MethodPost, "/api/v1/menus", &asStudent, menu)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/menus", &asStaff, menu)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created models.Menu
	decode(t, w, &created)

	w = s.do(t, http.MethodGet, "/api/v1/cafeterias/caf-1/menus?date="+today.Format(models.DateLayout), &asStudent, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.ID)

	w = s.do(t, http.MethodGet, "/api/v1/cafeterias/caf-1/menus?date=tomorrow", &asStudent, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	series := gin.H{
		"cafeteria_id":       "caf-1",
		"weekdays":           []int{0, 1, 2, 3, 4, 5, 6},
		"duration_days":      3,
		"start_date":         today.Format(models.DateLayout),
		"name":               "Menú del día",
		"stock":              10,
		"price_original":     700,
		"price_discounted":   350,
		"reservation_opens":  "-12h",
		"reservation_closes": "11h",
		"pickup_opens":       "13h",
		"pickup_closes":      "15h",
	}
	w = s.do(t, http.MethodPost, "/api/v1/series", &asStaff, series)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var out struct {
		Series    models.RecurringSeries `json:"series"`
		Expansion service.ExpandResult   `json:"expansion"`
	}
	decode(t, w, &out)
	assert.Len(t, out.Expansion.Created, 3)

	w = s.do(t, http.MethodPost, "/api/v1/series/"+out.Series.ID+"/expand", &asStaff, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var again service.ExpandResult
	decode(t, w, &again)
	assert.Empty(t, again.Created)
	assert.Len(t, again.Skipped, 3)

	w = s.do(t, http.MethodDelete, "/api/v1/series/"+out.Series.ID, &asStaff, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodDelete, "/api/v1/menus/"+created.ID, &asStaff, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestVoiceRoutes(t *testing.T) {
	s := newTestServer(t, Config{})
	menu := s.openMenu(t, "Lentejas estofadas", 3)

	w := s.do(t, http.MethodPost, "/api/v1/voice/parse", &asStaff, gin.H{"cafeteria_id": "caf-1", "transcript": "añade cinco de lentejas"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var parsed service.ParseResult
	decode(t, w, &parsed)
	require.Equal(t, service.ParseCandidate, parsed.Outcome)
	assert.Equal(t, menu.ID, parsed.Candidate.MenuID)

	w = s.do(t, http.MethodPost, "/api/v1/voice/deltas", &asStaff, parsed.Candidate)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var delta models.StagedDelta
	decode(t, w, &delta)

	w = s.do(t, http.MethodPost, "/api/v1/voice/deltas/"+delta.ID+"/confirm", &asStaff, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var updated models.Menu
	decode(t, w, &updated)
	assert.Equal(t, 8, updated.StockTotal)

	w = s.do(t, http.MethodPost, "/api/v1/voice/deltas/"+delta.ID+"/confirm", &asStaff, nil)
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "DELTA_EXPIRED", errorCode(t, w))

	w = s.do(t, http.MethodPost, "/api/v1/voice/parse", &asStaff, gin.H{"cafeteria_id": "caf-1", "transcript": "quita dos lentejas"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
