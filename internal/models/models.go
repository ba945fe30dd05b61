package models

import (
	"time"

	"github.com/lib/pq"
)

// DateLayout is the canonical textual form of a menu/pickup date
const DateLayout = "2006-01-02"

// Menu is one cafeteria's single-day surplus offer
type Menu struct {
	ID                string    `db:"id" json:"id"`
	CafeteriaID       string    `db:"cafeteria_id" json:"cafeteria_id"`
	Name              string    `db:"name" json:"name"`
	Description       string    `db:"description" json:"description,omitempty"`
	Date              time.Time `db:"menu_date" json:"date"`
	StockTotal        int       `db:"stock_total" json:"stock_total"`
	StockAvailable    int       `db:"stock_available" json:"stock_available"`
	PriceOriginal     int64     `db:"price_original" json:"price_original"`
	PriceDiscounted   int64     `db:"price_discounted" json:"price_discounted"`
	ReservationStart  time.Time `db:"reservation_start" json:"reservation_start"`
	ReservationEnd    time.Time `db:"reservation_end" json:"reservation_end"`
	PickupStart       time.Time `db:"pickup_start" json:"pickup_start"`
	PickupEnd         time.Time `db:"pickup_end" json:"pickup_end"`
	RecurringSeriesID *string   `db:"recurring_series_id" json:"recurring_series_id,omitempty"`
	IsSurprise        bool      `db:"is_surprise" json:"is_surprise"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// ReservationOpen reports whether t falls inside the reservation window
func (m *Menu) ReservationOpen(t time.Time) bool {
	return !t.Before(m.ReservationStart) && t.Before(m.ReservationEnd)
}

// Reservation is a user's claim on exactly one menu unit
type Reservation struct {
	ID            string     `db:"id" json:"id"`
	MenuID        string     `db:"menu_id" json:"menu_id"`
	UserID        string     `db:"user_id" json:"user_id"`
	CafeteriaID   string     `db:"cafeteria_id" json:"cafeteria_id"`
	PickupDate    time.Time  `db:"pickup_date" json:"pickup_date"`
	Status        string     `db:"status" json:"status"`
	PickupCode    string     `db:"pickup_code" json:"pickup_code"`
	PricePaid     int64      `db:"price_paid" json:"price_paid"`
	PaymentMethod string     `db:"payment_method" json:"payment_method"`
	PaymentRef    string     `db:"payment_ref" json:"payment_ref,omitempty"`
	ExpiresAt     time.Time  `db:"expires_at" json:"expires_at"`
	PickedUpAt    *time.Time `db:"picked_up_at" json:"picked_up_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// Active reports whether the reservation still holds its unit
func (r *Reservation) Active() bool {
	return r.Status == ReservationStatusPendingPayment || r.Status == ReservationStatusConfirmed
}

// Reservation statuses
const (
	ReservationStatusPendingPayment = "pending_payment"
	ReservationStatusConfirmed      = "confirmed"
	ReservationStatusPickedUp       = "picked_up"
	ReservationStatusExpired        = "expired"
)

// Payment methods
const (
	PaymentMethodGateway = "gateway"
	PaymentMethodCredit  = "credit"
)

// SubscriptionCredit is a user's prepaid monthly allowance (bono)
type SubscriptionCredit struct {
	UserID       string    `db:"user_id" json:"user_id"`
	Period       string    `db:"period" json:"period"`
	CreditsTotal int       `db:"credits_total" json:"credits_total"`
	CreditsUsed  int       `db:"credits_used" json:"credits_used"`
	PlanAmount   int       `db:"plan_amount" json:"plan_amount"`
	Active       bool      `db:"active" json:"active"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Remaining returns the unused credits of the current period
func (c *SubscriptionCredit) Remaining() int {
	return c.CreditsTotal - c.CreditsUsed
}

// PeriodOf returns the billing period (YYYY-MM) containing t
func PeriodOf(t time.Time) string {
	return t.Format("2006-01")
}

// RecurringSeries is a template spawning one menu per matching weekday
type RecurringSeries struct {
	ID           string        `db:"id" json:"id"`
	CafeteriaID  string        `db:"cafeteria_id" json:"cafeteria_id"`
	Weekdays     pq.Int64Array `db:"weekdays" json:"weekdays"`
	DurationDays int           `db:"duration_days" json:"duration_days"`
	StartDate    time.Time     `db:"start_date" json:"start_date"`
	EndDate      *time.Time    `db:"end_date" json:"end_date,omitempty"`
	Active       bool          `db:"active" json:"active"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	MenuTemplate
}

// MenuTemplate holds the fields cloned into every generated menu.
// Window offsets are relative to local midnight of the menu date.
type MenuTemplate struct {
	Name              string        `db:"name" json:"name"`
	Description       string        `db:"description" json:"description,omitempty"`
	Stock             int           `db:"stock" json:"stock"`
	PriceOriginal     int64         `db:"price_original" json:"price_original"`
	PriceDiscounted   int64         `db:"price_discounted" json:"price_discounted"`
	IsSurprise        bool          `db:"is_surprise" json:"is_surprise"`
	ReservationOpens  time.Duration `db:"reservation_opens" json:"reservation_opens"`
	ReservationCloses time.Duration `db:"reservation_closes" json:"reservation_closes"`
	PickupOpens       time.Duration `db:"pickup_opens" json:"pickup_opens"`
	PickupCloses      time.Duration `db:"pickup_closes" json:"pickup_closes"`
}

// HasWeekday reports whether d is one of the series weekdays
func (s *RecurringSeries) HasWeekday(d time.Weekday) bool {
	for _, w := range s.Weekdays {
		if time.Weekday(w) == d {
			return true
		}
	}
	return false
}

// StagedDelta is a voice-proposed additive stock correction awaiting confirmation
type StagedDelta struct {
	ID          string    `json:"id"`
	MenuID      string    `json:"menu_id"`
	CafeteriaID string    `json:"cafeteria_id"`
	DishName    string    `json:"dish_name"`
	Quantity    int       `json:"quantity"`
	StagedBy    string    `json:"staged_by"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
