package models

import "time"

// Event types
const (
	EventTypeReservationCreated   = "RESERVATION_CREATED"
	EventTypeReservationConfirmed = "RESERVATION_CONFIRMED"
	EventTypeReservationExpired   = "RESERVATION_EXPIRED"
	EventTypeReservationPickedUp  = "RESERVATION_PICKED_UP"
	EventTypeMenuGenerated        = "MENU_GENERATED"
	EventTypeStockAdjusted        = "STOCK_ADJUSTED"
	EventTypeCreditConsumed       = "CREDIT_CONSUMED"
	EventTypePaymentResult        = "PAYMENT_RESULT"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// ReservationEvent is published on every reservation status change
type ReservationEvent struct {
	BaseEvent
	ReservationID string `json:"reservation_id"`
	MenuID        string `json:"menu_id"`
	UserID        string `json:"user_id"`
	CafeteriaID   string `json:"cafeteria_id"`
	Status        string `json:"status"`
	PaymentMethod string `json:"payment_method"`
	PaymentRef    string `json:"payment_ref,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// MenuGeneratedEvent published when a recurring series spawns a menu
type MenuGeneratedEvent struct {
	BaseEvent
	MenuID      string `json:"menu_id"`
	SeriesID    string `json:"series_id"`
	CafeteriaID string `json:"cafeteria_id"`
	Date        string `json:"date"`
}

// StockAdjustedEvent published when a confirmed voice delta is applied
type StockAdjustedEvent struct {
	BaseEvent
	MenuID         string `json:"menu_id"`
	Delta          int    `json:"delta"`
	StockTotal     int    `json:"stock_total"`
	StockAvailable int    `json:"stock_available"`
	AdjustedBy     string `json:"adjusted_by"`
}

// CreditConsumedEvent published when a subscription credit pays a reservation
type CreditConsumedEvent struct {
	BaseEvent
	UserID        string `json:"user_id"`
	Period        string `json:"period"`
	CreditsUsed   int    `json:"credits_used"`
	CreditsTotal  int    `json:"credits_total"`
	ReservationID string `json:"reservation_id"`
}

// Payment callback outcomes
const (
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
)

// PaymentCallback is what the gateway delivers, over HTTP or the payment-results topic.
// Deliveries may be repeated.
type PaymentCallback struct {
	EventID       string `json:"event_id,omitempty"`
	ReservationID string `json:"reservation_id" binding:"required"`
	Status        string `json:"status" binding:"required,oneof=succeeded failed"`
	PaymentRef    string `json:"payment_ref" binding:"required_if=Status succeeded"`
}
