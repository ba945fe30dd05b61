package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"surplus-service/internal/models"
	"surplus-service/internal/util"

	"github.com/cenkalti/backoff/v5"
	"github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"
	"github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap"
)

// CheckoutGrace is how long before the reservation deadline the checkout session
// closes, leaving time for the completion webhook to arrive while the reservation
// is still pending
const CheckoutGrace = 5 * time.Minute

// ErrIgnoredEvent is returned for webhook events that carry no payment outcome
var ErrIgnoredEvent = errors.New("event does not carry a payment outcome")

// Checkout is the redirect handle returned to the caller of Reserve
type Checkout struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// Config holds Stripe and retry settings
type Config struct {
	SecretKey      string
	WebhookSecret  string
	Currency       string
	SuccessURL     string
	CancelURL      string
	MaxRetries     uint
	InitialBackoff time.Duration
	MaxElapsed     time.Duration
}

type sessionFunc func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)

type StripeClient struct {
	cfg        Config
	newSession sessionFunc
	logger     *zap.Logger
}

func NewStripeClient(cfg Config) *StripeClient {
	sc := session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: cfg.SecretKey}
	return &StripeClient{
		cfg:        cfg,
		newSession: sc.New,
		logger:     util.GetLogger(),
	}
}

// CreateCheckout opens a checkout session for one reserved unit. Transient provider
// failures are retried with exponential backoff; rejected requests are not.
func (s *StripeClient) CreateCheckout(ctx context.Context, r *models.Reservation, menu *models.Menu) (*Checkout, error) {
	ctx, span := util.StartSpan(ctx, "StripeClient.CreateCheckout")
	defer span.End()

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(s.cfg.Currency),
					UnitAmount: stripe.Int64(r.PricePaid),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(menu.Name),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(s.cfg.SuccessURL),
		CancelURL:         stripe.String(s.cfg.CancelURL),
		ClientReferenceID: stripe.String(r.ID),
	}
	if !r.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(r.ExpiresAt.Add(-CheckoutGrace).Unix())
	}
	params.AddMetadata("reservation_id", r.ID)
	params.AddMetadata("menu_id", r.MenuID)
	params.Context = ctx
	params.SetIdempotencyKey("checkout-" + r.ID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff

	attempt := 0
	sess, err := backoff.Retry(ctx, func() (*stripe.CheckoutSession, error) {
		attempt++
		sess, err := s.newSession(params)
		if err == nil {
			util.GatewayAttemptsTotal.WithLabelValues("success").Inc()
			return sess, nil
		}
		if !transient(err) {
			util.GatewayAttemptsTotal.WithLabelValues("rejected").Inc()
			return nil, backoff.Permanent(err)
		}
		util.GatewayAttemptsTotal.WithLabelValues("retry").Inc()
		s.logger.Warn("Checkout session attempt failed",
			zap.String("reservation_id", r.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.cfg.MaxRetries),
		backoff.WithMaxElapsedTime(s.cfg.MaxElapsed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session after %d attempts: %w", attempt, err)
	}

	return &Checkout{SessionID: sess.ID, URL: sess.URL}, nil
}

// transient reports whether a Stripe error is worth retrying
func transient(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= http.StatusInternalServerError
	}
	return true
}

// ParseWebhook verifies the Stripe signature and maps the event to a payment callback
func (s *StripeClient) ParseWebhook(payload []byte, signature string) (*models.PaymentCallback, error) {
	if s.cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("webhook secret is not configured")
	}
	event, err := webhook.ConstructEvent(payload, signature, s.cfg.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook signature: %w", err)
	}
	return CallbackFromEvent(event)
}

// CallbackFromEvent translates checkout session events. Completed sessions that are
// still unpaid (delayed payment methods) are ignored until the async outcome arrives.
func CallbackFromEvent(event stripe.Event) (*models.PaymentCallback, error) {
	var status string
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		status = models.PaymentStatusSucceeded
	case "checkout.session.expired", "checkout.session.async_payment_failed":
		status = models.PaymentStatusFailed
	default:
		return nil, ErrIgnoredEvent
	}

	var sess stripe.CheckoutSession
	if event.Data == nil {
		return nil, fmt.Errorf("event %s has no data", event.ID)
	}
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode checkout session: %w", err)
	}

	if status == models.PaymentStatusSucceeded && sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		return nil, ErrIgnoredEvent
	}

	reservationID := sess.Metadata["reservation_id"]
	if reservationID == "" {
		reservationID = sess.ClientReferenceID
	}
	if reservationID == "" {
		return nil, fmt.Errorf("event %s has no reservation reference", event.ID)
	}

	ref := sess.ID
	if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
		ref = sess.PaymentIntent.ID
	}

	return &models.PaymentCallback{
		EventID:       event.ID,
		ReservationID: reservationID,
		Status:        status,
		PaymentRef:    ref,
	}, nil
}
