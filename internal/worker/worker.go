package worker

import (
	"context"
	"time"

	"surplus-service/internal/apperr"
	"surplus-service/internal/broker"
	"surplus-service/internal/models"
	"surplus-service/internal/util"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const paymentResultAttempts = 3

// MessageSource is the consuming side of a topic
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// PaymentApplier applies a gateway outcome to a reservation
type PaymentApplier interface {
	HandlePaymentCallback(ctx context.Context, cb *models.PaymentCallback) (*models.Reservation, error)
}

// PaymentResultWorker consumes gateway outcomes published on the payment results topic
type PaymentResultWorker struct {
	consumer     MessageSource
	eventHandler *broker.EventHandler
	payments     PaymentApplier
	retryBase    time.Duration
	logger       *zap.Logger
}

// NewPaymentResultWorker creates a new payment result worker
func NewPaymentResultWorker(consumer MessageSource, payments PaymentApplier) *PaymentResultWorker {
	w := &PaymentResultWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		payments:     payments,
		retryBase:    200 * time.Millisecond,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnPaymentResult(w.apply)
	return w
}

// apply hands the outcome to the coordinator, retrying transient failures a few
// times. Definitive rejections are committed; a failure that outlasts the retries
// is returned so the message stays uncommitted.
func (w *PaymentResultWorker) apply(ctx context.Context, cb *models.PaymentCallback) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.retryBase

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, err := w.payments.HandlePaymentCallback(ctx, cb)
		if err != nil && apperr.KindOf(err) != "" && !apperr.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(paymentResultAttempts))
	if err == nil {
		return nil
	}

	if apperr.KindOf(err) != "" && !apperr.Retryable(err) {
		w.logger.Warn("Payment result rejected",
			zap.String("event_id", cb.EventID),
			zap.String("reservation_id", cb.ReservationID),
			zap.String("code", apperr.CodeOf(err)))
		return nil
	}
	w.logger.Error("Failed to apply payment result",
		zap.String("event_id", cb.EventID),
		zap.String("reservation_id", cb.ReservationID),
		zap.Error(err))
	return err
}

// Start starts the worker
func (w *PaymentResultWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment result worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *PaymentResultWorker) Stop() error {
	w.logger.Info("Stopping payment result worker...")
	return w.consumer.Close()
}
