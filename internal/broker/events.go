package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"surplus-service/internal/models"
	"surplus-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishReservationEvent publishes a reservation status change
func (ep *EventPublisher) PublishReservationEvent(ctx context.Context, event *models.ReservationEvent) error {
	key := fmt.Sprintf("reservation-%s", event.ReservationID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishMenuGenerated publishes MenuGenerated event
func (ep *EventPublisher) PublishMenuGenerated(ctx context.Context, event *models.MenuGeneratedEvent) error {
	key := fmt.Sprintf("menu-%s", event.MenuID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishStockAdjusted publishes StockAdjusted event
func (ep *EventPublisher) PublishStockAdjusted(ctx context.Context, event *models.StockAdjustedEvent) error {
	key := fmt.Sprintf("menu-%s", event.MenuID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishCreditConsumed publishes CreditConsumed event
func (ep *EventPublisher) PublishCreditConsumed(ctx context.Context, event *models.CreditConsumedEvent) error {
	key := fmt.Sprintf("user-%s", event.UserID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// NopPublisher drops events; used when Kafka is disabled
type NopPublisher struct {
	logger *zap.Logger
}

// NewNopPublisher creates a publisher that only logs
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{logger: util.GetLogger()}
}

func (n *NopPublisher) PublishReservationEvent(ctx context.Context, event *models.ReservationEvent) error {
	n.logger.Debug("Event dropped", zap.String("type", event.EventType), zap.String("reservation_id", event.ReservationID))
	return nil
}

func (n *NopPublisher) PublishMenuGenerated(ctx context.Context, event *models.MenuGeneratedEvent) error {
	n.logger.Debug("Event dropped", zap.String("type", event.EventType), zap.String("menu_id", event.MenuID))
	return nil
}

func (n *NopPublisher) PublishStockAdjusted(ctx context.Context, event *models.StockAdjustedEvent) error {
	n.logger.Debug("Event dropped", zap.String("type", event.EventType), zap.String("menu_id", event.MenuID))
	return nil
}

func (n *NopPublisher) PublishCreditConsumed(ctx context.Context, event *models.CreditConsumedEvent) error {
	n.logger.Debug("Event dropped", zap.String("type", event.EventType), zap.String("user_id", event.UserID))
	return nil
}

// EventHandler handles incoming payment result messages
type EventHandler struct {
	onPaymentResult func(context.Context, *models.PaymentCallback) error
	logger          *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentResult registers a handler for payment results
func (eh *EventHandler) OnPaymentResult(handler func(context.Context, *models.PaymentCallback) error) {
	eh.onPaymentResult = handler
}

// HandleMessage decodes a payment result and routes it. Malformed messages are
// logged and skipped so they cannot block the partition.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var cb models.PaymentCallback
	if err := json.Unmarshal(msg.Value, &cb); err != nil {
		eh.logger.Error("Dropping undecodable payment result", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	if cb.ReservationID == "" || (cb.Status != models.PaymentStatusSucceeded && cb.Status != models.PaymentStatusFailed) {
		eh.logger.Error("Dropping invalid payment result",
			zap.String("reservation_id", cb.ReservationID),
			zap.String("status", cb.Status))
		return nil
	}

	if cb.EventID == "" {
		cb.EventID = fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
	}

	eh.logger.Info("Handling payment result",
		zap.String("event_id", cb.EventID),
		zap.String("reservation_id", cb.ReservationID),
		zap.String("status", cb.Status))

	if eh.onPaymentResult == nil {
		return nil
	}
	return eh.onPaymentResult(ctx, &cb)
}
