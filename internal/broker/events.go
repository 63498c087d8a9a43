package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"cart-service/internal/models"
	"cart-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing cart events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishCartEvent publishes a cart event keyed by session so one session's events stay ordered.
func (ep *EventPublisher) PublishCartEvent(ctx context.Context, event *models.CartEvent) error {
	key := fmt.Sprintf("cart-%s", event.SessionID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onStockUpdated func(context.Context, *models.StockUpdatedEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnStockUpdated registers a handler for StockUpdated events
func (eh *EventHandler) OnStockUpdated(handler func(context.Context, *models.StockUpdatedEvent) error) {
	eh.onStockUpdated = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	logger := util.GetLogger()
	logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeStockUpdated:
		if eh.onStockUpdated != nil {
			var event models.StockUpdatedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal StockUpdated event: %w", err)
			}
			return eh.onStockUpdated(ctx, &event)
		}

	default:
		logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
