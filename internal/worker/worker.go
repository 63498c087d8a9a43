package worker

import (
	"context"

	"cart-service/internal/broker"
	"cart-service/internal/service"
	"cart-service/internal/util"
)

// StockWorker applies inventory stock updates to live carts
type StockWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
}

// NewStockWorker creates a new stock worker
func NewStockWorker(consumer *broker.Consumer, registry *service.Registry) *StockWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnStockUpdated(registry.HandleStockUpdated)

	return &StockWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
	}
}

// Start starts the worker
func (w *StockWorker) Start(ctx context.Context) error {
	util.GetLogger().Info("Starting stock worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *StockWorker) Stop() error {
	util.GetLogger().Info("Stopping stock worker")
	return w.consumer.Close()
}
