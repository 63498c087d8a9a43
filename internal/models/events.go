package models

import "time"

// Event types
const (
	EventTypeCartItemAdded   = "CART_ITEM_ADDED"
	EventTypeCartItemUpdated = "CART_ITEM_UPDATED"
	EventTypeCartItemRemoved = "CART_ITEM_REMOVED"
	EventTypeCartCleared     = "CART_CLEARED"
	EventTypeCartMerged      = "CART_MERGED"
	EventTypeStockUpdated    = "STOCK_UPDATED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// CartEvent is published after every successful cart mutation.
type CartEvent struct {
	BaseEvent
	SessionID string   `json:"session_id"`
	Mode      CartMode `json:"mode"`
	ProductID string   `json:"product_id,omitempty"`
	Quantity  int      `json:"quantity,omitempty"`
	ItemCount int      `json:"item_count"`
	Failed    int      `json:"failed,omitempty"`
}

// StockUpdatedEvent is consumed from the inventory topic. A nil AvailableStock means unbounded.
type StockUpdatedEvent struct {
	BaseEvent
	ProductID      string        `json:"product_id"`
	AvailableStock *int          `json:"available_stock"`
	ProductStatus  ProductStatus `json:"product_status"`
}
