package service

import (
	"context"
	"time"

	"cart-service/internal/models"
)

// RemoteStore is the member cart persisted by the storefront API.
type RemoteStore interface {
	ListItems(ctx context.Context) ([]models.CartItem, error)
	AddItem(ctx context.Context, productID string, quantity int) (*models.CartItem, error)
	UpdateItem(ctx context.Context, itemID string, quantity int) (*models.CartItem, error)
	RemoveItem(ctx context.Context, itemID string) error
	Clear(ctx context.Context) error
}

// LocalStore persists the guest cart per browser session.
type LocalStore interface {
	LoadGuestCart(ctx context.Context, sessionID string) ([]models.CartItem, error)
	SaveGuestCart(ctx context.Context, sessionID string, items []models.CartItem) error
	ClearGuestCart(ctx context.Context, sessionID string) error
}

// Locker guards merge-on-login across replicas serving the same session.
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// EventPublisher receives cart activity after each successful mutation.
type EventPublisher interface {
	PublishCartEvent(ctx context.Context, event *models.CartEvent) error
}

// Dependencies are shared by every engine in a Registry.
type Dependencies struct {
	Remote       RemoteStore
	Local        LocalStore
	Locker       Locker
	Publisher    EventPublisher
	MergeLockTTL time.Duration
}
