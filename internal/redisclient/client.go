package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cart-service/internal/models"

	"github.com/go-redis/redis/v8"
)

// releaseLockScript deletes the lock only when it still holds our token.
const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

type Client struct {
	rdb          *redis.Client
	guestTTL     time.Duration
	unlockScript *redis.Script
}

// NewClient creates a new Redis client and verifies the connection
func NewClient(addr, password string, db int, guestTTL time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:          rdb,
		guestTTL:     guestTTL,
		unlockScript: redis.NewScript(releaseLockScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping reports whether Redis is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func guestCartKey(sessionID string) string {
	return fmt.Sprintf("guestcart:%s", sessionID)
}

// LoadGuestCart reads the guest cart for a session. A missing key is an empty cart.
func (c *Client) LoadGuestCart(ctx context.Context, sessionID string) ([]models.CartItem, error) {
	raw, err := c.rdb.Get(ctx, guestCartKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load guest cart: %w", err)
	}

	var items []models.CartItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode guest cart: %w", err)
	}
	return items, nil
}

// SaveGuestCart overwrites the guest cart and refreshes its TTL. Saving an empty cart deletes it.
func (c *Client) SaveGuestCart(ctx context.Context, sessionID string, items []models.CartItem) error {
	if len(items) == 0 {
		return c.ClearGuestCart(ctx, sessionID)
	}

	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode guest cart: %w", err)
	}
	if err := c.rdb.Set(ctx, guestCartKey(sessionID), raw, c.guestTTL).Err(); err != nil {
		return fmt.Errorf("save guest cart: %w", err)
	}
	return nil
}

// ClearGuestCart removes the guest cart for a session
func (c *Client) ClearGuestCart(ctx context.Context, sessionID string) error {
	if err := c.rdb.Del(ctx, guestCartKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear guest cart: %w", err)
	}
	return nil
}

// AcquireLock acquires a distributed lock and returns the token needed to release it.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	token := fmt.Sprintf("%d", time.Now().UnixNano())
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// ReleaseLock releases a distributed lock held with token
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	return c.unlockScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Err()
}

// MarkEventProcessed records an event id and reports whether it was new.
func (c *Client) MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("idempotency:%s", eventID), 1, ttl).Result()
}
