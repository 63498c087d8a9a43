package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cart-service/internal/models"
)

// LoadGuestCart retrieves the guest cart for a session. No row means an empty cart.
func (s *Store) LoadGuestCart(ctx context.Context, sessionID string) ([]models.CartItem, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, "SELECT items FROM guest_carts WHERE session_id = $1", sessionID)
	if errors.Is(err, sql.ErrNoRows) {
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

// SaveGuestCart upserts the guest cart. Saving an empty cart deletes the row.
func (s *Store) SaveGuestCart(ctx context.Context, sessionID string, items []models.CartItem) error {
	if len(items) == 0 {
		return s.ClearGuestCart(ctx, sessionID)
	}

	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode guest cart: %w", err)
	}

	query := `
		INSERT INTO guest_carts (session_id, items, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (session_id) DO UPDATE SET items = EXCLUDED.items, updated_at = NOW()`

	if _, err := s.db.ExecContext(ctx, query, sessionID, raw); err != nil {
		return fmt.Errorf("save guest cart: %w", err)
	}
	return nil
}

// ClearGuestCart removes the guest cart for a session
func (s *Store) ClearGuestCart(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM guest_carts WHERE session_id = $1", sessionID); err != nil {
		return fmt.Errorf("clear guest cart: %w", err)
	}
	return nil
}

// DeleteStaleGuestCarts removes guest carts untouched for longer than maxAge
func (s *Store) DeleteStaleGuestCarts(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM guest_carts WHERE updated_at < $1", time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
