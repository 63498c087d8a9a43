package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ProductStatus drives whether a cart line can proceed to checkout.
type ProductStatus string

const (
	ProductStatusAvailable   ProductStatus = "Available"
	ProductStatusUnavailable ProductStatus = "Unavailable"
)

// IsValid reports whether the value is known.
func (s ProductStatus) IsValid() bool {
	return s == ProductStatusAvailable || s == ProductStatusUnavailable
}

// ParseProductStatus converts raw input into a ProductStatus. Empty input means Available.
func ParseProductStatus(value string) (ProductStatus, error) {
	if value == "" {
		return ProductStatusAvailable, nil
	}
	status := ProductStatus(value)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid product status %q", value)
	}
	return status, nil
}

// CartMode is the engine's position in its per-session state machine.
type CartMode string

const (
	CartModeUninitialized CartMode = "uninitialized"
	CartModeGuest         CartMode = "guest"
	CartModeMember        CartMode = "member"
)

// CartItem is one cart line, either local-only (guest) or mirrored from the remote cart.
type CartItem struct {
	ServerItemID   string           `json:"serverItemId,omitempty"`
	ProductID      string           `json:"productId"`
	Quantity       int              `json:"quantity"`
	UnitPrice      decimal.Decimal  `json:"unitPrice"`
	AvailableStock *int             `json:"availableStock"`
	ProductStatus  ProductStatus    `json:"productStatus"`
	SubTotal       *decimal.Decimal `json:"subTotal,omitempty"`
}

// Key is the stable UI identity of the line.
func (i CartItem) Key() string {
	if i.ServerItemID != "" {
		return i.ServerItemID
	}
	return i.ProductID
}

// Synced reports whether the line has been persisted remotely.
func (i CartItem) Synced() bool {
	return i.ServerItemID != ""
}

// LineTotal prefers the server-supplied subtotal over unitPrice * quantity.
func (i CartItem) LineTotal() decimal.Decimal {
	if i.SubTotal != nil {
		return *i.SubTotal
	}
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Invalid reports whether the line is excluded from checkout.
func (i CartItem) Invalid() bool {
	return i.InvalidReason() != ""
}

// InvalidReason returns an empty string for valid lines.
func (i CartItem) InvalidReason() string {
	switch {
	case i.ProductStatus == ProductStatusUnavailable:
		return "product unavailable"
	case i.AvailableStock != nil && *i.AvailableStock == 0:
		return "out of stock"
	case i.AvailableStock != nil && i.Quantity > *i.AvailableStock:
		return fmt.Sprintf("only %d in stock", *i.AvailableStock)
	}
	return ""
}

// IntPtr is a small helper for nullable stock values.
func IntPtr(v int) *int {
	return &v
}
