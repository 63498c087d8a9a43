package service

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies cart failures for the caller.
type ErrorKind string

const (
	// KindValidation: the operation would put the cart into an invalid state. No network call was made.
	KindValidation ErrorKind = "validation"
	// KindNetwork: the remote cart rejected the call or could not be reached. Local state is unchanged.
	KindNetwork ErrorKind = "network"
	// KindSync: some guest items could not be merged into the member cart.
	KindSync ErrorKind = "sync"
)

// Error message constants for the cart engine.
const (
	ErrMsgNotInitialized   = "Cart has not been loaded yet"
	ErrMsgProductRequired  = "Product ID is required"
	ErrMsgQuantityPositive = "Quantity must be positive"
	ErrMsgQuantityNegative = "Quantity cannot be negative"
	ErrMsgUnavailable      = "Product is unavailable"
	ErrMsgOutOfStock       = "Product is out of stock"
	ErrMsgItemNotInCart    = "Item not in cart"
	ErrMsgItemNotSynced    = "Item has not been saved to your cart yet"
	ErrMsgModeChanged      = "Cart changed while the request was in progress"
)

// CartError is the typed failure returned by every engine operation.
type CartError struct {
	Kind       ErrorKind
	Op         string
	Message    string
	StatusCode int
	Err        error
}

func (e *CartError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *CartError) Unwrap() error {
	return e.Err
}

func newValidationError(op, message string) *CartError {
	return &CartError{Kind: KindValidation, Op: op, Message: message}
}

func newNetworkError(op string, statusCode int, message string, err error) *CartError {
	return &CartError{Kind: KindNetwork, Op: op, Message: message, StatusCode: statusCode, Err: err}
}

// SyncFailure records one guest item the remote cart refused during a merge.
type SyncFailure struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Message   string `json:"message"`
}

// SyncError is returned once per merge, however many items failed.
type SyncError struct {
	Failed []SyncFailure
	Synced int
}

func (e *SyncError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		ids = append(ids, f.ProductID)
	}
	return fmt.Sprintf("syncCartAfterLogin: %d of %d items could not be merged (%s)",
		len(e.Failed), len(e.Failed)+e.Synced, strings.Join(ids, ", "))
}

// Message is the human readable summary shown to the user.
func (e *SyncError) Message() string {
	if len(e.Failed) == 1 {
		return fmt.Sprintf("1 item from your guest cart could not be added: %s", e.Failed[0].Message)
	}
	return fmt.Sprintf("%d items from your guest cart could not be added", len(e.Failed))
}

// StockConflictWarning reports that a requested quantity was clamped to the known stock.
type StockConflictWarning struct {
	ProductID string `json:"productId"`
	Requested int    `json:"requested"`
	Max       int    `json:"max"`
}

func (w StockConflictWarning) String() string {
	return fmt.Sprintf("Only %d of product %s available; quantity adjusted from %d", w.Max, w.ProductID, w.Requested)
}

func kindOf(err error) ErrorKind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return KindSync
	}
	var cartErr *CartError
	if errors.As(err, &cartErr) {
		return cartErr.Kind
	}
	return ""
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return kindOf(err) == KindValidation }

// IsNetwork reports whether err is a remote cart failure.
func IsNetwork(err error) bool { return kindOf(err) == KindNetwork }

// IsSync reports whether err is a partial merge failure.
func IsSync(err error) bool { return kindOf(err) == KindSync }
