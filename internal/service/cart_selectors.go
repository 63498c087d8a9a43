package service

import (
	"sort"

	"cart-service/internal/models"

	"github.com/shopspring/decimal"
)

// LoadingFlags tell the UI which controls to disable while requests are in flight.
type LoadingFlags struct {
	Bootstrapping bool     `json:"bootstrapping"`
	Syncing       bool     `json:"syncing"`
	Adding        bool     `json:"adding"`
	Updating      bool     `json:"updating"`
	Removing      bool     `json:"removing"`
	Clearing      bool     `json:"clearing"`
	PendingItems  []string `json:"pendingItems"`
}

// Summary is the derived view of a cart.
type Summary struct {
	Mode          models.CartMode   `json:"mode"`
	Items         []models.CartItem `json:"items"`
	ItemCount     int               `json:"itemCount"`
	TotalQuantity int               `json:"totalQuantity"`
	Subtotal      decimal.Decimal   `json:"subtotal"`
	InvalidItems  []models.CartItem `json:"invalidItems"`
	InvalidCount  int               `json:"invalidCount"`
	CanCheckout   bool              `json:"canCheckout"`
	Loading       LoadingFlags      `json:"loading"`
}

// Summarize computes totals and validity for items. It has no side effects.
func Summarize(items []models.CartItem) Summary {
	s := Summary{
		Items:        items,
		ItemCount:    len(items),
		Subtotal:     decimal.Zero,
		InvalidItems: []models.CartItem{},
	}
	if s.Items == nil {
		s.Items = []models.CartItem{}
	}

	for _, item := range items {
		s.TotalQuantity += item.Quantity
		s.Subtotal = s.Subtotal.Add(item.LineTotal())
		if item.Invalid() {
			s.InvalidItems = append(s.InvalidItems, item)
		}
	}
	s.InvalidCount = len(s.InvalidItems)
	s.CanCheckout = s.ItemCount > 0 && s.InvalidCount == 0
	return s
}

// Items returns a copy of the current cart lines.
func (e *Engine) Items() []models.CartItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// CanCheckout reports whether the cart is non-empty and has no invalid lines.
func (e *Engine) CanCheckout() bool {
	return Summarize(e.Items()).CanCheckout
}

// Summary returns the derived cart view along with the engine's loading flags.
func (e *Engine) Summary() Summary {
	e.mu.Lock()
	items := e.snapshotLocked()
	loading := e.loadingLocked()
	mode := e.mode
	e.mu.Unlock()

	s := Summarize(items)
	s.Mode = mode
	s.Loading = loading
	return s
}

func (e *Engine) loadingLocked() LoadingFlags {
	flags := LoadingFlags{
		Bootstrapping: e.inFlight[opBootstrap] > 0,
		Syncing:       e.inFlight[opSync] > 0,
		Adding:        e.inFlight[opAdd] > 0,
		Updating:      e.inFlight[opUpdate] > 0,
		Removing:      e.inFlight[opRemove] > 0,
		Clearing:      e.inFlight[opClear] > 0,
		PendingItems:  []string{},
	}

	for productID := range e.pending {
		key := productID
		if i := e.indexByProduct(productID); i >= 0 {
			key = e.items[i].Key()
		}
		flags.PendingItems = append(flags.PendingItems, key)
	}
	sort.Strings(flags.PendingItems)
	return flags
}
