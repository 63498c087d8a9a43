package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cart-service/internal/cartapi"
	"cart-service/internal/models"
)

// fakeRemote behaves like the storefront cart API: adds merge server-side and quantities
// are clamped to the stock it knows about.
type fakeRemote struct {
	mu      sync.Mutex
	items   []models.CartItem
	stock   map[string]int
	failAdd map[string]error
	listErr error
	addErr  error
	nextID  int
	calls   map[string]int

	// block, when set, makes the next UpdateItem wait until it is closed.
	block   chan struct{}
	entered chan struct{}
	// addBlock does the same for the next AddItem.
	addBlock   chan struct{}
	addEntered chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		stock:   make(map[string]int),
		failAdd: make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeRemote) seed(productID string, quantity int, stock *int) models.CartItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	item := models.CartItem{
		ServerItemID:   fmt.Sprintf("srv-%d", f.nextID),
		ProductID:      productID,
		Quantity:       quantity,
		AvailableStock: stock,
		ProductStatus:  models.ProductStatusAvailable,
	}
	if stock != nil {
		f.stock[productID] = *stock
	}
	f.items = append(f.items, item)
	return item
}

func (f *fakeRemote) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRemote) ListItems(ctx context.Context) ([]models.CartItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["list"]++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.CartItem, len(f.items))
	copy(out, f.items)
	return out, nil
}

func (f *fakeRemote) AddItem(ctx context.Context, productID string, quantity int) (*models.CartItem, error) {
	f.mu.Lock()
	block, entered := f.addBlock, f.addEntered
	f.addBlock, f.addEntered = nil, nil
	f.mu.Unlock()

	if block != nil {
		close(entered)
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["add"]++
	if err := f.failAdd[productID]; err != nil {
		return nil, err
	}
	if f.addErr != nil {
		return nil, f.addErr
	}

	for i := range f.items {
		if f.items[i].ProductID == productID {
			f.items[i].Quantity = f.clamp(productID, f.items[i].Quantity+quantity)
			item := f.items[i]
			return &item, nil
		}
	}

	f.nextID++
	item := models.CartItem{
		ServerItemID:  fmt.Sprintf("srv-%d", f.nextID),
		ProductID:     productID,
		Quantity:      f.clamp(productID, quantity),
		ProductStatus: models.ProductStatusAvailable,
	}
	if stock, ok := f.stock[productID]; ok {
		item.AvailableStock = models.IntPtr(stock)
	}
	f.items = append(f.items, item)
	return &item, nil
}

func (f *fakeRemote) UpdateItem(ctx context.Context, itemID string, quantity int) (*models.CartItem, error) {
	f.mu.Lock()
	f.calls["update"]++
	block, entered := f.block, f.entered
	f.block, f.entered = nil, nil
	f.mu.Unlock()

	if block != nil {
		close(entered)
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if f.items[i].ServerItemID == itemID {
			f.items[i].Quantity = quantity
			item := f.items[i]
			return &item, nil
		}
	}
	return nil, &cartapi.APIError{StatusCode: 404, Message: "Cart item not found"}
}

func (f *fakeRemote) RemoveItem(ctx context.Context, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["remove"]++
	for i := range f.items {
		if f.items[i].ServerItemID == itemID {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return nil
		}
	}
	return &cartapi.APIError{StatusCode: 404, Message: "Cart item not found"}
}

func (f *fakeRemote) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["clear"]++
	f.items = nil
	return nil
}

func (f *fakeRemote) clamp(productID string, quantity int) int {
	if stock, ok := f.stock[productID]; ok && quantity > stock {
		return stock
	}
	return quantity
}

type fakeLocal struct {
	mu      sync.Mutex
	carts   map[string][]models.CartItem
	saveErr error
	saves   int
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{carts: make(map[string][]models.CartItem)}
}

func (f *fakeLocal) LoadGuestCart(ctx context.Context, sessionID string) ([]models.CartItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.CartItem, len(f.carts[sessionID]))
	copy(out, f.carts[sessionID])
	return out, nil
}

func (f *fakeLocal) SaveGuestCart(ctx context.Context, sessionID string, items []models.CartItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	if len(items) == 0 {
		delete(f.carts, sessionID)
		return nil
	}
	f.carts[sessionID] = append([]models.CartItem(nil), items...)
	return nil
}

func (f *fakeLocal) ClearGuestCart(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.carts, sessionID)
	return nil
}

func (f *fakeLocal) productIDs(sessionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return productIDs(f.carts[sessionID])
}

func productIDs(items []models.CartItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ProductID)
	}
	return out
}

func (f *fakeLocal) cart(sessionID string) []models.CartItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.carts[sessionID]
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]string
	released int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]string)}
}

func (f *fakeLocker) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.held[lockKey]; ok {
		return "", false, nil
	}
	token := "token-" + lockKey
	f.held[lockKey] = token
	return token, true, nil
}

func (f *fakeLocker) ReleaseLock(ctx context.Context, lockKey, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[lockKey] == token {
		delete(f.held, lockKey)
		f.released++
	}
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*models.CartEvent
}

func (f *fakePublisher) PublishCartEvent(ctx context.Context, event *models.CartEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.EventType)
	}
	return out
}

type fakeDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *fakeDeduper) MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[eventID] {
		return false, nil
	}
	f.seen[eventID] = true
	return true, nil
}

type harness struct {
	remote    *fakeRemote
	local     *fakeLocal
	locker    *fakeLocker
	publisher *fakePublisher
	engine    *Engine
}

func newHarness() *harness {
	h := &harness{
		remote:    newFakeRemote(),
		local:     newFakeLocal(),
		locker:    newFakeLocker(),
		publisher: &fakePublisher{},
	}
	h.engine = NewEngine("sess-1", h.deps())
	return h
}

func (h *harness) deps() Dependencies {
	return Dependencies{
		Remote:    h.remote,
		Local:     h.local,
		Locker:    h.locker,
		Publisher: h.publisher,
	}
}
