package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"cart-service/internal/cartapi"
	"cart-service/internal/models"
	"cart-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// AuthState mirrors the storefront's auth session provider.
type AuthState struct {
	IsAuthenticated bool
	Loading         bool
}

// ItemMeta is what the catalog page knows about a product when it is added.
type ItemMeta struct {
	UnitPrice      decimal.Decimal
	AvailableStock *int
	ProductStatus  models.ProductStatus
}

// AddItemInput is the payload of an add-to-cart action.
type AddItemInput struct {
	ProductID string
	Quantity  int
	Meta      ItemMeta
}

// OpResult describes the outcome of a successful mutation. Stale is set when the response was
// superseded by a newer request for the same product and therefore not applied.
type OpResult struct {
	Item     *models.CartItem
	Removed  bool
	Stale    bool
	Warnings []StockConflictWarning
}

type opKind int

const (
	opBootstrap opKind = iota
	opSync
	opAdd
	opUpdate
	opRemove
	opClear
	opCount
)

// Engine owns the cart of one browser session. All state changes go through its methods.
type Engine struct {
	sessionID string
	deps      Dependencies
	logger    *zap.Logger

	// persistMu orders guest-mode reads and writes of the local store. Taken before mu.
	persistMu sync.Mutex

	mu       sync.Mutex
	mode     models.CartMode
	lastMode models.CartMode
	items    []models.CartItem
	syncing  bool
	inFlight [opCount]int
	pending  map[string]int
	issued   map[string]uint64
	accepted map[string]uint64
	// guestDirty is set while the local store lags memory after a failed write.
	guestDirty bool
}

// NewEngine creates an uninitialized engine for a session
func NewEngine(sessionID string, deps Dependencies) *Engine {
	if deps.MergeLockTTL <= 0 {
		deps.MergeLockTTL = 30 * time.Second
	}
	return &Engine{
		sessionID: sessionID,
		deps:      deps,
		logger:    util.SessionLogger(sessionID),
		mode:      models.CartModeUninitialized,
		lastMode:  models.CartModeUninitialized,
		pending:   make(map[string]int),
		issued:    make(map[string]uint64),
		accepted:  make(map[string]uint64),
	}
}

// SessionID returns the browser session the engine belongs to.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Mode returns the current state machine position.
func (e *Engine) Mode() models.CartMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// AddItem adds a product, summing with an existing line and clamping to known stock.
func (e *Engine) AddItem(ctx context.Context, in AddItemInput) (*OpResult, error) {
	const op = "addCartItem"
	ctx, span := util.StartSpan(ctx, "CartEngine.AddItem", attribute.String("product_id", in.ProductID))
	defer span.End()

	mode := e.Mode()
	if in.ProductID == "" {
		return nil, e.finish(op, mode, span, newValidationError(op, ErrMsgProductRequired))
	}
	if in.Quantity <= 0 {
		return nil, e.finish(op, mode, span, newValidationError(op, ErrMsgQuantityPositive))
	}

	var (
		result *OpResult
		err    error
	)
	switch mode {
	case models.CartModeGuest:
		result, err = e.addGuest(ctx, op, in)
	case models.CartModeMember:
		result, err = e.addMember(ctx, op, in)
	default:
		err = newValidationError(op, ErrMsgNotInitialized)
	}
	if err != nil {
		return nil, e.finish(op, mode, span, err)
	}
	e.finish(op, mode, span, nil)
	return result, nil
}

func (e *Engine) addGuest(ctx context.Context, op string, in AddItemInput) (*OpResult, error) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	e.reloadGuest(ctx)

	e.mu.Lock()
	if e.mode != models.CartModeGuest {
		e.mu.Unlock()
		return nil, newValidationError(op, ErrMsgModeChanged)
	}

	idx := e.indexByProduct(in.ProductID)
	var existing *models.CartItem
	if idx >= 0 {
		existing = &e.items[idx]
	}

	stock, status := resolveAvailability(in.Meta, existing)
	if err := checkAvailable(op, status, stock); err != nil {
		e.mu.Unlock()
		return nil, err
	}

	item := models.CartItem{
		ProductID: in.ProductID,
		UnitPrice: in.Meta.UnitPrice,
	}
	if existing != nil {
		item = *existing
	}
	item.AvailableStock = stock
	item.ProductStatus = status

	qty, warnings := clampQuantity(in.ProductID, item.Quantity+in.Quantity, stock)
	item.Quantity = qty
	e.upsert(item)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.persistGuest(ctx, snapshot)
	e.publish(ctx, models.EventTypeCartItemAdded, models.CartModeGuest, item.ProductID, item.Quantity, len(snapshot), 0)
	return &OpResult{Item: &item, Warnings: warnings}, nil
}

func (e *Engine) addMember(ctx context.Context, op string, in AddItemInput) (*OpResult, error) {
	e.mu.Lock()
	if e.mode != models.CartModeMember {
		e.mu.Unlock()
		return nil, newValidationError(op, ErrMsgModeChanged)
	}

	idx := e.indexByProduct(in.ProductID)
	var existing *models.CartItem
	current := 0
	if idx >= 0 {
		existing = &e.items[idx]
		current = existing.Quantity
	}

	stock, status := resolveAvailability(in.Meta, existing)
	if err := checkAvailable(op, status, stock); err != nil {
		e.mu.Unlock()
		return nil, err
	}

	total, warnings := clampQuantity(in.ProductID, current+in.Quantity, stock)
	delta := total - current
	if delta <= 0 {
		// Already at the stock ceiling: nothing to send.
		item := *existing
		e.mu.Unlock()
		return &OpResult{Item: &item, Warnings: warnings}, nil
	}

	seq := e.beginItem(in.ProductID, opAdd)
	e.mu.Unlock()

	remoteItem, err := e.deps.Remote.AddItem(ctx, in.ProductID, delta)

	e.mu.Lock()
	e.endItem(in.ProductID, opAdd)
	if err != nil {
		e.mu.Unlock()
		return nil, remoteFailure(op, err)
	}
	if !e.acceptItem(in.ProductID, seq, models.CartModeMember) {
		e.mu.Unlock()
		return &OpResult{Item: remoteItem, Stale: true, Warnings: warnings}, nil
	}

	item := *remoteItem
	if item.AvailableStock == nil {
		item.AvailableStock = stock
	}
	e.upsert(item)
	count := len(e.items)
	e.mu.Unlock()

	e.publish(ctx, models.EventTypeCartItemAdded, models.CartModeMember, item.ProductID, item.Quantity, count, 0)
	return &OpResult{Item: &item, Warnings: warnings}, nil
}

// ChangeQuantity sets the quantity of one line, addressed by key or product id. Zero removes it.
func (e *Engine) ChangeQuantity(ctx context.Context, key string, quantity int) (*OpResult, error) {
	const op = "changeCartItemQuantity"
	ctx, span := util.StartSpan(ctx, "CartEngine.ChangeQuantity",
		attribute.String("item_key", key), attribute.Int("quantity", quantity))
	defer span.End()

	mode := e.Mode()
	if quantity < 0 {
		return nil, e.finish(op, mode, span, newValidationError(op, ErrMsgQuantityNegative))
	}

	var (
		result *OpResult
		err    error
	)
	switch mode {
	case models.CartModeGuest:
		result, err = e.changeGuest(ctx, op, key, quantity)
	case models.CartModeMember:
		result, err = e.changeMember(ctx, op, key, quantity)
	default:
		err = newValidationError(op, ErrMsgNotInitialized)
	}
	if err != nil {
		return nil, e.finish(op, mode, span, err)
	}
	e.finish(op, mode, span, nil)
	return result, nil
}

func (e *Engine) changeGuest(ctx context.Context, op, key string, quantity int) (*OpResult, error) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	e.reloadGuest(ctx)

	e.mu.Lock()
	if e.mode != models.CartModeGuest {
		e.mu.Unlock()
		return nil, newValidationError(op, ErrMsgModeChanged)
	}
	idx := e.indexByKey(key)
	if idx < 0 {
		e.mu.Unlock()
		return nil, newValidationError(op, ErrMsgItemNotInCart)
	}

	item := e.items[idx]
	target, warnings := clampQuantity(item.ProductID, quantity, item.AvailableStock)
	if target == item.Quantity {
		e.mu.Unlock()
		return &OpResult{Item: &item, Warnings: warnings}, nil
	}

	result := &OpResult{Warnings: warnings}
	eventType := models.EventTypeCartItemUpdated
	if target == 0 {
		e.removeAt(idx)
		result.Removed = true
		eventType = models.EventTypeCartItemRemoved
	} else {
		item.Quantity = target
		e.items[idx] = item
		result.Item = &item
	}
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.persistGuest(ctx, snapshot)
	e.publish(ctx, eventType, models.CartModeGuest, item.ProductID, target, len(snapshot), 0)
	return result, nil
}

func (e *Engine) changeMember(ctx context.Context, op, key string, quantity int) (*OpResult, error) {
	e.mu.Lock()
	if e.mode != models.CartModeMember {
		e.mu.Unlock()
		return nil, newValidationError(op, ErrMsgModeChanged)
	}
	idx := e.indexByKey(key)
	if idx < 0 {
		e.mu.Unlock()
		return nil, newValidationError(op, ErrMsgItemNotInCart)
	}

	item := e.items[idx]
	target, warnings := clampQuantity(item.ProductID, quantity, item.AvailableStock)
	if target == item.Quantity {
		e.mu.Unlock()
		return &OpResult{Item: &item, Warnings: warnings}, nil
	}
	if !item.Synced() {
		e.mu.Unlock()
		return nil, newValidationError(op, ErrMsgItemNotSynced)
	}

	kind := opUpdate
	if target == 0 {
		kind = opRemove
	}
	seq := e.beginItem(item.ProductID, kind)
	e.mu.Unlock()

	var (
		updated *models.CartItem
		err     error
	)
	if target == 0 {
		err = e.deps.Remote.RemoveItem(ctx, item.ServerItemID)
	} else {
		updated, err = e.deps.Remote.UpdateItem(ctx, item.ServerItemID, target)
	}

	e.mu.Lock()
	e.endItem(item.ProductID, kind)
	if err != nil {
		e.mu.Unlock()
		return nil, remoteFailure(op, err)
	}
	if !e.acceptItem(item.ProductID, seq, models.CartModeMember) {
		e.mu.Unlock()
		return &OpResult{Item: updated, Removed: target == 0, Stale: true, Warnings: warnings}, nil
	}

	result := &OpResult{Warnings: warnings}
	eventType := models.EventTypeCartItemUpdated
	if target == 0 {
		if i := e.indexByProduct(item.ProductID); i >= 0 {
			e.removeAt(i)
		}
		result.Removed = true
		eventType = models.EventTypeCartItemRemoved
	} else {
		merged := *updated
		if merged.AvailableStock == nil {
			merged.AvailableStock = item.AvailableStock
		}
		e.upsert(merged)
		result.Item = &merged
	}
	count := len(e.items)
	e.mu.Unlock()

	e.publish(ctx, eventType, models.CartModeMember, item.ProductID, target, count, 0)
	return result, nil
}

// RemoveItem deletes one line from whichever store is authoritative.
func (e *Engine) RemoveItem(ctx context.Context, key string) (*OpResult, error) {
	const op = "removeCartItem"
	ctx, span := util.StartSpan(ctx, "CartEngine.RemoveItem", attribute.String("item_key", key))
	defer span.End()

	mode := e.Mode()
	var err error
	switch mode {
	case models.CartModeGuest:
		err = e.removeGuest(ctx, op, key)
	case models.CartModeMember:
		var stale bool
		stale, err = e.removeMember(ctx, op, key)
		if err == nil && stale {
			e.finish(op, mode, span, nil)
			return &OpResult{Removed: true, Stale: true}, nil
		}
	default:
		err = newValidationError(op, ErrMsgNotInitialized)
	}
	if err != nil {
		return nil, e.finish(op, mode, span, err)
	}
	e.finish(op, mode, span, nil)
	return &OpResult{Removed: true}, nil
}

func (e *Engine) removeGuest(ctx context.Context, op, key string) error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	e.reloadGuest(ctx)

	e.mu.Lock()
	if e.mode != models.CartModeGuest {
		e.mu.Unlock()
		return newValidationError(op, ErrMsgModeChanged)
	}
	idx := e.indexByKey(key)
	if idx < 0 {
		e.mu.Unlock()
		return newValidationError(op, ErrMsgItemNotInCart)
	}
	productID := e.items[idx].ProductID
	e.removeAt(idx)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.persistGuest(ctx, snapshot)
	e.publish(ctx, models.EventTypeCartItemRemoved, models.CartModeGuest, productID, 0, len(snapshot), 0)
	return nil
}

func (e *Engine) removeMember(ctx context.Context, op, key string) (bool, error) {
	e.mu.Lock()
	if e.mode != models.CartModeMember {
		e.mu.Unlock()
		return false, newValidationError(op, ErrMsgModeChanged)
	}
	idx := e.indexByKey(key)
	if idx < 0 {
		e.mu.Unlock()
		return false, newValidationError(op, ErrMsgItemNotInCart)
	}
	item := e.items[idx]
	if !item.Synced() {
		e.mu.Unlock()
		return false, newValidationError(op, ErrMsgItemNotSynced)
	}
	seq := e.beginItem(item.ProductID, opRemove)
	e.mu.Unlock()

	err := e.deps.Remote.RemoveItem(ctx, item.ServerItemID)

	e.mu.Lock()
	e.endItem(item.ProductID, opRemove)
	if err != nil {
		e.mu.Unlock()
		return false, remoteFailure(op, err)
	}
	if !e.acceptItem(item.ProductID, seq, models.CartModeMember) {
		e.mu.Unlock()
		return true, nil
	}
	if i := e.indexByProduct(item.ProductID); i >= 0 {
		e.removeAt(i)
	}
	count := len(e.items)
	e.mu.Unlock()

	e.publish(ctx, models.EventTypeCartItemRemoved, models.CartModeMember, item.ProductID, 0, count, 0)
	return false, nil
}

// ClearItems empties the whole cart.
func (e *Engine) ClearItems(ctx context.Context) error {
	const op = "clearCartItems"
	ctx, span := util.StartSpan(ctx, "CartEngine.ClearItems")
	defer span.End()

	mode := e.Mode()
	switch mode {
	case models.CartModeGuest:
		e.persistMu.Lock()
		e.mu.Lock()
		if e.mode != models.CartModeGuest {
			e.mu.Unlock()
			e.persistMu.Unlock()
			return e.finish(op, mode, span, newValidationError(op, ErrMsgModeChanged))
		}
		e.items = nil
		e.acceptAll()
		e.mu.Unlock()
		err := e.deps.Local.ClearGuestCart(ctx, e.sessionID)
		e.mu.Lock()
		e.guestDirty = err != nil
		e.mu.Unlock()
		if err != nil {
			e.logger.Warn("Failed to clear guest cart", zap.Error(err))
		}
		e.persistMu.Unlock()

	case models.CartModeMember:
		e.mu.Lock()
		e.inFlight[opClear]++
		e.mu.Unlock()

		err := e.deps.Remote.Clear(ctx)

		e.mu.Lock()
		e.inFlight[opClear]--
		if err != nil {
			e.mu.Unlock()
			return e.finish(op, mode, span, remoteFailure(op, err))
		}
		if e.mode == models.CartModeMember {
			e.items = nil
			e.acceptAll()
		}
		e.mu.Unlock()

	default:
		return e.finish(op, mode, span, newValidationError(op, ErrMsgNotInitialized))
	}

	e.publish(ctx, models.EventTypeCartCleared, mode, "", 0, 0, 0)
	return e.finish(op, mode, span, nil)
}

// RefreshStock applies a live stock/status update to the line for productID, if present.
// Quantities are not clamped here so that an over-stock line shows up as invalid.
func (e *Engine) RefreshStock(ctx context.Context, productID string, stock *int, status models.ProductStatus) bool {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	e.reloadGuest(ctx)

	e.mu.Lock()
	idx := e.indexByProduct(productID)
	if idx < 0 {
		e.mu.Unlock()
		return false
	}

	item := e.items[idx]
	item.AvailableStock = stock
	if status.IsValid() {
		item.ProductStatus = status
	}
	e.items[idx] = item

	guest := e.mode == models.CartModeGuest
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	if guest {
		e.persistGuest(ctx, snapshot)
	}
	return true
}

func resolveAvailability(meta ItemMeta, existing *models.CartItem) (*int, models.ProductStatus) {
	stock := meta.AvailableStock
	if stock == nil && existing != nil {
		stock = existing.AvailableStock
	}

	status := meta.ProductStatus
	if status == "" && existing != nil {
		status = existing.ProductStatus
	}
	if status == "" {
		status = models.ProductStatusAvailable
	}
	return stock, status
}

func checkAvailable(op string, status models.ProductStatus, stock *int) error {
	if status == models.ProductStatusUnavailable {
		return newValidationError(op, ErrMsgUnavailable)
	}
	if stock != nil && *stock <= 0 {
		return newValidationError(op, ErrMsgOutOfStock)
	}
	return nil
}

// clampQuantity caps requested at stock when stock is known.
func clampQuantity(productID string, requested int, stock *int) (int, []StockConflictWarning) {
	if stock == nil || requested <= *stock {
		return requested, nil
	}
	ceiling := *stock
	if ceiling < 0 {
		ceiling = 0
	}
	util.CartStockWarningsTotal.Inc()
	return ceiling, []StockConflictWarning{{ProductID: productID, Requested: requested, Max: ceiling}}
}

func remoteFailure(op string, err error) *CartError {
	var apiErr *cartapi.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if apiErr.StatusCode == 0 {
			msg = "Cart service is unavailable"
		}
		return newNetworkError(op, apiErr.StatusCode, msg, err)
	}
	return newNetworkError(op, 0, "Cart service is unavailable", err)
}

// beginItem, endItem and acceptItem implement per-product request sequencing: a response is
// applied only if no newer request for the same product has already been applied.
// Callers hold e.mu.
func (e *Engine) beginItem(productID string, kind opKind) uint64 {
	e.issued[productID]++
	e.pending[productID]++
	e.inFlight[kind]++
	return e.issued[productID]
}

func (e *Engine) endItem(productID string, kind opKind) {
	e.inFlight[kind]--
	e.pending[productID]--
	if e.pending[productID] <= 0 {
		delete(e.pending, productID)
	}
}

func (e *Engine) acceptItem(productID string, seq uint64, mode models.CartMode) bool {
	if e.mode != mode || seq <= e.accepted[productID] {
		util.CartStaleResponsesTotal.Inc()
		e.logger.Debug("Discarding stale cart response",
			zap.String("product_id", productID),
			zap.Uint64("seq", seq))
		return false
	}
	e.accepted[productID] = seq
	return true
}

// acceptAll invalidates every in-flight item response after a wholesale state replacement.
func (e *Engine) acceptAll() {
	for productID, seq := range e.issued {
		e.accepted[productID] = seq
	}
}

func (e *Engine) indexByProduct(productID string) int {
	for i := range e.items {
		if e.items[i].ProductID == productID {
			return i
		}
	}
	return -1
}

func (e *Engine) indexByKey(key string) int {
	for i := range e.items {
		if e.items[i].Key() == key {
			return i
		}
	}
	return e.indexByProduct(key)
}

func (e *Engine) upsert(item models.CartItem) {
	if i := e.indexByProduct(item.ProductID); i >= 0 {
		e.items[i] = item
		return
	}
	e.items = append(e.items, item)
}

func (e *Engine) removeAt(i int) {
	e.items = append(e.items[:i], e.items[i+1:]...)
}

func (e *Engine) snapshotLocked() []models.CartItem {
	out := make([]models.CartItem, len(e.items))
	copy(out, e.items)
	return out
}

// persistGuest writes the guest cart. If the write fails memory stays authoritative and
// reloads are suspended until a later write succeeds. Callers hold persistMu.
func (e *Engine) persistGuest(ctx context.Context, items []models.CartItem) {
	err := e.deps.Local.SaveGuestCart(ctx, e.sessionID, items)

	e.mu.Lock()
	e.guestDirty = err != nil
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("Failed to persist guest cart", zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, eventType string, mode models.CartMode, productID string, quantity, itemCount, failed int) {
	if e.deps.Publisher == nil {
		return
	}
	event := &models.CartEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now(),
		},
		SessionID: e.sessionID,
		Mode:      mode,
		ProductID: productID,
		Quantity:  quantity,
		ItemCount: itemCount,
		Failed:    failed,
	}
	if err := e.deps.Publisher.PublishCartEvent(ctx, event); err != nil {
		e.logger.Error("Failed to publish cart event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// finish records the outcome of an operation and returns err unchanged.
func (e *Engine) finish(op string, mode models.CartMode, span trace.Span, err error) error {
	result := "ok"
	if err != nil {
		result = string(kindOf(err))
		if result == "" {
			result = "error"
		}
		util.RecordError(span, err)
		if IsValidation(err) {
			e.logger.Debug("Cart operation rejected", zap.String("op", op), zap.Error(err))
		} else {
			e.logger.Warn("Cart operation failed", zap.String("op", op), zap.Error(err))
		}
	}
	util.CartOperationsTotal.WithLabelValues(op, string(mode), result).Inc()
	return err
}
