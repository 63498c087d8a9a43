package service

import (
	"context"

	"cart-service/internal/models"
	"cart-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ObserveAuth feeds the current auth session state into the engine. While auth is loading nothing
// happens; once settled, an authenticated session merges any guest cart into the member cart
// (a no-op after the first successful merge) and a guest session loads the local cart.
func (e *Engine) ObserveAuth(ctx context.Context, state AuthState) error {
	if state.Loading {
		return nil
	}
	if state.IsAuthenticated {
		return e.SyncAfterLogin(ctx)
	}
	if e.Mode() == models.CartModeGuest {
		e.persistMu.Lock()
		e.reloadGuest(ctx)
		e.persistMu.Unlock()
		return nil
	}
	return e.Bootstrap(ctx, false)
}

// Bootstrap loads the cart for the given mode, replacing in-memory state wholesale.
// Calling it again for the mode already loaded does nothing. A guest engine only becomes a
// member engine through SyncAfterLogin, so Bootstrap(true) on a guest cart merges it.
func (e *Engine) Bootstrap(ctx context.Context, isAuthenticated bool) error {
	const op = "bootstrapCart"
	mode := models.CartModeGuest
	if isAuthenticated {
		mode = models.CartModeMember
	}

	e.mu.Lock()
	if e.lastMode == mode {
		e.mu.Unlock()
		return nil
	}
	if mode == models.CartModeMember && e.mode == models.CartModeGuest {
		e.mu.Unlock()
		return e.SyncAfterLogin(ctx)
	}
	e.lastMode = mode
	e.inFlight[opBootstrap]++
	e.mu.Unlock()

	ctx, span := util.StartSpan(ctx, "CartEngine.Bootstrap", attribute.String("mode", string(mode)))
	defer span.End()

	var (
		items []models.CartItem
		err   error
	)
	if mode == models.CartModeMember {
		items, err = e.deps.Remote.ListItems(ctx)
	} else {
		items = e.loadGuest(ctx)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight[opBootstrap]--

	if err != nil {
		if e.lastMode == mode {
			e.lastMode = e.mode
		}
		return e.finish(op, mode, span, remoteFailure(op, err))
	}
	if e.lastMode != mode {
		// A later bootstrap for the other mode superseded this one.
		return e.finish(op, mode, span, nil)
	}

	e.mode = mode
	e.items = normalizeItems(items)
	e.guestDirty = false
	e.acceptAll()
	e.logger.Debug("Cart bootstrapped",
		zap.String("mode", string(mode)),
		zap.Int("items", len(e.items)))
	return e.finish(op, mode, span, nil)
}

// SyncAfterLogin merges the guest cart into the member cart. It runs at most once per
// guest to member transition; once the engine is in member mode it returns immediately.
// Items the remote cart rejects are reported in a *SyncError; items that merged stay merged.
func (e *Engine) SyncAfterLogin(ctx context.Context) error {
	const op = "syncCartAfterLogin"
	ctx, span := util.StartSpan(ctx, "CartEngine.SyncAfterLogin")
	defer span.End()

	e.mu.Lock()
	if e.mode == models.CartModeMember || e.syncing {
		e.mu.Unlock()
		return nil
	}
	e.syncing = true
	e.inFlight[opSync]++
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.inFlight[opSync]--
		e.mu.Unlock()
	}()

	// Guest writes on this engine wait until the mode flips, then fail with ErrMsgModeChanged
	// instead of landing in a store that is about to be cleared.
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	var memory []models.CartItem
	if e.mode == models.CartModeGuest {
		memory = e.snapshotLocked()
	}
	e.mu.Unlock()

	if e.deps.Locker != nil {
		lockKey := "cart-merge:" + e.sessionID
		token, ok, err := e.deps.Locker.AcquireLock(ctx, lockKey, e.deps.MergeLockTTL)
		switch {
		case err != nil:
			e.logger.Warn("Merge lock unavailable, merging without it", zap.Error(err))
		case !ok:
			e.logger.Info("Guest cart merge already running elsewhere, loading member cart")
			return e.adoptMemberCart(ctx, op, span)
		default:
			defer func() {
				if err := e.deps.Locker.ReleaseLock(ctx, lockKey, token); err != nil {
					e.logger.Warn("Failed to release merge lock", zap.Error(err))
				}
			}()
		}
	}

	guest, err := e.deps.Local.LoadGuestCart(ctx, e.sessionID)
	if err != nil {
		e.logger.Warn("Failed to read guest cart, merging in-memory copy", zap.Error(err))
		guest = memory
	}
	guest = normalizeItems(guest)

	var failures []SyncFailure
	var synced []models.CartItem
	for _, item := range guest {
		if _, err := e.deps.Remote.AddItem(ctx, item.ProductID, item.Quantity); err != nil {
			failures = append(failures, SyncFailure{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				Message:   remoteFailure(op, err).Message,
			})
			continue
		}
		synced = append(synced, item)
	}

	items, err := e.deps.Remote.ListItems(ctx)
	if err != nil {
		if len(synced) > 0 {
			// Keep only what has not reached the server so a retry does not submit it twice.
			left := e.dropHandled(ctx, guest, synced)
			e.mu.Lock()
			if e.mode == models.CartModeGuest {
				e.items = left
			}
			e.mu.Unlock()
		}
		util.CartMergesTotal.WithLabelValues("error").Inc()
		return e.finish(op, models.CartModeMember, span, remoteFailure(op, err))
	}

	// Rejected lines are reported once and dropped along with the merged ones.
	e.dropHandled(ctx, guest, guest)

	e.mu.Lock()
	e.mode = models.CartModeMember
	e.lastMode = models.CartModeMember
	e.items = normalizeItems(items)
	e.guestDirty = false
	e.acceptAll()
	count := len(e.items)
	e.mu.Unlock()

	e.publish(ctx, models.EventTypeCartMerged, models.CartModeMember, "", len(synced), count, len(failures))
	e.logger.Info("Guest cart merged",
		zap.Int("synced", len(synced)),
		zap.Int("failed", len(failures)),
		zap.Int("items", count))

	if len(failures) > 0 {
		util.CartMergesTotal.WithLabelValues("partial").Inc()
		util.CartMergeItemsFailed.Add(float64(len(failures)))
		return e.finish(op, models.CartModeMember, span, &SyncError{Failed: failures, Synced: len(synced)})
	}
	util.CartMergesTotal.WithLabelValues("ok").Inc()
	return e.finish(op, models.CartModeMember, span, nil)
}

// adoptMemberCart switches to member mode without merging; another replica owns the merge.
func (e *Engine) adoptMemberCart(ctx context.Context, op string, span trace.Span) error {
	items, err := e.deps.Remote.ListItems(ctx)
	if err != nil {
		return e.finish(op, models.CartModeMember, span, remoteFailure(op, err))
	}

	e.mu.Lock()
	e.mode = models.CartModeMember
	e.lastMode = models.CartModeMember
	e.items = normalizeItems(items)
	e.acceptAll()
	e.mu.Unlock()

	util.CartMergesTotal.WithLabelValues("skipped").Inc()
	return e.finish(op, models.CartModeMember, span, nil)
}

// dropHandled removes the lines in handled from the guest store and returns what is left.
// The store is re-read first so lines written by other engines since the merge read it
// survive; a line whose quantity changed in the meantime is kept for the next merge.
// Callers hold persistMu.
func (e *Engine) dropHandled(ctx context.Context, read, handled []models.CartItem) []models.CartItem {
	current, err := e.deps.Local.LoadGuestCart(ctx, e.sessionID)
	if err != nil {
		e.logger.Warn("Failed to re-read guest cart after merge", zap.Error(err))
		current = read
	}

	done := make(map[string]int, len(handled))
	for _, item := range handled {
		done[item.ProductID] = item.Quantity
	}

	left := make([]models.CartItem, 0, len(current))
	for _, item := range normalizeItems(current) {
		if qty, ok := done[item.ProductID]; ok && qty == item.Quantity {
			continue
		}
		left = append(left, item)
	}

	if err := e.deps.Local.SaveGuestCart(ctx, e.sessionID, left); err != nil {
		e.logger.Warn("Failed to trim merged items from guest cart", zap.Error(err))
	}
	return left
}

// reloadGuest picks up guest cart writes made by other engines or replicas sharing the
// session. A cart whose last write failed keeps its in-memory state. Callers hold persistMu.
func (e *Engine) reloadGuest(ctx context.Context) {
	e.mu.Lock()
	skip := e.mode != models.CartModeGuest || e.guestDirty
	e.mu.Unlock()
	if skip {
		return
	}

	items, err := e.deps.Local.LoadGuestCart(ctx, e.sessionID)
	if err != nil {
		e.logger.Warn("Failed to reload guest cart, keeping in-memory copy", zap.Error(err))
		return
	}

	e.mu.Lock()
	if e.mode == models.CartModeGuest && !e.guestDirty {
		e.items = normalizeItems(items)
	}
	e.mu.Unlock()
}

func (e *Engine) loadGuest(ctx context.Context) []models.CartItem {
	items, err := e.deps.Local.LoadGuestCart(ctx, e.sessionID)
	if err != nil {
		e.logger.Warn("Failed to load guest cart, starting empty", zap.Error(err))
		return nil
	}
	return items
}

// normalizeItems drops empty lines and folds duplicate products into one line.
func normalizeItems(items []models.CartItem) []models.CartItem {
	out := make([]models.CartItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		if item.Quantity <= 0 || item.ProductID == "" {
			continue
		}
		if i, ok := index[item.ProductID]; ok {
			out[i].Quantity += item.Quantity
			out[i].SubTotal = nil
			continue
		}
		index[item.ProductID] = len(out)
		out = append(out, item)
	}
	return out
}
