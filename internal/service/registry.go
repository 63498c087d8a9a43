package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cart-service/internal/models"
	"cart-service/internal/util"

	"go.uber.org/zap"
)

// EventDeduper marks an event id as handled. It returns false if the id was seen before.
type EventDeduper interface {
	MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
}

// engineKey separates guest and per-user engines of one browser session.
type engineKey struct {
	sessionID string
	subject   string
}

type registryEntry struct {
	engine   *Engine
	lastUsed time.Time
}

// Registry holds the live engines of this replica.
type Registry struct {
	deps       Dependencies
	deduper    EventDeduper
	instanceID string
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	engines map[engineKey]*registryEntry
}

// NewRegistry creates an empty registry. deduper may be nil. Every replica holds its own
// engines and must apply each stock event itself, so dedupe keys are scoped by instanceID.
func NewRegistry(deps Dependencies, deduper EventDeduper, instanceID string) *Registry {
	return &Registry{
		deps:       deps,
		deduper:    deduper,
		instanceID: instanceID,
		logger:     util.GetLogger(),
		now:        time.Now,
		engines:    make(map[engineKey]*registryEntry),
	}
}

// Engine returns the engine for a browser session, creating it on first use. Guests (empty
// subject) share the session's engine; each authenticated subject gets its own, so one user's
// member cart is never served to another presenting the same session id. All of them use the
// session's guest cart, which the first member request merges.
func (r *Registry) Engine(sessionID, subject string) *Engine {
	key := engineKey{sessionID: sessionID, subject: subject}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.engines[key]; ok {
		entry.lastUsed = r.now()
		return entry.engine
	}

	engine := NewEngine(sessionID, r.deps)
	r.engines[key] = &registryEntry{engine: engine, lastUsed: r.now()}
	util.CartSessionsActive.Inc()
	r.logger.Debug("Cart engine created",
		zap.String("session_id", sessionID),
		zap.Bool("member", subject != ""))
	return engine
}

// Len returns the number of live engines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}

// Sweep drops engines unused for longer than idle. Guest carts survive in the local store
// and are reloaded by the next bootstrap.
func (r *Registry) Sweep(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-idle)
	removed := 0
	for key, entry := range r.engines {
		if entry.lastUsed.Before(cutoff) {
			delete(r.engines, key)
			removed++
		}
	}
	if removed > 0 {
		util.CartSessionsActive.Sub(float64(removed))
		r.logger.Info("Swept idle cart sessions", zap.Int("removed", removed))
	}
	return removed
}

func (r *Registry) all() []*Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Engine, 0, len(r.engines))
	for _, entry := range r.engines {
		out = append(out, entry.engine)
	}
	return out
}

// ApplyStockUpdate refreshes stock on every live cart holding productID and returns
// how many carts changed.
func (r *Registry) ApplyStockUpdate(ctx context.Context, productID string, stock *int, status models.ProductStatus) int {
	updated := 0
	for _, engine := range r.all() {
		if engine.RefreshStock(ctx, productID, stock, status) {
			updated++
		}
	}
	return updated
}

func (r *Registry) dedupeKey(eventID string) string {
	if r.instanceID == "" {
		return eventID
	}
	return r.instanceID + ":" + eventID
}

// HandleStockUpdated applies a STOCK_UPDATED event at most once per event id.
func (r *Registry) HandleStockUpdated(ctx context.Context, event *models.StockUpdatedEvent) error {
	if event.ProductID == "" {
		util.StockUpdatesApplied.WithLabelValues("invalid").Inc()
		return fmt.Errorf("stock update %s has no product id", event.EventID)
	}

	if r.deduper != nil && event.EventID != "" {
		first, err := r.deduper.MarkEventProcessed(ctx, r.dedupeKey(event.EventID), 24*time.Hour)
		if err != nil {
			r.logger.Warn("Event dedupe check failed, applying anyway",
				zap.String("event_id", event.EventID),
				zap.Error(err))
		} else if !first {
			util.StockUpdatesApplied.WithLabelValues("duplicate").Inc()
			r.logger.Debug("Skipping duplicate stock update", zap.String("event_id", event.EventID))
			return nil
		}
	}

	updated := r.ApplyStockUpdate(ctx, event.ProductID, event.AvailableStock, event.ProductStatus)
	result := "applied"
	if updated == 0 {
		result = "ignored"
	}
	util.StockUpdatesApplied.WithLabelValues(result).Inc()
	r.logger.Debug("Stock update processed",
		zap.String("product_id", event.ProductID),
		zap.Int("carts", updated))
	return nil
}
