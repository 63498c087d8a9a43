package service

import (
	"context"
	"testing"
	"time"

	"cart-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryReusesEngines(t *testing.T) {
	h := newHarness()
	r := NewRegistry(h.deps(), nil, "")

	a := r.Engine("s1", "")
	assert.Same(t, a, r.Engine("s1", ""))
	assert.NotSame(t, a, r.Engine("s2", ""))
	assert.Equal(t, 2, r.Len())
}

func TestRegistrySeparatesUsersOfOneSession(t *testing.T) {
	h := newHarness()
	r := NewRegistry(h.deps(), nil, "")

	guest := r.Engine("s1", "")
	alice := r.Engine("s1", "alice")
	bob := r.Engine("s1", "bob")

	assert.NotSame(t, guest, alice)
	assert.NotSame(t, alice, bob)
	assert.Same(t, alice, r.Engine("s1", "alice"))
	assert.NotSame(t, alice, r.Engine("s1|alice", ""))

	// Every engine of the session shares its guest cart.
	assert.Equal(t, "s1", alice.SessionID())
	assert.Equal(t, "s1", bob.SessionID())
}

func TestRegistrySweepDropsIdleSessions(t *testing.T) {
	h := newHarness()
	r := NewRegistry(h.deps(), nil, "")
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	r.Engine("old", "")
	clock = clock.Add(time.Hour)
	r.Engine("fresh", "")

	assert.Equal(t, 1, r.Sweep(30*time.Minute))
	assert.Equal(t, 1, r.Len())
}

func TestHandleStockUpdatedRefreshesCarts(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	r := NewRegistry(h.deps(), &fakeDeduper{}, "replica-a")

	engine := r.Engine("s1", "")
	require.NoError(t, engine.Bootstrap(ctx, false))
	_, err := engine.AddItem(ctx, addInput("P1", 2, nil))
	require.NoError(t, err)

	event := &models.StockUpdatedEvent{
		BaseEvent:      models.BaseEvent{EventID: "evt-1", EventType: models.EventTypeStockUpdated},
		ProductID:      "P1",
		AvailableStock: models.IntPtr(1),
		ProductStatus:  models.ProductStatusAvailable,
	}
	require.NoError(t, r.HandleStockUpdated(ctx, event))
	assert.Equal(t, 1, *engine.Items()[0].AvailableStock)
	assert.False(t, engine.CanCheckout())

	// A redelivered event is ignored even if stock has since changed.
	engine.RefreshStock(ctx, "P1", models.IntPtr(9), "")
	require.NoError(t, r.HandleStockUpdated(ctx, event))
	assert.Equal(t, 9, *engine.Items()[0].AvailableStock)

	assert.Error(t, r.HandleStockUpdated(ctx, &models.StockUpdatedEvent{}))
}

func TestStockUpdateReachesEveryReplica(t *testing.T) {
	ctx := context.Background()
	shared := &fakeDeduper{}

	var engines []*Engine
	for _, instance := range []string{"replica-a", "replica-b"} {
		h := newHarness()
		r := NewRegistry(h.deps(), shared, instance)
		engine := r.Engine("s1", "")
		require.NoError(t, engine.Bootstrap(ctx, false))
		_, err := engine.AddItem(ctx, addInput("P1", 2, nil))
		require.NoError(t, err)
		engines = append(engines, engine)

		event := &models.StockUpdatedEvent{
			BaseEvent:      models.BaseEvent{EventID: "evt-7", EventType: models.EventTypeStockUpdated},
			ProductID:      "P1",
			AvailableStock: models.IntPtr(0),
		}
		require.NoError(t, r.HandleStockUpdated(ctx, event))
	}

	for _, engine := range engines {
		assert.False(t, engine.CanCheckout())
	}
}
