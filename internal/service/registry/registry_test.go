package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []entity.LifecycleEvent
}

func (n *recordingNotifier) Notify(event entity.LifecycleEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) count(eventType entity.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, e := range n.events {
		if e.Type == eventType {
			total++
		}
	}
	return total
}

type memoryStore struct {
	mu         sync.Mutex
	strategies map[string]entity.Strategy
	orders     map[string]entity.Order
}

func newMemoryStore() *memoryStore {
	return &memoryStore{strategies: map[string]entity.Strategy{}, orders: map[string]entity.Order{}}
}

func (s *memoryStore) UpsertStrategy(_ context.Context, strategy entity.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, stored := range s.strategies {
		if id != strategy.ID && stored.ClientRequestID == strategy.ClientRequestID {
			return fmt.Errorf("%w: %s", entity.ErrDuplicateClientRequestID, strategy.ClientRequestID)
		}
	}
	s.strategies[strategy.ID] = strategy
	return nil
}

func (s *memoryStore) GetStrategyByClientRequestID(_ context.Context, clientRequestID string) (*entity.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stored := range s.strategies {
		if stored.ClientRequestID == clientRequestID {
			found := stored
			return &found, nil
		}
	}
	return nil, nil
}

func (s *memoryStore) UpsertOrder(_ context.Context, order entity.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.orders[order.LegID]; ok && existing.Version > order.Version {
		return nil
	}
	s.orders[order.LegID] = order
	return nil
}

func newTestStrategy(t *testing.T, reg *Registry, requestID string, legCount int) entity.Strategy {
	t.Helper()

	strategy := entity.Strategy{
		ID:              "strategy-" + requestID,
		Kind:            entity.StrategyKindGrid,
		ClientRequestID: requestID,
		Symbol:          "BTCUSDT",
	}
	legs := make([]entity.Order, legCount)
	for i := range legs {
		legs[i] = entity.Order{
			LegID:           fmt.Sprintf("%s-leg-%d", requestID, i),
			ClientRequestID: fmt.Sprintf("%s-%d", requestID, i),
			LegIndex:        i,
			Symbol:          "BTCUSDT",
			Side:            entity.OrderSideBuy,
			Kind:            entity.OrderKindLimit,
			Quantity:        decimal.RequireFromString("0.001"),
			Price:           decimal.NewNullDecimal(decimal.NewFromInt(100000)),
		}
	}

	created, err := reg.CreateStrategy(context.Background(), strategy, legs)
	require.NoError(t, err)
	return created
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to entity.OrderStatus
		want     bool
	}{
		{entity.OrderStatusPendingSubmit, entity.OrderStatusOpen, true},
		{entity.OrderStatusPendingSubmit, entity.OrderStatusRejected, true},
		{entity.OrderStatusPendingSubmit, entity.OrderStatusFilled, false},
		{entity.OrderStatusOpen, entity.OrderStatusPartiallyFilled, true},
		{entity.OrderStatusPartiallyFilled, entity.OrderStatusOpen, true},
		{entity.OrderStatusOpen, entity.OrderStatusRejected, false},
		{entity.OrderStatusCanceled, entity.OrderStatusOpen, false},
		{entity.OrderStatusFilled, entity.OrderStatusCanceled, false},
		{entity.OrderStatusExpired, entity.OrderStatusOpen, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCreateStrategyDuplicateRequest(t *testing.T) {
	notifier := &recordingNotifier{}
	reg := New(Options{Notifier: notifier})
	first := newTestStrategy(t, reg, "req-1", 2)

	existing, err := reg.CreateStrategy(context.Background(), entity.Strategy{ID: "other", ClientRequestID: "req-1"}, nil)
	require.ErrorIs(t, err, ErrDuplicateClientRequestID)
	assert.Equal(t, first.ID, existing.ID)
	assert.Equal(t, first.Legs, existing.Legs)
	assert.Equal(t, 1, notifier.count(entity.EventStrategyCreated))

	found, ok := reg.LookupByRequestID("req-1")
	require.True(t, ok)
	assert.Equal(t, first.ID, found.ID)
}

func TestCreateStrategyRejectsTrackedLegClientID(t *testing.T) {
	reg := New(Options{})
	first := newTestStrategy(t, reg, "abc", 1)

	legs := []entity.Order{
		{LegID: "leg-new-0", ClientRequestID: "abc-0", Symbol: "BTCUSDT", Side: entity.OrderSideBuy, Kind: entity.OrderKindLimit},
	}
	_, err := reg.CreateStrategy(context.Background(), entity.Strategy{ID: "strategy-new", ClientRequestID: "new"}, legs)
	require.ErrorIs(t, err, ErrLegClientIDInUse)

	legID, ok := reg.FindLeg("", "abc-0")
	require.True(t, ok)
	assert.Equal(t, first.Legs[0], legID)
	_, ok = reg.LookupByRequestID("new")
	assert.False(t, ok)

	repeated := []entity.Order{
		{LegID: "leg-r-0", ClientRequestID: "same", Symbol: "BTCUSDT"},
		{LegID: "leg-r-1", ClientRequestID: "same", Symbol: "BTCUSDT"},
	}
	_, err = reg.CreateStrategy(context.Background(), entity.Strategy{ID: "strategy-r", ClientRequestID: "r"}, repeated)
	assert.ErrorIs(t, err, ErrLegClientIDInUse)
}

func TestCreateStrategyStoredDuplicate(t *testing.T) {
	store := newMemoryStore()
	store.strategies["old"] = entity.Strategy{
		ID:              "old",
		ClientRequestID: "req-old",
		Status:          entity.StrategyStatusCompleted,
		Legs:            []string{"old-leg"},
	}
	reg := New(Options{Store: store})

	stored, found, err := reg.LookupStoredRequestID(context.Background(), "req-old")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "old", stored.ID)

	legs := []entity.Order{{LegID: "new-leg", ClientRequestID: "new-client", Symbol: "BTCUSDT"}}
	existing, err := reg.CreateStrategy(context.Background(), entity.Strategy{ID: "new", ClientRequestID: "req-old"}, legs)
	require.ErrorIs(t, err, ErrDuplicateClientRequestID)
	assert.Equal(t, "old", existing.ID)
	assert.Equal(t, []string{"old-leg"}, existing.Legs)

	_, err = reg.GetStrategy("new")
	assert.ErrorIs(t, err, ErrStrategyNotFound)
	_, err = reg.GetOrder("new-leg")
	assert.ErrorIs(t, err, ErrOrderNotFound)
	_, ok := reg.FindLeg("", "new-client")
	assert.False(t, ok)
	_, ok = reg.LookupByRequestID("req-old")
	assert.False(t, ok)
	assert.NotContains(t, store.orders, "new-leg")

	_, found, err = reg.LookupStoredRequestID(context.Background(), "req-missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTransitionCompareAndSet(t *testing.T) {
	reg := New(Options{})
	strategy := newTestStrategy(t, reg, "req-cas", 1)
	legID := strategy.Legs[0]

	updated, err := reg.Transition(context.Background(), legID, entity.OrderStatusPendingSubmit, entity.OrderStatusOpen, func(o *entity.Order) {
		o.ID = "12345"
		o.Quantity = decimal.NewFromInt(99)
	})
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusOpen, updated.Status)
	assert.True(t, updated.Quantity.Equal(decimal.RequireFromString("0.001")), "quantity is immutable")

	_, err = reg.Transition(context.Background(), legID, entity.OrderStatusPendingSubmit, entity.OrderStatusCanceled, nil)
	require.ErrorIs(t, err, ErrStateConflict)

	found, ok := reg.FindLeg("12345", "")
	require.True(t, ok)
	assert.Equal(t, legID, found)
}

func TestTransitionIllegalQuarantines(t *testing.T) {
	notifier := &recordingNotifier{}
	reg := New(Options{Notifier: notifier})
	strategy := newTestStrategy(t, reg, "req-illegal", 1)
	legID := strategy.Legs[0]
	ctx := context.Background()

	_, err := reg.Transition(ctx, legID, entity.OrderStatusPendingSubmit, entity.OrderStatusCanceled, nil)
	require.NoError(t, err)

	_, err = reg.Transition(ctx, legID, entity.OrderStatusCanceled, entity.OrderStatusOpen, nil)
	require.ErrorIs(t, err, ErrInvariantViolation)

	var violation *InvariantViolationError
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, entity.OrderStatusCanceled, violation.From)
	assert.Equal(t, entity.OrderStatusOpen, violation.To)

	order, err := reg.GetOrder(legID)
	require.NoError(t, err)
	assert.True(t, order.Quarantined)
	assert.Equal(t, entity.OrderStatusCanceled, order.Status)

	got, err := reg.GetStrategy(strategy.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StrategyStatusQuarantined, got.Status)
	assert.True(t, got.HasAnomaly(entity.AnomalyCodeInvariantViolation))
	assert.Equal(t, 1, notifier.count(entity.EventAnomalyDetected))
}

func TestApplySnapshotWalksPathAndDiscardsStale(t *testing.T) {
	notifier := &recordingNotifier{}
	store := newMemoryStore()
	reg := New(Options{Notifier: notifier, Store: store})
	strategy := newTestStrategy(t, reg, "req-snap", 1)
	legID := strategy.Legs[0]
	ctx := context.Background()
	now := time.Now().UTC()

	_, updated, changed, err := reg.ApplySnapshot(ctx, legID, entity.OrderSnapshot{
		ExchangeOrderID: "9001",
		Status:          entity.OrderStatusFilled,
		FilledQuantity:  decimal.RequireFromString("0.001"),
		AvgFillPrice:    decimal.NewNullDecimal(decimal.NewFromInt(100100)),
		UpdatedAt:       now,
	})
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, entity.OrderStatusFilled, updated.Status)
	assert.Equal(t, "9001", updated.ID)
	assert.Equal(t, int64(3), updated.Version)

	_, after, changed, err := reg.ApplySnapshot(ctx, legID, entity.OrderSnapshot{
		ExchangeOrderID: "9001",
		Status:          entity.OrderStatusOpen,
		UpdatedAt:       now.Add(-time.Second),
	})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, entity.OrderStatusFilled, after.Status)

	got, err := reg.GetStrategy(strategy.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StrategyStatusCompleted, got.Status)
	assert.NotNil(t, got.ArchivedAt)

	assert.Equal(t, 1, notifier.count(entity.EventLegFilled))
	assert.Equal(t, 1, notifier.count(entity.EventStrategyTerminal))
	assert.Equal(t, entity.OrderStatusFilled, store.orders[legID].Status)
	assert.Equal(t, entity.StrategyStatusCompleted, store.strategies[strategy.ID].Status)
}

func TestApplySnapshotPartialFills(t *testing.T) {
	reg := New(Options{})
	strategy := newTestStrategy(t, reg, "req-partial", 1)
	legID := strategy.Legs[0]
	ctx := context.Background()

	_, err := reg.Transition(ctx, legID, entity.OrderStatusPendingSubmit, entity.OrderStatusOpen, nil)
	require.NoError(t, err)

	_, updated, changed, err := reg.ApplySnapshot(ctx, legID, entity.OrderSnapshot{
		Status:         entity.OrderStatusPartiallyFilled,
		FilledQuantity: decimal.RequireFromString("0.0004"),
	})
	require.NoError(t, err)
	require.True(t, changed)
	assert.False(t, updated.FullyFilled())

	_, _, changed, err = reg.ApplySnapshot(ctx, legID, entity.OrderSnapshot{
		Status:         entity.OrderStatusPartiallyFilled,
		FilledQuantity: decimal.RequireFromString("0.0002"),
	})
	require.NoError(t, err)
	assert.False(t, changed, "lower fill quantity is stale")

	_, updated, changed, err = reg.ApplySnapshot(ctx, legID, entity.OrderSnapshot{
		Status:         entity.OrderStatusPartiallyFilled,
		FilledQuantity: decimal.RequireFromString("0.001"),
	})
	require.NoError(t, err)
	require.True(t, changed)
	assert.True(t, updated.FullyFilled())
}

func TestApplySnapshotConflictingTerminal(t *testing.T) {
	reg := New(Options{})
	strategy := newTestStrategy(t, reg, "req-conflict", 1)
	legID := strategy.Legs[0]
	ctx := context.Background()

	_, err := reg.Transition(ctx, legID, entity.OrderStatusPendingSubmit, entity.OrderStatusCanceled, nil)
	require.NoError(t, err)

	_, _, _, err = reg.ApplySnapshot(ctx, legID, entity.OrderSnapshot{
		Status:         entity.OrderStatusFilled,
		FilledQuantity: decimal.RequireFromString("0.001"),
	})
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestBeginSubmitGuardsInFlight(t *testing.T) {
	reg := New(Options{})
	strategy := newTestStrategy(t, reg, "req-inflight", 1)
	legID := strategy.Legs[0]

	_, err := reg.BeginSubmit(legID)
	require.NoError(t, err)

	_, err = reg.BeginSubmit(legID)
	require.ErrorIs(t, err, ErrSubmitInFlight)

	reg.EndSubmit(legID)
	_, err = reg.Transition(context.Background(), legID, entity.OrderStatusPendingSubmit, entity.OrderStatusOpen, nil)
	require.NoError(t, err)

	_, err = reg.BeginSubmit(legID)
	require.ErrorIs(t, err, ErrNotSubmittable)
}

func TestStrategyAggregateStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("all rejected", func(t *testing.T) {
		reg := New(Options{})
		strategy := newTestStrategy(t, reg, "req-rejected", 2)
		for _, legID := range strategy.Legs {
			_, err := reg.Transition(ctx, legID, entity.OrderStatusPendingSubmit, entity.OrderStatusRejected, nil)
			require.NoError(t, err)
		}
		got, err := reg.GetStrategy(strategy.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.StrategyStatusRejected, got.Status)
	})

	t.Run("cancel requested then canceled", func(t *testing.T) {
		reg := New(Options{})
		strategy := newTestStrategy(t, reg, "req-cancel", 2)

		got, err := reg.MarkCancelRequested(ctx, strategy.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.StrategyStatusCanceling, got.Status)

		_, err = reg.Transition(ctx, strategy.Legs[0], entity.OrderStatusPendingSubmit, entity.OrderStatusCanceled, nil)
		require.NoError(t, err)
		got, err = reg.GetStrategy(strategy.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.StrategyStatusCanceling, got.Status)

		_, err = reg.Transition(ctx, strategy.Legs[1], entity.OrderStatusPendingSubmit, entity.OrderStatusCanceled, nil)
		require.NoError(t, err)
		got, err = reg.GetStrategy(strategy.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.StrategyStatusCanceled, got.Status)
	})
}

func TestOpenOrdersAndHistory(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := New(Options{
		HistoryLimit: 2,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})

	a := newTestStrategy(t, reg, "req-a", 2)
	b := newTestStrategy(t, reg, "req-b", 1)
	c := newTestStrategy(t, reg, "req-c", 1)

	_, err := reg.Transition(ctx, a.Legs[0], entity.OrderStatusPendingSubmit, entity.OrderStatusCanceled, nil)
	require.NoError(t, err)

	open := reg.OpenOrders()
	require.Len(t, open, 3)
	assert.Equal(t, a.ID, open[0].StrategyID)
	require.Len(t, open[0].Orders, 1)
	assert.Equal(t, a.Legs[1], open[0].Orders[0].LegID)

	_, err = reg.Transition(ctx, b.Legs[0], entity.OrderStatusPendingSubmit, entity.OrderStatusRejected, nil)
	require.NoError(t, err)
	_, err = reg.Transition(ctx, c.Legs[0], entity.OrderStatusPendingSubmit, entity.OrderStatusCanceled, nil)
	require.NoError(t, err)

	history := reg.OrderHistory(entity.OrderHistoryFilter{})
	require.Len(t, history, 2)
	assert.Equal(t, c.Legs[0], history[0].LegID)
	assert.Equal(t, b.Legs[0], history[1].LegID)

	history = reg.OrderHistory(entity.OrderHistoryFilter{Limit: 1})
	require.Len(t, history, 1)

	_, err = reg.Transition(ctx, a.Legs[1], entity.OrderStatusPendingSubmit, entity.OrderStatusCanceled, nil)
	require.NoError(t, err)

	_, err = reg.GetStrategy(b.ID)
	require.ErrorIs(t, err, ErrStrategyNotFound, "oldest archived strategy is evicted")

	_, ok := reg.LookupByRequestID("req-b")
	assert.True(t, ok, "request ids survive eviction")
}

func TestRestore(t *testing.T) {
	reg := New(Options{})
	now := time.Now().UTC()
	reg.Restore([]entity.Strategy{{
		ID:              "s-1",
		Kind:            entity.StrategyKindSimple,
		ClientRequestID: "req-restore",
		Status:          entity.StrategyStatusOpen,
		Legs:            []string{"leg-1"},
		CreatedAt:       now,
	}}, []entity.Order{{
		LegID:           "leg-1",
		ID:              "777",
		ClientRequestID: "req-restore",
		StrategyID:      "s-1",
		Status:          entity.OrderStatusOpen,
	}})

	legID, ok := reg.FindLeg("777", "")
	require.True(t, ok)
	assert.Equal(t, "leg-1", legID)

	pending := reg.PendingOrders()
	require.Len(t, pending, 1)
	assert.Equal(t, "leg-1", pending[0].LegID)
}
