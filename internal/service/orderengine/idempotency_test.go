package orderengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/krobus00/execution-engine/internal/service/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIdempotency struct {
	mu         sync.Mutex
	owners     map[string]string
	released   []string
	reserves   int
	reserveErr error
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{owners: make(map[string]string)}
}

func (f *fakeIdempotency) Reserve(_ context.Context, clientRequestID, strategyID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reserves++
	if f.reserveErr != nil {
		return "", false, f.reserveErr
	}
	if owner, ok := f.owners[clientRequestID]; ok {
		return owner, owner == strategyID, nil
	}
	f.owners[clientRequestID] = strategyID
	return strategyID, true, nil
}

func (f *fakeIdempotency) Release(_ context.Context, clientRequestID, strategyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.owners[clientRequestID] == strategyID {
		delete(f.owners, clientRequestID)
		f.released = append(f.released, clientRequestID)
	}
	return nil
}

// fakeStrategyStore stands in for the database: client request ids are
// unique, and racing entries appear only once another instance's insert wins.
type fakeStrategyStore struct {
	mu        sync.Mutex
	stored    map[string]entity.Strategy
	racing    map[string]entity.Strategy
	orders    int
	lookupErr error
}

func newFakeStrategyStore() *fakeStrategyStore {
	return &fakeStrategyStore{stored: make(map[string]entity.Strategy), racing: make(map[string]entity.Strategy)}
}

func (f *fakeStrategyStore) UpsertStrategy(_ context.Context, strategy entity.Strategy) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if winner, ok := f.racing[strategy.ClientRequestID]; ok {
		delete(f.racing, strategy.ClientRequestID)
		f.stored[strategy.ClientRequestID] = winner
	}
	if existing, ok := f.stored[strategy.ClientRequestID]; ok && existing.ID != strategy.ID {
		return fmt.Errorf("%w: %s", entity.ErrDuplicateClientRequestID, strategy.ClientRequestID)
	}
	f.stored[strategy.ClientRequestID] = strategy
	return nil
}

func (f *fakeStrategyStore) UpsertOrder(context.Context, entity.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders++
	return nil
}

func (f *fakeStrategyStore) GetStrategyByClientRequestID(_ context.Context, clientRequestID string) (*entity.Strategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	strategy, ok := f.stored[clientRequestID]
	if !ok {
		return nil, nil
	}
	return &strategy, nil
}

func TestPlaceOrderLegClientIDsDoNotCollideWithRequests(t *testing.T) {
	gw := newFakeGateway()
	engine, reg := newTestEngine(t, gw)

	simple, err := engine.PlaceOrder(context.Background(), limitRequest("abc-0"))
	require.NoError(t, err)

	oco, err := engine.PlaceOrder(context.Background(), ocoRequest("abc"))
	require.NoError(t, err)

	require.Equal(t, 3, gw.submitCount())
	seen := map[string]struct{}{}
	for i := 0; i < 3; i++ {
		clientID := gw.submitted(i).ClientRequestID
		assert.NotContains(t, []string{"abc", "abc-0", "abc-1"}, clientID)
		seen[clientID] = struct{}{}
	}
	assert.Len(t, seen, 3)

	simpleLeg := legsOf(t, reg, simple.StrategyID)[0]
	assert.Equal(t, "ex-1", simpleLeg.ID)
	assert.True(t, simpleLeg.Price.Decimal.Equal(d("99000")))

	ocoLegs := legsOf(t, reg, oco.StrategyID)
	assert.Equal(t, "ex-2", ocoLegs[0].ID)
	assert.Equal(t, "ex-3", ocoLegs[1].ID)
	for _, leg := range ocoLegs {
		assert.Equal(t, entity.OrderStatusOpen, leg.Status)
		legID, ok := reg.FindLeg(leg.ID, "")
		require.True(t, ok)
		assert.Equal(t, leg.LegID, legID)
	}

	filled := gw.fill(simpleLeg.ClientRequestID, "0.001", "99000")
	require.NoError(t, engine.ApplyOrderUpdate(context.Background(), filled))
	assert.Equal(t, entity.OrderStatusFilled, legsOf(t, reg, simple.StrategyID)[0].Status)
	assert.Equal(t, entity.OrderStatusOpen, legsOf(t, reg, oco.StrategyID)[0].Status)
	assert.Empty(t, gw.canceledClientIDs())
}

func TestPlaceOrderStoredRequestIsDuplicate(t *testing.T) {
	gw := newFakeGateway()
	store := newFakeStrategyStore()
	store.stored["req-old"] = entity.Strategy{
		ID:              "strategy-old",
		ClientRequestID: "req-old",
		Status:          entity.StrategyStatusCompleted,
		Legs:            []string{"leg-old"},
	}
	idempotency := newFakeIdempotency()
	engine, reg := newTestEngineWith(t, gw, store, idempotency)

	result, err := engine.PlaceOrder(context.Background(), limitRequest("req-old"))
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, "strategy-old", result.StrategyID)
	assert.Equal(t, []string{"leg-old"}, result.LegIDs)

	assert.Equal(t, 0, gw.submitCount())
	assert.Equal(t, 0, idempotency.reserves)
	_, ok := reg.LookupByRequestID("req-old")
	assert.False(t, ok)
}

func TestPlaceOrderStoredLookupFailure(t *testing.T) {
	gw := newFakeGateway()
	store := newFakeStrategyStore()
	store.lookupErr = errors.New("connection reset")
	engine, _ := newTestEngineWith(t, gw, store, nil)

	_, err := engine.PlaceOrder(context.Background(), limitRequest("req-1"))
	require.ErrorIs(t, err, ErrIdempotencyUnavailable)
	assert.Equal(t, 0, gw.submitCount())
}

func TestPlaceOrderStorageConflictIsDuplicate(t *testing.T) {
	gw := newFakeGateway()
	store := newFakeStrategyStore()
	store.racing["req-race"] = entity.Strategy{
		ID:              "strategy-elsewhere",
		ClientRequestID: "req-race",
		Status:          entity.StrategyStatusOpen,
		Legs:            []string{"leg-elsewhere"},
	}
	idempotency := newFakeIdempotency()
	engine, reg := newTestEngineWith(t, gw, store, idempotency)

	result, err := engine.PlaceOrder(context.Background(), limitRequest("req-race"))
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, "strategy-elsewhere", result.StrategyID)

	assert.Equal(t, 0, gw.submitCount())
	assert.Equal(t, 0, store.orders)
	assert.Equal(t, []string{"req-race"}, idempotency.released)
	_, ok := reg.LookupByRequestID("req-race")
	assert.False(t, ok)
	assert.Empty(t, engine.GetOpenOrders(context.Background()))
}

func TestPlaceOrderReservedByAnotherInstance(t *testing.T) {
	gw := newFakeGateway()
	idempotency := newFakeIdempotency()
	idempotency.owners["req-taken"] = "strategy-elsewhere"
	engine, reg := newTestEngineWith(t, gw, nil, idempotency)

	result, err := engine.PlaceOrder(context.Background(), limitRequest("req-taken"))
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, "strategy-elsewhere", result.StrategyID)
	assert.Empty(t, result.LegIDs)

	assert.Equal(t, 0, gw.submitCount())
	assert.Empty(t, idempotency.released)
	_, ok := reg.LookupByRequestID("req-taken")
	assert.False(t, ok)
}

func TestPlaceOrderReservesClientRequestID(t *testing.T) {
	gw := newFakeGateway()
	idempotency := newFakeIdempotency()
	engine, _ := newTestEngineWith(t, gw, nil, idempotency)

	result, err := engine.PlaceOrder(context.Background(), limitRequest("req-fresh"))
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, result.StrategyID, idempotency.owners["req-fresh"])
	assert.Empty(t, idempotency.released)
	assert.Equal(t, 1, gw.submitCount())

	again, err := engine.PlaceOrder(context.Background(), limitRequest("req-fresh"))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, 1, idempotency.reserves, "in-memory duplicates never reach the store")
}

func TestPlaceOrderReservationUnavailable(t *testing.T) {
	gw := newFakeGateway()
	idempotency := newFakeIdempotency()
	idempotency.reserveErr = errors.New("dial tcp: connection refused")
	engine, reg := newTestEngineWith(t, gw, nil, idempotency)

	_, err := engine.PlaceOrder(context.Background(), limitRequest("req-1"))
	require.ErrorIs(t, err, ErrIdempotencyUnavailable)
	assert.Equal(t, 0, gw.submitCount())
	_, ok := reg.LookupByRequestID("req-1")
	assert.False(t, ok)
}

type fakeHeartbeats struct {
	mu       sync.Mutex
	alive    bool
	aliveErr error
	beats    []time.Duration
	owners   []string
}

func (f *fakeHeartbeats) Heartbeat(_ context.Context, name string, owner string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == GatewayHeartbeatName {
		f.beats = append(f.beats, ttl)
		f.owners = append(f.owners, owner)
	}
	return nil
}

func (f *fakeHeartbeats) HeartbeatAlive(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive, f.aliveErr
}

func (f *fakeHeartbeats) StopHeartbeat(context.Context, string, string) error {
	return nil
}

func (f *fakeHeartbeats) beatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.beats)
}

func TestStandaloneSyncYieldsToLiveGateway(t *testing.T) {
	gw := newFakeGateway()
	engine, reg := newTestEngine(t, gw)

	_, err := reg.CreateStrategy(context.Background(), entity.Strategy{
		ID:              "twap-running-elsewhere",
		Kind:            entity.StrategyKindTWAP,
		ClientRequestID: "req-twap-elsewhere",
		Symbol:          "BTCUSDT",
	}, []entity.Order{
		{LegID: "slice-1", ClientRequestID: "slice-client-1", Symbol: "BTCUSDT", Side: entity.OrderSideBuy, Kind: entity.OrderKindMarket, Quantity: d("0.001")},
	})
	require.NoError(t, err)

	beats := &fakeHeartbeats{alive: true}
	syncService := NewOrderStatusSyncService(engine, nil, time.Second).Standalone(beats)

	syncService.SyncPendingOrders(context.Background())
	order, err := reg.GetOrder("slice-1")
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusPendingSubmit, order.Status)

	beats.alive, beats.aliveErr = false, errors.New("redis down")
	syncService.SyncPendingOrders(context.Background())
	order, err = reg.GetOrder("slice-1")
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusPendingSubmit, order.Status, "an unknown gateway state is treated as alive")

	beats.aliveErr = nil
	syncService.SyncPendingOrders(context.Background())
	order, err = reg.GetOrder("slice-1")
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusCanceled, order.Status)
}

func TestEnsureNoGateway(t *testing.T) {
	assert.NoError(t, EnsureNoGateway(context.Background(), &fakeHeartbeats{}))
	assert.ErrorIs(t, EnsureNoGateway(context.Background(), &fakeHeartbeats{alive: true}), ErrGatewayRunning)

	err := EnsureNoGateway(context.Background(), &fakeHeartbeats{aliveErr: errors.New("redis down")})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrGatewayRunning)
}

func TestRunGatewayHeartbeat(t *testing.T) {
	beats := &fakeHeartbeats{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		RunGatewayHeartbeat(ctx, beats, "instance-a", 5*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return beats.beatCount() >= 3 }, time.Second, time.Millisecond)
	cancel()
	<-done

	beats.mu.Lock()
	defer beats.mu.Unlock()
	assert.Equal(t, 15*time.Millisecond, beats.beats[0])
	assert.Equal(t, "instance-a", beats.owners[0])
}

var _ registry.RequestLookup = (*fakeStrategyStore)(nil)
