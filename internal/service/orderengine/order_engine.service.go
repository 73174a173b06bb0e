package orderengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/krobus00/execution-engine/internal/service/registry"
	"github.com/krobus00/execution-engine/internal/service/risk"
	"github.com/krobus00/execution-engine/internal/service/strategy"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const defaultCancelConcurrency = 4

type AsyncConfig struct {
	MaxRetries     int
	HandlerTimeout time.Duration
}

type Options struct {
	Gateway  entity.ExchangeGateway
	Registry *registry.Registry
	Guard    *risk.Guard
	// Idempotency reserves clientRequestIds across engine instances.
	Idempotency       registry.IdempotencyStore
	JetStream         nats.JetStreamContext
	Async             AsyncConfig
	CancelConcurrency int
}

type OrderEngineService struct {
	gateway           entity.ExchangeGateway
	registry          *registry.Registry
	guard             *risk.Guard
	idempotency       registry.IdempotencyStore
	js                nats.JetStreamContext
	async             AsyncConfig
	cancelConcurrency int

	locks *keyedMutex

	mu        sync.Mutex
	active    map[string]struct{}
	runners   map[string]context.CancelFunc
	uncertain map[string]struct{}

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewOrderEngineService(opts Options) *OrderEngineService {
	if opts.CancelConcurrency <= 0 {
		opts.CancelConcurrency = defaultCancelConcurrency
	}

	baseCtx, stop := context.WithCancel(context.Background())

	return &OrderEngineService{
		gateway:           opts.Gateway,
		registry:          opts.Registry,
		guard:             opts.Guard,
		idempotency:       opts.Idempotency,
		js:                opts.JetStream,
		async:             opts.Async,
		cancelConcurrency: opts.CancelConcurrency,
		locks:             newKeyedMutex(),
		active:            make(map[string]struct{}),
		runners:           make(map[string]context.CancelFunc),
		uncertain:         make(map[string]struct{}),
		baseCtx:           baseCtx,
		stop:              stop,
	}
}

// PlaceOrder validates req, records the strategy and starts submitting its
// legs. SIMPLE and OCO legs are submitted before returning; TWAP and GRID
// legs are scheduled in the background. A clientRequestId accepted before
// returns the original placement with Duplicate set.
func (s *OrderEngineService) PlaceOrder(ctx context.Context, req entity.PlaceOrderRequest) (*entity.PlaceOrderResult, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s.baseCtx.Err() != nil {
		return nil, ErrEngineStopped
	}

	req.Normalize()
	kind := string(req.StrategyKind)

	if req.ClientRequestID != "" {
		if existing, ok := s.registry.LookupByRequestID(req.ClientRequestID); ok {
			strategiesPlaced.WithLabelValues(kind, "duplicate").Inc()
			logrus.WithFields(logrus.Fields{
				"client_request_id": req.ClientRequestID,
				"strategy_id":       existing.ID,
			}).Warn("duplicate order request")
			return duplicateResult(existing), nil
		}

		stored, found, err := s.registry.LookupStoredRequestID(ctx, req.ClientRequestID)
		if err != nil {
			strategiesPlaced.WithLabelValues(kind, "error").Inc()
			logrus.WithError(err).WithField("client_request_id", req.ClientRequestID).Error("failed to look up stored client request id")
			return nil, fmt.Errorf("%w: %v", ErrIdempotencyUnavailable, err)
		}
		if found {
			strategiesPlaced.WithLabelValues(kind, "duplicate").Inc()
			logrus.WithFields(logrus.Fields{
				"client_request_id": req.ClientRequestID,
				"strategy_id":       stored.ID,
			}).Warn("duplicate order request for stored strategy")
			return duplicateResult(stored), nil
		}
	}

	plan, err := s.guard.Validate(ctx, req)
	if err != nil {
		strategiesPlaced.WithLabelValues(kind, "invalid").Inc()
		return nil, err
	}

	strategyID := uuid.NewString()

	if s.idempotency != nil {
		owner, reserved, err := s.idempotency.Reserve(ctx, req.ClientRequestID, strategyID)
		if err != nil {
			strategiesPlaced.WithLabelValues(kind, "error").Inc()
			logrus.WithError(err).WithField("client_request_id", req.ClientRequestID).Error("failed to reserve client request id")
			return nil, fmt.Errorf("%w: %v", ErrIdempotencyUnavailable, err)
		}
		if !reserved {
			strategiesPlaced.WithLabelValues(kind, "duplicate").Inc()
			logrus.WithFields(logrus.Fields{
				"client_request_id": req.ClientRequestID,
				"strategy_id":       owner,
			}).Warn("client request id reserved by another engine instance")
			return &entity.PlaceOrderResult{StrategyID: owner, LegIDs: []string{}, Duplicate: true}, nil
		}
	}

	s.markActive(strategyID)

	created, err := s.registry.CreateStrategy(ctx, entity.Strategy{
		ID:              strategyID,
		Kind:            req.StrategyKind,
		ClientRequestID: req.ClientRequestID,
		Symbol:          req.Symbol,
		Request:         req,
	}, buildLegs(strategyID, req, plan.Legs))
	if err != nil {
		s.unmarkActive(strategyID)
		if s.idempotency != nil {
			if releaseErr := s.idempotency.Release(context.WithoutCancel(ctx), req.ClientRequestID, strategyID); releaseErr != nil {
				logrus.WithError(releaseErr).Warn("failed to release client request id reservation")
			}
		}
		if errors.Is(err, registry.ErrDuplicateClientRequestID) && created.ID != "" {
			strategiesPlaced.WithLabelValues(kind, "duplicate").Inc()
			return duplicateResult(created), nil
		}
		if errors.Is(err, registry.ErrLegClientIDInUse) {
			strategiesPlaced.WithLabelValues(kind, "invalid").Inc()
			return nil, fmt.Errorf("%w: %w", risk.ErrValidation, err)
		}
		strategiesPlaced.WithLabelValues(kind, "error").Inc()
		return nil, err
	}

	result := &entity.PlaceOrderResult{StrategyID: created.ID, LegIDs: created.Legs}

	switch req.StrategyKind {
	case entity.StrategyKindTWAP:
		interval := req.TWAP.Interval()
		s.startRunner(created.ID, func(ctx context.Context) {
			s.runTWAP(ctx, created, interval)
		})
	case entity.StrategyKindGrid:
		s.startRunner(created.ID, func(ctx context.Context) {
			s.runGrid(ctx, created)
		})
	default:
		err := s.submitSync(context.WithoutCancel(ctx), created)
		s.unmarkActive(created.ID)
		if err != nil {
			strategiesPlaced.WithLabelValues(kind, "failed").Inc()
			return result, fmt.Errorf("%w: %w", ErrPlaceOrderFailed, err)
		}
	}

	strategiesPlaced.WithLabelValues(kind, "accepted").Inc()

	return result, nil
}

func (s *OrderEngineService) GetStrategy(_ context.Context, strategyID string) (*entity.StrategyView, error) {
	found, err := s.registry.GetStrategy(strategyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, strategyID)
	}

	orders, err := s.registry.StrategyOrders(strategyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, strategyID)
	}

	return &entity.StrategyView{
		Strategy: found,
		Orders:   orders,
		Summary:  entity.Summarize(orders),
	}, nil
}

// GetOpenOrders lists non-terminal orders grouped by strategy.
func (s *OrderEngineService) GetOpenOrders(_ context.Context) []entity.StrategyOrders {
	return s.registry.OpenOrders()
}

// GetOrderHistory lists terminal orders, most recent first.
func (s *OrderEngineService) GetOrderHistory(_ context.Context, filter entity.OrderHistoryFilter) []entity.Order {
	return s.registry.OrderHistory(filter)
}

// ApplyOrderUpdate feeds a venue snapshot into the registry and runs the
// strategy reactions it triggers.
func (s *OrderEngineService) ApplyOrderUpdate(ctx context.Context, snapshot entity.OrderSnapshot) error {
	legID, ok := s.registry.FindLeg(snapshot.ExchangeOrderID, snapshot.ClientRequestID)
	if !ok {
		return fmt.Errorf("%w: exchange order %s", registry.ErrOrderNotFound, snapshot.ExchangeOrderID)
	}

	order, err := s.registry.GetOrder(legID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(order.StrategyID)
	defer unlock()

	if order.Status == entity.OrderStatusPendingSubmit {
		s.clearUncertain(legID)
	}

	return s.applySnapshotLocked(ctx, legID, snapshot)
}

// Shutdown stops every scheduler and waits for in-flight submissions.
func (s *OrderEngineService) Shutdown(ctx context.Context) error {
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *OrderEngineService) applySnapshotLocked(ctx context.Context, legID string, snapshot entity.OrderSnapshot) error {
	prev, updated, changed, err := s.registry.ApplySnapshot(ctx, legID, snapshot)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	s.reactLocked(ctx, prev, updated)
	return nil
}

func (s *OrderEngineService) startRunner(strategyID string, run func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(s.baseCtx)

	s.mu.Lock()
	s.runners[strategyID] = cancel
	s.mu.Unlock()

	activeRunners.Inc()
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer activeRunners.Dec()
		defer func() {
			s.mu.Lock()
			delete(s.runners, strategyID)
			delete(s.active, strategyID)
			s.mu.Unlock()
			cancel()
		}()

		run(ctx)
	}()
}

func (s *OrderEngineService) stopRunner(strategyID string) {
	s.mu.Lock()
	cancel, ok := s.runners[strategyID]
	s.mu.Unlock()

	if ok {
		cancel()
	}
}

func (s *OrderEngineService) markActive(strategyID string) {
	s.mu.Lock()
	s.active[strategyID] = struct{}{}
	s.mu.Unlock()
}

func (s *OrderEngineService) unmarkActive(strategyID string) {
	s.mu.Lock()
	delete(s.active, strategyID)
	s.mu.Unlock()
}

func (s *OrderEngineService) isActive(strategyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[strategyID]
	return ok
}

func (s *OrderEngineService) markUncertain(legID string) {
	s.mu.Lock()
	s.uncertain[legID] = struct{}{}
	s.mu.Unlock()
}

func (s *OrderEngineService) clearUncertain(legID string) {
	s.mu.Lock()
	delete(s.uncertain, legID)
	s.mu.Unlock()
}

func (s *OrderEngineService) isUncertain(legID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.uncertain[legID]
	return ok
}

func buildLegs(strategyID string, req entity.PlaceOrderRequest, planned []strategy.Leg) []entity.Order {
	legs := make([]entity.Order, 0, len(planned))
	for _, leg := range planned {
		legs = append(legs, entity.Order{
			LegID:           uuid.NewString(),
			ClientRequestID: strategy.LegClientRequestID(strategyID, leg.Index),
			LegIndex:        leg.Index,
			Symbol:          req.Symbol,
			Side:            leg.Side,
			Kind:            leg.Kind,
			Quantity:        leg.Quantity,
			Price:           leg.Price,
			StopPrice:       leg.StopPrice,
		})
	}
	return legs
}

// SetKillSwitch halts or resumes acceptance of new strategies. Strategies
// already accepted keep running and stay cancelable.
func (s *OrderEngineService) SetKillSwitch(_ context.Context, enabled bool) bool {
	s.guard.SetKillSwitch(enabled)
	return s.guard.KillSwitch()
}

func (s *OrderEngineService) KillSwitch(_ context.Context) bool {
	return s.guard.KillSwitch()
}

func duplicateResult(existing entity.Strategy) *entity.PlaceOrderResult {
	legIDs := existing.Legs
	if legIDs == nil {
		legIDs = []string{}
	}
	return &entity.PlaceOrderResult{
		StrategyID: existing.ID,
		LegIDs:     legIDs,
		Duplicate:  true,
	}
}
