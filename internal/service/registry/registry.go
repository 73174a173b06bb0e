package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/sirupsen/logrus"
)

const DefaultHistoryLimit = 100

// Store persists registry state. Writes are best effort: failures are logged
// and never roll back the in-memory transition, except a strategy insert the
// store reports as entity.ErrDuplicateClientRequestID.
type Store interface {
	UpsertStrategy(ctx context.Context, strategy entity.Strategy) error
	UpsertOrder(ctx context.Context, order entity.Order) error
}

// RequestLookup is implemented by stores that can find a strategy by its
// clientRequestId after it left memory. It returns nil when none exists.
type RequestLookup interface {
	GetStrategyByClientRequestID(ctx context.Context, clientRequestID string) (*entity.Strategy, error)
}

type Options struct {
	HistoryLimit int
	Store        Store
	Notifier     entity.Notifier
	Now          func() time.Time
}

type orderEntry struct {
	mu         sync.Mutex
	order      entity.Order
	submitting bool
}

type strategyEntry struct {
	mu       sync.Mutex
	strategy entity.Strategy
}

// Registry is the authoritative record of strategies and their leg orders.
// Lock order is strategy entry before order entry; r.mu is only held for
// index lookups and inserts.
type Registry struct {
	mu           sync.RWMutex
	orders       map[string]*orderEntry
	byClientID   map[string]string
	byExchangeID map[string]string
	strategies   map[string]*strategyEntry
	byRequestID  map[string]string
	archived     []string

	historyLimit int
	store        Store
	notifier     entity.Notifier
	now          func() time.Time
}

func New(opts Options) *Registry {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Notifier == nil {
		opts.Notifier = entity.NopNotifier{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Registry{
		orders:       make(map[string]*orderEntry),
		byClientID:   make(map[string]string),
		byExchangeID: make(map[string]string),
		strategies:   make(map[string]*strategyEntry),
		byRequestID:  make(map[string]string),
		historyLimit: opts.HistoryLimit,
		store:        opts.Store,
		notifier:     opts.Notifier,
		now:          opts.Now,
	}
}

// CreateStrategy atomically records a strategy and its PENDING_SUBMIT legs.
// A clientRequestId seen before, in memory or in the store, yields the
// existing strategy together with ErrDuplicateClientRequestID. A leg client
// order id already tracked fails with ErrLegClientIDInUse.
func (r *Registry) CreateStrategy(ctx context.Context, strategy entity.Strategy, legs []entity.Order) (entity.Strategy, error) {
	now := r.now()

	r.mu.Lock()
	if existingID, ok := r.byRequestID[strategy.ClientRequestID]; ok {
		r.mu.Unlock()
		existing, err := r.GetStrategy(existingID)
		if err != nil {
			existing = entity.Strategy{ID: existingID, ClientRequestID: strategy.ClientRequestID}
		}
		return existing, ErrDuplicateClientRequestID
	}

	seen := make(map[string]struct{}, len(legs))
	for _, leg := range legs {
		_, tracked := r.byClientID[leg.ClientRequestID]
		_, repeated := seen[leg.ClientRequestID]
		if tracked || repeated {
			r.mu.Unlock()
			return entity.Strategy{}, fmt.Errorf("%w: %s", ErrLegClientIDInUse, leg.ClientRequestID)
		}
		seen[leg.ClientRequestID] = struct{}{}
	}

	strategy.Status = entity.StrategyStatusOpen
	strategy.CreatedAt = now
	strategy.LastUpdatedAt = now
	strategy.Legs = make([]string, 0, len(legs))

	for i := range legs {
		legs[i].StrategyID = strategy.ID
		legs[i].Status = entity.OrderStatusPendingSubmit
		legs[i].Version = 1
		legs[i].CreatedAt = now
		legs[i].LastUpdatedAt = now

		strategy.Legs = append(strategy.Legs, legs[i].LegID)
		r.orders[legs[i].LegID] = &orderEntry{order: legs[i]}
		r.byClientID[legs[i].ClientRequestID] = legs[i].LegID
	}

	r.strategies[strategy.ID] = &strategyEntry{strategy: strategy}
	r.byRequestID[strategy.ClientRequestID] = strategy.ID
	r.mu.Unlock()

	if err := r.insertStrategy(ctx, strategy); errors.Is(err, ErrDuplicateClientRequestID) {
		r.discard(strategy, legs)
		logrus.WithFields(logrus.Fields{
			"strategy_id":       strategy.ID,
			"client_request_id": strategy.ClientRequestID,
		}).Warn("client request id already stored, discarding strategy")

		existing, found, lookupErr := r.lookupStored(ctx, strategy.ClientRequestID)
		if lookupErr != nil || !found {
			existing = entity.Strategy{ClientRequestID: strategy.ClientRequestID}
		}
		return existing, ErrDuplicateClientRequestID
	}
	for _, leg := range legs {
		r.persistOrder(ctx, leg)
	}

	logrus.WithFields(logrus.Fields{
		"strategy_id":       strategy.ID,
		"strategy_kind":     strategy.Kind,
		"client_request_id": strategy.ClientRequestID,
		"legs":              len(legs),
	}).Info("strategy created")

	r.notify(entity.LifecycleEvent{
		Type:         entity.EventStrategyCreated,
		StrategyID:   strategy.ID,
		StrategyKind: strategy.Kind,
		Symbol:       strategy.Symbol,
		Status:       string(strategy.Status),
	})

	return strategy, nil
}

// LookupStoredRequestID asks the store for a strategy that accepted
// clientRequestID but is no longer held in memory.
func (r *Registry) LookupStoredRequestID(ctx context.Context, clientRequestID string) (entity.Strategy, bool, error) {
	return r.lookupStored(ctx, clientRequestID)
}

func (r *Registry) lookupStored(ctx context.Context, clientRequestID string) (entity.Strategy, bool, error) {
	lookup, ok := r.store.(RequestLookup)
	if !ok || clientRequestID == "" {
		return entity.Strategy{}, false, nil
	}

	strategy, err := lookup.GetStrategyByClientRequestID(ctx, clientRequestID)
	if err != nil {
		return entity.Strategy{}, false, err
	}
	if strategy == nil {
		return entity.Strategy{}, false, nil
	}
	return *strategy, true, nil
}

// discard removes a strategy inserted by CreateStrategy that storage refused.
func (r *Registry) discard(strategy entity.Strategy, legs []entity.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, leg := range legs {
		delete(r.orders, leg.LegID)
		if r.byClientID[leg.ClientRequestID] == leg.LegID {
			delete(r.byClientID, leg.ClientRequestID)
		}
	}
	delete(r.strategies, strategy.ID)
	if r.byRequestID[strategy.ClientRequestID] == strategy.ID {
		delete(r.byRequestID, strategy.ClientRequestID)
	}
}

// LookupByRequestID returns the strategy that accepted clientRequestID.
// Strategies evicted from history are returned with their id only.
func (r *Registry) LookupByRequestID(clientRequestID string) (entity.Strategy, bool) {
	r.mu.RLock()
	id, ok := r.byRequestID[clientRequestID]
	r.mu.RUnlock()
	if !ok {
		return entity.Strategy{}, false
	}

	strategy, err := r.GetStrategy(id)
	if err != nil {
		return entity.Strategy{ID: id, ClientRequestID: clientRequestID}, true
	}
	return strategy, true
}

func (r *Registry) GetStrategy(id string) (entity.Strategy, error) {
	se, ok := r.strategyEntry(id)
	if !ok {
		return entity.Strategy{}, fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}

	se.mu.Lock()
	defer se.mu.Unlock()
	return copyStrategy(se.strategy), nil
}

func (r *Registry) GetOrder(legID string) (entity.Order, error) {
	entry, ok := r.orderEntry(legID)
	if !ok {
		return entity.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, legID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.order, nil
}

// StrategyOrders returns the legs of a strategy in declared order.
func (r *Registry) StrategyOrders(strategyID string) ([]entity.Order, error) {
	strategy, err := r.GetStrategy(strategyID)
	if err != nil {
		return nil, err
	}
	return r.collectLegs(strategy.Legs), nil
}

// FindLeg resolves a venue reference to a leg id, by exchange id first.
func (r *Registry) FindLeg(exchangeOrderID, clientRequestID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if exchangeOrderID != "" {
		if legID, ok := r.byExchangeID[exchangeOrderID]; ok {
			return legID, true
		}
	}
	if clientRequestID != "" {
		if legID, ok := r.byClientID[clientRequestID]; ok {
			return legID, true
		}
	}
	return "", false
}

// BeginSubmit marks a PENDING_SUBMIT leg as in flight so concurrent callers
// cannot send it to the venue twice. EndSubmit must follow.
func (r *Registry) BeginSubmit(legID string) (entity.Order, error) {
	entry, ok := r.orderEntry(legID)
	if !ok {
		return entity.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, legID)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.submitting {
		return entry.order, ErrSubmitInFlight
	}
	if entry.order.Status != entity.OrderStatusPendingSubmit || entry.order.Quarantined {
		return entry.order, ErrNotSubmittable
	}

	entry.submitting = true
	return entry.order, nil
}

func (r *Registry) EndSubmit(legID string) {
	entry, ok := r.orderEntry(legID)
	if !ok {
		return
	}

	entry.mu.Lock()
	entry.submitting = false
	entry.mu.Unlock()
}

// Transition is the single mutation point for order status. It compares the
// current status with expected before applying next, and rejects anything
// outside the legal table as an invariant violation.
func (r *Registry) Transition(ctx context.Context, legID string, expected, next entity.OrderStatus, mutate func(*entity.Order)) (entity.Order, error) {
	entry, ok := r.orderEntry(legID)
	if !ok {
		return entity.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, legID)
	}

	entry.mu.Lock()
	current := entry.order
	if current.Status != expected {
		entry.mu.Unlock()
		return current, fmt.Errorf("%w: leg %s expected %s, found %s", ErrStateConflict, legID, expected, current.Status)
	}

	if !CanTransition(current.Status, next) {
		entry.order.Quarantined = true
		entry.order.Version++
		quarantined := entry.order
		entry.mu.Unlock()

		return quarantined, r.violation(ctx, quarantined, current.Status, next)
	}

	entry.order.Status = next
	if mutate != nil {
		mutate(&entry.order)
	}
	keepImmutable(&entry.order, current)
	entry.order.Version++
	entry.order.LastUpdatedAt = r.now()
	updated := entry.order
	entry.mu.Unlock()

	if current.ID == "" && updated.ID != "" {
		r.mu.Lock()
		r.byExchangeID[updated.ID] = legID
		r.mu.Unlock()
	}

	r.afterOrderChange(ctx, current, updated)

	return updated, nil
}

// ApplySnapshot folds a venue snapshot into the leg. Stale snapshots are
// discarded and reported with changed=false. Intermediate legal steps are
// walked when the venue skipped them.
func (r *Registry) ApplySnapshot(ctx context.Context, legID string, snap entity.OrderSnapshot) (prev entity.Order, updated entity.Order, changed bool, err error) {
	entry, ok := r.orderEntry(legID)
	if !ok {
		return entity.Order{}, entity.Order{}, false, fmt.Errorf("%w: %s", ErrOrderNotFound, legID)
	}

	entry.mu.Lock()
	prev = entry.order

	if isStale(prev, snap) {
		entry.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"leg_id":          legID,
			"current_status":  prev.Status,
			"snapshot_status": snap.Status,
		}).Debug("stale order snapshot discarded")
		return prev, prev, false, nil
	}

	steps := 0
	if snap.Status != prev.Status {
		path, legal := transitionPath(prev.Status, snap.Status)
		if !legal {
			entry.order.Quarantined = true
			entry.order.Version++
			quarantined := entry.order
			entry.mu.Unlock()

			return prev, quarantined, true, r.violation(ctx, quarantined, prev.Status, snap.Status)
		}
		steps = len(path)
	}

	next := prev
	next.Status = snap.Status
	if next.ID == "" && snap.ExchangeOrderID != "" {
		next.ID = snap.ExchangeOrderID
	}
	if snap.FilledQuantity.GreaterThan(next.FilledQuantity) {
		next.FilledQuantity = snap.FilledQuantity
	}
	if snap.AvgFillPrice.Valid {
		next.AvgFillPrice = snap.AvgFillPrice
	}
	if snap.Status == entity.OrderStatusRejected && snap.RejectReason != "" {
		next.RejectReason = snap.RejectReason
	}
	if !snap.UpdatedAt.IsZero() {
		next.VenueUpdatedAt = snap.UpdatedAt
	}

	if steps == 0 && sameObservation(prev, next) {
		entry.mu.Unlock()
		return prev, prev, false, nil
	}

	next.Version += int64(max(steps, 1))
	next.LastUpdatedAt = r.now()
	entry.order = next
	entry.mu.Unlock()

	if prev.ID == "" && next.ID != "" {
		r.mu.Lock()
		r.byExchangeID[next.ID] = legID
		r.mu.Unlock()
	}

	r.afterOrderChange(ctx, prev, next)

	return prev, next, true, nil
}

// MarkCancelRequested flags the strategy so schedulers stop firing legs.
func (r *Registry) MarkCancelRequested(ctx context.Context, strategyID string) (entity.Strategy, error) {
	se, ok := r.strategyEntry(strategyID)
	if !ok {
		return entity.Strategy{}, fmt.Errorf("%w: %s", ErrStrategyNotFound, strategyID)
	}

	se.mu.Lock()
	se.strategy.CancelRequested = true
	if se.strategy.Status == entity.StrategyStatusOpen {
		se.strategy.Status = entity.StrategyStatusCanceling
	}
	se.strategy.LastUpdatedAt = r.now()
	strategy := copyStrategy(se.strategy)
	se.mu.Unlock()

	r.persistStrategy(ctx, strategy)

	return strategy, nil
}

// RecordAnomaly attaches a non-fatal anomaly to the strategy and notifies it.
func (r *Registry) RecordAnomaly(ctx context.Context, strategyID string, anomaly entity.Anomaly) {
	se, ok := r.strategyEntry(strategyID)
	if !ok {
		return
	}

	if anomaly.RecordedAt.IsZero() {
		anomaly.RecordedAt = r.now()
	}
	if anomaly.Severity == "" {
		anomaly.Severity = entity.AnomalySeverityWarning
	}

	se.mu.Lock()
	se.strategy.Anomalies = append(se.strategy.Anomalies, anomaly)
	se.strategy.LastUpdatedAt = anomaly.RecordedAt
	strategy := copyStrategy(se.strategy)
	se.mu.Unlock()

	r.persistStrategy(ctx, strategy)

	logger := logrus.WithFields(logrus.Fields{
		"strategy_id": strategyID,
		"leg_id":      anomaly.LegID,
		"code":        anomaly.Code,
	})
	if anomaly.Severity == entity.AnomalySeverityError {
		logger.Error(anomaly.Message)
	} else {
		logger.Warn(anomaly.Message)
	}

	r.notify(entity.LifecycleEvent{
		Type:         entity.EventAnomalyDetected,
		StrategyID:   strategyID,
		StrategyKind: strategy.Kind,
		LegID:        anomaly.LegID,
		Symbol:       strategy.Symbol,
		Severity:     anomaly.Severity,
		Message:      anomaly.Message,
	})
}

// OpenOrders lists non-terminal orders grouped by strategy, oldest first.
func (r *Registry) OpenOrders() []entity.StrategyOrders {
	strategies := r.snapshotStrategies()

	out := make([]entity.StrategyOrders, 0)
	for _, strategy := range strategies {
		legs := r.collectLegs(strategy.Legs)
		open := make([]entity.Order, 0, len(legs))
		for _, leg := range legs {
			if !leg.Status.IsTerminal() {
				open = append(open, leg)
			}
		}
		if len(open) == 0 {
			continue
		}
		out = append(out, entity.StrategyOrders{
			StrategyID:   strategy.ID,
			StrategyKind: strategy.Kind,
			Orders:       open,
		})
	}

	return out
}

// PendingOrders returns every non-terminal order that is not quarantined.
func (r *Registry) PendingOrders() []entity.Order {
	out := make([]entity.Order, 0)
	for _, group := range r.OpenOrders() {
		for _, order := range group.Orders {
			if !order.Quarantined {
				out = append(out, order)
			}
		}
	}
	return out
}

// OrderHistory returns terminal orders, most recently updated first.
func (r *Registry) OrderHistory(filter entity.OrderHistoryFilter) []entity.Order {
	limit := filter.Limit
	if limit <= 0 || limit > r.historyLimit {
		limit = r.historyLimit
	}

	strategies := r.snapshotStrategies()
	out := make([]entity.Order, 0)
	for _, strategy := range strategies {
		if filter.StrategyKind != "" && strategy.Kind != filter.StrategyKind {
			continue
		}
		for _, leg := range r.collectLegs(strategy.Legs) {
			if !leg.Status.IsTerminal() {
				continue
			}
			if filter.Symbol != "" && leg.Symbol != filter.Symbol {
				continue
			}
			if filter.OrderKind != "" && leg.Kind != filter.OrderKind {
				continue
			}
			out = append(out, leg)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastUpdatedAt.After(out[j].LastUpdatedAt)
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Restore loads persisted state without emitting lifecycle events.
func (r *Registry) Restore(strategies []entity.Strategy, orders []entity.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, order := range orders {
		r.orders[order.LegID] = &orderEntry{order: order}
		r.byClientID[order.ClientRequestID] = order.LegID
		if order.ID != "" {
			r.byExchangeID[order.ID] = order.LegID
		}
	}

	sort.SliceStable(strategies, func(i, j int) bool {
		return strategies[i].CreatedAt.Before(strategies[j].CreatedAt)
	})
	for _, strategy := range strategies {
		r.strategies[strategy.ID] = &strategyEntry{strategy: strategy}
		r.byRequestID[strategy.ClientRequestID] = strategy.ID
		if strategy.Status.IsTerminal() {
			r.archived = append(r.archived, strategy.ID)
		}
	}
	r.evictLocked()
}

func (r *Registry) afterOrderChange(ctx context.Context, prev, updated entity.Order) {
	r.persistOrder(ctx, updated)

	logger := logrus.WithFields(logrus.Fields{
		"leg_id":          updated.LegID,
		"strategy_id":     updated.StrategyID,
		"order_id":        updated.ID,
		"status":          updated.Status,
		"filled_quantity": updated.FilledQuantity.String(),
	})

	if updated.FilledQuantity.GreaterThan(prev.FilledQuantity) {
		logger.Info("leg filled")
		r.notifyOrder(entity.EventLegFilled, updated)
	}

	if prev.Status == updated.Status {
		return
	}

	logger.WithField("previous_status", prev.Status).Info("leg status changed")

	if updated.Status == entity.OrderStatusCanceled || updated.Status == entity.OrderStatusExpired {
		r.notifyOrder(entity.EventLegCanceled, updated)
	}

	r.refreshStrategy(ctx, updated.StrategyID)
}

func (r *Registry) refreshStrategy(ctx context.Context, strategyID string) {
	se, ok := r.strategyEntry(strategyID)
	if !ok {
		return
	}

	se.mu.Lock()
	legs := r.collectLegs(se.strategy.Legs)
	status := aggregateStatus(se.strategy, legs)
	if status == se.strategy.Status {
		se.mu.Unlock()
		return
	}

	now := r.now()
	se.strategy.Status = status
	se.strategy.LastUpdatedAt = now
	terminal := status.IsTerminal()
	if terminal {
		se.strategy.ArchivedAt = &now
	}
	strategy := copyStrategy(se.strategy)
	se.mu.Unlock()

	r.persistStrategy(ctx, strategy)

	if !terminal {
		return
	}

	logrus.WithFields(logrus.Fields{
		"strategy_id":   strategy.ID,
		"strategy_kind": strategy.Kind,
		"status":        strategy.Status,
	}).Info("strategy reached terminal state")

	r.notify(entity.LifecycleEvent{
		Type:         entity.EventStrategyTerminal,
		StrategyID:   strategy.ID,
		StrategyKind: strategy.Kind,
		Symbol:       strategy.Symbol,
		Status:       string(strategy.Status),
	})

	r.mu.Lock()
	r.archived = append(r.archived, strategy.ID)
	r.evictLocked()
	r.mu.Unlock()
}

// evictLocked drops the oldest archived strategies beyond the history limit.
// Request ids stay indexed so duplicates are still recognized.
func (r *Registry) evictLocked() {
	for len(r.archived) > r.historyLimit {
		id := r.archived[0]
		r.archived = r.archived[1:]

		se, ok := r.strategies[id]
		if !ok {
			continue
		}
		for _, legID := range se.strategy.Legs {
			if entry, ok := r.orders[legID]; ok {
				entry.mu.Lock()
				delete(r.byClientID, entry.order.ClientRequestID)
				if entry.order.ID != "" {
					delete(r.byExchangeID, entry.order.ID)
				}
				entry.mu.Unlock()
			}
			delete(r.orders, legID)
		}
		delete(r.strategies, id)
	}
}

func (r *Registry) violation(ctx context.Context, order entity.Order, from, to entity.OrderStatus) error {
	violation := &InvariantViolationError{LegID: order.LegID, From: from, To: to}

	logrus.WithFields(logrus.Fields{
		"leg_id":      order.LegID,
		"strategy_id": order.StrategyID,
		"order_id":    order.ID,
		"from":        from,
		"to":          to,
	}).Error("illegal order transition, quarantining order and strategy")

	r.persistOrder(ctx, order)

	se, ok := r.strategyEntry(order.StrategyID)
	if ok {
		se.mu.Lock()
		se.strategy.Status = entity.StrategyStatusQuarantined
		se.strategy.LastUpdatedAt = r.now()
		strategy := copyStrategy(se.strategy)
		se.mu.Unlock()
		r.persistStrategy(ctx, strategy)
	}

	r.RecordAnomaly(ctx, order.StrategyID, entity.Anomaly{
		Code:     entity.AnomalyCodeInvariantViolation,
		Severity: entity.AnomalySeverityError,
		LegID:    order.LegID,
		Message:  violation.Error(),
	})

	return violation
}

func (r *Registry) collectLegs(legIDs []string) []entity.Order {
	out := make([]entity.Order, 0, len(legIDs))
	for _, legID := range legIDs {
		entry, ok := r.orderEntry(legID)
		if !ok {
			continue
		}
		entry.mu.Lock()
		out = append(out, entry.order)
		entry.mu.Unlock()
	}
	return out
}

func (r *Registry) snapshotStrategies() []entity.Strategy {
	r.mu.RLock()
	entries := make([]*strategyEntry, 0, len(r.strategies))
	for _, se := range r.strategies {
		entries = append(entries, se)
	}
	r.mu.RUnlock()

	out := make([]entity.Strategy, 0, len(entries))
	for _, se := range entries {
		se.mu.Lock()
		out = append(out, copyStrategy(se.strategy))
		se.mu.Unlock()
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) orderEntry(legID string) (*orderEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.orders[legID]
	return entry, ok
}

func (r *Registry) strategyEntry(id string) (*strategyEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	se, ok := r.strategies[id]
	return se, ok
}

// insertStrategy persists a new strategy and only surfaces the duplicate
// clientRequestId error; everything else is logged like any other write.
func (r *Registry) insertStrategy(ctx context.Context, strategy entity.Strategy) error {
	if r.store == nil {
		return nil
	}
	err := r.store.UpsertStrategy(ctx, strategy)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDuplicateClientRequestID) {
		return err
	}
	logrus.WithError(err).WithField("strategy_id", strategy.ID).Error("failed to persist strategy")
	return nil
}

func (r *Registry) persistStrategy(ctx context.Context, strategy entity.Strategy) {
	if r.store == nil {
		return
	}
	if err := r.store.UpsertStrategy(ctx, strategy); err != nil {
		logrus.WithError(err).WithField("strategy_id", strategy.ID).Error("failed to persist strategy")
	}
}

func (r *Registry) persistOrder(ctx context.Context, order entity.Order) {
	if r.store == nil {
		return
	}
	if err := r.store.UpsertOrder(ctx, order); err != nil {
		logrus.WithError(err).WithField("leg_id", order.LegID).Error("failed to persist order")
	}
}

func (r *Registry) notifyOrder(eventType entity.EventType, order entity.Order) {
	o := order
	r.notify(entity.LifecycleEvent{
		Type:       eventType,
		StrategyID: order.StrategyID,
		LegID:      order.LegID,
		Symbol:     order.Symbol,
		Status:     string(order.Status),
		Order:      &o,
	})
}

func (r *Registry) notify(event entity.LifecycleEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now()
	}
	r.notifier.Notify(event)
}

func aggregateStatus(strategy entity.Strategy, legs []entity.Order) entity.StrategyStatus {
	if strategy.Status == entity.StrategyStatusQuarantined {
		return entity.StrategyStatusQuarantined
	}

	filled, rejected := false, false
	for _, leg := range legs {
		if leg.Quarantined {
			return entity.StrategyStatusQuarantined
		}
		if !leg.Status.IsTerminal() {
			if strategy.CancelRequested {
				return entity.StrategyStatusCanceling
			}
			return entity.StrategyStatusOpen
		}
		if leg.FilledQuantity.IsPositive() {
			filled = true
		}
		if leg.Status == entity.OrderStatusRejected {
			rejected = true
		}
	}

	switch {
	case filled:
		return entity.StrategyStatusCompleted
	case rejected:
		return entity.StrategyStatusRejected
	default:
		return entity.StrategyStatusCanceled
	}
}

// isStale reports whether snap describes an earlier state than current.
func isStale(current entity.Order, snap entity.OrderSnapshot) bool {
	if !snap.UpdatedAt.IsZero() && !current.VenueUpdatedAt.IsZero() && snap.UpdatedAt.Before(current.VenueUpdatedAt) {
		return true
	}
	if snap.FilledQuantity.LessThan(current.FilledQuantity) {
		return true
	}
	if snap.Status.Rank() >= current.Status.Rank() {
		return false
	}
	// PARTIALLY_FILLED -> OPEN is legal when the venue reports it later.
	reopened := current.Status == entity.OrderStatusPartiallyFilled && snap.Status == entity.OrderStatusOpen
	return !(reopened && snap.UpdatedAt.After(current.VenueUpdatedAt))
}

func sameObservation(a, b entity.Order) bool {
	return a.Status == b.Status &&
		a.ID == b.ID &&
		a.FilledQuantity.Equal(b.FilledQuantity) &&
		a.AvgFillPrice.Valid == b.AvgFillPrice.Valid &&
		a.AvgFillPrice.Decimal.Equal(b.AvgFillPrice.Decimal) &&
		a.RejectReason == b.RejectReason
}

func keepImmutable(order *entity.Order, original entity.Order) {
	order.LegID = original.LegID
	order.StrategyID = original.StrategyID
	order.ClientRequestID = original.ClientRequestID
	order.Symbol = original.Symbol
	order.Side = original.Side
	order.Kind = original.Kind
	order.Quantity = original.Quantity
	order.Price = original.Price
	order.StopPrice = original.StopPrice
}

func copyStrategy(s entity.Strategy) entity.Strategy {
	out := s
	out.Legs = append([]string(nil), s.Legs...)
	out.Anomalies = append([]entity.Anomaly(nil), s.Anomalies...)
	if s.ArchivedAt != nil {
		at := *s.ArchivedAt
		out.ArchivedAt = &at
	}
	return out
}
