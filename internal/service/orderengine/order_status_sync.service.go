package orderengine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/sirupsen/logrus"
)

const (
	defaultOrderStatusSyncInterval = 5 * time.Second
	orderStatusSyncLockName        = "order-status-sync"
)

// Locker elects a single sync worker across engine instances.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration, owner string) (bool, error)
	ReleaseLock(ctx context.Context, name string, owner string) error
}

// OrderStatusSyncService polls the venue for every non-terminal leg and feeds
// the snapshots back through the engine.
type OrderStatusSyncService struct {
	engine       *OrderEngineService
	locker       Locker
	owner        string
	syncInterval time.Duration
	// gateways is set for a standalone worker, which must not touch legs
	// while a gateway that may be scheduling them is alive.
	gateways Heartbeater
}

func NewOrderStatusSyncService(engine *OrderEngineService, locker Locker, syncInterval time.Duration) *OrderStatusSyncService {
	if syncInterval <= 0 {
		syncInterval = defaultOrderStatusSyncInterval
	}

	return &OrderStatusSyncService{
		engine:       engine,
		locker:       locker,
		owner:        uuid.NewString(),
		syncInterval: syncInterval,
	}
}

// Standalone makes every pass yield to a live gateway heartbeat.
func (s *OrderStatusSyncService) Standalone(gateways Heartbeater) *OrderStatusSyncService {
	s.gateways = gateways
	return s
}

func (s *OrderStatusSyncService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	s.SyncPendingOrders(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncPendingOrders(ctx)
		}
	}
}

func (s *OrderStatusSyncService) SyncPendingOrders(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if s.gateways != nil {
		if err := EnsureNoGateway(ctx, s.gateways); err != nil {
			logrus.WithError(err).Warn("skipping standalone order status sync pass")
			return
		}
	}

	if s.locker != nil {
		acquired, err := s.locker.AcquireLock(ctx, orderStatusSyncLockName, 2*s.syncInterval, s.owner)
		if err != nil {
			logrus.WithError(err).Error("failed to acquire order status sync lock")
			return
		}
		if !acquired {
			return
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.WithoutCancel(ctx), orderStatusSyncLockName, s.owner); err != nil {
				logrus.WithError(err).Warn("failed to release order status sync lock")
			}
		}()
	}

	for _, order := range s.engine.registry.PendingOrders() {
		if ctx.Err() != nil {
			return
		}

		if order.Status == entity.OrderStatusPendingSubmit {
			s.engine.reconcilePending(ctx, order)
			continue
		}

		snapshot, err := s.engine.gateway.QueryStatus(ctx, order.Ref())
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"strategy_id":       order.StrategyID,
				"leg_id":            order.LegID,
				"exchange_order_id": order.ID,
				"status":            order.Status,
			}).WithError(err).Error("failed to sync order status")
			continue
		}

		if snapshot.ExchangeOrderID == "" {
			snapshot.ExchangeOrderID = order.ID
		}
		if snapshot.ClientRequestID == "" {
			snapshot.ClientRequestID = order.ClientRequestID
		}

		if err := s.engine.ApplyOrderUpdate(ctx, *snapshot); err != nil {
			logrus.WithFields(logrus.Fields{
				"strategy_id": order.StrategyID,
				"leg_id":      order.LegID,
			}).WithError(err).Error("failed to apply order status")
		}
	}
}

// reconcilePending resolves a PENDING_SUBMIT leg nobody is working on: one
// whose submit outcome was unknown, or one left behind by a restart.
func (s *OrderEngineService) reconcilePending(ctx context.Context, order entity.Order) {
	uncertain := s.isUncertain(order.LegID)
	if s.isActive(order.StrategyID) && !uncertain {
		return
	}

	unlock := s.locks.Lock(order.StrategyID)
	defer unlock()

	current, err := s.registry.BeginSubmit(order.LegID)
	if err != nil {
		return
	}
	defer s.registry.EndSubmit(order.LegID)

	logger := logrus.WithFields(logrus.Fields{
		"strategy_id":       current.StrategyID,
		"leg_id":            current.LegID,
		"client_request_id": current.ClientRequestID,
	})

	snapshot, err := s.gateway.QueryStatus(ctx, entity.OrderRef{Symbol: current.Symbol, ClientRequestID: current.ClientRequestID})
	switch {
	case err == nil:
		s.clearUncertain(current.LegID)
		if snapshot.ClientRequestID == "" {
			snapshot.ClientRequestID = current.ClientRequestID
		}
		if err := s.applySnapshotLocked(ctx, current.LegID, *snapshot); err != nil {
			logger.WithError(err).Error("failed to apply reconciled leg")
		}
		logger.WithField("status", snapshot.Status).Info("pending leg reconciled from venue")

	case errors.Is(err, entity.ErrOrderNotFound):
		next, reason := entity.OrderStatusCanceled, "not resumed after restart"
		if uncertain {
			next, reason = entity.OrderStatusRejected, "venue never received the order"
		}
		s.clearUncertain(current.LegID)

		if _, err := s.registry.Transition(ctx, current.LegID, entity.OrderStatusPendingSubmit, next, func(o *entity.Order) {
			o.RejectReason = reason
		}); err != nil {
			logger.WithError(err).Error("failed to resolve pending leg")
			return
		}
		logger.WithField("status", next).Warn(reason)

	default:
		logger.WithError(err).Warn("failed to reconcile pending leg, will retry")
	}
}
