package orderengine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// CancelStrategy stops any scheduler of the strategy and cancels its
// non-terminal legs. It returns once every cancel has been submitted; the
// final leg states arrive with later status observations.
func (s *OrderEngineService) CancelStrategy(ctx context.Context, strategyID string) (*entity.CancelReport, error) {
	unlock := s.locks.Lock(strategyID)
	defer unlock()

	st, err := s.registry.GetStrategy(strategyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, strategyID)
	}

	orders, err := s.registry.StrategyOrders(strategyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, strategyID)
	}

	report := &entity.CancelReport{
		StrategyID: strategyID,
		Status:     st.Status,
		Legs:       make([]entity.LegCancelResult, len(orders)),
	}

	if st.Status.IsTerminal() {
		for i, leg := range orders {
			report.Legs[i] = entity.LegCancelResult{
				LegID:   leg.LegID,
				Status:  leg.Status,
				Outcome: entity.LegCancelOutcomeAlreadyTerminal,
			}
		}
		return report, nil
	}

	st, err = s.registry.MarkCancelRequested(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, strategyID)
	}
	s.stopRunner(strategyID)

	logrus.WithFields(logrus.Fields{
		"strategy_id": strategyID,
		"kind":        st.Kind,
		"legs":        len(orders),
	}).Info("canceling strategy")

	cancelCtx := context.WithoutCancel(ctx)

	var (
		mu       sync.Mutex
		failures error
	)

	eg := new(errgroup.Group)
	eg.SetLimit(s.cancelConcurrency)

	for i, leg := range orders {
		eg.Go(func() error {
			result := s.cancelLeg(cancelCtx, st, leg)
			report.Legs[i] = result

			if result.Outcome == entity.LegCancelOutcomeFailed {
				mu.Lock()
				failures = multierr.Append(failures, fmt.Errorf("leg %d: %s", leg.LegIndex, result.Error))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	if failures != nil {
		s.registry.RecordAnomaly(cancelCtx, strategyID, entity.Anomaly{
			Code:     entity.AnomalyCodeLegCancelFailed,
			Severity: entity.AnomalySeverityError,
			Message:  fmt.Sprintf("strategy cancel partially failed: %v", failures),
		})
	}

	if current, err := s.registry.GetStrategy(strategyID); err == nil {
		report.Status = current.Status
	}

	return report, nil
}

// cancelLeg cancels one leg and reports what happened. Callers hold the
// strategy lock.
func (s *OrderEngineService) cancelLeg(ctx context.Context, st entity.Strategy, leg entity.Order) entity.LegCancelResult {
	result := s.doCancelLeg(ctx, st, leg)
	legCancels.WithLabelValues(string(result.Outcome)).Inc()
	return result
}

func (s *OrderEngineService) doCancelLeg(ctx context.Context, st entity.Strategy, leg entity.Order) entity.LegCancelResult {
	result := entity.LegCancelResult{LegID: leg.LegID, Status: leg.Status}

	if leg.Status.IsTerminal() {
		result.Outcome = entity.LegCancelOutcomeAlreadyTerminal
		return result
	}

	if leg.Status == entity.OrderStatusPendingSubmit {
		return s.cancelUnsubmitted(ctx, leg)
	}

	// Slices a TWAP already sent are left to run.
	if st.Kind == entity.StrategyKindTWAP {
		result.Outcome = entity.LegCancelOutcomeSkipped
		return result
	}

	snapshot, err := s.gateway.Cancel(ctx, leg.Ref())
	switch {
	case err == nil:
		if snapshot != nil {
			if applyErr := s.applySnapshotLocked(ctx, leg.LegID, *snapshot); applyErr != nil {
				logrus.WithError(applyErr).WithField("leg_id", leg.LegID).Warn("failed to apply cancel snapshot")
			}
		}
		return s.cancelResult(leg, entity.LegCancelOutcomeCancelSubmitted)

	case errors.Is(err, entity.ErrAlreadyTerminal), errors.Is(err, entity.ErrOrderNotFound):
		s.refreshLeg(ctx, leg)
		return s.cancelResult(leg, entity.LegCancelOutcomeAlreadyTerminal)

	default:
		logrus.WithError(err).WithFields(logrus.Fields{
			"strategy_id": leg.StrategyID,
			"leg_id":      leg.LegID,
		}).Error("failed to cancel leg")
		result.Outcome = entity.LegCancelOutcomeFailed
		result.Error = err.Error()
		return result
	}
}

// cancelUnsubmitted cancels a leg the venue has not acknowledged. A leg whose
// submit outcome is unknown may still have landed, so the venue is asked first.
func (s *OrderEngineService) cancelUnsubmitted(ctx context.Context, leg entity.Order) entity.LegCancelResult {
	result := entity.LegCancelResult{LegID: leg.LegID, Status: leg.Status}

	if s.isUncertain(leg.LegID) {
		snapshot, err := s.gateway.Cancel(ctx, entity.OrderRef{Symbol: leg.Symbol, ClientRequestID: leg.ClientRequestID})
		switch {
		case err == nil:
			s.clearUncertain(leg.LegID)
			if snapshot != nil {
				if applyErr := s.applySnapshotLocked(ctx, leg.LegID, *snapshot); applyErr != nil {
					logrus.WithError(applyErr).WithField("leg_id", leg.LegID).Warn("failed to apply cancel snapshot")
				}
			}
			return s.cancelResult(leg, entity.LegCancelOutcomeCancelSubmitted)
		case errors.Is(err, entity.ErrOrderNotFound):
			s.clearUncertain(leg.LegID)
		case errors.Is(err, entity.ErrAlreadyTerminal):
			s.clearUncertain(leg.LegID)
			s.refreshLeg(ctx, leg)
			return s.cancelResult(leg, entity.LegCancelOutcomeAlreadyTerminal)
		default:
			result.Outcome = entity.LegCancelOutcomeFailed
			result.Error = err.Error()
			return result
		}
	}

	updated, err := s.registry.Transition(ctx, leg.LegID, entity.OrderStatusPendingSubmit, entity.OrderStatusCanceled, nil)
	if err != nil {
		current, getErr := s.registry.GetOrder(leg.LegID)
		if getErr == nil && current.Status.IsTerminal() {
			result.Status = current.Status
			result.Outcome = entity.LegCancelOutcomeAlreadyTerminal
			return result
		}
		result.Outcome = entity.LegCancelOutcomeFailed
		result.Error = err.Error()
		return result
	}

	result.Status = updated.Status
	result.Outcome = entity.LegCancelOutcomeCanceled
	return result
}

// refreshLeg pulls the venue's view of a leg the venue refused to cancel.
func (s *OrderEngineService) refreshLeg(ctx context.Context, leg entity.Order) {
	snapshot, err := s.gateway.QueryStatus(ctx, leg.Ref())
	if err != nil {
		logrus.WithError(err).WithField("leg_id", leg.LegID).Warn("failed to query leg after cancel refusal")
		return
	}
	if err := s.applySnapshotLocked(ctx, leg.LegID, *snapshot); err != nil {
		logrus.WithError(err).WithField("leg_id", leg.LegID).Warn("failed to apply leg snapshot")
	}
}

func (s *OrderEngineService) cancelResult(leg entity.Order, fallback entity.LegCancelOutcome) entity.LegCancelResult {
	result := entity.LegCancelResult{LegID: leg.LegID, Status: leg.Status, Outcome: fallback}

	current, err := s.registry.GetOrder(leg.LegID)
	if err != nil {
		return result
	}

	result.Status = current.Status
	if current.Status == entity.OrderStatusCanceled && fallback == entity.LegCancelOutcomeCancelSubmitted {
		result.Outcome = entity.LegCancelOutcomeCanceled
	}
	return result
}
