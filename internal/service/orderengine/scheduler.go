package orderengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/krobus00/execution-engine/internal/service/registry"
	"github.com/krobus00/execution-engine/internal/service/strategy"
	"github.com/sirupsen/logrus"
)

// submitSync submits SIMPLE and OCO legs in declared order. A failed OCO leg
// takes its sibling down with it so a lone protective leg never rests.
func (s *OrderEngineService) submitSync(ctx context.Context, st entity.Strategy) error {
	unlock := s.locks.Lock(st.ID)
	defer unlock()

	for _, legID := range st.Legs {
		err := s.submitLegLocked(ctx, legID)
		if err == nil {
			continue
		}

		if st.Kind == entity.StrategyKindOCO && !isUncertain(err) {
			s.cancelRemainingLocked(ctx, st, "oco sibling failed at submission")
		}
		return err
	}

	return nil
}

func (s *OrderEngineService) runTWAP(ctx context.Context, st entity.Strategy, interval time.Duration) {
	defer s.cancelUnfired(st, "twap scheduling stopped")

	for i, legID := range st.Legs {
		if i > 0 {
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				logrus.WithFields(logrus.Fields{
					"strategy_id": st.ID,
					"fired":       i,
					"remaining":   len(st.Legs) - i,
				}).Info("twap scheduling stopped before next slice")
				return
			case <-timer.C:
			}
		}

		if !s.fireLeg(ctx, st.ID, legID) {
			return
		}
	}
}

func (s *OrderEngineService) runGrid(ctx context.Context, st entity.Strategy) {
	defer s.cancelUnfired(st, "grid scheduling stopped")

	for _, legID := range st.Legs {
		if !s.fireLeg(ctx, st.ID, legID) {
			return
		}
	}
}

// fireLeg submits one scheduled leg under the strategy lock and reports
// whether scheduling should continue.
func (s *OrderEngineService) fireLeg(ctx context.Context, strategyID, legID string) bool {
	unlock := s.locks.Lock(strategyID)
	defer unlock()

	if ctx.Err() != nil {
		return false
	}

	current, err := s.registry.GetStrategy(strategyID)
	if err != nil || current.CancelRequested || current.Status.IsTerminal() || current.Status == entity.StrategyStatusQuarantined {
		return false
	}

	if err := s.submitLegLocked(context.WithoutCancel(ctx), legID); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"strategy_id": strategyID,
			"leg_id":      legID,
		}).Debug("scheduled leg failed, continuing with next leg")
	}
	return true
}

func (s *OrderEngineService) submitLegLocked(ctx context.Context, legID string) error {
	order, err := s.registry.BeginSubmit(legID)
	if err != nil {
		if errors.Is(err, registry.ErrSubmitInFlight) || errors.Is(err, registry.ErrNotSubmittable) {
			return nil
		}
		return err
	}
	defer s.registry.EndSubmit(legID)

	logrus.WithFields(logrus.Fields{
		"strategy_id":       order.StrategyID,
		"leg_id":            order.LegID,
		"leg_index":         order.LegIndex,
		"client_request_id": order.ClientRequestID,
		"order_kind":        order.Kind,
		"side":              order.Side,
		"quantity":          order.Quantity.String(),
	}).Debug("submitting leg")

	snapshot, err := s.gateway.Submit(ctx, order)
	if err != nil {
		return s.handleSubmitFailure(ctx, order, err)
	}

	legsSubmitted.WithLabelValues(string(order.Kind), "ok").Inc()
	s.clearUncertain(legID)

	if snapshot.ClientRequestID == "" {
		snapshot.ClientRequestID = order.ClientRequestID
	}
	return s.applySnapshotLocked(ctx, legID, *snapshot)
}

func (s *OrderEngineService) handleSubmitFailure(ctx context.Context, order entity.Order, err error) error {
	if isUncertain(err) {
		s.markUncertain(order.LegID)
		legsSubmitted.WithLabelValues(string(order.Kind), "uncertain").Inc()
		s.registry.RecordAnomaly(ctx, order.StrategyID, entity.Anomaly{
			Code:     entity.AnomalyCodeLegSubmitFailed,
			Severity: entity.AnomalySeverityWarning,
			LegID:    order.LegID,
			Message:  fmt.Sprintf("submission outcome unknown, awaiting reconciliation: %v", err),
		})
		return err
	}

	reason := err.Error()
	var rejected *entity.RejectedError
	if errors.As(err, &rejected) {
		reason = rejected.Reason
	}

	legsSubmitted.WithLabelValues(string(order.Kind), "rejected").Inc()

	if _, terr := s.registry.Transition(ctx, order.LegID, entity.OrderStatusPendingSubmit, entity.OrderStatusRejected, func(o *entity.Order) {
		o.RejectReason = reason
	}); terr != nil {
		logrus.WithError(terr).WithField("leg_id", order.LegID).Error("failed to record leg rejection")
	}

	s.registry.RecordAnomaly(ctx, order.StrategyID, entity.Anomaly{
		Code:     entity.AnomalyCodeLegSubmitFailed,
		Severity: entity.AnomalySeverityWarning,
		LegID:    order.LegID,
		Message:  fmt.Sprintf("leg %d rejected: %s", order.LegIndex, reason),
	})

	return err
}

// cancelUnfired cancels the legs a scheduler never got to submit.
func (s *OrderEngineService) cancelUnfired(st entity.Strategy, reason string) {
	ctx := context.WithoutCancel(s.baseCtx)

	unlock := s.locks.Lock(st.ID)
	defer unlock()

	for _, leg := range s.unfiredLegs(st) {
		s.cancelPendingLocked(ctx, leg, reason)
	}
}

// cancelRemainingLocked cancels every non-terminal leg of st.
func (s *OrderEngineService) cancelRemainingLocked(ctx context.Context, st entity.Strategy, reason string) {
	orders, err := s.registry.StrategyOrders(st.ID)
	if err != nil {
		return
	}

	for _, leg := range orders {
		if leg.Status.IsTerminal() {
			continue
		}
		result := s.cancelLeg(ctx, st, leg)
		if result.Outcome == entity.LegCancelOutcomeFailed {
			s.registry.RecordAnomaly(ctx, st.ID, entity.Anomaly{
				Code:     entity.AnomalyCodeLegCancelFailed,
				Severity: entity.AnomalySeverityError,
				LegID:    leg.LegID,
				Message:  fmt.Sprintf("%s: %s", reason, result.Error),
			})
		}
	}
}

func (s *OrderEngineService) unfiredLegs(st entity.Strategy) []entity.Order {
	orders, err := s.registry.StrategyOrders(st.ID)
	if err != nil {
		return nil
	}

	out := make([]entity.Order, 0, len(orders))
	for _, leg := range orders {
		if leg.Status != entity.OrderStatusPendingSubmit || s.isUncertain(leg.LegID) {
			continue
		}
		out = append(out, leg)
	}
	return out
}

func (s *OrderEngineService) cancelPendingLocked(ctx context.Context, leg entity.Order, reason string) bool {
	_, err := s.registry.Transition(ctx, leg.LegID, entity.OrderStatusPendingSubmit, entity.OrderStatusCanceled, func(o *entity.Order) {
		o.RejectReason = reason
	})
	if err != nil {
		logrus.WithError(err).WithField("leg_id", leg.LegID).Debug("unfired leg not canceled")
		return false
	}
	return true
}

// reactLocked drives the OCO policy: a leg reaching its full quantity cancels
// its sibling, and a second fill is accepted but recorded as an anomaly.
func (s *OrderEngineService) reactLocked(ctx context.Context, prev, updated entity.Order) {
	if !updated.FullyFilled() || prev.FullyFilled() {
		return
	}

	st, err := s.registry.GetStrategy(updated.StrategyID)
	if err != nil || st.Kind != entity.StrategyKindOCO {
		return
	}

	siblingIndex := strategy.SiblingIndex(updated.LegIndex)
	if siblingIndex < 0 || siblingIndex >= len(st.Legs) {
		return
	}

	sibling, err := s.registry.GetOrder(st.Legs[siblingIndex])
	if err != nil {
		return
	}

	if sibling.FilledQuantity.IsPositive() && !st.HasAnomaly(entity.AnomalyCodeOCODoubleFill) {
		ocoDoubleFills.Inc()
		s.registry.RecordAnomaly(ctx, st.ID, entity.Anomaly{
			Code:     entity.AnomalyCodeOCODoubleFill,
			Severity: entity.AnomalySeverityWarning,
			LegID:    sibling.LegID,
			Message:  fmt.Sprintf("both oco legs filled: %s=%s %s=%s", updated.LegID, updated.FilledQuantity, sibling.LegID, sibling.FilledQuantity),
		})
	}

	if sibling.Status.IsTerminal() {
		return
	}

	logrus.WithFields(logrus.Fields{
		"strategy_id": st.ID,
		"filled_leg":  updated.LegID,
		"sibling_leg": sibling.LegID,
	}).Info("oco leg filled, canceling sibling")

	result := s.cancelLeg(ctx, st, sibling)
	if result.Outcome == entity.LegCancelOutcomeFailed {
		s.registry.RecordAnomaly(ctx, st.ID, entity.Anomaly{
			Code:     entity.AnomalyCodeLegCancelFailed,
			Severity: entity.AnomalySeverityError,
			LegID:    sibling.LegID,
			Message:  fmt.Sprintf("oco sibling cancel failed: %s", result.Error),
		})
	}
}

// isUncertain reports whether a submit error leaves the venue outcome unknown.
func isUncertain(err error) bool {
	return errors.Is(err, entity.ErrUnreachable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
