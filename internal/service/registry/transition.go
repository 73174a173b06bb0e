package registry

import (
	"errors"
	"fmt"

	"github.com/krobus00/execution-engine/internal/entity"
)

var (
	ErrOrderNotFound            = errors.New("order not found in registry")
	ErrStrategyNotFound         = errors.New("strategy not found in registry")
	ErrStateConflict            = errors.New("order state changed concurrently")
	ErrInvariantViolation       = errors.New("registry invariant violation")
	ErrDuplicateClientRequestID = entity.ErrDuplicateClientRequestID
	ErrLegClientIDInUse         = errors.New("leg client order id already in use")
	ErrSubmitInFlight           = errors.New("order submission already in flight")
	ErrNotSubmittable           = errors.New("order is not pending submission")
)

// InvariantViolationError reports a transition outside the legal table.
type InvariantViolationError struct {
	LegID string
	From  entity.OrderStatus
	To    entity.OrderStatus
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("%s: leg %s cannot move from %s to %s", ErrInvariantViolation.Error(), e.LegID, e.From, e.To)
}

func (e *InvariantViolationError) Unwrap() error {
	return ErrInvariantViolation
}

var legalTransitions = map[entity.OrderStatus][]entity.OrderStatus{
	entity.OrderStatusPendingSubmit: {
		entity.OrderStatusOpen,
		entity.OrderStatusCanceled,
		entity.OrderStatusRejected,
		entity.OrderStatusExpired,
	},
	entity.OrderStatusOpen: {
		entity.OrderStatusPartiallyFilled,
		entity.OrderStatusFilled,
		entity.OrderStatusCanceled,
		entity.OrderStatusExpired,
	},
	entity.OrderStatusPartiallyFilled: {
		entity.OrderStatusOpen,
		entity.OrderStatusFilled,
		entity.OrderStatusCanceled,
		entity.OrderStatusExpired,
	},
}

// CanTransition reports whether from -> to is in the legal table.
func CanTransition(from, to entity.OrderStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transitionPath returns the legal steps leading from one status to another.
// Venues report the latest status only, so an immediately filled market order
// arrives as FILLED while the registry still holds PENDING_SUBMIT.
func transitionPath(from, to entity.OrderStatus) ([]entity.OrderStatus, bool) {
	if CanTransition(from, to) {
		return []entity.OrderStatus{to}, true
	}
	if from == entity.OrderStatusPendingSubmit && CanTransition(entity.OrderStatusOpen, to) {
		return []entity.OrderStatus{entity.OrderStatusOpen, to}, true
	}
	return nil, false
}
