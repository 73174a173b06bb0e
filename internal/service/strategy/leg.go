package strategy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/shopspring/decimal"
)

type LegRole string

const (
	LegRoleSingle     LegRole = "single"
	LegRoleTakeProfit LegRole = "take_profit"
	LegRoleStopLoss   LegRole = "stop_loss"
	LegRoleSlice      LegRole = "slice"
	LegRoleLevel      LegRole = "level"
)

// Leg is one planned primitive order, before the registry assigns it an id.
type Leg struct {
	Index     int
	Role      LegRole
	Kind      entity.OrderKind
	Side      entity.OrderSide
	Quantity  decimal.Decimal
	Price     decimal.NullDecimal
	StopPrice decimal.NullDecimal
}

// ParamError describes a request parameter the decomposition cannot honor.
type ParamError struct {
	Field  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

const legClientIDPrefix = "ee"

// LegClientRequestID derives the venue client order id of a leg from the
// strategy id, so no caller supplied clientRequestId can ever produce it.
func LegClientRequestID(strategyID string, index int) string {
	sum := sha256.Sum256([]byte(strategyID + ":" + strconv.Itoa(index)))
	return legClientIDPrefix + hex.EncodeToString(sum[:])[:32]
}

// RoundToStep rounds value to the nearest multiple of step.
func RoundToStep(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Round(0).Mul(step)
}

// TruncateToStep rounds value down to a multiple of step.
func TruncateToStep(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// IsMultipleOf reports whether value lies exactly on the step grid.
func IsMultipleOf(value, step decimal.Decimal) bool {
	if !step.IsPositive() {
		return true
	}
	return value.Mod(step).IsZero()
}

// PlanSimple maps a bare MARKET/LIMIT/STOP_LIMIT request onto one leg.
func PlanSimple(side entity.OrderSide, params entity.SimpleOrderParams) []Leg {
	leg := Leg{
		Index:    0,
		Role:     LegRoleSingle,
		Kind:     params.OrderKind,
		Side:     side,
		Quantity: params.Quantity,
	}
	if params.OrderKind != entity.OrderKindMarket {
		leg.Price = params.Price
	}
	if params.OrderKind == entity.OrderKindStopLimit {
		leg.StopPrice = params.StopPrice
	}
	return []Leg{leg}
}
