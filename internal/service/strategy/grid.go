package strategy

import (
	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/shopspring/decimal"
)

const MinGridLevels = 2

// GridLevels returns levels evenly spaced over [lower, upper] inclusive. The
// step is rounded to the price tick and the last level is pinned to upper.
func GridLevels(lower, upper decimal.Decimal, levels int, priceTick decimal.Decimal) ([]decimal.Decimal, error) {
	if levels < MinGridLevels {
		return nil, &ParamError{Field: "grid.levels", Reason: "must be at least 2"}
	}
	if !lower.IsPositive() {
		return nil, &ParamError{Field: "grid.lowerPrice", Reason: "must be greater than zero"}
	}
	if !upper.GreaterThan(lower) {
		return nil, &ParamError{Field: "grid.upperPrice", Reason: "must be greater than lower price"}
	}

	step := RoundToStep(upper.Sub(lower).Div(decimal.NewFromInt(int64(levels-1))), priceTick)
	if !step.IsPositive() {
		return nil, &ParamError{Field: "grid.levels", Reason: "price range too narrow for tick size"}
	}

	out := make([]decimal.Decimal, levels)
	for i := 0; i < levels-1; i++ {
		out[i] = lower.Add(step.Mul(decimal.NewFromInt(int64(i))))
	}
	out[levels-1] = upper

	if !out[levels-2].LessThan(upper) {
		return nil, &ParamError{Field: "grid.levels", Reason: "too many levels for tick size"}
	}

	return out, nil
}

// GridSide assigns BUY to levels at or below the reference and SELL above it.
func GridSide(level, reference decimal.Decimal) entity.OrderSide {
	if level.LessThanOrEqual(reference) {
		return entity.OrderSideBuy
	}
	return entity.OrderSideSell
}

// PlanGrid builds LIMIT legs in ascending level order.
func PlanGrid(params entity.GridParams, rules entity.SymbolRules, reference decimal.Decimal) ([]Leg, error) {
	if !params.QuantityPerLevel.IsPositive() {
		return nil, &ParamError{Field: "grid.quantityPerLevel", Reason: "must be greater than zero"}
	}

	levels, err := GridLevels(params.LowerPrice, params.UpperPrice, params.Levels, rules.PriceTick)
	if err != nil {
		return nil, err
	}

	legs := make([]Leg, len(levels))
	for i, level := range levels {
		legs[i] = Leg{
			Index:    i,
			Role:     LegRoleLevel,
			Kind:     entity.OrderKindLimit,
			Side:     GridSide(level, reference),
			Quantity: params.QuantityPerLevel,
			Price:    decimal.NewNullDecimal(level),
		}
	}

	return legs, nil
}
