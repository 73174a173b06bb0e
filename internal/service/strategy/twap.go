package strategy

import (
	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/shopspring/decimal"
)

const MinTWAPSlices = 2

// SplitTWAP divides total into slices legs truncated to the quantity step.
// The truncation remainder goes onto the final leg so the sum equals total.
func SplitTWAP(total decimal.Decimal, slices int, quantityStep decimal.Decimal) ([]decimal.Decimal, error) {
	if slices < MinTWAPSlices {
		return nil, &ParamError{Field: "twap.slices", Reason: "must be at least 2"}
	}
	if !total.IsPositive() {
		return nil, &ParamError{Field: "twap.totalQuantity", Reason: "must be greater than zero"}
	}

	per := TruncateToStep(total.Div(decimal.NewFromInt(int64(slices))), quantityStep)
	if !per.IsPositive() {
		return nil, &ParamError{Field: "twap.totalQuantity", Reason: "too small to split into the requested slices"}
	}

	quantities := make([]decimal.Decimal, slices)
	allocated := decimal.Zero
	for i := 0; i < slices-1; i++ {
		quantities[i] = per
		allocated = allocated.Add(per)
	}
	quantities[slices-1] = total.Sub(allocated)

	return quantities, nil
}

// PlanTWAP builds MARKET slice legs in submission order.
func PlanTWAP(side entity.OrderSide, params entity.TWAPParams, rules entity.SymbolRules) ([]Leg, error) {
	if params.IntervalMillis <= 0 {
		return nil, &ParamError{Field: "twap.intervalMs", Reason: "must be greater than zero"}
	}

	quantities, err := SplitTWAP(params.TotalQuantity, params.Slices, rules.QuantityStep)
	if err != nil {
		return nil, err
	}

	legs := make([]Leg, len(quantities))
	for i, qty := range quantities {
		legs[i] = Leg{
			Index:    i,
			Role:     LegRoleSlice,
			Kind:     entity.OrderKindMarket,
			Side:     side,
			Quantity: qty,
		}
	}

	return legs, nil
}
