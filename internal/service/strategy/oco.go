package strategy

import (
	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/shopspring/decimal"
)

const (
	OCOTakeProfitIndex = 0
	OCOStopLossIndex   = 1
)

// PlanOCO builds the take-profit and stop-loss legs. Each leg is a triggered
// limit order that only fires once price reaches its own trigger: the higher
// leg triggers on a rise and the lower one on a fall, so the pair rests
// around the market. Both legs share side and quantity; the take-profit leg
// is submitted first.
func PlanOCO(side entity.OrderSide, params entity.OCOParams) []Leg {
	stopLimit := params.StopLossPrice
	if params.StopLossLimitPrice.Valid {
		stopLimit = params.StopLossLimitPrice.Decimal
	}

	takeProfitAbove := params.TakeProfitPrice.GreaterThan(params.StopLossPrice)

	return []Leg{
		{
			Index:     OCOTakeProfitIndex,
			Role:      LegRoleTakeProfit,
			Kind:      triggerKind(side, takeProfitAbove),
			Side:      side,
			Quantity:  params.Quantity,
			Price:     decimal.NewNullDecimal(params.TakeProfitPrice),
			StopPrice: decimal.NewNullDecimal(params.TakeProfitPrice),
		},
		{
			Index:     OCOStopLossIndex,
			Role:      LegRoleStopLoss,
			Kind:      triggerKind(side, !takeProfitAbove),
			Side:      side,
			Quantity:  params.Quantity,
			Price:     decimal.NewNullDecimal(stopLimit),
			StopPrice: decimal.NewNullDecimal(params.StopLossPrice),
		},
	}
}

// triggerKind picks the order kind whose trigger fires on a rise (above) or
// a fall for side. STOP_LIMIT buys on a rise and sells on a fall.
func triggerKind(side entity.OrderSide, above bool) entity.OrderKind {
	if (side == entity.OrderSideBuy) == above {
		return entity.OrderKindStopLimit
	}
	return entity.OrderKindTakeProfit
}

// SiblingIndex returns the other leg of an OCO pair.
func SiblingIndex(index int) int {
	if index == OCOTakeProfitIndex {
		return OCOStopLossIndex
	}
	return OCOTakeProfitIndex
}
