package strategy

import (
	"errors"
	"testing"

	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestSplitTWAP(t *testing.T) {
	tests := []struct {
		name   string
		total  string
		slices int
		step   string
		want   []string
	}{
		{name: "even split", total: "0.005", slices: 5, step: "0.001", want: []string{"0.001", "0.001", "0.001", "0.001", "0.001"}},
		{name: "remainder on final leg", total: "0.01", slices: 3, step: "0.001", want: []string{"0.003", "0.003", "0.004"}},
		{name: "coarse step", total: "7", slices: 2, step: "1", want: []string{"3", "4"}},
		{name: "no step", total: "1", slices: 3, step: "0", want: []string{"0.3333333333333333", "0.3333333333333333", "0.3333333333333334"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitTWAP(dec(tt.total), tt.slices, dec(tt.step))
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))

			sum := decimal.Zero
			for i, q := range got {
				assert.True(t, dec(tt.want[i]).Equal(q), "leg %d: want %s got %s", i, tt.want[i], q)
				sum = sum.Add(q)
			}
			assert.True(t, sum.Equal(dec(tt.total)))
		})
	}
}

func TestSplitTWAPSumIsExact(t *testing.T) {
	totals := []string{"0.005", "0.123", "1.999", "10", "0.017"}
	for _, total := range totals {
		for n := 2; n <= 9; n++ {
			got, err := SplitTWAP(dec(total), n, dec("0.001"))
			if err != nil {
				var pe *ParamError
				require.True(t, errors.As(err, &pe))
				continue
			}

			sum := decimal.Zero
			for _, q := range got {
				require.True(t, q.IsPositive())
				sum = sum.Add(q)
			}
			require.True(t, sum.Equal(dec(total)), "total=%s n=%d sum=%s", total, n, sum)
		}
	}
}

func TestSplitTWAPRejectsInvalid(t *testing.T) {
	_, err := SplitTWAP(dec("1"), 1, dec("0.001"))
	require.Error(t, err)

	_, err = SplitTWAP(dec("0.001"), 5, dec("0.001"))
	var pe *ParamError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "twap.totalQuantity", pe.Field)
}

func TestGridLevels(t *testing.T) {
	levels, err := GridLevels(dec("95000"), dec("105000"), 5, dec("0.1"))
	require.NoError(t, err)

	want := []string{"95000", "97500", "100000", "102500", "105000"}
	require.Len(t, levels, len(want))
	for i := range want {
		assert.True(t, dec(want[i]).Equal(levels[i]), "level %d", i)
	}
}

func TestGridLevelsMonotonicAndUniform(t *testing.T) {
	levels, err := GridLevels(dec("100"), dec("200.05"), 7, dec("0.01"))
	require.NoError(t, err)

	assert.True(t, levels[0].Equal(dec("100")))
	assert.True(t, levels[len(levels)-1].Equal(dec("200.05")))

	step := levels[1].Sub(levels[0])
	for i := 1; i < len(levels); i++ {
		require.True(t, levels[i].GreaterThan(levels[i-1]))
		if i < len(levels)-1 {
			assert.True(t, levels[i].Sub(levels[i-1]).Equal(step))
		}
		assert.True(t, IsMultipleOf(levels[i], dec("0.01")))
	}
}

func TestGridLevelsRejectsInvalid(t *testing.T) {
	_, err := GridLevels(dec("100"), dec("100"), 3, dec("0.01"))
	require.Error(t, err)

	_, err = GridLevels(dec("100"), dec("101"), 1, dec("0.01"))
	require.Error(t, err)

	_, err = GridLevels(dec("100"), dec("100.02"), 10, dec("0.01"))
	require.Error(t, err)
}

func TestPlanGridSides(t *testing.T) {
	rules := entity.SymbolRules{PriceTick: dec("0.1"), QuantityStep: dec("0.001")}
	legs, err := PlanGrid(entity.GridParams{
		LowerPrice:       dec("95000"),
		UpperPrice:       dec("105000"),
		Levels:           5,
		QuantityPerLevel: dec("0.001"),
	}, rules, dec("100000"))
	require.NoError(t, err)

	sides := make([]entity.OrderSide, 0, len(legs))
	for _, leg := range legs {
		assert.Equal(t, entity.OrderKindLimit, leg.Kind)
		sides = append(sides, leg.Side)
	}
	assert.Equal(t, []entity.OrderSide{
		entity.OrderSideBuy, entity.OrderSideBuy, entity.OrderSideBuy,
		entity.OrderSideSell, entity.OrderSideSell,
	}, sides)
}

func TestPlanOCO(t *testing.T) {
	legs := PlanOCO(entity.OrderSideSell, entity.OCOParams{
		Quantity:        dec("0.001"),
		TakeProfitPrice: dec("110000"),
		StopLossPrice:   dec("95000"),
	})
	require.Len(t, legs, 2)

	tp, sl := legs[OCOTakeProfitIndex], legs[OCOStopLossIndex]
	assert.Equal(t, entity.OrderKindTakeProfit, tp.Kind)
	assert.True(t, tp.Price.Decimal.Equal(dec("110000")))
	assert.True(t, tp.StopPrice.Decimal.Equal(dec("110000")))

	assert.Equal(t, entity.OrderKindStopLimit, sl.Kind)
	assert.True(t, sl.StopPrice.Decimal.Equal(dec("95000")))
	assert.True(t, sl.Price.Decimal.Equal(dec("95000")))
	assert.Equal(t, tp.Side, sl.Side)
	assert.True(t, tp.Quantity.Equal(sl.Quantity))
	assert.Equal(t, OCOStopLossIndex, SiblingIndex(OCOTakeProfitIndex))
}

func TestPlanOCOTriggerDirection(t *testing.T) {
	tests := []struct {
		name       string
		side       entity.OrderSide
		takeProfit string
		stopLoss   string
		tpKind     entity.OrderKind
		slKind     entity.OrderKind
	}{
		{name: "sell exits long", side: entity.OrderSideSell, takeProfit: "110000", stopLoss: "95000", tpKind: entity.OrderKindTakeProfit, slKind: entity.OrderKindStopLimit},
		{name: "buy exits short", side: entity.OrderSideBuy, takeProfit: "95000", stopLoss: "110000", tpKind: entity.OrderKindTakeProfit, slKind: entity.OrderKindStopLimit},
		{name: "buy with take profit above", side: entity.OrderSideBuy, takeProfit: "110000", stopLoss: "95000", tpKind: entity.OrderKindStopLimit, slKind: entity.OrderKindTakeProfit},
		{name: "sell with take profit below", side: entity.OrderSideSell, takeProfit: "95000", stopLoss: "110000", tpKind: entity.OrderKindStopLimit, slKind: entity.OrderKindTakeProfit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			legs := PlanOCO(tt.side, entity.OCOParams{
				Quantity:           dec("0.001"),
				TakeProfitPrice:    dec(tt.takeProfit),
				StopLossPrice:      dec(tt.stopLoss),
				StopLossLimitPrice: decimal.NewNullDecimal(dec(tt.stopLoss)),
			})
			assert.Equal(t, tt.tpKind, legs[OCOTakeProfitIndex].Kind)
			assert.Equal(t, tt.slKind, legs[OCOStopLossIndex].Kind)
			assert.True(t, legs[OCOTakeProfitIndex].Kind.HasTrigger())
			assert.True(t, legs[OCOStopLossIndex].Kind.HasTrigger())
		})
	}
}

func TestLegClientRequestID(t *testing.T) {
	first := LegClientRequestID("0b7f8a52-3c1e-4f0e-9a57-6a3d2f1c9e10", 0)
	second := LegClientRequestID("0b7f8a52-3c1e-4f0e-9a57-6a3d2f1c9e10", 1)

	assert.Len(t, first, 34)
	assert.Regexp(t, `^ee[0-9a-f]{32}$`, first)
	assert.NotEqual(t, first, second)
	assert.Equal(t, first, LegClientRequestID("0b7f8a52-3c1e-4f0e-9a57-6a3d2f1c9e10", 0))
	assert.NotEqual(t, first, LegClientRequestID("abc", 0))
}
