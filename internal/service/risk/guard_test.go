package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRules map[string]entity.SymbolRules

func (f fakeRules) SymbolRules(_ context.Context, symbol string) (*entity.SymbolRules, error) {
	rules, ok := f[symbol]
	if !ok {
		return nil, entity.ErrSymbolNotFound
	}
	return &rules, nil
}

type fakeBalances map[string]decimal.Decimal

func (f fakeBalances) AvailableBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	balance, ok := f[asset]
	if !ok {
		return decimal.Zero, entity.ErrBalanceUnavailable
	}
	return balance, nil
}

type fakeFeed struct {
	price decimal.Decimal
	err   error
}

func (f fakeFeed) GetPrice(_ context.Context, symbol string) (entity.PriceSnapshot, error) {
	if f.err != nil {
		return entity.PriceSnapshot{}, f.err
	}
	return entity.PriceSnapshot{Symbol: symbol, Price: f.price, Timestamp: time.Now()}, nil
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func nd(v string) decimal.NullDecimal {
	return decimal.NewNullDecimal(d(v))
}

func btcRules() fakeRules {
	return fakeRules{
		"BTCUSDT": {
			Symbol:       "BTCUSDT",
			BaseAsset:    "BTC",
			QuoteAsset:   "USDT",
			QuantityStep: d("0.001"),
			PriceTick:    d("0.1"),
			MinQuantity:  d("0.001"),
		},
	}
}

func newTestGuard(cfg Config, balances BalanceSource, feed entity.PriceFeed) *Guard {
	return NewGuard(cfg, btcRules(), balances, feed)
}

func requireValidation(t *testing.T, err error, field string) {
	t.Helper()
	require.ErrorIs(t, err, ErrValidation)
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, field, validationErr.Field)
}

func TestValidateSimple(t *testing.T) {
	guard := newTestGuard(Config{TradableSymbols: []string{"BTCUSDT"}, QuoteAssets: []string{"USDT"}}, nil, fakeFeed{price: d("100000")})
	ctx := context.Background()

	simple := func(kind entity.OrderKind, qty string, price, stop decimal.NullDecimal) entity.PlaceOrderRequest {
		return entity.PlaceOrderRequest{
			StrategyKind:    entity.StrategyKindSimple,
			ClientRequestID: "req-1",
			Symbol:          "BTCUSDT",
			Side:            entity.OrderSideBuy,
			Simple: &entity.SimpleOrderParams{
				OrderKind: kind,
				Quantity:  d(qty),
				Price:     price,
				StopPrice: stop,
			},
		}
	}

	tests := []struct {
		name  string
		req   entity.PlaceOrderRequest
		field string
	}{
		{name: "market ok", req: simple(entity.OrderKindMarket, "0.002", decimal.NullDecimal{}, decimal.NullDecimal{})},
		{name: "limit ok", req: simple(entity.OrderKindLimit, "0.002", nd("99000.5"), decimal.NullDecimal{})},
		{name: "stop limit ok", req: simple(entity.OrderKindStopLimit, "0.002", nd("101000"), nd("100500"))},
		{name: "zero quantity", req: simple(entity.OrderKindMarket, "0", decimal.NullDecimal{}, decimal.NullDecimal{}), field: "simple.quantity"},
		{name: "below minimum", req: simple(entity.OrderKindMarket, "0.0005", decimal.NullDecimal{}, decimal.NullDecimal{}), field: "simple.quantity"},
		{name: "off step", req: simple(entity.OrderKindMarket, "0.0015", decimal.NullDecimal{}, decimal.NullDecimal{}), field: "simple.quantity"},
		{name: "market with price", req: simple(entity.OrderKindMarket, "0.001", nd("100"), decimal.NullDecimal{}), field: "simple.price"},
		{name: "limit without price", req: simple(entity.OrderKindLimit, "0.001", decimal.NullDecimal{}, decimal.NullDecimal{}), field: "simple.price"},
		{name: "limit with stop", req: simple(entity.OrderKindLimit, "0.001", nd("100"), nd("100")), field: "simple.stopPrice"},
		{name: "price off tick", req: simple(entity.OrderKindLimit, "0.001", nd("100.05"), decimal.NullDecimal{}), field: "simple.price"},
		{name: "stop limit missing stop", req: simple(entity.OrderKindStopLimit, "0.001", nd("100"), decimal.NullDecimal{}), field: "simple.stopPrice"},
		{name: "buy stop already crossed", req: simple(entity.OrderKindStopLimit, "0.001", nd("99000"), nd("99000")), field: "simple.stopPrice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := guard.Validate(ctx, tt.req)
			if tt.field == "" {
				require.NoError(t, err)
				require.Len(t, plan.Legs, 1)
				return
			}
			requireValidation(t, err, tt.field)
		})
	}
}

func TestValidateEnvelope(t *testing.T) {
	guard := newTestGuard(Config{TradableSymbols: []string{"BTCUSDT", "ETHUSDT"}, QuoteAssets: []string{"USDT"}}, nil, nil)
	ctx := context.Background()

	base := entity.PlaceOrderRequest{
		StrategyKind:    entity.StrategyKindSimple,
		ClientRequestID: "req-1",
		Symbol:          "BTCUSDT",
		Side:            entity.OrderSideBuy,
		Simple:          &entity.SimpleOrderParams{OrderKind: entity.OrderKindMarket, Quantity: d("0.001")},
	}

	req := base
	req.ClientRequestID = ""
	_, err := guard.Validate(ctx, req)
	requireValidation(t, err, "clientRequestId")

	req = base
	req.StrategyKind = "ICEBERG"
	_, err = guard.Validate(ctx, req)
	requireValidation(t, err, "strategyKind")

	req = base
	req.Symbol = "DOGEUSDT"
	_, err = guard.Validate(ctx, req)
	requireValidation(t, err, "symbol")

	req = base
	req.Symbol = "ETHUSDT"
	_, err = guard.Validate(ctx, req)
	requireValidation(t, err, "symbol")

	req = base
	req.Side = "HOLD"
	_, err = guard.Validate(ctx, req)
	requireValidation(t, err, "side")

	req = base
	req.Simple = nil
	_, err = guard.Validate(ctx, req)
	requireValidation(t, err, "simple")
}

func TestValidateQuoteAssets(t *testing.T) {
	rules := btcRules()
	rules["BTCBUSD"] = rules["BTCUSDT"]
	guard := NewGuard(Config{QuoteAssets: []string{"USDT"}}, rules, nil, nil)

	_, err := guard.Validate(context.Background(), entity.PlaceOrderRequest{
		StrategyKind:    entity.StrategyKindSimple,
		ClientRequestID: "req-1",
		Symbol:          "BTCBUSD",
		Side:            entity.OrderSideBuy,
		Simple:          &entity.SimpleOrderParams{OrderKind: entity.OrderKindMarket, Quantity: d("0.001")},
	})
	requireValidation(t, err, "symbol")
}

func TestValidateOCO(t *testing.T) {
	ctx := context.Background()
	req := entity.PlaceOrderRequest{
		StrategyKind:    entity.StrategyKindOCO,
		ClientRequestID: "req-oco",
		Symbol:          "BTCUSDT",
		Side:            entity.OrderSideBuy,
		OCO: &entity.OCOParams{
			Quantity:        d("0.001"),
			TakeProfitPrice: d("110000"),
			StopLossPrice:   d("95000"),
		},
	}

	guard := newTestGuard(Config{}, fakeBalances{"USDT": d("110")}, fakeFeed{price: d("100000")})
	plan, err := guard.Validate(ctx, req)
	require.NoError(t, err)
	require.Len(t, plan.Legs, 2)
	assert.Equal(t, entity.OrderKindStopLimit, plan.Legs[0].Kind)
	assert.True(t, plan.Legs[0].StopPrice.Decimal.Equal(d("110000")))
	assert.Equal(t, entity.OrderKindTakeProfit, plan.Legs[1].Kind)
	assert.True(t, plan.Legs[1].StopPrice.Decimal.Equal(d("95000")))

	same := req
	same.OCO = &entity.OCOParams{Quantity: d("0.001"), TakeProfitPrice: d("95000"), StopLossPrice: d("95000")}
	_, err = guard.Validate(ctx, same)
	requireValidation(t, err, "oco.stopLossPrice")

	guard = newTestGuard(Config{}, nil, fakeFeed{price: d("120000")})
	_, err = guard.Validate(ctx, req)
	requireValidation(t, err, "oco")

	guard = newTestGuard(Config{}, nil, fakeFeed{err: entity.ErrPriceUnavailable})
	_, err = guard.Validate(ctx, req)
	require.NoError(t, err, "side check is skipped without a price")

	guard = newTestGuard(Config{}, fakeBalances{"USDT": d("100")}, fakeFeed{price: d("100000")})
	_, err = guard.Validate(ctx, req)
	requireValidation(t, err, "balance")
}

func TestValidateTWAP(t *testing.T) {
	guard := newTestGuard(Config{}, nil, fakeFeed{price: d("100000")})
	ctx := context.Background()

	twap := func(total string, slices int, interval int64) entity.PlaceOrderRequest {
		return entity.PlaceOrderRequest{
			StrategyKind:    entity.StrategyKindTWAP,
			ClientRequestID: "req-twap",
			Symbol:          "BTCUSDT",
			Side:            entity.OrderSideSell,
			TWAP: &entity.TWAPParams{
				TotalQuantity:  d(total),
				Slices:         slices,
				IntervalMillis: interval,
			},
		}
	}

	plan, err := guard.Validate(ctx, twap("0.005", 5, 1000))
	require.NoError(t, err)
	require.Len(t, plan.Legs, 5)
	sum := decimal.Zero
	for _, leg := range plan.Legs {
		sum = sum.Add(leg.Quantity)
		assert.Equal(t, entity.OrderKindMarket, leg.Kind)
	}
	assert.True(t, sum.Equal(d("0.005")))

	_, err = guard.Validate(ctx, twap("0.005", 1, 1000))
	requireValidation(t, err, "twap.slices")

	_, err = guard.Validate(ctx, twap("0.005", 5, 0))
	requireValidation(t, err, "twap.intervalMs")

	_, err = guard.Validate(ctx, twap("0.003", 5, 1000))
	requireValidation(t, err, "twap.totalQuantity")
}

func TestValidateGrid(t *testing.T) {
	ctx := context.Background()

	grid := func(reference decimal.NullDecimal) entity.PlaceOrderRequest {
		return entity.PlaceOrderRequest{
			StrategyKind:    entity.StrategyKindGrid,
			ClientRequestID: "req-grid",
			Symbol:          "BTCUSDT",
			Grid: &entity.GridParams{
				LowerPrice:       d("95000"),
				UpperPrice:       d("105000"),
				Levels:           5,
				QuantityPerLevel: d("0.001"),
				ReferencePrice:   reference,
			},
		}
	}

	guard := newTestGuard(Config{}, nil, fakeFeed{err: entity.ErrPriceUnavailable})
	plan, err := guard.Validate(ctx, grid(nd("100000")))
	require.NoError(t, err)
	require.Len(t, plan.Legs, 5)
	assert.True(t, plan.ReferencePrice.Decimal.Equal(d("100000")))

	_, err = guard.Validate(ctx, grid(decimal.NullDecimal{}))
	requireValidation(t, err, "grid.referencePrice")

	guard = newTestGuard(Config{}, nil, fakeFeed{price: d("101000")})
	plan, err = guard.Validate(ctx, grid(decimal.NullDecimal{}))
	require.NoError(t, err)
	assert.True(t, plan.ReferencePrice.Decimal.Equal(d("101000")))

	inverted := grid(nd("100000"))
	inverted.Grid.UpperPrice = d("90000")
	_, err = guard.Validate(ctx, inverted)
	requireValidation(t, err, "grid.upperPrice")

	single := grid(nd("100000"))
	single.Grid.Levels = 1
	_, err = guard.Validate(ctx, single)
	requireValidation(t, err, "grid.levels")
}

func TestValidateLimits(t *testing.T) {
	ctx := context.Background()
	req := entity.PlaceOrderRequest{
		StrategyKind:    entity.StrategyKindSimple,
		ClientRequestID: "req-1",
		Symbol:          "BTCUSDT",
		Side:            entity.OrderSideBuy,
		Simple:          &entity.SimpleOrderParams{OrderKind: entity.OrderKindLimit, Quantity: d("0.01"), Price: nd("100000")},
	}

	guard := newTestGuard(Config{MaxNotional: d("500")}, nil, nil)
	_, err := guard.Validate(ctx, req)
	requireValidation(t, err, "quantity")

	guard = newTestGuard(Config{}, fakeBalances{"USDT": d("999")}, nil)
	_, err = guard.Validate(ctx, req)
	requireValidation(t, err, "balance")

	guard = newTestGuard(Config{}, fakeBalances{}, nil)
	_, err = guard.Validate(ctx, req)
	require.NoError(t, err, "missing balance data skips the check")

	sell := req
	sell.Side = entity.OrderSideSell
	guard = newTestGuard(Config{}, fakeBalances{"BTC": d("0.005")}, nil)
	_, err = guard.Validate(ctx, sell)
	requireValidation(t, err, "balance")

	guard = newTestGuard(Config{KillSwitch: true}, nil, nil)
	_, err = guard.Validate(ctx, req)
	require.ErrorIs(t, err, ErrKillSwitch)

	guard.SetKillSwitch(false)
	_, err = guard.Validate(ctx, req)
	require.NoError(t, err)
}
