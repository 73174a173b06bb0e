package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/krobus00/execution-engine/internal/service/strategy"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// RulesSource resolves venue trading filters for a symbol.
type RulesSource interface {
	SymbolRules(ctx context.Context, symbol string) (*entity.SymbolRules, error)
}

// BalanceSource reports free balance per asset. Implementations return
// entity.ErrBalanceUnavailable when they hold no data for the asset.
type BalanceSource interface {
	AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}

type Config struct {
	TradableSymbols []string
	QuoteAssets     []string
	MaxNotional     decimal.Decimal
	KillSwitch      bool
}

// Plan is a validated request decomposed into legs, ready for the registry.
type Plan struct {
	Rules          entity.SymbolRules
	ReferencePrice decimal.NullDecimal
	Legs           []strategy.Leg
}

// Guard validates requests synchronously, before any venue side effect. It
// never touches the registry.
type Guard struct {
	rules    RulesSource
	balances BalanceSource
	prices   entity.PriceFeed

	mu          sync.RWMutex
	tradable    map[string]struct{}
	quoteAssets []string
	maxNotional decimal.Decimal
	killSwitch  bool
}

func NewGuard(cfg Config, rules RulesSource, balances BalanceSource, prices entity.PriceFeed) *Guard {
	g := &Guard{
		rules:       rules,
		balances:    balances,
		prices:      prices,
		maxNotional: cfg.MaxNotional,
		killSwitch:  cfg.KillSwitch,
	}
	for _, asset := range cfg.QuoteAssets {
		if asset = strings.ToUpper(strings.TrimSpace(asset)); asset != "" {
			g.quoteAssets = append(g.quoteAssets, asset)
		}
	}
	g.SetTradableSymbols(cfg.TradableSymbols)
	return g
}

// SetTradableSymbols replaces the configured tradable set. An empty set
// defers entirely to the venue rules.
func (g *Guard) SetTradableSymbols(symbols []string) {
	tradable := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		if symbol = strings.ToUpper(strings.TrimSpace(symbol)); symbol != "" {
			tradable[symbol] = struct{}{}
		}
	}

	g.mu.Lock()
	g.tradable = tradable
	g.mu.Unlock()
}

func (g *Guard) SetKillSwitch(enabled bool) {
	g.mu.Lock()
	g.killSwitch = enabled
	g.mu.Unlock()

	logrus.WithField("enabled", enabled).Warn("kill switch updated")
}

func (g *Guard) KillSwitch() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.killSwitch
}

func (g *Guard) Validate(ctx context.Context, req entity.PlaceOrderRequest) (*Plan, error) {
	g.mu.RLock()
	halted := g.killSwitch
	g.mu.RUnlock()
	if halted {
		return nil, ErrKillSwitch
	}

	if req.ClientRequestID == "" {
		return nil, invalid("clientRequestId", "is required")
	}
	if !req.StrategyKind.Valid() {
		return nil, invalid("strategyKind", "must be one of SIMPLE, OCO, TWAP, GRID")
	}
	if req.Symbol == "" {
		return nil, invalid("symbol", "is required")
	}
	if err := g.checkTradable(req.Symbol); err != nil {
		return nil, err
	}

	rules, err := g.rules.SymbolRules(ctx, req.Symbol)
	if err != nil {
		if errors.Is(err, entity.ErrSymbolNotFound) {
			return nil, invalid("symbol", "%s is not tradable on the venue", req.Symbol)
		}
		return nil, fmt.Errorf("load symbol rules: %w", err)
	}

	var plan *Plan
	switch req.StrategyKind {
	case entity.StrategyKindSimple:
		plan, err = g.planSimple(ctx, req, *rules)
	case entity.StrategyKindOCO:
		plan, err = g.planOCO(ctx, req, *rules)
	case entity.StrategyKindTWAP:
		plan, err = g.planTWAP(ctx, req, *rules)
	case entity.StrategyKindGrid:
		plan, err = g.planGrid(ctx, req, *rules)
	}
	if err != nil {
		return nil, err
	}

	if err := g.checkNotional(req.StrategyKind, plan, *rules); err != nil {
		return nil, err
	}
	if err := g.checkBalance(ctx, req.StrategyKind, plan, *rules); err != nil {
		return nil, err
	}

	return plan, nil
}

func (g *Guard) checkTradable(symbol string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.tradable) > 0 {
		if _, ok := g.tradable[symbol]; !ok {
			return invalid("symbol", "%s is not in the tradable set", symbol)
		}
	}
	if len(g.quoteAssets) == 0 {
		return nil
	}
	for _, asset := range g.quoteAssets {
		if strings.HasSuffix(symbol, asset) && len(symbol) > len(asset) {
			return nil
		}
	}
	return invalid("symbol", "%s is not quoted in %s", symbol, strings.Join(g.quoteAssets, ", "))
}

func (g *Guard) planSimple(ctx context.Context, req entity.PlaceOrderRequest, rules entity.SymbolRules) (*Plan, error) {
	params := req.Simple
	if params == nil {
		return nil, invalid("simple", "is required for SIMPLE strategies")
	}
	if err := checkSide(req.Side); err != nil {
		return nil, err
	}
	if !params.OrderKind.Valid() {
		return nil, invalid("simple.orderKind", "must be one of MARKET, LIMIT, STOP_LIMIT")
	}
	if err := checkQuantity("simple.quantity", params.Quantity, rules); err != nil {
		return nil, err
	}

	switch params.OrderKind {
	case entity.OrderKindMarket:
		if params.Price.Valid {
			return nil, invalid("simple.price", "must be empty for MARKET orders")
		}
		if params.StopPrice.Valid {
			return nil, invalid("simple.stopPrice", "must be empty for MARKET orders")
		}
	case entity.OrderKindLimit:
		if err := checkPrice("simple.price", params.Price, rules); err != nil {
			return nil, err
		}
		if params.StopPrice.Valid {
			return nil, invalid("simple.stopPrice", "must be empty for LIMIT orders")
		}
	case entity.OrderKindStopLimit:
		if err := checkPrice("simple.price", params.Price, rules); err != nil {
			return nil, err
		}
		if err := checkPrice("simple.stopPrice", params.StopPrice, rules); err != nil {
			return nil, err
		}
	}

	reference := g.currentPrice(ctx, req.Symbol)
	if params.OrderKind == entity.OrderKindStopLimit && reference.Valid {
		crossed := (req.Side == entity.OrderSideBuy && params.StopPrice.Decimal.LessThanOrEqual(reference.Decimal)) ||
			(req.Side == entity.OrderSideSell && params.StopPrice.Decimal.GreaterThanOrEqual(reference.Decimal))
		if crossed {
			return nil, invalid("simple.stopPrice", "%s would trigger immediately at current price %s", params.StopPrice.Decimal, reference.Decimal)
		}
	}

	return &Plan{
		Rules:          rules,
		ReferencePrice: reference,
		Legs:           strategy.PlanSimple(req.Side, *params),
	}, nil
}

func (g *Guard) planOCO(ctx context.Context, req entity.PlaceOrderRequest, rules entity.SymbolRules) (*Plan, error) {
	params := req.OCO
	if params == nil {
		return nil, invalid("oco", "is required for OCO strategies")
	}
	if err := checkSide(req.Side); err != nil {
		return nil, err
	}
	if err := checkQuantity("oco.quantity", params.Quantity, rules); err != nil {
		return nil, err
	}
	if err := checkPrice("oco.takeProfitPrice", decimal.NewNullDecimal(params.TakeProfitPrice), rules); err != nil {
		return nil, err
	}
	if err := checkPrice("oco.stopLossPrice", decimal.NewNullDecimal(params.StopLossPrice), rules); err != nil {
		return nil, err
	}
	if params.StopLossLimitPrice.Valid {
		if err := checkPrice("oco.stopLossLimitPrice", params.StopLossLimitPrice, rules); err != nil {
			return nil, err
		}
	}
	if params.TakeProfitPrice.Equal(params.StopLossPrice) {
		return nil, invalid("oco.stopLossPrice", "must differ from take profit price")
	}

	reference := g.currentPrice(ctx, req.Symbol)
	if reference.Valid {
		low := decimal.Min(params.TakeProfitPrice, params.StopLossPrice)
		high := decimal.Max(params.TakeProfitPrice, params.StopLossPrice)
		if !low.LessThan(reference.Decimal) || !reference.Decimal.LessThan(high) {
			return nil, invalid("oco", "take profit and stop loss must lie on opposite sides of current price %s", reference.Decimal)
		}
	}

	return &Plan{
		Rules:          rules,
		ReferencePrice: reference,
		Legs:           strategy.PlanOCO(req.Side, *params),
	}, nil
}

func (g *Guard) planTWAP(ctx context.Context, req entity.PlaceOrderRequest, rules entity.SymbolRules) (*Plan, error) {
	params := req.TWAP
	if params == nil {
		return nil, invalid("twap", "is required for TWAP strategies")
	}
	if err := checkSide(req.Side); err != nil {
		return nil, err
	}
	if err := checkQuantity("twap.totalQuantity", params.TotalQuantity, rules); err != nil {
		return nil, err
	}

	legs, err := strategy.PlanTWAP(req.Side, *params, rules)
	if err != nil {
		return nil, fromParamError(err)
	}
	for _, leg := range legs {
		if rules.MinQuantity.IsPositive() && leg.Quantity.LessThan(rules.MinQuantity) {
			return nil, invalid("twap.slices", "slice quantity %s is below minimum %s", leg.Quantity, rules.MinQuantity)
		}
	}

	return &Plan{
		Rules:          rules,
		ReferencePrice: g.currentPrice(ctx, req.Symbol),
		Legs:           legs,
	}, nil
}

func (g *Guard) planGrid(ctx context.Context, req entity.PlaceOrderRequest, rules entity.SymbolRules) (*Plan, error) {
	params := req.Grid
	if params == nil {
		return nil, invalid("grid", "is required for GRID strategies")
	}
	if err := checkPrice("grid.lowerPrice", decimal.NewNullDecimal(params.LowerPrice), rules); err != nil {
		return nil, err
	}
	if err := checkPrice("grid.upperPrice", decimal.NewNullDecimal(params.UpperPrice), rules); err != nil {
		return nil, err
	}
	if err := checkQuantity("grid.quantityPerLevel", params.QuantityPerLevel, rules); err != nil {
		return nil, err
	}

	reference := params.ReferencePrice
	if reference.Valid {
		if !reference.Decimal.IsPositive() {
			return nil, invalid("grid.referencePrice", "must be greater than zero")
		}
	} else {
		reference = g.currentPrice(ctx, req.Symbol)
		if !reference.Valid {
			return nil, invalid("grid.referencePrice", "is required when no current price is available")
		}
	}

	legs, err := strategy.PlanGrid(*params, rules, reference.Decimal)
	if err != nil {
		return nil, fromParamError(err)
	}

	return &Plan{
		Rules:          rules,
		ReferencePrice: reference,
		Legs:           legs,
	}, nil
}

// checkNotional enforces the venue minimum per leg and the configured
// maximum per request. Legs without a known price are skipped.
func (g *Guard) checkNotional(kind entity.StrategyKind, plan *Plan, rules entity.SymbolRules) error {
	total := decimal.Zero
	for i, leg := range countedLegs(kind, plan.Legs) {
		price, ok := legPrice(leg, plan.ReferencePrice)
		if !ok {
			continue
		}
		notional := leg.Quantity.Mul(price)
		if rules.MinNotional.IsPositive() && notional.LessThan(rules.MinNotional) {
			return invalid("quantity", "leg %d notional %s is below minimum %s", i, notional, rules.MinNotional)
		}
		total = total.Add(notional)
	}

	g.mu.RLock()
	maxNotional := g.maxNotional
	g.mu.RUnlock()

	if maxNotional.IsPositive() && total.GreaterThan(maxNotional) {
		return invalid("quantity", "request notional %s exceeds maximum %s", total, maxNotional)
	}
	return nil
}

// checkBalance verifies free balance when the venue exposes it: BUY legs
// consume quote notional, SELL legs consume base quantity.
func (g *Guard) checkBalance(ctx context.Context, kind entity.StrategyKind, plan *Plan, rules entity.SymbolRules) error {
	if g.balances == nil {
		return nil
	}

	quoteRequired, baseRequired := decimal.Zero, decimal.Zero
	for _, leg := range countedLegs(kind, plan.Legs) {
		if leg.Side == entity.OrderSideSell {
			baseRequired = baseRequired.Add(leg.Quantity)
			continue
		}
		price, ok := legPrice(leg, plan.ReferencePrice)
		if !ok {
			continue
		}
		quoteRequired = quoteRequired.Add(leg.Quantity.Mul(price))
	}

	if err := g.requireBalance(ctx, rules.QuoteAsset, quoteRequired); err != nil {
		return err
	}
	return g.requireBalance(ctx, rules.BaseAsset, baseRequired)
}

func (g *Guard) requireBalance(ctx context.Context, asset string, required decimal.Decimal) error {
	if asset == "" || !required.IsPositive() {
		return nil
	}

	available, err := g.balances.AvailableBalance(ctx, asset)
	if err != nil {
		if !errors.Is(err, entity.ErrBalanceUnavailable) {
			logrus.WithError(err).WithField("asset", asset).Warn("balance check skipped")
		}
		return nil
	}

	if available.LessThan(required) {
		return invalid("balance", "insufficient %s: required %s, available %s", asset, required, available)
	}
	return nil
}

func (g *Guard) currentPrice(ctx context.Context, symbol string) decimal.NullDecimal {
	if g.prices == nil {
		return decimal.NullDecimal{}
	}

	snapshot, err := g.prices.GetPrice(ctx, symbol)
	if err != nil || !snapshot.Price.IsPositive() {
		logrus.WithError(err).WithField("symbol", symbol).Debug("current price unavailable for validation")
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(snapshot.Price)
}

// countedLegs returns the legs that can execute together. Only one OCO leg
// can fill, so the larger-notional leg stands for the pair.
func countedLegs(kind entity.StrategyKind, legs []strategy.Leg) []strategy.Leg {
	if kind != entity.StrategyKindOCO || len(legs) < 2 {
		return legs
	}

	counted := legs[0]
	for _, leg := range legs[1:] {
		if leg.Price.Valid && counted.Price.Valid && leg.Price.Decimal.GreaterThan(counted.Price.Decimal) {
			counted = leg
		}
	}
	return []strategy.Leg{counted}
}

func legPrice(leg strategy.Leg, reference decimal.NullDecimal) (decimal.Decimal, bool) {
	if leg.Price.Valid {
		return leg.Price.Decimal, true
	}
	if reference.Valid {
		return reference.Decimal, true
	}
	return decimal.Zero, false
}

func checkSide(side entity.OrderSide) error {
	if !side.Valid() {
		return invalid("side", "must be BUY or SELL")
	}
	return nil
}

func checkQuantity(field string, qty decimal.Decimal, rules entity.SymbolRules) error {
	if !qty.IsPositive() {
		return invalid(field, "must be greater than zero")
	}
	if rules.MinQuantity.IsPositive() && qty.LessThan(rules.MinQuantity) {
		return invalid(field, "must be at least %s", rules.MinQuantity)
	}
	if !strategy.IsMultipleOf(qty, rules.QuantityStep) {
		return invalid(field, "must be a multiple of %s", rules.QuantityStep)
	}
	return nil
}

func checkPrice(field string, price decimal.NullDecimal, rules entity.SymbolRules) error {
	if !price.Valid {
		return invalid(field, "is required")
	}
	if !price.Decimal.IsPositive() {
		return invalid(field, "must be greater than zero")
	}
	if !strategy.IsMultipleOf(price.Decimal, rules.PriceTick) {
		return invalid(field, "must be a multiple of %s", rules.PriceTick)
	}
	return nil
}
