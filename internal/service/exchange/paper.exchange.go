package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type PaperConfig struct {
	Rules    []entity.SymbolRules
	Balances map[string]decimal.Decimal
}

// PaperExchange is an in-memory venue that fills orders against a price feed.
type PaperExchange struct {
	feed entity.PriceFeed
	now  func() time.Time

	mu         sync.Mutex
	seq        int64
	rules      map[string]entity.SymbolRules
	balances   map[string]decimal.Decimal
	orders     map[string]*paperOrder
	byClientID map[string]string
}

type paperOrder struct {
	order     entity.Order
	snapshot  entity.OrderSnapshot
	triggered bool
	// stopFromAbove is set when the market was above the stop at submission.
	stopFromAbove bool
}

func NewPaperExchange(cfg PaperConfig, feed entity.PriceFeed) *PaperExchange {
	rules := make(map[string]entity.SymbolRules, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		rule.Symbol = strings.ToUpper(rule.Symbol)
		rules[rule.Symbol] = rule
	}

	balances := make(map[string]decimal.Decimal, len(cfg.Balances))
	for asset, amount := range cfg.Balances {
		balances[strings.ToUpper(asset)] = amount
	}

	return &PaperExchange{
		feed:       feed,
		now:        func() time.Time { return time.Now().UTC() },
		rules:      rules,
		balances:   balances,
		orders:     make(map[string]*paperOrder),
		byClientID: make(map[string]string),
	}
}

func (e *PaperExchange) Name() entity.ExchangeName {
	return entity.ExchangePaper
}

func (e *PaperExchange) Submit(ctx context.Context, order entity.Order) (*entity.OrderSnapshot, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	symbol := strings.ToUpper(order.Symbol)
	market, priceErr := e.marketPrice(ctx, symbol)

	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.byClientID[order.ClientRequestID]; ok {
		snapshot := e.orders[id].snapshot
		return &snapshot, nil
	}

	if _, ok := e.rules[symbol]; !ok {
		return nil, &entity.RejectedError{Reason: fmt.Sprintf("unknown symbol %s", symbol)}
	}
	if order.Kind == entity.OrderKindMarket && priceErr != nil {
		return nil, &entity.RejectedError{Reason: fmt.Sprintf("no market price for %s", symbol)}
	}

	e.seq++
	id := "paper-" + strconv.FormatInt(e.seq, 10)

	order.ID = id
	order.Symbol = symbol
	entry := &paperOrder{
		order: order,
		snapshot: entity.OrderSnapshot{
			ExchangeOrderID: id,
			ClientRequestID: order.ClientRequestID,
			Symbol:          symbol,
			Status:          entity.OrderStatusOpen,
			FilledQuantity:  decimal.Zero,
			UpdatedAt:       e.now(),
		},
	}

	if order.Kind.HasTrigger() {
		switch {
		case priceErr == nil:
			entry.stopFromAbove = market.GreaterThan(order.StopPrice.Decimal)
		case order.Kind == entity.OrderKindTakeProfit:
			entry.stopFromAbove = order.Side == entity.OrderSideBuy
		default:
			entry.stopFromAbove = order.Side == entity.OrderSideSell
		}
	}

	e.orders[id] = entry
	e.byClientID[order.ClientRequestID] = id

	if priceErr == nil {
		e.matchLocked(entry, market)
	}

	snapshot := entry.snapshot
	return &snapshot, nil
}

func (e *PaperExchange) Cancel(ctx context.Context, ref entity.OrderRef) (*entity.OrderSnapshot, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry, err := e.lookupLocked(ref)
	if err != nil {
		return nil, err
	}
	if entry.snapshot.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", entity.ErrAlreadyTerminal, entry.snapshot.ExchangeOrderID, entry.snapshot.Status)
	}

	entry.snapshot.Status = entity.OrderStatusCanceled
	entry.snapshot.UpdatedAt = e.now()

	snapshot := entry.snapshot
	return &snapshot, nil
}

func (e *PaperExchange) QueryStatus(ctx context.Context, ref entity.OrderRef) (*entity.OrderSnapshot, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entry, err := e.lookupLocked(ref)
	if err != nil {
		return nil, err
	}

	snapshot := entry.snapshot
	return &snapshot, nil
}

func (e *PaperExchange) SymbolRules(_ context.Context, symbol string) (*entity.SymbolRules, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rules, ok := e.rules[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", entity.ErrSymbolNotFound, symbol)
	}
	return &rules, nil
}

func (e *PaperExchange) AvailableBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	balance, ok := e.balances[strings.ToUpper(strings.TrimSpace(asset))]
	if !ok {
		return decimal.Zero, entity.ErrBalanceUnavailable
	}
	return balance, nil
}

// Match evaluates every resting order against the current feed price and
// returns the snapshots that changed.
func (e *PaperExchange) Match(ctx context.Context) []entity.OrderSnapshot {
	e.mu.Lock()
	symbols := make(map[string]struct{})
	for _, entry := range e.orders {
		if !entry.snapshot.Status.IsTerminal() {
			symbols[entry.snapshot.Symbol] = struct{}{}
		}
	}
	e.mu.Unlock()

	prices := make(map[string]decimal.Decimal, len(symbols))
	for symbol := range symbols {
		price, err := e.marketPrice(ctx, symbol)
		if err != nil {
			continue
		}
		prices[symbol] = price
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var changed []entity.OrderSnapshot
	for _, entry := range e.orders {
		if entry.snapshot.Status.IsTerminal() {
			continue
		}
		price, ok := prices[entry.snapshot.Symbol]
		if !ok {
			continue
		}
		if e.matchLocked(entry, price) {
			changed = append(changed, entry.snapshot)
		}
	}

	return changed
}

// Run matches resting orders every interval and hands each change to onUpdate.
func (e *PaperExchange) Run(ctx context.Context, interval time.Duration, onUpdate func(ctx context.Context, snapshot entity.OrderSnapshot) error) {
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, snapshot := range e.Match(ctx) {
				if err := onUpdate(ctx, snapshot); err != nil {
					logrus.WithError(err).WithFields(logrus.Fields{
						"exchange_order_id": snapshot.ExchangeOrderID,
						"status":            snapshot.Status,
					}).Warn("failed to apply paper order update")
				}
			}
		}
	}
}

func (e *PaperExchange) marketPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if e.feed == nil {
		return decimal.Zero, entity.ErrPriceUnavailable
	}

	snapshot, err := e.feed.GetPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if !snapshot.Price.IsPositive() {
		return decimal.Zero, entity.ErrPriceUnavailable
	}
	return snapshot.Price, nil
}

func (e *PaperExchange) lookupLocked(ref entity.OrderRef) (*paperOrder, error) {
	id := ref.ExchangeOrderID
	if id == "" {
		id = e.byClientID[ref.ClientRequestID]
	}

	entry, ok := e.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", entity.ErrOrderNotFound, ref.ClientRequestID)
	}
	return entry, nil
}

// matchLocked fills entry when price crosses it and reports whether it filled.
func (e *PaperExchange) matchLocked(entry *paperOrder, price decimal.Decimal) bool {
	order := entry.order

	var fillPrice decimal.Decimal
	switch order.Kind {
	case entity.OrderKindMarket:
		fillPrice = price
	case entity.OrderKindStopLimit, entity.OrderKindTakeProfit:
		if !entry.triggered {
			stop := order.StopPrice.Decimal
			if entry.stopFromAbove && price.GreaterThan(stop) {
				return false
			}
			if !entry.stopFromAbove && price.LessThan(stop) {
				return false
			}
			entry.triggered = true
		}
		fallthrough
	case entity.OrderKindLimit:
		limit := order.Price.Decimal
		if order.Side == entity.OrderSideBuy && price.GreaterThan(limit) {
			return false
		}
		if order.Side == entity.OrderSideSell && price.LessThan(limit) {
			return false
		}
		fillPrice = limit
	default:
		return false
	}

	e.settleLocked(order, fillPrice)

	entry.snapshot.Status = entity.OrderStatusFilled
	entry.snapshot.FilledQuantity = order.Quantity
	entry.snapshot.AvgFillPrice = decimal.NewNullDecimal(fillPrice)
	entry.snapshot.UpdatedAt = e.now()
	return true
}

func (e *PaperExchange) settleLocked(order entity.Order, fillPrice decimal.Decimal) {
	rules, ok := e.rules[order.Symbol]
	if !ok {
		return
	}

	notional := order.Quantity.Mul(fillPrice)
	base := e.balances[rules.BaseAsset]
	quote := e.balances[rules.QuoteAsset]

	if order.Side == entity.OrderSideBuy {
		e.balances[rules.BaseAsset] = base.Add(order.Quantity)
		e.balances[rules.QuoteAsset] = quote.Sub(notional)
	} else {
		e.balances[rules.BaseAsset] = base.Sub(order.Quantity)
		e.balances[rules.QuoteAsset] = quote.Add(notional)
	}

	if e.balances[rules.QuoteAsset].IsNegative() || e.balances[rules.BaseAsset].IsNegative() {
		logrus.WithFields(logrus.Fields{
			"symbol": order.Symbol,
			"base":   e.balances[rules.BaseAsset].String(),
			"quote":  e.balances[rules.QuoteAsset].String(),
		}).Warn("paper balance went negative")
	}
}

