package entity

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type ExchangeName string

const (
	ExchangeBinanceFutures ExchangeName = "binance"
	ExchangePaper          ExchangeName = "paper"
)

var (
	ErrRateLimited        = errors.New("exchange rate limited")
	ErrRejected           = errors.New("exchange rejected order")
	ErrUnreachable        = errors.New("exchange unreachable")
	ErrOrderNotFound      = errors.New("exchange order not found")
	ErrAlreadyTerminal    = errors.New("exchange order already terminal")
	ErrSymbolNotFound     = errors.New("symbol not tradable on exchange")
	ErrBalanceUnavailable = errors.New("balance data unavailable")
)

// RejectedError carries the venue's reason for refusing an order.
type RejectedError struct {
	Code   int
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: code=%d reason=%s", ErrRejected.Error(), e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: %s", ErrRejected.Error(), e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// SymbolRules are the venue trading filters for one symbol.
type SymbolRules struct {
	Symbol       string          `json:"symbol"`
	BaseAsset    string          `json:"baseAsset"`
	QuoteAsset   string          `json:"quoteAsset"`
	QuantityStep decimal.Decimal `json:"quantityStep"`
	PriceTick    decimal.Decimal `json:"priceTick"`
	MinQuantity  decimal.Decimal `json:"minQuantity"`
	MinNotional  decimal.Decimal `json:"minNotional"`
}

// QuantityPlaces returns the number of decimals implied by the quantity step.
func (r SymbolRules) QuantityPlaces() int32 {
	return stepPlaces(r.QuantityStep)
}

func (r SymbolRules) PricePlaces() int32 {
	return stepPlaces(r.PriceTick)
}

func stepPlaces(step decimal.Decimal) int32 {
	if !step.IsPositive() {
		return 8
	}
	for places := int32(0); places < maxStepPlaces; places++ {
		if step.Equal(step.Truncate(places)) {
			return places
		}
	}
	return maxStepPlaces
}

const maxStepPlaces int32 = 18

// ExchangeGateway is the only component performing network I/O to a venue.
// Submit must be deduplicated on ClientRequestID by the implementation.
type ExchangeGateway interface {
	Name() ExchangeName
	Submit(ctx context.Context, order Order) (*OrderSnapshot, error)
	Cancel(ctx context.Context, ref OrderRef) (*OrderSnapshot, error)
	QueryStatus(ctx context.Context, ref OrderRef) (*OrderSnapshot, error)
	SymbolRules(ctx context.Context, symbol string) (*SymbolRules, error)
	AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}
