package entity

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PlaceOrderRequest is a tagged variant discriminated by StrategyKind. Exactly
// one of the kind-specific parameter blocks is expected to be set.
type PlaceOrderRequest struct {
	StrategyKind    StrategyKind       `json:"strategyKind"`
	ClientRequestID string             `json:"clientRequestId"`
	Symbol          string             `json:"symbol"`
	Side            OrderSide          `json:"side,omitempty"`
	Simple          *SimpleOrderParams `json:"simple,omitempty"`
	OCO             *OCOParams         `json:"oco,omitempty"`
	TWAP            *TWAPParams        `json:"twap,omitempty"`
	Grid            *GridParams        `json:"grid,omitempty"`
}

type SimpleOrderParams struct {
	OrderKind OrderKind           `json:"orderKind"`
	Quantity  decimal.Decimal     `json:"quantity"`
	Price     decimal.NullDecimal `json:"price"`
	StopPrice decimal.NullDecimal `json:"stopPrice"`
}

type OCOParams struct {
	Quantity           decimal.Decimal     `json:"quantity"`
	TakeProfitPrice    decimal.Decimal     `json:"takeProfitPrice"`
	StopLossPrice      decimal.Decimal     `json:"stopLossPrice"`
	StopLossLimitPrice decimal.NullDecimal `json:"stopLossLimitPrice"`
}

type TWAPParams struct {
	TotalQuantity  decimal.Decimal `json:"totalQuantity"`
	Slices         int             `json:"slices"`
	IntervalMillis int64           `json:"intervalMs"`
}

func (p TWAPParams) Interval() time.Duration {
	return time.Duration(p.IntervalMillis) * time.Millisecond
}

type GridParams struct {
	LowerPrice       decimal.Decimal     `json:"lowerPrice"`
	UpperPrice       decimal.Decimal     `json:"upperPrice"`
	Levels           int                 `json:"levels"`
	QuantityPerLevel decimal.Decimal     `json:"quantityPerLevel"`
	ReferencePrice   decimal.NullDecimal `json:"referencePrice"`
}

// Normalize trims identifiers and upper-cases enum-like fields in place.
func (r *PlaceOrderRequest) Normalize() {
	r.StrategyKind = StrategyKind(strings.ToUpper(strings.TrimSpace(string(r.StrategyKind))))
	r.ClientRequestID = strings.TrimSpace(r.ClientRequestID)
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Side = OrderSide(strings.ToUpper(strings.TrimSpace(string(r.Side))))
	if r.Simple != nil {
		r.Simple.OrderKind = OrderKind(strings.ToUpper(strings.TrimSpace(string(r.Simple.OrderKind))))
	}
}

type PlaceOrderResult struct {
	StrategyID string   `json:"strategyId"`
	LegIDs     []string `json:"legIds"`
	Duplicate  bool     `json:"duplicate"`
}

type LegCancelOutcome string

const (
	LegCancelOutcomeCanceled        LegCancelOutcome = "CANCELED"
	LegCancelOutcomeCancelSubmitted LegCancelOutcome = "CANCEL_SUBMITTED"
	LegCancelOutcomeAlreadyTerminal LegCancelOutcome = "ALREADY_TERMINAL"
	LegCancelOutcomeSkipped         LegCancelOutcome = "SKIPPED"
	LegCancelOutcomeFailed          LegCancelOutcome = "FAILED"
)

type LegCancelResult struct {
	LegID   string           `json:"legId"`
	Status  OrderStatus      `json:"status"`
	Outcome LegCancelOutcome `json:"outcome"`
	Error   string           `json:"error,omitempty"`
}

type CancelReport struct {
	StrategyID string            `json:"strategyId"`
	Status     StrategyStatus    `json:"status"`
	Legs       []LegCancelResult `json:"legs"`
}

// Failed counts legs whose cancellation could not be submitted.
func (r CancelReport) Failed() int {
	n := 0
	for _, leg := range r.Legs {
		if leg.Outcome == LegCancelOutcomeFailed {
			n++
		}
	}
	return n
}
