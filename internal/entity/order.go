package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string
type OrderKind string
type OrderStatus string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderKindMarket    OrderKind = "MARKET"
	OrderKindLimit     OrderKind = "LIMIT"
	OrderKindStopLimit OrderKind = "STOP_LIMIT"
	// OrderKindTakeProfit is a triggered limit order that fires in the
	// opposite direction of STOP_LIMIT: a BUY when price falls to the trigger,
	// a SELL when it rises to it. Only OCO legs use it.
	OrderKindTakeProfit OrderKind = "TAKE_PROFIT"

	OrderStatusPendingSubmit   OrderStatus = "PENDING_SUBMIT"
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

func (k OrderKind) Valid() bool {
	switch k {
	case OrderKindMarket, OrderKindLimit, OrderKindStopLimit:
		return true
	default:
		return false
	}
}

// HasTrigger reports whether the order rests untriggered until price
// reaches its stop price.
func (k OrderKind) HasTrigger() bool {
	return k == OrderKindStopLimit || k == OrderKindTakeProfit
}

func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Rank orders statuses by lifecycle progress, used to discard stale snapshots.
func (s OrderStatus) Rank() int {
	switch s {
	case OrderStatusPendingSubmit:
		return 0
	case OrderStatusOpen:
		return 1
	case OrderStatusPartiallyFilled:
		return 2
	default:
		return 3
	}
}

// Order is a single exchange-facing instruction. LegID is assigned by the
// engine when the leg is planned, ID by the venue once it accepts the order.
type Order struct {
	LegID           string              `db:"leg_id" json:"legId"`
	ID              string              `db:"exchange_order_id" json:"id"`
	ClientRequestID string              `db:"client_request_id" json:"clientRequestId"`
	StrategyID      string              `db:"strategy_id" json:"strategyId"`
	LegIndex        int                 `db:"leg_index" json:"legIndex"`
	Symbol          string              `db:"symbol" json:"symbol"`
	Side            OrderSide           `db:"side" json:"side"`
	Kind            OrderKind           `db:"order_kind" json:"orderKind"`
	Quantity        decimal.Decimal     `db:"quantity" json:"quantity"`
	Price           decimal.NullDecimal `db:"price" json:"price"`
	StopPrice       decimal.NullDecimal `db:"stop_price" json:"stopPrice"`
	FilledQuantity  decimal.Decimal     `db:"filled_quantity" json:"filledQuantity"`
	AvgFillPrice    decimal.NullDecimal `db:"avg_fill_price" json:"avgFillPrice"`
	Status          OrderStatus         `db:"status" json:"status"`
	RejectReason    string              `db:"reject_reason" json:"rejectReason,omitempty"`
	Quarantined     bool                `db:"quarantined" json:"quarantined"`
	Version         int64               `db:"version" json:"version"`
	VenueUpdatedAt  time.Time           `db:"venue_updated_at" json:"venueUpdatedAt"`
	CreatedAt       time.Time           `db:"created_at" json:"createdAt"`
	LastUpdatedAt   time.Time           `db:"last_updated_at" json:"lastUpdatedAt"`
}

func (o Order) TableName() string {
	return "orders"
}

// Ref returns the handle used to address the order on the venue.
func (o Order) Ref() OrderRef {
	return OrderRef{
		Symbol:          o.Symbol,
		ExchangeOrderID: o.ID,
		ClientRequestID: o.ClientRequestID,
	}
}

// Notional is quantity times the limit price, or times ref for market orders.
func (o Order) Notional(ref decimal.Decimal) decimal.Decimal {
	if o.Price.Valid {
		return o.Quantity.Mul(o.Price.Decimal)
	}
	return o.Quantity.Mul(ref)
}

// FullyFilled reports whether the venue filled the whole requested quantity,
// regardless of whether a FILLED status has been observed yet.
func (o Order) FullyFilled() bool {
	if o.Status == OrderStatusFilled {
		return true
	}
	return o.Status == OrderStatusPartiallyFilled && o.FilledQuantity.GreaterThanOrEqual(o.Quantity)
}

// OrderRef addresses an order on the venue, by exchange id or client id.
type OrderRef struct {
	Symbol          string `json:"symbol"`
	ExchangeOrderID string `json:"id,omitempty"`
	ClientRequestID string `json:"clientRequestId,omitempty"`
}

// OrderSnapshot is a point-in-time view of an order as reported by the venue.
type OrderSnapshot struct {
	ExchangeOrderID string              `json:"id"`
	ClientRequestID string              `json:"clientRequestId"`
	Symbol          string              `json:"symbol"`
	Status          OrderStatus         `json:"status"`
	FilledQuantity  decimal.Decimal     `json:"filledQuantity"`
	AvgFillPrice    decimal.NullDecimal `json:"avgFillPrice"`
	RejectReason    string              `json:"rejectReason,omitempty"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

// StrategyOrders groups the orders owned by one strategy.
type StrategyOrders struct {
	StrategyID   string       `json:"strategyId"`
	StrategyKind StrategyKind `json:"strategyKind"`
	Orders       []Order      `json:"orders"`
}

type OrderHistoryFilter struct {
	Symbol       string       `json:"symbol,omitempty"`
	OrderKind    OrderKind    `json:"orderKind,omitempty"`
	StrategyKind StrategyKind `json:"strategyKind,omitempty"`
	Limit        int          `json:"limit,omitempty"`
}
