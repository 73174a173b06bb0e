package entity

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrPriceUnavailable = errors.New("price unavailable")

type PriceSnapshot struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

type PriceFeed interface {
	GetPrice(ctx context.Context, symbol string) (PriceSnapshot, error)
}
