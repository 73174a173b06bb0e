package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

type TradableSymbolRepository struct {
	db *sqlx.DB
}

func NewTradableSymbolRepository(db *sqlx.DB) *TradableSymbolRepository {
	return &TradableSymbolRepository{db: db}
}

// GetActiveSymbols lists the symbols enabled for trading on exchange.
func (r *TradableSymbolRepository) GetActiveSymbols(ctx context.Context, exchange string) ([]string, error) {
	var symbols []string
	err := r.db.SelectContext(ctx, &symbols, "SELECT symbol FROM tradable_symbols WHERE exchange = $1 AND active = true ORDER BY symbol", exchange)
	if err != nil {
		return nil, err
	}
	return symbols, nil
}
