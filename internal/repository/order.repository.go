package repository

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/execution-engine/internal/entity"
)

var orderColumns = []string{
	"leg_id",
	"exchange_order_id",
	"client_request_id",
	"strategy_id",
	"leg_index",
	"symbol",
	"side",
	"order_kind",
	"quantity",
	"price",
	"stop_price",
	"filled_quantity",
	"avg_fill_price",
	"status",
	"reject_reason",
	"quarantined",
	"version",
	"venue_updated_at",
	"created_at",
	"last_updated_at",
}

type OrderRepository struct {
	db *sqlx.DB
}

func NewOrderRepository(db *sqlx.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Upsert writes the order unless the stored row already carries the same or
// a newer version, so out-of-order writes never roll a leg back.
func (r *OrderRepository) Upsert(ctx context.Context, order entity.Order) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(order.TableName()).
		Columns(orderColumns...).
		Values(
			order.LegID,
			order.ID,
			order.ClientRequestID,
			order.StrategyID,
			order.LegIndex,
			order.Symbol,
			order.Side,
			order.Kind,
			order.Quantity,
			order.Price,
			order.StopPrice,
			order.FilledQuantity,
			order.AvgFillPrice,
			order.Status,
			order.RejectReason,
			order.Quarantined,
			order.Version,
			order.VenueUpdatedAt,
			order.CreatedAt,
			order.LastUpdatedAt,
		).
		Suffix(`ON CONFLICT (leg_id) DO UPDATE SET
			exchange_order_id = EXCLUDED.exchange_order_id,
			filled_quantity = EXCLUDED.filled_quantity,
			avg_fill_price = EXCLUDED.avg_fill_price,
			status = EXCLUDED.status,
			reject_reason = EXCLUDED.reject_reason,
			quarantined = EXCLUDED.quarantined,
			version = EXCLUDED.version,
			venue_updated_at = EXCLUDED.venue_updated_at,
			last_updated_at = EXCLUDED.last_updated_at
		WHERE orders.version < EXCLUDED.version`)

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

// GetByStrategyIDs returns the legs of the given strategies in leg order.
func (r *OrderRepository) GetByStrategyIDs(ctx context.Context, strategyIDs []string) ([]entity.Order, error) {
	if len(strategyIDs) == 0 {
		return []entity.Order{}, nil
	}

	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select(orderColumns...).
		From(entity.Order{}.TableName()).
		Where(sq.Eq{"strategy_id": strategyIDs}).
		OrderBy("strategy_id", "leg_index asc")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	var orders []entity.Order
	err = r.db.SelectContext(ctx, &orders, query, args...)
	if err != nil {
		return nil, err
	}

	return orders, nil
}
