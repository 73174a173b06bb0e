package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/lib/pq"
)

const (
	pqUniqueViolation            = "23505"
	strategyClientRequestIDIndex = "idx_strategies_client_request_id"
)

var strategyColumns = []string{
	"id",
	"kind",
	"client_request_id",
	"symbol",
	"status",
	"legs",
	"cancel_requested",
	"request",
	"anomalies",
	"created_at",
	"last_updated_at",
	"archived_at",
}

// strategyRow is the table shape of entity.Strategy; nested values are jsonb.
type strategyRow struct {
	ID              string       `db:"id"`
	Kind            string       `db:"kind"`
	ClientRequestID string       `db:"client_request_id"`
	Symbol          string       `db:"symbol"`
	Status          string       `db:"status"`
	Legs            []byte       `db:"legs"`
	CancelRequested bool         `db:"cancel_requested"`
	Request         []byte       `db:"request"`
	Anomalies       []byte       `db:"anomalies"`
	CreatedAt       time.Time    `db:"created_at"`
	LastUpdatedAt   time.Time    `db:"last_updated_at"`
	ArchivedAt      sql.NullTime `db:"archived_at"`
}

type StrategyRepository struct {
	db *sqlx.DB
}

func NewStrategyRepository(db *sqlx.DB) *StrategyRepository {
	return &StrategyRepository{db: db}
}

func (r *StrategyRepository) Upsert(ctx context.Context, strategy entity.Strategy) error {
	row, err := toStrategyRow(strategy)
	if err != nil {
		return err
	}

	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(strategy.TableName()).
		Columns(strategyColumns...).
		Values(
			row.ID,
			row.Kind,
			row.ClientRequestID,
			row.Symbol,
			row.Status,
			row.Legs,
			row.CancelRequested,
			row.Request,
			row.Anomalies,
			row.CreatedAt,
			row.LastUpdatedAt,
			row.ArchivedAt,
		).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			cancel_requested = EXCLUDED.cancel_requested,
			anomalies = EXCLUDED.anomalies,
			last_updated_at = EXCLUDED.last_updated_at,
			archived_at = EXCLUDED.archived_at
		WHERE strategies.last_updated_at <= EXCLUDED.last_updated_at`)

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	if isUniqueViolation(err, strategyClientRequestIDIndex) {
		return fmt.Errorf("%w: %s", entity.ErrDuplicateClientRequestID, strategy.ClientRequestID)
	}
	return err
}

// GetByClientRequestID returns sql.ErrNoRows when no strategy accepted
// clientRequestID.
func (r *StrategyRepository) GetByClientRequestID(ctx context.Context, clientRequestID string) (*entity.Strategy, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select(strategyColumns...).
		From(entity.Strategy{}.TableName()).
		Where(sq.Eq{"client_request_id": clientRequestID}).
		Limit(1)

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	var row strategyRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, err
	}

	strategy, err := row.toEntity()
	if err != nil {
		return nil, err
	}
	return &strategy, nil
}

// GetRestorable returns every live strategy plus the archivedLimit most
// recently archived ones, oldest first.
func (r *StrategyRepository) GetRestorable(ctx context.Context, archivedLimit int) ([]entity.Strategy, error) {
	live := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select(strategyColumns...).
		From(entity.Strategy{}.TableName()).
		Where(sq.Eq{"archived_at": nil}).
		OrderBy("created_at asc")

	query, args, err := live.ToSql()
	if err != nil {
		return nil, err
	}

	var rows []strategyRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	if archivedLimit > 0 {
		archived := sq.StatementBuilder.
			PlaceholderFormat(sq.Dollar).
			Select(strategyColumns...).
			From(entity.Strategy{}.TableName()).
			Where(sq.NotEq{"archived_at": nil}).
			OrderBy("archived_at desc").
			Limit(uint64(archivedLimit))

		query, args, err = archived.ToSql()
		if err != nil {
			return nil, err
		}

		var archivedRows []strategyRow
		if err := r.db.SelectContext(ctx, &archivedRows, query, args...); err != nil {
			return nil, err
		}
		for i := len(archivedRows) - 1; i >= 0; i-- {
			rows = append(rows, archivedRows[i])
		}
	}

	strategies := make([]entity.Strategy, 0, len(rows))
	for _, row := range rows {
		strategy, err := row.toEntity()
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, strategy)
	}

	return strategies, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation && pqErr.Constraint == constraint
}

func toStrategyRow(strategy entity.Strategy) (strategyRow, error) {
	legs, err := json.Marshal(strategy.Legs)
	if err != nil {
		return strategyRow{}, fmt.Errorf("encode legs: %w", err)
	}
	request, err := json.Marshal(strategy.Request)
	if err != nil {
		return strategyRow{}, fmt.Errorf("encode request: %w", err)
	}
	anomalies := strategy.Anomalies
	if anomalies == nil {
		anomalies = []entity.Anomaly{}
	}
	anomaliesJSON, err := json.Marshal(anomalies)
	if err != nil {
		return strategyRow{}, fmt.Errorf("encode anomalies: %w", err)
	}

	row := strategyRow{
		ID:              strategy.ID,
		Kind:            string(strategy.Kind),
		ClientRequestID: strategy.ClientRequestID,
		Symbol:          strategy.Symbol,
		Status:          string(strategy.Status),
		Legs:            legs,
		CancelRequested: strategy.CancelRequested,
		Request:         request,
		Anomalies:       anomaliesJSON,
		CreatedAt:       strategy.CreatedAt,
		LastUpdatedAt:   strategy.LastUpdatedAt,
	}
	if strategy.ArchivedAt != nil {
		row.ArchivedAt = sql.NullTime{Time: *strategy.ArchivedAt, Valid: true}
	}

	return row, nil
}

func (row strategyRow) toEntity() (entity.Strategy, error) {
	strategy := entity.Strategy{
		ID:              row.ID,
		Kind:            entity.StrategyKind(row.Kind),
		ClientRequestID: row.ClientRequestID,
		Symbol:          row.Symbol,
		Status:          entity.StrategyStatus(row.Status),
		CancelRequested: row.CancelRequested,
		CreatedAt:       row.CreatedAt,
		LastUpdatedAt:   row.LastUpdatedAt,
	}

	if err := json.Unmarshal(row.Legs, &strategy.Legs); err != nil {
		return entity.Strategy{}, fmt.Errorf("decode legs of strategy %s: %w", row.ID, err)
	}
	if len(row.Request) > 0 {
		if err := json.Unmarshal(row.Request, &strategy.Request); err != nil {
			return entity.Strategy{}, fmt.Errorf("decode request of strategy %s: %w", row.ID, err)
		}
	}
	if len(row.Anomalies) > 0 {
		if err := json.Unmarshal(row.Anomalies, &strategy.Anomalies); err != nil {
			return entity.Strategy{}, fmt.Errorf("decode anomalies of strategy %s: %w", row.ID, err)
		}
	}
	if row.ArchivedAt.Valid {
		archivedAt := row.ArchivedAt.Time
		strategy.ArchivedAt = &archivedAt
	}

	return strategy, nil
}
