package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/krobus00/execution-engine/internal/entity"
)

// RegistryStore persists registry writes and loads them back on startup.
type RegistryStore struct {
	strategies *StrategyRepository
	orders     *OrderRepository
}

func NewRegistryStore(strategies *StrategyRepository, orders *OrderRepository) *RegistryStore {
	return &RegistryStore{strategies: strategies, orders: orders}
}

func (s *RegistryStore) UpsertStrategy(ctx context.Context, strategy entity.Strategy) error {
	return s.strategies.Upsert(ctx, strategy)
}

func (s *RegistryStore) UpsertOrder(ctx context.Context, order entity.Order) error {
	return s.orders.Upsert(ctx, order)
}

// GetStrategyByClientRequestID returns nil when no strategy accepted
// clientRequestID.
func (s *RegistryStore) GetStrategyByClientRequestID(ctx context.Context, clientRequestID string) (*entity.Strategy, error) {
	strategy, err := s.strategies.GetByClientRequestID(ctx, clientRequestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return strategy, err
}

// Load returns live strategies, the most recent archivedLimit archived ones,
// and the legs of all of them.
func (s *RegistryStore) Load(ctx context.Context, archivedLimit int) ([]entity.Strategy, []entity.Order, error) {
	strategies, err := s.strategies.GetRestorable(ctx, archivedLimit)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]string, 0, len(strategies))
	for _, strategy := range strategies {
		ids = append(ids, strategy.ID)
	}

	orders, err := s.orders.GetByStrategyIDs(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	return strategies, orders, nil
}
