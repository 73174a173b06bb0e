package exchange

import (
	"errors"
	"fmt"
	"sync"

	"github.com/krobus00/execution-engine/internal/entity"
)

var ErrExchangeNotFound = errors.New("exchange not found")

// Factory builds a venue gateway on demand.
type Factory func() (entity.ExchangeGateway, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[entity.ExchangeName]Factory)
)

// RegisterExchange makes a venue selectable by name. A later registration
// under the same name replaces the earlier one.
func RegisterExchange(name entity.ExchangeName, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// Resolve builds the gateway registered under name.
func Resolve(name entity.ExchangeName) (entity.ExchangeGateway, error) {
	registryMu.RLock()
	factory, ok := factories[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExchangeNotFound, name)
	}

	gateway, err := factory()
	if err != nil {
		return nil, fmt.Errorf("build %s gateway: %w", name, err)
	}
	return gateway, nil
}
