package datasource

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DiscovererFactory creates a SchemaDiscoverer from a connection descriptor.
type DiscovererFactory func(ctx context.Context, desc *Descriptor, logger *zap.Logger) (SchemaDiscoverer, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]DiscovererFactory)
)

// Register is called by each adapter's init() function.
func Register(dsType string, factory DiscovererFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[dsType] = factory
}

// NewSchemaDiscoverer creates a discoverer for the descriptor's database type.
// The adapter packages must be imported (blank import is enough) for their
// types to be available.
func NewSchemaDiscoverer(ctx context.Context, desc *Descriptor, logger *zap.Logger) (SchemaDiscoverer, error) {
	registryMu.RLock()
	factory, ok := registry[desc.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported datasource type: %s (not compiled in)", desc.Type)
	}
	return factory(ctx, desc, logger)
}
