package postgres

import (
	"context"

	"go.uber.org/zap"

	"github.com/relicmap/relicmap-engine/pkg/adapters/datasource"
)

func init() {
	factory := func(ctx context.Context, desc *datasource.Descriptor, logger *zap.Logger) (datasource.SchemaDiscoverer, error) {
		return NewSchemaDiscoverer(ctx, desc, logger)
	}
	datasource.Register("postgres", factory)
	datasource.Register("postgresql", factory)
}
