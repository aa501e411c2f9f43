package mssql

import (
	"context"

	"go.uber.org/zap"

	"github.com/relicmap/relicmap-engine/pkg/adapters/datasource"
)

func init() {
	factory := func(ctx context.Context, desc *datasource.Descriptor, logger *zap.Logger) (datasource.SchemaDiscoverer, error) {
		return NewSchemaDiscoverer(ctx, desc, logger)
	}
	datasource.Register("mssql", factory)
	datasource.Register("sqlserver", factory)
}
