package extract

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/relicmap/relicmap-engine/pkg/adapters/datasource"
	"github.com/relicmap/relicmap-engine/pkg/models"
)

// SchemaExtractor introspects the analyzed application's relational schema
// and emits Table/Column facts. It runs against a connection target rather
// than a file unit, so it is invoked once per run as a pseudo-unit; the
// connection is acquired and released inside Extract regardless of outcome.
type SchemaExtractor struct {
	descriptor *datasource.Descriptor
	logger     *zap.Logger
}

// NewSchemaExtractor creates the extractor for a connection descriptor.
func NewSchemaExtractor(desc *datasource.Descriptor, logger *zap.Logger) *SchemaExtractor {
	return &SchemaExtractor{descriptor: desc, logger: logger.Named("schema-extractor")}
}

// Target identifies the connection target for pseudo-unit bookkeeping.
// Credentials are deliberately excluded.
func (e *SchemaExtractor) Target() string {
	return fmt.Sprintf("%s://%s:%d/%s", e.descriptor.Type, e.descriptor.Host,
		e.descriptor.Port, e.descriptor.Database)
}

// Extract introspects the schema. Connection or introspection failure is a
// CapabilityUnavailable diagnostic scoped to the schema pseudo-unit, not a
// run failure.
func (e *SchemaExtractor) Extract(ctx context.Context, runID string) *Result {
	discoverer, err := datasource.NewSchemaDiscoverer(ctx, e.descriptor, e.logger)
	if err != nil {
		return Failed(models.DiagCapabilityUnavailable, models.SchemaPseudoUnitPath,
			"connect schema source: %v", err)
	}
	defer discoverer.Close()

	result := &Result{}
	prov := models.Provenance{UnitPath: models.SchemaPseudoUnitPath, Extractor: "schema", RunID: runID}

	tables, err := discoverer.DiscoverTables(ctx)
	if err != nil {
		return Failed(models.DiagCapabilityUnavailable, models.SchemaPseudoUnitPath,
			"discover tables: %v", err)
	}

	for _, table := range tables {
		tableKey := TableNaturalKey(table.SchemaName, table.TableName)
		result.Facts.Nodes = append(result.Facts.Nodes, models.NodeFact{
			Kind:       models.NodeTable,
			NaturalKey: tableKey,
			Attrs:      map[string]string{"schema": table.SchemaName, "table": table.TableName},
			Confidence: models.ConfidenceCertain,
			Provenance: prov,
		})

		columns, err := discoverer.DiscoverColumns(ctx, table.SchemaName, table.TableName)
		if err != nil {
			result.Diagnostics = append(result.Diagnostics, models.NewDiagnostic(
				models.DiagExtractionFailure, models.SchemaPseudoUnitPath,
				"discover columns for %s: %v", tableKey, err))
			continue
		}

		for _, col := range columns {
			colKey := tableKey + "." + strings.ToLower(col.ColumnName)
			attrs := map[string]string{"data_type": col.DataType}
			if col.IsPrimaryKey {
				attrs["primary_key"] = "true"
			}
			if col.IsNullable {
				attrs["nullable"] = "true"
			}
			result.Facts.Nodes = append(result.Facts.Nodes, models.NodeFact{
				Kind:       models.NodeColumn,
				NaturalKey: colKey,
				Attrs:      attrs,
				Confidence: models.ConfidenceCertain,
				Provenance: prov,
			})
			result.Facts.Edges = append(result.Facts.Edges, models.EdgeFact{
				Kind:       models.EdgeHasColumn,
				SourceKey:  models.NodeKey{Kind: models.NodeTable, NaturalKey: tableKey},
				TargetKey:  &models.NodeKey{Kind: models.NodeColumn, NaturalKey: colKey},
				Confidence: models.ConfidenceCertain,
				Provenance: prov,
			})
		}
	}

	if discoverer.SupportsForeignKeys() {
		fks, err := discoverer.DiscoverForeignKeys(ctx)
		if err != nil {
			result.Diagnostics = append(result.Diagnostics, models.NewDiagnostic(
				models.DiagExtractionFailure, models.SchemaPseudoUnitPath,
				"discover foreign keys: %v", err))
		}
		// Foreign keys annotate the source column; Reads/Writes validation in
		// the resolver treats them as structural metadata, not edges.
		for i := range result.Facts.Nodes {
			node := &result.Facts.Nodes[i]
			if node.Kind != models.NodeColumn {
				continue
			}
			for _, fk := range fks {
				if node.NaturalKey == TableNaturalKey(fk.SourceSchema, fk.SourceTable)+"."+strings.ToLower(fk.SourceColumn) {
					node.Attrs["references"] = TableNaturalKey(fk.TargetSchema, fk.TargetTable) + "." + strings.ToLower(fk.TargetColumn)
				}
			}
		}
	}

	e.logger.Info("Schema introspection complete",
		zap.Int("tables", len(tables)),
		zap.Int("facts", result.Facts.Count()))

	return result
}

// TableNaturalKey builds the schema-qualified, lowercased table key.
func TableNaturalKey(schemaName, tableName string) string {
	return fmt.Sprintf("%s.%s", strings.ToLower(schemaName), strings.ToLower(tableName))
}
