package extract

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/relicmap/relicmap-engine/pkg/models"
	sqlparse "github.com/relicmap/relicmap-engine/pkg/sql"
)

// SQLExtractor deterministically parses raw .sql units into SqlStatement
// nodes with Reads/Writes edges.
type SQLExtractor struct {
	logger *zap.Logger
}

// NewSQLExtractor creates the extractor.
func NewSQLExtractor(logger *zap.Logger) *SQLExtractor {
	return &SQLExtractor{logger: logger.Named("sql-extractor")}
}

// Kind implements Extractor.
func (e *SQLExtractor) Kind() models.ArtifactKind { return models.ArtifactSQL }

// Extract parses each statement in the file. Individual unparseable
// statements are skipped with a diagnostic; the rest of the file still
// produces facts.
func (e *SQLExtractor) Extract(ctx context.Context, unit models.AnalysisUnit, content []byte, inv *InventoryContext) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{}
	statements := SplitStatements(string(content))
	if len(statements) == 0 {
		result.Diagnostics = append(result.Diagnostics, models.NewDiagnostic(
			models.DiagExtractionFailure, unit.Path, "no statements found"))
		return result, nil
	}

	prov := models.Provenance{UnitPath: unit.Path, Extractor: "sql", RunID: inv.RunID}
	for i, stmt := range statements {
		key := fmt.Sprintf("%s#%d", unit.Path, i)
		facts, diags := StatementFacts(key, stmt, prov, e.logger)
		result.Facts.Merge(facts)
		result.Diagnostics = append(result.Diagnostics, diags...)
	}
	return result, nil
}

// StatementFacts converts one statement into a SqlStatement node plus
// Reads/Writes edge facts. Shared with the mapper extractor, which assembles
// statements from fragments before calling in here.
func StatementFacts(naturalKey, stmt string, prov models.Provenance, logger *zap.Logger) (*models.Facts, []models.Diagnostic) {
	info, err := sqlparse.ParseStatement(stmt)
	if err != nil {
		return nil, []models.Diagnostic{models.NewDiagnostic(
			models.DiagExtractionFailure, prov.UnitPath, "parse statement %s: %v", naturalKey, err)}
	}

	attrs := map[string]string{"statement_kind": string(info.Kind)}
	if findings := sqlparse.ScreenDynamicFragments(info.DynamicFragments); len(findings) > 0 {
		// Not a diagnostic: the run is fine, the legacy code is not.
		attrs["injection_risk"] = findings[0].Fingerprint
		logger.Warn("Dynamic fragment matches injection pattern",
			zap.String("statement", naturalKey),
			zap.String("fragment", findings[0].Fragment))
	}

	facts := &models.Facts{}
	facts.Nodes = append(facts.Nodes, models.NodeFact{
		Kind:       models.NodeSqlStatement,
		NaturalKey: naturalKey,
		Attrs:      attrs,
		Confidence: models.ConfidenceCertain,
		Provenance: prov,
	})

	source := models.NodeKey{Kind: models.NodeSqlStatement, NaturalKey: naturalKey}
	facts.Edges = append(facts.Edges, tableEdges(source, models.EdgeReads, info.Reads, prov)...)
	facts.Edges = append(facts.Edges, tableEdges(source, models.EdgeWrites, info.Writes, prov)...)

	if info.DynamicTables {
		// A table position held a ${...} fragment: the concrete target is
		// unknowable statically. Recorded as a wildcard reference with
		// inferred confidence so it surfaces as unresolved, never guessed.
		kind := models.EdgeReads
		if info.Kind != sqlparse.StatementSelect {
			kind = models.EdgeWrites
		}
		facts.Edges = append(facts.Edges, models.EdgeFact{
			Kind:      kind,
			SourceKey: source,
			TargetRef: &models.SymbolicRef{
				Kind:     models.NodeTable,
				Name:     strings.Join(info.DynamicFragments, ","),
				Wildcard: true,
			},
			Confidence: models.ConfidenceInferred,
			Provenance: prov,
		})
	}

	return facts, nil
}

func tableEdges(source models.NodeKey, kind models.EdgeKind, tables []string, prov models.Provenance) []models.EdgeFact {
	var edges []models.EdgeFact
	for _, table := range tables {
		edges = append(edges, models.EdgeFact{
			Kind:       kind,
			SourceKey:  source,
			TargetRef:  &models.SymbolicRef{Kind: models.NodeTable, Name: table},
			Confidence: models.ConfidenceCertain,
			Provenance: prov,
		})
	}
	return edges
}

// SplitStatements splits a script on semicolons, respecting string literals
// and trimming empty fragments.
func SplitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	inString := false

	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case c == '\'':
			if inString && i+1 < len(script) && script[i+1] == '\'' {
				current.WriteByte(c)
				current.WriteByte(script[i+1])
				i++
				continue
			}
			inString = !inString
			current.WriteByte(c)
		case c == ';' && !inString:
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}
