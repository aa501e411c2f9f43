// Package orchestrator sequences one analysis run: inventory scan, parallel
// extraction, single-threaded resolution, and a single store commit. Unit
// failures are diagnostics in the run summary; only cancellation, scan
// failure, and commit failure abort a run.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relicmap/relicmap-engine/pkg/extract"
	"github.com/relicmap/relicmap-engine/pkg/inventory"
	"github.com/relicmap/relicmap-engine/pkg/models"
	"github.com/relicmap/relicmap-engine/pkg/resolver"
	"github.com/relicmap/relicmap-engine/pkg/store"
)

// Request describes one analysis run.
type Request struct {
	// Root is the analyzed project's top-level directory.
	Root string
	// Kinds restricts the scan to the given artifact kinds. Empty means all.
	Kinds []models.ArtifactKind
}

// Engine drives the pipeline end to end.
type Engine struct {
	scanner  *inventory.Scanner
	registry *extract.Registry
	schema   *extract.SchemaExtractor
	resolver *resolver.Resolver
	graph    store.GraphStore
	pool     *Pool
	logger   *zap.Logger
}

// NewEngine wires the pipeline. schema may be nil when no datasource is
// configured; the graph then has no introspected Table nodes and the
// resolver synthesizes them from SQL references instead.
func NewEngine(
	scanner *inventory.Scanner,
	registry *extract.Registry,
	schema *extract.SchemaExtractor,
	res *resolver.Resolver,
	graph store.GraphStore,
	pool *Pool,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		scanner:  scanner,
		registry: registry,
		schema:   schema,
		resolver: res,
		graph:    graph,
		pool:     pool,
		logger:   logger.Named("orchestrator"),
	}
}

type unitOutcome struct {
	unit   models.AnalysisUnit
	result *extract.Result
}

// Run executes one analysis run and commits a new graph version. Re-running
// against an unchanged project skips every unit and commits an empty delta,
// leaving the graph identical.
func (e *Engine) Run(ctx context.Context, req Request) (*models.RunSummary, error) {
	runID := uuid.NewString()
	summary := &models.RunSummary{RunID: runID, State: models.RunFailed}
	logger := e.logger.With(zap.String("run_id", runID))

	units, scanDiags, err := e.scanner.Scan(ctx, req.Root, req.Kinds)
	if err != nil {
		return summary, fmt.Errorf("inventory scan: %w", err)
	}
	summary.UnitsScanned = len(units)
	summary.Diagnostics = append(summary.Diagnostics, scanDiags...)

	prevHashes, err := e.graph.Units(ctx)
	if err != nil {
		return summary, fmt.Errorf("load prior units: %w", err)
	}

	var changed []models.AnalysisUnit
	seen := make(map[string]bool, len(units))
	for i := range units {
		units[i].LastExtractedHash = prevHashes[units[i].Path]
		seen[units[i].Path] = true
		if !units[i].Kind.IsExtractable() {
			continue
		}
		if units[i].Changed() {
			changed = append(changed, units[i])
		} else {
			summary.UnitsSkipped++
		}
	}

	var removed []string
	for path := range prevHashes {
		if !seen[path] && path != models.SchemaPseudoUnitPath {
			removed = append(removed, path)
		}
	}
	sort.Strings(removed)

	inv := &extract.InventoryContext{RunID: runID, Units: units}
	outcomes := e.extractAll(ctx, req.Root, changed, inv, logger)

	facts := &models.Facts{}
	var extracted []models.AnalysisUnit
	for _, out := range outcomes {
		if out.Err != nil {
			// Only cancellation reaches here; unit-scoped failures are
			// diagnostics inside the result.
			return summary, out.Err
		}
		oc := out.Result
		facts.Merge(&oc.result.Facts)
		summary.Diagnostics = append(summary.Diagnostics, oc.result.Diagnostics...)
		// Only a clean extraction advances the unit's stored hash. A unit
		// that failed or was skipped by a capability outage keeps its prior
		// hash, so the next run attempts it again.
		switch {
		case hasDiagnostic(oc.result.Diagnostics, models.DiagCapabilityUnavailable):
			summary.UnitsSkipped++
		case hasDiagnostic(oc.result.Diagnostics, models.DiagExtractionFailure):
			summary.UnitsFailed++
		default:
			summary.UnitsSucceeded++
			unit := oc.unit
			unit.LastExtractedHash = unit.ContentHash
			extracted = append(extracted, unit)
		}
	}

	if e.schema != nil {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		schemaResult := e.schema.Extract(ctx, runID)
		facts.Merge(&schemaResult.Facts)
		summary.Diagnostics = append(summary.Diagnostics, schemaResult.Diagnostics...)
		if !schemaResult.Facts.Empty() {
			extracted = append(extracted, models.AnalysisUnit{
				Path:        models.SchemaPseudoUnitPath,
				Kind:        models.ArtifactSchema,
				ContentHash: inventory.HashContent([]byte(e.schema.Target())),
			})
		}
	}
	summary.FactsEmitted = facts.Count()

	// Unresolved references from the previous run get another chance now
	// that this run may have produced their targets.
	pending, err := e.graph.PendingRefs(ctx)
	if err != nil {
		return summary, fmt.Errorf("load pending references: %w", err)
	}
	facts.Edges = append(facts.Edges, pending...)

	prior, err := e.graph.Snapshot(ctx, 0)
	if err != nil {
		return summary, fmt.Errorf("load prior snapshot: %w", err)
	}

	resolution := e.resolver.Resolve(facts, prior)
	summary.Diagnostics = append(summary.Diagnostics, resolution.Unresolved...)

	version, err := e.graph.Commit(ctx, &store.Delta{
		RunID:        runID,
		Nodes:        resolution.Nodes,
		Edges:        resolution.Edges,
		Pending:      resolution.Pending,
		Units:        extracted,
		RemovedUnits: removed,
	})
	if err != nil {
		return summary, fmt.Errorf("commit graph: %w", err)
	}

	summary.GraphVersion = version.Version
	summary.NodesCommitted = version.NodesAdded
	summary.EdgesCommitted = version.EdgesAdded
	summary.Finalize()

	logger.Info("Run complete",
		zap.String("state", string(summary.State)),
		zap.Int64("graph_version", summary.GraphVersion),
		zap.Int("units_scanned", summary.UnitsScanned),
		zap.Int("units_skipped", summary.UnitsSkipped),
		zap.Int("units_failed", summary.UnitsFailed),
		zap.Int("diagnostics", len(summary.Diagnostics)))

	return summary, nil
}

func hasDiagnostic(diags []models.Diagnostic, kind models.DiagnosticKind) bool {
	for _, d := range diags {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

// extractAll fans the changed units out over the worker pool.
func (e *Engine) extractAll(ctx context.Context, root string, changed []models.AnalysisUnit,
	inv *extract.InventoryContext, logger *zap.Logger) []WorkResult[unitOutcome] {

	items := make([]WorkItem[unitOutcome], 0, len(changed))
	for _, unit := range changed {
		unit := unit
		items = append(items, WorkItem[unitOutcome]{
			ID: unit.Path,
			Execute: func(ctx context.Context) (unitOutcome, error) {
				result, err := e.extractUnit(ctx, root, unit, inv)
				if err != nil {
					return unitOutcome{}, err
				}
				return unitOutcome{unit: unit, result: result}, nil
			},
		})
	}

	total := len(items)
	return Process(ctx, e.pool, items, func(completed, _ int) {
		if completed%50 == 0 || completed == total {
			logger.Debug("Extraction progress",
				zap.Int("completed", completed), zap.Int("total", total))
		}
	})
}

func (e *Engine) extractUnit(ctx context.Context, root string, unit models.AnalysisUnit,
	inv *extract.InventoryContext) (*extract.Result, error) {

	extractor := e.registry.For(unit.Kind)
	if extractor == nil {
		return extract.Failed(models.DiagExtractionFailure, unit.Path,
			"no extractor for artifact kind %s", unit.Kind), nil
	}

	content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(unit.Path)))
	if err != nil {
		return extract.Failed(models.DiagExtractionFailure, unit.Path,
			"read unit: %v", err), nil
	}

	return extractor.Extract(ctx, unit, content, inv)
}
