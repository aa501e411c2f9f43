// Package extract turns classified analysis units into normalized facts.
// Each artifact kind has one extraction strategy behind a common contract;
// extractor failures are scoped to their unit and surface as diagnostics,
// never as run-fatal errors.
package extract

import (
	"context"

	"github.com/relicmap/relicmap-engine/pkg/models"
)

// InventoryContext is the read-only context shared by all extractor calls in
// a run. Extractors must not mutate it.
type InventoryContext struct {
	RunID string
	// Units is the full inventory, for extractors that cross-reference
	// sibling units (none currently do more than provenance lookups).
	Units []models.AnalysisUnit
}

// Result is the complete outcome of one extractor invocation. A failed
// extraction carries zero facts and at least one diagnostic.
type Result struct {
	Facts       models.Facts
	Diagnostics []models.Diagnostic
}

// Failed builds a Result for a unit-scoped extraction failure.
func Failed(kind models.DiagnosticKind, unitPath, format string, args ...any) *Result {
	return &Result{Diagnostics: []models.Diagnostic{
		models.NewDiagnostic(kind, unitPath, format, args...),
	}}
}

// Extractor is the common extraction contract. Implementations are pure with
// respect to the unit's content plus the read-only inventory context, which
// is what makes extraction embarrassingly parallel.
type Extractor interface {
	// Kind returns the artifact kind this extractor handles.
	Kind() models.ArtifactKind

	// Extract consumes a unit's content and emits facts and diagnostics.
	// Malformed input must degrade to a diagnostic, not an error; the error
	// return is reserved for context cancellation.
	Extract(ctx context.Context, unit models.AnalysisUnit, content []byte, inv *InventoryContext) (*Result, error)
}

// Registry dispatches units to extractors by artifact kind.
type Registry struct {
	extractors map[models.ArtifactKind]Extractor
}

// NewRegistry builds a registry from the given extractors.
func NewRegistry(extractors ...Extractor) *Registry {
	m := make(map[models.ArtifactKind]Extractor, len(extractors))
	for _, e := range extractors {
		m[e.Kind()] = e
	}
	return &Registry{extractors: m}
}

// For returns the extractor for a kind, or nil if none is registered.
func (r *Registry) For(kind models.ArtifactKind) Extractor {
	return r.extractors[kind]
}
