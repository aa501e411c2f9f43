package extract

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/relicmap/relicmap-engine/pkg/apperrors"
	"github.com/relicmap/relicmap-engine/pkg/models"
	"github.com/relicmap/relicmap-engine/pkg/semantic"
)

// DelegatedExtractor handles artifact kinds where structural parsing cannot
// establish control or data flow (views, controllers, services) by calling
// the external semantic-extraction capability and converting its validated
// payload into facts with inferred confidence.
type DelegatedExtractor struct {
	kind       models.ArtifactKind
	capability semantic.Capability
	logger     *zap.Logger
}

// NewDelegatedExtractor creates a delegating extractor for one artifact kind.
func NewDelegatedExtractor(kind models.ArtifactKind, capability semantic.Capability, logger *zap.Logger) *DelegatedExtractor {
	return &DelegatedExtractor{
		kind:       kind,
		capability: capability,
		logger:     logger.Named("delegated-extractor"),
	}
}

// Kind implements Extractor.
func (e *DelegatedExtractor) Kind() models.ArtifactKind { return e.kind }

// Extract delegates to the capability. Capability outage degrades the unit
// to "extraction skipped" (CapabilityUnavailable); a malformed response is an
// ExtractionFailure. Both are scoped to this unit.
func (e *DelegatedExtractor) Extract(ctx context.Context, unit models.AnalysisUnit, content []byte, inv *InventoryContext) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if e.capability == nil || !e.capability.Available() {
		return Failed(models.DiagCapabilityUnavailable, unit.Path, "extraction skipped: capability unavailable"), nil
	}

	payload, err := e.capability.Extract(ctx, &semantic.Request{
		Kind:     string(e.kind),
		UnitPath: unit.Path,
		Content:  string(content),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, apperrors.ErrCapabilityUnavailable) {
			return Failed(models.DiagCapabilityUnavailable, unit.Path, "extraction skipped: %v", err), nil
		}
		return Failed(models.DiagExtractionFailure, unit.Path, "semantic extraction: %v", err), nil
	}

	return e.convert(unit, payload, inv), nil
}

// convert maps validated payload candidates to facts. Everything delegated
// carries inferred confidence.
func (e *DelegatedExtractor) convert(unit models.AnalysisUnit, payload *semantic.Payload, inv *InventoryContext) *Result {
	result := &Result{}
	prov := models.Provenance{UnitPath: unit.Path, Extractor: "semantic-" + string(e.kind), RunID: inv.RunID}

	for _, n := range payload.Nodes {
		result.Facts.Nodes = append(result.Facts.Nodes, models.NodeFact{
			Kind:       models.NodeKind(n.Kind),
			NaturalKey: n.Key,
			Attrs:      n.Attrs,
			Confidence: models.ConfidenceInferred,
			Provenance: prov,
		})
	}
	for _, edge := range payload.Edges {
		result.Facts.Edges = append(result.Facts.Edges, models.EdgeFact{
			Kind:      models.EdgeKind(edge.Kind),
			SourceKey: models.NodeKey{Kind: models.NodeKind(edge.SourceKind), NaturalKey: edge.SourceKey},
			TargetRef: &models.SymbolicRef{
				Kind: models.NodeKind(edge.TargetKind),
				Name: edge.TargetName,
			},
			Confidence: models.ConfidenceInferred,
			Provenance: prov,
		})
	}

	e.logger.Debug("Delegated extraction converted",
		zap.String("unit", unit.Path),
		zap.Int("facts", result.Facts.Count()))

	return result
}
