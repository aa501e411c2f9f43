// Package resolver merges extractor facts into canonical nodes and binds
// symbolic cross-layer references into typed edges. Binding iterates to a
// fixed point so resolution is independent of unit processing order; what
// remains unbound becomes UnresolvedReference diagnostics, never silently
// dropped.
package resolver

import (
	"path"
	"sort"
	"strings"

	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/relicmap/relicmap-engine/pkg/models"
)

// DefaultPasses bounds fixed-point iteration.
const DefaultPasses = 5

// GraphView is the read-only prior graph the resolver binds against.
// A nil view means a fresh graph.
type GraphView interface {
	// Node returns the live node with the given key, if present.
	Node(key models.NodeKey) (*models.Node, bool)
	// NodesByKind returns all live nodes of a kind.
	NodesByKind(kind models.NodeKind) []*models.Node
}

// Resolution is the resolver's output: the graph delta to commit plus
// whatever could not be bound.
type Resolution struct {
	// Nodes are the upserted nodes, keyed by identity.
	Nodes map[models.NodeKey]*models.Node
	// Edges are fully bound edges.
	Edges []*models.Edge
	// Pending are edge facts whose targets stayed symbolic after the fixed
	// point. They are persisted with the version and retried next run.
	Pending []models.EdgeFact
	// Unresolved is one diagnostic per pending reference.
	Unresolved []models.Diagnostic
}

// Resolver binds facts against a prior graph view.
type Resolver struct {
	passes int
	logger *zap.Logger
}

// New creates a resolver. passes <= 0 uses DefaultPasses.
func New(passes int, logger *zap.Logger) *Resolver {
	if passes <= 0 {
		passes = DefaultPasses
	}
	return &Resolver{passes: passes, logger: logger.Named("resolver")}
}

// Resolve merges the run's facts. prior may be nil.
func (r *Resolver) Resolve(facts *models.Facts, prior GraphView) *Resolution {
	res := &Resolution{Nodes: make(map[models.NodeKey]*models.Node)}

	for i := range facts.Nodes {
		r.upsertNode(res, &facts.Nodes[i])
	}

	idx := buildIndex(res, prior)

	pending := make([]models.EdgeFact, len(facts.Edges))
	copy(pending, facts.Edges)

	for pass := 0; pass < r.passes && len(pending) > 0; pass++ {
		var next []models.EdgeFact
		progress := false
		for _, fact := range pending {
			bound, ok := r.bind(res, idx, fact)
			if ok {
				res.Edges = append(res.Edges, bound...)
				progress = true
				continue
			}
			next = append(next, fact)
		}
		pending = next
		if !progress {
			break
		}
	}

	for _, fact := range pending {
		res.Pending = append(res.Pending, fact)
		diag := models.NewDiagnostic(models.DiagUnresolvedReference, fact.Provenance.UnitPath,
			"%s edge from %s: target %s not found", fact.Kind, fact.SourceKey, refString(fact))
		diag.Ref = fact.TargetRef
		res.Unresolved = append(res.Unresolved, diag)
	}

	// Deterministic edge order regardless of fact arrival order.
	sort.Slice(res.Edges, func(i, j int) bool {
		return res.Edges[i].Key.String() < res.Edges[j].Key.String()
	})

	r.logger.Info("Resolution complete",
		zap.Int("nodes", len(res.Nodes)),
		zap.Int("edges", len(res.Edges)),
		zap.Int("unresolved", len(res.Pending)))

	return res
}

func refString(fact models.EdgeFact) string {
	if fact.TargetRef != nil {
		return fact.TargetRef.String()
	}
	if fact.TargetKey != nil {
		return fact.TargetKey.String()
	}
	return "<nil>"
}

// upsertNode merges a node fact into the resolution. Confidence is
// monotonic: certain attributes win over inferred ones, and inferred
// attributes only fill gaps.
func (r *Resolver) upsertNode(res *Resolution, fact *models.NodeFact) {
	key := fact.Key()
	existing, ok := res.Nodes[key]
	if !ok {
		attrs := make(map[string]string, len(fact.Attrs))
		for k, v := range fact.Attrs {
			attrs[k] = v
		}
		res.Nodes[key] = &models.Node{
			Key:        key,
			Attrs:      attrs,
			Confidence: fact.Confidence,
			Provenance: fact.Provenance,
		}
		return
	}

	switch {
	case fact.Confidence.Outranks(existing.Confidence):
		for k, v := range fact.Attrs {
			existing.Attrs[k] = v
		}
		existing.Confidence = fact.Confidence
		existing.Provenance = fact.Provenance
	default:
		for k, v := range fact.Attrs {
			if _, present := existing.Attrs[k]; !present || existing.Confidence == fact.Confidence {
				existing.Attrs[k] = v
			}
		}
	}
}

// bind attempts to resolve one edge fact's target. It returns the resolved
// edges (symbolic refs may legitimately match more than one candidate) and
// whether binding succeeded.
func (r *Resolver) bind(res *Resolution, idx *index, fact models.EdgeFact) ([]*models.Edge, bool) {
	// Source must exist; extractors own their source keys, so a miss here
	// means a sibling fact failed, and the edge waits for the fixed point.
	if !idx.exists(fact.SourceKey) {
		return nil, false
	}

	if fact.TargetKey != nil {
		if !idx.exists(*fact.TargetKey) {
			return nil, false
		}
		return []*models.Edge{newEdge(fact, *fact.TargetKey, fact.Confidence)}, true
	}

	ref := fact.TargetRef
	if ref == nil || ref.Wildcard {
		// Wildcard refs resolve to nothing by construction; they surface as
		// unresolved so dynamic table access is visible in diagnostics.
		return nil, false
	}

	targets, exact := idx.lookup(res, *ref, fact)
	if len(targets) == 0 {
		return nil, false
	}

	confidence := fact.Confidence
	if !exact || len(targets) > 1 {
		confidence = models.ConfidenceInferred
	}

	var edges []*models.Edge
	for _, target := range targets {
		edges = append(edges, newEdge(fact, target, confidence))
	}
	return edges, true
}

func newEdge(fact models.EdgeFact, target models.NodeKey, confidence models.Confidence) *models.Edge {
	return &models.Edge{
		Key: models.EdgeKey{
			Kind:     fact.Kind,
			Source:   fact.SourceKey,
			Target:   target,
			UnitPath: fact.Provenance.UnitPath,
		},
		Confidence: confidence,
		Provenance: fact.Provenance,
	}
}

// index accelerates symbolic lookup across the run's nodes and the prior
// graph.
type index struct {
	keys map[models.NodeKey]bool
	// byBaseName maps kind -> normalized base name -> keys.
	byBaseName map[models.NodeKind]map[string][]models.NodeKey
	// hasSchemaTables reports whether any Table node came from schema
	// introspection (this run or prior). Controls table synthesis.
	hasSchemaTables bool
}

func buildIndex(res *Resolution, prior GraphView) *index {
	idx := &index{
		keys:       make(map[models.NodeKey]bool),
		byBaseName: make(map[models.NodeKind]map[string][]models.NodeKey),
	}

	add := func(node *models.Node) {
		if idx.keys[node.Key] {
			return
		}
		idx.keys[node.Key] = true
		for _, base := range baseNames(node.Key) {
			kindIdx, ok := idx.byBaseName[node.Key.Kind]
			if !ok {
				kindIdx = make(map[string][]models.NodeKey)
				idx.byBaseName[node.Key.Kind] = kindIdx
			}
			kindIdx[base] = append(kindIdx[base], node.Key)
		}
		if node.Key.Kind == models.NodeTable && node.Provenance.Extractor == "schema" {
			idx.hasSchemaTables = true
		}
	}

	for _, node := range res.Nodes {
		add(node)
	}
	if prior != nil {
		for _, kind := range []models.NodeKind{
			models.NodeView, models.NodeEndpoint, models.NodeServiceOperation,
			models.NodeMapperStatement, models.NodeSqlStatement, models.NodeTable, models.NodeColumn,
		} {
			for _, node := range prior.NodesByKind(kind) {
				add(node)
			}
		}
	}
	return idx
}

func (idx *index) exists(key models.NodeKey) bool { return idx.keys[key] }

// lookup resolves a symbolic reference to candidate node keys. The second
// return reports whether the match was exact (full key) rather than
// heuristic (base name, singular/plural, suffix).
func (idx *index) lookup(res *Resolution, ref models.SymbolicRef, fact models.EdgeFact) ([]models.NodeKey, bool) {
	exact := models.NodeKey{Kind: ref.Kind, NaturalKey: normalizeRef(ref)}
	if idx.keys[exact] {
		return []models.NodeKey{exact}, true
	}

	kindIdx := idx.byBaseName[ref.Kind]
	for i, candidate := range refCandidates(ref) {
		if keys := kindIdx[candidate]; len(keys) > 0 {
			// A unique match on the plainly normalized base name is still a
			// deterministic binding; only inflected or ambiguous matches
			// count as heuristic.
			return keys, i == 0 && len(keys) == 1
		}
	}

	// Synthesis: a certain SQL parse referencing a table is itself evidence
	// the table exists. Only when no schema introspection contributed tables
	// (otherwise a miss is a real inconsistency worth reporting).
	if ref.Kind == models.NodeTable && !idx.hasSchemaTables {
		key := models.NodeKey{Kind: models.NodeTable, NaturalKey: normalizeRef(ref)}
		if _, ok := res.Nodes[key]; !ok {
			res.Nodes[key] = &models.Node{
				Key:        key,
				Attrs:      map[string]string{"synthesized": "true"},
				Confidence: fact.Confidence,
				Provenance: fact.Provenance,
			}
		}
		idx.keys[key] = true
		return []models.NodeKey{key}, true
	}

	if ref.Kind == models.NodeView {
		// A Renders claim is evidence enough for the view's existence even
		// when the template itself was never extracted.
		key := models.NodeKey{Kind: models.NodeView, NaturalKey: ref.Name}
		if _, ok := res.Nodes[key]; !ok {
			res.Nodes[key] = &models.Node{
				Key:        key,
				Attrs:      map[string]string{"synthesized": "true"},
				Confidence: models.ConfidenceInferred,
				Provenance: fact.Provenance,
			}
		}
		idx.keys[key] = true
		return []models.NodeKey{key}, true
	}

	return nil, false
}

func normalizeRef(ref models.SymbolicRef) string {
	if ref.Kind == models.NodeTable {
		return strings.ToLower(ref.Name)
	}
	return ref.Name
}

// refCandidates generates normalized base-name candidates for a reference,
// most specific first.
func refCandidates(ref models.SymbolicRef) []string {
	switch ref.Kind {
	case models.NodeTable:
		name := strings.ToLower(ref.Name)
		base := name
		if i := strings.LastIndexByte(name, '.'); i >= 0 {
			base = name[i+1:]
		}
		candidates := []string{base}
		// Legacy code refers to tables singular and plural interchangeably.
		if plural := inflection.Plural(base); plural != base {
			candidates = append(candidates, plural)
		}
		if singular := inflection.Singular(base); singular != base {
			candidates = append(candidates, singular)
		}
		return candidates
	case models.NodeMapperStatement, models.NodeServiceOperation:
		return []string{memberBase(ref.Name)}
	case models.NodeView:
		return []string{viewBase(ref.Name)}
	default:
		return []string{ref.Name}
	}
}

// baseNames produces the index entries a node is findable under.
func baseNames(key models.NodeKey) []string {
	switch key.Kind {
	case models.NodeTable:
		name := key.NaturalKey
		if i := strings.LastIndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
		return []string{name}
	case models.NodeMapperStatement, models.NodeServiceOperation:
		return []string{memberBase(key.NaturalKey)}
	case models.NodeView:
		return []string{viewBase(key.NaturalKey)}
	default:
		return nil
	}
}

// memberBase extracts the trailing member name from a qualified reference:
// "com.example.OrderMapper.cancelOrderStmt" -> "cancelorderstmt",
// "com.example.OrderService#cancelOrder" -> "cancelorder",
// "orderService.cancelOrder" -> "cancelorder".
func memberBase(name string) string {
	if i := strings.LastIndexByte(name, '#'); i >= 0 {
		return strings.ToLower(name[i+1:])
	}
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return strings.ToLower(name[i+1:])
	}
	return strings.ToLower(name)
}

// viewBase normalizes a view reference to its extensionless path base:
// "WEB-INF/views/order/cancel.jsp" -> "order/cancel" is too aggressive, so
// only the file base is indexed: "cancel".
func viewBase(name string) string {
	base := path.Base(name)
	base = strings.TrimSuffix(base, path.Ext(base))
	return strings.ToLower(base)
}
