// Package query executes typed traversal queries against a committed graph
// snapshot. The engine never sees the store's mutable state: callers pass an
// immutable snapshot, so readers are safe while a writer commits.
package query

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/relicmap/relicmap-engine/pkg/models"
	"github.com/relicmap/relicmap-engine/pkg/store"
)

// DefaultMaxHops bounds traversal when the pattern does not set a limit.
const DefaultMaxHops = 16

// Shape selects the traversal direction of a query.
type Shape string

const (
	// ShapeForward answers "what does this node eventually touch".
	ShapeForward Shape = "forward"
	// ShapeBackward answers "what eventually touches this node".
	ShapeBackward Shape = "backward"
	// ShapeNeighborhood expands in both directions around a node.
	ShapeNeighborhood Shape = "neighborhood"
)

// Pattern describes one query.
type Pattern struct {
	Shape Shape
	// Start is the anchor node: the origin for forward and neighborhood
	// queries, the destination for backward queries.
	Start models.NodeKey
	// MaxHops bounds traversal depth; 0 means DefaultMaxHops.
	MaxHops int
	// NodeKinds restricts which reached nodes appear in results. Traversal
	// still passes through non-matching nodes. Empty means all kinds.
	NodeKinds []models.NodeKind
	// EdgeKinds restricts which edges are traversed. Empty means all kinds.
	EdgeKinds []models.EdgeKind
	// CertainOnly drops inferred edges from traversal entirely.
	CertainOnly bool
}

// Result is one reached node with the path that reached it. Confidence is
// the weakest confidence along the path: a single inferred edge makes the
// whole derivation inferred.
type Result struct {
	Node       *models.Node
	Path       []*models.Edge
	Hops       int
	Confidence models.Confidence
}

// Engine runs queries over snapshots.
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a query engine.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger.Named("query")}
}

// Query executes the pattern against the snapshot. Results are ordered by
// node kind then natural key so an unchanged snapshot always yields the same
// result list. Unknown kind filters and a missing start node both yield an
// empty result set rather than an error.
func (e *Engine) Query(snap *store.Snapshot, pattern Pattern) ([]Result, error) {
	switch pattern.Shape {
	case ShapeForward, ShapeBackward, ShapeNeighborhood:
	default:
		return nil, fmt.Errorf("unknown query shape %q", pattern.Shape)
	}

	nodeFilter, ok := kindFilter(pattern.NodeKinds, models.ValidNodeKind)
	if !ok {
		return nil, nil
	}
	edgeFilter, ok := kindFilter(pattern.EdgeKinds, models.ValidEdgeKind)
	if !ok {
		return nil, nil
	}
	if _, ok := snap.Node(pattern.Start); !ok {
		return nil, nil
	}

	maxHops := pattern.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}

	results := e.traverse(snap, pattern, maxHops, nodeFilter, edgeFilter)

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i].Node.Key, results[j].Node.Key
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.NaturalKey < b.NaturalKey
	})
	return results, nil
}

type frontierEntry struct {
	key  models.NodeKey
	hops int
	path []*models.Edge
}

func (e *Engine) traverse(snap *store.Snapshot, pattern Pattern, maxHops int,
	nodeFilter map[models.NodeKind]bool, edgeFilter map[models.EdgeKind]bool) []Result {

	visited := map[models.NodeKey]bool{pattern.Start: true}
	frontier := []frontierEntry{{key: pattern.Start}}

	var results []Result
	for len(frontier) > 0 {
		entry := frontier[0]
		frontier = frontier[1:]

		for _, step := range e.steps(snap, pattern.Shape, entry.key) {
			if edgeFilter != nil && !edgeFilter[step.edge.Key.Kind] {
				continue
			}
			if pattern.CertainOnly && step.edge.Confidence != models.ConfidenceCertain {
				continue
			}
			if visited[step.next] {
				continue
			}

			hops := entry.hops
			path := entry.path
			if identityHop(step.edge) {
				// A mapper statement and the statement it contains share a
				// natural key; crossing between them is not a real hop.
				path = append(path[:len(path):len(path)], step.edge)
			} else {
				if entry.hops >= maxHops {
					continue
				}
				hops++
				path = append(path[:len(path):len(path)], step.edge)
			}

			visited[step.next] = true
			node, ok := snap.Node(step.next)
			if !ok {
				// Snapshots never contain dangling edges.
				continue
			}

			if nodeFilter == nil || nodeFilter[step.next.Kind] {
				results = append(results, Result{
					Node:       node,
					Path:       path,
					Hops:       hops,
					Confidence: pathConfidence(path),
				})
			}
			frontier = append(frontier, frontierEntry{key: step.next, hops: hops, path: path})
		}
	}
	return results
}

type traversalStep struct {
	edge *models.Edge
	next models.NodeKey
}

// steps lists the edges leaving a node in the pattern's direction, with the
// endpoint the traversal moves to.
func (e *Engine) steps(snap *store.Snapshot, shape Shape, key models.NodeKey) []traversalStep {
	var steps []traversalStep
	if shape == ShapeForward || shape == ShapeNeighborhood {
		for _, edge := range snap.Outgoing(key) {
			steps = append(steps, traversalStep{edge: edge, next: edge.Key.Target})
		}
	}
	if shape == ShapeBackward || shape == ShapeNeighborhood {
		for _, edge := range snap.Incoming(key) {
			steps = append(steps, traversalStep{edge: edge, next: edge.Key.Source})
		}
	}
	return steps
}

// identityHop reports whether the edge links two facets of the same
// statement rather than two distinct artifacts.
func identityHop(edge *models.Edge) bool {
	return edge.Key.Kind == models.EdgeContains &&
		edge.Key.Source.NaturalKey == edge.Key.Target.NaturalKey
}

func pathConfidence(path []*models.Edge) models.Confidence {
	for _, edge := range path {
		if edge.Confidence != models.ConfidenceCertain {
			return models.ConfidenceInferred
		}
	}
	return models.ConfidenceCertain
}

// kindFilter builds a membership set from the requested kinds. A filter
// naming any unknown kind cannot match anything; ok=false signals the caller
// to return an empty result set.
func kindFilter[K ~string](kinds []K, valid func(K) bool) (map[K]bool, bool) {
	if len(kinds) == 0 {
		return nil, true
	}
	filter := make(map[K]bool, len(kinds))
	for _, k := range kinds {
		if !valid(k) {
			return nil, false
		}
		filter[k] = true
	}
	return filter, true
}
