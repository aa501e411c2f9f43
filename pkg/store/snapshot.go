package store

import (
	"sort"

	"github.com/relicmap/relicmap-engine/pkg/models"
)

// Snapshot is an immutable view of one committed graph version. Stale
// entities are excluded. It implements resolver.GraphView and is the only
// thing the query engine sees.
type Snapshot struct {
	version int64
	nodes   map[models.NodeKey]*models.Node
	// out and in index edges by endpoint.
	out   map[models.NodeKey][]*models.Edge
	in    map[models.NodeKey][]*models.Edge
	edges []*models.Edge
}

func newSnapshot(version int64, nodes map[models.NodeKey]*models.Node, edges []*models.Edge) *Snapshot {
	s := &Snapshot{
		version: version,
		nodes:   nodes,
		out:     make(map[models.NodeKey][]*models.Edge),
		in:      make(map[models.NodeKey][]*models.Edge),
		edges:   edges,
	}
	sort.Slice(s.edges, func(i, j int) bool {
		return s.edges[i].Key.String() < s.edges[j].Key.String()
	})
	for _, e := range s.edges {
		s.out[e.Key.Source] = append(s.out[e.Key.Source], e)
		s.in[e.Key.Target] = append(s.in[e.Key.Target], e)
	}
	return s
}

// Version returns the snapshot's graph version.
func (s *Snapshot) Version() int64 { return s.version }

// Node returns the live node with the given key.
func (s *Snapshot) Node(key models.NodeKey) (*models.Node, bool) {
	n, ok := s.nodes[key]
	return n, ok
}

// NodesByKind returns all live nodes of a kind, sorted by natural key.
func (s *Snapshot) NodesByKind(kind models.NodeKind) []*models.Node {
	var nodes []*models.Node
	for _, n := range s.nodes {
		if n.Key.Kind == kind {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Key.NaturalKey < nodes[j].Key.NaturalKey
	})
	return nodes
}

// Outgoing returns edges whose source is key, in deterministic order.
func (s *Snapshot) Outgoing(key models.NodeKey) []*models.Edge { return s.out[key] }

// Incoming returns edges whose target is key, in deterministic order.
func (s *Snapshot) Incoming(key models.NodeKey) []*models.Edge { return s.in[key] }

// NodeCount returns the number of live nodes.
func (s *Snapshot) NodeCount() int { return len(s.nodes) }

// EdgeCount returns the number of live edges.
func (s *Snapshot) EdgeCount() int { return len(s.edges) }
