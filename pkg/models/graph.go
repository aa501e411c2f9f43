package models

import (
	"fmt"
	"time"
)

// NodeKind identifies the layer a graph entity belongs to.
type NodeKind string

const (
	NodeView             NodeKind = "View"
	NodeEndpoint         NodeKind = "Endpoint"
	NodeServiceOperation NodeKind = "ServiceOperation"
	NodeMapperStatement  NodeKind = "MapperStatement"
	NodeSqlStatement     NodeKind = "SqlStatement"
	NodeTable            NodeKind = "Table"
	NodeColumn           NodeKind = "Column"
)

// ValidNodeKind reports whether k names a known node kind.
func ValidNodeKind(k NodeKind) bool {
	switch k {
	case NodeView, NodeEndpoint, NodeServiceOperation, NodeMapperStatement,
		NodeSqlStatement, NodeTable, NodeColumn:
		return true
	}
	return false
}

// EdgeKind identifies a cross-layer relationship.
type EdgeKind string

const (
	EdgeRenders   EdgeKind = "Renders"   // Endpoint -> View
	EdgeInvokes   EdgeKind = "Invokes"   // Endpoint -> ServiceOperation, ServiceOperation -> ServiceOperation
	EdgeExecutes  EdgeKind = "Executes"  // ServiceOperation -> MapperStatement
	EdgeContains  EdgeKind = "Contains"  // MapperStatement -> SqlStatement
	EdgeReads     EdgeKind = "Reads"     // SqlStatement -> Table
	EdgeWrites    EdgeKind = "Writes"    // SqlStatement -> Table
	EdgeHasColumn EdgeKind = "HasColumn" // Table -> Column
)

// ValidEdgeKind reports whether k names a known edge kind.
func ValidEdgeKind(k EdgeKind) bool {
	switch k {
	case EdgeRenders, EdgeInvokes, EdgeExecutes, EdgeContains,
		EdgeReads, EdgeWrites, EdgeHasColumn:
		return true
	}
	return false
}

// NodeKey is the identity of a node: kind plus a domain-stable natural key
// (route pattern, fully qualified method name, namespace.statementId,
// schema-qualified table name). Re-extraction of unchanged source yields the
// same key, which is what keeps incremental runs idempotent.
type NodeKey struct {
	Kind       NodeKind `json:"kind"`
	NaturalKey string   `json:"natural_key"`
}

func (k NodeKey) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.NaturalKey)
}

// EdgeKey is the identity of an edge. Provenance participates in identity so
// that equal-confidence conflicting claims from different units are both
// retained rather than one overwriting the other.
type EdgeKey struct {
	Kind     EdgeKind `json:"kind"`
	Source   NodeKey  `json:"source"`
	Target   NodeKey  `json:"target"`
	UnitPath string   `json:"unit_path"`
}

func (k EdgeKey) String() string {
	return fmt.Sprintf("%s -%s-> %s (%s)", k.Source, k.Kind, k.Target, k.UnitPath)
}

// Node is a resolved graph entity persisted across runs.
type Node struct {
	Key        NodeKey           `json:"key"`
	Attrs      map[string]string `json:"attrs,omitempty"`
	Confidence Confidence        `json:"confidence"`
	Provenance Provenance        `json:"provenance"`
	// FirstVersion is the graph version that introduced the node.
	FirstVersion int64 `json:"first_version"`
	// StaleVersion is the version at which the node became stale (its
	// producing unit disappeared), or 0 while live. Stale nodes are excluded
	// from default snapshots but retained for audit until GC.
	StaleVersion int64 `json:"stale_version,omitempty"`
}

// Stale reports whether the node has been invalidated.
func (n *Node) Stale() bool { return n.StaleVersion != 0 }

// Clone returns a copy whose Attrs map is independent of the receiver's, so
// holders of the copy never observe later in-place attribute merges.
func (n *Node) Clone() *Node {
	copied := *n
	if n.Attrs != nil {
		copied.Attrs = make(map[string]string, len(n.Attrs))
		for k, v := range n.Attrs {
			copied.Attrs[k] = v
		}
	}
	return &copied
}

// Edge is a resolved relationship persisted across runs. Both endpoints are
// guaranteed to exist as committed nodes in the same or an earlier version.
type Edge struct {
	Key          EdgeKey    `json:"key"`
	Confidence   Confidence `json:"confidence"`
	Provenance   Provenance `json:"provenance"`
	FirstVersion int64      `json:"first_version"`
	StaleVersion int64      `json:"stale_version,omitempty"`
}

// Stale reports whether the edge has been invalidated.
func (e *Edge) Stale() bool { return e.StaleVersion != 0 }

// GraphVersion describes one committed version of the graph.
type GraphVersion struct {
	Version     int64     `json:"version"`
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	NodesAdded  int       `json:"nodes_added"`
	EdgesAdded  int       `json:"edges_added"`
	NodesStaled int       `json:"nodes_staled"`
	EdgesStaled int       `json:"edges_staled"`
}
