package models

import "fmt"

// Confidence grades how a fact was derived.
type Confidence string

const (
	// ConfidenceCertain marks facts produced by deterministic extraction
	// (schema introspection, SQL statement parsing, mapper XML structure).
	ConfidenceCertain Confidence = "certain"
	// ConfidenceInferred marks facts produced by delegated semantic
	// extraction or by wildcard/dynamic-fragment handling.
	ConfidenceInferred Confidence = "inferred"
)

// Outranks reports whether c is strictly stronger than other.
// Confidence is monotonic: certain facts are never downgraded by inferred ones.
func (c Confidence) Outranks(other Confidence) bool {
	return c == ConfidenceCertain && other == ConfidenceInferred
}

// Provenance records which unit and extractor produced a fact, and in which run.
type Provenance struct {
	UnitPath  string `json:"unit_path"`
	Extractor string `json:"extractor"`
	RunID     string `json:"run_id"`
}

func (p Provenance) String() string {
	return fmt.Sprintf("%s[%s]", p.UnitPath, p.Extractor)
}

// SymbolicRef is an unresolved cross-layer reference emitted by an extractor
// that cannot see the target node (e.g. a service call site naming a mapper
// statement id, or a SQL statement naming a bare table). The resolver binds it
// to a node key during fixed-point resolution.
type SymbolicRef struct {
	Kind NodeKind `json:"kind"`
	// Name is the symbol as written in the source: a statement id, a bare or
	// schema-qualified table name, a route pattern, a method name.
	Name string `json:"name"`
	// Wildcard marks a dynamic-fragment reference whose concrete target could
	// not be determined (e.g. ${tableName} in mapper SQL). Wildcard refs
	// resolve to nothing and are reported rather than guessed.
	Wildcard bool `json:"wildcard,omitempty"`
}

func (r SymbolicRef) String() string {
	if r.Wildcard {
		return fmt.Sprintf("%s:~%s", r.Kind, r.Name)
	}
	return fmt.Sprintf("%s:%s", r.Kind, r.Name)
}

// NodeFact is an extractor's claim that a graph entity exists.
type NodeFact struct {
	Kind       NodeKind          `json:"kind"`
	NaturalKey string            `json:"natural_key"`
	Attrs      map[string]string `json:"attrs,omitempty"`
	Confidence Confidence        `json:"confidence"`
	Provenance Provenance        `json:"provenance"`
}

// Key returns the node identity this fact describes.
func (f *NodeFact) Key() NodeKey {
	return NodeKey{Kind: f.Kind, NaturalKey: f.NaturalKey}
}

// EdgeFact is an extractor's claim that a relationship exists. The source is
// always a known natural key (the extractor owns it); the target is either a
// known key or a symbolic reference resolved later.
type EdgeFact struct {
	Kind      EdgeKind `json:"kind"`
	SourceKey NodeKey  `json:"source_key"`
	// TargetKey is set when the extractor already knows the target identity.
	TargetKey *NodeKey `json:"target_key,omitempty"`
	// TargetRef is set when the target is a symbolic reference.
	TargetRef  *SymbolicRef `json:"target_ref,omitempty"`
	Confidence Confidence   `json:"confidence"`
	Provenance Provenance   `json:"provenance"`
}

// Resolved reports whether the edge's target is already bound.
func (f *EdgeFact) Resolved() bool {
	return f.TargetKey != nil
}

// Facts is the complete output of one extractor invocation for one unit.
// Facts are immutable once emitted; a re-run for a unit replaces all facts
// previously attributed to it.
type Facts struct {
	Nodes []NodeFact `json:"nodes,omitempty"`
	Edges []EdgeFact `json:"edges,omitempty"`
}

// Empty reports whether the extractor produced nothing.
func (f *Facts) Empty() bool {
	return f == nil || (len(f.Nodes) == 0 && len(f.Edges) == 0)
}

// Count returns the total number of node and edge facts.
func (f *Facts) Count() int {
	if f == nil {
		return 0
	}
	return len(f.Nodes) + len(f.Edges)
}

// Merge appends other's facts. Used by extractors that compose sub-extractors
// (the mapper extractor folds in SQL statement facts).
func (f *Facts) Merge(other *Facts) {
	if other == nil {
		return
	}
	f.Nodes = append(f.Nodes, other.Nodes...)
	f.Edges = append(f.Edges, other.Edges...)
}
