// Package semantic implements the delegated semantic-extraction capability:
// best-effort structural reasoning over source fragments that deterministic
// parsing cannot handle (which service method a route ultimately invokes,
// which attributes a view reads). The capability is an external collaborator
// behind a narrow interface; all of its failure modes — timeout, malformed
// response, outage — are converted to diagnostics, never crashes.
package semantic

import "context"

// Request is one delegated extraction call.
type Request struct {
	// Kind selects the extraction strategy.
	Kind string
	// UnitPath identifies the source unit, for provenance.
	UnitPath string
	// Content is the raw source fragment.
	Content string
}

// Payload is the structured response: node and edge candidates conforming to
// the per-kind schema. Candidates are validated before conversion to facts.
type Payload struct {
	Nodes []NodeCandidate `json:"nodes"`
	Edges []EdgeCandidate `json:"edges"`
}

// NodeCandidate is a proposed graph entity.
type NodeCandidate struct {
	Kind  string            `json:"kind"`
	Key   string            `json:"key"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// EdgeCandidate is a proposed relationship. Source and target name symbols as
// written in the source; resolution to node identities happens later.
type EdgeCandidate struct {
	Kind       string `json:"kind"`
	SourceKind string `json:"source_kind"`
	SourceKey  string `json:"source_key"`
	TargetKind string `json:"target_kind"`
	TargetName string `json:"target_name"`
}

// Capability is the external semantic-extraction collaborator.
type Capability interface {
	// Extract performs one delegated extraction. Errors wrap
	// apperrors.ErrCapabilityUnavailable when the capability itself is down
	// (timeout, outage, circuit open) and apperrors.ErrMalformedResponse when
	// the response failed schema validation.
	Extract(ctx context.Context, req *Request) (*Payload, error)

	// Available reports whether the capability is currently usable. The
	// orchestrator checks this to degrade remaining delegated units to
	// "extraction skipped" instead of hammering a dead endpoint.
	Available() bool
}
