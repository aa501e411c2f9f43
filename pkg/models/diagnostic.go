package models

import "fmt"

// DiagnosticKind classifies a non-fatal failure recorded during a run.
type DiagnosticKind string

const (
	// DiagClassificationFailure marks a file the inventory could not classify.
	DiagClassificationFailure DiagnosticKind = "ClassificationFailure"
	// DiagExtractionFailure marks a unit whose extractor failed or whose
	// delegated response was malformed. Scoped to the unit.
	DiagExtractionFailure DiagnosticKind = "ExtractionFailure"
	// DiagCapabilityUnavailable marks a unit skipped because an external
	// collaborator (semantic capability, schema source) was unreachable or
	// timed out.
	DiagCapabilityUnavailable DiagnosticKind = "CapabilityUnavailable"
	// DiagUnresolvedReference marks a symbolic reference still unbound after
	// fixed-point resolution. Retried on the next incremental run.
	DiagUnresolvedReference DiagnosticKind = "UnresolvedReference"
	// DiagStoreConflict marks a rejected concurrent commit.
	DiagStoreConflict DiagnosticKind = "StoreConflict"
)

// Diagnostic is a recorded, non-fatal failure. Diagnostics are data, not
// errors: they ride in the run summary and never abort sibling units.
type Diagnostic struct {
	Kind DiagnosticKind `json:"kind"`
	// UnitPath is the originating unit, empty for run-level diagnostics.
	UnitPath string `json:"unit_path,omitempty"`
	Message  string `json:"message"`
	// Ref is set for UnresolvedReference diagnostics.
	Ref *SymbolicRef `json:"ref,omitempty"`
}

func (d Diagnostic) String() string {
	if d.UnitPath != "" {
		return fmt.Sprintf("%s %s: %s", d.Kind, d.UnitPath, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}

// NewDiagnostic builds a unit-scoped diagnostic.
func NewDiagnostic(kind DiagnosticKind, unitPath, format string, args ...any) Diagnostic {
	return Diagnostic{Kind: kind, UnitPath: unitPath, Message: fmt.Sprintf(format, args...)}
}

// RunState summarizes the overall outcome of a run.
type RunState string

const (
	RunCompleted             RunState = "completed"
	RunCompletedWithWarnings RunState = "completed_with_warnings"
	RunFailed                RunState = "failed"
)

// RunSummary is the structured response returned to the caller of a run.
type RunSummary struct {
	RunID          string       `json:"run_id"`
	State          RunState     `json:"state"`
	GraphVersion   int64        `json:"graph_version"`
	UnitsScanned   int          `json:"units_scanned"`
	UnitsSucceeded int          `json:"units_succeeded"`
	UnitsSkipped   int          `json:"units_skipped"`
	UnitsFailed    int          `json:"units_failed"`
	FactsEmitted   int          `json:"facts_emitted"`
	NodesCommitted int          `json:"nodes_committed"`
	EdgesCommitted int          `json:"edges_committed"`
	Diagnostics    []Diagnostic `json:"diagnostics,omitempty"`
}

// Finalize derives the run state from commit counts and diagnostics.
// A run with zero committed changes but nonzero diagnostics is reported as
// completed with warnings, never as silent success.
func (s *RunSummary) Finalize() {
	if len(s.Diagnostics) > 0 {
		s.State = RunCompletedWithWarnings
		return
	}
	s.State = RunCompleted
}
