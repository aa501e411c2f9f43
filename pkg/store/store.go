// Package store holds the merged, versioned knowledge graph. Every commit
// produces a new immutable version as a delta of added and invalidated nodes
// and edges; snapshot reads are safe against any already-committed version
// while a writer commits.
package store

import (
	"context"

	"github.com/relicmap/relicmap-engine/pkg/models"
)

// Delta is everything one run contributes to the graph.
type Delta struct {
	RunID string
	// Nodes and Edges are the resolver's output for the run.
	Nodes map[models.NodeKey]*models.Node
	Edges []*models.Edge
	// Pending are edge facts still symbolic after fixed-point resolution,
	// persisted for retry on the next incremental run.
	Pending []models.EdgeFact
	// Units are the units whose facts are included in this delta, with their
	// content hashes. Prior nodes/edges attributed to these units and not
	// re-emitted are invalidated (the unit's facts were replaced).
	Units []models.AnalysisUnit
	// RemovedUnits are unit paths that no longer exist; their nodes/edges
	// become stale but stay queryable for audit until GC.
	RemovedUnits []string
}

// GraphStore is the committed graph. Commit is single-writer: a concurrent
// commit attempt fails with apperrors.ErrStoreConflict and the caller must
// retry the whole run.
type GraphStore interface {
	// Commit applies a delta and returns the new version.
	Commit(ctx context.Context, delta *Delta) (*models.GraphVersion, error)

	// Snapshot returns an immutable view of the given version; version 0
	// means latest. Unknown versions fail with apperrors.ErrVersionNotFound.
	Snapshot(ctx context.Context, version int64) (*Snapshot, error)

	// Versions lists committed versions, oldest first.
	Versions(ctx context.Context) ([]models.GraphVersion, error)

	// Units returns the last-extracted content hash per unit path, for
	// incremental change detection.
	Units(ctx context.Context) (map[string]string, error)

	// PendingRefs returns unresolved edge facts carried by the latest
	// version, for retry.
	PendingRefs(ctx context.Context) ([]models.EdgeFact, error)

	// GC removes stale nodes and edges invalidated at or before the given
	// version, returning how many entities were dropped. Explicit only.
	GC(ctx context.Context, beforeVersion int64) (int, error)

	// Close releases store resources.
	Close() error
}
