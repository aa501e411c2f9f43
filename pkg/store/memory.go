package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relicmap/relicmap-engine/pkg/apperrors"
	"github.com/relicmap/relicmap-engine/pkg/models"
)

// MemoryStore is the in-process GraphStore. It keeps every version as an
// append-only record so historical snapshots reconstruct by replay.
type MemoryStore struct {
	commitMu sync.Mutex // single-writer commit
	mu       sync.RWMutex

	versions []versionRecord
	nodes    map[models.NodeKey]*models.Node
	edges    map[models.EdgeKey]*models.Edge
	units    map[string]string // path -> last extracted hash
	pending  []models.EdgeFact

	logger *zap.Logger
}

// versionRecord is the delta one commit applied, for historical replay.
type versionRecord struct {
	meta        models.GraphVersion
	addedNodes  []*models.Node
	addedEdges  []*models.Edge
	staledNodes []models.NodeKey
	staledEdges []models.EdgeKey
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		nodes:  make(map[models.NodeKey]*models.Node),
		edges:  make(map[models.EdgeKey]*models.Edge),
		units:  make(map[string]string),
		logger: logger.Named("memstore"),
	}
}

// Commit applies a delta. Concurrent commits are rejected with
// ErrStoreConflict rather than queued: the losing run's facts may be based
// on a superseded graph and must be recomputed.
func (s *MemoryStore) Commit(ctx context.Context, delta *Delta) (*models.GraphVersion, error) {
	if !s.commitMu.TryLock() {
		return nil, apperrors.ErrStoreConflict
	}
	defer s.commitMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	version := int64(len(s.versions) + 1)
	rec := versionRecord{meta: models.GraphVersion{
		Version:   version,
		RunID:     delta.RunID,
		CreatedAt: time.Now().UTC(),
	}}

	replaced := make(map[string]bool, len(delta.Units)+len(delta.RemovedUnits))
	for _, u := range delta.Units {
		replaced[u.Path] = true
	}
	for _, p := range delta.RemovedUnits {
		replaced[p] = true
	}

	// Invalidate prior facts from replaced or removed units unless the
	// delta re-establishes the same identity.
	for key, edge := range s.edges {
		if edge.Stale() || !replaced[edge.Provenance.UnitPath] {
			continue
		}
		if !deltaHasEdge(delta, key) {
			edge.StaleVersion = version
			rec.staledEdges = append(rec.staledEdges, key)
		}
	}
	for key, node := range s.nodes {
		if node.Stale() || !replaced[node.Provenance.UnitPath] {
			continue
		}
		if _, ok := delta.Nodes[key]; !ok {
			node.StaleVersion = version
			rec.staledNodes = append(rec.staledNodes, key)
		}
	}

	// Closing a node's interval closes every live edge touching it, even
	// edges asserted by units that were not replaced this run. Snapshots then
	// never carry edges whose endpoint is gone.
	for key, edge := range s.edges {
		if edge.Stale() {
			continue
		}
		src, srcOK := s.nodes[edge.Key.Source]
		tgt, tgtOK := s.nodes[edge.Key.Target]
		if (srcOK && src.Stale()) || (tgtOK && tgt.Stale()) {
			edge.StaleVersion = version
			rec.staledEdges = append(rec.staledEdges, key)
		}
	}

	for key, node := range delta.Nodes {
		existing, ok := s.nodes[key]
		if ok && !existing.Stale() {
			// Monotonic confidence: a stale inferred claim never downgrades
			// a certain node.
			if existing.Confidence.Outranks(node.Confidence) {
				for k, v := range node.Attrs {
					if _, present := existing.Attrs[k]; !present {
						existing.Attrs[k] = v
					}
				}
				continue
			}
			existing.Attrs = node.Attrs
			existing.Confidence = node.Confidence
			existing.Provenance = node.Provenance
			continue
		}
		committed := *node
		committed.FirstVersion = version
		committed.StaleVersion = 0
		s.nodes[key] = &committed
		// The record keeps its own copy: the live node's attrs may later be
		// merged in place, and historical replay must not see that.
		rec.addedNodes = append(rec.addedNodes, committed.Clone())
	}

	for _, edge := range delta.Edges {
		if src, srcOK := s.nodes[edge.Key.Source]; !srcOK || src.Stale() {
			return nil, fmt.Errorf("edge %s: dangling source: %w", edge.Key, apperrors.ErrStoreCorrupt)
		}
		if tgt, tgtOK := s.nodes[edge.Key.Target]; !tgtOK || tgt.Stale() {
			return nil, fmt.Errorf("edge %s: dangling target: %w", edge.Key, apperrors.ErrStoreCorrupt)
		}
		existing, ok := s.edges[edge.Key]
		if ok && !existing.Stale() {
			if existing.Confidence.Outranks(edge.Confidence) {
				continue
			}
			existing.Confidence = edge.Confidence
			existing.Provenance = edge.Provenance
			continue
		}
		committed := *edge
		committed.FirstVersion = version
		committed.StaleVersion = 0
		s.edges[edge.Key] = &committed
		recorded := committed
		rec.addedEdges = append(rec.addedEdges, &recorded)
	}

	for _, u := range delta.Units {
		s.units[u.Path] = u.ContentHash
	}
	for _, p := range delta.RemovedUnits {
		delete(s.units, p)
	}
	s.pending = append([]models.EdgeFact(nil), delta.Pending...)

	rec.meta.NodesAdded = len(rec.addedNodes)
	rec.meta.EdgesAdded = len(rec.addedEdges)
	rec.meta.NodesStaled = len(rec.staledNodes)
	rec.meta.EdgesStaled = len(rec.staledEdges)
	s.versions = append(s.versions, rec)

	s.logger.Info("Committed graph version",
		zap.Int64("version", version),
		zap.Int("nodes_added", rec.meta.NodesAdded),
		zap.Int("edges_added", rec.meta.EdgesAdded),
		zap.Int("nodes_staled", rec.meta.NodesStaled),
		zap.Int("edges_staled", rec.meta.EdgesStaled))

	meta := rec.meta
	return &meta, nil
}

func deltaHasEdge(delta *Delta, key models.EdgeKey) bool {
	for _, e := range delta.Edges {
		if e.Key == key {
			return true
		}
	}
	return false
}

// Snapshot returns an immutable view. Version 0 means latest.
func (s *MemoryStore) Snapshot(ctx context.Context, version int64) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := int64(len(s.versions))
	if version == 0 {
		version = latest
	}
	if version < 0 || version > latest {
		return nil, fmt.Errorf("version %d: %w", version, apperrors.ErrVersionNotFound)
	}

	if version == latest {
		// Fast path: copy live state. Attrs are copied too, so a later
		// commit's in-place attribute merge never bleeds into a snapshot
		// already handed out.
		nodes := make(map[models.NodeKey]*models.Node, len(s.nodes))
		var edges []*models.Edge
		for key, node := range s.nodes {
			if !node.Stale() {
				nodes[key] = node.Clone()
			}
		}
		for _, edge := range s.edges {
			if !edge.Stale() {
				copied := *edge
				edges = append(edges, &copied)
			}
		}
		return newSnapshot(version, nodes, edges), nil
	}

	// Historical: replay deltas up to the requested version.
	nodes := make(map[models.NodeKey]*models.Node)
	edges := make(map[models.EdgeKey]*models.Edge)
	for i := int64(0); i < version; i++ {
		rec := s.versions[i]
		for _, n := range rec.addedNodes {
			copied := n.Clone()
			copied.StaleVersion = 0
			nodes[n.Key] = copied
		}
		for _, e := range rec.addedEdges {
			copied := *e
			copied.StaleVersion = 0
			edges[e.Key] = &copied
		}
		for _, key := range rec.staledNodes {
			delete(nodes, key)
		}
		for _, key := range rec.staledEdges {
			delete(edges, key)
		}
	}
	var edgeList []*models.Edge
	for _, e := range edges {
		edgeList = append(edgeList, e)
	}
	return newSnapshot(version, nodes, edgeList), nil
}

// Versions lists committed versions, oldest first.
func (s *MemoryStore) Versions(ctx context.Context) ([]models.GraphVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := make([]models.GraphVersion, 0, len(s.versions))
	for _, rec := range s.versions {
		versions = append(versions, rec.meta)
	}
	return versions, nil
}

// Units returns the last-extracted hash per unit path.
func (s *MemoryStore) Units(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	units := make(map[string]string, len(s.units))
	for path, hash := range s.units {
		units[path] = hash
	}
	return units, nil
}

// PendingRefs returns unresolved edge facts from the latest commit.
func (s *MemoryStore) PendingRefs(ctx context.Context) ([]models.EdgeFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.EdgeFact(nil), s.pending...), nil
}

// GC drops stale entities invalidated at or before the given version.
// Historical snapshots older than the GC horizon lose those entities; that
// is the documented cost of reclaiming them.
func (s *MemoryStore) GC(ctx context.Context, beforeVersion int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for key, node := range s.nodes {
		if node.Stale() && node.StaleVersion <= beforeVersion {
			delete(s.nodes, key)
			dropped++
		}
	}
	for key, edge := range s.edges {
		if edge.Stale() && edge.StaleVersion <= beforeVersion {
			delete(s.edges, key)
			dropped++
		}
	}
	return dropped, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
