package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relicmap/relicmap-engine/pkg/apperrors"
	"github.com/relicmap/relicmap-engine/pkg/models"
)

func storeNode(kind models.NodeKind, key, unit string, confidence models.Confidence) *models.Node {
	return &models.Node{
		Key:        models.NodeKey{Kind: kind, NaturalKey: key},
		Attrs:      map[string]string{},
		Confidence: confidence,
		Provenance: models.Provenance{UnitPath: unit, Extractor: "test", RunID: "run-1"},
	}
}

func storeEdge(kind models.EdgeKind, source, target *models.Node, unit string, confidence models.Confidence) *models.Edge {
	return &models.Edge{
		Key: models.EdgeKey{
			Kind:     kind,
			Source:   source.Key,
			Target:   target.Key,
			UnitPath: unit,
		},
		Confidence: confidence,
		Provenance: models.Provenance{UnitPath: unit, Extractor: "test", RunID: "run-1"},
	}
}

// mapperDelta is a small single-unit delta: one mapper statement writing one
// table.
func mapperDelta(runID string) *Delta {
	stmt := storeNode(models.NodeSqlStatement, "dao.OrderMapper.cancelOrder", "dao/OrderMapper.xml", models.ConfidenceCertain)
	table := storeNode(models.NodeTable, "orders", "dao/OrderMapper.xml", models.ConfidenceCertain)
	edge := storeEdge(models.EdgeWrites, stmt, table, "dao/OrderMapper.xml", models.ConfidenceCertain)
	return &Delta{
		RunID: runID,
		Nodes: map[models.NodeKey]*models.Node{stmt.Key: stmt, table.Key: table},
		Edges: []*models.Edge{edge},
		Units: []models.AnalysisUnit{{Path: "dao/OrderMapper.xml", Kind: models.ArtifactMapper, ContentHash: "hash-a"}},
	}
}

func TestMemoryStore_CommitAndSnapshot(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	meta, err := s.Commit(ctx, mapperDelta("run-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.Version)
	assert.Equal(t, 2, meta.NodesAdded)
	assert.Equal(t, 1, meta.EdgesAdded)

	snap, err := s.Snapshot(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version())
	assert.Equal(t, 2, snap.NodeCount())
	assert.Equal(t, 1, snap.EdgeCount())

	table, ok := snap.Node(models.NodeKey{Kind: models.NodeTable, NaturalKey: "orders"})
	require.True(t, ok)
	assert.Equal(t, int64(1), table.FirstVersion)

	in := snap.Incoming(table.Key)
	require.Len(t, in, 1)
	assert.Equal(t, models.EdgeWrites, in[0].Key.Kind)
}

func TestMemoryStore_UnchangedRecommitAddsNothing(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	_, err := s.Commit(ctx, mapperDelta("run-1"))
	require.NoError(t, err)

	meta, err := s.Commit(ctx, mapperDelta("run-2"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), meta.Version)
	assert.Zero(t, meta.NodesAdded)
	assert.Zero(t, meta.EdgesAdded)
	assert.Zero(t, meta.NodesStaled)
	assert.Zero(t, meta.EdgesStaled)

	snap, err := s.Snapshot(ctx, 0)
	require.NoError(t, err)
	node, _ := snap.Node(models.NodeKey{Kind: models.NodeSqlStatement, NaturalKey: "dao.OrderMapper.cancelOrder"})
	require.NotNil(t, node)
	assert.Equal(t, int64(1), node.FirstVersion, "re-established identity keeps its first version")
}

func TestMemoryStore_ReplacedUnitStalesOldFacts(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	_, err := s.Commit(ctx, mapperDelta("run-1"))
	require.NoError(t, err)

	// The mapper changed: the statement now writes audit_log instead.
	stmt := storeNode(models.NodeSqlStatement, "dao.OrderMapper.cancelOrder", "dao/OrderMapper.xml", models.ConfidenceCertain)
	audit := storeNode(models.NodeTable, "audit_log", "dao/OrderMapper.xml", models.ConfidenceCertain)
	delta := &Delta{
		RunID: "run-2",
		Nodes: map[models.NodeKey]*models.Node{stmt.Key: stmt, audit.Key: audit},
		Edges: []*models.Edge{storeEdge(models.EdgeWrites, stmt, audit, "dao/OrderMapper.xml", models.ConfidenceCertain)},
		Units: []models.AnalysisUnit{{Path: "dao/OrderMapper.xml", Kind: models.ArtifactMapper, ContentHash: "hash-b"}},
	}
	meta, err := s.Commit(ctx, delta)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.NodesStaled, "orders table no longer backed by the unit")
	assert.Equal(t, 1, meta.EdgesStaled)

	snap, err := s.Snapshot(ctx, 0)
	require.NoError(t, err)
	_, ok := snap.Node(models.NodeKey{Kind: models.NodeTable, NaturalKey: "orders"})
	assert.False(t, ok)
	_, ok = snap.Node(models.NodeKey{Kind: models.NodeTable, NaturalKey: "audit_log"})
	assert.True(t, ok)

	// The old version still answers with the old shape.
	old, err := s.Snapshot(ctx, 1)
	require.NoError(t, err)
	_, ok = old.Node(models.NodeKey{Kind: models.NodeTable, NaturalKey: "orders"})
	assert.True(t, ok)
	_, ok = old.Node(models.NodeKey{Kind: models.NodeTable, NaturalKey: "audit_log"})
	assert.False(t, ok)
}

func TestMemoryStore_RemovedUnitStalesFacts(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	_, err := s.Commit(ctx, mapperDelta("run-1"))
	require.NoError(t, err)

	meta, err := s.Commit(ctx, &Delta{RunID: "run-2", RemovedUnits: []string{"dao/OrderMapper.xml"}})
	require.NoError(t, err)
	assert.Equal(t, 2, meta.NodesStaled)
	assert.Equal(t, 1, meta.EdgesStaled)

	snap, err := s.Snapshot(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, snap.NodeCount())
	assert.Zero(t, snap.EdgeCount())

	units, err := s.Units(ctx)
	require.NoError(t, err)
	assert.NotContains(t, units, "dao/OrderMapper.xml")
}

func TestMemoryStore_DanglingEdgeIsCorrupt(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())

	stmt := storeNode(models.NodeSqlStatement, "dao.M.s", "dao/M.xml", models.ConfidenceCertain)
	ghost := storeNode(models.NodeTable, "ghost", "dao/M.xml", models.ConfidenceCertain)
	delta := &Delta{
		RunID: "run-1",
		Nodes: map[models.NodeKey]*models.Node{stmt.Key: stmt},
		Edges: []*models.Edge{storeEdge(models.EdgeWrites, stmt, ghost, "dao/M.xml", models.ConfidenceCertain)},
	}

	_, err := s.Commit(context.Background(), delta)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrStoreCorrupt)
}

func TestMemoryStore_ConfidenceNeverDowngrades(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	_, err := s.Commit(ctx, mapperDelta("run-1"))
	require.NoError(t, err)

	// A later inferred claim for the same statement, from a different unit so
	// the original is not staled.
	stmt := storeNode(models.NodeSqlStatement, "dao.OrderMapper.cancelOrder", "src/OrderService.java", models.ConfidenceInferred)
	stmt.Attrs = map[string]string{"caller": "cancelOrder"}
	_, err = s.Commit(ctx, &Delta{
		RunID: "run-2",
		Nodes: map[models.NodeKey]*models.Node{stmt.Key: stmt},
		Units: []models.AnalysisUnit{{Path: "src/OrderService.java", Kind: models.ArtifactService, ContentHash: "hash-c"}},
	})
	require.NoError(t, err)

	snap, err := s.Snapshot(ctx, 0)
	require.NoError(t, err)
	node, ok := snap.Node(stmt.Key)
	require.True(t, ok)
	assert.Equal(t, models.ConfidenceCertain, node.Confidence)
	assert.Equal(t, "cancelOrder", node.Attrs["caller"], "inferred attrs still fill gaps")
}

// gapFillDelta claims the mapper statement from a different unit at lower
// confidence, carrying one attribute the original node lacks.
func gapFillDelta(runID string) *Delta {
	stmt := storeNode(models.NodeSqlStatement, "dao.OrderMapper.cancelOrder", "src/OrderService.java", models.ConfidenceInferred)
	stmt.Attrs = map[string]string{"caller": "cancelOrder"}
	return &Delta{
		RunID: runID,
		Nodes: map[models.NodeKey]*models.Node{stmt.Key: stmt},
		Units: []models.AnalysisUnit{{Path: "src/OrderService.java", Kind: models.ArtifactService, ContentHash: "hash-c"}},
	}
}

func TestMemoryStore_SnapshotUnaffectedByLaterAttrMerge(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	_, err := s.Commit(ctx, mapperDelta("run-1"))
	require.NoError(t, err)

	before, err := s.Snapshot(ctx, 0)
	require.NoError(t, err)

	_, err = s.Commit(ctx, gapFillDelta("run-2"))
	require.NoError(t, err)

	key := models.NodeKey{Kind: models.NodeSqlStatement, NaturalKey: "dao.OrderMapper.cancelOrder"}
	node, ok := before.Node(key)
	require.True(t, ok)
	assert.NotContains(t, node.Attrs, "caller", "version 1 snapshot must not see version 2 attributes")

	after, err := s.Snapshot(ctx, 0)
	require.NoError(t, err)
	node, ok = after.Node(key)
	require.True(t, ok)
	assert.Equal(t, "cancelOrder", node.Attrs["caller"])
}

func TestMemoryStore_HistoricalReplayUnaffectedByLaterAttrMerge(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	_, err := s.Commit(ctx, mapperDelta("run-1"))
	require.NoError(t, err)
	_, err = s.Commit(ctx, gapFillDelta("run-2"))
	require.NoError(t, err)

	old, err := s.Snapshot(ctx, 1)
	require.NoError(t, err)
	node, ok := old.Node(models.NodeKey{Kind: models.NodeSqlStatement, NaturalKey: "dao.OrderMapper.cancelOrder"})
	require.True(t, ok)
	assert.NotContains(t, node.Attrs, "caller", "replayed version 1 must not see version 2 attributes")
}

func TestMemoryStore_StaledNodeClosesCrossUnitEdges(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	// The service unit asserts an edge into the mapper unit's statement.
	d := mapperDelta("run-1")
	svcOp := storeNode(models.NodeServiceOperation, "com.shop.OrderService#cancelOrder", "src/OrderService.java", models.ConfidenceCertain)
	stmtKey := models.NodeKey{Kind: models.NodeSqlStatement, NaturalKey: "dao.OrderMapper.cancelOrder"}
	d.Nodes[svcOp.Key] = svcOp
	d.Edges = append(d.Edges, &models.Edge{
		Key: models.EdgeKey{
			Kind:     models.EdgeExecutes,
			Source:   svcOp.Key,
			Target:   stmtKey,
			UnitPath: "src/OrderService.java",
		},
		Confidence: models.ConfidenceCertain,
		Provenance: models.Provenance{UnitPath: "src/OrderService.java", Extractor: "test", RunID: "run-1"},
	})
	d.Units = append(d.Units, models.AnalysisUnit{Path: "src/OrderService.java", Kind: models.ArtifactService, ContentHash: "hash-c"})
	_, err := s.Commit(ctx, d)
	require.NoError(t, err)

	// Removing the mapper stales its nodes and must also close the service
	// unit's edge into them.
	meta, err := s.Commit(ctx, &Delta{RunID: "run-2", RemovedUnits: []string{"dao/OrderMapper.xml"}})
	require.NoError(t, err)
	assert.Equal(t, 2, meta.NodesStaled)
	assert.Equal(t, 2, meta.EdgesStaled, "the cross unit edge closes with its target")

	snap, err := s.Snapshot(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, snap.Outgoing(svcOp.Key), "no edge may point at a staled node")
	_, ok := snap.Node(svcOp.Key)
	assert.True(t, ok, "the service unit's own node stays live")
}

func TestMemoryStore_VersionsAndUnits(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	_, err := s.Commit(ctx, mapperDelta("run-1"))
	require.NoError(t, err)
	_, err = s.Commit(ctx, mapperDelta("run-2"))
	require.NoError(t, err)

	versions, err := s.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, int64(1), versions[0].Version)
	assert.Equal(t, "run-2", versions[1].RunID)

	units, err := s.Units(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"dao/OrderMapper.xml": "hash-a"}, units)
}

func TestMemoryStore_PendingRefsReplacedPerCommit(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	d := mapperDelta("run-1")
	d.Pending = []models.EdgeFact{{
		Kind:       models.EdgeExecutes,
		SourceKey:  models.NodeKey{Kind: models.NodeServiceOperation, NaturalKey: "com.shop.S#m"},
		TargetRef:  &models.SymbolicRef{Kind: models.NodeMapperStatement, Name: "missing"},
		Confidence: models.ConfidenceInferred,
		Provenance: models.Provenance{UnitPath: "src/S.java", Extractor: "test", RunID: "run-1"},
	}}
	_, err := s.Commit(ctx, d)
	require.NoError(t, err)

	pending, err := s.PendingRefs(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "missing", pending[0].TargetRef.Name)

	// The next commit resolved everything; pending refs are cleared.
	_, err = s.Commit(ctx, mapperDelta("run-2"))
	require.NoError(t, err)
	pending, err = s.PendingRefs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMemoryStore_SnapshotVersionBounds(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	_, err := s.Snapshot(ctx, 3)
	assert.ErrorIs(t, err, apperrors.ErrVersionNotFound)

	snap, err := s.Snapshot(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Version())
	assert.Zero(t, snap.NodeCount())
}

func TestMemoryStore_GC(t *testing.T) {
	s := NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	_, err := s.Commit(ctx, mapperDelta("run-1"))
	require.NoError(t, err)
	_, err = s.Commit(ctx, &Delta{RunID: "run-2", RemovedUnits: []string{"dao/OrderMapper.xml"}})
	require.NoError(t, err)

	// Nothing is stale at or before version 1.
	dropped, err := s.GC(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, dropped)

	dropped, err = s.GC(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, dropped)

	snap, err := s.Snapshot(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, snap.NodeCount())
}
