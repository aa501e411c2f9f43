package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relicmap/relicmap-engine/pkg/models"
	"github.com/relicmap/relicmap-engine/pkg/store"
)

func graphNode(kind models.NodeKind, key string) *models.Node {
	return &models.Node{
		Key:        models.NodeKey{Kind: kind, NaturalKey: key},
		Confidence: models.ConfidenceCertain,
		Provenance: models.Provenance{UnitPath: "test", Extractor: "test", RunID: "run-1"},
	}
}

func graphEdge(kind models.EdgeKind, source, target *models.Node, confidence models.Confidence) *models.Edge {
	return &models.Edge{
		Key: models.EdgeKey{
			Kind:     kind,
			Source:   source.Key,
			Target:   target.Key,
			UnitPath: "test",
		},
		Confidence: confidence,
		Provenance: models.Provenance{UnitPath: "test", Extractor: "test", RunID: "run-1"},
	}
}

// cancelGraph builds the canonical write chain: an endpoint invoking a service
// operation that executes a mapper statement whose SQL writes the orders
// table. The Contains edge links two facets of the same statement.
func cancelGraph(t *testing.T) *store.Snapshot {
	t.Helper()

	endpoint := graphNode(models.NodeEndpoint, "POST /orders/cancel")
	svcOp := graphNode(models.NodeServiceOperation, "com.shop.OrderService#cancelOrder")
	mapperStmt := graphNode(models.NodeMapperStatement, "dao.OrderMapper.cancelOrder")
	sqlStmt := graphNode(models.NodeSqlStatement, "dao.OrderMapper.cancelOrder")
	orders := graphNode(models.NodeTable, "orders")

	nodes := map[models.NodeKey]*models.Node{}
	for _, n := range []*models.Node{endpoint, svcOp, mapperStmt, sqlStmt, orders} {
		nodes[n.Key] = n
	}
	edges := []*models.Edge{
		graphEdge(models.EdgeInvokes, endpoint, svcOp, models.ConfidenceCertain),
		graphEdge(models.EdgeExecutes, svcOp, mapperStmt, models.ConfidenceCertain),
		graphEdge(models.EdgeContains, mapperStmt, sqlStmt, models.ConfidenceCertain),
		graphEdge(models.EdgeWrites, sqlStmt, orders, models.ConfidenceCertain),
	}

	s := store.NewMemoryStore(zap.NewNop())
	_, err := s.Commit(context.Background(), &store.Delta{RunID: "run-1", Nodes: nodes, Edges: edges})
	require.NoError(t, err)
	snap, err := s.Snapshot(context.Background(), 0)
	require.NoError(t, err)
	return snap
}

func TestQuery_BackwardImpactFromTable(t *testing.T) {
	snap := cancelGraph(t)
	engine := NewEngine(zap.NewNop())

	results, err := engine.Query(snap, Pattern{
		Shape: ShapeBackward,
		Start: models.NodeKey{Kind: models.NodeTable, NaturalKey: "orders"},
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	var endpoint *Result
	for i := range results {
		if results[i].Node.Key.Kind == models.NodeEndpoint {
			endpoint = &results[i]
		}
	}
	require.NotNil(t, endpoint)
	assert.Equal(t, "POST /orders/cancel", endpoint.Node.Key.NaturalKey)
	assert.Equal(t, 3, endpoint.Hops, "the statement facet crossing is not a hop")
	assert.Len(t, endpoint.Path, 4)
	assert.Equal(t, models.ConfidenceCertain, endpoint.Confidence)
}

func TestQuery_ForwardFromEndpoint(t *testing.T) {
	snap := cancelGraph(t)
	engine := NewEngine(zap.NewNop())

	results, err := engine.Query(snap, Pattern{
		Shape:     ShapeForward,
		Start:     models.NodeKey{Kind: models.NodeEndpoint, NaturalKey: "POST /orders/cancel"},
		NodeKinds: []models.NodeKind{models.NodeTable},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "orders", results[0].Node.Key.NaturalKey)
	assert.Equal(t, 3, results[0].Hops)
}

func TestQuery_MaxHopsBoundsTraversal(t *testing.T) {
	snap := cancelGraph(t)
	engine := NewEngine(zap.NewNop())

	results, err := engine.Query(snap, Pattern{
		Shape:   ShapeBackward,
		Start:   models.NodeKey{Kind: models.NodeTable, NaturalKey: "orders"},
		MaxHops: 1,
	})
	require.NoError(t, err)

	// One hop reaches the SQL statement, and its mapper facet for free.
	kinds := make([]models.NodeKind, 0, len(results))
	for _, r := range results {
		kinds = append(kinds, r.Node.Key.Kind)
	}
	assert.ElementsMatch(t, []models.NodeKind{models.NodeMapperStatement, models.NodeSqlStatement}, kinds)
}

func TestQuery_EdgeKindsRestrictTraversal(t *testing.T) {
	snap := cancelGraph(t)
	engine := NewEngine(zap.NewNop())

	results, err := engine.Query(snap, Pattern{
		Shape:     ShapeForward,
		Start:     models.NodeKey{Kind: models.NodeEndpoint, NaturalKey: "POST /orders/cancel"},
		EdgeKinds: []models.EdgeKind{models.EdgeInvokes},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.NodeServiceOperation, results[0].Node.Key.Kind)
}

func TestQuery_CertainOnlySkipsInferredEdges(t *testing.T) {
	endpoint := graphNode(models.NodeEndpoint, "GET /orders")
	svcOp := graphNode(models.NodeServiceOperation, "com.shop.OrderService#listOrders")
	guessed := graphNode(models.NodeServiceOperation, "com.shop.AuditService#record")

	nodes := map[models.NodeKey]*models.Node{
		endpoint.Key: endpoint, svcOp.Key: svcOp, guessed.Key: guessed,
	}
	edges := []*models.Edge{
		graphEdge(models.EdgeInvokes, endpoint, svcOp, models.ConfidenceCertain),
		graphEdge(models.EdgeInvokes, endpoint, guessed, models.ConfidenceInferred),
	}
	s := store.NewMemoryStore(zap.NewNop())
	_, err := s.Commit(context.Background(), &store.Delta{RunID: "run-1", Nodes: nodes, Edges: edges})
	require.NoError(t, err)
	snap, err := s.Snapshot(context.Background(), 0)
	require.NoError(t, err)

	engine := NewEngine(zap.NewNop())

	results, err := engine.Query(snap, Pattern{Shape: ShapeForward, Start: endpoint.Key})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		if r.Node.Key == guessed.Key {
			assert.Equal(t, models.ConfidenceInferred, r.Confidence)
		}
	}

	results, err = engine.Query(snap, Pattern{Shape: ShapeForward, Start: endpoint.Key, CertainOnly: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, svcOp.Key, results[0].Node.Key)
}

func TestQuery_CycleTerminates(t *testing.T) {
	a := graphNode(models.NodeServiceOperation, "com.shop.A#call")
	b := graphNode(models.NodeServiceOperation, "com.shop.B#call")

	nodes := map[models.NodeKey]*models.Node{a.Key: a, b.Key: b}
	edges := []*models.Edge{
		graphEdge(models.EdgeInvokes, a, b, models.ConfidenceCertain),
		graphEdge(models.EdgeInvokes, b, a, models.ConfidenceCertain),
	}
	s := store.NewMemoryStore(zap.NewNop())
	_, err := s.Commit(context.Background(), &store.Delta{RunID: "run-1", Nodes: nodes, Edges: edges})
	require.NoError(t, err)
	snap, err := s.Snapshot(context.Background(), 0)
	require.NoError(t, err)

	engine := NewEngine(zap.NewNop())
	results, err := engine.Query(snap, Pattern{Shape: ShapeNeighborhood, Start: a.Key})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, b.Key, results[0].Node.Key)
}

func TestQuery_EmptyAndErrorCases(t *testing.T) {
	snap := cancelGraph(t)
	engine := NewEngine(zap.NewNop())

	t.Run("unknown shape", func(t *testing.T) {
		_, err := engine.Query(snap, Pattern{Shape: "sideways",
			Start: models.NodeKey{Kind: models.NodeTable, NaturalKey: "orders"}})
		assert.Error(t, err)
	})

	t.Run("unknown node kind filter", func(t *testing.T) {
		results, err := engine.Query(snap, Pattern{
			Shape:     ShapeBackward,
			Start:     models.NodeKey{Kind: models.NodeTable, NaturalKey: "orders"},
			NodeKinds: []models.NodeKind{"Widget"},
		})
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("missing start node", func(t *testing.T) {
		results, err := engine.Query(snap, Pattern{
			Shape: ShapeBackward,
			Start: models.NodeKey{Kind: models.NodeTable, NaturalKey: "no_such_table"},
		})
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestQuery_DeterministicOrdering(t *testing.T) {
	snap := cancelGraph(t)
	engine := NewEngine(zap.NewNop())

	pattern := Pattern{
		Shape: ShapeBackward,
		Start: models.NodeKey{Kind: models.NodeTable, NaturalKey: "orders"},
	}
	first, err := engine.Query(snap, pattern)
	require.NoError(t, err)
	second, err := engine.Query(snap, pattern)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Node.Key, second[i].Node.Key)
	}
	for i := 1; i < len(first); i++ {
		prev, cur := first[i-1].Node.Key, first[i].Node.Key
		if prev.Kind == cur.Kind {
			assert.Less(t, prev.NaturalKey, cur.NaturalKey)
		} else {
			assert.Less(t, string(prev.Kind), string(cur.Kind))
		}
	}
}
