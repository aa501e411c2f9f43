package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relicmap/relicmap-engine/pkg/extract"
	"github.com/relicmap/relicmap-engine/pkg/inventory"
	"github.com/relicmap/relicmap-engine/pkg/models"
	"github.com/relicmap/relicmap-engine/pkg/query"
	"github.com/relicmap/relicmap-engine/pkg/resolver"
	"github.com/relicmap/relicmap-engine/pkg/semantic"
	"github.com/relicmap/relicmap-engine/pkg/store"
)

// scriptedCapability returns canned payloads per unit path, standing in for
// the external semantic capability.
type scriptedCapability struct {
	available bool
	payloads  map[string]*semantic.Payload
	err       error
}

func (c *scriptedCapability) Extract(ctx context.Context, req *semantic.Request) (*semantic.Payload, error) {
	if c.err != nil {
		return nil, c.err
	}
	if p, ok := c.payloads[req.UnitPath]; ok {
		return p, nil
	}
	return &semantic.Payload{}, nil
}

func (c *scriptedCapability) Available() bool { return c.available }

func newTestEngine(capability semantic.Capability, graph store.GraphStore) *Engine {
	logger := zap.NewNop()
	registry := extract.NewRegistry(
		extract.NewSQLExtractor(logger),
		extract.NewMapperExtractor(logger),
		extract.NewDelegatedExtractor(models.ArtifactView, capability, logger),
		extract.NewDelegatedExtractor(models.ArtifactController, capability, logger),
		extract.NewDelegatedExtractor(models.ArtifactService, capability, logger),
	)
	return NewEngine(
		inventory.NewScanner(logger),
		registry,
		nil,
		resolver.New(0, logger),
		graph,
		NewPool(PoolConfig{MaxConcurrent: 4}, logger),
		logger,
	)
}

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for path, content := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

const cancelMapper = `<mapper namespace="dao.OrderMapper">
  <update id="cancelOrder">
    UPDATE orders SET status = 'CANCELLED' WHERE order_id = #{orderId}
  </update>
</mapper>`

const cancelController = `@Controller
public class OrderController {
    @PostMapping("/orders/cancel")
    public String cancel(Long orderId) {
        orderService.cancelOrder(orderId);
        return "redirect:/orders";
    }
}`

const cancelService = `@Service
public class OrderService {
    public void cancelOrder(Long orderId) {
        orderMapper.cancelOrder(orderId);
    }
}`

// cancelPayloads scripts what the semantic capability extracts from the
// controller and service units of the cancel flow.
func cancelPayloads() map[string]*semantic.Payload {
	return map[string]*semantic.Payload{
		"src/OrderController.java": {
			Nodes: []semantic.NodeCandidate{{
				Kind: "Endpoint", Key: "POST /orders/cancel",
				Attrs: map[string]string{"handler": "OrderController#cancel"},
			}},
			Edges: []semantic.EdgeCandidate{{
				Kind: "Invokes", SourceKind: "Endpoint", SourceKey: "POST /orders/cancel",
				TargetKind: "ServiceOperation", TargetName: "orderService.cancelOrder",
			}},
		},
		"src/OrderService.java": {
			Nodes: []semantic.NodeCandidate{{
				Kind: "ServiceOperation", Key: "com.shop.OrderService#cancelOrder",
			}},
			Edges: []semantic.EdgeCandidate{{
				Kind: "Executes", SourceKind: "ServiceOperation", SourceKey: "com.shop.OrderService#cancelOrder",
				TargetKind: "MapperStatement", TargetName: "cancelOrder",
			}},
		},
	}
}

func TestRun_EndToEndCancelFlow(t *testing.T) {
	root := writeProject(t, map[string]string{
		"src/OrderController.java": cancelController,
		"src/OrderService.java":    cancelService,
		"dao/OrderMapper.xml":      cancelMapper,
	})
	graph := store.NewMemoryStore(zap.NewNop())
	engine := newTestEngine(&scriptedCapability{available: true, payloads: cancelPayloads()}, graph)

	summary, err := engine.Run(context.Background(), Request{Root: root})
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, summary.State)
	assert.Equal(t, 3, summary.UnitsScanned)
	assert.Equal(t, 3, summary.UnitsSucceeded)
	assert.Zero(t, summary.UnitsFailed)
	assert.Equal(t, int64(1), summary.GraphVersion)
	assert.Equal(t, 5, summary.NodesCommitted)
	assert.Equal(t, 4, summary.EdgesCommitted)

	snap, err := graph.Snapshot(context.Background(), 0)
	require.NoError(t, err)

	results, err := query.NewEngine(zap.NewNop()).Query(snap, query.Pattern{
		Shape:     query.ShapeBackward,
		Start:     models.NodeKey{Kind: models.NodeTable, NaturalKey: "orders"},
		NodeKinds: []models.NodeKind{models.NodeEndpoint},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "POST /orders/cancel", results[0].Node.Key.NaturalKey)
	assert.Equal(t, 3, results[0].Hops)
	assert.Equal(t, models.ConfidenceInferred, results[0].Confidence)
}

func TestRun_UnchangedProjectSkipsEverything(t *testing.T) {
	root := writeProject(t, map[string]string{
		"src/OrderController.java": cancelController,
		"src/OrderService.java":    cancelService,
		"dao/OrderMapper.xml":      cancelMapper,
	})
	graph := store.NewMemoryStore(zap.NewNop())
	engine := newTestEngine(&scriptedCapability{available: true, payloads: cancelPayloads()}, graph)

	_, err := engine.Run(context.Background(), Request{Root: root})
	require.NoError(t, err)

	summary, err := engine.Run(context.Background(), Request{Root: root})
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, summary.State)
	assert.Equal(t, 3, summary.UnitsSkipped)
	assert.Zero(t, summary.UnitsSucceeded)
	assert.Zero(t, summary.NodesCommitted)
	assert.Zero(t, summary.EdgesCommitted)
	assert.Equal(t, int64(2), summary.GraphVersion)

	snap, err := graph.Snapshot(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.NodeCount())
	assert.Equal(t, 4, snap.EdgeCount())
}

func TestRun_RemovedUnitStalesItsFacts(t *testing.T) {
	root := writeProject(t, map[string]string{
		"src/OrderController.java": cancelController,
		"src/OrderService.java":    cancelService,
		"dao/OrderMapper.xml":      cancelMapper,
	})
	graph := store.NewMemoryStore(zap.NewNop())
	engine := newTestEngine(&scriptedCapability{available: true, payloads: cancelPayloads()}, graph)

	_, err := engine.Run(context.Background(), Request{Root: root})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "dao", "OrderMapper.xml")))

	summary, err := engine.Run(context.Background(), Request{Root: root})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.UnitsScanned)
	assert.Equal(t, 2, summary.UnitsSkipped)

	snap, err := graph.Snapshot(context.Background(), 0)
	require.NoError(t, err)
	_, ok := snap.Node(models.NodeKey{Kind: models.NodeTable, NaturalKey: "orders"})
	assert.False(t, ok, "table node came from the removed mapper unit")
	_, ok = snap.Node(models.NodeKey{Kind: models.NodeEndpoint, NaturalKey: "POST /orders/cancel"})
	assert.True(t, ok, "controller facts survive")
}

func TestRun_MalformedUnitIsIsolated(t *testing.T) {
	root := writeProject(t, map[string]string{
		"dao/OrderMapper.xml": cancelMapper,
		"db/empty.sql":        "   \n\n   ",
	})
	graph := store.NewMemoryStore(zap.NewNop())
	engine := newTestEngine(&scriptedCapability{available: true}, graph)

	summary, err := engine.Run(context.Background(), Request{Root: root})
	require.NoError(t, err)
	assert.Equal(t, models.RunCompletedWithWarnings, summary.State)
	assert.Equal(t, 1, summary.UnitsFailed)
	assert.Equal(t, 1, summary.UnitsSucceeded)

	var kinds []models.DiagnosticKind
	for _, d := range summary.Diagnostics {
		kinds = append(kinds, d.Kind)
	}
	assert.Contains(t, kinds, models.DiagExtractionFailure)

	snap, err := graph.Snapshot(context.Background(), 0)
	require.NoError(t, err)
	_, ok := snap.Node(models.NodeKey{Kind: models.NodeTable, NaturalKey: "orders"})
	assert.True(t, ok, "the healthy mapper's facts are still committed")
}

func TestRun_CapabilityOutageDegradesDelegatedUnits(t *testing.T) {
	root := writeProject(t, map[string]string{
		"src/OrderController.java": cancelController,
		"src/OrderService.java":    cancelService,
		"dao/OrderMapper.xml":      cancelMapper,
	})
	graph := store.NewMemoryStore(zap.NewNop())
	engine := newTestEngine(&scriptedCapability{available: false}, graph)

	summary, err := engine.Run(context.Background(), Request{Root: root})
	require.NoError(t, err)
	assert.Equal(t, models.RunCompletedWithWarnings, summary.State)
	assert.Equal(t, 2, summary.UnitsSkipped, "both delegated units skipped, not failed")
	assert.Zero(t, summary.UnitsFailed)
	assert.Equal(t, 1, summary.UnitsSucceeded)

	for _, d := range summary.Diagnostics {
		assert.Equal(t, models.DiagCapabilityUnavailable, d.Kind)
	}

	// Deterministic extraction is unaffected by the outage.
	snap, err := graph.Snapshot(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.NodeCount())
	_, ok := snap.Node(models.NodeKey{Kind: models.NodeMapperStatement, NaturalKey: "dao.OrderMapper.cancelOrder"})
	assert.True(t, ok)
}

func TestRun_CapabilityRecoveryReextractsSkippedUnits(t *testing.T) {
	root := writeProject(t, map[string]string{
		"src/OrderController.java": cancelController,
		"src/OrderService.java":    cancelService,
		"dao/OrderMapper.xml":      cancelMapper,
	})
	graph := store.NewMemoryStore(zap.NewNop())
	capability := &scriptedCapability{available: false, payloads: cancelPayloads()}
	engine := newTestEngine(capability, graph)

	// First run: the capability is down, the delegated units are skipped and
	// their stored hashes stay untouched.
	_, err := engine.Run(context.Background(), Request{Root: root})
	require.NoError(t, err)

	_, ok := lookupEndpoint(t, graph)
	require.False(t, ok, "outage run must not commit the endpoint")

	// Second run: the capability is back. The skipped units are attempted
	// again even though their content has not changed.
	capability.available = true
	summary, err := engine.Run(context.Background(), Request{Root: root})
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, summary.State)
	assert.Equal(t, 2, summary.UnitsSucceeded, "delegated units re-extracted")
	assert.Equal(t, 1, summary.UnitsSkipped, "only the unchanged mapper skips")
	assert.Zero(t, summary.UnitsFailed)

	endpoint, ok := lookupEndpoint(t, graph)
	require.True(t, ok, "recovered capability commits the endpoint")
	assert.Equal(t, int64(2), endpoint.FirstVersion)
}

func TestRun_FailedUnitRetriedNextRun(t *testing.T) {
	root := writeProject(t, map[string]string{
		"dao/OrderMapper.xml": cancelMapper,
		"db/empty.sql":        "   \n\n   ",
	})
	graph := store.NewMemoryStore(zap.NewNop())
	engine := newTestEngine(&scriptedCapability{available: true}, graph)

	summary, err := engine.Run(context.Background(), Request{Root: root})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.UnitsFailed)

	// The failed unit's hash was not recorded, so the unchanged file is
	// extracted again rather than silently skipped.
	summary, err = engine.Run(context.Background(), Request{Root: root})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.UnitsFailed, "unchanged broken unit is attempted again")
	assert.Equal(t, 1, summary.UnitsSkipped, "the healthy mapper skips")
	assert.Equal(t, models.RunCompletedWithWarnings, summary.State)
}

func lookupEndpoint(t *testing.T, graph store.GraphStore) (*models.Node, bool) {
	t.Helper()
	snap, err := graph.Snapshot(context.Background(), 0)
	require.NoError(t, err)
	return snap.Node(models.NodeKey{Kind: models.NodeEndpoint, NaturalKey: "POST /orders/cancel"})
}

func TestRun_PendingReferenceResolvesOnLaterRun(t *testing.T) {
	root := writeProject(t, map[string]string{
		"src/OrderService.java": cancelService,
	})
	graph := store.NewMemoryStore(zap.NewNop())
	engine := newTestEngine(&scriptedCapability{available: true, payloads: cancelPayloads()}, graph)

	// First run: the mapper does not exist yet, so the Executes reference
	// stays symbolic.
	summary, err := engine.Run(context.Background(), Request{Root: root})
	require.NoError(t, err)
	assert.Equal(t, models.RunCompletedWithWarnings, summary.State)
	assert.Zero(t, summary.EdgesCommitted)

	pending, err := graph.PendingRefs(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.EdgeExecutes, pending[0].Kind)

	// Second run: the mapper appears and the carried-over reference binds.
	mapperPath := filepath.Join(root, "dao", "OrderMapper.xml")
	require.NoError(t, os.MkdirAll(filepath.Dir(mapperPath), 0o755))
	require.NoError(t, os.WriteFile(mapperPath, []byte(cancelMapper), 0o644))

	summary, err = engine.Run(context.Background(), Request{Root: root})
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, summary.State)
	assert.Equal(t, 3, summary.EdgesCommitted)

	pending, err = graph.PendingRefs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	snap, err := graph.Snapshot(context.Background(), 0)
	require.NoError(t, err)
	svcOp := models.NodeKey{Kind: models.NodeServiceOperation, NaturalKey: "com.shop.OrderService#cancelOrder"}
	out := snap.Outgoing(svcOp)
	require.Len(t, out, 1)
	assert.Equal(t, models.NodeKey{Kind: models.NodeMapperStatement, NaturalKey: "dao.OrderMapper.cancelOrder"}, out[0].Key.Target)
}

func TestRun_CancelledContextAbortsRun(t *testing.T) {
	root := writeProject(t, map[string]string{
		"dao/OrderMapper.xml": cancelMapper,
	})
	graph := store.NewMemoryStore(zap.NewNop())
	engine := newTestEngine(&scriptedCapability{available: true}, graph)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := engine.Run(ctx, Request{Root: root})
	require.Error(t, err)
	assert.Equal(t, models.RunFailed, summary.State)

	versions, err := graph.Versions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, versions, "nothing is committed for an aborted run")
}
