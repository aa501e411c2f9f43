package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/relicmap/relicmap-engine/pkg/apperrors"
	"github.com/relicmap/relicmap-engine/pkg/database"
	"github.com/relicmap/relicmap-engine/pkg/models"
)

// commitLockKey scopes the advisory lock that serializes graph commits.
const commitLockKey = 0x72656c6d

// PostgresStore persists the graph in the engine's own Postgres database.
// Nodes and edges carry a validity interval [first_version, stale_version)
// so historical snapshots are plain range queries.
type PostgresStore struct {
	db     *database.DB
	logger *zap.Logger
}

var _ GraphStore = (*PostgresStore)(nil)

// NewPostgresStore creates a store backed by the given connection pool.
func NewPostgresStore(db *database.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger.Named("pgstore")}
}

type liveEntity struct {
	confidence models.Confidence
	unitPath   string
}

// Commit applies a delta inside a single transaction. The advisory lock
// makes commits single-writer across processes; a losing writer gets
// ErrStoreConflict and must recompute its run against the new version.
func (s *PostgresStore) Commit(ctx context.Context, delta *Delta) (*models.GraphVersion, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin commit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, int64(commitLockKey)).Scan(&locked); err != nil {
		return nil, fmt.Errorf("acquire commit lock: %w", err)
	}
	if !locked {
		return nil, apperrors.ErrStoreConflict
	}

	meta := &models.GraphVersion{RunID: delta.RunID}
	err = tx.QueryRow(ctx,
		`INSERT INTO graph_versions (run_id) VALUES ($1) RETURNING version, created_at`,
		delta.RunID).Scan(&meta.Version, &meta.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create graph version: %w", err)
	}
	version := meta.Version

	liveNodes, err := s.loadLiveNodes(ctx, tx)
	if err != nil {
		return nil, err
	}
	liveEdges, err := s.loadLiveEdges(ctx, tx)
	if err != nil {
		return nil, err
	}

	replaced := make(map[string]bool, len(delta.Units)+len(delta.RemovedUnits))
	for _, u := range delta.Units {
		replaced[u.Path] = true
	}
	for _, p := range delta.RemovedUnits {
		replaced[p] = true
	}

	// Invalidate prior facts from replaced or removed units unless the
	// delta re-establishes the same identity.
	deltaEdges := make(map[models.EdgeKey]bool, len(delta.Edges))
	for _, e := range delta.Edges {
		deltaEdges[e.Key] = true
	}
	for key, live := range liveEdges {
		if replaced[live.unitPath] && !deltaEdges[key] {
			if _, err := tx.Exec(ctx,
				`UPDATE graph_edges SET stale_version = $1
				 WHERE kind = $2 AND source_kind = $3 AND source_key = $4
				   AND target_kind = $5 AND target_key = $6 AND unit_path = $7`,
				version, key.Kind, key.Source.Kind, key.Source.NaturalKey,
				key.Target.Kind, key.Target.NaturalKey, key.UnitPath); err != nil {
				return nil, fmt.Errorf("stale edge %s: %w", key, err)
			}
			delete(liveEdges, key)
			meta.EdgesStaled++
		}
	}
	for key, live := range liveNodes {
		if replaced[live.unitPath] {
			if _, ok := delta.Nodes[key]; !ok {
				if _, err := tx.Exec(ctx,
					`UPDATE graph_nodes SET stale_version = $1 WHERE kind = $2 AND natural_key = $3`,
					version, key.Kind, key.NaturalKey); err != nil {
					return nil, fmt.Errorf("stale node %s: %w", key, err)
				}
				delete(liveNodes, key)
				meta.NodesStaled++
			}
		}
	}

	// Closing a node's interval closes every live edge touching it, even
	// edges asserted by units that were not replaced this run.
	for key := range liveEdges {
		_, srcLive := liveNodes[key.Source]
		_, tgtLive := liveNodes[key.Target]
		if srcLive && tgtLive {
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE graph_edges SET stale_version = $1
			 WHERE kind = $2 AND source_kind = $3 AND source_key = $4
			   AND target_kind = $5 AND target_key = $6 AND unit_path = $7`,
			version, key.Kind, key.Source.Kind, key.Source.NaturalKey,
			key.Target.Kind, key.Target.NaturalKey, key.UnitPath); err != nil {
			return nil, fmt.Errorf("stale edge %s: %w", key, err)
		}
		delete(liveEdges, key)
		meta.EdgesStaled++
	}

	nodeKeys := make([]models.NodeKey, 0, len(delta.Nodes))
	for key := range delta.Nodes {
		nodeKeys = append(nodeKeys, key)
	}
	sort.Slice(nodeKeys, func(i, j int) bool {
		return nodeKeys[i].String() < nodeKeys[j].String()
	})

	for _, key := range nodeKeys {
		node := delta.Nodes[key]
		attrs, err := json.Marshal(orEmpty(node.Attrs))
		if err != nil {
			return nil, fmt.Errorf("marshal attrs for %s: %w", key, err)
		}
		existing, ok := liveNodes[key]
		if ok {
			if existing.confidence.Outranks(node.Confidence) {
				// Monotonic confidence: only fill attributes the node does
				// not already carry.
				if _, err := tx.Exec(ctx,
					`UPDATE graph_nodes SET attrs = $1::jsonb || attrs WHERE kind = $2 AND natural_key = $3`,
					attrs, key.Kind, key.NaturalKey); err != nil {
					return nil, fmt.Errorf("merge node %s: %w", key, err)
				}
				continue
			}
			if _, err := tx.Exec(ctx,
				`UPDATE graph_nodes
				 SET attrs = $1, confidence = $2, unit_path = $3, extractor = $4, run_id = $5
				 WHERE kind = $6 AND natural_key = $7`,
				attrs, node.Confidence, node.Provenance.UnitPath, node.Provenance.Extractor,
				node.Provenance.RunID, key.Kind, key.NaturalKey); err != nil {
				return nil, fmt.Errorf("update node %s: %w", key, err)
			}
			liveNodes[key] = liveEntity{confidence: node.Confidence, unitPath: node.Provenance.UnitPath}
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO graph_nodes (kind, natural_key, attrs, confidence, unit_path, extractor, run_id, first_version, stale_version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0)
			 ON CONFLICT (kind, natural_key) DO UPDATE
			 SET attrs = EXCLUDED.attrs, confidence = EXCLUDED.confidence,
			     unit_path = EXCLUDED.unit_path, extractor = EXCLUDED.extractor,
			     run_id = EXCLUDED.run_id, first_version = EXCLUDED.first_version,
			     stale_version = 0`,
			key.Kind, key.NaturalKey, attrs, node.Confidence, node.Provenance.UnitPath,
			node.Provenance.Extractor, node.Provenance.RunID, version); err != nil {
			return nil, fmt.Errorf("insert node %s: %w", key, err)
		}
		liveNodes[key] = liveEntity{confidence: node.Confidence, unitPath: node.Provenance.UnitPath}
		meta.NodesAdded++
	}

	for _, edge := range delta.Edges {
		if _, ok := liveNodes[edge.Key.Source]; !ok {
			return nil, fmt.Errorf("edge %s: dangling source: %w", edge.Key, apperrors.ErrStoreCorrupt)
		}
		if _, ok := liveNodes[edge.Key.Target]; !ok {
			return nil, fmt.Errorf("edge %s: dangling target: %w", edge.Key, apperrors.ErrStoreCorrupt)
		}
		existing, ok := liveEdges[edge.Key]
		if ok {
			if existing.confidence.Outranks(edge.Confidence) {
				continue
			}
			if _, err := tx.Exec(ctx,
				`UPDATE graph_edges SET confidence = $1, extractor = $2, run_id = $3
				 WHERE kind = $4 AND source_kind = $5 AND source_key = $6
				   AND target_kind = $7 AND target_key = $8 AND unit_path = $9`,
				edge.Confidence, edge.Provenance.Extractor, edge.Provenance.RunID,
				edge.Key.Kind, edge.Key.Source.Kind, edge.Key.Source.NaturalKey,
				edge.Key.Target.Kind, edge.Key.Target.NaturalKey, edge.Key.UnitPath); err != nil {
				return nil, fmt.Errorf("update edge %s: %w", edge.Key, err)
			}
			liveEdges[edge.Key] = liveEntity{confidence: edge.Confidence, unitPath: edge.Key.UnitPath}
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO graph_edges (kind, source_kind, source_key, target_kind, target_key, unit_path, confidence, extractor, run_id, first_version, stale_version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0)
			 ON CONFLICT (kind, source_kind, source_key, target_kind, target_key, unit_path) DO UPDATE
			 SET confidence = EXCLUDED.confidence, extractor = EXCLUDED.extractor,
			     run_id = EXCLUDED.run_id, first_version = EXCLUDED.first_version,
			     stale_version = 0`,
			edge.Key.Kind, edge.Key.Source.Kind, edge.Key.Source.NaturalKey,
			edge.Key.Target.Kind, edge.Key.Target.NaturalKey, edge.Key.UnitPath,
			edge.Confidence, edge.Provenance.Extractor, edge.Provenance.RunID, version); err != nil {
			return nil, fmt.Errorf("insert edge %s: %w", edge.Key, err)
		}
		liveEdges[edge.Key] = liveEntity{confidence: edge.Confidence, unitPath: edge.Key.UnitPath}
		meta.EdgesAdded++
	}

	for _, u := range delta.Units {
		if _, err := tx.Exec(ctx,
			`INSERT INTO analysis_units (path, content_hash) VALUES ($1, $2)
			 ON CONFLICT (path) DO UPDATE SET content_hash = EXCLUDED.content_hash, updated_at = now()`,
			u.Path, u.ContentHash); err != nil {
			return nil, fmt.Errorf("upsert unit %s: %w", u.Path, err)
		}
	}
	for _, p := range delta.RemovedUnits {
		if _, err := tx.Exec(ctx, `DELETE FROM analysis_units WHERE path = $1`, p); err != nil {
			return nil, fmt.Errorf("remove unit %s: %w", p, err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM pending_refs`); err != nil {
		return nil, fmt.Errorf("clear pending refs: %w", err)
	}
	for i := range delta.Pending {
		fact, err := json.Marshal(&delta.Pending[i])
		if err != nil {
			return nil, fmt.Errorf("marshal pending ref: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO pending_refs (version, fact) VALUES ($1, $2)`, version, fact); err != nil {
			return nil, fmt.Errorf("insert pending ref: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE graph_versions
		 SET nodes_added = $1, edges_added = $2, nodes_staled = $3, edges_staled = $4
		 WHERE version = $5`,
		meta.NodesAdded, meta.EdgesAdded, meta.NodesStaled, meta.EdgesStaled, version); err != nil {
		return nil, fmt.Errorf("finalize graph version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit graph version: %w", err)
	}

	s.logger.Info("Committed graph version",
		zap.Int64("version", version),
		zap.Int("nodes_added", meta.NodesAdded),
		zap.Int("edges_added", meta.EdgesAdded),
		zap.Int("nodes_staled", meta.NodesStaled),
		zap.Int("edges_staled", meta.EdgesStaled))

	return meta, nil
}

func orEmpty(attrs map[string]string) map[string]string {
	if attrs == nil {
		return map[string]string{}
	}
	return attrs
}

func (s *PostgresStore) loadLiveNodes(ctx context.Context, tx pgx.Tx) (map[models.NodeKey]liveEntity, error) {
	rows, err := tx.Query(ctx,
		`SELECT kind, natural_key, confidence, unit_path FROM graph_nodes WHERE stale_version = 0`)
	if err != nil {
		return nil, fmt.Errorf("load live nodes: %w", err)
	}
	defer rows.Close()

	live := make(map[models.NodeKey]liveEntity)
	for rows.Next() {
		var key models.NodeKey
		var e liveEntity
		if err := rows.Scan(&key.Kind, &key.NaturalKey, &e.confidence, &e.unitPath); err != nil {
			return nil, fmt.Errorf("scan live node: %w", err)
		}
		live[key] = e
	}
	return live, rows.Err()
}

func (s *PostgresStore) loadLiveEdges(ctx context.Context, tx pgx.Tx) (map[models.EdgeKey]liveEntity, error) {
	rows, err := tx.Query(ctx,
		`SELECT kind, source_kind, source_key, target_kind, target_key, unit_path, confidence
		 FROM graph_edges WHERE stale_version = 0`)
	if err != nil {
		return nil, fmt.Errorf("load live edges: %w", err)
	}
	defer rows.Close()

	live := make(map[models.EdgeKey]liveEntity)
	for rows.Next() {
		var key models.EdgeKey
		var e liveEntity
		if err := rows.Scan(&key.Kind, &key.Source.Kind, &key.Source.NaturalKey,
			&key.Target.Kind, &key.Target.NaturalKey, &key.UnitPath, &e.confidence); err != nil {
			return nil, fmt.Errorf("scan live edge: %w", err)
		}
		e.unitPath = key.UnitPath
		live[key] = e
	}
	return live, rows.Err()
}

// Snapshot returns the graph as of a version. Version 0 means latest.
func (s *PostgresStore) Snapshot(ctx context.Context, version int64) (*Snapshot, error) {
	var latest int64
	if err := s.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM graph_versions`).Scan(&latest); err != nil {
		return nil, fmt.Errorf("resolve latest version: %w", err)
	}
	if version == 0 {
		version = latest
	}
	if version < 0 || version > latest {
		return nil, fmt.Errorf("version %d: %w", version, apperrors.ErrVersionNotFound)
	}

	rows, err := s.db.Pool.Query(ctx,
		`SELECT kind, natural_key, attrs, confidence, unit_path, extractor, run_id, first_version
		 FROM graph_nodes
		 WHERE first_version <= $1 AND (stale_version = 0 OR stale_version > $1)`, version)
	if err != nil {
		return nil, fmt.Errorf("load snapshot nodes: %w", err)
	}
	defer rows.Close()

	nodes := make(map[models.NodeKey]*models.Node)
	for rows.Next() {
		node := &models.Node{}
		var attrs []byte
		if err := rows.Scan(&node.Key.Kind, &node.Key.NaturalKey, &attrs, &node.Confidence,
			&node.Provenance.UnitPath, &node.Provenance.Extractor, &node.Provenance.RunID,
			&node.FirstVersion); err != nil {
			return nil, fmt.Errorf("scan snapshot node: %w", err)
		}
		if err := json.Unmarshal(attrs, &node.Attrs); err != nil {
			return nil, fmt.Errorf("decode attrs for %s: %w", node.Key, err)
		}
		nodes[node.Key] = node
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot nodes: %w", err)
	}

	edgeRows, err := s.db.Pool.Query(ctx,
		`SELECT kind, source_kind, source_key, target_kind, target_key, unit_path, confidence, extractor, run_id, first_version
		 FROM graph_edges
		 WHERE first_version <= $1 AND (stale_version = 0 OR stale_version > $1)`, version)
	if err != nil {
		return nil, fmt.Errorf("load snapshot edges: %w", err)
	}
	defer edgeRows.Close()

	var edges []*models.Edge
	for edgeRows.Next() {
		edge := &models.Edge{}
		if err := edgeRows.Scan(&edge.Key.Kind, &edge.Key.Source.Kind, &edge.Key.Source.NaturalKey,
			&edge.Key.Target.Kind, &edge.Key.Target.NaturalKey, &edge.Key.UnitPath,
			&edge.Confidence, &edge.Provenance.Extractor, &edge.Provenance.RunID,
			&edge.FirstVersion); err != nil {
			return nil, fmt.Errorf("scan snapshot edge: %w", err)
		}
		edge.Provenance.UnitPath = edge.Key.UnitPath
		edges = append(edges, edge)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot edges: %w", err)
	}

	return newSnapshot(version, nodes, edges), nil
}

// Versions lists committed versions, oldest first.
func (s *PostgresStore) Versions(ctx context.Context) ([]models.GraphVersion, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT version, run_id, created_at, nodes_added, edges_added, nodes_staled, edges_staled
		 FROM graph_versions ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []models.GraphVersion
	for rows.Next() {
		var v models.GraphVersion
		if err := rows.Scan(&v.Version, &v.RunID, &v.CreatedAt,
			&v.NodesAdded, &v.EdgesAdded, &v.NodesStaled, &v.EdgesStaled); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Units returns the last-extracted hash per unit path.
func (s *PostgresStore) Units(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT path, content_hash FROM analysis_units`)
	if err != nil {
		return nil, fmt.Errorf("load units: %w", err)
	}
	defer rows.Close()

	units := make(map[string]string)
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		units[path] = hash
	}
	return units, rows.Err()
}

// PendingRefs returns unresolved edge facts from the latest commit.
func (s *PostgresStore) PendingRefs(ctx context.Context) ([]models.EdgeFact, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT fact FROM pending_refs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load pending refs: %w", err)
	}
	defer rows.Close()

	var pending []models.EdgeFact
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan pending ref: %w", err)
		}
		var fact models.EdgeFact
		if err := json.Unmarshal(raw, &fact); err != nil {
			return nil, fmt.Errorf("decode pending ref: %w", err)
		}
		pending = append(pending, fact)
	}
	return pending, rows.Err()
}

// GC drops stale entities invalidated at or before the given version.
func (s *PostgresStore) GC(ctx context.Context, beforeVersion int64) (int, error) {
	edgeTag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM graph_edges WHERE stale_version > 0 AND stale_version <= $1`, beforeVersion)
	if err != nil {
		return 0, fmt.Errorf("gc edges: %w", err)
	}
	nodeTag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM graph_nodes WHERE stale_version > 0 AND stale_version <= $1`, beforeVersion)
	if err != nil {
		return 0, fmt.Errorf("gc nodes: %w", err)
	}
	return int(edgeTag.RowsAffected() + nodeTag.RowsAffected()), nil
}

// Close is a no-op; the connection pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }
