// Package postgres provides a PostgreSQL-backed persistence store for
// session knowledge graphs. Each session's graph is stored as a snapshot in
// two tables (graph_nodes, graph_edges) keyed by session ID.
//
// The store is an optional alternative to the per-character JSON files
// managed by the storage manager; it is selected by setting
// storage.postgres_dsn in the configuration.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duiywegkl/EchoGraph/pkg/graph"
)

// ErrNoGraph is returned by [Store.LoadGraph] when no snapshot exists for
// the session.
var ErrNoGraph = errors.New("postgres: no graph stored for session")

const ddl = `
CREATE TABLE IF NOT EXISTS graph_nodes (
    session_id      TEXT         NOT NULL,
    id              TEXT         NOT NULL,
    type            TEXT         NOT NULL,
    name            TEXT         NOT NULL,
    description     TEXT         NOT NULL DEFAULT '',
    attributes      JSONB        NOT NULL DEFAULT '{}',
    is_deleted      BOOLEAN      NOT NULL DEFAULT FALSE,
    deletion_reason TEXT         NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ  NOT NULL,
    updated_at      TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (session_id, id)
);

CREATE TABLE IF NOT EXISTS graph_edges (
    session_id   TEXT         NOT NULL,
    source_id    TEXT         NOT NULL,
    target_id    TEXT         NOT NULL,
    relationship TEXT         NOT NULL,
    attributes   JSONB        NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (session_id, source_id, target_id, relationship)
);

CREATE INDEX IF NOT EXISTS idx_graph_nodes_session ON graph_nodes (session_id);
CREATE INDEX IF NOT EXISTS idx_graph_edges_session ON graph_edges (session_id);
`

// Store persists session graph snapshots in PostgreSQL. All operations are
// safe for concurrent use; the underlying [pgxpool.Pool] handles connection
// management.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and ensures the schema exists.
// Migration is idempotent and safe to run on every start.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// SaveGraph replaces the stored snapshot for sessionID with the current
// contents of g. The replacement is transactional: readers never observe a
// partially written snapshot.
func (s *Store) SaveGraph(ctx context.Context, sessionID string, g *graph.Graph) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: save graph: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	for _, q := range []string{
		`DELETE FROM graph_nodes WHERE session_id = $1`,
		`DELETE FROM graph_edges WHERE session_id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, sessionID); err != nil {
			return fmt.Errorf("postgres: save graph: clear: %w", err)
		}
	}

	batch := &pgx.Batch{}
	for _, n := range g.Nodes() {
		attrs, err := json.Marshal(n.Attributes)
		if err != nil {
			return fmt.Errorf("postgres: save graph: marshal node attrs: %w", err)
		}
		batch.Queue(`
			INSERT INTO graph_nodes
			    (session_id, id, type, name, description, attributes,
			     is_deleted, deletion_reason, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			sessionID, n.ID, string(n.Type), n.Name, n.Description, attrs,
			n.Deleted, n.DeletionReason, n.CreatedTime, n.LastModified,
		)
	}
	for _, e := range g.Edges() {
		attrs, err := json.Marshal(e.Attributes)
		if err != nil {
			return fmt.Errorf("postgres: save graph: marshal edge attrs: %w", err)
		}
		batch.Queue(`
			INSERT INTO graph_edges
			    (session_id, source_id, target_id, relationship, attributes, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			sessionID, e.SourceID, e.TargetID, e.Relationship, attrs, e.CreatedTime,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: save graph: batch insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: save graph: commit: %w", err)
	}
	return nil
}

// LoadGraph rebuilds the stored snapshot for sessionID. Returns [ErrNoGraph]
// when the session has never been persisted.
func (s *Store) LoadGraph(ctx context.Context, sessionID string) (*graph.Graph, error) {
	const qNodes = `
		SELECT id, type, name, description, attributes,
		       is_deleted, deletion_reason, created_at, updated_at
		FROM   graph_nodes
		WHERE  session_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, qNodes, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load graph: query nodes: %w", err)
	}
	nodes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graph.Entity, error) {
		var (
			e         graph.Entity
			typ       string
			attrsJSON []byte
		)
		if err := row.Scan(&e.ID, &typ, &e.Name, &e.Description, &attrsJSON,
			&e.Deleted, &e.DeletionReason, &e.CreatedTime, &e.LastModified); err != nil {
			return graph.Entity{}, err
		}
		e.Type = graph.EntityType(typ)
		if len(attrsJSON) > 0 {
			if err := json.Unmarshal(attrsJSON, &e.Attributes); err != nil {
				return graph.Entity{}, fmt.Errorf("unmarshal node attributes: %w", err)
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: load graph: scan nodes: %w", err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoGraph, sessionID)
	}

	const qEdges = `
		SELECT source_id, target_id, relationship, attributes, created_at
		FROM   graph_edges
		WHERE  session_id = $1
		ORDER  BY created_at`

	rows, err = s.pool.Query(ctx, qEdges, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load graph: query edges: %w", err)
	}
	edges, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graph.Relation, error) {
		var (
			r         graph.Relation
			attrsJSON []byte
		)
		if err := row.Scan(&r.SourceID, &r.TargetID, &r.Relationship, &attrsJSON, &r.CreatedTime); err != nil {
			return graph.Relation{}, err
		}
		if len(attrsJSON) > 0 {
			if err := json.Unmarshal(attrsJSON, &r.Attributes); err != nil {
				return graph.Relation{}, fmt.Errorf("unmarshal edge attributes: %w", err)
			}
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: load graph: scan edges: %w", err)
	}

	return graph.Rebuild(nodes, edges), nil
}

// DeleteGraph removes the snapshot for sessionID. Deleting an absent
// snapshot is not an error.
func (s *Store) DeleteGraph(ctx context.Context, sessionID string) error {
	for _, q := range []string{
		`DELETE FROM graph_edges WHERE session_id = $1`,
		`DELETE FROM graph_nodes WHERE session_id = $1`,
	} {
		if _, err := s.pool.Exec(ctx, q, sessionID); err != nil {
			return fmt.Errorf("postgres: delete graph: %w", err)
		}
	}
	return nil
}

// Ping verifies database connectivity; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
