package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS memories (
	agent_id           TEXT    NOT NULL,
	id                 BIGINT  NOT NULL,
	kind               TEXT    NOT NULL,
	text               TEXT    NOT NULL,
	created_at_tick    BIGINT  NOT NULL,
	last_accessed_tick BIGINT  NOT NULL,
	importance         INTEGER NOT NULL,
	embedding          REAL[],
	embedded           BOOLEAN NOT NULL DEFAULT FALSE,
	source_ids         BIGINT[],
	PRIMARY KEY (agent_id, id)
);
CREATE INDEX IF NOT EXISTS idx_memories_agent_kind
	ON memories (agent_id, kind, created_at_tick);
CREATE INDEX IF NOT EXISTS idx_memories_pending
	ON memories (agent_id, embedded);
`

// PostgresIndex is a StructuredIndex backed by PostgreSQL, for deployments
// that already run one.
type PostgresIndex struct {
	pool *pgxpool.Pool
}

// NewPostgresIndex connects to the given DSN and applies the schema.
func NewPostgresIndex(ctx context.Context, dsn string) (*PostgresIndex, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &PostgresIndex{pool: pool}, nil
}

// Insert stores a new record. Reusing an (agent, id) pair fails with
// ErrDuplicateID.
func (p *PostgresIndex) Insert(ctx context.Context, rec *Record) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO memories (agent_id, id, kind, text, created_at_tick, last_accessed_tick, importance, source_ids)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.AgentID, rec.ID, string(rec.Kind), rec.Text,
		rec.CreatedAtTick, rec.LastAccessedTick, rec.Importance, rec.SourceIDs)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("insert %s/%d: %w", rec.AgentID, rec.ID, ErrDuplicateID)
		}
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// Get returns a single record by agent and id.
func (p *PostgresIndex) Get(ctx context.Context, agentID string, id int64) (*Record, error) {
	rec, err := p.scanOne(p.pool.QueryRow(ctx,
		`SELECT agent_id, id, kind, text, created_at_tick, last_accessed_tick, importance, embedding, source_ids
		 FROM memories WHERE agent_id = $1 AND id = $2`, agentID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get %s/%d: %w", agentID, id, ErrNotFound)
	}
	return rec, err
}

// MaxID returns the highest assigned id for an agent, 0 if none.
func (p *PostgresIndex) MaxID(ctx context.Context, agentID string) (int64, error) {
	var max int64
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM memories WHERE agent_id = $1`, agentID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max id for %s: %w", agentID, err)
	}
	return max, nil
}

// QueryByAgentAndKind returns records of the given kinds created at or after
// sinceTick, oldest first. An empty kind set matches every kind.
func (p *PostgresIndex) QueryByAgentAndKind(ctx context.Context, agentID string, kinds []Kind, sinceTick int64) ([]*Record, error) {
	query := `SELECT agent_id, id, kind, text, created_at_tick, last_accessed_tick, importance, embedding, source_ids
		 FROM memories WHERE agent_id = $1 AND created_at_tick >= $2`
	args := []any{agentID, sinceTick}
	if len(kinds) > 0 {
		names := make([]string, len(kinds))
		for i, kind := range kinds {
			names[i] = string(kind)
		}
		query += ` AND kind = ANY($3)`
		args = append(args, names)
	}
	query += ` ORDER BY created_at_tick ASC, id ASC`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()
	return p.scanAll(rows)
}

// UpdateLastAccessed bumps last_accessed_tick for the given ids.
func (p *PostgresIndex) UpdateLastAccessed(ctx context.Context, agentID string, ids []int64, tick int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx,
		`UPDATE memories SET last_accessed_tick = $1 WHERE agent_id = $2 AND id = ANY($3)`,
		tick, agentID, ids)
	if err != nil {
		return fmt.Errorf("update last accessed: %w", err)
	}
	return nil
}

// StoreEmbedding attaches a vector to a record. A second write for the same
// record fails with ErrEmbeddingSet.
func (p *PostgresIndex) StoreEmbedding(ctx context.Context, agentID string, id int64, vector []float32) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE memories SET embedding = $1, embedded = TRUE
		 WHERE agent_id = $2 AND id = $3 AND embedded = FALSE`,
		vector, agentID, id)
	if err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := p.Get(ctx, agentID, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("store embedding %s/%d: %w", agentID, id, ErrEmbeddingSet)
	}
	return nil
}

// PendingEmbedding returns records for an agent that have no embedding yet,
// oldest first.
func (p *PostgresIndex) PendingEmbedding(ctx context.Context, agentID string) ([]*Record, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT agent_id, id, kind, text, created_at_tick, last_accessed_tick, importance, embedding, source_ids
		 FROM memories WHERE agent_id = $1 AND embedded = FALSE
		 ORDER BY created_at_tick ASC, id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()
	return p.scanAll(rows)
}

// Close releases the connection pool.
func (p *PostgresIndex) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresIndex) scanOne(row pgx.Row) (*Record, error) {
	var rec Record
	var kind string
	err := row.Scan(&rec.AgentID, &rec.ID, &kind, &rec.Text,
		&rec.CreatedAtTick, &rec.LastAccessedTick, &rec.Importance,
		&rec.Embedding, &rec.SourceIDs)
	if err != nil {
		return nil, err
	}
	rec.Kind = Kind(kind)
	return &rec, nil
}

func (p *PostgresIndex) scanAll(rows pgx.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := p.scanOne(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return out, nil
}
