package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS memories (
	agent_id           TEXT    NOT NULL,
	id                 INTEGER NOT NULL,
	kind               TEXT    NOT NULL,
	text               TEXT    NOT NULL,
	created_at_tick    INTEGER NOT NULL,
	last_accessed_tick INTEGER NOT NULL,
	importance         INTEGER NOT NULL,
	embedding          BLOB,
	embedded           INTEGER NOT NULL DEFAULT 0,
	source_ids         TEXT,
	PRIMARY KEY (agent_id, id)
);
CREATE INDEX IF NOT EXISTS idx_memories_agent_kind
	ON memories (agent_id, kind, created_at_tick);
CREATE INDEX IF NOT EXISTS idx_memories_pending
	ON memories (agent_id, embedded);
`

// SQLiteIndex is the default StructuredIndex, a single-file embedded
// database with no external service.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex opens (or creates) the database at path and applies the
// schema.
func NewSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite open %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteIndex{db: db}, nil
}

// Insert stores a new record. Reusing an (agent, id) pair fails with
// ErrDuplicateID.
func (s *SQLiteIndex) Insert(ctx context.Context, rec *Record) error {
	sourceIDs, err := encodeSourceIDs(rec.SourceIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (agent_id, id, kind, text, created_at_tick, last_accessed_tick, importance, source_ids)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AgentID, rec.ID, string(rec.Kind), rec.Text,
		rec.CreatedAtTick, rec.LastAccessedTick, rec.Importance, sourceIDs)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("insert %s/%d: %w", rec.AgentID, rec.ID, ErrDuplicateID)
		}
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// Get returns a single record by agent and id.
func (s *SQLiteIndex) Get(ctx context.Context, agentID string, id int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_id, id, kind, text, created_at_tick, last_accessed_tick, importance, embedding, source_ids
		 FROM memories WHERE agent_id = ? AND id = ?`, agentID, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s/%d: %w", agentID, id, ErrNotFound)
	}
	return rec, err
}

// MaxID returns the highest assigned id for an agent, 0 if none.
func (s *SQLiteIndex) MaxID(ctx context.Context, agentID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(id) FROM memories WHERE agent_id = ?`, agentID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max id for %s: %w", agentID, err)
	}
	return max.Int64, nil
}

// QueryByAgentAndKind returns records of the given kinds created at or after
// sinceTick, ordered by creation tick then id ascending. An empty kind set
// matches every kind.
func (s *SQLiteIndex) QueryByAgentAndKind(ctx context.Context, agentID string, kinds []Kind, sinceTick int64) ([]*Record, error) {
	query := `SELECT agent_id, id, kind, text, created_at_tick, last_accessed_tick, importance, embedding, source_ids
		 FROM memories WHERE agent_id = ? AND created_at_tick >= ?`
	args := []any{agentID, sinceTick}
	if len(kinds) > 0 {
		placeholders := strings.Repeat("?,", len(kinds))
		query += ` AND kind IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, kind := range kinds {
			args = append(args, string(kind))
		}
	}
	query += ` ORDER BY created_at_tick ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// UpdateLastAccessed bumps last_accessed_tick for the given ids.
func (s *SQLiteIndex) UpdateLastAccessed(ctx context.Context, agentID string, ids []int64, tick int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{tick, agentID}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET last_accessed_tick = ? WHERE agent_id = ? AND id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("update last accessed: %w", err)
	}
	return nil
}

// StoreEmbedding attaches a vector to a record. A second write for the same
// record fails with ErrEmbeddingSet.
func (s *SQLiteIndex) StoreEmbedding(ctx context.Context, agentID string, id int64, vector []float32) error {
	blob, err := encodeVector(vector)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET embedding = ?, embedded = 1
		 WHERE agent_id = ? AND id = ? AND embedded = 0`,
		blob, agentID, id)
	if err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, agentID, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("store embedding %s/%d: %w", agentID, id, ErrEmbeddingSet)
	}
	return nil
}

// PendingEmbedding returns records for an agent that have no embedding yet,
// oldest first.
func (s *SQLiteIndex) PendingEmbedding(ctx context.Context, agentID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, id, kind, text, created_at_tick, last_accessed_tick, importance, embedding, source_ids
		 FROM memories WHERE agent_id = ? AND embedded = 0
		 ORDER BY created_at_tick ASC, id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Close closes the underlying database.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var kind string
	var blob []byte
	var sourceIDs sql.NullString
	err := row.Scan(&rec.AgentID, &rec.ID, &kind, &rec.Text,
		&rec.CreatedAtTick, &rec.LastAccessedTick, &rec.Importance, &blob, &sourceIDs)
	if err != nil {
		return nil, err
	}
	rec.Kind = Kind(kind)
	if len(blob) > 0 {
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, err
		}
		rec.Embedding = vec
	}
	if sourceIDs.Valid && sourceIDs.String != "" {
		if err := json.Unmarshal([]byte(sourceIDs.String), &rec.SourceIDs); err != nil {
			return nil, fmt.Errorf("decode source ids: %w", err)
		}
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
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

func encodeSourceIDs(ids []int64) (sql.NullString, error) {
	if len(ids) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode source ids: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func encodeVector(vec []float32) ([]byte, error) {
	data, err := json.Marshal(vec)
	if err != nil {
		return nil, fmt.Errorf("encode vector: %w", err)
	}
	return data, nil
}

func decodeVector(blob []byte) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal(blob, &vec); err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	return vec, nil
}
