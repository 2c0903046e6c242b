// Package memory stores agent memories in a structured index plus a vector
// index, keyed by per-agent monotonic IDs.
package memory

import (
	"context"
	"errors"
)

// Kind classifies a memory record.
type Kind string

const (
	KindObservation  Kind = "observation"
	KindReflection   Kind = "reflection"
	KindPlan         Kind = "plan"
	KindDialogueTurn Kind = "dialogue_turn"
)

var (
	// ErrNotFound marks a lookup for a record that does not exist.
	ErrNotFound = errors.New("memory record not found")
	// ErrDuplicateID marks an insert reusing an existing (agent, id) pair.
	ErrDuplicateID = errors.New("memory record id already exists")
	// ErrEmbeddingSet marks an attempt to overwrite a stored embedding.
	ErrEmbeddingSet = errors.New("memory record embedding already set")
)

// Record is one memory entry. Records are append-only: text, kind, tick and
// importance never change after insert, and the embedding is write-once.
type Record struct {
	ID               int64     `json:"id"`
	AgentID          string    `json:"agent_id"`
	Kind             Kind      `json:"kind"`
	Text             string    `json:"text"`
	CreatedAtTick    int64     `json:"created_at_tick"`
	LastAccessedTick int64     `json:"last_accessed_tick"`
	Importance       int       `json:"importance"`
	Embedding        []float32 `json:"-"`
	SourceIDs        []int64   `json:"source_ids,omitempty"`
}

// StructuredIndex is the durable row store behind a Store. Implementations
// must enforce the duplicate-ID and write-once embedding rules.
type StructuredIndex interface {
	Insert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, agentID string, id int64) (*Record, error)
	MaxID(ctx context.Context, agentID string) (int64, error)
	QueryByAgentAndKind(ctx context.Context, agentID string, kinds []Kind, sinceTick int64) ([]*Record, error)
	UpdateLastAccessed(ctx context.Context, agentID string, ids []int64, tick int64) error
	StoreEmbedding(ctx context.Context, agentID string, id int64, vector []float32) error
	PendingEmbedding(ctx context.Context, agentID string) ([]*Record, error)
	Close() error
}

// VectorHit is one result from a vector index search.
type VectorHit struct {
	ID    int64
	Score float32
}

// VectorIndex holds embedded vectors for similarity search, partitioned by
// agent.
type VectorIndex interface {
	Upsert(ctx context.Context, agentID string, id int64, vector []float32, createdAtTick int64) error
	Search(ctx context.Context, agentID string, vector []float32, k int) ([]VectorHit, error)
	Close() error
}
