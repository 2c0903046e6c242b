package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Store composes a StructuredIndex and a VectorIndex into the memory stream
// the agents use. It assigns per-agent monotonic IDs and enforces the
// structured-first write order for embeddings.
type Store struct {
	structured StructuredIndex
	vectors    VectorIndex
	logger     *zap.Logger

	mu     sync.Mutex
	nextID map[string]int64
}

// NewStore builds a Store over the given indexes.
func NewStore(structured StructuredIndex, vectors VectorIndex, logger *zap.Logger) *Store {
	return &Store{
		structured: structured,
		vectors:    vectors,
		logger:     logger,
		nextID:     make(map[string]int64),
	}
}

// Insert persists the record, assigning the next per-agent id when rec.ID
// is zero. An explicit id that already exists fails with ErrDuplicateID.
func (s *Store) Insert(ctx context.Context, rec *Record) error {
	if rec.ID == 0 {
		id, err := s.reserveID(ctx, rec.AgentID)
		if err != nil {
			return err
		}
		rec.ID = id
	} else {
		s.observeID(rec.AgentID, rec.ID)
	}
	if rec.LastAccessedTick == 0 {
		rec.LastAccessedTick = rec.CreatedAtTick
	}
	if err := s.structured.Insert(ctx, rec); err != nil {
		return err
	}
	return nil
}

func (s *Store) reserveID(ctx context.Context, agentID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := s.nextID[agentID]
	if !ok {
		max, err := s.structured.MaxID(ctx, agentID)
		if err != nil {
			return 0, fmt.Errorf("seed id counter for %s: %w", agentID, err)
		}
		next = max + 1
	}
	s.nextID[agentID] = next + 1
	return next, nil
}

// observeID keeps the counter ahead of explicitly chosen ids.
func (s *Store) observeID(agentID string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next, ok := s.nextID[agentID]; ok && id >= next {
		s.nextID[agentID] = id + 1
	}
}

// Get returns a single record.
func (s *Store) Get(ctx context.Context, agentID string, id int64) (*Record, error) {
	return s.structured.Get(ctx, agentID, id)
}

// SetEmbedding attaches a vector to a record, structured index first so a
// crash between the two writes leaves at worst a row the vector index does
// not know about. The embedding is write-once.
func (s *Store) SetEmbedding(ctx context.Context, agentID string, id int64, vector []float32) error {
	if err := s.structured.StoreEmbedding(ctx, agentID, id, vector); err != nil {
		return err
	}
	rec, err := s.structured.Get(ctx, agentID, id)
	if err != nil {
		return err
	}
	if err := s.vectors.Upsert(ctx, agentID, id, vector, rec.CreatedAtTick); err != nil {
		return fmt.Errorf("vector upsert after structured write: %w", err)
	}
	return nil
}

// PendingEmbedding returns records awaiting an embedding, oldest first.
func (s *Store) PendingEmbedding(ctx context.Context, agentID string) ([]*Record, error) {
	return s.structured.PendingEmbedding(ctx, agentID)
}

// ScoredRecord pairs a record with its vector similarity.
type ScoredRecord struct {
	Record     *Record
	Similarity float32
}

// NearestNeighbors searches the agent's embedded memories and hydrates the
// hits from the structured index. Results are ordered by similarity
// descending; ties go to the more recently created record. Records without
// an embedding are never returned.
func (s *Store) NearestNeighbors(ctx context.Context, agentID string, vector []float32, k int) ([]ScoredRecord, error) {
	hits, err := s.vectors.Search(ctx, agentID, vector, k)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredRecord, 0, len(hits))
	for _, hit := range hits {
		rec, err := s.structured.Get(ctx, agentID, hit.ID)
		if err != nil {
			s.logger.Warn("vector hit missing from structured index",
				zap.String("agent_id", agentID),
				zap.Int64("record_id", hit.ID),
				zap.Error(err))
			continue
		}
		out = append(out, ScoredRecord{Record: rec, Similarity: hit.Score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Record.CreatedAtTick > out[j].Record.CreatedAtTick
	})
	return out, nil
}

// QueryByAgentAndKind returns records of the given kinds created at or after
// sinceTick, oldest first.
func (s *Store) QueryByAgentAndKind(ctx context.Context, agentID string, kinds []Kind, sinceTick int64) ([]*Record, error) {
	return s.structured.QueryByAgentAndKind(ctx, agentID, kinds, sinceTick)
}

// UpdateLastAccessed bumps last_accessed_tick for the given ids.
func (s *Store) UpdateLastAccessed(ctx context.Context, agentID string, ids []int64, tick int64) error {
	return s.structured.UpdateLastAccessed(ctx, agentID, ids, tick)
}

// Close closes both indexes.
func (s *Store) Close() error {
	verr := s.vectors.Close()
	serr := s.structured.Close()
	if serr != nil {
		return serr
	}
	return verr
}
