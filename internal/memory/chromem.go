package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemIndex is the default VectorIndex, an embedded vector database
// persisted to a local directory. Each agent gets its own collection.
type ChromemIndex struct {
	db *chromem.DB

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// NewChromemIndex opens (or creates) a persistent vector database at path.
func NewChromemIndex(path string) (*ChromemIndex, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("chromem open %s: %w", path, err)
	}
	return &ChromemIndex{
		db:          db,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// Vectors are always supplied by the caller, never computed here.
func noEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("chromem index does not compute embeddings")
}

func (c *ChromemIndex) collection(agentID string) (*chromem.Collection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.collections[agentID]; ok {
		return col, nil
	}
	col, err := c.db.GetOrCreateCollection("agent-"+agentID, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("chromem collection for %s: %w", agentID, err)
	}
	c.collections[agentID] = col
	return col, nil
}

// Upsert stores a vector for the given record.
func (c *ChromemIndex) Upsert(ctx context.Context, agentID string, id int64, vector []float32, createdAtTick int64) error {
	col, err := c.collection(agentID)
	if err != nil {
		return err
	}
	err = col.AddDocument(ctx, chromem.Document{
		ID:        strconv.FormatInt(id, 10),
		Embedding: vector,
		Content:   strconv.FormatInt(id, 10),
		Metadata: map[string]string{
			"created_at_tick": strconv.FormatInt(createdAtTick, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("chromem upsert %s/%d: %w", agentID, id, err)
	}
	return nil
}

// Search returns up to k nearest neighbors for the agent, best first.
func (c *ChromemIndex) Search(ctx context.Context, agentID string, vector []float32, k int) ([]VectorHit, error) {
	col, err := c.collection(agentID)
	if err != nil {
		return nil, err
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}
	results, err := col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem search %s: %w", agentID, err)
	}
	hits := make([]VectorHit, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chromem result id %q: %w", r.ID, err)
		}
		hits = append(hits, VectorHit{ID: id, Score: r.Similarity})
	}
	return hits, nil
}

// Close is a no-op; chromem persists on write.
func (c *ChromemIndex) Close() error {
	return nil
}
