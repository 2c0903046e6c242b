// Package retrieval ranks an agent's memories against a query and packs the
// winners into a token budget.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/smalltown/internal/memory"
)

// Weights blend the three ranking signals. They should sum to 1.
type Weights struct {
	Relevance  float64
	Recency    float64
	Importance float64
}

// Config tunes the retriever.
type Config struct {
	TopN      int
	Weights   Weights
	DecayRate float64
}

// Query asks for memories relevant to a piece of text at a point in time.
type Query struct {
	AgentID     string
	QueryText   string
	CurrentTick int64
	TokenBudget int
}

// Result is the retrieved context: the included records, the rendered
// context block, and its estimated cost.
type Result struct {
	Records    []*memory.Record
	Context    string
	TokensUsed int
}

// Store is the slice of the memory store the retriever needs.
type Store interface {
	NearestNeighbors(ctx context.Context, agentID string, vector []float32, k int) ([]memory.ScoredRecord, error)
	UpdateLastAccessed(ctx context.Context, agentID string, ids []int64, tick int64) error
}

// Embedder turns query text into a vector.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever runs the retrieve-rank-pack pipeline.
type Retriever struct {
	store    Store
	embedder Embedder
	cfg      Config
	logger   *zap.Logger
}

// NewRetriever builds a Retriever.
func NewRetriever(store Store, embedder Embedder, cfg Config, logger *zap.Logger) *Retriever {
	if cfg.TopN <= 0 {
		cfg.TopN = 30
	}
	return &Retriever{store: store, embedder: embedder, cfg: cfg, logger: logger}
}

// EstimateTokens approximates the token cost of text at four characters per
// token, rounded up, never less than one.
func EstimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// CompositeScore blends normalized similarity, exponential recency decay on
// last access, and normalized importance.
func CompositeScore(similarity float64, rec *memory.Record, currentTick int64, w Weights, decayRate float64) float64 {
	norm := (similarity + 1) / 2
	if norm < 0 {
		norm = 0
	}
	if norm > 1 {
		norm = 1
	}

	age := float64(currentTick - rec.LastAccessedTick)
	if age < 0 {
		age = 0
	}
	recency := math.Exp(-decayRate * age)

	importance := float64(rec.Importance) / 10

	return w.Relevance*norm + w.Recency*recency + w.Importance*importance
}

// Retrieve embeds the query, pulls the top-N nearest memories, re-ranks them
// by composite score, and greedily packs them into the token budget. Packing
// stops at the first record that does not fit. Included records get their
// last-accessed tick bumped to the current tick.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (*Result, error) {
	vectors, err := r.embedder.EmbedBatch(ctx, []string{q.QueryText})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	scored, err := r.store.NearestNeighbors(ctx, q.AgentID, vectors[0], r.cfg.TopN)
	if err != nil {
		return nil, fmt.Errorf("nearest neighbors: %w", err)
	}
	if len(scored) == 0 {
		return &Result{}, nil
	}

	ranked := r.rank(scored, q.CurrentTick)

	var (
		sb       strings.Builder
		included []*memory.Record
		ids      []int64
		used     int
	)
	for _, rec := range ranked {
		line := "- " + rec.Text + "\n"
		cost := EstimateTokens(line)
		if used+cost > q.TokenBudget {
			break
		}
		sb.WriteString(line)
		used += cost
		included = append(included, rec)
		ids = append(ids, rec.ID)
	}

	if len(ids) > 0 {
		if err := r.store.UpdateLastAccessed(ctx, q.AgentID, ids, q.CurrentTick); err != nil {
			r.logger.Warn("failed to bump last accessed ticks",
				zap.String("agent_id", q.AgentID),
				zap.Error(err))
		}
	}

	return &Result{
		Records:    included,
		Context:    sb.String(),
		TokensUsed: used,
	}, nil
}

type rankedRecord struct {
	rec   *memory.Record
	score float64
}

func (r *Retriever) rank(scored []memory.ScoredRecord, currentTick int64) []*memory.Record {
	ranked := make([]rankedRecord, 0, len(scored))
	for _, s := range scored {
		ranked = append(ranked, rankedRecord{
			rec:   s.Record,
			score: CompositeScore(float64(s.Similarity), s.Record, currentTick, r.cfg.Weights, r.cfg.DecayRate),
		})
	}
	// stable sort keeps ties in similarity order from the store
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})
	out := make([]*memory.Record, len(ranked))
	for i, rr := range ranked {
		out[i] = rr.rec
	}
	return out
}
