// Package agent implements the per-agent cognitive loop: perceive, remember,
// reflect, plan.
package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/smalltown/internal/memory"
)

// Embedder is the slice of the embedding gateway the pipeline needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Scorer rates a memory's importance.
type Scorer interface {
	ScoreImportance(ctx context.Context, memoryText string) (int, error)
}

// Pipeline commits new memories: score, insert, embed. Embedding failure is
// tolerated; the record stays pending and is retried on a later tick.
type Pipeline struct {
	store    *memory.Store
	scorer   Scorer
	embedder Embedder
	logger   *zap.Logger
}

// NewPipeline builds a memory commit pipeline.
func NewPipeline(store *memory.Store, scorer Scorer, embedder Embedder, logger *zap.Logger) *Pipeline {
	return &Pipeline{store: store, scorer: scorer, embedder: embedder, logger: logger}
}

// Commit scores and persists one memory. The importance score is obtained
// before insert and never changes afterwards. Embedding is attempted once,
// best effort; failure leaves the record pending.
func (p *Pipeline) Commit(ctx context.Context, agentID string, kind memory.Kind, text string, sourceIDs []int64, tick int64) (*memory.Record, error) {
	score, err := p.scorer.ScoreImportance(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("score memory: %w", err)
	}

	rec := &memory.Record{
		AgentID:       agentID,
		Kind:          kind,
		Text:          text,
		CreatedAtTick: tick,
		Importance:    score,
		SourceIDs:     sourceIDs,
	}
	if err := p.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}

	vectors, err := p.embedder.EmbedBatch(ctx, []string{text})
	if err != nil {
		p.logger.Warn("embedding deferred, record stays pending",
			zap.String("agent_id", agentID),
			zap.Int64("record_id", rec.ID),
			zap.Error(err))
		return rec, nil
	}
	if err := p.store.SetEmbedding(ctx, agentID, rec.ID, vectors[0]); err != nil {
		p.logger.Warn("failed to attach embedding",
			zap.String("agent_id", agentID),
			zap.Int64("record_id", rec.ID),
			zap.Error(err))
	}
	return rec, nil
}

// EmbedPending retries embedding for every record of the agent still waiting
// for a vector. One failed batch leaves all of them pending for next time.
func (p *Pipeline) EmbedPending(ctx context.Context, agentID string) error {
	pending, err := p.store.PendingEmbedding(ctx, agentID)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	texts := make([]string, len(pending))
	for i, rec := range pending {
		texts[i] = rec.Text
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		p.logger.Warn("pending embeddings still deferred",
			zap.String("agent_id", agentID),
			zap.Int("count", len(pending)),
			zap.Error(err))
		return nil
	}

	for i, rec := range pending {
		if err := p.store.SetEmbedding(ctx, agentID, rec.ID, vectors[i]); err != nil {
			p.logger.Warn("failed to attach pending embedding",
				zap.String("agent_id", agentID),
				zap.Int64("record_id", rec.ID),
				zap.Error(err))
		}
	}
	return nil
}
