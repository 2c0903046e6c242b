package embedding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// GatewayConfig tunes retry and concurrency behavior.
type GatewayConfig struct {
	MaxAttempts   int
	Backoff       time.Duration // base backoff, doubled per attempt
	MaxConcurrent int64
}

// Gateway wraps a Provider with whole-batch retry and a shared concurrency
// bound. It is the only embedding surface the rest of the system calls.
type Gateway struct {
	provider Provider
	cfg      GatewayConfig
	sem      *semaphore.Weighted
	logger   *zap.Logger
}

// NewGateway creates a Gateway over the given provider.
func NewGateway(provider Provider, cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Gateway{
		provider: provider,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:   logger,
	}
}

// EmbedBatch returns one vector per input text, in input order. The whole
// batch is retried on failure up to the attempt cap; a terminal failure
// wraps ErrEmbeddingUnavailable and affects this batch only.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("embedding: acquire slot: %w", err)
	}
	defer g.sem.Release(1)

	var lastErr error
	backoff := g.cfg.Backoff
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		vectors, err := g.provider.Embed(ctx, texts)
		if err == nil {
			if len(vectors) != len(texts) {
				return nil, fmt.Errorf("embedding: got %d vectors for %d texts", len(vectors), len(texts))
			}
			return vectors, nil
		}
		lastErr = err
		g.logger.Warn("embedding batch attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("batch_size", len(texts)),
			zap.Error(err))

		if attempt == g.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("embedding: %w: %v", ErrEmbeddingUnavailable, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("embedding: %w: %v", ErrEmbeddingUnavailable, lastErr)
}

// Dimension returns the provider's vector dimension.
func (g *Gateway) Dimension() int {
	return g.provider.Dimension()
}
