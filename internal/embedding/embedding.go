// Package embedding produces vector embeddings for memory text.
package embedding

import (
	"context"
	"errors"
	"sync"
)

// ErrEmbeddingUnavailable marks a batch that exhausted its retry budget.
// The failure is scoped to that batch only; records stay unembedded and are
// re-attempted on a later tick.
var ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api" or "local"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// dimCache remembers the vector dimension observed on the first successful
// call, falling back to a configured default before that.
type dimCache struct {
	configured int
	once       sync.Once
	observed   int
}

func (d *dimCache) record(vectors [][]float32) {
	if len(vectors) > 0 && len(vectors[0]) > 0 {
		d.once.Do(func() { d.observed = len(vectors[0]) })
	}
}

func (d *dimCache) value() int {
	if d.observed > 0 {
		return d.observed
	}
	return d.configured
}
