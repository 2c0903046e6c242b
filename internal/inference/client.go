// Package inference talks to the local model-serving process for text
// generation, vision-grounded generation, and importance scoring.
package inference

import (
	"context"
	"errors"
	"time"
)

// ErrInferenceUnavailable marks a call that exhausted its retry budget.
// Transient; callers may retry at a coarser granularity (e.g. next tick).
var ErrInferenceUnavailable = errors.New("inference service unavailable")

// Options tunes a single generation call.
type Options struct {
	System      string
	Temperature float64
	MaxTokens   int
}

// Client is the gateway interface for LLM cognition.
type Client interface {
	// GenerateText produces a completion for the prompt.
	GenerateText(ctx context.Context, prompt string, opts Options) (string, error)

	// GenerateWithVision produces a completion grounded on a local image.
	GenerateWithVision(ctx context.Context, prompt, imagePath string, opts Options) (string, error)

	// ScoreImportance rates a memory's poignancy on a 1-10 integer scale.
	// A response that cannot be parsed is retried once, then defaults to
	// the neutral score 5; parse failures never surface to the caller.
	ScoreImportance(ctx context.Context, memoryText string) (int, error)

	// EnsureModel verifies the configured model is available. Used as the
	// startup health check.
	EnsureModel(ctx context.Context) error

	Close() error
}

// Config holds gateway settings.
type Config struct {
	Endpoint      string        // e.g. http://localhost:11434
	Model         string        // generation model identifier
	Timeout       time.Duration // per-attempt deadline
	MaxAttempts   int           // retry cap per call
	Backoff       time.Duration // base backoff, doubled per attempt
	MaxConcurrent int64         // in-flight call bound across all agents
}

// neutralScore is the documented fallback when the model's importance
// response cannot be parsed after one retry.
const neutralScore = 5
