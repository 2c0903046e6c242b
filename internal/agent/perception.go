package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/smalltown/internal/inference"
	"github.com/nidhogg/smalltown/internal/prompts"
	"github.com/nidhogg/smalltown/internal/world"
)

// Perceiver turns world events into memory text. Events with an image go
// through the vision model; repeated images within the glance interval reuse
// the cached description.
type Perceiver struct {
	client      inference.Client
	glanceTicks int64
	logger      *zap.Logger

	mu    sync.Mutex
	cache map[string]visionEntry
}

type visionEntry struct {
	description string
	tick        int64
}

// NewPerceiver builds a Perceiver. glanceTicks controls how long a cached
// scene description stays fresh.
func NewPerceiver(client inference.Client, glanceTicks int64, logger *zap.Logger) *Perceiver {
	if glanceTicks <= 0 {
		glanceTicks = 10
	}
	return &Perceiver{
		client:      client,
		glanceTicks: glanceTicks,
		logger:      logger,
		cache:       make(map[string]visionEntry),
	}
}

// Describe renders one event as observation text. Text-only events pass
// through unchanged; image events are described by the vision model.
func (p *Perceiver) Describe(ctx context.Context, agentName string, ev world.Event, tick int64) (string, error) {
	if ev.ImageRef == "" {
		return ev.Text, nil
	}

	key, err := p.imageKey(ev.ImageRef)
	if err != nil {
		p.logger.Warn("unreadable scene image, keeping text event",
			zap.String("image", ev.ImageRef),
			zap.Error(err))
		return ev.Text, nil
	}

	p.mu.Lock()
	entry, ok := p.cache[key]
	p.mu.Unlock()
	if ok && tick-entry.tick < p.glanceTicks {
		return ev.Text + ". " + entry.description, nil
	}

	prompt := prompts.PerceptionInput{AgentName: agentName}.Render()
	desc, err := p.client.GenerateWithVision(ctx, prompt, ev.ImageRef, inference.Options{})
	if err != nil {
		return "", fmt.Errorf("describe scene: %w", err)
	}

	p.mu.Lock()
	p.cache[key] = visionEntry{description: desc, tick: tick}
	p.mu.Unlock()

	return ev.Text + ". " + desc, nil
}

func (p *Perceiver) imageKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
