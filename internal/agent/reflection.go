package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/smalltown/internal/inference"
	"github.com/nidhogg/smalltown/internal/memory"
	"github.com/nidhogg/smalltown/internal/prompts"
)

// Phase is the agent's cognitive phase, visible through the status API.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseSynthesizing Phase = "synthesizing"
)

// ReflectionConfig tunes when and how reflection fires.
type ReflectionConfig struct {
	Threshold   int   // cumulative importance that triggers a reflection
	TopK        int   // statements fed to the model
	MaxInsights int   // insights kept per reflection
	WindowTicks int64 // how far back to look for statements
}

// Reflector synthesizes higher-level insights once enough importance has
// accumulated. A transient failure keeps the accumulator and phase intact so
// the reflection fires again next tick.
type Reflector struct {
	client   inference.Client
	store    *memory.Store
	pipeline *Pipeline
	cfg      ReflectionConfig
	logger   *zap.Logger
}

// NewReflector builds a Reflector.
func NewReflector(client inference.Client, store *memory.Store, pipeline *Pipeline, cfg ReflectionConfig, logger *zap.Logger) *Reflector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 150
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 20
	}
	if cfg.MaxInsights <= 0 {
		cfg.MaxInsights = 3
	}
	if cfg.WindowTicks <= 0 {
		cfg.WindowTicks = 50
	}
	return &Reflector{client: client, store: store, pipeline: pipeline, cfg: cfg, logger: logger}
}

// Reflect gathers the agent's most important recent memories, asks the model
// for insights, and commits each insight as a reflection memory carrying the
// ids of the statements it was drawn from. Returns the committed records.
func (r *Reflector) Reflect(ctx context.Context, agentID, agentName string, tick int64) ([]*memory.Record, error) {
	statements, sourceIDs, err := r.gatherStatements(ctx, agentID, tick)
	if err != nil {
		return nil, err
	}
	if len(statements) == 0 {
		return nil, nil
	}

	prompt := prompts.ReflectionInput{
		AgentName:   agentName,
		Statements:  statements,
		MaxInsights: r.cfg.MaxInsights,
	}.Render()
	resp, err := r.client.GenerateText(ctx, prompt, inference.Options{})
	if err != nil {
		return nil, fmt.Errorf("generate insights: %w", err)
	}

	insights := parseInsights(resp, r.cfg.MaxInsights)
	if len(insights) == 0 {
		r.logger.Warn("no insights parsed from reflection response",
			zap.String("agent_id", agentID))
		return nil, nil
	}

	var out []*memory.Record
	for _, insight := range insights {
		rec, err := r.pipeline.Commit(ctx, agentID, memory.KindReflection, insight, sourceIDs, tick)
		if err != nil {
			return out, fmt.Errorf("commit insight: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// gatherStatements returns the top-K most important observations and
// reflections within the window, in chronological order.
func (r *Reflector) gatherStatements(ctx context.Context, agentID string, tick int64) ([]string, []int64, error) {
	since := tick - r.cfg.WindowTicks
	if since < 0 {
		since = 0
	}

	kinds := []memory.Kind{memory.KindObservation, memory.KindReflection}
	candidates, err := r.store.QueryByAgentAndKind(ctx, agentID, kinds, since)
	if err != nil {
		return nil, nil, fmt.Errorf("gather statements: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Importance != candidates[j].Importance {
			return candidates[i].Importance > candidates[j].Importance
		}
		return candidates[i].CreatedAtTick > candidates[j].CreatedAtTick
	})
	if len(candidates) > r.cfg.TopK {
		candidates = candidates[:r.cfg.TopK]
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAtTick < candidates[j].CreatedAtTick
	})

	statements := make([]string, len(candidates))
	sourceIDs := make([]int64, len(candidates))
	for i, rec := range candidates {
		statements[i] = rec.Text
		sourceIDs[i] = rec.ID
	}
	return statements, sourceIDs, nil
}

// parseInsights pulls "- " lines out of the response, capped at max. A
// response with no such lines yields the whole trimmed text as one insight.
func parseInsights(resp string, max int) []string {
	var out []string
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "- "); ok {
			rest = strings.TrimSpace(rest)
			if rest != "" {
				out = append(out, rest)
			}
		}
		if len(out) == max {
			break
		}
	}
	if len(out) == 0 {
		if trimmed := strings.TrimSpace(resp); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
