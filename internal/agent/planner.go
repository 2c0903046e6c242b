package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/smalltown/internal/inference"
	"github.com/nidhogg/smalltown/internal/memory"
	"github.com/nidhogg/smalltown/internal/prompts"
	"github.com/nidhogg/smalltown/internal/retrieval"
)

// PlanStep is one planned action scheduled for a future tick.
type PlanStep struct {
	Description string `json:"description"`
	TargetTick  int64  `json:"target_tick"`
}

// Plan is an ordered list of upcoming actions.
type Plan struct {
	CreatedAtTick int64      `json:"created_at_tick"`
	Steps         []PlanStep `json:"steps"`
}

// PlannerConfig tunes plan generation.
type PlannerConfig struct {
	Steps       int   // actions per plan
	StepEvery   int64 // ticks between consecutive actions
	TokenBudget int   // retrieval budget for planning context
}

// Planner produces plans grounded on retrieved memories. A failed generation
// keeps the agent's previous plan.
type Planner struct {
	client    inference.Client
	retriever *retrieval.Retriever
	pipeline  *Pipeline
	cfg       PlannerConfig
	logger    *zap.Logger
}

// NewPlanner builds a Planner.
func NewPlanner(client inference.Client, retriever *retrieval.Retriever, pipeline *Pipeline, cfg PlannerConfig, logger *zap.Logger) *Planner {
	if cfg.Steps <= 0 {
		cfg.Steps = 5
	}
	if cfg.StepEvery <= 0 {
		cfg.StepEvery = 2
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 1000
	}
	return &Planner{client: client, retriever: retriever, pipeline: pipeline, cfg: cfg, logger: logger}
}

// MakePlan retrieves planning context, asks the model for the next actions,
// and commits the accepted plan as a plan memory. The returned plan's steps
// are scheduled at fixed intervals after the current tick.
func (p *Planner) MakePlan(ctx context.Context, agentID, agentName, state string, tick int64) (*Plan, error) {
	res, err := p.retriever.Retrieve(ctx, retrieval.Query{
		AgentID:     agentID,
		QueryText:   fmt.Sprintf("what should %s do next", agentName),
		CurrentTick: tick,
		TokenBudget: p.cfg.TokenBudget,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve planning context: %w", err)
	}

	prompt := prompts.PlanningInput{
		AgentName: agentName,
		State:     state,
		Tick:      tick,
		Steps:     p.cfg.Steps,
		Context:   res.Context,
	}.Render()
	resp, err := p.client.GenerateText(ctx, prompt, inference.Options{})
	if err != nil {
		return nil, fmt.Errorf("generate plan: %w", err)
	}

	actions := parseActions(resp, p.cfg.Steps)
	if len(actions) == 0 {
		return nil, fmt.Errorf("no actions parsed from plan response")
	}

	plan := &Plan{CreatedAtTick: tick}
	for i, action := range actions {
		plan.Steps = append(plan.Steps, PlanStep{
			Description: action,
			TargetTick:  tick + int64(i+1)*p.cfg.StepEvery,
		})
	}

	text := renderPlanText(agentName, plan)
	if _, err := p.pipeline.Commit(ctx, agentID, memory.KindPlan, text, nil, tick); err != nil {
		p.logger.Warn("failed to commit plan memory",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
	return plan, nil
}

// parseActions pulls numbered action lines ("1. ...") out of the response,
// capped at max.
func parseActions(resp string, max int) []string {
	var out []string
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		dot := strings.Index(line, ".")
		if dot <= 0 {
			continue
		}
		if _, err := strconv.Atoi(line[:dot]); err != nil {
			continue
		}
		action := strings.TrimSpace(line[dot+1:])
		if action == "" {
			continue
		}
		out = append(out, action)
		if len(out) == max {
			break
		}
	}
	return out
}

func renderPlanText(agentName string, plan *Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s planned:", agentName)
	for _, step := range plan.Steps {
		fmt.Fprintf(&b, " [tick %d] %s;", step.TargetTick, step.Description)
	}
	return strings.TrimSuffix(b.String(), ";")
}
