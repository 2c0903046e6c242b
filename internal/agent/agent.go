package agent

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/smalltown/internal/memory"
	"github.com/nidhogg/smalltown/internal/world"
)

// Deps bundles everything an agent needs to think.
type Deps struct {
	World     *world.World
	Perceiver *Perceiver
	Pipeline  *Pipeline
	Reflector *Reflector
	Planner   *Planner
	Logger    *zap.Logger
}

// Agent is one simulated inhabitant. Step drives its cognitive loop once per
// tick; internal state is guarded for the status API.
type Agent struct {
	ID   string
	Name string

	deps      Deps
	threshold int

	mu            sync.Mutex
	cumImportance int
	phase         Phase
	plan          *Plan
	lastTick      int64
}

// Snapshot is the agent state exposed by the status API.
type Snapshot struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Phase         Phase          `json:"phase"`
	CumImportance int            `json:"cum_importance"`
	Position      world.Position `json:"position"`
	Plan          *Plan          `json:"plan,omitempty"`
	LastTick      int64          `json:"last_tick"`
}

// New creates an agent. threshold is the cumulative importance that triggers
// reflection.
func New(id, name string, threshold int, deps Deps) *Agent {
	return &Agent{
		ID:        id,
		Name:      name,
		deps:      deps,
		threshold: threshold,
		phase:     PhaseIdle,
	}
}

// Step runs one tick of the cognitive loop: perceive, commit observations,
// retry pending embeddings, reflect if due, replan if due. A perception
// commit failure aborts the step; reflection and planning failures are
// logged and retried on a later tick.
func (a *Agent) Step(ctx context.Context, tick int64) error {
	a.mu.Lock()
	a.lastTick = tick
	a.mu.Unlock()

	if err := a.perceive(ctx, tick); err != nil {
		return err
	}

	if err := a.deps.Pipeline.EmbedPending(ctx, a.ID); err != nil {
		a.deps.Logger.Warn("embed pending failed",
			zap.String("agent_id", a.ID),
			zap.Error(err))
	}

	a.maybeReflect(ctx, tick)
	a.maybePlan(ctx, tick)
	return nil
}

func (a *Agent) perceive(ctx context.Context, tick int64) error {
	events := a.deps.World.Perceive(a.ID)
	for _, ev := range events {
		text, err := a.deps.Perceiver.Describe(ctx, a.Name, ev, tick)
		if err != nil {
			return fmt.Errorf("describe event: %w", err)
		}
		rec, err := a.deps.Pipeline.Commit(ctx, a.ID, memory.KindObservation, text, nil, tick)
		if err != nil {
			return fmt.Errorf("commit observation: %w", err)
		}
		a.mu.Lock()
		a.cumImportance += rec.Importance
		a.mu.Unlock()
	}
	return nil
}

// maybeReflect fires reflection once the importance accumulator crosses the
// threshold. The accumulator resets only after the whole reflection commits,
// so a transient failure leaves the trigger armed for the next tick.
func (a *Agent) maybeReflect(ctx context.Context, tick int64) {
	a.mu.Lock()
	due := a.cumImportance >= a.threshold
	if due {
		a.phase = PhaseSynthesizing
	}
	a.mu.Unlock()
	if !due {
		return
	}

	recs, err := a.deps.Reflector.Reflect(ctx, a.ID, a.Name, tick)
	if err != nil {
		a.deps.Logger.Warn("reflection deferred",
			zap.String("agent_id", a.ID),
			zap.Int64("tick", tick),
			zap.Error(err))
		return
	}
	if len(recs) == 0 {
		// Nothing committed (blank response or an empty statement window):
		// keep the accumulator armed rather than dropping the importance.
		a.deps.Logger.Warn("reflection produced no insights, trigger stays armed",
			zap.String("agent_id", a.ID),
			zap.Int64("tick", tick))
		return
	}

	a.mu.Lock()
	a.cumImportance = 0
	a.phase = PhaseIdle
	a.mu.Unlock()

	a.deps.Logger.Info("reflection complete",
		zap.String("agent_id", a.ID),
		zap.Int64("tick", tick),
		zap.Int("insights", len(recs)))
}

// maybePlan replans when the agent has no plan or the current plan is
// exhausted. A failed generation keeps the previous plan.
func (a *Agent) maybePlan(ctx context.Context, tick int64) {
	a.mu.Lock()
	due := a.plan == nil || planExhausted(a.plan, tick)
	a.mu.Unlock()
	if !due {
		return
	}

	state := a.currentState()
	plan, err := a.deps.Planner.MakePlan(ctx, a.ID, a.Name, state, tick)
	if err != nil {
		a.deps.Logger.Warn("planning deferred, keeping previous plan",
			zap.String("agent_id", a.ID),
			zap.Int64("tick", tick),
			zap.Error(err))
		return
	}

	a.mu.Lock()
	a.plan = plan
	a.mu.Unlock()
}

func planExhausted(plan *Plan, tick int64) bool {
	if len(plan.Steps) == 0 {
		return true
	}
	return plan.Steps[len(plan.Steps)-1].TargetTick <= tick
}

func (a *Agent) currentState() string {
	if pos, ok := a.deps.World.AgentPosition(a.ID); ok {
		return fmt.Sprintf("standing at (%d, %d)", pos.X, pos.Y)
	}
	return "somewhere in town"
}

// CurrentPlan returns the agent's active plan, nil if none yet.
func (a *Agent) CurrentPlan() *Plan {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.plan
}

// Snapshot captures the agent's state for the status API.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	pos, _ := a.deps.World.AgentPosition(a.ID)
	return Snapshot{
		ID:            a.ID,
		Name:          a.Name,
		Phase:         a.phase,
		CumImportance: a.cumImportance,
		Position:      pos,
		Plan:          a.plan,
		LastTick:      a.lastTick,
	}
}
