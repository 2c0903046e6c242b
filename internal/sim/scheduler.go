// Package sim drives the simulation: lockstep ticks over the world, the
// agents, and opportunistic dialogue.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nidhogg/smalltown/internal/agent"
	"github.com/nidhogg/smalltown/internal/dialogue"
	"github.com/nidhogg/smalltown/internal/world"
)

// relationDecayRate is the per-tick decay applied to relationship strengths.
const relationDecayRate = 0.005

// Config tunes the scheduler.
type Config struct {
	TotalTicks             int64
	TickInterval           time.Duration
	TickTimeout            time.Duration
	MaxConcurrentAgents    int64
	MaxConsecutiveFailures int
}

// Scheduler advances the simulation one tick at a time. Within a tick the
// agents think concurrently under a semaphore; dialogue runs sequentially
// afterwards. An agent failing a step is skipped for that tick; crossing the
// consecutive-failure cap aborts the run.
type Scheduler struct {
	agents    []*agent.Agent
	world     *world.World
	dialogue  *dialogue.Engine
	relations *world.RelationTracker
	cfg       Config
	logger    *zap.Logger

	mu       sync.Mutex
	tick     int64
	failures map[string]int
}

// New builds a Scheduler.
func New(agents []*agent.Agent, w *world.World, d *dialogue.Engine, relations *world.RelationTracker, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.MaxConcurrentAgents <= 0 {
		cfg.MaxConcurrentAgents = 4
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 60 * time.Second
	}
	return &Scheduler{
		agents:    agents,
		world:     w,
		dialogue:  d,
		relations: relations,
		cfg:       cfg,
		logger:    logger,
		failures:  make(map[string]int),
	}
}

// Run executes the configured number of ticks. It returns early on context
// cancellation or when an agent crosses the consecutive-failure cap.
func (s *Scheduler) Run(ctx context.Context) error {
	for t := int64(1); t <= s.cfg.TotalTicks; t++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.setTick(t)

		if err := s.runTick(ctx, t); err != nil {
			s.dumpAgentStates()
			return err
		}

		if s.cfg.TickInterval > 0 && t < s.cfg.TotalTicks {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.TickInterval):
			}
		}
	}
	s.logger.Info("simulation finished", zap.Int64("ticks", s.cfg.TotalTicks))
	return nil
}

func (s *Scheduler) runTick(ctx context.Context, tick int64) error {
	s.world.Step()

	sem := semaphore.NewWeighted(s.cfg.MaxConcurrentAgents)
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range s.agents {
		a := a
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			stepCtx, cancel := context.WithTimeout(gctx, s.cfg.TickTimeout)
			defer cancel()
			if err := a.Step(stepCtx, tick); err != nil {
				return s.recordFailure(a, tick, err)
			}
			s.recordSuccess(a)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.relations.DecaySweep(relationDecayRate)
	s.runDialogues(ctx, tick)
	return nil
}

// recordFailure skips the agent for this tick unless its consecutive-failure
// count crosses the cap, in which case the whole run aborts.
func (s *Scheduler) recordFailure(a *agent.Agent, tick int64, err error) error {
	s.mu.Lock()
	s.failures[a.ID]++
	count := s.failures[a.ID]
	s.mu.Unlock()

	if count >= s.cfg.MaxConsecutiveFailures {
		return fmt.Errorf("agent %s failed %d consecutive ticks: %w", a.ID, count, err)
	}
	s.logger.Warn("agent step failed, skipping this tick",
		zap.String("agent_id", a.ID),
		zap.Int64("tick", tick),
		zap.Int("consecutive_failures", count),
		zap.Error(err))
	return nil
}

func (s *Scheduler) recordSuccess(a *agent.Agent) {
	s.mu.Lock()
	s.failures[a.ID] = 0
	s.mu.Unlock()
}

// runDialogues starts one conversation per co-located pair, sequentially so
// conversations never interleave. A failed conversation is logged and the
// pair tries again when next co-located.
func (s *Scheduler) runDialogues(ctx context.Context, tick int64) {
	for _, pair := range s.world.CoLocated() {
		a := dialogue.Speaker{ID: pair[0], Name: s.world.NameOf(pair[0])}
		b := dialogue.Speaker{ID: pair[1], Name: s.world.NameOf(pair[1])}
		if _, err := s.dialogue.Converse(ctx, a, b, tick); err != nil {
			s.logger.Warn("conversation failed",
				zap.String("a", a.ID),
				zap.String("b", b.ID),
				zap.Int64("tick", tick),
				zap.Error(err))
		}
	}
}

func (s *Scheduler) setTick(t int64) {
	s.mu.Lock()
	s.tick = t
	s.mu.Unlock()
}

// CurrentTick returns the tick being processed.
func (s *Scheduler) CurrentTick() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// TotalTicks returns the configured run length.
func (s *Scheduler) TotalTicks() int64 {
	return s.cfg.TotalTicks
}

// Snapshots returns the current state of every agent.
func (s *Scheduler) Snapshots() []agent.Snapshot {
	out := make([]agent.Snapshot, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.Snapshot())
	}
	return out
}

func (s *Scheduler) dumpAgentStates() {
	for _, snap := range s.Snapshots() {
		s.logger.Error("agent state at abort",
			zap.String("agent_id", snap.ID),
			zap.String("name", snap.Name),
			zap.String("phase", string(snap.Phase)),
			zap.Int("cum_importance", snap.CumImportance),
			zap.Int64("last_tick", snap.LastTick))
	}
}
