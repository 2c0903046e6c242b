package sim

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/nidhogg/smalltown/internal/agent"
	"github.com/nidhogg/smalltown/internal/dialogue"
	"github.com/nidhogg/smalltown/internal/inference"
	"github.com/nidhogg/smalltown/internal/memory"
	"github.com/nidhogg/smalltown/internal/retrieval"
	"github.com/nidhogg/smalltown/internal/world"
)

// stubClient serves every flow with fixed responses; scoring can be failed
// to simulate an inference outage.
type stubClient struct {
	scoreErr error
}

func (s *stubClient) GenerateText(ctx context.Context, prompt string, opts inference.Options) (string, error) {
	if strings.Contains(prompt, "plan of") {
		return "1. wander the square\n2. greet a neighbor", nil
	}
	if strings.Contains(prompt, "utterance") {
		return "Nice weather today. [end]", nil
	}
	return "- the town is calm", nil
}

func (s *stubClient) GenerateWithVision(ctx context.Context, prompt, imagePath string, opts inference.Options) (string, error) {
	return "a plain scene", nil
}

func (s *stubClient) ScoreImportance(ctx context.Context, memoryText string) (int, error) {
	if s.scoreErr != nil {
		return 0, s.scoreErr
	}
	return 3, nil
}

func (s *stubClient) EnsureModel(ctx context.Context) error { return nil }
func (s *stubClient) Close() error                          { return nil }

type stubEmbedder struct{}

func (stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0.5}
	}
	return out, nil
}

type harness struct {
	scheduler *Scheduler
	client    *stubClient
	store     *memory.Store
}

func newHarness(t *testing.T, agentCount int, gridSize int, ticks int64) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	dir := t.TempDir()
	structured, err := memory.NewSQLiteIndex(filepath.Join(dir, "memories.db"))
	if err != nil {
		t.Fatalf("sqlite index: %v", err)
	}
	vectors, err := memory.NewChromemIndex(filepath.Join(dir, "vectors"))
	if err != nil {
		t.Fatalf("chromem index: %v", err)
	}
	store := memory.NewStore(structured, vectors, logger)
	t.Cleanup(func() { store.Close() })

	client := &stubClient{}
	embedder := stubEmbedder{}
	w := world.New(world.Config{Width: gridSize, Height: gridSize, PerceptionRadius: 1}, 7)
	relations := world.NewRelationTracker(0.1)

	pipe := agent.NewPipeline(store, client, embedder, logger)
	refl := agent.NewReflector(client, store, pipe, agent.ReflectionConfig{
		Threshold: 1000, TopK: 20, MaxInsights: 3, WindowTicks: 50,
	}, logger)
	retriever := retrieval.NewRetriever(store, embedder, retrieval.Config{
		TopN:      10,
		Weights:   retrieval.Weights{Relevance: 0.5, Recency: 0.3, Importance: 0.2},
		DecayRate: 0.015,
	}, logger)
	planner := agent.NewPlanner(client, retriever, pipe, agent.PlannerConfig{
		Steps: 2, StepEvery: 100, TokenBudget: 500,
	}, logger)

	names := []string{"Alice", "Bob", "Cara", "Dev"}
	var agents []*agent.Agent
	for i := 0; i < agentCount; i++ {
		id := names[i%len(names)]
		w.AddAgent(id, id)
		agents = append(agents, agent.New(id, id, 1000, agent.Deps{
			World:     w,
			Perceiver: agent.NewPerceiver(client, 10, logger),
			Pipeline:  pipe,
			Reflector: refl,
			Planner:   planner,
			Logger:    logger,
		}))
	}

	engine := dialogue.NewEngine(client, retriever, pipe, relations, dialogue.Config{
		MaxTurns: 4, TokenBudget: 500,
	}, logger)

	sched := New(agents, w, engine, relations, Config{
		TotalTicks:             ticks,
		TickInterval:           0,
		TickTimeout:            5 * time.Second,
		MaxConcurrentAgents:    2,
		MaxConsecutiveFailures: 3,
	}, logger)

	return &harness{scheduler: sched, client: client, store: store}
}

func TestRunAdvancesAllTicks(t *testing.T) {
	h := newHarness(t, 2, 10, 5)
	if err := h.scheduler.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.scheduler.CurrentTick(); got != 5 {
		t.Errorf("current tick = %d, want 5", got)
	}

	// every agent observed something every tick
	for _, id := range []string{"Alice", "Bob"} {
		recs, err := h.store.QueryByAgentAndKind(context.Background(), id, []memory.Kind{memory.KindObservation}, 0)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(recs) < 5 {
			t.Errorf("agent %s has %d observations over 5 ticks", id, len(recs))
		}
	}
}

func TestRunEscalatesAfterConsecutiveFailures(t *testing.T) {
	h := newHarness(t, 1, 10, 100)
	h.client.scoreErr = errors.New("inference down")

	err := h.scheduler.Run(context.Background())
	if err == nil {
		t.Fatal("expected escalation error")
	}
	if !strings.Contains(err.Error(), "consecutive") {
		t.Errorf("unexpected error: %v", err)
	}
	// aborted at the failure cap, well before the full run
	if got := h.scheduler.CurrentTick(); got != 3 {
		t.Errorf("aborted at tick %d, want 3", got)
	}
}

func TestRunRecoversFromTransientFailures(t *testing.T) {
	h := newHarness(t, 1, 10, 4)
	h.client.scoreErr = errors.New("inference down")

	// fail the first two ticks by hand, then clear the fault
	ctx := context.Background()
	if err := h.scheduler.runTick(ctx, 1); err != nil {
		t.Fatalf("tick 1 escalated early: %v", err)
	}
	if err := h.scheduler.runTick(ctx, 2); err != nil {
		t.Fatalf("tick 2 escalated early: %v", err)
	}
	h.client.scoreErr = nil
	if err := h.scheduler.runTick(ctx, 3); err != nil {
		t.Fatalf("tick 3: %v", err)
	}
	// counter reset on success; two more failures stay under the cap
	h.client.scoreErr = errors.New("inference down")
	if err := h.scheduler.runTick(ctx, 4); err != nil {
		t.Fatalf("tick 4 escalated after counter reset: %v", err)
	}
}

func TestRunDialogueBetweenCoLocatedAgents(t *testing.T) {
	// a 1x1 grid keeps both agents on the same cell every tick
	h := newHarness(t, 2, 1, 2)
	if err := h.scheduler.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, id := range []string{"Alice", "Bob"} {
		recs, err := h.store.QueryByAgentAndKind(context.Background(), id, []memory.Kind{memory.KindDialogueTurn}, 0)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if len(recs) == 0 {
			t.Errorf("agent %s has no dialogue memories despite co-location", id)
		}
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	h := newHarness(t, 1, 10, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.scheduler.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
