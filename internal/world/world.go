// Package world holds the shared grid environment the agents move through.
package world

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
)

// Position is a cell on the grid.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Object is a fixed feature of the environment.
type Object struct {
	Name     string   `json:"name"`
	Pos      Position `json:"pos"`
	ImageRef string   `json:"image_ref,omitempty"`
}

// Event is one thing an agent notices during perception. ImageRef points at
// a local image file when the event has a visual component.
type Event struct {
	Text     string
	ImageRef string
}

// Config sizes the grid and the perception radius.
type Config struct {
	Width            int
	Height           int
	PerceptionRadius int
}

// World is a bounded grid of agents and objects. All methods are safe for
// concurrent use.
type World struct {
	cfg Config
	rng *rand.Rand

	mu      sync.RWMutex
	agents  map[string]Position
	names   map[string]string
	objects []Object
}

// New creates an empty world.
func New(cfg Config, seed int64) *World {
	return &World{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(seed)),
		agents: make(map[string]Position),
		names:  make(map[string]string),
	}
}

// AddAgent places an agent at a random cell.
func (w *World) AddAgent(id, name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.agents[id] = Position{X: w.rng.Intn(w.cfg.Width), Y: w.rng.Intn(w.cfg.Height)}
	w.names[id] = name
}

// AddObject places a fixed object.
func (w *World) AddObject(obj Object) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.objects = append(w.objects, obj)
}

// Step advances the environment one tick: each agent takes a random step,
// clamped to the grid.
func (w *World) Step() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, pos := range w.agents {
		pos.X = clamp(pos.X+w.rng.Intn(3)-1, 0, w.cfg.Width-1)
		pos.Y = clamp(pos.Y+w.rng.Intn(3)-1, 0, w.cfg.Height-1)
		w.agents[id] = pos
	}
}

// Perceive returns what an agent notices this tick. There is always at least
// one event: the agent's own situation. Nearby agents and objects within the
// perception radius add more.
func (w *World) Perceive(agentID string) []Event {
	w.mu.RLock()
	defer w.mu.RUnlock()

	self, ok := w.agents[agentID]
	if !ok {
		return nil
	}
	name := w.names[agentID]

	events := []Event{{
		Text: fmt.Sprintf("%s is at (%d, %d), looking around the town", name, self.X, self.Y),
	}}

	for _, otherID := range w.sortedAgentIDs() {
		if otherID == agentID {
			continue
		}
		pos := w.agents[otherID]
		if chebyshev(self, pos) <= w.cfg.PerceptionRadius {
			events = append(events, Event{
				Text: fmt.Sprintf("%s sees %s nearby at (%d, %d)", name, w.names[otherID], pos.X, pos.Y),
			})
		}
	}

	for _, obj := range w.objects {
		if chebyshev(self, obj.Pos) <= w.cfg.PerceptionRadius {
			events = append(events, Event{
				Text:     fmt.Sprintf("%s notices the %s", name, obj.Name),
				ImageRef: obj.ImageRef,
			})
		}
	}
	return events
}

// CoLocated returns each unordered pair of agents standing on the same cell,
// in a deterministic order.
func (w *World) CoLocated() [][2]string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	ids := w.sortedAgentIDs()
	var pairs [][2]string
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if w.agents[ids[i]] == w.agents[ids[j]] {
				pairs = append(pairs, [2]string{ids[i], ids[j]})
			}
		}
	}
	return pairs
}

// AgentPosition returns the current position of an agent.
func (w *World) AgentPosition(agentID string) (Position, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	pos, ok := w.agents[agentID]
	return pos, ok
}

// NameOf returns the display name of an agent.
func (w *World) NameOf(agentID string) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.names[agentID]
}

func (w *World) sortedAgentIDs() []string {
	ids := make([]string, 0, len(w.agents))
	for id := range w.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func chebyshev(a, b Position) int {
	dx := abs(a.X - b.X)
	dy := abs(a.Y - b.Y)
	if dx > dy {
		return dx
	}
	return dy
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
