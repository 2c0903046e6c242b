package world

import (
	"fmt"
	"sync"
)

// Relation tracks how well two agents know each other.
type Relation struct {
	Strength     float64 `json:"strength"`
	Interactions int     `json:"interactions"`
}

// RelationTracker keeps pairwise relationship strengths in memory. Strength
// grows on interaction and decays a little each tick.
type RelationTracker struct {
	mu        sync.Mutex
	relations map[string]*Relation
	boost     float64
	cap       float64
}

// NewRelationTracker creates a tracker with the given per-interaction boost.
func NewRelationTracker(boost float64) *RelationTracker {
	if boost <= 0 {
		boost = 0.1
	}
	return &RelationTracker{
		relations: make(map[string]*Relation),
		boost:     boost,
		cap:       1.0,
	}
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// RecordInteraction strengthens the relation between two agents.
func (t *RelationTracker) RecordInteraction(a, b string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := pairKey(a, b)
	rel, ok := t.relations[key]
	if !ok {
		rel = &Relation{}
		t.relations[key] = rel
	}
	rel.Interactions++
	rel.Strength += t.boost
	if rel.Strength > t.cap {
		rel.Strength = t.cap
	}
}

// Strength returns the current relation strength between two agents.
func (t *RelationTracker) Strength(a, b string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rel, ok := t.relations[pairKey(a, b)]; ok {
		return rel.Strength
	}
	return 0
}

// Summary describes the relation between two agents for use in prompts.
func (t *RelationTracker) Summary(aName, bName string, a, b string) string {
	strength := t.Strength(a, b)
	switch {
	case strength == 0:
		return fmt.Sprintf("%s and %s are strangers", aName, bName)
	case strength < 0.3:
		return fmt.Sprintf("%s and %s are acquaintances", aName, bName)
	case strength < 0.7:
		return fmt.Sprintf("%s and %s are friendly", aName, bName)
	default:
		return fmt.Sprintf("%s and %s are close friends", aName, bName)
	}
}

// DecaySweep weakens every relation by the given rate. Relations never decay
// below zero.
func (t *RelationTracker) DecaySweep(rate float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rel := range t.relations {
		rel.Strength *= (1 - rate)
		if rel.Strength < 0 {
			rel.Strength = 0
		}
	}
}
