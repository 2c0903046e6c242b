// Package prompts holds the fixed set of prompt flows used by the cognitive
// loop. Each flow carries its own structured input type and renders to plain
// text; nothing is resolved by string lookup at runtime.
package prompts

import (
	"fmt"
	"strings"
)

// Flow identifies one of the prompt flows the simulation issues to the
// inference service.
type Flow int

const (
	FlowPerception Flow = iota
	FlowPoignancy
	FlowReflection
	FlowPlanning
	FlowDialogue
)

// String returns the flow name for logging.
func (f Flow) String() string {
	switch f {
	case FlowPerception:
		return "perception"
	case FlowPoignancy:
		return "poignancy"
	case FlowReflection:
		return "reflection"
	case FlowPlanning:
		return "planning"
	case FlowDialogue:
		return "dialogue"
	}
	return "unknown"
}

// PerceptionInput describes a scene for vision-grounded perception.
type PerceptionInput struct {
	AgentName string
}

func (in PerceptionInput) Render() string {
	return fmt.Sprintf(
		"Describe this scene for %s, an autonomous social simulation agent. "+
			"Include salient entities, likely activities, and changes from routine context in concise plain text.",
		in.AgentName)
}

// PoignancyInput asks the model to rate a memory's importance.
type PoignancyInput struct {
	MemoryText string
}

func (in PoignancyInput) Render() string {
	return "Rate the emotional/cognitive importance of the memory from 1 to 10. " +
		"Return only JSON with key 'score'.\n" +
		"Memory: " + in.MemoryText
}

// ReflectionInput asks for higher-level insights over recent memories.
type ReflectionInput struct {
	AgentName   string
	Statements  []string
	MaxInsights int
}

func (in ReflectionInput) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Here are recent memories of %s:\n", in.AgentName)
	for i, s := range in.Statements {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	fmt.Fprintf(&b,
		"\nWhat %d high-level insights can you infer from the statements above? "+
			"Answer with one insight per line, each line starting with '- '.",
		in.MaxInsights)
	return b.String()
}

// PlanningInput asks for an ordered action plan.
type PlanningInput struct {
	AgentName string
	State     string
	Tick      int64
	Steps     int
	Context   string
}

func (in PlanningInput) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s. Current state: %s. Simulated time: tick %d.\n", in.AgentName, in.State, in.Tick)
	if in.Context != "" {
		b.WriteString("Relevant memories:\n")
		b.WriteString(in.Context)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b,
		"Produce a plan of %d concrete next actions, in order. "+
			"Answer with one action per line, numbered '1.' through '%d.'.",
		in.Steps, in.Steps)
	return b.String()
}

// DialogueInput asks for the next utterance in a two-party conversation.
type DialogueInput struct {
	SpeakerName  string
	ListenerName string
	Relationship string
	Context      string
	History      []string
	EndMarker    string
	LastTurn     bool
}

func (in DialogueInput) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, talking with %s.\n", in.SpeakerName, in.ListenerName)
	if in.Relationship != "" {
		fmt.Fprintf(&b, "Your relationship: %s\n", in.Relationship)
	}
	if in.Context != "" {
		b.WriteString("What you remember about them:\n")
		b.WriteString(in.Context)
		b.WriteString("\n")
	}
	if len(in.History) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, h := range in.History {
			b.WriteString(h)
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "Reply with your next utterance only. To stop talking, include %q in your reply.", in.EndMarker)
	if in.LastTurn {
		b.WriteString(" This is the final turn, say goodbye.")
	}
	return b.String()
}
