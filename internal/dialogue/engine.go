// Package dialogue runs turn-based conversations between co-located agents.
package dialogue

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/smalltown/internal/inference"
	"github.com/nidhogg/smalltown/internal/memory"
	"github.com/nidhogg/smalltown/internal/prompts"
	"github.com/nidhogg/smalltown/internal/retrieval"
)

// EndMarker ends a conversation when it appears in an utterance.
const EndMarker = "[end]"

// Speaker identifies one conversation participant.
type Speaker struct {
	ID   string
	Name string
}

// Recorder commits dialogue turns to an agent's memory stream.
type Recorder interface {
	Commit(ctx context.Context, agentID string, kind memory.Kind, text string, sourceIDs []int64, tick int64) (*memory.Record, error)
}

// Retriever fetches conversation context for a speaker.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Result, error)
}

// Relations summarizes and updates pairwise relationships.
type Relations interface {
	Summary(aName, bName, a, b string) string
	RecordInteraction(a, b string)
}

// Config tunes conversations.
type Config struct {
	MaxTurns    int
	TokenBudget int
}

// Engine generates conversations. Speakers strictly alternate; every
// utterance is committed to both participants' memory streams.
type Engine struct {
	client    inference.Client
	retriever Retriever
	recorder  Recorder
	relations Relations
	cfg       Config
	logger    *zap.Logger
}

// NewEngine builds a dialogue Engine.
func NewEngine(client inference.Client, retriever Retriever, recorder Recorder, relations Relations, cfg Config, logger *zap.Logger) *Engine {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 6
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 1000
	}
	return &Engine{
		client:    client,
		retriever: retriever,
		recorder:  recorder,
		relations: relations,
		cfg:       cfg,
		logger:    logger,
	}
}

// Conversation is a finished exchange.
type Conversation struct {
	ID    string
	Turns []Turn
}

// Turn is one utterance.
type Turn struct {
	SpeakerID string
	Text      string
}

// Converse runs a conversation between two agents at the given tick. The
// first speaker opens; turns alternate until a speaker includes the end
// marker or the turn cap is reached. Each utterance becomes a dialogue
// memory for both participants.
func (e *Engine) Converse(ctx context.Context, a, b Speaker, tick int64) (*Conversation, error) {
	conv := &Conversation{ID: uuid.NewString()}
	history := make([]string, 0, e.cfg.MaxTurns)

	speaker, listener := a, b
	for turn := 0; turn < e.cfg.MaxTurns; turn++ {
		utterance, err := e.nextUtterance(ctx, speaker, listener, history, tick, turn == e.cfg.MaxTurns-1)
		if err != nil {
			return conv, fmt.Errorf("turn %d (%s): %w", turn, speaker.Name, err)
		}

		line := fmt.Sprintf("%s: %s", speaker.Name, stripMarker(utterance))
		history = append(history, line)
		conv.Turns = append(conv.Turns, Turn{SpeakerID: speaker.ID, Text: line})

		memText := fmt.Sprintf("(conversation %s) %s", conv.ID, line)
		for _, participant := range []Speaker{a, b} {
			if _, err := e.recorder.Commit(ctx, participant.ID, memory.KindDialogueTurn, memText, nil, tick); err != nil {
				return conv, fmt.Errorf("record turn for %s: %w", participant.Name, err)
			}
		}

		if containsMarker(utterance) {
			break
		}
		speaker, listener = listener, speaker
	}

	e.relations.RecordInteraction(a.ID, b.ID)
	e.logger.Info("conversation finished",
		zap.String("conversation_id", conv.ID),
		zap.String("a", a.Name),
		zap.String("b", b.Name),
		zap.Int("turns", len(conv.Turns)))
	return conv, nil
}

func (e *Engine) nextUtterance(ctx context.Context, speaker, listener Speaker, history []string, tick int64, lastTurn bool) (string, error) {
	res, err := e.retriever.Retrieve(ctx, retrieval.Query{
		AgentID:     speaker.ID,
		QueryText:   fmt.Sprintf("what does %s know about %s", speaker.Name, listener.Name),
		CurrentTick: tick,
		TokenBudget: e.cfg.TokenBudget,
	})
	if err != nil {
		return "", fmt.Errorf("retrieve context: %w", err)
	}

	prompt := prompts.DialogueInput{
		SpeakerName:  speaker.Name,
		ListenerName: listener.Name,
		Relationship: e.relations.Summary(speaker.Name, listener.Name, speaker.ID, listener.ID),
		Context:      res.Context,
		History:      history,
		EndMarker:    EndMarker,
		LastTurn:     lastTurn,
	}.Render()

	utterance, err := e.client.GenerateText(ctx, prompt, inference.Options{})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(utterance), nil
}

func containsMarker(utterance string) bool {
	return strings.Contains(strings.ToLower(utterance), EndMarker)
}

func stripMarker(utterance string) string {
	for {
		i := strings.Index(strings.ToLower(utterance), EndMarker)
		if i < 0 {
			break
		}
		utterance = utterance[:i] + utterance[i+len(EndMarker):]
	}
	return strings.TrimSpace(utterance)
}
