// Package api exposes a read-only HTTP status surface over the running
// simulation.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/smalltown/internal/agent"
	"github.com/nidhogg/smalltown/internal/memory"
)

// Simulation is the slice of the scheduler the API needs.
type Simulation interface {
	CurrentTick() int64
	TotalTicks() int64
	Snapshots() []agent.Snapshot
}

// MemoryReader is the slice of the memory store the API needs.
type MemoryReader interface {
	QueryByAgentAndKind(ctx context.Context, agentID string, kinds []memory.Kind, sinceTick int64) ([]*memory.Record, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	sim    Simulation
	store  MemoryReader
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(sim Simulation, store MemoryReader, logger *zap.Logger) *Handler {
	return &Handler{sim: sim, store: store, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/clock", h.clock)
		r.Get("/agents", h.listAgents)
		r.Get("/agents/{id}", h.getAgent)
		r.Get("/agents/{id}/memories", h.listMemories)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) clock(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{
		"current_tick": h.sim.CurrentTick(),
		"total_ticks":  h.sim.TotalTicks(),
	})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sim.Snapshots())
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, snap := range h.sim.Snapshots() {
		if snap.ID == id {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
}

func (h *Handler) listMemories(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var kinds []memory.Kind
	switch kind := memory.Kind(r.URL.Query().Get("kind")); kind {
	case "":
	case memory.KindObservation, memory.KindReflection, memory.KindPlan, memory.KindDialogueTurn:
		kinds = []memory.Kind{kind}
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown kind"})
		return
	}

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be an integer tick"})
			return
		}
		since = parsed
	}

	recs, err := h.store.QueryByAgentAndKind(r.Context(), id, kinds, since)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
			return
		}
		h.logger.Error("memory query failed", zap.String("agent_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	if recs == nil {
		recs = []*memory.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
