package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/smalltown/internal/agent"
	"github.com/nidhogg/smalltown/internal/memory"
)

type fakeSim struct {
	tick  int64
	total int64
	snaps []agent.Snapshot
}

func (f *fakeSim) CurrentTick() int64          { return f.tick }
func (f *fakeSim) TotalTicks() int64           { return f.total }
func (f *fakeSim) Snapshots() []agent.Snapshot { return f.snaps }

type fakeReader struct {
	records  []*memory.Record
	gotKinds []memory.Kind
	gotTick  int64
}

func (f *fakeReader) QueryByAgentAndKind(ctx context.Context, agentID string, kinds []memory.Kind, sinceTick int64) ([]*memory.Record, error) {
	f.gotKinds = kinds
	f.gotTick = sinceTick
	return f.records, nil
}

func newTestHandler(t *testing.T) (*fakeSim, *fakeReader, http.Handler) {
	t.Helper()
	sim := &fakeSim{
		tick:  12,
		total: 100,
		snaps: []agent.Snapshot{
			{ID: "a1", Name: "Alice", Phase: agent.PhaseIdle},
			{ID: "a2", Name: "Bob", Phase: agent.PhaseSynthesizing},
		},
	}
	reader := &fakeReader{}
	h := NewHandler(sim, reader, zap.NewNop())
	return sim, reader, h.Router()
}

func doGet(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	_, _, router := newTestHandler(t)
	rec := doGet(t, router, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestClock(t *testing.T) {
	_, _, router := newTestHandler(t)
	rec := doGet(t, router, "/v1/clock")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["current_tick"] != 12 || body["total_ticks"] != 100 {
		t.Errorf("clock body = %v", body)
	}
}

func TestListAgents(t *testing.T) {
	_, _, router := newTestHandler(t)
	rec := doGet(t, router, "/v1/agents")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snaps []agent.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snaps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snaps) != 2 || snaps[0].ID != "a1" {
		t.Errorf("agents = %+v", snaps)
	}
}

func TestGetAgent(t *testing.T) {
	_, _, router := newTestHandler(t)
	rec := doGet(t, router, "/v1/agents/a2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap agent.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Name != "Bob" {
		t.Errorf("agent = %+v", snap)
	}

	if rec := doGet(t, router, "/v1/agents/ghost"); rec.Code != http.StatusNotFound {
		t.Errorf("status for unknown agent = %d", rec.Code)
	}
}

func TestListMemoriesFilters(t *testing.T) {
	_, reader, router := newTestHandler(t)
	reader.records = []*memory.Record{
		{ID: 1, AgentID: "a1", Kind: memory.KindReflection, Text: "insight", CreatedAtTick: 9},
	}

	rec := doGet(t, router, "/v1/agents/a1/memories?kind=reflection&since=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(reader.gotKinds) != 1 || reader.gotKinds[0] != memory.KindReflection {
		t.Errorf("kinds passed = %v", reader.gotKinds)
	}
	if reader.gotTick != 5 {
		t.Errorf("since passed = %d", reader.gotTick)
	}

	var records []*memory.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].Text != "insight" {
		t.Errorf("records = %+v", records)
	}
}

func TestListMemoriesRejectsBadParams(t *testing.T) {
	_, _, router := newTestHandler(t)
	if rec := doGet(t, router, "/v1/agents/a1/memories?kind=dreams"); rec.Code != http.StatusBadRequest {
		t.Errorf("status for bad kind = %d", rec.Code)
	}
	if rec := doGet(t, router, "/v1/agents/a1/memories?since=yesterday"); rec.Code != http.StatusBadRequest {
		t.Errorf("status for bad since = %d", rec.Code)
	}
}

func TestListMemoriesEmptyIsArray(t *testing.T) {
	_, reader, router := newTestHandler(t)
	rec := doGet(t, router, "/v1/agents/a1/memories")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); got[0] != '[' {
		t.Errorf("empty result not a JSON array: %q", got)
	}
	if len(reader.gotKinds) != 0 {
		t.Errorf("unfiltered query passed kinds %v, want none", reader.gotKinds)
	}
}
