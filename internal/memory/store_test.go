package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	structured, err := NewSQLiteIndex(filepath.Join(dir, "memories.db"))
	if err != nil {
		t.Fatalf("sqlite index: %v", err)
	}
	vectors, err := NewChromemIndex(filepath.Join(dir, "vectors"))
	if err != nil {
		t.Fatalf("chromem index: %v", err)
	}
	store := NewStore(structured, vectors, zap.NewNop())
	t.Cleanup(func() { store.Close() })
	return store
}

func insert(t *testing.T, store *Store, agentID string, kind Kind, text string, tick int64, importance int) *Record {
	t.Helper()
	rec := &Record{
		AgentID:       agentID,
		Kind:          kind,
		Text:          text,
		CreatedAtTick: tick,
		Importance:    importance,
	}
	if err := store.Insert(context.Background(), rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return rec
}

func TestInsertAssignsMonotonicIDs(t *testing.T) {
	store := newTestStore(t)
	for i := 1; i <= 5; i++ {
		rec := insert(t, store, "alice", KindObservation, "obs", int64(i), 3)
		if rec.ID != int64(i) {
			t.Errorf("record %d got id %d", i, rec.ID)
		}
	}
	// ids are per agent, not global
	rec := insert(t, store, "bob", KindObservation, "obs", 1, 3)
	if rec.ID != 1 {
		t.Errorf("bob's first record got id %d, want 1", rec.ID)
	}
}

func TestInsertDuplicateID(t *testing.T) {
	store := newTestStore(t)
	insert(t, store, "alice", KindObservation, "obs", 1, 3)

	dup := &Record{ID: 1, AgentID: "alice", Kind: KindObservation, Text: "dup", CreatedAtTick: 2}
	err := store.Insert(context.Background(), dup)
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("got %v, want ErrDuplicateID", err)
	}
}

func TestEmbeddingIsWriteOnce(t *testing.T) {
	store := newTestStore(t)
	rec := insert(t, store, "alice", KindObservation, "obs", 1, 3)

	if err := store.SetEmbedding(context.Background(), "alice", rec.ID, []float32{1, 0}); err != nil {
		t.Fatalf("first SetEmbedding: %v", err)
	}
	err := store.SetEmbedding(context.Background(), "alice", rec.ID, []float32{0, 1})
	if !errors.Is(err, ErrEmbeddingSet) {
		t.Fatalf("got %v, want ErrEmbeddingSet", err)
	}

	got, err := store.Get(context.Background(), "alice", rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Embedding[0] != 1 || got.Embedding[1] != 0 {
		t.Errorf("embedding overwritten: %v", got.Embedding)
	}
}

func TestSetEmbeddingUnknownRecord(t *testing.T) {
	store := newTestStore(t)
	err := store.SetEmbedding(context.Background(), "alice", 99, []float32{1})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestNearestNeighborsExcludesUnembedded(t *testing.T) {
	store := newTestStore(t)
	embedded := insert(t, store, "alice", KindObservation, "embedded memory", 1, 3)
	insert(t, store, "alice", KindObservation, "pending memory", 2, 3)

	if err := store.SetEmbedding(context.Background(), "alice", embedded.ID, []float32{1, 0}); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}

	results, err := store.NearestNeighbors(context.Background(), "alice", []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("NearestNeighbors: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Record.ID != embedded.ID {
		t.Errorf("got record %d, want %d", results[0].Record.ID, embedded.ID)
	}
}

func TestNearestNeighborsOrdering(t *testing.T) {
	store := newTestStore(t)
	far := insert(t, store, "alice", KindObservation, "far", 1, 3)
	near := insert(t, store, "alice", KindObservation, "near", 2, 3)

	if err := store.SetEmbedding(context.Background(), "alice", far.ID, []float32{0, 1}); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}
	if err := store.SetEmbedding(context.Background(), "alice", near.ID, []float32{1, 0.1}); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}

	results, err := store.NearestNeighbors(context.Background(), "alice", []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("NearestNeighbors: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Record.ID != near.ID {
		t.Errorf("best hit is record %d, want %d", results[0].Record.ID, near.ID)
	}
	if results[0].Similarity < results[1].Similarity {
		t.Errorf("results not sorted by similarity: %v then %v",
			results[0].Similarity, results[1].Similarity)
	}
}

func TestNearestNeighborsAgentIsolation(t *testing.T) {
	store := newTestStore(t)
	alice := insert(t, store, "alice", KindObservation, "alice memory", 1, 3)
	bob := insert(t, store, "bob", KindObservation, "bob memory", 1, 3)

	if err := store.SetEmbedding(context.Background(), "alice", alice.ID, []float32{1, 0}); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}
	if err := store.SetEmbedding(context.Background(), "bob", bob.ID, []float32{1, 0}); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}

	results, err := store.NearestNeighbors(context.Background(), "alice", []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("NearestNeighbors: %v", err)
	}
	for _, r := range results {
		if r.Record.AgentID != "alice" {
			t.Errorf("got record for agent %q in alice's results", r.Record.AgentID)
		}
	}
}

func TestPendingEmbedding(t *testing.T) {
	store := newTestStore(t)
	first := insert(t, store, "alice", KindObservation, "first", 1, 3)
	second := insert(t, store, "alice", KindObservation, "second", 2, 3)

	pending, err := store.PendingEmbedding(context.Background(), "alice")
	if err != nil {
		t.Fatalf("PendingEmbedding: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Fatalf("unexpected pending set: %+v", pending)
	}

	if err := store.SetEmbedding(context.Background(), "alice", first.ID, []float32{1}); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}
	pending, err = store.PendingEmbedding(context.Background(), "alice")
	if err != nil {
		t.Fatalf("PendingEmbedding: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("unexpected pending set after embed: %+v", pending)
	}
}

func TestQueryByAgentAndKind(t *testing.T) {
	store := newTestStore(t)
	insert(t, store, "alice", KindObservation, "obs", 1, 3)
	refl := insert(t, store, "alice", KindReflection, "insight", 2, 8)
	insert(t, store, "alice", KindObservation, "later obs", 3, 3)

	got, err := store.QueryByAgentAndKind(context.Background(), "alice", []Kind{KindReflection}, 0)
	if err != nil {
		t.Fatalf("QueryByAgentAndKind: %v", err)
	}
	if len(got) != 1 || got[0].ID != refl.ID {
		t.Fatalf("unexpected reflections: %+v", got)
	}

	got, err = store.QueryByAgentAndKind(context.Background(), "alice", []Kind{KindObservation}, 2)
	if err != nil {
		t.Fatalf("QueryByAgentAndKind: %v", err)
	}
	if len(got) != 1 || got[0].Text != "later obs" {
		t.Fatalf("since filter failed: %+v", got)
	}

	// multiple kinds come back in one chronological pass
	got, err = store.QueryByAgentAndKind(context.Background(), "alice", []Kind{KindObservation, KindReflection}, 0)
	if err != nil {
		t.Fatalf("QueryByAgentAndKind: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records for two kinds, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAtTick < got[i-1].CreatedAtTick {
			t.Fatalf("records out of order: %+v", got)
		}
	}

	// empty kind set matches everything
	got, err = store.QueryByAgentAndKind(context.Background(), "alice", nil, 0)
	if err != nil {
		t.Fatalf("QueryByAgentAndKind: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records for empty kind set, want 3", len(got))
	}
}

func TestUpdateLastAccessed(t *testing.T) {
	store := newTestStore(t)
	rec := insert(t, store, "alice", KindObservation, "obs", 1, 3)
	if rec.LastAccessedTick != 0 {
		// Insert fills LastAccessedTick from CreatedAtTick when unset.
		got, _ := store.Get(context.Background(), "alice", rec.ID)
		if got.LastAccessedTick != 1 {
			t.Fatalf("initial last accessed = %d, want 1", got.LastAccessedTick)
		}
	}

	if err := store.UpdateLastAccessed(context.Background(), "alice", []int64{rec.ID}, 7); err != nil {
		t.Fatalf("UpdateLastAccessed: %v", err)
	}
	got, err := store.Get(context.Background(), "alice", rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastAccessedTick != 7 {
		t.Errorf("last accessed = %d, want 7", got.LastAccessedTick)
	}
	if got.CreatedAtTick != 1 {
		t.Errorf("created tick changed to %d", got.CreatedAtTick)
	}
}

func TestSourceIDsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	rec := &Record{
		AgentID:       "alice",
		Kind:          KindReflection,
		Text:          "insight",
		CreatedAtTick: 5,
		Importance:    8,
		SourceIDs:     []int64{1, 3, 4},
	}
	if err := store.Insert(context.Background(), rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := store.Get(context.Background(), "alice", rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.SourceIDs) != 3 || got.SourceIDs[1] != 3 {
		t.Errorf("source ids = %v, want [1 3 4]", got.SourceIDs)
	}
}

func TestIDCounterSeedsFromExistingRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memories.db")

	structured, err := NewSQLiteIndex(path)
	if err != nil {
		t.Fatalf("sqlite index: %v", err)
	}
	vectors, err := NewChromemIndex(filepath.Join(dir, "vectors"))
	if err != nil {
		t.Fatalf("chromem index: %v", err)
	}
	store := NewStore(structured, vectors, zap.NewNop())
	insert(t, store, "alice", KindObservation, "obs", 1, 3)
	insert(t, store, "alice", KindObservation, "obs", 2, 3)
	store.Close()

	structured, err = NewSQLiteIndex(path)
	if err != nil {
		t.Fatalf("reopen sqlite index: %v", err)
	}
	vectors, err = NewChromemIndex(filepath.Join(dir, "vectors2"))
	if err != nil {
		t.Fatalf("chromem index: %v", err)
	}
	store = NewStore(structured, vectors, zap.NewNop())
	defer store.Close()

	rec := insert(t, store, "alice", KindObservation, "obs", 3, 3)
	if rec.ID != 3 {
		t.Errorf("id after reopen = %d, want 3", rec.ID)
	}
}
