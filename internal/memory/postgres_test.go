package memory

import (
	"context"
	"errors"
	"os"
	"testing"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("smalltown_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pg connection string: %v", err)
	}
	return dsn
}

func TestPostgresIndex(t *testing.T) {
	if os.Getenv("SMALLTOWN_PG_TEST") == "" {
		t.Skip("postgres integration test disabled (set SMALLTOWN_PG_TEST=1)")
	}

	ctx := context.Background()
	dsn := startPostgres(ctx, t)

	idx, err := NewPostgresIndex(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres index: %v", err)
	}
	defer idx.Close()

	rec := &Record{
		ID:               1,
		AgentID:          "alice",
		Kind:             KindObservation,
		Text:             "saw a fox",
		CreatedAtTick:    3,
		LastAccessedTick: 3,
		Importance:       4,
		SourceIDs:        []int64{},
	}
	if err := idx.Insert(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := idx.Insert(ctx, rec); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate insert: got %v, want ErrDuplicateID", err)
	}

	max, err := idx.MaxID(ctx, "alice")
	if err != nil {
		t.Fatalf("max id: %v", err)
	}
	if max != 1 {
		t.Errorf("max id = %d, want 1", max)
	}

	pending, err := idx.PendingEmbedding(ctx, "alice")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}

	if err := idx.StoreEmbedding(ctx, "alice", 1, []float32{0.5, 0.5}); err != nil {
		t.Fatalf("store embedding: %v", err)
	}
	if err := idx.StoreEmbedding(ctx, "alice", 1, []float32{1, 0}); !errors.Is(err, ErrEmbeddingSet) {
		t.Fatalf("second embedding write: got %v, want ErrEmbeddingSet", err)
	}

	if err := idx.UpdateLastAccessed(ctx, "alice", []int64{1}, 9); err != nil {
		t.Fatalf("update last accessed: %v", err)
	}
	got, err := idx.Get(ctx, "alice", 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastAccessedTick != 9 {
		t.Errorf("last accessed = %d, want 9", got.LastAccessedTick)
	}
	if len(got.Embedding) != 2 || got.Embedding[0] != 0.5 {
		t.Errorf("embedding = %v", got.Embedding)
	}
}
