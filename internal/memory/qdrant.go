package memory

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
	Dimension  uint64
}

// QdrantIndex is a VectorIndex backed by a Qdrant server. All agents share
// one collection; searches filter on the agent_id payload field.
type QdrantIndex struct {
	conn       *grpc.ClientConn
	collection string
	points     pb.PointsClient
}

var qdrantNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// NewQdrantIndex dials the Qdrant gRPC endpoint and ensures the collection
// exists with cosine distance.
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig) (*QdrantIndex, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}

	collections := pb.NewCollectionsClient(conn)
	_, err = collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: cfg.Collection})
	if err != nil {
		_, err = collections.Create(ctx, &pb.CreateCollection{
			CollectionName: cfg.Collection,
			VectorsConfig: &pb.VectorsConfig{
				Config: &pb.VectorsConfig_Params{
					Params: &pb.VectorParams{
						Size:     cfg.Dimension,
						Distance: pb.Distance_Cosine,
					},
				},
			},
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("create collection %s: %w", cfg.Collection, err)
		}
	}

	return &QdrantIndex{
		conn:       conn,
		collection: cfg.Collection,
		points:     pb.NewPointsClient(conn),
	}, nil
}

func pointID(agentID string, id int64) string {
	return uuid.NewSHA1(qdrantNamespace, []byte(agentID+":"+strconv.FormatInt(id, 10))).String()
}

// Upsert stores a vector for the given record.
func (q *QdrantIndex) Upsert(ctx context.Context, agentID string, id int64, vector []float32, createdAtTick int64) error {
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Points: []*pb.PointStruct{
			{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: pointID(agentID, id)}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vector}}},
				Payload: map[string]*pb.Value{
					"agent_id":        {Kind: &pb.Value_StringValue{StringValue: agentID}},
					"record_id":       {Kind: &pb.Value_IntegerValue{IntegerValue: id}},
					"created_at_tick": {Kind: &pb.Value_IntegerValue{IntegerValue: createdAtTick}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert %s/%d: %w", agentID, id, err)
	}
	return nil
}

// Search returns up to k nearest neighbors for the agent, best first.
func (q *QdrantIndex) Search(ctx context.Context, agentID string, vector []float32, k int) ([]VectorHit, error) {
	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Filter: &pb.Filter{
			Must: []*pb.Condition{
				{
					ConditionOneOf: &pb.Condition_Field{
						Field: &pb.FieldCondition{
							Key: "agent_id",
							Match: &pb.Match{
								MatchValue: &pb.Match_Keyword{Keyword: agentID},
							},
						},
					},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search %s: %w", agentID, err)
	}

	hits := make([]VectorHit, 0, len(resp.Result))
	for _, r := range resp.Result {
		idVal, ok := r.Payload["record_id"]
		if !ok {
			continue
		}
		hits = append(hits, VectorHit{ID: idVal.GetIntegerValue(), Score: r.Score})
	}
	return hits, nil
}

// Close tears down the underlying gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.conn.Close()
}
