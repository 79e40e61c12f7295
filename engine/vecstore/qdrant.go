package vecstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/quarryhq/quarry-engine/engine/domain"
)

// Payload keys stored alongside every point.
const (
	keyEntityID    = "entity_id"
	keyEntityType  = "entity_type"
	keyTenantID    = "tenant_id"
	keyChunkIndex  = "chunk_index"
	keyModelID     = "model_id"
	keyContentHash = "content_hash"
	keySnippet     = "snippet"
	keyField       = "field"
	keyCreatedAt   = "created_at"
)

var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("quarry://vector/point"))

// PointID derives the deterministic point id for one chunk of one entity.
// Re-indexing the same chunk therefore overwrites rather than accumulates.
func PointID(tenantID, entityID string, chunkIndex int) string {
	return uuid.NewSHA1(pointNamespace, []byte(tenantID+"\x00"+entityID+"\x00"+strconv.Itoa(chunkIndex))).String()
}

// Qdrant is the sole owner of all Qdrant operations.
type Qdrant struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// NewQdrant connects to Qdrant at the given gRPC address.
func NewQdrant(addr, collection string) (*Qdrant, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vecstore: dial qdrant %s: %w", addr, err)
	}
	return &Qdrant{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// Close closes the underlying gRPC connection.
func (q *Qdrant) Close() error {
	return q.conn.Close()
}

func (m Metric) distance() pb.Distance {
	switch m {
	case MetricDot:
		return pb.Distance_Dot
	case MetricEuclid:
		return pb.Distance_Euclid
	default:
		return pb.Distance_Cosine
	}
}

// EnsureCollection creates the collection if it doesn't exist.
func (q *Qdrant) EnsureCollection(ctx context.Context, dim int, metric Metric) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("vecstore: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dim),
					Distance: metric.distance(),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vecstore: create collection %s: %w", q.collection, err)
	}
	return nil
}

// ReplaceEntity upserts the entity's chunk points and removes any leftover
// points past the new chunk count. Deterministic ids make the upsert an
// in-place overwrite, so a concurrent reader sees old vectors or new vectors
// per chunk, never a half-deleted entity.
func (q *Qdrant) ReplaceEntity(ctx context.Context, tenantID, entityID string, vectors []domain.EmbeddingVector) error {
	if tenantID == "" {
		return fmt.Errorf("vecstore: replace entity %s: %w", entityID, domain.ErrMissingTenant)
	}
	if len(vectors) == 0 {
		return q.DeleteEntity(ctx, tenantID, entityID)
	}

	points := make([]*pb.PointStruct, len(vectors))
	for i, v := range vectors {
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(tenantID, entityID, v.ChunkIndex)},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: v.Values},
				},
			},
			Payload: map[string]*pb.Value{
				keyEntityID:    {Kind: &pb.Value_StringValue{StringValue: v.EntityID}},
				keyEntityType:  {Kind: &pb.Value_StringValue{StringValue: v.EntityType}},
				keyTenantID:    {Kind: &pb.Value_StringValue{StringValue: v.TenantID}},
				keyChunkIndex:  {Kind: &pb.Value_IntegerValue{IntegerValue: int64(v.ChunkIndex)}},
				keyModelID:     {Kind: &pb.Value_StringValue{StringValue: v.ModelID}},
				keyContentHash: {Kind: &pb.Value_StringValue{StringValue: v.ContentHash}},
				keySnippet:     {Kind: &pb.Value_StringValue{StringValue: v.Snippet}},
				keyField:       {Kind: &pb.Value_StringValue{StringValue: v.Field}},
				keyCreatedAt:   {Kind: &pb.Value_StringValue{StringValue: v.CreatedAt.Format("2006-01-02T15:04:05Z07:00")}},
			},
		}
	}

	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("vecstore: upsert %d points for %s: %w: %v", len(points), entityID, domain.ErrVectorStore, err)
	}

	// Drop chunks the new version no longer has.
	gte := float64(len(vectors))
	_, err = q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{
						fieldMatch(keyTenantID, tenantID),
						fieldMatch(keyEntityID, entityID),
						{
							ConditionOneOf: &pb.Condition_Field{
								Field: &pb.FieldCondition{
									Key:   keyChunkIndex,
									Range: &pb.Range{Gte: &gte},
								},
							},
						},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vecstore: trim stale chunks for %s: %w: %v", entityID, domain.ErrVectorStore, err)
	}
	return nil
}

// DeleteEntity removes all points belonging to one entity.
func (q *Qdrant) DeleteEntity(ctx context.Context, tenantID, entityID string) error {
	if tenantID == "" {
		return fmt.Errorf("vecstore: delete entity %s: %w", entityID, domain.ErrMissingTenant)
	}
	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{
						fieldMatch(keyTenantID, tenantID),
						fieldMatch(keyEntityID, entityID),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vecstore: delete entity %s: %w: %v", entityID, domain.ErrVectorStore, err)
	}
	return nil
}

// Search performs k-NN similarity search scoped to the filter's tenant.
func (q *Qdrant) Search(ctx context.Context, query []float32, topK int, f Filter) ([]Hit, error) {
	if f.TenantID == "" {
		return nil, fmt.Errorf("vecstore: search: %w", domain.ErrMissingTenant)
	}

	must := []*pb.Condition{fieldMatch(keyTenantID, f.TenantID)}
	if len(f.EntityTypes) == 1 {
		must = append(must, fieldMatch(keyEntityType, f.EntityTypes[0]))
	} else if len(f.EntityTypes) > 1 {
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key: keyEntityType,
					Match: &pb.Match{
						MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: f.EntityTypes}},
					},
				},
			},
		})
	}
	for k, v := range f.Metadata {
		must = append(must, fieldMatch(k, v))
	}

	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         query,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Filter:         &pb.Filter{Must: must},
	})
	if err != nil {
		return nil, fmt.Errorf("vecstore: search: %w: %v", domain.ErrVectorStore, err)
	}

	hits := make([]Hit, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		h := Hit{
			ID:    r.GetId().GetUuid(),
			Score: r.GetScore(),
		}
		for k, val := range r.GetPayload() {
			switch k {
			case keyEntityID:
				h.EntityID = val.GetStringValue()
			case keyEntityType:
				h.EntityType = val.GetStringValue()
			case keyTenantID:
				h.TenantID = val.GetStringValue()
			case keyChunkIndex:
				h.ChunkIndex = int(val.GetIntegerValue())
			case keyModelID:
				h.ModelID = val.GetStringValue()
			case keyContentHash:
				h.ContentHash = val.GetStringValue()
			case keySnippet:
				h.Snippet = val.GetStringValue()
			case keyField:
				h.Field = val.GetStringValue()
			}
		}
		hits[i] = h
	}
	return hits, nil
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}
