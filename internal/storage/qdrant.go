/**
 * Qdrant vector store
 *
 * Holds one embedding per processed document so near-duplicates (rescans
 * of the same paper, re-sent invoices) can be found by similarity.
 * Uses Qdrant's native gRPC API.
 */

package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantClient handles vector database operations
type QdrantClient struct {
	client           qdrant.PointsClient
	collectionClient qdrant.CollectionsClient
	conn             *grpc.ClientConn
	collectionName   string
	dimensions       int
}

// VectorPoint is a vector with its payload. Score is set on search results.
type VectorPoint struct {
	ID       string
	Vector   []float32
	Metadata map[string]interface{}
	Score    float32
}

// NewQdrantClient connects and creates the collection when missing
func NewQdrantClient(ctx context.Context, address, collectionName string, dimensions int) (*QdrantClient, error) {
	if address == "" {
		return nil, fmt.Errorf("qdrant address is required")
	}
	if collectionName == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if dimensions <= 0 {
		dimensions = EmbeddingDimensions
	}

	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}

	qc := &QdrantClient{
		client:           qdrant.NewPointsClient(conn),
		collectionClient: qdrant.NewCollectionsClient(conn),
		conn:             conn,
		collectionName:   collectionName,
		dimensions:       dimensions,
	}

	if err := qc.ensureCollection(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}
	return qc, nil
}

func (q *QdrantClient) ensureCollection(ctx context.Context) error {
	listResp, err := q.collectionClient.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, col := range listResp.Collections {
		if col.Name == q.collectionName {
			return nil
		}
	}

	_, err = q.collectionClient.Create(ctx, &qdrant.CreateCollection{
		CollectionName: q.collectionName,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     uint64(q.dimensions),
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// Upsert stores or replaces a point; an empty ID gets a new UUID
func (q *QdrantClient) Upsert(ctx context.Context, point *VectorPoint) error {
	if point == nil {
		return fmt.Errorf("point is required")
	}
	if len(point.Vector) != q.dimensions {
		return fmt.Errorf("invalid vector dimensions: expected %d, got %d", q.dimensions, len(point.Vector))
	}
	if point.ID == "" {
		point.ID = uuid.New().String()
	}

	payload := make(map[string]*qdrant.Value, len(point.Metadata))
	for k, v := range point.Metadata {
		payload[k] = toValue(v)
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collectionName,
		Points: []*qdrant.PointStruct{{
			Id: &qdrant.PointId{
				PointIdOptions: &qdrant.PointId_Uuid{Uuid: point.ID},
			},
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vector{
					Vector: &qdrant.Vector{Data: point.Vector},
				},
			},
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}
	return nil
}

// Search returns the limit most similar points
func (q *QdrantClient) Search(ctx context.Context, vector []float32, limit int) ([]*VectorPoint, error) {
	if len(vector) != q.dimensions {
		return nil, fmt.Errorf("invalid query vector dimensions: expected %d, got %d", q.dimensions, len(vector))
	}
	if limit <= 0 {
		limit = 10
	}

	results, err := q.client.Search(ctx, &qdrant.SearchPoints{
		CollectionName: q.collectionName,
		Vector:         vector,
		Limit:          uint64(limit),
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}

	points := make([]*VectorPoint, 0, len(results.Result))
	for _, r := range results.Result {
		p := &VectorPoint{
			ID:       r.GetId().GetUuid(),
			Metadata: make(map[string]interface{}, len(r.Payload)),
			Score:    r.Score,
		}
		for k, v := range r.Payload {
			if val, ok := fromValue(v); ok {
				p.Metadata[k] = val
			}
		}
		points = append(points, p)
	}
	return points, nil
}

// Delete removes a point by ID
func (q *QdrantClient) Delete(ctx context.Context, pointID string) error {
	if pointID == "" {
		return fmt.Errorf("point ID is required")
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{{
						PointIdOptions: &qdrant.PointId_Uuid{Uuid: pointID},
					}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	return nil
}

// Close closes the gRPC connection
func (q *QdrantClient) Close() error {
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func toValue(v interface{}) *qdrant.Value {
	switch val := v.(type) {
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
	default:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
	}
}

func fromValue(v *qdrant.Value) (interface{}, bool) {
	switch val := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue, true
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue, true
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue, true
	case *qdrant.Value_BoolValue:
		return val.BoolValue, true
	}
	return nil, false
}
