package vectorstore

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Client wraps gRPC connections to Qdrant's collections and points services.
type Client struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
}

// Point is a stored vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]*pb.Value
}

// SearchResult holds a single vector search hit.
type SearchResult struct {
	Point
	Score float32
}

// NewClient dials the Qdrant gRPC endpoint and returns a ready Client.
func NewClient(cfg QdrantConfig) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &Client{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
	}, nil
}

// CollectionExists reports whether the named collection is present.
func (c *Client) CollectionExists(ctx context.Context, name string) (bool, error) {
	resp, err := c.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, fmt.Errorf("list collections: %w", err)
	}
	for _, col := range resp.GetCollections() {
		if col.GetName() == name {
			return true, nil
		}
	}
	return false, nil
}

// EnsureCollection creates the named collection if it does not already exist.
func (c *Client) EnsureCollection(ctx context.Context, name string, dimension uint64) error {
	_, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err == nil {
		return nil
	}
	_, err = c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

// Upsert inserts or updates a single point in the given collection.
func (c *Client) Upsert(ctx context.Context, collection string, p *Point) error {
	wait := true
	_, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{
			{
				Id:      pointID(p.ID),
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}}},
				Payload: p.Payload,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", collection, err)
	}
	return nil
}

// SetPayload overwrites the given payload keys of one point, leaving its
// vector and other keys untouched. A missing point is left missing.
func (c *Client) SetPayload(ctx context.Context, collection, id string, payload map[string]*pb.Value) error {
	wait := true
	_, err := c.points.SetPayload(ctx, &pb.SetPayloadPoints{
		CollectionName: collection,
		Wait:           &wait,
		Payload:        payload,
		PointsSelector: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: &pb.Filter{
				Must: []*pb.Condition{{
					ConditionOneOf: &pb.Condition_HasId{HasId: &pb.HasIdCondition{HasId: []*pb.PointId{pointID(id)}}},
				}},
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("set payload %s: %w", collection, err)
	}
	return nil
}

// Get fetches a point by id. It returns nil when the point does not exist.
func (c *Client) Get(ctx context.Context, collection, id string) (*Point, error) {
	resp, err := c.points.Get(ctx, &pb.GetPoints{
		CollectionName: collection,
		Ids:            []*pb.PointId{pointID(id)},
		WithPayload:    withPayload(),
		WithVectors:    withVectors(),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	if len(resp.GetResult()) == 0 {
		return nil, nil
	}
	r := resp.GetResult()[0]
	return &Point{
		ID:      r.GetId().GetUuid(),
		Vector:  r.GetVectors().GetVector().GetData(),
		Payload: r.GetPayload(),
	}, nil
}

// Search performs a filtered nearest-neighbor search and returns the top-K results.
func (c *Client) Search(ctx context.Context, collection string, vector []float32, filter *pb.Filter, topK uint64) ([]*SearchResult, error) {
	resp, err := c.points.Search(ctx, &pb.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Filter:         filter,
		Limit:          topK,
		WithPayload:    withPayload(),
		WithVectors:    withVectors(),
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	results := make([]*SearchResult, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		results = append(results, &SearchResult{
			Point: Point{
				ID:      r.GetId().GetUuid(),
				Vector:  r.GetVectors().GetVector().GetData(),
				Payload: r.GetPayload(),
			},
			Score: r.GetScore(),
		})
	}
	return results, nil
}

// Scroll pages through every point matching filter.
func (c *Client) Scroll(ctx context.Context, collection string, filter *pb.Filter) ([]*Point, error) {
	var (
		out    []*Point
		offset *pb.PointId
		limit  = uint32(256)
	)
	for {
		resp, err := c.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: collection,
			Filter:         filter,
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    withPayload(),
			WithVectors:    withVectors(),
		})
		if err != nil {
			return nil, fmt.Errorf("scroll %s: %w", collection, err)
		}
		for _, r := range resp.GetResult() {
			out = append(out, &Point{
				ID:      r.GetId().GetUuid(),
				Vector:  r.GetVectors().GetVector().GetData(),
				Payload: r.GetPayload(),
			})
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			return out, nil
		}
	}
}

// Count returns the exact number of points matching filter.
func (c *Client) Count(ctx context.Context, collection string, filter *pb.Filter) (uint64, error) {
	exact := true
	resp, err := c.points.Count(ctx, &pb.CountPoints{
		CollectionName: collection,
		Filter:         filter,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return resp.GetResult().GetCount(), nil
}

// Delete removes points by id.
func (c *Client) Delete(ctx context.Context, collection string, ids ...string) error {
	pids := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pids[i] = pointID(id)
	}
	return c.deletePoints(ctx, collection, &pb.PointsSelector{
		PointsSelectorOneOf: &pb.PointsSelector_Points{Points: &pb.PointsIdsList{Ids: pids}},
	})
}

// DeleteByFilter removes every point matching filter.
func (c *Client) DeleteByFilter(ctx context.Context, collection string, filter *pb.Filter) error {
	return c.deletePoints(ctx, collection, &pb.PointsSelector{
		PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: filter},
	})
}

func (c *Client) deletePoints(ctx context.Context, collection string, sel *pb.PointsSelector) error {
	wait := true
	_, err := c.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         sel,
	})
	if err != nil {
		return fmt.Errorf("delete from %s: %w", collection, err)
	}
	return nil
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// KeywordFilter matches points whose payload key equals value. Extra keys
// given in anyOf must match one of the listed values.
func KeywordFilter(key, value string, anyOfKey string, anyOf []string) *pb.Filter {
	must := []*pb.Condition{fieldMatch(key, &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}})}
	if anyOfKey != "" && len(anyOf) > 0 {
		must = append(must, fieldMatch(anyOfKey, &pb.Match{
			MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: anyOf}},
		}))
	}
	return &pb.Filter{Must: must}
}

func fieldMatch(key string, m *pb.Match) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{Key: key, Match: m}},
	}
}

func pointID(id string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
}

func withPayload() *pb.WithPayloadSelector {
	return &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}}
}

func withVectors() *pb.WithVectorsSelector {
	return &pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}}
}
