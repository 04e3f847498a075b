package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("memoryd.vectorstore.qdrant")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname. Default: "localhost".
	Host string

	// Port is the Qdrant gRPC port (not the HTTP REST port).
	// Default: 6334.
	Port int

	// Collection is the collection holding all item embeddings.
	// Default: "memoryd_items".
	Collection string

	// VectorSize is the embedding dimension. Must match the embedder.
	VectorSize uint64

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// MaxRetries bounds retries of transient failures. Default: 3.
	MaxRetries int

	// RetryBackoff is the initial retry backoff, doubled per attempt.
	// Default: 250ms.
	RetryBackoff time.Duration

	// MaxMessageSize is the gRPC message size limit. Default: 16MB.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "memoryd_items"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 16 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// IsTransientError reports whether a gRPC error should be retried.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore implements Store on Qdrant's native gRPC client.
//
// All items live in one collection; the allowed-set contract is enforced
// server-side with a match-any payload filter on section_id, so Qdrant
// never generates candidates outside the caller's sections.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
}

// NewQdrantStore connects to Qdrant, verifies health, and ensures the
// item collection and its section_id payload index exist.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &QdrantStore{client: client, config: cfg}

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(healthCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrUnavailable, err)
	}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.config.Collection)
	if err != nil {
		return fmt.Errorf("%w: checking collection: %v", ErrUnavailable, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.config.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("%w: creating collection: %v", ErrUnavailable, err)
	}
	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.config.Collection,
		FieldName:      "section_id",
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return fmt.Errorf("%w: indexing section_id: %v", ErrUnavailable, err)
	}
	return nil
}

// pointID derives a stable Qdrant point ID from an item ID so repeated
// upserts of the same item overwrite the same point.
func pointID(itemID string) *qdrant.PointId {
	if _, err := uuid.Parse(itemID); err == nil {
		return qdrant.NewIDUUID(itemID)
	}
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(itemID)).String())
}

// withRetry retries transient gRPC failures with exponential backoff.
func (s *QdrantStore) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(uint64(s.config.MaxRetries), retry.NewExponential(s.config.RetryBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op(ctx)
		if IsTransientError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *QdrantStore) Upsert(ctx context.Context, itemID, sectionID string, vector []float32, embeddedAt time.Time) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", itemID))

	if itemID == "" || sectionID == "" {
		return fmt.Errorf("%w: item and section IDs required", ErrInvalidVector)
	}
	if uint64(len(vector)) != s.config.VectorSize {
		return fmt.Errorf("%w: got dimension %d, want %d", ErrInvalidVector, len(vector), s.config.VectorSize)
	}

	point := &qdrant.PointStruct{
		Id:      pointID(itemID),
		Vectors: qdrant.NewVectors(vector...),
		Payload: map[string]*qdrant.Value{
			"item_id":     {Kind: &qdrant.Value_StringValue{StringValue: itemID}},
			"section_id":  {Kind: &qdrant.Value_StringValue{StringValue: sectionID}},
			"embedded_at": {Kind: &qdrant.Value_IntegerValue{IntegerValue: embeddedAt.UnixNano()}},
		},
	}

	err := s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: upserting item %s: %v", ErrUnavailable, itemID, err)
	}

	UpsertsTotal.WithLabelValues("qdrant").Inc()
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *QdrantStore) Remove(ctx context.Context, itemID string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Remove")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", itemID))

	err := s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Points:         qdrant.NewPointsSelector(pointID(itemID)),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: removing item %s: %v", ErrUnavailable, itemID, err)
	}

	RemovesTotal.WithLabelValues("qdrant").Inc()
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *QdrantStore) Query(ctx context.Context, vector []float32, k int, allowed map[string]struct{}) ([]Hit, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Query")
	defer span.End()
	span.SetAttributes(
		attribute.Int("k", k),
		attribute.Int("allowed_sections", len(allowed)),
	)

	start := time.Now()
	defer func() { QueryDuration.WithLabelValues("qdrant").Observe(time.Since(start).Seconds()) }()
	QueriesTotal.WithLabelValues("qdrant").Inc()

	if k <= 0 || len(allowed) == 0 {
		return nil, nil
	}
	if uint64(len(vector)) != s.config.VectorSize {
		err := fmt.Errorf("%w: got dimension %d, want %d", ErrInvalidVector, len(vector), s.config.VectorSize)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Match-any filter over the allowed sections. Sorted for stable
	// request shapes in traces and tests.
	sectionIDs := make([]string, 0, len(allowed))
	for id := range allowed {
		sectionIDs = append(sectionIDs, id)
	}
	sort.Strings(sectionIDs)

	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: "section_id",
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keywords{
							Keywords: &qdrant.RepeatedStrings{Strings: sectionIDs},
						},
					},
				},
			},
		}},
	}

	var points []*qdrant.ScoredPoint
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          qdrant.NewQuery(vector...),
			Filter:         filter,
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: querying: %v", ErrUnavailable, err)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hit := Hit{Distance: 1 - float64(p.Score)}
		if v, ok := p.Payload["item_id"]; ok {
			hit.ItemID = v.GetStringValue()
		}
		if v, ok := p.Payload["section_id"]; ok {
			hit.SectionID = v.GetStringValue()
		}
		if v, ok := p.Payload["embedded_at"]; ok {
			hit.EmbeddedAt = time.Unix(0, v.GetIntegerValue())
		}
		hits = append(hits, hit)
	}

	// Qdrant orders by score; re-sort to pin the item-ID tie-break.
	sortHits(hits)
	span.SetAttributes(attribute.Int("hits", len(hits)))
	span.SetStatus(codes.Ok, "")
	return hits, nil
}

func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Ensure QdrantStore implements Store.
var _ Store = (*QdrantStore)(nil)
