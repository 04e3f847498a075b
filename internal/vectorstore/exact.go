package vectorstore

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var exactTracer = otel.Tracer("memoryd.vectorstore.exact")

const exactShardCount = 16

// exactEntry is one indexed item.
type exactEntry struct {
	itemID     string
	sectionID  string
	vector     []float32
	embeddedAt time.Time
}

// exactShard holds a slice of the corpus under its own lock. Items hash
// to shards by ID, so concurrent upserts of different items rarely
// contend and no operation takes a corpus-wide lock.
type exactShard struct {
	mu    sync.RWMutex
	items map[string]*exactEntry
	// sections is a posting list: sectionID -> item IDs in this shard.
	// Queries with small allowed sets walk only the matching lists.
	sections map[string]map[string]struct{}
}

// ExactStore is a brute-force in-memory Store. It is the default driver
// and the test double for every consumer of the interface; at personal
// corpus sizes exact cosine scan is fast enough to skip ANN indexes.
type ExactStore struct {
	// dimMu guards dimension, which a zero-dimension store latches from
	// the first upserted vector.
	dimMu     sync.Mutex
	dimension int

	shards [exactShardCount]*exactShard
}

// NewExactStore creates an empty store expecting vectors of the given
// dimension. A zero dimension accepts the first vector's length.
func NewExactStore(dimension int) *ExactStore {
	s := &ExactStore{dimension: dimension}
	for i := range s.shards {
		s.shards[i] = &exactShard{
			items:    make(map[string]*exactEntry),
			sections: make(map[string]map[string]struct{}),
		}
	}
	return s
}

func (s *ExactStore) shardFor(itemID string) *exactShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(itemID))
	return s.shards[h.Sum32()%exactShardCount]
}

func (s *ExactStore) Upsert(ctx context.Context, itemID, sectionID string, vector []float32, embeddedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if itemID == "" || sectionID == "" {
		return fmt.Errorf("%w: item and section IDs required", ErrInvalidVector)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector for item %s", ErrInvalidVector, itemID)
	}
	s.dimMu.Lock()
	if s.dimension == 0 {
		s.dimension = len(vector)
	}
	dim := s.dimension
	s.dimMu.Unlock()
	if len(vector) != dim {
		return fmt.Errorf("%w: got dimension %d, want %d", ErrInvalidVector, len(vector), dim)
	}

	owned := make([]float32, len(vector))
	copy(owned, vector)

	shard := s.shardFor(itemID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if prev, ok := shard.items[itemID]; ok && prev.sectionID != sectionID {
		delete(shard.sections[prev.sectionID], itemID)
		if len(shard.sections[prev.sectionID]) == 0 {
			delete(shard.sections, prev.sectionID)
		}
	}
	shard.items[itemID] = &exactEntry{
		itemID:     itemID,
		sectionID:  sectionID,
		vector:     owned,
		embeddedAt: embeddedAt,
	}
	if shard.sections[sectionID] == nil {
		shard.sections[sectionID] = make(map[string]struct{})
	}
	shard.sections[sectionID][itemID] = struct{}{}

	UpsertsTotal.WithLabelValues("exact").Inc()
	return nil
}

func (s *ExactStore) Remove(ctx context.Context, itemID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	shard := s.shardFor(itemID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.items[itemID]
	if !ok {
		return nil
	}
	delete(shard.items, itemID)
	delete(shard.sections[entry.sectionID], itemID)
	if len(shard.sections[entry.sectionID]) == 0 {
		delete(shard.sections, entry.sectionID)
	}

	RemovesTotal.WithLabelValues("exact").Inc()
	return nil
}

func (s *ExactStore) Query(ctx context.Context, vector []float32, k int, allowed map[string]struct{}) ([]Hit, error) {
	ctx, span := exactTracer.Start(ctx, "ExactStore.Query")
	defer span.End()
	span.SetAttributes(
		attribute.Int("k", k),
		attribute.Int("allowed_sections", len(allowed)),
	)

	start := time.Now()
	defer func() { QueryDuration.WithLabelValues("exact").Observe(time.Since(start).Seconds()) }()
	QueriesTotal.WithLabelValues("exact").Inc()

	if k <= 0 || len(allowed) == 0 {
		return nil, nil
	}
	s.dimMu.Lock()
	dim := s.dimension
	s.dimMu.Unlock()
	if len(vector) == 0 || (dim > 0 && len(vector) != dim) {
		err := fmt.Errorf("%w: query vector dimension %d, want %d", ErrInvalidVector, len(vector), dim)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var hits []Hit
	for _, shard := range s.shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		shard.mu.RLock()
		for sectionID := range allowed {
			for itemID := range shard.sections[sectionID] {
				entry := shard.items[itemID]
				hits = append(hits, Hit{
					ItemID:     entry.itemID,
					SectionID:  entry.sectionID,
					Distance:   CosineDistance(vector, entry.vector),
					EmbeddedAt: entry.embeddedAt,
				})
			}
		}
		shard.mu.RUnlock()
	}

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))
	span.SetStatus(codes.Ok, "")
	return hits, nil
}

// Len returns the number of indexed items.
func (s *ExactStore) Len() int {
	n := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		n += len(shard.items)
		shard.mu.RUnlock()
	}
	return n
}

func (s *ExactStore) Close() error { return nil }

// Ensure ExactStore implements Store.
var _ Store = (*ExactStore)(nil)
