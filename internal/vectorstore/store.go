// Package vectorstore provides approximate and exact vector indexes over
// item embeddings, keyed by section for permission-scoped queries.
//
// All implementations share one contract: Query only ever considers
// entries whose section is in the caller's allowed set. Filtering happens
// inside the store, at candidate generation, never as a post-filter over
// an unscoped result set.
package vectorstore

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("vectorstore: invalid configuration")

	// ErrInvalidVector indicates an empty vector or a dimension mismatch.
	ErrInvalidVector = errors.New("vectorstore: invalid vector")

	// ErrUnavailable indicates the backing store failed or timed out.
	// Searches fail closed on this error.
	ErrUnavailable = errors.New("vectorstore: store unavailable")
)

// Hit is a single query result. Distance is cosine distance (1 - cosine
// similarity): 0 is identical direction, 2 is opposite.
type Hit struct {
	ItemID     string
	SectionID  string
	Distance   float64
	EmbeddedAt time.Time
}

// Store is a vector index over item embeddings.
//
// Implementations:
//   - ExactStore: in-memory brute force over section posting lists (default)
//   - ChromemStore: embedded chromem-go with persistence, collection per section
//   - QdrantStore: external Qdrant over gRPC with payload filtering
type Store interface {
	// Upsert stores or replaces the embedding for an item. Last writer
	// wins per item; a later Upsert with a new section moves the item.
	// EmbeddedAt records when the vector was generated so readers can
	// detect staleness against the item's text timestamp.
	Upsert(ctx context.Context, itemID, sectionID string, vector []float32, embeddedAt time.Time) error

	// Remove deletes an item's embedding. Removing an absent item is not
	// an error.
	Remove(ctx context.Context, itemID string) error

	// Query returns up to k hits nearest to vector, considering only
	// entries whose section is in allowed. Results are ordered by
	// ascending distance, ties broken by item ID. Fewer than k results
	// means fewer than k live candidates exist; there is no padding.
	// An empty allowed set returns no hits and touches no index state.
	Query(ctx context.Context, vector []float32, k int, allowed map[string]struct{}) ([]Hit, error)

	// Close releases resources held by the store.
	Close() error
}

// CosineDistance computes 1 - cosine similarity between two vectors.
// Returns 1 (orthogonal) when either vector has zero magnitude or the
// lengths differ.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// sortHits orders hits by ascending distance, ties broken by item ID so
// identical queries always produce identical orderings.
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ItemID < hits[j].ItemID
	})
}
