package vectorstore_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memoryd/internal/vectorstore"
)

func allowedSet(ids ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func TestExactStoreQueryOrdersByDistance(t *testing.T) {
	s := vectorstore.NewExactStore(3)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Upsert(ctx, "far", "sec-1", []float32{0, 1, 0}, now))
	require.NoError(t, s.Upsert(ctx, "near", "sec-1", []float32{1, 0, 0}, now))
	require.NoError(t, s.Upsert(ctx, "mid", "sec-1", []float32{1, 1, 0}, now))

	hits, err := s.Query(ctx, []float32{1, 0, 0}, 3, allowedSet("sec-1"))
	require.NoError(t, err)
	require.Len(t, hits, 3)

	assert.Equal(t, "near", hits[0].ItemID)
	assert.Equal(t, "mid", hits[1].ItemID)
	assert.Equal(t, "far", hits[2].ItemID)
	assert.InDelta(t, 0, hits[0].Distance, 1e-6)
	assert.Less(t, hits[1].Distance, hits[2].Distance)
}

func TestExactStoreTieBreakByItemID(t *testing.T) {
	s := vectorstore.NewExactStore(2)
	ctx := context.Background()
	now := time.Now()

	vec := []float32{1, 1}
	require.NoError(t, s.Upsert(ctx, "item-b", "sec-1", vec, now))
	require.NoError(t, s.Upsert(ctx, "item-a", "sec-1", vec, now))
	require.NoError(t, s.Upsert(ctx, "item-c", "sec-1", vec, now))

	hits, err := s.Query(ctx, []float32{1, 1}, 3, allowedSet("sec-1"))
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "item-a", hits[0].ItemID)
	assert.Equal(t, "item-b", hits[1].ItemID)
	assert.Equal(t, "item-c", hits[2].ItemID)
}

func TestExactStoreFiltersBySection(t *testing.T) {
	s := vectorstore.NewExactStore(2)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Upsert(ctx, "mine", "sec-mine", []float32{1, 0}, now))
	require.NoError(t, s.Upsert(ctx, "theirs", "sec-theirs", []float32{1, 0}, now))

	hits, err := s.Query(ctx, []float32{1, 0}, 10, allowedSet("sec-mine"))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "mine", hits[0].ItemID)
	assert.Equal(t, "sec-mine", hits[0].SectionID)
}

func TestExactStoreEmptyAllowedReturnsNothing(t *testing.T) {
	s := vectorstore.NewExactStore(2)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "a", "sec-1", []float32{1, 0}, time.Now()))

	hits, err := s.Query(ctx, []float32{1, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.Query(ctx, []float32{1, 0}, 0, allowedSet("sec-1"))
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestExactStoreNoPadding(t *testing.T) {
	s := vectorstore.NewExactStore(2)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Upsert(ctx, "only", "sec-1", []float32{1, 0}, now))

	hits, err := s.Query(ctx, []float32{1, 0}, 10, allowedSet("sec-1"))
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestExactStoreCapsAtK(t *testing.T) {
	s := vectorstore.NewExactStore(2)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("item-%02d", i)
		require.NoError(t, s.Upsert(ctx, id, "sec-1", []float32{1, float32(i)}, now))
	}

	hits, err := s.Query(ctx, []float32{1, 0}, 4, allowedSet("sec-1"))
	require.NoError(t, err)
	assert.Len(t, hits, 4)
}

func TestExactStoreMoveChangesSection(t *testing.T) {
	s := vectorstore.NewExactStore(2)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Upsert(ctx, "item", "sec-old", []float32{1, 0}, now))
	require.NoError(t, s.Upsert(ctx, "item", "sec-new", []float32{1, 0}, now))

	hits, err := s.Query(ctx, []float32{1, 0}, 5, allowedSet("sec-old"))
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.Query(ctx, []float32{1, 0}, 5, allowedSet("sec-new"))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "sec-new", hits[0].SectionID)
	assert.Equal(t, 1, s.Len())
}

func TestExactStoreRemove(t *testing.T) {
	s := vectorstore.NewExactStore(2)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "item", "sec-1", []float32{1, 0}, time.Now()))
	require.NoError(t, s.Remove(ctx, "item"))
	require.NoError(t, s.Remove(ctx, "never-existed"))

	hits, err := s.Query(ctx, []float32{1, 0}, 5, allowedSet("sec-1"))
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Equal(t, 0, s.Len())
}

func TestExactStoreRejectsDimensionMismatch(t *testing.T) {
	s := vectorstore.NewExactStore(3)
	ctx := context.Background()

	err := s.Upsert(ctx, "item", "sec-1", []float32{1, 0}, time.Now())
	assert.ErrorIs(t, err, vectorstore.ErrInvalidVector)

	err = s.Upsert(ctx, "item", "sec-1", nil, time.Now())
	assert.ErrorIs(t, err, vectorstore.ErrInvalidVector)

	_, err = s.Query(ctx, nil, 5, allowedSet("sec-1"))
	assert.ErrorIs(t, err, vectorstore.ErrInvalidVector)

	_, err = s.Query(ctx, []float32{1, 0}, 5, allowedSet("sec-1"))
	assert.ErrorIs(t, err, vectorstore.ErrInvalidVector)
}

func TestExactStoreZeroDimensionLatchesFirstVector(t *testing.T) {
	s := vectorstore.NewExactStore(0)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "item-1", "sec-1", []float32{1, 0, 0}, time.Now()))

	// The first vector fixed the dimension; mismatched upserts and
	// queries are rejected instead of mixing lengths in the corpus.
	err := s.Upsert(ctx, "item-2", "sec-1", []float32{1, 0}, time.Now())
	assert.ErrorIs(t, err, vectorstore.ErrInvalidVector)

	_, err = s.Query(ctx, []float32{1, 0}, 5, allowedSet("sec-1"))
	assert.ErrorIs(t, err, vectorstore.ErrInvalidVector)

	hits, err := s.Query(ctx, []float32{1, 0, 0}, 5, allowedSet("sec-1"))
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestExactStoreLastWriterWins(t *testing.T) {
	s := vectorstore.NewExactStore(2)
	ctx := context.Background()
	first := time.Now().Add(-time.Hour)
	second := time.Now()

	require.NoError(t, s.Upsert(ctx, "item", "sec-1", []float32{0, 1}, first))
	require.NoError(t, s.Upsert(ctx, "item", "sec-1", []float32{1, 0}, second))

	hits, err := s.Query(ctx, []float32{1, 0}, 1, allowedSet("sec-1"))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 0, hits[0].Distance, 1e-6)
	assert.Equal(t, second.UnixNano(), hits[0].EmbeddedAt.UnixNano())
}

func TestExactStoreConcurrentUpserts(t *testing.T) {
	s := vectorstore.NewExactStore(2)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("item-%d", n)
			sec := fmt.Sprintf("sec-%d", n%5)
			_ = s.Upsert(ctx, id, sec, []float32{1, float32(n)}, time.Now())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, s.Len())

	hits, err := s.Query(ctx, []float32{1, 0}, 100, allowedSet("sec-0", "sec-1", "sec-2", "sec-3", "sec-4"))
	require.NoError(t, err)
	assert.Len(t, hits, 50)
}

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, 2},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 1},
		{"length mismatch", []float32{1, 0, 0}, []float32{1, 0}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, vectorstore.CosineDistance(tt.a, tt.b), 1e-6)
		})
	}
}
