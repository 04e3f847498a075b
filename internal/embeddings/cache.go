package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/dgraph-io/ristretto"
)

// Cached wraps a provider with a ristretto-backed embedding cache keyed
// by text. Repeated ingestion of unchanged items and repeated identical
// queries skip the generator entirely.
type Cached struct {
	inner Provider
	cache *ristretto.Cache
}

// NewCached wraps the provider with a cache holding up to maxEntries
// vectors.
func NewCached(inner Provider, maxEntries int64) (*Cached, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("%w: cache entries must be positive", ErrInvalidConfig)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

func (c *Cached) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	key := cacheKey("q", text)
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}
	vec, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, 1)
	return vec, nil
}

func (c *Cached) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if v, ok := c.cache.Get(cacheKey("d", t)); ok {
			if vec, ok := v.([]float32); ok {
				out[i] = vec
				continue
			}
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedDocuments(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", ErrUnavailable, len(vecs), len(missing))
	}
	for j, vec := range vecs {
		out[missingIdx[j]] = vec
		c.cache.Set(cacheKey("d", missing[j]), vec, 1)
	}
	return out, nil
}

func (c *Cached) Dimension() int { return c.inner.Dimension() }

func (c *Cached) Close() error {
	c.cache.Close()
	return c.inner.Close()
}

// Wait blocks until pending cache writes are applied. Test helper;
// ristretto admits entries asynchronously.
func (c *Cached) Wait() { c.cache.Wait() }

func cacheKey(kind, text string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(text))
	return h.Sum64()
}

// Ensure Cached implements Provider.
var _ Provider = (*Cached)(nil)
