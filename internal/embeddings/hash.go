package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashProvider is a deterministic bag-of-tokens embedder. Each lowercased
// token is hashed into a dimension bucket and the resulting vector is
// L2-normalized, so texts sharing tokens land close under cosine distance.
//
// It needs no model download or network and always produces the same
// vector for the same text, which makes it the test double for the whole
// retrieval stack and the degraded-mode fallback when no real model is
// configured. It is not a semantic model; ranking quality is limited to
// token overlap.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a provider emitting vectors of the given
// dimension (default 384).
func NewHashProvider(dimension int) (*HashProvider, error) {
	if dimension == 0 {
		dimension = 384
	}
	if dimension < 0 {
		return nil, ErrInvalidConfig
	}
	return &HashProvider{dimension: dimension}, nil
}

func (p *HashProvider) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	return p.embed(text), nil
}

func (p *HashProvider) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.embed(t)
	}
	return out, nil
}

func (p *HashProvider) Dimension() int { return p.dimension }

func (p *HashProvider) Close() error { return nil }

func (p *HashProvider) embed(text string) []float32 {
	vec := make([]float32, p.dimension)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		bucket := int(sum) % p.dimension
		if bucket < 0 {
			bucket += p.dimension
		}
		// Sign from a high bit so token collisions don't always add up.
		if sum&0x80000000 != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq > 0 {
		norm := float32(1 / math.Sqrt(sumSq))
		for i := range vec {
			vec[i] *= norm
		}
	}
	return vec
}

// Ensure HashProvider implements Provider.
var _ Provider = (*HashProvider)(nil)
