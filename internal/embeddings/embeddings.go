// Package embeddings provides embedding generation for memoryd.
//
// The retrieval core is isolated from the model behind the narrow Embedder
// interface; providers include a TEI HTTP service, local ONNX models via
// FastEmbed (cgo builds only), and a deterministic token-hash provider for
// tests and degraded single-binary mode. Adapters add caching and
// timeout/retry resilience around any provider.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for embedding generation.
var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("embeddings: empty input")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("embeddings: invalid configuration")

	// ErrUnavailable indicates the generator failed or timed out. Search
	// requests fail on this error; ingestion retries with backoff.
	ErrUnavailable = errors.New("embeddings: generator unavailable")
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedDocuments generates embeddings for multiple texts, one per
	// input, in order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Provider is an Embedder bound to a concrete model.
type Provider interface {
	Embedder

	// Dimension returns the embedding dimension of the model.
	Dimension() int

	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig holds configuration for creating a provider.
type ProviderConfig struct {
	// Provider is "tei", "fastembed" or "hash".
	Provider string

	// Model is the embedding model name.
	Model string

	// BaseURL is the TEI endpoint (tei only).
	BaseURL string

	// CacheDir holds downloaded model files (fastembed only).
	CacheDir string

	// Dimension is the vector size (hash only; others derive it from
	// the model).
	Dimension int

	// Timeout bounds a single generator call.
	Timeout time.Duration

	// CacheEntries caps the embedding cache; 0 disables caching.
	CacheEntries int64
}

// NewProvider creates a provider from config, wrapped with the resilient
// timeout/retry adapter and, when enabled, the cache.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	var (
		base Provider
		err  error
	)
	switch cfg.Provider {
	case "hash", "":
		base, err = NewHashProvider(cfg.Dimension)
	case "tei":
		base, err = NewTEIProvider(TEIConfig{BaseURL: cfg.BaseURL, Model: cfg.Model})
	case "fastembed":
		base, err = NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	p := NewResilient(base, cfg.Timeout)
	if cfg.CacheEntries > 0 {
		return NewCached(p, cfg.CacheEntries)
	}
	return p, nil
}
