// Package retrieval answers semantic queries over the permissioned item
// corpus. The coordinator owns the search path: embed the query, snapshot
// the caller's visible sections, query the vector store scoped to that
// snapshot, and repair or drop stale candidates before returning.
//
// The permission filter runs inside the vector store at candidate
// generation, so the coordinator never ranks over an unscoped result set.
// The catalog can change between the store query and hit resolution, so
// every hit's current section is re-checked against the snapshot before it
// is returned.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/access"
	"github.com/fyrsmithlabs/memoryd/internal/catalog"
	"github.com/fyrsmithlabs/memoryd/internal/domain"
	"github.com/fyrsmithlabs/memoryd/internal/embeddings"
	"github.com/fyrsmithlabs/memoryd/internal/logging"
	"github.com/fyrsmithlabs/memoryd/internal/vectorstore"
)

var tracer = otel.Tracer("memoryd.retrieval")

// Sentinel errors for search. Both fail closed: a degraded dependency
// produces an error, never an unfiltered or partially filtered result.
var (
	// ErrEmbeddingUnavailable indicates the query could not be embedded.
	ErrEmbeddingUnavailable = errors.New("retrieval: embedding generator unavailable")

	// ErrVectorStoreUnavailable indicates the vector store failed.
	ErrVectorStoreUnavailable = errors.New("retrieval: vector store unavailable")
)

// Result is one search hit, ordered by ascending cosine distance.
type Result struct {
	ItemID    string          `json:"item_id"`
	SectionID string          `json:"section_id"`
	Text      string          `json:"text"`
	Kind      domain.ItemKind `json:"kind"`
	Distance  float64         `json:"distance"`
}

// Config tunes the coordinator.
type Config struct {
	// OverfetchMargin is added to k on the first vector store pass to
	// absorb candidates that filtering will drop. Default: 8.
	OverfetchMargin int

	// MaxPasses caps widening retries when filtering leaves fewer than k
	// results and candidates remain. Default: 3.
	MaxPasses int

	// QueryTimeout bounds a single vector store query. Kept shorter than
	// the embedding timeout; the store answers from local state.
	// Default: 2s.
	QueryTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.OverfetchMargin == 0 {
		c.OverfetchMargin = 8
	}
	if c.MaxPasses == 0 {
		c.MaxPasses = 3
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 2 * time.Second
	}
}

// Coordinator executes permission-scoped semantic searches.
type Coordinator struct {
	catalog  catalog.Catalog
	embedder embeddings.Embedder
	store    vectorstore.Store
	index    *access.Index
	logger   *logging.Logger
	config   Config
}

// New creates a coordinator.
func New(cat catalog.Catalog, embedder embeddings.Embedder, store vectorstore.Store, index *access.Index, logger *logging.Logger, cfg Config) *Coordinator {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Coordinator{
		catalog:  cat,
		embedder: embedder,
		store:    store,
		index:    index,
		logger:   logger.Named("retrieval"),
		config:   cfg,
	}
}

// Search returns up to k live items visible to userID, ordered by
// ascending distance to queryText, ties broken by item ID. An empty
// query, non-positive k, or empty visibility set short-circuits to an
// empty result without touching the vector store.
func (c *Coordinator) Search(ctx context.Context, userID, queryText string, k int) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("user.id", userID),
		attribute.Int("k", k),
	)

	start := time.Now()
	defer func() { SearchDuration.Observe(time.Since(start).Seconds()) }()
	SearchesTotal.Inc()

	if queryText == "" || k <= 0 {
		return nil, nil
	}

	allowed, err := c.index.VisibleSections(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(allowed) == 0 {
		return nil, nil
	}
	span.SetAttributes(attribute.Int("visible_sections", len(allowed)))

	queryVector, err := c.embedder.EmbedQuery(ctx, queryText)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	// Over-fetch to absorb soft-deleted and stale candidates, widening
	// the margin while filtering leaves us short and the store still has
	// unseen candidates.
	margin := c.config.OverfetchMargin
	var results []Result
	for pass := 0; pass < c.config.MaxPasses; pass++ {
		kPrime := k + margin

		queryCtx, cancel := context.WithTimeout(ctx, c.config.QueryTimeout)
		hits, err := c.store.Query(queryCtx, queryVector, kPrime, allowed)
		cancel()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("%w: %v", ErrVectorStoreUnavailable, err)
		}

		results, err = c.filter(ctx, queryVector, hits, allowed)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		exhausted := len(hits) < kPrime
		if len(results) >= k || exhausted {
			break
		}
		margin *= 2
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ItemID < results[j].ItemID
	})
	if len(results) > k {
		results = results[:k]
	}

	span.SetAttributes(attribute.Int("results", len(results)))
	span.SetStatus(codes.Ok, "")
	return results, nil
}

// filter resolves hits against the catalog, dropping soft-deleted items
// and lazily repairing stale embeddings. A stale item whose re-embed
// fails is omitted from this response, not surfaced as an error.
func (c *Coordinator) filter(ctx context.Context, queryVector []float32, hits []vectorstore.Hit, allowed map[string]struct{}) ([]Result, error) {
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		item, err := c.catalog.GetItem(ctx, hit.ItemID)
		if errors.Is(err, catalog.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolving item %s: %w", hit.ItemID, err)
		}
		if !item.Live() {
			continue
		}

		// The store matched on the section tag recorded at index time.
		// The item may have moved since; drop it if its current section
		// is outside the caller's snapshot rather than surface it under
		// a section the caller cannot read.
		if _, ok := allowed[item.SectionID]; !ok {
			continue
		}

		distance := hit.Distance
		if item.UpdatedAt.After(hit.EmbeddedAt) {
			distance, err = c.reembed(ctx, item, queryVector)
			if err != nil {
				c.logger.Warn(ctx, "stale item omitted, re-embed failed",
					zap.String("item_id", item.ID),
					zap.Error(err),
				)
				StaleOmissions.Inc()
				continue
			}
			StaleRepairs.Inc()
		}

		results = append(results, Result{
			ItemID:    item.ID,
			SectionID: item.SectionID,
			Text:      item.Text,
			Kind:      item.Kind,
			Distance:  distance,
		})
	}
	return results, nil
}

// reembed regenerates a stale item's embedding, writes it back under a
// detached context, and returns the item's distance to the query.
func (c *Coordinator) reembed(ctx context.Context, item *domain.Item, queryVector []float32) (float64, error) {
	vectors, err := c.embedder.EmbedDocuments(ctx, []string{item.Text})
	if err != nil {
		return 0, err
	}
	vector := vectors[0]

	upsertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.QueryTimeout)
	defer cancel()
	if err := c.store.Upsert(upsertCtx, item.ID, item.SectionID, vector, time.Now()); err != nil {
		return 0, err
	}

	return vectorstore.CosineDistance(queryVector, vector), nil
}
