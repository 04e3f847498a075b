// Package ingest keeps the vector store in sync with the catalog: it
// embeds and indexes item text, removes embeddings for deleted items,
// and routes permission changes to the access index.
//
// Indexing is decoupled from request lifetimes. Once an item mutation is
// accepted, the upsert runs under a detached context so an abandoned
// request never leaves a half-applied embedding behind. Embedding
// failures degrade, not break: the item stays findable through
// non-semantic paths and a background loop retries it until the
// generator recovers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/access"
	"github.com/fyrsmithlabs/memoryd/internal/catalog"
	"github.com/fyrsmithlabs/memoryd/internal/domain"
	"github.com/fyrsmithlabs/memoryd/internal/embeddings"
	"github.com/fyrsmithlabs/memoryd/internal/logging"
	"github.com/fyrsmithlabs/memoryd/internal/vectorstore"
)

var tracer = otel.Tracer("memoryd.ingest")

// ErrEmbeddingPending is returned when an item could not be embedded and
// was queued for background retry.
var ErrEmbeddingPending = errors.New("ingest: embedding pending, queued for retry")

// Config tunes the pipeline.
type Config struct {
	// MaxRetries bounds inline embedding retries before an item is
	// queued as pending. Default: 2.
	MaxRetries int

	// RetryBackoff is the initial inline retry backoff, doubled per
	// attempt. Default: 200ms.
	RetryBackoff time.Duration

	// PendingInterval is how often the background loop retries queued
	// items. Default: 30s.
	PendingInterval time.Duration

	// OpTimeout bounds a single detached store or catalog operation.
	// Default: 10s.
	OpTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.PendingInterval == 0 {
		c.PendingInterval = 30 * time.Second
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = 10 * time.Second
	}
}

// AccessChange describes a permission-affecting mutation for
// RefreshPermissions. Exactly one payload field is set per kind.
type AccessChange struct {
	// Kind is "section_created", "section_deleted", "grant_changed" or
	// "connection_changed".
	Kind string `json:"kind"`

	Section    *domain.Section        `json:"section,omitempty"`
	Grants     []domain.SectionAccess `json:"grants,omitempty"`
	Grant      *domain.SectionAccess  `json:"grant,omitempty"`
	Connection *domain.Connection     `json:"connection,omitempty"`
}

// Pipeline synchronizes catalog mutations into the vector store and the
// access index.
type Pipeline struct {
	catalog  catalog.Catalog
	embedder embeddings.Embedder
	store    vectorstore.Store
	index    *access.Index
	logger   *logging.Logger
	config   Config

	// pending holds item IDs whose embedding failed; retried by Run.
	mu      sync.Mutex
	pending map[string]struct{}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a pipeline. Call Run to start the pending-retry loop.
func New(cat catalog.Catalog, embedder embeddings.Embedder, store vectorstore.Store, index *access.Index, logger *logging.Logger, cfg Config) *Pipeline {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pipeline{
		catalog:  cat,
		embedder: embedder,
		store:    store,
		index:    index,
		logger:   logger.Named("ingest"),
		config:   cfg,
		pending:  make(map[string]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// IndexItem embeds the item's current text and upserts it tagged with
// its current section. Deleted or missing items have their embedding
// removed instead. On persistent embedding failure the item is queued as
// pending and ErrEmbeddingPending is returned.
func (p *Pipeline) IndexItem(ctx context.Context, itemID string) error {
	ctx, span := tracer.Start(ctx, "ingest.IndexItem")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", itemID))

	err := p.indexOnce(ctx, itemID)
	if err == nil {
		p.unqueue(itemID)
		return nil
	}
	if errors.Is(err, embeddings.ErrUnavailable) {
		span.RecordError(err)
		p.enqueue(itemID)
		p.logger.Warn(ctx, "embedding unavailable, item queued",
			zap.String("item_id", itemID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrEmbeddingPending, err)
	}
	span.RecordError(err)
	return err
}

// RemoveItem removes the item's embedding. Used for hard removal; soft
// deletes go through IndexItem, which observes the Deleted flag.
func (p *Pipeline) RemoveItem(ctx context.Context, itemID string) error {
	ctx, span := tracer.Start(ctx, "ingest.RemoveItem")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", itemID))

	p.unqueue(itemID)

	opCtx, cancel := p.detached(ctx)
	defer cancel()
	if err := p.store.Remove(opCtx, itemID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("removing embedding for %s: %w", itemID, err)
	}
	return nil
}

// MoveItem re-indexes an item after its section changed so the stored
// embedding carries the new section tag. The embedding cache makes the
// re-embed of unchanged text a lookup, not a model call.
func (p *Pipeline) MoveItem(ctx context.Context, itemID string) error {
	ctx, span := tracer.Start(ctx, "ingest.MoveItem")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", itemID))
	return p.IndexItem(ctx, itemID)
}

// RemoveSection removes the embeddings of every item in a deleted
// section. The catalog has already soft-deleted the items.
func (p *Pipeline) RemoveSection(ctx context.Context, sectionID string) error {
	ctx, span := tracer.Start(ctx, "ingest.RemoveSection")
	defer span.End()
	span.SetAttributes(attribute.String("section.id", sectionID))

	items, err := p.catalog.ListItemsBySection(ctx, sectionID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("listing section items: %w", err)
	}
	for _, it := range items {
		if err := p.RemoveItem(ctx, it.ID); err != nil {
			span.RecordError(err)
			return err
		}
	}
	return nil
}

// RefreshPermissions applies a permission-affecting mutation to the
// access index. The error must reach the mutation's caller before the
// mutation is acknowledged: a failed tightening is a failed mutation.
func (p *Pipeline) RefreshPermissions(ctx context.Context, ch AccessChange) error {
	ctx, span := tracer.Start(ctx, "ingest.RefreshPermissions")
	defer span.End()
	span.SetAttributes(attribute.String("change.kind", ch.Kind))

	switch ch.Kind {
	case "section_created":
		if ch.Section == nil {
			return fmt.Errorf("section_created change requires a section")
		}
		return p.index.OnSectionCreated(ctx, *ch.Section)
	case "section_deleted":
		if ch.Section == nil {
			return fmt.Errorf("section_deleted change requires a section")
		}
		return p.index.OnSectionDeleted(ctx, *ch.Section, ch.Grants)
	case "grant_changed":
		if ch.Grant == nil {
			return fmt.Errorf("grant_changed change requires a grant")
		}
		return p.index.OnGrantChanged(ctx, *ch.Grant)
	case "connection_changed":
		if ch.Connection == nil {
			return fmt.Errorf("connection_changed change requires a connection")
		}
		return p.index.OnConnectionChanged(ctx, *ch.Connection)
	default:
		return fmt.Errorf("unknown access change kind %q", ch.Kind)
	}
}

// PendingCount returns the number of items waiting on embedding retry.
func (p *Pipeline) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Run retries pending items until Close is called.
func (p *Pipeline) Run() {
	defer close(p.done)
	ticker := time.NewTicker(p.config.PendingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.retryPending()
		}
	}
}

// Close stops the pending-retry loop.
func (p *Pipeline) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *Pipeline) retryPending() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	if len(ids) == 0 {
		return
	}

	ctx := context.Background()
	p.logger.Debug(ctx, "retrying pending items", zap.Int("count", len(ids)))
	for _, id := range ids {
		select {
		case <-p.stop:
			return
		default:
		}
		if err := p.indexOnce(ctx, id); err != nil {
			p.logger.Warn(ctx, "pending item still failing",
				zap.String("item_id", id),
				zap.Error(err),
			)
			continue
		}
		p.unqueue(id)
	}
}

// indexOnce performs one full index attempt: read, embed with bounded
// inline retries, upsert detached.
func (p *Pipeline) indexOnce(ctx context.Context, itemID string) error {
	item, err := p.catalog.GetItem(ctx, itemID)
	if errors.Is(err, catalog.ErrNotFound) {
		opCtx, cancel := p.detached(ctx)
		defer cancel()
		return p.store.Remove(opCtx, itemID)
	}
	if err != nil {
		return fmt.Errorf("reading item %s: %w", itemID, err)
	}

	if !item.Live() {
		opCtx, cancel := p.detached(ctx)
		defer cancel()
		if err := p.store.Remove(opCtx, itemID); err != nil {
			return fmt.Errorf("removing deleted item %s: %w", itemID, err)
		}
		return nil
	}

	vector, err := p.embed(ctx, item.Text)
	if err != nil {
		return err
	}

	// The item may have moved or changed while we were embedding; tag the
	// vector with the section current at upsert time.
	current, err := p.catalog.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("re-reading item %s: %w", itemID, err)
	}
	if !current.Live() || current.Text != item.Text {
		// Superseded; the mutation that changed it triggers its own pass.
		return nil
	}

	opCtx, cancel := p.detached(ctx)
	defer cancel()
	if err := p.store.Upsert(opCtx, current.ID, current.SectionID, vector, time.Now()); err != nil {
		return fmt.Errorf("upserting embedding for %s: %w", itemID, err)
	}
	return nil
}

// embed generates the item vector with exponential backoff on transient
// generator failures.
func (p *Pipeline) embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	backoff := retry.WithMaxRetries(uint64(p.config.MaxRetries), retry.NewExponential(p.config.RetryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		vectors, err := p.embedder.EmbedDocuments(ctx, []string{text})
		if err != nil {
			if errors.Is(err, embeddings.ErrUnavailable) {
				return retry.RetryableError(err)
			}
			return err
		}
		vector = vectors[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vector, nil
}

// detached derives an operation context that survives cancellation of
// the request context but is still bounded in time.
func (p *Pipeline) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.config.OpTimeout)
}

func (p *Pipeline) enqueue(itemID string) {
	p.mu.Lock()
	p.pending[itemID] = struct{}{}
	PendingItems.Set(float64(len(p.pending)))
	p.mu.Unlock()
}

func (p *Pipeline) unqueue(itemID string) {
	p.mu.Lock()
	delete(p.pending, itemID)
	PendingItems.Set(float64(len(p.pending)))
	p.mu.Unlock()
}
