package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/memoryd/internal/logging"
)

var chromemTracer = otel.Tracer("memoryd.vectorstore.chromem")

// collectionPrefix namespaces section collections inside the chromem DB.
const collectionPrefix = "sec_"

// ChromemConfig holds configuration for the embedded chromem-go store.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty means
	// in-memory only.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// VectorSize is the expected embedding dimension. Default: 384.
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// Validate validates the configuration.
func (c ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements Store on chromem-go, an embeddable pure-Go
// vector database with gob persistence.
//
// Each section gets its own collection. chromem's metadata filters can't
// express "section in set", so the allowed-set contract is enforced
// structurally: a query only ever opens the collections of allowed
// sections, and entries of other sections are physically elsewhere.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *logging.Logger

	// mu guards sections, the itemID -> sectionID index used to route
	// removals and moves without scanning every collection.
	mu       sync.Mutex
	sections map[string]string
}

// NewChromemStore creates a chromem-backed store, persistent when
// cfg.Path is set.
func NewChromemStore(cfg ChromemConfig, logger *logging.Logger) (*ChromemStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path != "" {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem DB: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	s := &ChromemStore{
		db:       db,
		config:   cfg,
		logger:   logger.Named("vectorstore.chromem"),
		sections: make(map[string]string),
	}
	s.logger.Info(context.Background(), "chromem store initialized")
	return s, nil
}

// noEmbedding rejects implicit embedding; every document carries an
// explicit vector.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("vectorstore: implicit embedding not supported")
}

func (s *ChromemStore) collection(sectionID string) (*chromem.Collection, error) {
	return s.db.GetOrCreateCollection(collectionPrefix+sectionID, nil, noEmbedding)
}

func (s *ChromemStore) Upsert(ctx context.Context, itemID, sectionID string, vector []float32, embeddedAt time.Time) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", itemID))

	if itemID == "" || sectionID == "" {
		return fmt.Errorf("%w: item and section IDs required", ErrInvalidVector)
	}
	if len(vector) != s.config.VectorSize {
		return fmt.Errorf("%w: got dimension %d, want %d", ErrInvalidVector, len(vector), s.config.VectorSize)
	}

	// Route the delete for a moved item to its previous collection.
	s.mu.Lock()
	prev, known := s.sections[itemID]
	s.sections[itemID] = sectionID
	s.mu.Unlock()

	if known && prev != sectionID {
		if err := s.deleteFromSection(ctx, prev, itemID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	col, err := s.collection(sectionID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	err = col.AddDocument(ctx, chromem.Document{
		ID:        itemID,
		Embedding: vector,
		Content:   itemID,
		Metadata: map[string]string{
			"section_id":  sectionID,
			"embedded_at": embeddedAt.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	UpsertsTotal.WithLabelValues("chromem").Inc()
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *ChromemStore) Remove(ctx context.Context, itemID string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Remove")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", itemID))

	s.mu.Lock()
	sectionID, known := s.sections[itemID]
	delete(s.sections, itemID)
	s.mu.Unlock()

	if known {
		if err := s.deleteFromSection(ctx, sectionID, itemID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		RemovesTotal.WithLabelValues("chromem").Inc()
		return nil
	}

	// Unknown routing (e.g. after a restart of an in-memory index over a
	// persistent DB): sweep every section collection.
	for name := range s.db.ListCollections() {
		col := s.db.GetCollection(name, noEmbedding)
		if col == nil {
			continue
		}
		if err := col.Delete(ctx, nil, nil, itemID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	RemovesTotal.WithLabelValues("chromem").Inc()
	return nil
}

func (s *ChromemStore) deleteFromSection(ctx context.Context, sectionID, itemID string) error {
	col := s.db.GetCollection(collectionPrefix+sectionID, noEmbedding)
	if col == nil {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, itemID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *ChromemStore) Query(ctx context.Context, vector []float32, k int, allowed map[string]struct{}) ([]Hit, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()
	span.SetAttributes(
		attribute.Int("k", k),
		attribute.Int("allowed_sections", len(allowed)),
	)

	start := time.Now()
	defer func() { QueryDuration.WithLabelValues("chromem").Observe(time.Since(start).Seconds()) }()
	QueriesTotal.WithLabelValues("chromem").Inc()

	if k <= 0 || len(allowed) == 0 {
		return nil, nil
	}
	if len(vector) != s.config.VectorSize {
		err := fmt.Errorf("%w: got dimension %d, want %d", ErrInvalidVector, len(vector), s.config.VectorSize)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// Top-k per allowed section in parallel, then a single merge. Each
	// collection holds exactly one section, so the union is already
	// permission-scoped.
	var (
		mu   sync.Mutex
		hits []Hit
	)
	g, gctx := errgroup.WithContext(ctx)
	for sectionID := range allowed {
		g.Go(func() error {
			col := s.db.GetCollection(collectionPrefix+sectionID, noEmbedding)
			if col == nil {
				return nil
			}
			n := col.Count()
			if n == 0 {
				return nil
			}
			if n > k {
				n = k
			}
			results, err := col.QueryEmbedding(gctx, vector, n, nil, nil)
			if err != nil {
				return fmt.Errorf("%w: querying section %s: %v", ErrUnavailable, sectionID, err)
			}
			local := make([]Hit, 0, len(results))
			for _, r := range results {
				embeddedAt, _ := time.Parse(time.RFC3339Nano, r.Metadata["embedded_at"])
				local = append(local, Hit{
					ItemID:     r.ID,
					SectionID:  sectionID,
					Distance:   1 - float64(r.Similarity),
					EmbeddedAt: embeddedAt,
				})
			}
			mu.Lock()
			hits = append(hits, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))
	span.SetStatus(codes.Ok, "")
	return hits, nil
}

func (s *ChromemStore) Close() error { return nil }

// Ensure ChromemStore implements Store.
var _ Store = (*ChromemStore)(nil)
