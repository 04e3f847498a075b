package ingest_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memoryd/internal/access"
	"github.com/fyrsmithlabs/memoryd/internal/catalog"
	"github.com/fyrsmithlabs/memoryd/internal/domain"
	"github.com/fyrsmithlabs/memoryd/internal/embeddings"
	"github.com/fyrsmithlabs/memoryd/internal/ingest"
	"github.com/fyrsmithlabs/memoryd/internal/vectorstore"
)

// switchableEmbedder fails until recovered, then delegates to the hash
// provider.
type switchableEmbedder struct {
	mu     sync.Mutex
	broken bool
	inner  embeddings.Embedder
}

func (s *switchableEmbedder) setBroken(broken bool) {
	s.mu.Lock()
	s.broken = broken
	s.mu.Unlock()
}

func (s *switchableEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	broken := s.broken
	s.mu.Unlock()
	if broken {
		return nil, embeddings.ErrUnavailable
	}
	return s.inner.EmbedQuery(ctx, text)
}

func (s *switchableEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	broken := s.broken
	s.mu.Unlock()
	if broken {
		return nil, embeddings.ErrUnavailable
	}
	return s.inner.EmbedDocuments(ctx, texts)
}

type fixture struct {
	catalog  *catalog.MemoryCatalog
	embedder *switchableEmbedder
	store    *vectorstore.ExactStore
	index    *access.Index
	pipeline *ingest.Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hash, err := embeddings.NewHashProvider(64)
	require.NoError(t, err)

	cat := catalog.NewMemoryCatalog()
	emb := &switchableEmbedder{inner: hash}
	store := vectorstore.NewExactStore(64)
	index := access.NewIndex(cat, nil)

	p := ingest.New(cat, emb, store, index, nil, ingest.Config{
		MaxRetries:      1,
		RetryBackoff:    time.Millisecond,
		PendingInterval: 10 * time.Millisecond,
	})
	return &fixture{catalog: cat, embedder: emb, store: store, index: index, pipeline: p}
}

func (f *fixture) addItem(t *testing.T, id, sectionID, text string) {
	t.Helper()
	require.NoError(t, f.catalog.UpsertItem(context.Background(), &domain.Item{
		ID:        id,
		SectionID: sectionID,
		Text:      text,
		Kind:      domain.ItemNote,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}))
}

func (f *fixture) queryAll(t *testing.T, text string, sections ...string) []vectorstore.Hit {
	t.Helper()
	vec, err := f.embedder.inner.EmbedQuery(context.Background(), text)
	require.NoError(t, err)
	allowed := make(map[string]struct{})
	for _, s := range sections {
		allowed[s] = struct{}{}
	}
	hits, err := f.store.Query(context.Background(), vec, 100, allowed)
	require.NoError(t, err)
	return hits
}

func TestIndexItemStoresEmbedding(t *testing.T) {
	f := newFixture(t)
	f.addItem(t, "item-1", "sec-1", "buy milk")

	require.NoError(t, f.pipeline.IndexItem(context.Background(), "item-1"))

	hits := f.queryAll(t, "milk", "sec-1")
	require.Len(t, hits, 1)
	assert.Equal(t, "item-1", hits[0].ItemID)
	assert.Equal(t, "sec-1", hits[0].SectionID)
}

func TestIndexItemRemovesSoftDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addItem(t, "item-1", "sec-1", "buy milk")
	require.NoError(t, f.pipeline.IndexItem(ctx, "item-1"))

	require.NoError(t, f.catalog.SoftDeleteItem(ctx, "item-1"))
	require.NoError(t, f.pipeline.IndexItem(ctx, "item-1"))

	assert.Empty(t, f.queryAll(t, "milk", "sec-1"))
}

func TestIndexItemRemovesMissing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.pipeline.IndexItem(context.Background(), "ghost"))
	assert.Equal(t, 0, f.store.Len())
}

func TestIndexItemQueuesOnEmbeddingFailure(t *testing.T) {
	f := newFixture(t)
	f.addItem(t, "item-1", "sec-1", "buy milk")
	f.embedder.setBroken(true)

	err := f.pipeline.IndexItem(context.Background(), "item-1")
	assert.ErrorIs(t, err, ingest.ErrEmbeddingPending)
	assert.Equal(t, 1, f.pipeline.PendingCount())
	assert.Empty(t, f.queryAll(t, "milk", "sec-1"))
}

func TestPendingLoopRecovers(t *testing.T) {
	f := newFixture(t)
	f.addItem(t, "item-1", "sec-1", "buy milk")
	f.embedder.setBroken(true)

	err := f.pipeline.IndexItem(context.Background(), "item-1")
	require.ErrorIs(t, err, ingest.ErrEmbeddingPending)

	go f.pipeline.Run()
	defer f.pipeline.Close()

	f.embedder.setBroken(false)
	require.Eventually(t, func() bool {
		return f.pipeline.PendingCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Len(t, f.queryAll(t, "milk", "sec-1"), 1)
}

func TestMoveItemRetagsSection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addItem(t, "item-1", "sec-old", "buy milk")
	require.NoError(t, f.pipeline.IndexItem(ctx, "item-1"))

	_, err := f.catalog.MoveItem(ctx, "item-1", "sec-new")
	require.NoError(t, err)
	require.NoError(t, f.pipeline.MoveItem(ctx, "item-1"))

	assert.Empty(t, f.queryAll(t, "milk", "sec-old"))
	hits := f.queryAll(t, "milk", "sec-new")
	require.Len(t, hits, 1)
	assert.Equal(t, "sec-new", hits[0].SectionID)
}

func TestRemoveSectionCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addItem(t, "item-1", "sec-1", "buy milk")
	f.addItem(t, "item-2", "sec-1", "walk dog")
	f.addItem(t, "other", "sec-2", "call mom")
	require.NoError(t, f.pipeline.IndexItem(ctx, "item-1"))
	require.NoError(t, f.pipeline.IndexItem(ctx, "item-2"))
	require.NoError(t, f.pipeline.IndexItem(ctx, "other"))

	require.NoError(t, f.pipeline.RemoveSection(ctx, "sec-1"))

	assert.Equal(t, 1, f.store.Len())
	assert.Len(t, f.queryAll(t, "call mom", "sec-2"), 1)
}

func TestRefreshPermissionsGrantChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.catalog.CreateUser(ctx, &domain.User{ID: "owner"}))
	require.NoError(t, f.catalog.CreateUser(ctx, &domain.User{ID: "reader"}))
	require.NoError(t, f.catalog.CreateSection(ctx, &domain.Section{ID: "sec-1", OwnerID: "owner", Name: "notes"}))

	visible, err := f.index.VisibleSections(ctx, "reader")
	require.NoError(t, err)
	assert.Empty(t, visible)

	grant := &domain.SectionAccess{ID: "g-1", SectionID: "sec-1", GranteeID: "reader", CanRead: true}
	require.NoError(t, f.catalog.UpsertGrant(ctx, grant))
	require.NoError(t, f.pipeline.RefreshPermissions(ctx, ingest.AccessChange{
		Kind:  "grant_changed",
		Grant: grant,
	}))

	visible, err = f.index.VisibleSections(ctx, "reader")
	require.NoError(t, err)
	assert.Contains(t, visible, "sec-1")
}

func TestRefreshPermissionsRejectsUnknownKind(t *testing.T) {
	f := newFixture(t)
	err := f.pipeline.RefreshPermissions(context.Background(), ingest.AccessChange{Kind: "bogus"})
	assert.Error(t, err)
}

func TestRefreshPermissionsRequiresPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Error(t, f.pipeline.RefreshPermissions(ctx, ingest.AccessChange{Kind: "section_created"}))
	assert.Error(t, f.pipeline.RefreshPermissions(ctx, ingest.AccessChange{Kind: "grant_changed"}))
	assert.Error(t, f.pipeline.RefreshPermissions(ctx, ingest.AccessChange{Kind: "connection_changed"}))
}
