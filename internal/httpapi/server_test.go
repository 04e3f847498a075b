package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memoryd/internal/access"
	"github.com/fyrsmithlabs/memoryd/internal/catalog"
	"github.com/fyrsmithlabs/memoryd/internal/domain"
	"github.com/fyrsmithlabs/memoryd/internal/embeddings"
	"github.com/fyrsmithlabs/memoryd/internal/httpapi"
	"github.com/fyrsmithlabs/memoryd/internal/ingest"
	"github.com/fyrsmithlabs/memoryd/internal/retrieval"
	"github.com/fyrsmithlabs/memoryd/internal/vectorstore"
)

type apiFixture struct {
	catalog *catalog.MemoryCatalog
	server  *httpapi.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	provider, err := embeddings.NewHashProvider(64)
	require.NoError(t, err)

	cat := catalog.NewMemoryCatalog()
	store := vectorstore.NewExactStore(64)
	index := access.NewIndex(cat, nil)
	pipeline := ingest.New(cat, provider, store, index, nil, ingest.Config{})
	coordinator := retrieval.New(cat, provider, store, index, nil, retrieval.Config{})

	srv, err := httpapi.NewServer(coordinator, pipeline, nil, httpapi.Config{})
	require.NoError(t, err)

	f := &apiFixture{catalog: cat, server: srv}
	f.seed(t, pipeline)
	return f
}

func (f *apiFixture) seed(t *testing.T, pipeline *ingest.Pipeline) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.catalog.CreateUser(ctx, &domain.User{ID: "alice"}))
	require.NoError(t, f.catalog.CreateSection(ctx, &domain.Section{ID: "sec-1", OwnerID: "alice", Name: "groceries"}))
	now := time.Now()
	require.NoError(t, f.catalog.UpsertItem(ctx, &domain.Item{
		ID: "item-1", SectionID: "sec-1", Text: "buy milk", Kind: domain.ItemNote,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, pipeline.IndexItem(ctx, "item-1"))
}

func (f *apiFixture) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echoContentType, "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestMetricsExposed(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "memoryd_")
}

func TestSearchRequiresUserHeader(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/search", "", `{"query":"milk","k":5}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSearchReturnsResults(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/search", "alice", `{"query":"milk","k":5}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp httpapi.SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "item-1", resp.Results[0].ItemID)
	assert.Equal(t, "buy milk", resp.Results[0].Text)
}

func TestSearchEmptyForStranger(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.catalog.CreateUser(context.Background(), &domain.User{ID: "bob"}))

	rec := f.do(t, http.MethodPost, "/v1/search", "bob", `{"query":"milk","k":5}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp httpapi.SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Results)
}

func TestIndexAndRemoveItem(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, f.catalog.UpsertItem(ctx, &domain.Item{
		ID: "item-2", SectionID: "sec-1", Text: "walk the dog", Kind: domain.ItemTask,
		CreatedAt: now, UpdatedAt: now,
	}))

	rec := f.do(t, http.MethodPost, "/v1/items/item-2/index", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	search := f.do(t, http.MethodPost, "/v1/search", "alice", `{"query":"dog","k":5}`)
	var resp httpapi.SearchResponse
	require.NoError(t, json.Unmarshal(search.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)

	rec = f.do(t, http.MethodDelete, "/v1/items/item-2/index", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	search = f.do(t, http.MethodPost, "/v1/search", "alice", `{"query":"dog","k":5}`)
	require.NoError(t, json.Unmarshal(search.Body.Bytes(), &resp))
	assert.Empty(t, resp.Results)
}

func TestRefreshPermissions(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.catalog.CreateUser(ctx, &domain.User{ID: "bob"}))
	grant := domain.SectionAccess{ID: "g-1", SectionID: "sec-1", GranteeID: "bob", CanRead: true}
	require.NoError(t, f.catalog.UpsertGrant(ctx, &grant))

	body, err := json.Marshal(ingest.AccessChange{Kind: "grant_changed", Grant: &grant})
	require.NoError(t, err)
	rec := f.do(t, http.MethodPost, "/v1/permissions/refresh", "", string(body))
	assert.Equal(t, http.StatusOK, rec.Code)

	search := f.do(t, http.MethodPost, "/v1/search", "bob", `{"query":"milk","k":5}`)
	var resp httpapi.SearchResponse
	require.NoError(t, json.Unmarshal(search.Body.Bytes(), &resp))
	assert.Len(t, resp.Results, 1)
}

func TestRefreshPermissionsRejectsBadRequests(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/permissions/refresh", "", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/permissions/refresh", "", `{"kind":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
