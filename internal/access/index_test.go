package access_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memoryd/internal/access"
	"github.com/fyrsmithlabs/memoryd/internal/catalog"
	"github.com/fyrsmithlabs/memoryd/internal/domain"
)

type indexFixture struct {
	catalog *catalog.MemoryCatalog
	index   *access.Index
}

func newIndexFixture(t *testing.T) *indexFixture {
	t.Helper()
	cat := catalog.NewMemoryCatalog()
	return &indexFixture{catalog: cat, index: access.NewIndex(cat, nil)}
}

func (f *indexFixture) addUser(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.catalog.CreateUser(context.Background(), &domain.User{ID: id}))
}

func (f *indexFixture) addSection(t *testing.T, id, ownerID string) domain.Section {
	t.Helper()
	s := domain.Section{ID: id, OwnerID: ownerID, Name: id}
	require.NoError(t, f.catalog.CreateSection(context.Background(), &s))
	return s
}

func (f *indexFixture) visible(t *testing.T, userID string) map[string]struct{} {
	t.Helper()
	v, err := f.index.VisibleSections(context.Background(), userID)
	require.NoError(t, err)
	return v
}

func TestOwnerSeesOwnSections(t *testing.T) {
	f := newIndexFixture(t)
	f.addUser(t, "alice")
	f.addSection(t, "sec-1", "alice")
	f.addSection(t, "sec-2", "alice")

	v := f.visible(t, "alice")
	assert.Len(t, v, 2)
	assert.Contains(t, v, "sec-1")
	assert.Contains(t, v, "sec-2")
}

func TestStrangerSeesNothing(t *testing.T) {
	f := newIndexFixture(t)
	f.addUser(t, "alice")
	f.addUser(t, "bob")
	f.addSection(t, "sec-1", "alice")

	assert.Empty(t, f.visible(t, "bob"))
}

func TestDirectGrantVisibility(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()
	f.addUser(t, "alice")
	f.addUser(t, "bob")
	f.addSection(t, "sec-1", "alice")

	grant := domain.SectionAccess{ID: "g-1", SectionID: "sec-1", GranteeID: "bob", CanRead: true}
	require.NoError(t, f.catalog.UpsertGrant(ctx, &grant))
	require.NoError(t, f.index.OnGrantChanged(ctx, grant))

	assert.Contains(t, f.visible(t, "bob"), "sec-1")

	// Revocation takes effect on the next read.
	removed, err := f.catalog.DeleteGrant(ctx, "g-1")
	require.NoError(t, err)
	require.NoError(t, f.index.OnGrantChanged(ctx, *removed))

	assert.Empty(t, f.visible(t, "bob"))
}

func TestWriteOnlyGrantDoesNotExposeSection(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()
	f.addUser(t, "alice")
	f.addUser(t, "bob")
	f.addSection(t, "sec-1", "alice")

	grant := domain.SectionAccess{ID: "g-1", SectionID: "sec-1", GranteeID: "bob", CanWrite: true}
	require.NoError(t, f.catalog.UpsertGrant(ctx, &grant))
	require.NoError(t, f.index.OnGrantChanged(ctx, grant))

	assert.Empty(t, f.visible(t, "bob"))
}

func TestKindGrantRequiresAcceptedConnection(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()
	f.addUser(t, "alice")
	f.addUser(t, "bob")
	f.addSection(t, "sec-1", "alice")

	grant := domain.SectionAccess{ID: "g-1", SectionID: "sec-1", GranteeKind: domain.ConnectionFamily, CanRead: true}
	require.NoError(t, f.catalog.UpsertGrant(ctx, &grant))
	require.NoError(t, f.index.OnGrantChanged(ctx, grant))

	// No connection yet: nothing visible.
	assert.Empty(t, f.visible(t, "bob"))

	conn := domain.Connection{ID: "c-1", UserA: "alice", UserB: "bob", Kind: domain.ConnectionFamily, Status: domain.ConnectionPending}
	require.NoError(t, f.catalog.CreateConnection(ctx, &conn))
	require.NoError(t, f.index.OnConnectionChanged(ctx, conn))

	// Pending does not count.
	assert.Empty(t, f.visible(t, "bob"))

	accepted, err := f.catalog.SetConnectionStatus(ctx, "c-1", domain.ConnectionAccepted)
	require.NoError(t, err)
	require.NoError(t, f.index.OnConnectionChanged(ctx, *accepted))

	assert.Contains(t, f.visible(t, "bob"), "sec-1")

	// A friend-kind peer would not match a family-kind grant.
	f.addUser(t, "carol")
	friendConn := domain.Connection{ID: "c-2", UserA: "alice", UserB: "carol", Kind: domain.ConnectionFriend, Status: domain.ConnectionAccepted}
	require.NoError(t, f.catalog.CreateConnection(ctx, &friendConn))
	require.NoError(t, f.index.OnConnectionChanged(ctx, friendConn))
	assert.Empty(t, f.visible(t, "carol"))

	// Revoking the connection drops the kind-granted section.
	revoked, err := f.catalog.SetConnectionStatus(ctx, "c-1", domain.ConnectionRevoked)
	require.NoError(t, err)
	require.NoError(t, f.index.OnConnectionChanged(ctx, *revoked))
	assert.Empty(t, f.visible(t, "bob"))
}

func TestOnSectionCreatedAndDeleted(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()
	f.addUser(t, "alice")
	f.addUser(t, "bob")

	// Prime snapshots so the incremental paths are exercised.
	require.Empty(t, f.visible(t, "alice"))
	require.Empty(t, f.visible(t, "bob"))

	sec := f.addSection(t, "sec-1", "alice")
	require.NoError(t, f.index.OnSectionCreated(ctx, sec))
	assert.Contains(t, f.visible(t, "alice"), "sec-1")

	grant := domain.SectionAccess{ID: "g-1", SectionID: "sec-1", GranteeID: "bob", CanRead: true}
	require.NoError(t, f.catalog.UpsertGrant(ctx, &grant))
	require.NoError(t, f.index.OnGrantChanged(ctx, grant))
	require.Contains(t, f.visible(t, "bob"), "sec-1")

	grants, err := f.catalog.ListGrantsBySection(ctx, "sec-1")
	require.NoError(t, err)
	require.NoError(t, f.catalog.DeleteSection(ctx, "sec-1"))
	require.NoError(t, f.index.OnSectionDeleted(ctx, sec, grants))

	assert.Empty(t, f.visible(t, "alice"))
	assert.Empty(t, f.visible(t, "bob"))
}

func TestSnapshotIsPrivateCopy(t *testing.T) {
	f := newIndexFixture(t)
	f.addUser(t, "alice")
	f.addSection(t, "sec-1", "alice")

	v := f.visible(t, "alice")
	delete(v, "sec-1")

	assert.Contains(t, f.visible(t, "alice"), "sec-1")
}

// stallingCatalog wraps a catalog and parks one armed call to
// ListConnectionsForUser between entering and being released.
type stallingCatalog struct {
	catalog.Catalog
	mu      sync.Mutex
	target  string
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (s *stallingCatalog) ListConnectionsForUser(ctx context.Context, userID string) ([]domain.Connection, error) {
	s.mu.Lock()
	trip := s.armed && userID == s.target
	if trip {
		s.armed = false
	}
	s.mu.Unlock()
	if trip {
		close(s.entered)
		<-s.release
	}
	return s.Catalog.ListConnectionsForUser(ctx, userID)
}

func TestStalledRefreshCannotResurrectRevokedGrant(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMemoryCatalog()
	require.NoError(t, cat.CreateUser(ctx, &domain.User{ID: "alice"}))
	require.NoError(t, cat.CreateUser(ctx, &domain.User{ID: "bob"}))
	require.NoError(t, cat.CreateSection(ctx, &domain.Section{ID: "sec-1", OwnerID: "alice", Name: "notes"}))

	sc := &stallingCatalog{Catalog: cat, target: "bob", entered: make(chan struct{}), release: make(chan struct{})}
	ix := access.NewIndex(sc, nil)

	grant := domain.SectionAccess{ID: "g-1", SectionID: "sec-1", GranteeID: "bob", CanRead: true}
	require.NoError(t, cat.UpsertGrant(ctx, &grant))
	require.NoError(t, ix.OnGrantChanged(ctx, grant))

	v, err := ix.VisibleSections(ctx, "bob")
	require.NoError(t, err)
	require.Contains(t, v, "sec-1")

	// Park a refresh after it has read the pre-revocation grants but
	// before it can publish.
	sc.mu.Lock()
	sc.armed = true
	sc.mu.Unlock()
	slow := make(chan error, 1)
	go func() { slow <- ix.OnGrantChanged(ctx, grant) }()
	<-sc.entered

	// Revoke while the slow refresh is parked; its refresh must not be
	// overwritten by the parked one.
	removed, err := cat.DeleteGrant(ctx, "g-1")
	require.NoError(t, err)
	fast := make(chan error, 1)
	go func() { fast <- ix.OnGrantChanged(ctx, *removed) }()

	time.Sleep(50 * time.Millisecond)
	close(sc.release)
	require.NoError(t, <-slow)
	require.NoError(t, <-fast)

	v, err = ix.VisibleSections(ctx, "bob")
	require.NoError(t, err)
	assert.NotContains(t, v, "sec-1", "revoked section resurfaced after a stale refresh")
}

// failingCatalog wraps a catalog and fails list calls on demand.
type failingCatalog struct {
	catalog.Catalog
	fail bool
}

var errCatalogDown = errors.New("catalog down")

func (f *failingCatalog) ListSectionsByOwner(ctx context.Context, ownerID string) ([]domain.Section, error) {
	if f.fail {
		return nil, errCatalogDown
	}
	return f.Catalog.ListSectionsByOwner(ctx, ownerID)
}

func TestFailsClosedOnCatalogErrors(t *testing.T) {
	ctx := context.Background()
	cat := catalog.NewMemoryCatalog()
	require.NoError(t, cat.CreateUser(ctx, &domain.User{ID: "alice"}))
	require.NoError(t, cat.CreateSection(ctx, &domain.Section{ID: "sec-1", OwnerID: "alice", Name: "notes"}))

	fc := &failingCatalog{Catalog: cat}
	ix := access.NewIndex(fc, nil)

	// Prime the snapshot while the catalog is healthy.
	v, err := ix.VisibleSections(ctx, "alice")
	require.NoError(t, err)
	require.Contains(t, v, "sec-1")

	fc.fail = true

	// A failed recompute reports ErrInconsistent and keeps the last
	// known-good snapshot in place.
	err = ix.OnSectionCreated(ctx, domain.Section{ID: "sec-2", OwnerID: "alice"})
	require.ErrorIs(t, err, access.ErrInconsistent)

	v, err = ix.VisibleSections(ctx, "alice")
	require.NoError(t, err)
	assert.Contains(t, v, "sec-1")
	assert.NotContains(t, v, "sec-2")

	// An unprimed user cannot be derived at all while the catalog is down.
	_, err = ix.VisibleSections(ctx, "bob")
	assert.ErrorIs(t, err, access.ErrInconsistent)
}
