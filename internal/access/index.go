// Package access maintains the per-user visibility index: for every user,
// the set of sections that user may currently read.
//
// The index is derived state, recomputed incrementally from the catalog
// (ownership ∪ direct grants ∪ connection-kind grants). Each user's
// snapshot is an immutable set swapped atomically on update, so readers
// never observe a partially applied mutation and never block on recomputes
// for unrelated users.
//
// Security model: fail closed. If a recompute fails, the affected user's
// last known-good snapshot stays in place and the triggering mutation gets
// an error; visibility is never widened by a failure path.
package access

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memoryd/internal/catalog"
	"github.com/fyrsmithlabs/memoryd/internal/domain"
	"github.com/fyrsmithlabs/memoryd/internal/logging"
)

var tracer = otel.Tracer("memoryd.access")

// ErrInconsistent is returned when the index could not apply a mutation.
// The caller must treat the triggering mutation as unacknowledged and
// retry; the index keeps serving the last known-good snapshots meanwhile.
var ErrInconsistent = errors.New("access: index update failed")

// snapshot is one user's visibility set. Immutable after publish.
type snapshot struct {
	version  uint64
	sections map[string]struct{}
}

// Index maintains per-user visibility snapshots.
type Index struct {
	catalog catalog.Catalog
	logger  *logging.Logger

	mu        sync.RWMutex
	snapshots map[string]*snapshot
	version   uint64

	// userLocks serializes derive+publish per user. Derivation reads the
	// catalog outside ix.mu; without this ordering a slow recompute could
	// publish over a later one and resurrect a revoked grant.
	userLocks map[string]*sync.Mutex
}

// NewIndex creates an empty index over the given catalog. Snapshots are
// computed lazily on first read and updated incrementally afterwards.
func NewIndex(cat catalog.Catalog, logger *logging.Logger) *Index {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Index{
		catalog:   cat,
		logger:    logger.Named("access"),
		snapshots: make(map[string]*snapshot),
		userLocks: make(map[string]*sync.Mutex),
	}
}

// VisibleSections returns the set of section IDs userID may read. The
// returned map is a private copy; callers may retain and iterate it freely.
//
// The result reflects every mutation acknowledged before this call started
// (read-your-writes); a mutation applied concurrently is either fully
// visible or fully absent.
func (ix *Index) VisibleSections(ctx context.Context, userID string) (map[string]struct{}, error) {
	ix.mu.RLock()
	snap, ok := ix.snapshots[userID]
	ix.mu.RUnlock()

	if !ok {
		var err error
		snap, err = ix.refreshUser(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	out := make(map[string]struct{}, len(snap.sections))
	for id := range snap.sections {
		out[id] = struct{}{}
	}
	return out, nil
}

// OnSectionCreated updates the owner's snapshot after a section is created.
func (ix *Index) OnSectionCreated(ctx context.Context, s domain.Section) error {
	return ix.refreshUsers(ctx, "section_created", s.OwnerID)
}

// OnSectionDeleted updates every user who could see the section through
// ownership or the supplied (pre-deletion) grants.
func (ix *Index) OnSectionDeleted(ctx context.Context, s domain.Section, grants []domain.SectionAccess) error {
	affected := map[string]struct{}{s.OwnerID: {}}
	kinds := map[domain.ConnectionKind]struct{}{}
	for _, g := range grants {
		if g.ForUser() {
			affected[g.GranteeID] = struct{}{}
		} else if g.GranteeKind != "" {
			kinds[g.GranteeKind] = struct{}{}
		}
	}
	if len(kinds) > 0 {
		peers, err := ix.acceptedPeers(ctx, s.OwnerID, kinds)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInconsistent, err)
		}
		for _, p := range peers {
			affected[p] = struct{}{}
		}
	}
	return ix.refreshUsers(ctx, "section_deleted", setToSlice(affected)...)
}

// OnGrantChanged updates the users affected by a grant being added,
// updated, or removed. For a kind-scoped grant that is every accepted
// peer of the section owner holding that kind.
func (ix *Index) OnGrantChanged(ctx context.Context, g domain.SectionAccess) error {
	if g.ForUser() {
		return ix.refreshUsers(ctx, "grant_changed", g.GranteeID)
	}

	sec, err := ix.catalog.GetSection(ctx, g.SectionID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			// Section already gone; the section-deletion path handles it.
			return nil
		}
		return fmt.Errorf("%w: %v", ErrInconsistent, err)
	}
	peers, err := ix.acceptedPeers(ctx, sec.OwnerID, map[domain.ConnectionKind]struct{}{g.GranteeKind: {}})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInconsistent, err)
	}
	return ix.refreshUsers(ctx, "grant_changed", peers...)
}

// OnConnectionChanged updates both endpoints of a connection whose status
// changed; each may gain or lose kind-granted sections of the other.
func (ix *Index) OnConnectionChanged(ctx context.Context, c domain.Connection) error {
	return ix.refreshUsers(ctx, "connection_changed", c.UserA, c.UserB)
}

// refreshUsers recomputes the snapshots for the given users. Each user's
// snapshot is swapped atomically; a failure on any user aborts with
// ErrInconsistent and leaves all last known-good snapshots in place.
func (ix *Index) refreshUsers(ctx context.Context, reason string, userIDs ...string) error {
	ctx, span := tracer.Start(ctx, "access.refresh")
	defer span.End()
	span.SetAttributes(
		attribute.String("reason", reason),
		attribute.Int("affected_users", len(userIDs)),
	)

	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, err := ix.refreshUser(ctx, id); err != nil {
			span.RecordError(err)
			ix.logger.Error(ctx, "snapshot refresh failed, keeping last known-good",
				zap.String("user_id", id),
				zap.String("reason", reason),
				zap.Error(err),
			)
			return err
		}
	}

	ix.logger.Debug(ctx, "snapshots refreshed",
		zap.String("reason", reason),
		zap.Int("affected_users", len(userIDs)),
	)
	return nil
}

// refreshUser derives one user's visibility set from the catalog and
// publishes it. Returns the new snapshot.
//
// Derive and publish run under the user's lock so publishes follow catalog
// read order: a refresh that read the catalog before a revocation cannot
// land after the revocation's refresh.
func (ix *Index) refreshUser(ctx context.Context, userID string) (*snapshot, error) {
	lock := ix.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	sections, err := ix.derive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving visibility for %s: %v", ErrInconsistent, userID, err)
	}

	ix.mu.Lock()
	ix.version++
	snap := &snapshot{version: ix.version, sections: sections}
	ix.snapshots[userID] = snap
	ix.mu.Unlock()

	return snap, nil
}

// lockFor returns the mutex serializing refreshes for one user.
func (ix *Index) lockFor(userID string) *sync.Mutex {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	lock, ok := ix.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		ix.userLocks[userID] = lock
	}
	return lock
}

// derive computes ownership ∪ direct grants ∪ connection-kind grants for
// one user as a static query over the catalog relations.
func (ix *Index) derive(ctx context.Context, userID string) (map[string]struct{}, error) {
	visible := make(map[string]struct{})

	// Ownership.
	owned, err := ix.catalog.ListSectionsByOwner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing owned sections: %w", err)
	}
	for _, s := range owned {
		visible[s.ID] = struct{}{}
	}

	// Direct grants.
	grants, err := ix.catalog.ListGrantsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing grants: %w", err)
	}
	for _, g := range grants {
		if g.CanRead {
			visible[g.SectionID] = struct{}{}
		}
	}

	// Connection-kind grants: for each accepted connection, sections of
	// the peer that grant this user's connection kind.
	conns, err := ix.catalog.ListConnectionsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	for _, c := range conns {
		if c.Status != domain.ConnectionAccepted {
			continue
		}
		peer := c.Peer(userID)
		peerSections, err := ix.catalog.ListSectionsByOwner(ctx, peer)
		if err != nil {
			return nil, fmt.Errorf("listing peer sections: %w", err)
		}
		for _, s := range peerSections {
			sectionGrants, err := ix.catalog.ListGrantsBySection(ctx, s.ID)
			if err != nil {
				return nil, fmt.Errorf("listing section grants: %w", err)
			}
			for _, g := range sectionGrants {
				if !g.ForUser() && g.GranteeKind == c.Kind && g.CanRead {
					visible[s.ID] = struct{}{}
					break
				}
			}
		}
	}

	return visible, nil
}

// acceptedPeers returns the users holding an accepted connection of one of
// the given kinds with ownerID.
func (ix *Index) acceptedPeers(ctx context.Context, ownerID string, kinds map[domain.ConnectionKind]struct{}) ([]string, error) {
	conns, err := ix.catalog.ListConnectionsForUser(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	var peers []string
	for _, c := range conns {
		if c.Status != domain.ConnectionAccepted {
			continue
		}
		if _, ok := kinds[c.Kind]; ok {
			peers = append(peers, c.Peer(ownerID))
		}
	}
	return peers, nil
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
