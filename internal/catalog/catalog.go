// Package catalog provides access to the relational ground truth behind
// the retrieval core: users, sections, grants, connections and items.
//
// The core reads the catalog to derive visibility snapshots and embeddings
// and must tolerate it changing between its own operations; there is no
// transactional coupling between the catalog and the vector store.
//
// Two implementations exist: a Postgres store for production and an
// in-memory store for tests and single-binary deployments.
package catalog

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/memoryd/internal/domain"
)

// Sentinel errors for catalog operations.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("catalog: record not found")

	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("catalog: conflict")
)

// Catalog is the interface over the relational ground truth.
type Catalog interface {
	// Users.
	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)

	// Sections. DeleteSection soft-deletes the section's items and
	// removes its grants; callers are responsible for propagating the
	// change to the access index and vector store.
	CreateSection(ctx context.Context, s *domain.Section) error
	GetSection(ctx context.Context, id string) (*domain.Section, error)
	ListSectionsByOwner(ctx context.Context, ownerID string) ([]domain.Section, error)
	DeleteSection(ctx context.Context, id string) error

	// Grants. UpsertGrant replaces an existing grant for the same
	// section and grantee.
	UpsertGrant(ctx context.Context, g *domain.SectionAccess) error
	DeleteGrant(ctx context.Context, id string) (*domain.SectionAccess, error)
	ListGrantsBySection(ctx context.Context, sectionID string) ([]domain.SectionAccess, error)
	ListGrantsForUser(ctx context.Context, userID string) ([]domain.SectionAccess, error)

	// Connections. At most one connection per user pair.
	CreateConnection(ctx context.Context, c *domain.Connection) error
	SetConnectionStatus(ctx context.Context, id string, status domain.ConnectionStatus) (*domain.Connection, error)
	ListConnectionsForUser(ctx context.Context, userID string) ([]domain.Connection, error)

	// Items.
	UpsertItem(ctx context.Context, it *domain.Item) error
	GetItem(ctx context.Context, id string) (*domain.Item, error)
	ListItemsBySection(ctx context.Context, sectionID string) ([]domain.Item, error)
	SoftDeleteItem(ctx context.Context, id string) error
	MoveItem(ctx context.Context, itemID, newSectionID string) (*domain.Item, error)

	// Close releases underlying resources.
	Close() error
}
