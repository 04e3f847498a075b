package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/memoryd/internal/domain"
)

// MemoryCatalog is an in-memory Catalog for tests and single-binary mode.
// All methods are safe for concurrent use.
type MemoryCatalog struct {
	mu          sync.RWMutex
	users       map[string]domain.User
	sections    map[string]domain.Section
	grants      map[string]domain.SectionAccess
	connections map[string]domain.Connection
	items       map[string]domain.Item
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		users:       make(map[string]domain.User),
		sections:    make(map[string]domain.Section),
		grants:      make(map[string]domain.SectionAccess),
		connections: make(map[string]domain.Connection),
		items:       make(map[string]domain.Item),
	}
}

func (m *MemoryCatalog) CreateUser(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return ErrConflict
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryCatalog) GetUser(_ context.Context, id string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *MemoryCatalog) CreateSection(_ context.Context, s *domain.Section) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sections[s.ID]; ok {
		return ErrConflict
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.sections[s.ID] = *s
	return nil
}

func (m *MemoryCatalog) GetSection(_ context.Context, id string) (*domain.Section, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sections[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryCatalog) ListSectionsByOwner(_ context.Context, ownerID string) ([]domain.Section, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Section
	for _, s := range m.sections {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	sortSections(out)
	return out, nil
}

// DeleteSection removes the section and its grants and soft-deletes every
// item in it, matching the cascade semantics of the Postgres store.
func (m *MemoryCatalog) DeleteSection(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sections[id]; !ok {
		return ErrNotFound
	}
	delete(m.sections, id)
	for gid, g := range m.grants {
		if g.SectionID == id {
			delete(m.grants, gid)
		}
	}
	now := time.Now().UTC()
	for iid, it := range m.items {
		if it.SectionID == id && !it.Deleted {
			it.Deleted = true
			it.UpdatedAt = now
			m.items[iid] = it
		}
	}
	return nil
}

func (m *MemoryCatalog) UpsertGrant(_ context.Context, g *domain.SectionAccess) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// One grant per (section, grantee) pair; replace in place.
	for gid, old := range m.grants {
		if old.SectionID == g.SectionID && old.GranteeID == g.GranteeID && old.GranteeKind == g.GranteeKind {
			g.ID = old.ID
			m.grants[gid] = *g
			return nil
		}
	}
	m.grants[g.ID] = *g
	return nil
}

func (m *MemoryCatalog) DeleteGrant(_ context.Context, id string) (*domain.SectionAccess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.grants, id)
	return &g, nil
}

func (m *MemoryCatalog) ListGrantsBySection(_ context.Context, sectionID string) ([]domain.SectionAccess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.SectionAccess
	for _, g := range m.grants {
		if g.SectionID == sectionID {
			out = append(out, g)
		}
	}
	sortGrants(out)
	return out, nil
}

func (m *MemoryCatalog) ListGrantsForUser(_ context.Context, userID string) ([]domain.SectionAccess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.SectionAccess
	for _, g := range m.grants {
		if g.GranteeID == userID {
			out = append(out, g)
		}
	}
	sortGrants(out)
	return out, nil
}

func (m *MemoryCatalog) CreateConnection(_ context.Context, c *domain.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, old := range m.connections {
		if (old.UserA == c.UserA && old.UserB == c.UserB) || (old.UserA == c.UserB && old.UserB == c.UserA) {
			return ErrConflict
		}
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.connections[c.ID] = *c
	return nil
}

func (m *MemoryCatalog) SetConnectionStatus(_ context.Context, id string, status domain.ConnectionStatus) (*domain.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	c.Status = status
	m.connections[id] = c
	return &c, nil
}

func (m *MemoryCatalog) ListConnectionsForUser(_ context.Context, userID string) ([]domain.Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Connection
	for _, c := range m.connections {
		if c.Involves(userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryCatalog) UpsertItem(_ context.Context, it *domain.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sections[it.SectionID]; !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	if old, ok := m.items[it.ID]; ok {
		it.CreatedAt = old.CreatedAt
	} else if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = now
	}
	m.items[it.ID] = *it
	return nil
}

func (m *MemoryCatalog) GetItem(_ context.Context, id string) (*domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &it, nil
}

func (m *MemoryCatalog) ListItemsBySection(_ context.Context, sectionID string) ([]domain.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Item
	for _, it := range m.items {
		if it.SectionID == sectionID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryCatalog) SoftDeleteItem(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	it.Deleted = true
	it.UpdatedAt = time.Now().UTC()
	m.items[id] = it
	return nil
}

func (m *MemoryCatalog) MoveItem(_ context.Context, itemID, newSectionID string) (*domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return nil, ErrNotFound
	}
	if _, ok := m.sections[newSectionID]; !ok {
		return nil, ErrNotFound
	}
	it.SectionID = newSectionID
	it.UpdatedAt = time.Now().UTC()
	m.items[itemID] = it
	return &it, nil
}

func (m *MemoryCatalog) Close() error { return nil }

func sortSections(s []domain.Section) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}

func sortGrants(g []domain.SectionAccess) {
	sort.Slice(g, func(i, j int) bool { return g[i].ID < g[j].ID })
}

// Ensure MemoryCatalog implements Catalog.
var _ Catalog = (*MemoryCatalog)(nil)
