// Package domain defines the data model shared by the memoryd core:
// users, connections, sections, section grants, and items.
//
// These types mirror the relational ground truth maintained by the
// surrounding product. The retrieval core treats them as read-mostly
// inputs; all derived state (visibility snapshots, embeddings) lives in
// other packages and is recomputed from these records.
package domain

import "time"

// ConnectionKind is the typed relationship between two users.
type ConnectionKind string

const (
	ConnectionFamily    ConnectionKind = "family"
	ConnectionFriend    ConnectionKind = "friend"
	ConnectionColleague ConnectionKind = "colleague"
)

// ConnectionStatus is the lifecycle state of a connection.
// Only accepted connections affect visibility.
type ConnectionStatus string

const (
	ConnectionPending  ConnectionStatus = "pending"
	ConnectionAccepted ConnectionStatus = "accepted"
	ConnectionRevoked  ConnectionStatus = "revoked"
)

// ItemKind classifies an item.
type ItemKind string

const (
	ItemNote     ItemKind = "note"
	ItemTask     ItemKind = "task"
	ItemReminder ItemKind = "reminder"
)

// Visibility is a section's default policy. It seeds grants at creation
// time but never replaces explicit SectionAccess rows.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
)

// Priority is an item's urgency, carried through from the capture UI.
// The retrieval core stores but does not rank by it.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// User is an account identity. Credentials live in the excluded auth
// subsystem; the core only ever sees verified user IDs.
type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// Connection is a symmetric relation between two users. Either party may
// create it; it becomes visible-relevant only once accepted.
type Connection struct {
	ID        string
	UserA     string
	UserB     string
	Kind      ConnectionKind
	Status    ConnectionStatus
	CreatedAt time.Time
}

// Peer returns the other end of the connection, or "" if userID is not a
// participant.
func (c Connection) Peer(userID string) string {
	switch userID {
	case c.UserA:
		return c.UserB
	case c.UserB:
		return c.UserA
	default:
		return ""
	}
}

// Involves reports whether userID is one of the connection's endpoints.
func (c Connection) Involves(userID string) bool {
	return c.UserA == userID || c.UserB == userID
}

// Section is a named, owned container of items.
type Section struct {
	ID           string
	OwnerID      string
	Name         string
	Visibility   Visibility
	DisplayColor string
	IsTemplate   bool
	CreatedAt    time.Time
}

// SectionAccess grants read and/or write on a section either to a specific
// user (GranteeID set) or to every accepted connection of a kind
// (GranteeKind set). Effective permission is the union of all grants; the
// owner always has implicit full access and never appears here.
type SectionAccess struct {
	ID          string
	SectionID   string
	GranteeID   string
	GranteeKind ConnectionKind
	CanRead     bool
	CanWrite    bool
}

// ForUser reports whether the grant names a specific user.
func (a SectionAccess) ForUser() bool { return a.GranteeID != "" }

// Item is a note, task, or reminder captured into exactly one section.
// Deletion is soft: the row survives with Deleted set so the ingestion
// pipeline can purge its embedding lazily.
type Item struct {
	ID        string
	SectionID string
	CreatorID string
	Text      string
	Kind      ItemKind
	Priority  Priority
	DueDate   *time.Time
	Completed bool
	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Live reports whether the item should be visible in search results.
func (i Item) Live() bool { return !i.Deleted }
