package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/fyrsmithlabs/memoryd/internal/catalog/migrations"
	"github.com/fyrsmithlabs/memoryd/internal/domain"
)

// PostgresCatalog implements Catalog over Postgres via pgx's database/sql
// driver. Schema migrations are embedded and applied with goose.
type PostgresCatalog struct {
	db *sql.DB
}

// NewPostgresCatalog opens a connection pool and runs pending migrations.
func NewPostgresCatalog(ctx context.Context, dsn string) (*PostgresCatalog, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &PostgresCatalog{db: db}, nil
}

func (p *PostgresCatalog) CreateUser(ctx context.Context, u *domain.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, created_at) VALUES ($1, $2, $3)`,
		u.ID, u.DisplayName, u.CreatedAt)
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

func (p *PostgresCatalog) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	err := p.db.QueryRowContext(ctx,
		`SELECT id, display_name, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.DisplayName, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting user: %w", err)
	}
	return &u, nil
}

func (p *PostgresCatalog) CreateSection(ctx context.Context, s *domain.Section) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO sections (id, owner_id, name, visibility, display_color, is_template, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.OwnerID, s.Name, s.Visibility, s.DisplayColor, s.IsTemplate, s.CreatedAt)
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

func (p *PostgresCatalog) GetSection(ctx context.Context, id string) (*domain.Section, error) {
	var s domain.Section
	err := p.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, visibility, display_color, is_template, created_at
		 FROM sections WHERE id = $1`, id).
		Scan(&s.ID, &s.OwnerID, &s.Name, &s.Visibility, &s.DisplayColor, &s.IsTemplate, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting section: %w", err)
	}
	return &s, nil
}

func (p *PostgresCatalog) ListSectionsByOwner(ctx context.Context, ownerID string) ([]domain.Section, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, owner_id, name, visibility, display_color, is_template, created_at
		 FROM sections WHERE owner_id = $1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("selecting sections: %w", err)
	}
	defer rows.Close()

	var out []domain.Section
	for rows.Next() {
		var s domain.Section
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.Name, &s.Visibility, &s.DisplayColor, &s.IsTemplate, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSection removes the section row (grants cascade) and soft-deletes
// its items in one transaction.
func (p *PostgresCatalog) DeleteSection(ctx context.Context, id string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE items SET deleted = true, updated_at = now() WHERE section_id = $1 AND NOT deleted`, id); err != nil {
		return fmt.Errorf("soft-deleting items: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM sections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting section: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

func (p *PostgresCatalog) UpsertGrant(ctx context.Context, g *domain.SectionAccess) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO section_grants (id, section_id, grantee_id, grantee_kind, can_read, can_write)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (section_id, grantee_id, grantee_kind)
		 DO UPDATE SET can_read = EXCLUDED.can_read, can_write = EXCLUDED.can_write`,
		g.ID, g.SectionID, g.GranteeID, g.GranteeKind, g.CanRead, g.CanWrite)
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

func (p *PostgresCatalog) DeleteGrant(ctx context.Context, id string) (*domain.SectionAccess, error) {
	var g domain.SectionAccess
	err := p.db.QueryRowContext(ctx,
		`DELETE FROM section_grants WHERE id = $1
		 RETURNING id, section_id, grantee_id, grantee_kind, can_read, can_write`, id).
		Scan(&g.ID, &g.SectionID, &g.GranteeID, &g.GranteeKind, &g.CanRead, &g.CanWrite)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("deleting grant: %w", err)
	}
	return &g, nil
}

func (p *PostgresCatalog) ListGrantsBySection(ctx context.Context, sectionID string) ([]domain.SectionAccess, error) {
	return p.listGrants(ctx,
		`SELECT id, section_id, grantee_id, grantee_kind, can_read, can_write
		 FROM section_grants WHERE section_id = $1 ORDER BY id`, sectionID)
}

func (p *PostgresCatalog) ListGrantsForUser(ctx context.Context, userID string) ([]domain.SectionAccess, error) {
	return p.listGrants(ctx,
		`SELECT id, section_id, grantee_id, grantee_kind, can_read, can_write
		 FROM section_grants WHERE grantee_id = $1 ORDER BY id`, userID)
}

func (p *PostgresCatalog) listGrants(ctx context.Context, query string, arg any) ([]domain.SectionAccess, error) {
	rows, err := p.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("selecting grants: %w", err)
	}
	defer rows.Close()

	var out []domain.SectionAccess
	for rows.Next() {
		var g domain.SectionAccess
		if err := rows.Scan(&g.ID, &g.SectionID, &g.GranteeID, &g.GranteeKind, &g.CanRead, &g.CanWrite); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (p *PostgresCatalog) CreateConnection(ctx context.Context, c *domain.Connection) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	// Reject duplicates in either direction.
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM connections
		   WHERE (user_a = $1 AND user_b = $2) OR (user_a = $2 AND user_b = $1)
		 )`, c.UserA, c.UserB).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking connection: %w", err)
	}
	if exists {
		return ErrConflict
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO connections (id, user_a, user_b, kind, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.UserA, c.UserB, c.Kind, c.Status, c.CreatedAt)
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

func (p *PostgresCatalog) SetConnectionStatus(ctx context.Context, id string, status domain.ConnectionStatus) (*domain.Connection, error) {
	var c domain.Connection
	err := p.db.QueryRowContext(ctx,
		`UPDATE connections SET status = $2 WHERE id = $1
		 RETURNING id, user_a, user_b, kind, status, created_at`, id, status).
		Scan(&c.ID, &c.UserA, &c.UserB, &c.Kind, &c.Status, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating connection: %w", err)
	}
	return &c, nil
}

func (p *PostgresCatalog) ListConnectionsForUser(ctx context.Context, userID string) ([]domain.Connection, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, user_a, user_b, kind, status, created_at
		 FROM connections WHERE user_a = $1 OR user_b = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("selecting connections: %w", err)
	}
	defer rows.Close()

	var out []domain.Connection
	for rows.Next() {
		var c domain.Connection
		if err := rows.Scan(&c.ID, &c.UserA, &c.UserB, &c.Kind, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresCatalog) UpsertItem(ctx context.Context, it *domain.Item) error {
	now := time.Now().UTC()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = now
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO items (id, section_id, creator_id, text, kind, priority, due_date, completed, deleted, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   section_id = EXCLUDED.section_id,
		   text       = EXCLUDED.text,
		   kind       = EXCLUDED.kind,
		   priority   = EXCLUDED.priority,
		   due_date   = EXCLUDED.due_date,
		   completed  = EXCLUDED.completed,
		   deleted    = EXCLUDED.deleted,
		   updated_at = EXCLUDED.updated_at`,
		it.ID, it.SectionID, it.CreatorID, it.Text, it.Kind, it.Priority,
		it.DueDate, it.Completed, it.Deleted, it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

func (p *PostgresCatalog) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	var it domain.Item
	err := p.db.QueryRowContext(ctx,
		`SELECT id, section_id, creator_id, text, kind, priority, due_date, completed, deleted, created_at, updated_at
		 FROM items WHERE id = $1`, id).
		Scan(&it.ID, &it.SectionID, &it.CreatorID, &it.Text, &it.Kind, &it.Priority,
			&it.DueDate, &it.Completed, &it.Deleted, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting item: %w", err)
	}
	return &it, nil
}

func (p *PostgresCatalog) ListItemsBySection(ctx context.Context, sectionID string) ([]domain.Item, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, section_id, creator_id, text, kind, priority, due_date, completed, deleted, created_at, updated_at
		 FROM items WHERE section_id = $1 ORDER BY id`, sectionID)
	if err != nil {
		return nil, fmt.Errorf("selecting items: %w", err)
	}
	defer rows.Close()

	var out []domain.Item
	for rows.Next() {
		var it domain.Item
		if err := rows.Scan(&it.ID, &it.SectionID, &it.CreatorID, &it.Text, &it.Kind, &it.Priority,
			&it.DueDate, &it.Completed, &it.Deleted, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (p *PostgresCatalog) SoftDeleteItem(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE items SET deleted = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("soft-deleting item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresCatalog) MoveItem(ctx context.Context, itemID, newSectionID string) (*domain.Item, error) {
	var it domain.Item
	err := p.db.QueryRowContext(ctx,
		`UPDATE items SET section_id = $2, updated_at = now() WHERE id = $1
		 RETURNING id, section_id, creator_id, text, kind, priority, due_date, completed, deleted, created_at, updated_at`,
		itemID, newSectionID).
		Scan(&it.ID, &it.SectionID, &it.CreatorID, &it.Text, &it.Kind, &it.Priority,
			&it.DueDate, &it.Completed, &it.Deleted, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("moving item: %w", err)
	}
	return &it, nil
}

func (p *PostgresCatalog) Close() error {
	return p.db.Close()
}

// uniqueViolation is the SQLSTATE for unique constraint violations.
const uniqueViolation = "23505"

// mapPgError maps unique-violation errors to ErrConflict.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return fmt.Errorf("db error: %w", err)
}

// Ensure PostgresCatalog implements Catalog.
var _ Catalog = (*PostgresCatalog)(nil)
