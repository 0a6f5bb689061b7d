// Package userstore provides durable implementations of identity.Directory.
package userstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/tailscale-portfolio/signin-callback/internal/identity"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	name       TEXT,
	email      TEXT,
	avatar_url TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Postgres stores users in a PostgreSQL table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("userstore: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("userstore: ping postgres: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the users table when it is missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("userstore: ensure schema: %w", err)
	}
	return nil
}

// GetByID returns the user with id, or identity.ErrNotFound.
func (p *Postgres) GetByID(ctx context.Context, id string) (*identity.User, error) {
	var (
		user                   identity.User
		name, email, avatarURL sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, email, avatar_url, created_at
		FROM users WHERE id = $1
	`, id).Scan(&user.ID, &name, &email, &avatarURL, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("userstore: get user: %w", err)
	}
	user.Name = name.String
	user.Email = email.String
	user.AvatarURL = avatarURL.String
	return &user, nil
}

// Create inserts a new user. A duplicate id yields identity.ErrAlreadyExists.
func (p *Postgres) Create(ctx context.Context, in identity.NewUser) (*identity.User, error) {
	if strings.TrimSpace(in.ID) == "" {
		return nil, identity.ErrInvalidUser
	}

	user := identity.User{
		ID:        in.ID,
		Name:      in.Name,
		Email:     in.Email,
		AvatarURL: in.AvatarURL,
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO users (id, name, email, avatar_url, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING created_at
	`, in.ID, nullString(in.Name), nullString(in.Email), nullString(in.AvatarURL)).Scan(&user.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, identity.ErrAlreadyExists
		}
		return nil, fmt.Errorf("userstore: create user: %w", err)
	}
	return &user, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
