package identity

import (
	"context"
	"errors"
)

// Directory abstracts the user store consulted during sign-in. Implementations
// may live in-process, behind the user-directory service, or in a database.
type Directory interface {
	GetByID(ctx context.Context, id string) (*User, error)
	Create(ctx context.Context, user NewUser) (*User, error)
}

var (
	// ErrNotFound is returned when a user cannot be located.
	ErrNotFound = errors.New("identity: user not found")
	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("identity: user already exists")
	// ErrInvalidUser is returned by Create when the record has no id.
	ErrInvalidUser = errors.New("identity: user id is required")
)
