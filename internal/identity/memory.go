package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryDirectory keeps user records in memory for local development and tests.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
	now   func() time.Time
}

// NewMemoryDirectory returns an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users: make(map[string]User),
		now:   time.Now,
	}
}

// LoadMemoryDirectory parses a JSON fixture of the form {"users": [...]} and
// seeds a directory with it.
func LoadMemoryDirectory(data []byte) (*MemoryDirectory, error) {
	type doc struct {
		Users []User `json:"users"`
	}
	var parsed doc
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("identity: parse fixture: %w", err)
	}

	dir := NewMemoryDirectory()
	for _, u := range parsed.Users {
		if strings.TrimSpace(u.ID) == "" {
			return nil, errors.New("identity: fixture contains user without id")
		}
		dir.users[u.ID] = u
	}
	return dir, nil
}

// GetByID returns the user with the exact id.
func (d *MemoryDirectory) GetByID(_ context.Context, id string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	user, ok := d.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &user, nil
}

// Create stores a new user, refusing ids that already exist.
func (d *MemoryDirectory) Create(_ context.Context, in NewUser) (*User, error) {
	if strings.TrimSpace(in.ID) == "" {
		return nil, ErrInvalidUser
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.users[in.ID]; ok {
		return nil, ErrAlreadyExists
	}
	user := User{
		ID:        in.ID,
		Name:      in.Name,
		Email:     in.Email,
		AvatarURL: in.AvatarURL,
		CreatedAt: d.now().UTC(),
	}
	d.users[in.ID] = user
	return &user, nil
}

// Len reports how many users are stored.
func (d *MemoryDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}
