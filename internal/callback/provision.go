package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tailscale-portfolio/signin-callback/internal/identity"
	"github.com/tailscale-portfolio/signin-callback/internal/session"
)

// Provisioner resolves the local user for a signed-in identity, creating it on
// first sign-in. Existing users are returned as stored.
type Provisioner struct {
	users  identity.Directory
	logger *slog.Logger
}

// NewProvisioner returns a provisioner over users.
func NewProvisioner(users identity.Directory, logger *slog.Logger) *Provisioner {
	return &Provisioner{users: users, logger: logger}
}

// GetOrCreate looks the user up by provider id and creates it when absent.
// created reports whether a new record was made.
func (p *Provisioner) GetOrCreate(ctx context.Context, pu *session.ProviderUser) (user *identity.User, created bool, err error) {
	existing, err := p.users.GetByID(ctx, pu.ID)
	if err == nil {
		p.logger.Info("user found", "user_id", pu.ID)
		return existing, false, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return nil, false, fmt.Errorf("callback: look up user: %w", err)
	}

	p.logger.Info("user not found, creating", "user_id", pu.ID)
	user, err = p.users.Create(ctx, NewUserFromProvider(pu))
	if errors.Is(err, identity.ErrAlreadyExists) {
		// Lost a race with a concurrent first sign-in.
		existing, err := p.users.GetByID(ctx, pu.ID)
		if err != nil {
			return nil, false, fmt.Errorf("callback: reload user: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("callback: create user: %w", err)
	}
	return user, true, nil
}

// NewUserFromProvider derives the record created on first sign-in. The name is
// the first non-empty of full_name, name and email.
func NewUserFromProvider(pu *session.ProviderUser) identity.NewUser {
	return identity.NewUser{
		ID:        pu.ID,
		Name:      firstNonEmpty(pu.Meta("full_name"), pu.Meta("name"), pu.Email),
		Email:     pu.Email,
		AvatarURL: pu.Meta("avatar_url"),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
