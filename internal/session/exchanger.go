package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// ProviderUser is the identity returned by a successful code exchange.
type ProviderUser struct {
	ID       string
	Email    string
	Metadata map[string]string
}

// Meta returns a metadata value, or "" when it is absent.
func (u *ProviderUser) Meta(key string) string {
	if u == nil || u.Metadata == nil {
		return ""
	}
	return u.Metadata[key]
}

// OIDCConfig describes the relying-party registration with the identity provider.
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// OIDCExchanger trades authorization codes for verified identities.
type OIDCExchanger struct {
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
}

// NewOIDCExchanger discovers the provider metadata and builds an exchanger.
func NewOIDCExchanger(ctx context.Context, cfg OIDCConfig) (*OIDCExchanger, error) {
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("session: oidc provider: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	return NewExchanger(oauthCfg, verifier), nil
}

// NewExchanger builds an exchanger from an already configured client and verifier.
func NewExchanger(oauthCfg *oauth2.Config, verifier *oidc.IDTokenVerifier) *OIDCExchanger {
	return &OIDCExchanger{oauth: oauthCfg, verifier: verifier}
}

// AuthCodeURL returns the provider authorization URL for state, with the S256
// challenge derived from verifier.
func (e *OIDCExchanger) AuthCodeURL(state, verifier string) string {
	return e.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// Exchange redeems code and verifies the returned ID token. The PKCE verifier
// is sent only when non-empty.
func (e *OIDCExchanger) Exchange(ctx context.Context, code, verifier string) (*ProviderUser, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	token, err := e.oauth.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("session: exchange code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("session: id_token missing from token response")
	}
	idToken, err := e.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("session: verify id_token: %w", err)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("session: decode claims: %w", err)
	}
	return userFromClaims(idToken.Subject, claims)
}

func userFromClaims(subject string, claims map[string]any) (*ProviderUser, error) {
	if subject == "" {
		return nil, errors.New("session: id_token has no subject")
	}

	user := &ProviderUser{ID: subject, Metadata: make(map[string]string)}
	for k, v := range claims {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch k {
		case "sub":
		case "email":
			user.Email = s
		default:
			user.Metadata[k] = s
		}
	}
	if user.Metadata["avatar_url"] == "" && user.Metadata["picture"] != "" {
		user.Metadata["avatar_url"] = user.Metadata["picture"]
	}
	return user, nil
}
