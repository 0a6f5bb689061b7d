package auth0

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Client exchanges Auth0 client credentials for service access tokens.
type Client struct {
	Domain       string
	Audience     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

func (c *Client) config(scopes []string) (*clientcredentials.Config, error) {
	if c.Domain == "" || c.Audience == "" || c.ClientID == "" || c.ClientSecret == "" {
		return nil, errors.New("auth0: client credentials config incomplete")
	}
	return &clientcredentials.Config{
		ClientID:       c.ClientID,
		ClientSecret:   c.ClientSecret,
		TokenURL:       strings.TrimSuffix(c.Domain, "/") + "/oauth/token",
		Scopes:         scopes,
		EndpointParams: url.Values{"audience": {c.Audience}},
		AuthStyle:      oauth2.AuthStyleInParams,
	}, nil
}

// withHTTPClient makes the oauth2 package use c.HTTPClient for token calls.
func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return context.WithValue(ctx, oauth2.HTTPClient, httpClient)
}

// ClientCredentials performs a single client credentials exchange with the provided scopes.
func (c *Client) ClientCredentials(ctx context.Context, scopes []string) (*oauth2.Token, error) {
	cfg, err := c.config(scopes)
	if err != nil {
		return nil, err
	}
	return cfg.Token(c.withHTTPClient(ctx))
}

// TokenSource returns a token source that fetches service tokens for scopes
// and reuses each one until shortly before it expires. ctx is kept for every
// later fetch.
func (c *Client) TokenSource(ctx context.Context, scopes []string) (oauth2.TokenSource, error) {
	cfg, err := c.config(scopes)
	if err != nil {
		return nil, err
	}
	return cfg.TokenSource(c.withHTTPClient(ctx)), nil
}
