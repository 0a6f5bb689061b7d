// Package directory carries the user-directory RPC: a typed client that
// satisfies identity.Directory and the HTTP server that backs it.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/tailscale-portfolio/signin-callback/internal/identity"
)

// Client calls the user-directory service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client for the service at baseURL. httpClient is
// expected to attach service credentials; see NewAuthorizedHTTPClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient}
}

// NewAuthorizedHTTPClient returns an HTTP client that sends a bearer token from
// ts on every request.
func NewAuthorizedHTTPClient(ctx context.Context, ts oauth2.TokenSource, timeout time.Duration) *http.Client {
	c := oauth2.NewClient(ctx, ts)
	c.Timeout = timeout
	return c
}

type userEnvelope struct {
	User identity.User `json:"user"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

// GetByID fetches a user, returning identity.ErrNotFound when absent.
func (c *Client) GetByID(ctx context.Context, id string) (*identity.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/users/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("directory: build get request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	var out userEnvelope
	if err := c.do(req, http.StatusOK, &out); err != nil {
		return nil, fmt.Errorf("directory: get user: %w", err)
	}
	return &out.User, nil
}

// Create provisions a user, returning identity.ErrAlreadyExists when the id is taken.
func (c *Client) Create(ctx context.Context, in identity.NewUser) (*identity.User, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("directory: marshal user: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/users", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("directory: build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	var out userEnvelope
	if err := c.do(req, http.StatusCreated, &out); err != nil {
		return nil, fmt.Errorf("directory: create user: %w", err)
	}
	return &out.User, nil
}

func (c *Client) do(req *http.Request, want int, out any) error {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode == want {
		return json.NewDecoder(res.Body).Decode(out)
	}

	var apiErr errorEnvelope
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	_ = json.Unmarshal(raw, &apiErr)

	switch res.StatusCode {
	case http.StatusNotFound:
		return identity.ErrNotFound
	case http.StatusConflict:
		return identity.ErrAlreadyExists
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", identity.ErrInvalidUser, apiErr.Error)
	}
	if apiErr.Error != "" {
		return fmt.Errorf("service returned %d: %s", res.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("service returned %d", res.StatusCode)
}
