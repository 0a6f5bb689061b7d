package auth0

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// newTokenServer serves Auth0-style /oauth/token responses and counts calls.
func newTokenServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/oauth/token", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "aud", r.PostForm.Get("audience"))
		assert.Equal(t, "id", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"scope":        r.PostForm.Get("scope"),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientCredentials(t *testing.T) {
	var calls atomic.Int32
	srv := newTokenServer(t, &calls)

	c := &Client{Domain: srv.URL + "/", Audience: "aud", ClientID: "id", ClientSecret: "secret"}
	tok, err := c.ClientCredentials(context.Background(), []string{"users:read", "users:write"})
	require.NoError(t, err)
	assert.Equal(t, "tok", tok.AccessToken)
	assert.Equal(t, "users:read users:write", tok.Extra("scope"))
	assert.False(t, tok.Expiry.IsZero())
}

func TestClientCredentialsErrors(t *testing.T) {
	_, err := (&Client{}).ClientCredentials(context.Background(), nil)
	assert.ErrorContains(t, err, "incomplete")

	_, err = (&Client{}).TokenSource(context.Background(), nil)
	assert.ErrorContains(t, err, "incomplete")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"access_denied"}`))
	}))
	defer srv.Close()

	c := &Client{Domain: srv.URL, Audience: "aud", ClientID: "id", ClientSecret: "secret"}
	_, err = c.ClientCredentials(context.Background(), nil)
	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, http.StatusUnauthorized, retrieveErr.Response.StatusCode)
}

func TestTokenSourceReusesToken(t *testing.T) {
	var calls atomic.Int32
	srv := newTokenServer(t, &calls)

	c := &Client{Domain: srv.URL, Audience: "aud", ClientID: "id", ClientSecret: "secret", HTTPClient: srv.Client()}
	ts, err := c.TokenSource(context.Background(), nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		tok, err := ts.Token()
		require.NoError(t, err)
		assert.Equal(t, "tok", tok.AccessToken)
	}
	assert.Equal(t, int32(1), calls.Load())
}
