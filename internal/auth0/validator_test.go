package auth0

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAudience = "https://users.internal"

type jwksFixture struct {
	server *httptest.Server
	key    *rsa.PrivateKey
	hits   atomic.Int32
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &jwksFixture{key: key}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		f.hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kid": "k1",
				"kty": "RSA",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *jwksFixture) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func (f *jwksFixture) claims(extra jwt.MapClaims) jwt.MapClaims {
	c := jwt.MapClaims{
		"iss":   f.server.URL + "/",
		"sub":   "svc-auth-callback@clients",
		"aud":   testAudience,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "users:read users:write",
	}
	for k, v := range extra {
		c[k] = v
	}
	return c
}

func TestValidateToken(t *testing.T) {
	f := newJWKSFixture(t)
	v, err := NewValidator(context.Background(), f.server.URL, testAudience, WithRolesClaim("https://example.com/roles"))
	require.NoError(t, err)

	token := f.sign(t, "k1", f.claims(jwt.MapClaims{
		"https://example.com/roles": []string{"svc", "admin", "svc"},
	}))
	claims, err := v.ValidateToken(context.Background(), token, []string{"users:read"})
	require.NoError(t, err)
	assert.Equal(t, "svc-auth-callback@clients", claims.Subject)
	assert.Equal(t, []string{"admin", "svc"}, claims.Roles)
	assert.False(t, claims.ExpiresAt.IsZero())
}

func TestValidateTokenRejections(t *testing.T) {
	f := newJWKSFixture(t)
	v, err := NewValidator(context.Background(), f.server.URL, testAudience)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		scopes []string
	}{
		{name: "empty", token: ""},
		{name: "garbage", token: "not.a.jwt"},
		{name: "expired", token: f.sign(t, "k1", f.claims(jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()}))},
		{name: "wrong audience", token: f.sign(t, "k1", f.claims(jwt.MapClaims{"aud": "other"}))},
		{name: "wrong issuer", token: f.sign(t, "k1", f.claims(jwt.MapClaims{"iss": "https://evil.example.com/"}))},
		{name: "unknown kid", token: f.sign(t, "k2", f.claims(nil))},
		{name: "missing scope", token: f.sign(t, "k1", f.claims(jwt.MapClaims{"scope": "users:read"})), scopes: []string{"users:write"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateToken(context.Background(), tt.token, tt.scopes)
			assert.Error(t, err)
		})
	}
}

func TestValidateTokenScopeErrorIsDistinct(t *testing.T) {
	f := newJWKSFixture(t)
	v, err := NewValidator(context.Background(), f.server.URL, testAudience)
	require.NoError(t, err)

	_, err = v.ValidateToken(context.Background(), f.sign(t, "k1", f.claims(jwt.MapClaims{"scope": "users:read"})), []string{"users:write"})
	assert.ErrorIs(t, err, ErrInsufficientScope)

	_, err = v.ValidateToken(context.Background(), f.sign(t, "k1", f.claims(jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()})), nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInsufficientScope)
}

func TestValidateTokenPermissionsSatisfyScopes(t *testing.T) {
	f := newJWKSFixture(t)
	v, err := NewValidator(context.Background(), f.server.URL, testAudience)
	require.NoError(t, err)

	token := f.sign(t, "k1", f.claims(jwt.MapClaims{"scope": "", "permissions": []string{"users:write"}}))
	_, err = v.ValidateToken(context.Background(), token, []string{"users:write"})
	assert.NoError(t, err)
}

func TestValidatorCachesKeys(t *testing.T) {
	f := newJWKSFixture(t)
	v, err := NewValidator(context.Background(), f.server.URL, testAudience)
	require.NoError(t, err)

	token := f.sign(t, "k1", f.claims(nil))
	for i := 0; i < 3; i++ {
		_, err := v.ValidateToken(context.Background(), token, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.hits.Load())
}

func TestNewValidatorConfigErrors(t *testing.T) {
	_, err := NewValidator(context.Background(), "tenant.auth0.com", testAudience)
	assert.Error(t, err)

	_, err = NewValidator(context.Background(), "https://tenant.auth0.com", "")
	assert.Error(t, err)
}

func TestParseBearer(t *testing.T) {
	tok, err := ParseBearer("Bearer abc.def")
	require.NoError(t, err)
	assert.Equal(t, "abc.def", tok)

	_, err = ParseBearer("")
	assert.Error(t, err)
	_, err = ParseBearer("Basic xyz")
	assert.Error(t, err)
}

func TestValidatorSkipsUnusableKeys(t *testing.T) {
	strong, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	weak, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	jwk := func(kid string, n *big.Int, e []byte) map[string]string {
		return map[string]string{
			"kid": kid,
			"kty": "RSA",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(n.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(e),
		}
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{
			jwk("good", strong.N, big.NewInt(int64(strong.E)).Bytes()),
			jwk("short-modulus", weak.N, big.NewInt(int64(weak.E)).Bytes()),
			jwk("unit-exponent", strong.N, []byte{1}),
		}})
	}))
	defer srv.Close()

	v, err := NewValidator(context.Background(), srv.URL, testAudience)
	require.NoError(t, err)

	claims := jwt.MapClaims{
		"iss": srv.URL + "/",
		"aud": testAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	sign := func(kid string, key *rsa.PrivateKey) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = kid
		signed, err := tok.SignedString(key)
		require.NoError(t, err)
		return signed
	}

	_, err = v.ValidateToken(context.Background(), sign("good", strong), nil)
	require.NoError(t, err)

	_, err = v.ValidateToken(context.Background(), sign("short-modulus", weak), nil)
	assert.ErrorContains(t, err, "not found")

	_, err = v.ValidateToken(context.Background(), sign("unit-exponent", strong), nil)
	assert.ErrorContains(t, err, "not found")
}
