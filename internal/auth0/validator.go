package auth0

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const minRSABits = 2048

// ErrInsufficientScope is returned by ValidateToken when a valid token lacks
// a required scope.
var ErrInsufficientScope = errors.New("auth0: insufficient scope")

// Claims represents the subset of Auth0 access-token claims the services care about.
type Claims struct {
	Issuer      string
	Subject     string
	Scope       string
	Permissions []string
	Roles       []string
	ExpiresAt   time.Time
}

// HasScopes returns true when every scope in required is present in the claim.
func (c *Claims) HasScopes(required []string) bool {
	if len(required) == 0 {
		return true
	}

	available := map[string]struct{}{}
	for _, scope := range strings.Fields(c.Scope) {
		available[scope] = struct{}{}
	}
	for _, perm := range c.Permissions {
		available[perm] = struct{}{}
	}

	for _, s := range required {
		if _, ok := available[s]; !ok {
			return false
		}
	}
	return true
}

// Option configures the Validator.
type Option func(v *Validator)

// WithRolesClaim configures a custom claim key that should be interpreted as roles in the token.
func WithRolesClaim(claim string) Option {
	return func(v *Validator) {
		v.rolesClaim = claim
	}
}

// WithHTTPClient configures a custom HTTP client used for JWKS retrieval.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Validator) {
		v.httpClient = c
	}
}

// WithCacheTTL adjusts how long JWKS keys are cached locally.
func WithCacheTTL(ttl time.Duration) Option {
	return func(v *Validator) {
		v.cacheTTL = ttl
	}
}

// Validator verifies Auth0-issued RS256 access tokens.
type Validator struct {
	audience string
	issuer   string
	jwksURL  string

	httpClient *http.Client
	rolesClaim string
	cacheTTL   time.Duration

	mu         sync.RWMutex
	keys       map[string]*rsa.PublicKey
	lastReload time.Time
}

// NewValidator instantiates a Validator and primes a JWKS cache. Domain must be the Auth0 tenant
// base URL (e.g. https://tenant.region.auth0.com).
func NewValidator(ctx context.Context, domain, audience string, opts ...Option) (*Validator, error) {
	domain = strings.TrimSuffix(domain, "/")
	if domain == "" || !strings.HasPrefix(domain, "http") {
		return nil, fmt.Errorf("auth0: invalid domain %q", domain)
	}
	if audience == "" {
		return nil, errors.New("auth0: audience is required")
	}

	val := &Validator{
		audience: audience,
		issuer:   domain + "/",
		jwksURL:  domain + "/.well-known/jwks.json",
		cacheTTL: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(val)
	}

	if val.httpClient == nil {
		val.httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	if err := val.refreshKeys(ctx); err != nil {
		return nil, err
	}
	return val, nil
}

// ValidateToken parses and validates a JWT access token. It enforces signature, audience,
// issuer, expiry, and scopes.
func (v *Validator) ValidateToken(ctx context.Context, token string, requiredScopes []string) (*Claims, error) {
	if token == "" {
		return nil, errors.New("auth0: token is empty")
	}

	parsed, err := jwt.Parse(token,
		func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("header missing kid")
			}
			return v.lookupKey(ctx, kid)
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("auth0: invalid token: %w", err)
	}

	raw, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("auth0: unexpected claims type")
	}

	claims := &Claims{}
	claims.Issuer, _ = raw["iss"].(string)
	claims.Subject, _ = raw["sub"].(string)
	claims.Scope, _ = raw["scope"].(string)
	claims.Permissions = extractStrings(raw["permissions"])
	if exp, err := raw.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	if v.rolesClaim != "" {
		if value, ok := raw[v.rolesClaim]; ok {
			claims.Roles = extractStrings(value)
			slices.Sort(claims.Roles)
			claims.Roles = slices.Compact(claims.Roles)
		}
	}

	if !claims.HasScopes(requiredScopes) {
		return nil, fmt.Errorf("%w: need %v", ErrInsufficientScope, requiredScopes)
	}
	return claims, nil
}

func (v *Validator) lookupKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	fresh := time.Since(v.lastReload) < v.cacheTTL
	v.mu.RUnlock()

	if ok && fresh {
		return key, nil
	}

	if err := v.refreshKeys(ctx); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok = v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("auth0: jwk %q not found", kid)
	}
	return key, nil
}

func (v *Validator) refreshKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("auth0: build jwks request: %w", err)
	}

	res, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("auth0: fetch jwks: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("auth0: jwks returned status %d", res.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(res.Body).Decode(&set); err != nil {
		return fmt.Errorf("auth0: decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.KeyID == "" || (k.Algorithm != "" && k.Algorithm != jwt.SigningMethodRS256.Alg()) {
			continue
		}
		pub, ok := k.Key.(*rsa.PublicKey)
		if !ok || !usableRSAKey(pub) {
			continue
		}
		keys[k.KeyID] = pub
	}

	v.mu.Lock()
	v.keys = keys
	v.lastReload = time.Now()
	v.mu.Unlock()

	return nil
}

// usableRSAKey rejects moduli below 2048 bits and exponents outside the range
// RS256 verifiers accept.
func usableRSAKey(pub *rsa.PublicKey) bool {
	return pub.N != nil && pub.N.BitLen() >= minRSABits &&
		pub.E >= 3 && pub.E <= math.MaxInt32 && pub.E%2 == 1
}

func extractStrings(value any) []string {
	var out []string
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, v...)
	case string:
		out = append(out, v)
	}
	return out
}

// ParseBearer extracts the token from the standard Authorization header value.
func ParseBearer(header string) (string, error) {
	if header == "" {
		return "", errors.New("auth0: missing Authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("auth0: invalid Authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}
