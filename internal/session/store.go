package session

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/hkdf"
)

const (
	sessionCookieName = "_session"
	flowCookieName    = "_auth_flow"

	flowTTL = 10 * time.Minute

	hashKeyInfo  = "signin-callback cookie hmac"
	blockKeyInfo = "signin-callback cookie aes"
)

// ErrNoSession is returned by Load when the request carries no session cookie.
var ErrNoSession = errors.New("session: no session")

// Session is the signed-in state kept in the browser.
type Session struct {
	Subject   string    `json:"sub"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	ExpiresAt time.Time `json:"exp"`
}

// Flow carries the login state and PKCE verifier between /auth/login and the callback.
type Flow struct {
	State    string `json:"state"`
	Verifier string `json:"verifier"`
}

// Store reads and writes signed, encrypted session cookies.
type Store struct {
	session *securecookie.SecureCookie
	flow    *securecookie.SecureCookie
	ttl     time.Duration
	secure  bool
	now     func() time.Time
}

// NewStore derives cookie keys from secret, which must be at least 32 bytes.
// Secure marks cookies HTTPS-only.
func NewStore(secret []byte, ttl time.Duration, secure bool) (*Store, error) {
	if len(secret) < 32 {
		return nil, errors.New("session: secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		return nil, errors.New("session: ttl must be positive")
	}
	hashKey, err := deriveKey(secret, hashKeyInfo)
	if err != nil {
		return nil, err
	}
	blockKey, err := deriveKey(secret, blockKeyInfo)
	if err != nil {
		return nil, err
	}

	sess := securecookie.New(hashKey, blockKey)
	sess.SetSerializer(securecookie.JSONEncoder{})
	sess.MaxAge(int(ttl.Seconds()))

	flow := securecookie.New(hashKey, blockKey)
	flow.SetSerializer(securecookie.JSONEncoder{})
	flow.MaxAge(int(flowTTL.Seconds()))

	return &Store{session: sess, flow: flow, ttl: ttl, secure: secure, now: time.Now}, nil
}

// Save writes s as the session cookie, stamping its expiry.
func (s *Store) Save(w http.ResponseWriter, sess Session) error {
	expires := s.now().Add(s.ttl)
	sess.ExpiresAt = expires.UTC()
	encoded, err := s.session.Encode("session", sess)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	http.SetCookie(w, s.cookie(sessionCookieName, encoded, expires))
	return nil
}

// Load decodes the session cookie from r.
func (s *Store) Load(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, ErrNoSession
	}
	var sess Session
	if err := s.session.Decode("session", cookie.Value, &sess); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	if !sess.ExpiresAt.IsZero() && s.now().After(sess.ExpiresAt) {
		return nil, errors.New("session: expired")
	}
	return &sess, nil
}

// Clear expires the session cookie.
func (s *Store) Clear(w http.ResponseWriter) {
	http.SetCookie(w, s.expired(sessionCookieName))
}

// SaveFlow writes the login flow cookie.
func (s *Store) SaveFlow(w http.ResponseWriter, f Flow) error {
	encoded, err := s.flow.Encode("flow", f)
	if err != nil {
		return fmt.Errorf("session: encode flow: %w", err)
	}
	http.SetCookie(w, s.cookie(flowCookieName, encoded, s.now().Add(flowTTL)))
	return nil
}

// LoadFlow returns the login flow cookie, or nil when the request has none.
func (s *Store) LoadFlow(r *http.Request) (*Flow, error) {
	cookie, err := r.Cookie(flowCookieName)
	if err != nil {
		return nil, nil
	}
	var f Flow
	if err := s.flow.Decode("flow", cookie.Value, &f); err != nil {
		return nil, fmt.Errorf("session: decode flow: %w", err)
	}
	return &f, nil
}

// ClearFlow expires the login flow cookie.
func (s *Store) ClearFlow(w http.ResponseWriter) {
	http.SetCookie(w, s.expired(flowCookieName))
}

// deriveKey expands secret into an independent 32-byte key for info.
func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("session: derive %s key: %w", info, err)
	}
	return key, nil
}

func (s *Store) cookie(name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expires,
	}
}

func (s *Store) expired(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	}
}
