// Package callback serves the browser side of sign-in: starting the login
// flow, completing it at /auth/callback, and signing out.
package callback

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/tailscale-portfolio/signin-callback/internal/analytics"
	"github.com/tailscale-portfolio/signin-callback/internal/identity"
	"github.com/tailscale-portfolio/signin-callback/internal/session"
	"github.com/tailscale-portfolio/signin-callback/internal/telemetry"
)

// Exchanger talks to the identity provider.
type Exchanger interface {
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (*session.ProviderUser, error)
}

// SignInTracker records sign-ins for product analytics.
type SignInTracker interface {
	TrackSignIn(userID string, profile analytics.Profile) error
}

// Config controls redirect construction and outbound call limits.
type Config struct {
	// Development selects the local redirect rule, ignoring forwarded hosts.
	Development bool
	// SiteURL, when set, replaces the origin derived from the request.
	SiteURL string
	// Timeout bounds the exchange and provisioning calls of one callback.
	Timeout time.Duration
}

// Deps are the collaborators of a Handler. Tracker and Metrics may be nil.
type Deps struct {
	Exchanger Exchanger
	Users     identity.Directory
	Sessions  *session.Store
	Tracker   SignInTracker
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
}

// Handler serves the sign-in routes.
type Handler struct {
	cfg         Config
	exchanger   Exchanger
	provisioner *Provisioner
	sessions    *session.Store
	tracker     SignInTracker
	metrics     *telemetry.Metrics
	logger      *slog.Logger
}

// NewHandler builds a Handler.
func NewHandler(cfg Config, deps Deps) *Handler {
	return &Handler{
		cfg:         cfg,
		exchanger:   deps.Exchanger,
		provisioner: NewProvisioner(deps.Users, deps.Logger),
		sessions:    deps.Sessions,
		tracker:     deps.Tracker,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
	}
}

// Register mounts the sign-in routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /auth/login", h.handleLogin)
	mux.HandleFunc("GET /auth/callback", h.handleCallback)
	mux.HandleFunc("GET /auth/logout", h.handleLogout)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := randomState()
	if err != nil {
		h.logger.Error("generate login state", "error", err)
		http.Redirect(w, r, errorTarget(requestOrigin(r, h.cfg.SiteURL)), http.StatusTemporaryRedirect)
		return
	}
	verifier := oauth2.GenerateVerifier()
	if err := h.sessions.SaveFlow(w, session.Flow{State: state, Verifier: verifier}); err != nil {
		h.logger.Error("store login flow", "error", err)
		http.Redirect(w, r, errorTarget(requestOrigin(r, h.cfg.SiteURL)), http.StatusTemporaryRedirect)
		return
	}
	http.Redirect(w, r, h.exchanger.AuthCodeURL(state, verifier), http.StatusFound)
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	origin := requestOrigin(r, h.cfg.SiteURL)
	fail := func(outcome string) {
		h.metrics.ObserveCallback(outcome)
		http.Redirect(w, r, errorTarget(origin), http.StatusTemporaryRedirect)
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		fail(telemetry.OutcomeMissingCode)
		return
	}

	ctx := r.Context()
	if h.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Timeout)
		defer cancel()
	}

	providerUser, err := h.exchange(ctx, w, r, code)
	if err != nil {
		h.logger.Error("error exchanging code for session", "error", err)
		fail(telemetry.OutcomeExchangeFailed)
		return
	}

	user, created, err := h.provisioner.GetOrCreate(ctx, providerUser)
	if err != nil {
		h.logger.Error("error provisioning user", "error", err, "user_id", providerUser.ID)
		fail(telemetry.OutcomeProvisionFailed)
		return
	}
	h.metrics.ObserveProvision(created)

	if err := h.sessions.Save(w, session.Session{Subject: user.ID, Email: user.Email, Name: user.Name}); err != nil {
		h.logger.Error("error exchanging code for session", "error", err)
		fail(telemetry.OutcomeExchangeFailed)
		return
	}

	h.trackSignIn(user.ID, analytics.Profile{
		Name:      providerUser.Meta("name"),
		Email:     providerUser.Email,
		AvatarURL: providerUser.Meta("avatar_url"),
	})

	forwardedHost := strings.TrimSpace(r.Header.Get("X-Forwarded-Host"))
	h.metrics.ObserveCallback(telemetry.OutcomeSuccess)
	http.Redirect(w, r, successTarget(origin, forwardedHost, h.cfg.Development), http.StatusTemporaryRedirect)
}

// exchange redeems code, pairing it with the PKCE verifier from the login flow
// cookie when the browser has one.
func (h *Handler) exchange(ctx context.Context, w http.ResponseWriter, r *http.Request, code string) (*session.ProviderUser, error) {
	flow, err := h.sessions.LoadFlow(r)
	if flow != nil || err != nil {
		h.sessions.ClearFlow(w)
	}
	if err != nil {
		return nil, err
	}

	var verifier string
	if flow != nil {
		if r.URL.Query().Get("state") != flow.State {
			return nil, errors.New("callback: state mismatch")
		}
		verifier = flow.Verifier
	}
	return h.exchanger.Exchange(ctx, code, verifier)
}

// trackSignIn never fails the request: a missing tracker, an error and a
// panic from the analytics client are all logged and dropped.
func (h *Handler) trackSignIn(userID string, profile analytics.Profile) {
	if h.tracker == nil {
		h.logger.Warn("analytics client not configured, skipping sign-in tracking", "user_id", userID)
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("error tracking user sign-in", "panic", rec, "user_id", userID)
			h.metrics.ObserveAnalyticsFailure()
		}
	}()
	if err := h.tracker.TrackSignIn(userID, profile); err != nil {
		h.logger.Error("error tracking user sign-in", "error", err, "user_id", userID)
		h.metrics.ObserveAnalyticsFailure()
	}
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Clear(w)
	http.Redirect(w, r, requestOrigin(r, h.cfg.SiteURL)+"/", http.StatusSeeOther)
}

func randomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
