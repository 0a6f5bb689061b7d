package directory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tailscale-portfolio/signin-callback/internal/auth0"
	"github.com/tailscale-portfolio/signin-callback/internal/identity"
)

// Scopes required by the directory routes.
const (
	ScopeRead  = "users:read"
	ScopeWrite = "users:write"
)

const maxBodyBytes = 64 << 10

// TokenValidator verifies service bearer tokens.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string, requiredScopes []string) (*auth0.Claims, error)
}

// Server exposes an identity.Directory over HTTP.
type Server struct {
	dir       identity.Directory
	validator TokenValidator
	logger    *slog.Logger
}

// NewServer builds the directory handlers.
func NewServer(dir identity.Directory, validator TokenValidator, logger *slog.Logger) *Server {
	return &Server{dir: dir, validator: validator, logger: logger}
}

// Register mounts the directory routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET /v1/users/{id}", s.requireScopes(ScopeRead)(http.HandlerFunc(s.getUser)))
	mux.Handle("POST /v1/users", s.requireScopes(ScopeWrite)(http.HandlerFunc(s.createUser)))
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, err := auth0.ParseBearer(r.Header.Get("Authorization"))
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			claims, err := s.validator.ValidateToken(r.Context(), rawToken, scopes)
			switch {
			case errors.Is(err, auth0.ErrInsufficientScope):
				writeError(w, http.StatusForbidden, err)
				return
			case err != nil:
				writeError(w, http.StatusUnauthorized, errors.New("invalid bearer token"))
				return
			}
			s.logger.Debug("directory call authorized", "subject", claims.Subject, "path", r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("user id required"))
		return
	}

	user, err := s.dir.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		s.logger.Error("get user failed", "error", err, "user_id", id)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, userEnvelope{User: *user})
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var in identity.NewUser
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid user payload"))
		return
	}

	user, err := s.dir.Create(r.Context(), in)
	switch {
	case errors.Is(err, identity.ErrInvalidUser):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, identity.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		s.logger.Error("create user failed", "error", err, "user_id", in.ID)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	s.logger.Info("user created", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, userEnvelope{User: *user})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorEnvelope{Error: err.Error()})
}
