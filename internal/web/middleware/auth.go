package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/JonMunkholm/certexport/internal/config"
	"github.com/JonMunkholm/certexport/internal/logging"
)

var (
	// ErrMissingCredentials means the request carried no credentials (401).
	ErrMissingCredentials = errors.New("missing API key")

	// ErrInvalidCredentials means the credentials were rejected (403).
	ErrInvalidCredentials = errors.New("invalid API key")
)

// Authorizer decides whether a request may use the API.
// Returning nil admits the request.
type Authorizer interface {
	Authorize(r *http.Request) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(r *http.Request) error

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(r *http.Request) error { return f(r) }

// authFailure is the JSON body written when a request is rejected.
type authFailure struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// RequireAuth rejects requests a refuses. ErrMissingCredentials maps to 401,
// everything else to 403.
func RequireAuth(a Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := a.Authorize(r)
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, ErrMissingCredentials):
				reject(w, r, http.StatusUnauthorized, authFailure{err.Error(), "AUTH_MISSING_KEY"})
			default:
				reject(w, r, http.StatusForbidden, authFailure{err.Error(), "AUTH_INVALID_KEY"})
			}
		})
	}
}

// APIKeyAuth returns middleware that validates the X-API-Key header against
// the configured keys.
//
// When RequireAPIKey is false every request passes. When it is true and no
// keys are configured, every request is rejected.
func APIKeyAuth(cfg *config.SecurityConfig) func(http.Handler) http.Handler {
	if !cfg.RequireAPIKey {
		return func(next http.Handler) http.Handler { return next }
	}
	return RequireAuth(NewAPIKeys(cfg.APIKeys))
}

// APIKeys authorizes requests by their X-API-Key header.
type APIKeys struct {
	keys [][]byte
}

// NewAPIKeys returns an Authorizer accepting any of keys. Empty keys are ignored.
func NewAPIKeys(keys []string) *APIKeys {
	a := &APIKeys{keys: make([][]byte, 0, len(keys))}
	for _, k := range keys {
		if k != "" {
			a.keys = append(a.keys, []byte(k))
		}
	}
	return a
}

// Authorize implements Authorizer.
func (a *APIKeys) Authorize(r *http.Request) error {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		return ErrMissingCredentials
	}
	if !validKey([]byte(key), a.keys) {
		return ErrInvalidCredentials
	}
	return nil
}

func reject(w http.ResponseWriter, r *http.Request, status int, body authFailure) {
	logging.FromContext(r.Context()).Warn("auth: rejected",
		"code", body.Code,
		"path", r.URL.Path,
		"method", r.Method,
		"remote_addr", r.RemoteAddr,
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// validKey compares key against every configured key in constant time, so
// the duration does not depend on which key matched.
func validKey(key []byte, keys [][]byte) bool {
	match := 0
	for _, k := range keys {
		match |= subtle.ConstantTimeCompare(key, k)
	}
	return match == 1
}
