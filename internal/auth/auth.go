// Package auth authenticates inbound callers by API key and guards the
// admin surface with a bcrypt-hashed token.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/felipepmaragno/cookie-gateway/internal/domain"
)

// KeyStore resolves the hash of a presented API key to an active key.
type KeyStore interface {
	GetActiveByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	Count(ctx context.Context) (int, error)
}

type Authenticator struct {
	store KeyStore
}

func NewAuthenticator(store KeyStore) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate returns the caller id for key, or nil in open mode (no keys
// provisioned at all).
func (a *Authenticator) Authenticate(ctx context.Context, key string) (*int64, error) {
	if key == "" {
		n, err := a.store.Count(ctx)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		return nil, domain.ErrUnauthorized
	}

	k, err := a.store.GetActiveByHash(ctx, HashAPIKey(key))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	return &k.ID, nil
}

// Middleware rejects requests without a valid key and stores the caller id
// on the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callerID, err := a.Authenticate(r.Context(), ExtractBearerToken(r))
		switch {
		case errors.Is(err, domain.ErrUnauthorized):
			writeUnauthorized(w, "authorization validation failed")
			return
		case err != nil:
			slog.Error("api key lookup failed", "error", err)
			http.Error(w, "internal authentication error", http.StatusInternalServerError)
			return
		}

		if callerID != nil {
			r = r.WithContext(WithCaller(r.Context(), *callerID))
		}
		next.ServeHTTP(w, r)
	})
}

type contextKey string

const callerContextKey contextKey = "caller_id"

func WithCaller(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, callerContextKey, id)
}

// CallerFromRequest returns the authenticated caller id, if any.
func CallerFromRequest(r *http.Request) *int64 {
	id, ok := r.Context().Value(callerContextKey).(int64)
	if !ok {
		return nil
	}
	return &id
}

// AdminGuard compares the bearer token against a bcrypt hash.
type AdminGuard struct {
	hash []byte
}

func NewAdminGuard(tokenHash string) *AdminGuard {
	return &AdminGuard{hash: []byte(tokenHash)}
}

func (g *AdminGuard) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractBearerToken(r)
		if len(g.hash) == 0 || token == "" {
			writeUnauthorized(w, "admin token required")
			return
		}
		if err := bcrypt.CompareHashAndPassword(g.hash, []byte(token)); err != nil {
			writeUnauthorized(w, "admin token rejected")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func HashAdminToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// HashAPIKey is the lookup form of an API key.
func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

func GenerateAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sk-" + hex.EncodeToString(b), nil
}

func ExtractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "invalid_request_error",
			"code":    "invalid_authorization",
		},
	})
}
