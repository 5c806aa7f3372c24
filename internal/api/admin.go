package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/cookie-gateway/internal/auth"
	"github.com/felipepmaragno/cookie-gateway/internal/domain"
)

type CredentialAdmin interface {
	List(ctx context.Context) ([]domain.Credential, error)
	Add(ctx context.Context, alias, secret string) (int64, error)
	SetActive(ctx context.Context, id int64, active bool) error
	Delete(ctx context.Context, id int64) error
}

type APIKeyAdmin interface {
	List(ctx context.Context) ([]domain.APIKey, error)
	Create(ctx context.Context, alias, keyHash string) (*domain.APIKey, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

// AdminHandler manages the cookie pool and caller API keys. Mount it behind
// auth.AdminGuard.
type AdminHandler struct {
	credentials CredentialAdmin
	apiKeys     APIKeyAdmin
	mux         *http.ServeMux
}

func NewAdminHandler(credentials CredentialAdmin, apiKeys APIKeyAdmin) *AdminHandler {
	h := &AdminHandler{
		credentials: credentials,
		apiKeys:     apiKeys,
		mux:         http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /admin/cookies", h.listCookies)
	h.mux.HandleFunc("POST /admin/cookies", h.createCookie)
	h.mux.HandleFunc("PATCH /admin/cookies/{id}", h.updateCookie)
	h.mux.HandleFunc("DELETE /admin/cookies/{id}", h.deleteCookie)
	h.mux.HandleFunc("GET /admin/api-keys", h.listAPIKeys)
	h.mux.HandleFunc("POST /admin/api-keys", h.createAPIKey)
	h.mux.HandleFunc("PATCH /admin/api-keys/{id}", h.updateAPIKey)

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type CookieView struct {
	ID        int64     `json:"id"`
	Alias     string    `json:"alias"`
	Preview   string    `json:"preview"`
	Active    bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CreateCookieRequest struct {
	Alias string `json:"alias"`
	Value string `json:"cookie_value"`
}

type CreateAPIKeyRequest struct {
	Alias string `json:"alias"`
}

type UpdateActiveRequest struct {
	Active *bool `json:"is_active"`
}

func (h *AdminHandler) listCookies(w http.ResponseWriter, r *http.Request) {
	creds, err := h.credentials.List(r.Context())
	if err != nil {
		slog.Error("failed to list cookies", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to list cookies")
		return
	}

	views := make([]CookieView, 0, len(creds))
	for _, c := range creds {
		views = append(views, cookieView(c))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cookies": views,
		"count":   len(views),
	})
}

func (h *AdminHandler) createCookie(w http.ResponseWriter, r *http.Request) {
	var req CreateCookieRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Alias = strings.TrimSpace(req.Alias)
	req.Value = strings.TrimSpace(req.Value)
	if req.Alias == "" || req.Value == "" {
		writeAdminError(w, http.StatusBadRequest, "alias and cookie_value are required")
		return
	}

	id, err := h.credentials.Add(r.Context(), req.Alias, req.Value)
	if err != nil {
		slog.Error("failed to add cookie", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to add cookie")
		return
	}

	slog.Info("cookie added", "credential_id", id, "alias", req.Alias)

	writeJSON(w, http.StatusCreated, CookieView{
		ID:      id,
		Alias:   req.Alias,
		Preview: maskSecret(req.Value),
		Active:  true,
	})
}

func (h *AdminHandler) updateCookie(w http.ResponseWriter, r *http.Request) {
	id, active, ok := parseActiveUpdate(w, r)
	if !ok {
		return
	}

	if err := h.credentials.SetActive(r.Context(), id, active); err != nil {
		writeStoreError(w, err, "cookie")
		return
	}

	slog.Info("cookie status updated", "credential_id", id, "active", active)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_active": active})
}

func (h *AdminHandler) deleteCookie(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid id")
		return
	}

	if err := h.credentials.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err, "cookie")
		return
	}

	slog.Info("cookie deleted", "credential_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.apiKeys.List(r.Context())
	if err != nil {
		slog.Error("failed to list api keys", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to list api keys")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"api_keys": keys,
		"count":    len(keys),
	})
}

func (h *AdminHandler) createAPIKey(w http.ResponseWriter, r *http.Request) {
	var req CreateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Alias = strings.TrimSpace(req.Alias); req.Alias == "" {
		writeAdminError(w, http.StatusBadRequest, "alias is required")
		return
	}

	plain, err := auth.GenerateAPIKey()
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to generate api key")
		return
	}

	key, err := h.apiKeys.Create(r.Context(), req.Alias, auth.HashAPIKey(plain))
	if err != nil {
		slog.Error("failed to create api key", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create api key")
		return
	}

	slog.Info("api key created", "api_key_id", key.ID, "alias", key.Alias)

	// The plain key is only ever returned here.
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        key.ID,
		"alias":     key.Alias,
		"api_key":   plain,
		"is_active": key.Active,
	})
}

func (h *AdminHandler) updateAPIKey(w http.ResponseWriter, r *http.Request) {
	id, active, ok := parseActiveUpdate(w, r)
	if !ok {
		return
	}

	if err := h.apiKeys.SetActive(r.Context(), id, active); err != nil {
		writeStoreError(w, err, "api key")
		return
	}

	slog.Info("api key status updated", "api_key_id", id, "active", active)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "is_active": active})
}

func parseActiveUpdate(w http.ResponseWriter, r *http.Request) (int64, bool, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid id")
		return 0, false, false
	}

	var req UpdateActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeAdminError(w, http.StatusBadRequest, "is_active is required")
		return 0, false, false
	}
	return id, *req.Active, true
}

func cookieView(c domain.Credential) CookieView {
	return CookieView{
		ID:        c.ID,
		Alias:     c.Alias,
		Preview:   maskSecret(c.Secret),
		Active:    c.Active,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

// maskSecret keeps the first and last four characters of long values.
func maskSecret(s string) string {
	if len(s) <= 12 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

func writeStoreError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, domain.ErrNotFound) {
		writeAdminError(w, http.StatusNotFound, what+" not found")
		return
	}
	slog.Error("admin store operation failed", "resource", what, "error", err)
	writeAdminError(w, http.StatusInternalServerError, "failed to update "+what)
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": message,
	})
}
