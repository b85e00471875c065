package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/audit"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/auth"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/retry"
)

type createAPIKeyRequest struct {
	Name        string     `json:"name"`
	UserID      *int64     `json:"user_id"`
	Permissions []string   `json:"permissions"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// apiKeyView is the key row without its hash. The plaintext appears
// only in the creation response and is never reproducible afterwards.
type apiKeyView struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Prefix      string     `json:"prefix"`
	UserID      *int64     `json:"user_id,omitempty"`
	Permissions []string   `json:"permissions"`
	IsActive    bool       `json:"is_active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func viewKey(key *auth.APIKey) apiKeyView {
	return apiKeyView{
		ID:          key.ID,
		Name:        key.Name,
		Prefix:      key.Prefix,
		UserID:      key.UserID,
		Permissions: key.Permissions,
		IsActive:    key.IsActive,
		ExpiresAt:   key.ExpiresAt,
		LastUsedAt:  key.LastUsedAt,
		CreatedAt:   key.CreatedAt,
	}
}

func (a *API) handleAPIKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAPIKey(w, r)
	case http.MethodGet:
		a.listAPIKeys(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) createAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var (
		plaintext string
		key       *auth.APIKey
	)
	err := a.storeRetry(r.Context(), func(ctx context.Context) error {
		var gerr error
		plaintext, key, gerr = a.keys.Generate(ctx, req.Name, req.UserID, req.Permissions, req.ExpiresAt)
		if gerr != nil && strings.HasPrefix(gerr.Error(), "auth:") {
			// Validation outcome, not a storage fault.
			return retry.Permanent(gerr)
		}
		return gerr
	})
	if err != nil {
		if strings.HasPrefix(err.Error(), "auth:") {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		a.writeStorageUnavailable(w, r, "key creation failed", err)
		return
	}
	noteResourceID(r.Context(), audit.ResourceAPIKey, strconv.FormatInt(key.ID, 10))
	noteDetail(r.Context(), "key_name", key.Name)

	// The plaintext is handed over exactly once. Error bodies are the
	// only responses the audit recorder captures, so it never lands in
	// the log either.
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":     plaintext,
		"api_key": viewKey(key),
	})
}

func (a *API) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	var keys []*auth.APIKey
	err := a.storeRetry(r.Context(), func(ctx context.Context) error {
		var lerr error
		keys, lerr = a.keys.List(ctx)
		return lerr
	})
	if err != nil {
		a.writeStorageUnavailable(w, r, "key listing failed", err)
		return
	}
	views := make([]apiKeyView, 0, len(keys))
	for _, key := range keys {
		views = append(views, viewKey(key))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"api_keys": views,
		"count":    len(views),
	})
}

func (a *API) handleAPIKeyResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/api-keys/"), "/")
	if rest == "" || strings.Contains(rest, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if err := a.storeRetry(r.Context(), func(ctx context.Context) error {
		return a.keys.Revoke(ctx, id)
	}, auth.ErrNotFound); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "api key not found")
			return
		}
		a.writeStorageUnavailable(w, r, "key revocation failed", err)
		return
	}
	noteResourceID(r.Context(), audit.ResourceAPIKey, rest)
	w.WriteHeader(http.StatusNoContent)
}
