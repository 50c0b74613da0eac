// Copyright 2025 The JC Agent Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/jc-agent/keylocker/internal/httputil"
	"github.com/jc-agent/keylocker/internal/locker"
	"github.com/jc-agent/keylocker/internal/usage"
	jcerrors "github.com/jc-agent/keylocker/pkg/errors"
)

// KeysHandler handles key management API requests.
type KeysHandler struct {
	locker *locker.Locker
	usage  *usage.Ledger
}

// NewKeysHandler creates a new keys handler.
func NewKeysHandler(loc *locker.Locker, ledger *usage.Ledger) *KeysHandler {
	return &KeysHandler{locker: loc, usage: ledger}
}

// RegisterRoutes registers key API routes on the router.
func (h *KeysHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /keys/add", h.handleAdd)
	mux.HandleFunc("GET /keys/list", h.handleList)
	mux.HandleFunc("POST /keys/delete", h.handleDelete)
	mux.HandleFunc("POST /keys/edit", h.handleEdit)
	mux.HandleFunc("POST /keys/get-secret", h.handleGetSecret)
	mux.HandleFunc("GET /keys/usage/{key_id}", h.handleUsage)
	mux.HandleFunc("GET /keys/discover", h.handleDiscover)
}

// statusFor maps locker errors to HTTP status codes. Unlock failures are
// 403 rather than 401: the request is understood, the caller just cannot
// open the storage.
func statusFor(err error) int {
	switch {
	case jcerrors.IsValidation(err):
		return http.StatusBadRequest
	case jcerrors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, locker.ErrPassphraseRequired),
		errors.Is(err, locker.ErrDecryptFailed),
		errors.Is(err, locker.ErrSecretMissing):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeLockerError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, statusFor(err), err.Error())
}

// KeyPayload is the request body for creating a key.
type KeyPayload struct {
	Name       string   `json:"name"`
	Provider   string   `json:"provider"`
	Secret     string   `json:"secret"`
	Budget     *float64 `json:"budget,omitempty"`
	Passphrase string   `json:"passphrase,omitempty"`
	Notes      string   `json:"notes,omitempty"`
}

// KeyEditPayload is the request body for editing a key.
type KeyEditPayload struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	Provider   string   `json:"provider,omitempty"`
	Budget     *float64 `json:"budget,omitempty"`
	Secret     *string  `json:"secret,omitempty"`
	Passphrase string   `json:"passphrase,omitempty"`
}

// KeyIDPayload identifies a key, with an optional passphrase for
// encrypted-file storage.
type KeyIDPayload struct {
	ID         string `json:"id"`
	Passphrase string `json:"passphrase,omitempty"`
}

// handleAdd handles POST /keys/add.
func (h *KeysHandler) handleAdd(w http.ResponseWriter, r *http.Request) {
	var payload KeyPayload
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	meta, err := h.locker.AddKey(r.Context(), locker.AddKeyParams{
		Name:       payload.Name,
		Provider:   payload.Provider,
		Secret:     payload.Secret,
		BudgetUSD:  payload.Budget,
		Passphrase: payload.Passphrase,
		Notes:      payload.Notes,
	})
	if err != nil {
		writeLockerError(w, err)
		return
	}

	keyMutations.WithLabelValues("add").Inc()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "key": meta})
}

// keyWithUsage is a listing row enriched with a 30-day usage rollup.
type keyWithUsage struct {
	locker.KeyMetadata
	UsageSummary usageRollup `json:"usage_summary"`
}

type usageRollup struct {
	TotalTokens       int     `json:"total_tokens"`
	TotalEstimatedUSD float64 `json:"total_estimated_usd"`
}

// handleList handles GET /keys/list.
func (h *KeysHandler) handleList(w http.ResponseWriter, r *http.Request) {
	passphrase := r.URL.Query().Get("passphrase")

	keys, err := h.locker.ListKeys(r.Context(), passphrase)
	if err != nil {
		writeLockerError(w, err)
		return
	}

	enriched := make([]keyWithUsage, 0, len(keys))
	for _, entry := range keys {
		summary, err := h.usage.Summary(entry.ID, 30, 0)
		if err != nil {
			writeLockerError(w, err)
			return
		}
		enriched = append(enriched, keyWithUsage{
			KeyMetadata: entry,
			UsageSummary: usageRollup{
				TotalTokens:       summary.TotalTokens,
				TotalEstimatedUSD: summary.TotalEstimatedUSD,
			},
		})
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"keys": enriched})
}

// handleDelete handles POST /keys/delete.
func (h *KeysHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	var payload KeyIDPayload
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if err := h.locker.DeleteKey(r.Context(), payload.ID, payload.Passphrase); err != nil {
		writeLockerError(w, err)
		return
	}

	keyMutations.WithLabelValues("delete").Inc()
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleEdit handles POST /keys/edit.
func (h *KeysHandler) handleEdit(w http.ResponseWriter, r *http.Request) {
	var payload KeyEditPayload
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	entry, err := h.locker.EditKey(r.Context(), payload.ID, locker.EditKeyParams{
		Name:       payload.Name,
		Provider:   payload.Provider,
		BudgetUSD:  payload.Budget,
		Secret:     payload.Secret,
		Passphrase: payload.Passphrase,
	})
	if err != nil {
		writeLockerError(w, err)
		return
	}

	keyMutations.WithLabelValues("edit").Inc()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "key": entry})
}

// handleGetSecret handles POST /keys/get-secret.
func (h *KeysHandler) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	var payload KeyIDPayload
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	secret, err := h.locker.GetSecret(r.Context(), payload.ID, payload.Passphrase)
	if err != nil {
		writeLockerError(w, err)
		return
	}

	secretReveals.Inc()
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

// handleUsage handles GET /keys/usage/{key_id}.
func (h *KeysHandler) handleUsage(w http.ResponseWriter, r *http.Request) {
	keyID := r.PathValue("key_id")

	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httputil.WriteError(w, http.StatusBadRequest, "days must be a non-negative integer")
			return
		}
		days = parsed
	}

	summary, err := h.usage.Summary(keyID, days, 20)
	if err != nil {
		writeLockerError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, summary)
}

// handleDiscover handles GET /keys/discover.
func (h *KeysHandler) handleDiscover(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		httputil.WriteError(w, http.StatusBadRequest, "provider query parameter required")
		return
	}
	passphrase := r.URL.Query().Get("passphrase")

	key, err := h.locker.FindKeyForProvider(r.Context(), provider, passphrase)
	if err != nil {
		writeLockerError(w, err)
		return
	}
	if key == nil {
		httputil.WriteError(w, http.StatusNotFound, "No key found for provider")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"key": key})
}
