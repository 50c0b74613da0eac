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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jc-agent/keylocker/internal/config"
	"github.com/jc-agent/keylocker/internal/locker"
	"github.com/jc-agent/keylocker/internal/usage"
)

// memVault is an in-memory vault backend for handler tests.
type memVault struct {
	available bool
	secrets   map[string]string
}

func (m *memVault) Storage() locker.StorageKind { return locker.StorageVault }
func (m *memVault) Available() bool             { return m.available }

func (m *memVault) Set(_ context.Context, id, secret, _ string) error {
	if !m.available {
		return locker.ErrBackendUnavailable
	}
	m.secrets[id] = secret
	return nil
}

func (m *memVault) Get(_ context.Context, id, _ string) (string, error) {
	if !m.available {
		return "", locker.ErrBackendUnavailable
	}
	secret, ok := m.secrets[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", locker.ErrSecretNotFound, id)
	}
	return secret, nil
}

func (m *memVault) Delete(_ context.Context, id, _ string) error {
	if !m.available {
		return locker.ErrBackendUnavailable
	}
	delete(m.secrets, id)
	return nil
}

type testAPI struct {
	server *httptest.Server
	ledger *usage.Ledger
	locker *locker.Locker
}

func newTestAPI(t *testing.T, vaultAvailable bool) *testAPI {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.PassphraseEnv, "")

	loc, err := locker.New(locker.Config{
		Dir:    dir,
		Vault:  &memVault{available: vaultAvailable, secrets: make(map[string]string)},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	ledger := usage.NewLedger(filepath.Join(dir, config.UsageFile))
	router := NewRouter(RouterConfig{Version: "test"}, loc, NewKeysHandler(loc, ledger))

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testAPI{server: server, ledger: ledger, locker: loc}
}

func (a *testAPI) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(a.server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (a *testAPI) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(a.server.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestAddAndGetSecret(t *testing.T) {
	api := newTestAPI(t, true)

	resp, body := api.post(t, "/keys/add", KeyPayload{
		Name:     "Work",
		Provider: "OpenAI",
		Secret:   "sk-123",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	key := body["key"].(map[string]any)
	id := key["id"].(string)
	assert.Len(t, id, 32)
	assert.Equal(t, "openai", key["provider"])
	assert.Equal(t, "vault", key["storage"])

	resp, body = api.post(t, "/keys/get-secret", KeyIDPayload{ID: id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sk-123", body["secret"])
}

func TestAddValidationError(t *testing.T) {
	api := newTestAPI(t, true)

	resp, body := api.post(t, "/keys/add", KeyPayload{Name: "", Provider: "openai", Secret: "s"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "error")
}

func TestListEnrichedWithUsage(t *testing.T) {
	api := newTestAPI(t, true)

	_, body := api.post(t, "/keys/add", KeyPayload{Name: "n", Provider: "openai", Secret: "sk-hidden-value"})
	id := body["key"].(map[string]any)["id"].(string)

	for _, tokens := range []int{10, 20, 5} {
		require.NoError(t, api.ledger.Log(usage.Entry{KeyID: id, Tokens: tokens}))
	}

	resp, body := api.get(t, "/keys/list")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	keys := body["keys"].([]any)
	require.Len(t, keys, 1)
	entry := keys[0].(map[string]any)

	summary := entry["usage_summary"].(map[string]any)
	assert.Equal(t, float64(35), summary["total_tokens"])
	assert.Equal(t, float64(0), summary["total_estimated_usd"])

	// The raw secret never appears in a listing.
	serialized, err := json.Marshal(body)
	require.NoError(t, err)
	assert.NotContains(t, string(serialized), "sk-hidden-value")
}

func TestListRequiresPassphraseWithoutVault(t *testing.T) {
	api := newTestAPI(t, false)

	resp, body := api.get(t, "/keys/list")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, body, "error")

	resp, _ = api.get(t, "/keys/list?passphrase=pass")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetSecretWrongPassphrase(t *testing.T) {
	api := newTestAPI(t, false)

	_, body := api.post(t, "/keys/add", KeyPayload{
		Name: "n", Provider: "openai", Secret: "s", Passphrase: "right",
	})
	id := body["key"].(map[string]any)["id"].(string)

	resp, _ := api.post(t, "/keys/get-secret", KeyIDPayload{ID: id, Passphrase: "wrong"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGetSecretUnknownKey(t *testing.T) {
	api := newTestAPI(t, true)

	resp, _ := api.post(t, "/keys/get-secret", KeyIDPayload{ID: "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteKey(t *testing.T) {
	api := newTestAPI(t, true)

	_, body := api.post(t, "/keys/add", KeyPayload{Name: "n", Provider: "openai", Secret: "s"})
	id := body["key"].(map[string]any)["id"].(string)

	resp, body := api.post(t, "/keys/delete", KeyIDPayload{ID: id})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["deleted"])

	resp, _ = api.post(t, "/keys/delete", KeyIDPayload{ID: id})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEditKey(t *testing.T) {
	api := newTestAPI(t, true)

	_, body := api.post(t, "/keys/add", KeyPayload{Name: "old", Provider: "openai", Secret: "s"})
	id := body["key"].(map[string]any)["id"].(string)

	budget := 2.5
	resp, body := api.post(t, "/keys/edit", KeyEditPayload{ID: id, Name: "new", Budget: &budget})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	key := body["key"].(map[string]any)
	assert.Equal(t, "new", key["name"])
	assert.Equal(t, 2.5, key["budget_usd"])
	assert.NotNil(t, key["updated_at"])
}

func TestUsageEndpoint(t *testing.T) {
	api := newTestAPI(t, true)

	require.NoError(t, api.ledger.Log(usage.Entry{KeyID: "k1", Tokens: 100}))

	resp, body := api.get(t, "/keys/usage/k1?days=7")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(100), body["total_tokens"])
	assert.Equal(t, float64(7), body["days"])
	assert.Len(t, body["entries"].([]any), 1)

	resp, _ = api.get(t, "/keys/usage/k1?days=abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDiscover(t *testing.T) {
	api := newTestAPI(t, true)

	_, body := api.post(t, "/keys/add", KeyPayload{Name: "n", Provider: "OpenRouter", Secret: "s"})
	id := body["key"].(map[string]any)["id"].(string)

	resp, body := api.get(t, "/keys/discover?provider=openrouter")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["key"].(map[string]any)["id"])

	resp, _ = api.get(t, "/keys/discover?provider=anthropic")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = api.get(t, "/keys/discover")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndVersion(t *testing.T) {
	api := newTestAPI(t, true)

	resp, body := api.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "vault", body["secret_backend"])

	resp, body = api.get(t, "/version")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "test", body["version"])
}
