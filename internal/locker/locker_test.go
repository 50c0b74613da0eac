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

package locker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jc-agent/keylocker/internal/config"
	jcerrors "github.com/jc-agent/keylocker/pkg/errors"
)

// fakeVault is an in-memory vault backend for facade tests.
type fakeVault struct {
	available bool
	secrets   map[string]string
}

func newFakeVault(available bool) *fakeVault {
	return &fakeVault{available: available, secrets: make(map[string]string)}
}

func (f *fakeVault) Storage() StorageKind { return StorageVault }
func (f *fakeVault) Available() bool      { return f.available }

func (f *fakeVault) Set(_ context.Context, id, secret, _ string) error {
	if !f.available {
		return ErrBackendUnavailable
	}
	f.secrets[id] = secret
	return nil
}

func (f *fakeVault) Get(_ context.Context, id, _ string) (string, error) {
	if !f.available {
		return "", ErrBackendUnavailable
	}
	secret, ok := f.secrets[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, id)
	}
	return secret, nil
}

func (f *fakeVault) Delete(_ context.Context, id, _ string) error {
	if !f.available {
		return ErrBackendUnavailable
	}
	if _, ok := f.secrets[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSecretNotFound, id)
	}
	delete(f.secrets, id)
	return nil
}

func newTestLocker(t *testing.T, vault Backend) (*Locker, string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.PassphraseEnv, "")

	loc, err := New(Config{
		Dir:    dir,
		Vault:  vault,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return loc, dir
}

func TestAddKey_RoundTripFileBackend(t *testing.T) {
	loc, _ := newTestLocker(t, newFakeVault(false))
	ctx := context.Background()

	meta, err := loc.AddKey(ctx, AddKeyParams{
		Name:       "Work Key",
		Provider:   "OpenAI",
		Secret:     "sk-test-secret-value",
		Passphrase: "hunter2",
	})
	require.NoError(t, err)

	assert.Len(t, meta.ID, 32)
	assert.Equal(t, "openai", meta.Provider, "provider is canonicalized lower-case")
	assert.Equal(t, StorageFile, meta.Storage)
	assert.False(t, meta.CreatedAt.IsZero())

	secret, err := loc.GetSecret(ctx, meta.ID, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-secret-value", secret)
}

func TestAddKey_RoundTripVaultBackend(t *testing.T) {
	vault := newFakeVault(true)
	loc, _ := newTestLocker(t, vault)
	ctx := context.Background()

	meta, err := loc.AddKey(ctx, AddKeyParams{
		Name:     "Vault Key",
		Provider: "openrouter",
		Secret:   "or-secret",
	})
	require.NoError(t, err)
	assert.Equal(t, StorageVault, meta.Storage)

	// No passphrase needed on the vault path.
	secret, err := loc.GetSecret(ctx, meta.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "or-secret", secret)
}

func TestAddKey_Validation(t *testing.T) {
	loc, dir := newTestLocker(t, newFakeVault(false))
	ctx := context.Background()

	tests := []struct {
		name   string
		params AddKeyParams
	}{
		{"empty name", AddKeyParams{Name: "  ", Provider: "openai", Secret: "s"}},
		{"empty provider", AddKeyParams{Name: "n", Provider: "", Secret: "s"}},
		{"empty secret", AddKeyParams{Name: "n", Provider: "openai", Secret: ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loc.AddKey(ctx, tt.params)
			assert.True(t, jcerrors.IsValidation(err), "want validation error, got %v", err)
		})
	}

	// Validation fails before any side effect.
	_, err := os.Stat(filepath.Join(dir, config.MetadataFile))
	assert.True(t, os.IsNotExist(err), "metadata file created despite validation failure")
	_, err = os.Stat(filepath.Join(dir, config.AuditFile))
	assert.True(t, os.IsNotExist(err), "audit file created despite validation failure")
}

func TestAddKey_PassphraseRequired(t *testing.T) {
	loc, _ := newTestLocker(t, newFakeVault(false))

	_, err := loc.AddKey(context.Background(), AddKeyParams{
		Name:     "n",
		Provider: "openai",
		Secret:   "s",
	})
	assert.ErrorIs(t, err, ErrPassphraseRequired)
}

func TestAddKey_PassphraseFromEnv(t *testing.T) {
	loc, _ := newTestLocker(t, newFakeVault(false))
	t.Setenv(config.PassphraseEnv, "env-pass")
	ctx := context.Background()

	meta, err := loc.AddKey(ctx, AddKeyParams{Name: "n", Provider: "openai", Secret: "s3cr3t"})
	require.NoError(t, err)

	secret, err := loc.GetSecret(ctx, meta.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", secret)
}

func TestGetSecret_WrongPassphrase(t *testing.T) {
	loc, _ := newTestLocker(t, newFakeVault(false))
	ctx := context.Background()

	meta, err := loc.AddKey(ctx, AddKeyParams{
		Name: "n", Provider: "openai", Secret: "s", Passphrase: "p1",
	})
	require.NoError(t, err)

	_, err = loc.GetSecret(ctx, meta.ID, "p2")
	assert.ErrorIs(t, err, ErrDecryptFailed)
	assert.False(t, jcerrors.IsNotFound(err), "wrong passphrase must not look like not-found")
}

func TestGetSecret_UnknownID(t *testing.T) {
	loc, _ := newTestLocker(t, newFakeVault(true))

	_, err := loc.GetSecret(context.Background(), "nope", "")
	assert.True(t, jcerrors.IsNotFound(err), "want not-found, got %v", err)
}

func TestListKeys_SortedAndSecretFree(t *testing.T) {
	loc, _ := newTestLocker(t, newFakeVault(false))
	ctx := context.Background()

	secrets := []string{"alpha-secret-1", "beta-secret-2", "gamma-secret-3"}
	for i, s := range secrets {
		_, err := loc.AddKey(ctx, AddKeyParams{
			Name:       fmt.Sprintf("key-%d", i),
			Provider:   fmt.Sprintf("provider-%d", i),
			Secret:     s,
			Passphrase: "pass",
		})
		require.NoError(t, err)
	}

	keys, err := loc.ListKeys(ctx, "pass")
	require.NoError(t, err)
	require.Len(t, keys, 3)

	for i := 1; i < len(keys); i++ {
		assert.False(t, keys[i].CreatedAt.Before(keys[i-1].CreatedAt),
			"list not sorted by created_at ascending")
	}
	for i, k := range keys {
		assert.Equal(t, fmt.Sprintf("key-%d", i), k.Name)
	}

	serialized, err := json.Marshal(keys)
	require.NoError(t, err)
	for _, s := range secrets {
		assert.NotContains(t, string(serialized), s, "listing leaked a secret value")
	}
}

func TestListKeys_RequiresPassphraseOnFileBackend(t *testing.T) {
	loc, _ := newTestLocker(t, newFakeVault(false))

	_, err := loc.ListKeys(context.Background(), "")
	assert.ErrorIs(t, err, ErrPassphraseRequired)
}

func TestListKeys_NoPassphraseWithVault(t *testing.T) {
	loc, _ := newTestLocker(t, newFakeVault(true))

	keys, err := loc.ListKeys(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDeleteKey_RemovesMetadataAndSecret(t *testing.T) {
	loc, _ := newTestLocker(t, newFakeVault(false))
	ctx := context.Background()

	meta, err := loc.AddKey(ctx, AddKeyParams{
		Name: "n", Provider: "openai", Secret: "s", Passphrase: "pass",
	})
	require.NoError(t, err)

	require.NoError(t, loc.DeleteKey(ctx, meta.ID, "pass"))

	_, err = loc.GetSecret(ctx, meta.ID, "pass")
	assert.True(t, jcerrors.IsNotFound(err), "want not-found after delete, got %v", err)

	keys, err := loc.ListKeys(ctx, "pass")
	require.NoError(t, err)
	assert.Empty(t, keys)

	// Deleting again is not-found.
	err = loc.DeleteKey(ctx, meta.ID, "pass")
	assert.True(t, jcerrors.IsNotFound(err))
}

func TestEditKey_PartialUpdate(t *testing.T) {
	loc, _ := newTestLocker(t, newFakeVault(false))
	ctx := context.Background()

	meta, err := loc.AddKey(ctx, AddKeyParams{
		Name: "Original", Provider: "openai", Secret: "s1", Passphrase: "pass",
	})
	require.NoError(t, err)
	require.Nil(t, meta.UpdatedAt)

	budget := 5.0
	edited, err := loc.EditKey(ctx, meta.ID, EditKeyParams{BudgetUSD: &budget})
	require.NoError(t, err)

	assert.Equal(t, "Original", edited.Name)
	assert.Equal(t, "openai", edited.Provider)
	require.NotNil(t, edited.BudgetUSD)
	assert.Equal(t, 5.0, *edited.BudgetUSD)
	require.NotNil(t, edited.UpdatedAt)

	// Secret unchanged.
	secret, err := loc.GetSecret(ctx, meta.ID, "pass")
	require.NoError(t, err)
	assert.Equal(t, "s1", secret)
}

func TestEditKey_RotateSecret(t *testing.T) {
	loc, _ := newTestLocker(t, newFakeVault(false))
	ctx := context.Background()

	meta, err := loc.AddKey(ctx, AddKeyParams{
		Name: "n", Provider: "openai", Secret: "old", Passphrase: "pass",
	})
	require.NoError(t, err)

	rotated := "new"
	_, err = loc.EditKey(ctx, meta.ID, EditKeyParams{Secret: &rotated, Passphrase: "pass"})
	require.NoError(t, err)

	secret, err := loc.GetSecret(ctx, meta.ID, "pass")
	require.NoError(t, err)
	assert.Equal(t, "new", secret)
}

func TestEditKey_NotFound(t *testing.T) {
	loc, _ := newTestLocker(t, newFakeVault(true))

	_, err := loc.EditKey(context.Background(), "nope", EditKeyParams{Name: "x"})
	assert.True(t, jcerrors.IsNotFound(err))
}

func TestFindKeyForProvider_CaseInsensitive(t *testing.T) {
	loc, _ := newTestLocker(t, newFakeVault(true))
	ctx := context.Background()

	meta, err := loc.AddKey(ctx, AddKeyParams{
		Name: "n", Provider: "OpenAI", Secret: "s",
	})
	require.NoError(t, err)

	found, err := loc.FindKeyForProvider(ctx, "openai", "")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, meta.ID, found.ID)

	missing, err := loc.FindKeyForProvider(ctx, "anthropic", "")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTouchKey(t *testing.T) {
	loc, _ := newTestLocker(t, newFakeVault(true))
	ctx := context.Background()

	meta, err := loc.AddKey(ctx, AddKeyParams{Name: "n", Provider: "openai", Secret: "s"})
	require.NoError(t, err)

	require.NoError(t, loc.TouchKey(ctx, meta.ID))

	info, err := loc.GetKey(ctx, meta.ID, "")
	require.NoError(t, err)
	require.NotNil(t, info.LastUsedAt)

	// Absent id is a silent no-op.
	require.NoError(t, loc.TouchKey(ctx, "nope"))
}

func TestGetKey_SecretAvailability(t *testing.T) {
	vault := newFakeVault(true)
	loc, _ := newTestLocker(t, vault)
	ctx := context.Background()

	meta, err := loc.AddKey(ctx, AddKeyParams{Name: "n", Provider: "openai", Secret: "s"})
	require.NoError(t, err)

	info, err := loc.GetKey(ctx, meta.ID, "")
	require.NoError(t, err)
	assert.True(t, info.SecretAvailable)

	// Orphaned metadata: the backend lost the value.
	delete(vault.secrets, meta.ID)
	info, err = loc.GetKey(ctx, meta.ID, "")
	require.NoError(t, err)
	assert.False(t, info.SecretAvailable)
}

func TestAudit_OneLinePerMutationNoSecrets(t *testing.T) {
	loc, dir := newTestLocker(t, newFakeVault(false))
	ctx := context.Background()

	meta, err := loc.AddKey(ctx, AddKeyParams{
		Name: "n", Provider: "openai", Secret: "super-secret", Passphrase: "pass",
	})
	require.NoError(t, err)

	_, err = loc.EditKey(ctx, meta.ID, EditKeyParams{Name: "renamed"})
	require.NoError(t, err)
	require.NoError(t, loc.DeleteKey(ctx, meta.ID, "pass"))

	raw, err := os.ReadFile(filepath.Join(dir, config.AuditFile))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.Len(t, lines, 3, "one audit line per mutating operation")

	wantActions := []string{"add", "edit", "delete"}
	for i, line := range lines {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		assert.Equal(t, wantActions[i], entry["action"])
		assert.Equal(t, meta.ID, entry["key_id"])
	}
	assert.NotContains(t, string(raw), "super-secret", "audit log leaked a secret")
}

func TestStorageFixedAtCreation(t *testing.T) {
	vault := newFakeVault(false)
	loc, _ := newTestLocker(t, vault)
	ctx := context.Background()

	meta, err := loc.AddKey(ctx, AddKeyParams{
		Name: "n", Provider: "openai", Secret: "s", Passphrase: "pass",
	})
	require.NoError(t, err)
	require.Equal(t, StorageFile, meta.Storage)

	// Vault coming online later must not change where the secret is read.
	vault.available = true
	secret, err := loc.GetSecret(ctx, meta.ID, "pass")
	require.NoError(t, err)
	assert.Equal(t, "s", secret)
}
