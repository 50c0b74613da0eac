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

// Package locker implements the encrypted credential store.
//
// Secrets live in one of two backends behind a common contract: the platform
// credential vault (keyed by service + credential id) or an encrypted blob
// on disk for hosts without a vault. Non-secret metadata is kept in a JSON
// file, every mutation is journaled to an append-only audit log, and all
// metadata read-modify-write sequences are serialized by a mutex shared per
// storage path. Cross-process mutations are not guarded: two processes
// writing concurrently can lose an update. That is an accepted limitation of
// the single-operator deployment this store targets.
package locker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jc-agent/keylocker/internal/audit"
	"github.com/jc-agent/keylocker/internal/config"
	jcerrors "github.com/jc-agent/keylocker/pkg/errors"
)

// Locker is the credential store facade. All callers (CLI, HTTP API, LLM
// provider) go through it; it never returns raw secret values except from
// GetSecret.
type Locker struct {
	meta   *metadataStore
	vault  Backend
	file   Backend
	audit  *audit.Logger
	logger *slog.Logger
}

// Config configures a Locker.
type Config struct {
	// Dir is the storage directory. Resolved via the config package
	// (JC_STORAGE_PATH or ~/.jc-agent) when empty.
	Dir string

	// Vault overrides the platform vault backend. Used by tests; when nil a
	// keychain backend is constructed and probed.
	Vault Backend

	// Logger receives structured operation logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// New creates a Locker rooted at the configured storage directory.
func New(cfg Config) (*Locker, error) {
	dir := cfg.Dir
	if dir == "" {
		resolved, err := config.StorageDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve storage directory: %w", err)
		}
		dir = resolved
	} else if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	vault := cfg.Vault
	if vault == nil {
		vault = NewKeychainBackend()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Locker{
		meta:   newMetadataStore(filepath.Join(dir, config.MetadataFile)),
		vault:  vault,
		file:   NewFileBackend(filepath.Join(dir, config.SecretsFile)),
		audit:  audit.NewLogger(filepath.Join(dir, config.AuditFile)),
		logger: logger,
	}, nil
}

// UsingVault reports whether new keys will be stored in the platform vault.
func (l *Locker) UsingVault() bool {
	return l.vault.Available()
}

// activeBackend picks the backend for newly created keys: vault when the
// platform exposes one, the encrypted file otherwise.
func (l *Locker) activeBackend() Backend {
	if l.vault.Available() {
		return l.vault
	}
	return l.file
}

// backendFor returns the backend recorded in a key's metadata. Metadata and
// secret value must never disagree about this.
func (l *Locker) backendFor(storage StorageKind) Backend {
	if storage == StorageVault {
		return l.vault
	}
	return l.file
}

// resolvePassphrase returns the explicit passphrase, the environment
// fallback, or ErrPassphraseRequired.
func resolvePassphrase(passphrase string) (string, error) {
	if passphrase != "" {
		return passphrase, nil
	}
	if env := os.Getenv(config.PassphraseEnv); env != "" {
		return env, nil
	}
	return "", ErrPassphraseRequired
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// newKeyID generates an opaque credential id: 32 lowercase hex characters.
func newKeyID() string {
	u := uuid.New()
	return strings.ReplaceAll(u.String(), "-", "")
}

// AddKeyParams are the inputs to AddKey. Name, Provider and Secret are
// required; the rest is optional.
type AddKeyParams struct {
	Name       string
	Provider   string
	Secret     string
	BudgetUSD  *float64
	Passphrase string
	Notes      string
}

// AddKey validates the input, stores the secret in the active backend,
// records metadata, and appends an audit entry. The secret is written before
// the metadata so a crash mid-operation leaves an inert orphaned secret
// rather than metadata pointing at nothing. Returns the metadata record,
// never the secret.
func (l *Locker) AddKey(ctx context.Context, p AddKeyParams) (KeyMetadata, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return KeyMetadata{}, &jcerrors.ValidationError{Field: "name", Message: "key name is required"}
	}
	provider := normalizeProvider(p.Provider)
	if provider == "" {
		return KeyMetadata{}, &jcerrors.ValidationError{Field: "provider", Message: "provider is required"}
	}
	if p.Secret == "" {
		return KeyMetadata{}, &jcerrors.ValidationError{Field: "secret", Message: "secret value is required"}
	}

	backend := l.activeBackend()

	passphrase := ""
	if backend.Storage() == StorageFile {
		resolved, err := resolvePassphrase(p.Passphrase)
		if err != nil {
			return KeyMetadata{}, err
		}
		passphrase = resolved
	}

	metadata := KeyMetadata{
		ID:        newKeyID(),
		Name:      name,
		Provider:  provider,
		CreatedAt: time.Now().UTC(),
		Storage:   backend.Storage(),
		BudgetUSD: p.BudgetUSD,
		Notes:     p.Notes,
	}

	l.meta.mu.Lock()
	defer l.meta.mu.Unlock()

	if err := backend.Set(ctx, metadata.ID, p.Secret, passphrase); err != nil {
		return KeyMetadata{}, err
	}

	data, err := l.meta.read()
	if err != nil {
		return KeyMetadata{}, err
	}
	data[metadata.ID] = metadata
	if err := l.meta.write(data); err != nil {
		return KeyMetadata{}, err
	}

	if err := l.audit.Append(audit.ActionAdd, metadata.ID, map[string]string{
		"name":     metadata.Name,
		"provider": metadata.Provider,
		"storage":  string(metadata.Storage),
	}); err != nil {
		return KeyMetadata{}, err
	}

	l.logger.Info("key added",
		slog.String("key_id", metadata.ID),
		slog.String("provider", metadata.Provider),
		slog.String("storage", string(metadata.Storage)))

	return metadata, nil
}

// ListKeys returns all metadata records sorted by creation time ascending.
// When the file backend is active even metadata-only listing requires a
// resolvable passphrase: the store fails closed rather than listing entries
// whose secrets are inaccessible.
func (l *Locker) ListKeys(ctx context.Context, passphrase string) ([]KeyMetadata, error) {
	if !l.vault.Available() {
		if _, err := resolvePassphrase(passphrase); err != nil {
			return nil, err
		}
	}

	l.meta.mu.Lock()
	data, err := l.meta.read()
	l.meta.mu.Unlock()
	if err != nil {
		return nil, err
	}

	keys := make([]KeyMetadata, 0, len(data))
	for _, entry := range data {
		keys = append(keys, entry)
	}
	slices.SortFunc(keys, func(a, b KeyMetadata) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	return keys, nil
}

// KeyInfo is a metadata record plus whether its secret is retrievable.
type KeyInfo struct {
	KeyMetadata
	SecretAvailable bool `json:"secret_available"`
}

// GetKey returns a key's metadata and whether secret retrieval would
// succeed. The raw secret is never included. A missing backend value yields
// SecretAvailable=false; passphrase and decryption errors propagate so
// callers can distinguish "no secret" from "cannot unlock".
func (l *Locker) GetKey(ctx context.Context, id, passphrase string) (KeyInfo, error) {
	l.meta.mu.Lock()
	data, err := l.meta.read()
	l.meta.mu.Unlock()
	if err != nil {
		return KeyInfo{}, err
	}

	entry, ok := data[id]
	if !ok {
		return KeyInfo{}, &jcerrors.NotFoundError{Resource: "key", ID: id}
	}

	info := KeyInfo{KeyMetadata: entry}
	switch _, err := l.getSecretFor(ctx, entry, passphrase); {
	case err == nil:
		info.SecretAvailable = true
	case errors.Is(err, ErrSecretNotFound) || errors.Is(err, ErrSecretMissing):
		info.SecretAvailable = false
	default:
		return KeyInfo{}, err
	}

	return info, nil
}

// GetSecret returns the raw secret value for id. Fails with a not-found
// error when the id is absent from metadata, and with ErrSecretMissing when
// the metadata exists but the backend holds no value.
func (l *Locker) GetSecret(ctx context.Context, id, passphrase string) (string, error) {
	l.meta.mu.Lock()
	data, err := l.meta.read()
	l.meta.mu.Unlock()
	if err != nil {
		return "", err
	}

	entry, ok := data[id]
	if !ok {
		return "", &jcerrors.NotFoundError{Resource: "key", ID: id}
	}

	secret, err := l.getSecretFor(ctx, entry, passphrase)
	if err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			return "", fmt.Errorf("%w: %s", ErrSecretMissing, id)
		}
		return "", err
	}
	return secret, nil
}

// getSecretFor queries the backend recorded in the entry's metadata.
func (l *Locker) getSecretFor(ctx context.Context, entry KeyMetadata, passphrase string) (string, error) {
	backend := l.backendFor(entry.Storage)

	resolved := ""
	if entry.Storage == StorageFile {
		var err error
		resolved, err = resolvePassphrase(passphrase)
		if err != nil {
			return "", err
		}
	}

	return backend.Get(ctx, entry.ID, resolved)
}

// DeleteKey removes a key's metadata, then its secret, then appends an audit
// entry. Metadata goes first: a crash between the two removals leaves an
// orphaned secret, which leaks nothing and is inert, rather than metadata
// referencing a value that no longer exists.
func (l *Locker) DeleteKey(ctx context.Context, id, passphrase string) error {
	l.meta.mu.Lock()
	defer l.meta.mu.Unlock()

	data, err := l.meta.read()
	if err != nil {
		return err
	}

	entry, ok := data[id]
	if !ok {
		return &jcerrors.NotFoundError{Resource: "key", ID: id}
	}

	delete(data, id)
	if err := l.meta.write(data); err != nil {
		return err
	}

	switch entry.Storage {
	case StorageVault:
		// Best effort when the vault is gone: the orphaned entry is inert.
		if l.vault.Available() {
			if err := l.vault.Delete(ctx, id, ""); err != nil && !errors.Is(err, ErrSecretNotFound) {
				return err
			}
		}
	case StorageFile:
		resolved, err := resolvePassphrase(passphrase)
		if err != nil {
			return err
		}
		if err := l.file.Delete(ctx, id, resolved); err != nil {
			return err
		}
	}

	if err := l.audit.Append(audit.ActionDelete, id, map[string]string{
		"name":     entry.Name,
		"provider": entry.Provider,
	}); err != nil {
		return err
	}

	l.logger.Info("key deleted",
		slog.String("key_id", id),
		slog.String("provider", entry.Provider))

	return nil
}

// EditKeyParams are the inputs to EditKey. Zero-valued fields are left
// unchanged; Secret non-nil rotates the stored secret.
type EditKeyParams struct {
	Name       string
	Provider   string
	BudgetUSD  *float64
	Secret     *string
	Passphrase string
}

// EditKey applies a partial update to a key's metadata and optionally
// rotates its secret. UpdatedAt is always refreshed.
func (l *Locker) EditKey(ctx context.Context, id string, p EditKeyParams) (KeyMetadata, error) {
	l.meta.mu.Lock()
	defer l.meta.mu.Unlock()

	data, err := l.meta.read()
	if err != nil {
		return KeyMetadata{}, err
	}

	entry, ok := data[id]
	if !ok {
		return KeyMetadata{}, &jcerrors.NotFoundError{Resource: "key", ID: id}
	}

	if name := strings.TrimSpace(p.Name); name != "" {
		entry.Name = name
	}
	if provider := normalizeProvider(p.Provider); provider != "" {
		entry.Provider = provider
	}
	if p.BudgetUSD != nil {
		entry.BudgetUSD = p.BudgetUSD
	}
	now := time.Now().UTC()
	entry.UpdatedAt = &now

	data[id] = entry
	if err := l.meta.write(data); err != nil {
		return KeyMetadata{}, err
	}

	if p.Secret != nil {
		backend := l.backendFor(entry.Storage)
		if entry.Storage == StorageVault && !l.vault.Available() {
			return KeyMetadata{}, fmt.Errorf("%w: keyring service unavailable", ErrBackendUnavailable)
		}

		passphrase := ""
		if entry.Storage == StorageFile {
			resolved, err := resolvePassphrase(p.Passphrase)
			if err != nil {
				return KeyMetadata{}, err
			}
			passphrase = resolved
		}

		if err := backend.Set(ctx, id, *p.Secret, passphrase); err != nil {
			return KeyMetadata{}, err
		}
	}

	if err := l.audit.Append(audit.ActionEdit, id, map[string]string{
		"name":     entry.Name,
		"provider": entry.Provider,
	}); err != nil {
		return KeyMetadata{}, err
	}

	l.logger.Info("key edited",
		slog.String("key_id", id),
		slog.String("provider", entry.Provider))

	return entry, nil
}

// FindKeyForProvider returns the first key (by creation order) whose
// provider matches after normalization, or nil when none matches.
func (l *Locker) FindKeyForProvider(ctx context.Context, provider, passphrase string) (*KeyMetadata, error) {
	normalized := normalizeProvider(provider)

	keys, err := l.ListKeys(ctx, passphrase)
	if err != nil {
		return nil, err
	}

	for i := range keys {
		if keys[i].Provider == normalized {
			return &keys[i], nil
		}
	}
	return nil, nil
}

// TouchKey updates a key's last-used timestamp. Best effort: an absent id is
// a silent no-op, as this runs as a usage side effect rather than a
// user-facing operation.
func (l *Locker) TouchKey(ctx context.Context, id string) error {
	l.meta.mu.Lock()
	defer l.meta.mu.Unlock()

	data, err := l.meta.read()
	if err != nil {
		return err
	}

	entry, ok := data[id]
	if !ok {
		return nil
	}

	now := time.Now().UTC()
	entry.LastUsedAt = &now
	data[id] = entry
	return l.meta.write(data)
}
