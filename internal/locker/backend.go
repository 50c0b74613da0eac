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
	"errors"
)

var (
	// ErrSecretNotFound is returned when a secret id does not exist in the backend.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrSecretMissing is returned by the facade when metadata exists but the
	// backend holds no value for the id. Distinct from a metadata miss.
	ErrSecretMissing = errors.New("secret missing or encrypted")

	// ErrBackendUnavailable is returned when a backend cannot be used in the
	// current environment (e.g. no keyring service).
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrPassphraseRequired is returned when the file backend is active and no
	// passphrase is resolvable from the call or the environment.
	ErrPassphraseRequired = errors.New("passphrase required for encrypted key storage")

	// ErrDecryptFailed is returned on a wrong passphrase or a corrupted blob.
	// Never conflated with ErrSecretNotFound: callers must be able to prompt
	// for a different passphrase instead of concluding the secret is gone.
	ErrDecryptFailed = errors.New("decryption failed")
)

// StorageKind identifies which backend holds a credential's secret value.
// It is fixed at creation and recorded in the key's metadata; a credential
// never migrates backends silently.
type StorageKind string

const (
	// StorageVault is the platform credential store (keychain/keyring).
	StorageVault StorageKind = "vault"

	// StorageFile is the encrypted-blob-on-disk fallback.
	StorageFile StorageKind = "file"
)

// Backend provides secure storage for secret values keyed by credential id.
// The passphrase argument is only meaningful for the file backend; the vault
// backend ignores it.
type Backend interface {
	// Storage returns the backend tag recorded in key metadata.
	Storage() StorageKind

	// Set stores a secret under id, overwriting any existing value.
	Set(ctx context.Context, id, secret, passphrase string) error

	// Get retrieves a secret by id. Returns ErrSecretNotFound if not present.
	Get(ctx context.Context, id, passphrase string) (string, error)

	// Delete removes a secret. Deleting an absent id is not an error for the
	// file backend; the vault backend returns ErrSecretNotFound.
	Delete(ctx context.Context, id, passphrase string) error

	// Available reports whether this backend is usable in the current
	// environment.
	Available() bool
}
