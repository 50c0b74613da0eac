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
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// keychainService is the service namespace used for vault entries.
const keychainService = "JC Agent Key Locker"

// KeychainBackend stores secrets in the platform credential vault.
// Supported platforms:
//   - macOS: Keychain Access
//   - Linux: Secret Service API (GNOME Keyring, KWallet)
//   - Windows: Credential Manager
type KeychainBackend struct {
	available bool
}

// NewKeychainBackend creates a vault backend and probes whether the keyring
// service is accessible. The probe result is cached for the backend's
// lifetime.
func NewKeychainBackend() *KeychainBackend {
	backend := &KeychainBackend{
		available: true,
	}

	// A lookup of a key that cannot exist detects locked keychains or
	// missing services early.
	_, err := keyring.Get(keychainService, "__jc_availability_probe__")
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		backend.available = false
	}

	return backend
}

// Storage returns the metadata tag for this backend.
func (k *KeychainBackend) Storage() StorageKind {
	return StorageVault
}

// Get retrieves a secret from the platform vault.
func (k *KeychainBackend) Get(ctx context.Context, id, _ string) (string, error) {
	if !k.available {
		return "", fmt.Errorf("%w: keyring service unavailable", ErrBackendUnavailable)
	}

	value, err := keyring.Get(keychainService, id)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, id)
		}
		if isKeychainUnavailableError(err) {
			return "", fmt.Errorf("%w: %s", ErrBackendUnavailable, err.Error())
		}
		return "", fmt.Errorf("keyring error: %w", err)
	}

	return value, nil
}

// Set stores a secret in the platform vault.
func (k *KeychainBackend) Set(ctx context.Context, id, secret, _ string) error {
	if !k.available {
		return fmt.Errorf("%w: keyring service unavailable", ErrBackendUnavailable)
	}

	if err := keyring.Set(keychainService, id, secret); err != nil {
		if isKeychainUnavailableError(err) {
			return fmt.Errorf("%w: %s", ErrBackendUnavailable, err.Error())
		}
		return fmt.Errorf("keyring error: %w", err)
	}

	return nil
}

// Delete removes a secret from the platform vault.
func (k *KeychainBackend) Delete(ctx context.Context, id, _ string) error {
	if !k.available {
		return fmt.Errorf("%w: keyring service unavailable", ErrBackendUnavailable)
	}

	if err := keyring.Delete(keychainService, id); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSecretNotFound, id)
		}
		if isKeychainUnavailableError(err) {
			return fmt.Errorf("%w: %s", ErrBackendUnavailable, err.Error())
		}
		return fmt.Errorf("keyring error: %w", err)
	}

	return nil
}

// Available reports whether the keyring service was reachable at probe time.
func (k *KeychainBackend) Available() bool {
	return k.available
}

// isKeychainUnavailableError checks if an error indicates the keychain is
// locked or inaccessible. Matches common error messages across platforms.
func isKeychainUnavailableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	unavailableIndicators := []string{
		"locked",
		"cannot access",
		"permission denied",
		"failed to unlock",
		"user interaction required",
		"secret service",
		"dbus",
		"user canceled",
	}

	for _, indicator := range unavailableIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}
