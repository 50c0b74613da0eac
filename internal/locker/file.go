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
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltBytes     = 16
	kdfIterations = 390_000
	kdfKeyLength  = 32
)

// FileBackend stores all secrets in a single encrypted blob on disk.
// The plaintext payload is the entire id -> secret map serialized as JSON,
// encrypted as one Fernet token under a key derived from the passphrase with
// PBKDF2-HMAC-SHA256. Every mutation rewrites the whole blob with a freshly
// generated salt, so no salt is ever reused across versions. O(n) per write;
// fine at personal-scale secret counts.
type FileBackend struct {
	path string
	mu   sync.Mutex
}

// encryptedFile is the on-disk structure of the secrets blob.
type encryptedFile struct {
	Salt    string `json:"salt"`    // base64-encoded KDF salt
	Payload string `json:"payload"` // Fernet token
}

// NewFileBackend creates a file backend persisting to path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Storage returns the metadata tag for this backend.
func (f *FileBackend) Storage() StorageKind {
	return StorageFile
}

// Available always reports true: the passphrase is supplied per call, so
// there is no construction-time capability to probe.
func (f *FileBackend) Available() bool {
	return true
}

// Get retrieves a secret from the encrypted blob.
func (f *FileBackend) Get(ctx context.Context, id, passphrase string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.load(passphrase)
	if err != nil {
		return "", err
	}

	value, ok := secrets[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, id)
	}

	return value, nil
}

// Set stores a secret, re-encrypting the whole map with a fresh salt.
func (f *FileBackend) Set(ctx context.Context, id, secret, passphrase string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.load(passphrase)
	if err != nil {
		return err
	}

	secrets[id] = secret
	return f.save(secrets, passphrase)
}

// Delete removes a secret. Deleting an absent id is a no-op so the blob is
// not rewritten for nothing.
func (f *FileBackend) Delete(ctx context.Context, id, passphrase string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.load(passphrase)
	if err != nil {
		return err
	}

	if _, ok := secrets[id]; !ok {
		return nil
	}

	delete(secrets, id)
	return f.save(secrets, passphrase)
}

// load reads and decrypts the blob. A missing file is an empty map, not an
// error. A wrong passphrase or corrupted token is ErrDecryptFailed.
func (f *FileBackend) load(passphrase string) (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}

	var contents encryptedFile
	if err := json.Unmarshal(raw, &contents); err != nil {
		return nil, fmt.Errorf("invalid secrets file format: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(contents.Salt)
	if err != nil {
		return nil, fmt.Errorf("invalid secrets file salt: %w", err)
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}

	plaintext := fernet.VerifyAndDecrypt([]byte(contents.Payload), 0, []*fernet.Key{key})
	if plaintext == nil {
		return nil, fmt.Errorf("%w: wrong passphrase or corrupted data", ErrDecryptFailed)
	}

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("invalid decrypted payload: %w", err)
	}

	return secrets, nil
}

// save encrypts the full map and replaces the blob atomically with
// owner-only permissions.
func (f *FileBackend) save(secrets map[string]string, passphrase string) error {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return err
	}

	token, err := fernet.EncryptAndSign(plaintext, key)
	if err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}

	contents := encryptedFile{
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Payload: string(token),
	}

	raw, err := json.Marshal(contents)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets file: %w", err)
	}

	tmpPath := f.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace secrets file: %w", err)
	}

	// Some platforms reset permission bits on write.
	if err := os.Chmod(f.path, 0600); err != nil {
		return fmt.Errorf("failed to restrict secrets file permissions: %w", err)
	}

	return nil
}

// deriveKey stretches the passphrase into a Fernet key using
// PBKDF2-HMAC-SHA256 with the blob's salt.
func deriveKey(passphrase string, salt []byte) (*fernet.Key, error) {
	derived := pbkdf2.Key([]byte(passphrase), salt, kdfIterations, kdfKeyLength, sha256.New)
	key, err := fernet.DecodeKey(base64.URLEncoding.EncodeToString(derived))
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return key, nil
}
