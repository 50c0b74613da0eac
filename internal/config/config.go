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

// Package config resolves the per-installation storage directory and the
// paths of the files the locker persists.
package config

import (
	"os"
	"path/filepath"
)

// Environment variables consumed by the locker.
const (
	// StoragePathEnv relocates the storage directory.
	StoragePathEnv = "JC_STORAGE_PATH"

	// PassphraseEnv supplies the file-backend passphrase when no explicit
	// passphrase is passed by the caller.
	PassphraseEnv = "JC_SECRETS_PASSPHRASE"
)

// File names inside the storage directory.
const (
	MetadataFile = "keys-meta.json"
	SecretsFile  = "secrets.enc"
	AuditFile    = "keys-audit.log"
	UsageFile    = "usage.log"
)

// StorageDir returns the storage directory for locker state.
// On all platforms: ~/.jc-agent, overridable via JC_STORAGE_PATH.
// The directory is created with owner-only permissions if absent.
func StorageDir() (string, error) {
	dir := os.Getenv(StoragePathEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".jc-agent")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}

	return dir, nil
}

// MetadataPath returns the full path to the metadata file.
func MetadataPath() (string, error) {
	dir, err := StorageDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, MetadataFile), nil
}

// SecretsPath returns the full path to the encrypted secrets file.
func SecretsPath() (string, error) {
	dir, err := StorageDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, SecretsFile), nil
}

// AuditPath returns the full path to the audit log.
func AuditPath() (string, error) {
	dir, err := StorageDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, AuditFile), nil
}

// UsagePath returns the full path to the usage ledger.
func UsagePath() (string, error) {
	dir, err := StorageDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, UsageFile), nil
}
