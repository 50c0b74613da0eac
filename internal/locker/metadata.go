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
	"encoding/json"
	"os"
	"sync"
	"time"
)

// KeyMetadata holds the non-secret descriptive fields of a stored credential.
// The secret value itself never appears here.
type KeyMetadata struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Provider   string      `json:"provider"`
	CreatedAt  time.Time   `json:"created_at"`
	Storage    StorageKind `json:"storage"`
	BudgetUSD  *float64    `json:"budget_usd,omitempty"`
	Notes      string      `json:"notes,omitempty"`
	LastUsedAt *time.Time  `json:"last_used_at,omitempty"`
	UpdatedAt  *time.Time  `json:"updated_at,omitempty"`
}

// Locks are shared per metadata path so multiple Locker instances in one
// process serialize against the same file. Cross-process mutations are NOT
// guarded; see the package doc comment.
var (
	pathLocksMu sync.Mutex
	pathLocks   = make(map[string]*sync.Mutex)
)

func lockForPath(path string) *sync.Mutex {
	pathLocksMu.Lock()
	defer pathLocksMu.Unlock()

	if mu, ok := pathLocks[path]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	pathLocks[path] = mu
	return mu
}

// metadataStore persists the id -> KeyMetadata map as one pretty-printed
// JSON file with owner-only permissions. Callers must hold mu across every
// read-modify-write sequence; read and write alone do no locking.
type metadataStore struct {
	path string
	mu   *sync.Mutex
}

func newMetadataStore(path string) *metadataStore {
	return &metadataStore{
		path: path,
		mu:   lockForPath(path),
	}
}

// read loads the metadata map. A missing or unparsable file is an empty map.
func (s *metadataStore) read() (map[string]KeyMetadata, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]KeyMetadata{}, nil
		}
		return nil, err
	}

	var data map[string]KeyMetadata
	if err := json.Unmarshal(raw, &data); err != nil {
		return map[string]KeyMetadata{}, nil
	}
	if data == nil {
		data = map[string]KeyMetadata{}
	}
	return data, nil
}

// write fully replaces the file contents and reapplies owner-only permission
// bits (some platforms reset them on write).
func (s *metadataStore) write(data map[string]KeyMetadata) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(s.path, raw, 0600); err != nil {
		return err
	}
	return os.Chmod(s.path, 0600)
}
