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

// Package audit provides the append-only journal of key mutations.
// Entries carry only non-secret fields and are never rewritten or deleted.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Action represents a mutating locker operation.
type Action string

const (
	ActionAdd    Action = "add"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

// Entry is a single audit record. Data holds only non-secret metadata
// fields (name, provider, storage).
type Entry struct {
	At     time.Time         `json:"at"`
	Action Action            `json:"action"`
	KeyID  string            `json:"key_id"`
	Data   map[string]string `json:"data"`
}

// Logger appends entries to a newline-delimited JSON file.
type Logger struct {
	path string
	mu   sync.Mutex
}

// NewLogger creates an audit logger writing to path. The file is created
// with owner-only permissions on first append.
func NewLogger(path string) *Logger {
	return &Logger{path: path}
}

// Append writes one audit line. Existing lines are never touched.
func (l *Logger) Append(action Action, keyID string, data map[string]string) error {
	entry := Entry{
		At:     time.Now().UTC(),
		Action: action,
		KeyID:  keyID,
		Data:   data,
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}

	return nil
}
