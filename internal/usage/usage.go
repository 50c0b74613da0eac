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

// Package usage provides the append-only consumption ledger and its
// time-windowed summarizer. Summaries are a full-file linear scan by design;
// acceptable at personal-scale log volume.
package usage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"
)

// Entry is one consumption event keyed by credential id.
type Entry struct {
	At               time.Time `json:"at"`
	KeyID            string    `json:"key_id"`
	Name             string    `json:"name,omitempty"`
	Provider         string    `json:"provider,omitempty"`
	Operation        string    `json:"operation,omitempty"`
	Tokens           int       `json:"tokens,omitempty"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd,omitempty"`
	Meta             any       `json:"meta,omitempty"`
}

// Summary aggregates a credential's consumption over a time window.
type Summary struct {
	KeyID             string  `json:"key_id"`
	Days              int     `json:"days"`
	TotalTokens       int     `json:"total_tokens"`
	TotalEstimatedUSD float64 `json:"total_estimated_usd"`
	Entries           []Entry `json:"entries"`
}

// Ledger appends entries to a newline-delimited JSON file.
type Ledger struct {
	path string
	mu   sync.Mutex
}

// NewLedger creates a usage ledger writing to path. The file is created with
// owner-only permissions on first append.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

// Log appends one consumption event. A zero At is stamped with the current
// UTC time.
func (l *Ledger) Log(entry Entry) error {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal usage entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open usage log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("failed to write usage entry: %w", err)
	}

	return nil
}

// Summary scans the full ledger and aggregates entries for keyID.
//
// Entries older than days are excluded when days > 0; days == 0 applies no
// time floor. Totals always cover the full filtered set. The returned
// Entries list holds at most maxEntries records, most recent last;
// maxEntries == 0 returns no entries while totals are still computed.
// Malformed lines are skipped, not fatal.
func (l *Ledger) Summary(keyID string, days, maxEntries int) (Summary, error) {
	summary := Summary{
		KeyID:   keyID,
		Days:    days,
		Entries: []Entry{},
	}

	var cutoff time.Time
	if days > 0 {
		cutoff = time.Now().UTC().AddDate(0, 0, -days)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return summary, nil
		}
		return summary, fmt.Errorf("failed to open usage log: %w", err)
	}
	defer f.Close()

	var matched []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		if entry.KeyID != keyID {
			continue
		}
		if !cutoff.IsZero() && !entry.At.IsZero() && entry.At.Before(cutoff) {
			continue
		}

		matched = append(matched, entry)
		summary.TotalTokens += entry.Tokens
		summary.TotalEstimatedUSD += entry.EstimatedCostUSD
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("failed to scan usage log: %w", err)
	}

	summary.TotalEstimatedUSD = math.Round(summary.TotalEstimatedUSD*1e6) / 1e6

	if maxEntries > 0 {
		if len(matched) > maxEntries {
			matched = matched[len(matched)-maxEntries:]
		}
		summary.Entries = append(summary.Entries, matched...)
	}

	return summary, nil
}
