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

package usage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return NewLedger(filepath.Join(t.TempDir(), "usage.log"))
}

func TestSummary_AggregatesPerKey(t *testing.T) {
	ledger := newTestLedger(t)

	for _, tokens := range []int{10, 20, 5} {
		require.NoError(t, ledger.Log(Entry{KeyID: "k1", Provider: "openai", Tokens: tokens}))
	}
	require.NoError(t, ledger.Log(Entry{KeyID: "k2", Provider: "openrouter", Tokens: 100}))

	s1, err := ledger.Summary("k1", 30, 100)
	require.NoError(t, err)
	assert.Equal(t, 35, s1.TotalTokens)
	assert.Len(t, s1.Entries, 3)

	s2, err := ledger.Summary("k2", 30, 100)
	require.NoError(t, err)
	assert.Equal(t, 100, s2.TotalTokens)
	assert.Len(t, s2.Entries, 1)
}

func TestSummary_MissingFileIsEmpty(t *testing.T) {
	ledger := newTestLedger(t)

	s, err := ledger.Summary("k1", 30, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, s.TotalTokens)
	assert.Equal(t, 0.0, s.TotalEstimatedUSD)
	assert.NotNil(t, s.Entries)
	assert.Empty(t, s.Entries)
}

func TestSummary_TimeWindow(t *testing.T) {
	ledger := newTestLedger(t)

	old := time.Now().UTC().AddDate(0, 0, -10)
	require.NoError(t, ledger.Log(Entry{At: old, KeyID: "k1", Tokens: 50}))
	require.NoError(t, ledger.Log(Entry{KeyID: "k1", Tokens: 7}))

	windowed, err := ledger.Summary("k1", 7, 100)
	require.NoError(t, err)
	assert.Equal(t, 7, windowed.TotalTokens, "entries older than the window must be excluded")

	// days == 0 applies no time floor.
	unbounded, err := ledger.Summary("k1", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 57, unbounded.TotalTokens)
}

func TestSummary_MaxEntriesCapsListNotTotals(t *testing.T) {
	ledger := newTestLedger(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, ledger.Log(Entry{
			At:     base.Add(time.Duration(i) * time.Minute),
			KeyID:  "k1",
			Tokens: i + 1,
		}))
	}

	s, err := ledger.Summary("k1", 30, 2)
	require.NoError(t, err)
	assert.Equal(t, 15, s.TotalTokens, "totals cover all matches regardless of the cap")
	require.Len(t, s.Entries, 2)
	assert.Equal(t, 4, s.Entries[0].Tokens, "capped list keeps the most recent entries")
	assert.Equal(t, 5, s.Entries[1].Tokens)

	// maxEntries == 0: totals only.
	full, err := ledger.Summary("k1", 30, 0)
	require.NoError(t, err)
	assert.Equal(t, 15, full.TotalTokens)
	assert.Empty(t, full.Entries)
}

func TestSummary_CostRounding(t *testing.T) {
	ledger := newTestLedger(t)

	require.NoError(t, ledger.Log(Entry{KeyID: "k1", EstimatedCostUSD: 0.1}))
	require.NoError(t, ledger.Log(Entry{KeyID: "k1", EstimatedCostUSD: 0.2}))

	s, err := ledger.Summary("k1", 30, 10)
	require.NoError(t, err)
	assert.Equal(t, 0.3, s.TotalEstimatedUSD)
}

func TestSummary_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usage.log")
	ledger := NewLedger(path)

	require.NoError(t, ledger.Log(Entry{KeyID: "k1", Tokens: 3}))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, ledger.Log(Entry{KeyID: "k1", Tokens: 4}))

	s, err := ledger.Summary("k1", 30, 10)
	require.NoError(t, err)
	assert.Equal(t, 7, s.TotalTokens)
	assert.Len(t, s.Entries, 2)
}

func TestLog_StampsZeroTimeAndRestrictsPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usage.log")
	ledger := NewLedger(path)

	require.NoError(t, ledger.Log(Entry{KeyID: "k1", Tokens: 1}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	s, err := ledger.Summary("k1", 30, 10)
	require.NoError(t, err)
	require.Len(t, s.Entries, 1)
	assert.False(t, s.Entries[0].At.IsZero(), "zero At must be stamped at append time")
}
