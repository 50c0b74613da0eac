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

package llm

import (
	"context"
	"os"
	"strings"

	"github.com/jc-agent/keylocker/internal/locker"
)

// ProviderEnv selects the active provider, overriding fallback resolution.
const ProviderEnv = "JC_PROVIDER"

// HuggingFaceKeyFileEnv points at a file whose contents are used as the
// HuggingFace API key.
const HuggingFaceKeyFileEnv = "HUGGINGFACE_KEY_FILE"

// providerKeyEnv lists the environment variables consulted per provider,
// in priority order.
var providerKeyEnv = map[string][]string{
	"openai":      {"OPENAI_API_KEY"},
	"openrouter":  {"OPENROUTER_API_KEY", "OPENROUTER_KEY"},
	"huggingface": {"HUGGINGFACE_API_KEY"},
}

// modelEnvVars maps providers to their model override variables.
var modelEnvVars = map[string]string{
	"openai":      "JC_OPENAI_MODEL",
	"openrouter":  "JC_OPENROUTER_MODEL",
	"huggingface": "JC_HUGGINGFACE_MODEL",
}

// modelDefaults are the models used when no override is set.
var modelDefaults = map[string]string{
	"openai":      "gpt-4o-mini",
	"openrouter":  "openai/gpt-4o-mini",
	"huggingface": "meta-llama/llama-3.1-8b-instruct",
}

// fallbackOrder is the provider preference when none is configured.
var fallbackOrder = []string{"openai", "openrouter", "huggingface"}

// KeyInfo describes a resolved API key and where it came from.
type KeyInfo struct {
	APIKey   string
	Provider string
	// Source is "env", "file", or "keylocker"; empty when nothing resolved.
	Source string
	// KeyID is set only for Source == "keylocker" and identifies the
	// credential for usage recording.
	KeyID string
}

// Credentials resolves provider API keys from the environment first and the
// key locker second. A nil locker resolves from the environment only.
type Credentials struct {
	locker *locker.Locker
}

// NewCredentials creates a resolver backed by loc, which may be nil.
func NewCredentials(loc *locker.Locker) *Credentials {
	return &Credentials{locker: loc}
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

func envValue(names []string) string {
	for _, name := range names {
		if value := os.Getenv(name); value != "" {
			return value
		}
	}
	return ""
}

func huggingFaceKeyFile() string {
	path := os.Getenv(HuggingFaceKeyFileEnv)
	if path == "" {
		return ""
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// KeyInfo resolves an API key for provider, falling back through the
// preference order when the named provider has no key. Environment variables
// win over the key locker, so a locally exported key is used even when a
// stored credential exists.
func (c *Credentials) KeyInfo(ctx context.Context, provider string) KeyInfo {
	candidate := normalizeProvider(provider)

	order := make([]string, 0, len(fallbackOrder)+1)
	if candidate != "" {
		order = append(order, candidate)
	}
	for _, entry := range fallbackOrder {
		if entry != candidate {
			order = append(order, entry)
		}
	}

	for _, name := range order {
		if key := envValue(providerKeyEnv[name]); key != "" {
			return KeyInfo{APIKey: key, Provider: name, Source: "env"}
		}

		if name == "huggingface" {
			if key := huggingFaceKeyFile(); key != "" {
				return KeyInfo{APIKey: key, Provider: "huggingface", Source: "file"}
			}
		}

		if c.locker == nil {
			continue
		}
		entry, err := c.locker.FindKeyForProvider(ctx, name, "")
		if err != nil || entry == nil {
			continue
		}
		secret, err := c.locker.GetSecret(ctx, entry.ID, "")
		if err != nil {
			continue
		}
		return KeyInfo{APIKey: secret, Provider: name, Source: "keylocker", KeyID: entry.ID}
	}

	return KeyInfo{}
}

// hasKey reports whether any key source can serve the provider.
func (c *Credentials) hasKey(ctx context.Context, provider string) bool {
	if envValue(providerKeyEnv[provider]) != "" {
		return true
	}
	if provider == "huggingface" && huggingFaceKeyFile() != "" {
		return true
	}
	if c.locker == nil {
		return false
	}
	entry, err := c.locker.FindKeyForProvider(ctx, provider, "")
	return err == nil && entry != nil
}

// EffectiveProvider returns the active provider, honoring the JC_PROVIDER
// override when that provider has a usable key, then walking the fallback
// order. Defaults to "openrouter" when nothing has a key.
func (c *Credentials) EffectiveProvider(ctx context.Context) string {
	if override := normalizeProvider(os.Getenv(ProviderEnv)); override != "" {
		if c.hasKey(ctx, override) {
			return override
		}
	}

	for _, provider := range fallbackOrder {
		if c.hasKey(ctx, provider) {
			return provider
		}
	}

	return "openrouter"
}

// Model returns the preferred model for provider, honoring per-provider
// environment overrides.
func Model(provider string) string {
	candidate := normalizeProvider(provider)

	if envVar, ok := modelEnvVars[candidate]; ok {
		if override := os.Getenv(envVar); override != "" {
			return override
		}
	}

	if model, ok := modelDefaults[candidate]; ok {
		return model
	}
	return modelDefaults["openrouter"]
}
