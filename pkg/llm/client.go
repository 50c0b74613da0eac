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

// Package llm provides a small client for chat-completion providers whose
// credentials live in the key locker. Key resolution prefers environment
// variables, then stored credentials; calls made with a stored credential
// are recorded in the usage ledger.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jc-agent/keylocker/internal/locker"
	"github.com/jc-agent/keylocker/internal/usage"
)

// sharedBreaker guards all clients; a provider that fails repeatedly is
// short-circuited process-wide.
var sharedBreaker = newCircuitBreaker(5, 60*time.Second)

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionOptions tune a single completion request.
type CompletionOptions struct {
	MaxTokens   int
	Temperature float64
	// Personality, when set, is prepended as a system message.
	Personality string
}

// Config configures a Client. All fields are optional; unset fields are
// resolved from the environment and the locker.
type Config struct {
	// Provider names the provider to use ("openai", "openrouter",
	// "huggingface"). Empty selects the effective provider.
	Provider string

	// APIKey overrides credential resolution.
	APIKey string

	// Model overrides the provider's default model.
	Model string

	// Locker supplies stored credentials and last-used tracking. May be nil.
	Locker *locker.Locker

	// Ledger records per-key consumption. May be nil.
	Ledger *usage.Ledger

	Logger *slog.Logger

	// HTTPClient overrides the default 30 second timeout client.
	HTTPClient *http.Client

	// BaseURL overrides the provider endpoint, mainly for tests.
	BaseURL string

	// Retry overrides DefaultRetryConfig.
	Retry *RetryConfig
}

// Client calls one chat-completion provider.
type Client struct {
	provider string
	apiKey   string
	model    string
	keyID    string

	http    *http.Client
	ledger  *usage.Ledger
	locker  *locker.Locker
	logger  *slog.Logger
	baseURL string
	retry   RetryConfig
	breaker *circuitBreaker
}

// NewClient resolves credentials and returns a client for the effective
// provider. Construction succeeds even when no key resolves; Complete then
// fails with a descriptive error.
func NewClient(ctx context.Context, cfg Config) *Client {
	creds := NewCredentials(cfg.Locker)

	provider := normalizeProvider(cfg.Provider)
	if provider == "" {
		provider = creds.EffectiveProvider(ctx)
	}

	info := creds.KeyInfo(ctx, provider)
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = info.APIKey
	}
	// Fallback resolution may have landed on a different provider.
	if cfg.APIKey == "" && info.Provider != "" {
		provider = info.Provider
	}

	model := cfg.Model
	if model == "" {
		model = Model(provider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	retry := DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}

	return &Client{
		provider: provider,
		apiKey:   apiKey,
		model:    model,
		keyID:    info.KeyID,
		http:     httpClient,
		ledger:   cfg.Ledger,
		locker:   cfg.Locker,
		logger:   logger,
		baseURL:  cfg.BaseURL,
		retry:    retry,
		breaker:  sharedBreaker,
	}
}

// Provider returns the resolved provider name.
func (c *Client) Provider() string { return c.provider }

// Model returns the resolved model identifier.
func (c *Client) Model() string { return c.model }

// BreakerStatus reports the circuit state for this client's provider.
func (c *Client) BreakerStatus() CircuitBreakerStatus {
	return c.breaker.status(c.provider)
}

// Complete sends messages to the provider and returns the generated text.
func (c *Client) Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("no API key available for provider %s", c.provider)
	}

	if opts.MaxTokens == 0 {
		opts.MaxTokens = 512
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.7
	}
	if opts.Personality != "" {
		messages = append([]Message{{
			Role:    "system",
			Content: fmt.Sprintf("You are %s.", opts.Personality),
		}}, messages...)
	}

	var result string
	err := withRetry(ctx, c.retry, func() error {
		if !c.breaker.allowRequest(c.provider) {
			return ErrCircuitOpen
		}

		var err error
		switch c.provider {
		case "openai":
			result, err = c.callOpenAI(ctx, messages, opts)
		case "huggingface":
			result, err = c.callHuggingFace(ctx, messages, opts)
		default:
			result, err = c.callOpenRouter(ctx, messages, opts)
		}

		if err != nil {
			c.breaker.recordFailure(c.provider)
			return err
		}
		c.breaker.recordSuccess(c.provider)
		return nil
	})
	if err != nil {
		c.logger.Error("LLM call failed",
			slog.String("provider", c.provider),
			slog.Any("error", err))
		return "", err
	}

	c.recordUsage(ctx, result, c.provider)
	return result, nil
}

type chatRequest struct {
	Model       string    `json:"model,omitempty"`
	Models      []string  `json:"models,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) callOpenAI(ctx context.Context, messages []Message, opts CompletionOptions) (string, error) {
	base := c.baseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return c.chatCompletion(ctx, base+"/chat/completions", chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
}

func (c *Client) callOpenRouter(ctx context.Context, messages []Message, opts CompletionOptions) (string, error) {
	base := c.baseURL
	if base == "" {
		base = "https://openrouter.ai/api/v1"
	}
	return c.chatCompletion(ctx, base+"/chat/completions", chatRequest{
		Models:      []string{c.model},
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
}

func (c *Client) chatCompletion(ctx context.Context, url string, req chatRequest) (string, error) {
	raw, err := c.postJSON(ctx, url, req)
	if err != nil {
		return "", err
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion response contained no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *Client) callHuggingFace(ctx context.Context, messages []Message, opts CompletionOptions) (string, error) {
	base := c.baseURL
	if base == "" {
		base = "https://api-inference.huggingface.co/models"
	}

	payload := map[string]any{
		"inputs": buildHuggingFacePrompt(messages),
		"parameters": map[string]any{
			"max_new_tokens": opts.MaxTokens,
			"temperature":    opts.Temperature,
		},
		"options": map[string]any{"wait_for_model": true},
	}

	raw, err := c.postJSON(ctx, base+"/"+c.model, payload)
	if err != nil {
		return "", err
	}
	return extractHuggingFaceText(raw)
}

func (c *Client) postJSON(ctx context.Context, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

// recordUsage logs consumption against the stored credential and refreshes
// its last-used timestamp. Calls resolved from the environment have no key
// id and are not recorded.
func (c *Client) recordUsage(ctx context.Context, result, operation string) {
	if c.keyID == "" || c.ledger == nil {
		return
	}

	tokens := len(strings.Fields(result))
	if tokens < 1 {
		tokens = 1
	}

	if err := c.ledger.Log(usage.Entry{
		KeyID:            c.keyID,
		Name:             c.provider,
		Provider:         c.provider,
		Operation:        operation,
		Tokens:           tokens,
		EstimatedCostUSD: 0.0,
	}); err != nil {
		c.logger.Warn("failed to record usage", slog.Any("error", err))
	}

	if c.locker != nil {
		if err := c.locker.TouchKey(ctx, c.keyID); err != nil {
			c.logger.Warn("failed to update last-used timestamp", slog.Any("error", err))
		}
	}
}

func buildHuggingFacePrompt(messages []Message) string {
	var lines []string
	for _, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		role := msg.Role
		if role == "" {
			role = "user"
		}
		lines = append(lines, capitalize(role)+": "+content)
	}
	return strings.Join(lines, "\n")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// extractHuggingFaceText pulls generated text out of the inference API's
// loosely shaped responses.
func extractHuggingFaceText(raw []byte) (string, error) {
	var asList []map[string]any
	if err := json.Unmarshal(raw, &asList); err == nil && len(asList) > 0 {
		if text := textField(asList[0]); text != "" {
			return text, nil
		}
	}

	var asStrings []string
	if err := json.Unmarshal(raw, &asStrings); err == nil && len(asStrings) > 0 {
		return asStrings[0], nil
	}

	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err == nil {
		if text := textField(asMap); text != "" {
			return text, nil
		}
	}

	return "", fmt.Errorf("HuggingFace model did not return any text")
}

func textField(payload map[string]any) string {
	for _, field := range []string{"generated_text", "text", "output", "result"} {
		switch value := payload[field].(type) {
		case string:
			if value != "" {
				return value
			}
		case []any:
			if len(value) > 0 {
				if s, ok := value[0].(string); ok {
					return s
				}
			}
		}
	}
	return ""
}
