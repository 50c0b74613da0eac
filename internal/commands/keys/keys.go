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

package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jc-agent/keylocker/internal/config"
	"github.com/jc-agent/keylocker/internal/locker"
	"github.com/jc-agent/keylocker/internal/log"
	"github.com/jc-agent/keylocker/internal/usage"
)

var (
	keyName       string
	keyProvider   string
	keyBudget     float64
	keyNotes      string
	keyPassphrase string
	keyUnmask     bool
	keyForce      bool
	keyJSON       bool
	keyRotate     bool
	usageDays     int
)

// NewCommand creates the keys command for credential management.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage stored API keys",
		Long: `Manage API keys in the encrypted key locker.

Secrets are stored in the platform credential vault when one is available
(macOS Keychain, Linux Secret Service, Windows Credential Manager), or in a
passphrase-encrypted file otherwise. Metadata, audit history, and usage
records live alongside in the storage directory.

The storage directory defaults to ~/.jc-agent and can be overridden with
JC_STORAGE_PATH. When the encrypted file backend is active, the passphrase
comes from --passphrase or JC_SECRETS_PASSPHRASE.

Examples:
  keylocker keys add --name "Work" --provider openai
  keylocker keys list
  keylocker keys reveal <id> --unmask
  keylocker keys usage <id> --days 7`,
	}

	cmd.AddCommand(newAddCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newGetCommand())
	cmd.AddCommand(newRevealCommand())
	cmd.AddCommand(newEditCommand())
	cmd.AddCommand(newDeleteCommand())
	cmd.AddCommand(newUsageCommand())
	cmd.AddCommand(newDiscoverCommand())

	return cmd
}

func newAddCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a new API key",
		Long: `Store a new API key in the locker.

The secret value can be provided via:
  - Interactive prompt (hidden input, default)
  - Standard input: echo "sk-..." | keylocker keys add --name Work --provider openai

Examples:
  keylocker keys add --name "Work" --provider openai
  keylocker keys add --name "Personal" --provider openrouter --budget 5.00`,
		Args: cobra.NoArgs,
		RunE: runAdd,
	}

	cmd.Flags().StringVar(&keyName, "name", "", "Display name for the key (required)")
	cmd.Flags().StringVar(&keyProvider, "provider", "", "Provider the key belongs to (required)")
	cmd.Flags().Float64Var(&keyBudget, "budget", 0, "Monthly budget in USD")
	cmd.Flags().StringVar(&keyNotes, "notes", "", "Free-form notes")
	cmd.Flags().StringVar(&keyPassphrase, "passphrase", "", "Passphrase for encrypted file storage")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("provider")

	return cmd
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored keys",
		Long: `List all stored keys with their metadata.

Secret values are never shown.

Examples:
  keylocker keys list
  keylocker keys list --json`,
		Args: cobra.NoArgs,
		RunE: runList,
	}

	cmd.Flags().StringVar(&keyPassphrase, "passphrase", "", "Passphrase for encrypted file storage")
	cmd.Flags().BoolVar(&keyJSON, "json", false, "Output in JSON format")

	return cmd
}

func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a key's metadata",
		Long: `Show one key's metadata and whether its secret is retrievable.

The secret value itself is never shown; use 'keys reveal' for that.`,
		Args: cobra.ExactArgs(1),
		RunE: runGet,
	}

	cmd.Flags().StringVar(&keyPassphrase, "passphrase", "", "Passphrase for encrypted file storage")
	cmd.Flags().BoolVar(&keyJSON, "json", false, "Output in JSON format")

	return cmd
}

func newRevealCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reveal <id>",
		Short: "Retrieve a key's secret value",
		Long: `Retrieve the secret value for a key.

By default, the value is masked for security. Use --unmask to show the full value.

Examples:
  keylocker keys reveal 3f2a...
  keylocker keys reveal 3f2a... --unmask`,
		Args: cobra.ExactArgs(1),
		RunE: runReveal,
	}

	cmd.Flags().StringVar(&keyPassphrase, "passphrase", "", "Passphrase for encrypted file storage")
	cmd.Flags().BoolVar(&keyUnmask, "unmask", false, "Show full value (not masked)")

	return cmd
}

func newEditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Update a key's metadata or rotate its secret",
		Long: `Apply a partial update to a key. Only the provided flags change.

With --rotate-secret, a new secret value is read from stdin or an
interactive prompt and replaces the stored one.

Examples:
  keylocker keys edit 3f2a... --name "Renamed"
  keylocker keys edit 3f2a... --budget 10.00
  keylocker keys edit 3f2a... --rotate-secret`,
		Args: cobra.ExactArgs(1),
		RunE: runEdit,
	}

	cmd.Flags().StringVar(&keyName, "name", "", "New display name")
	cmd.Flags().StringVar(&keyProvider, "provider", "", "New provider")
	cmd.Flags().Float64Var(&keyBudget, "budget", 0, "New monthly budget in USD")
	cmd.Flags().BoolVar(&keyRotate, "rotate-secret", false, "Read a replacement secret value")
	cmd.Flags().StringVar(&keyPassphrase, "passphrase", "", "Passphrase for encrypted file storage")

	return cmd
}

func newDeleteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a key and its secret",
		Long: `Remove a key's metadata and stored secret.

Requires confirmation unless --force is used.`,
		Args: cobra.ExactArgs(1),
		RunE: runDelete,
	}

	cmd.Flags().StringVar(&keyPassphrase, "passphrase", "", "Passphrase for encrypted file storage")
	cmd.Flags().BoolVar(&keyForce, "force", false, "Skip confirmation prompt")

	return cmd
}

func newUsageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage <id>",
		Short: "Show a key's recorded consumption",
		Long: `Summarize a key's usage over a time window.

Examples:
  keylocker keys usage 3f2a...
  keylocker keys usage 3f2a... --days 7`,
		Args: cobra.ExactArgs(1),
		RunE: runUsage,
	}

	cmd.Flags().IntVar(&usageDays, "days", 30, "Window in days (0 = all time)")
	cmd.Flags().BoolVar(&keyJSON, "json", false, "Output in JSON format")

	return cmd
}

func newDiscoverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find the key configured for a provider",
		Long: `Find the first stored key (by creation order) whose provider matches.

Examples:
  keylocker keys discover --provider openai`,
		Args: cobra.NoArgs,
		RunE: runDiscover,
	}

	cmd.Flags().StringVar(&keyProvider, "provider", "", "Provider to look up (required)")
	cmd.Flags().StringVar(&keyPassphrase, "passphrase", "", "Passphrase for encrypted file storage")
	cmd.Flags().BoolVar(&keyJSON, "json", false, "Output in JSON format")
	_ = cmd.MarkFlagRequired("provider")

	return cmd
}

// newLocker opens the store at the configured storage directory.
func newLocker() (*locker.Locker, error) {
	return locker.New(locker.Config{
		Logger: log.New(log.FromEnv()),
	})
}

func runAdd(cmd *cobra.Command, args []string) error {
	secret, err := readSecretValue()
	if err != nil {
		return fmt.Errorf("failed to read secret value: %w", err)
	}
	if secret == "" {
		return errors.New("secret value cannot be empty")
	}

	loc, err := newLocker()
	if err != nil {
		return err
	}

	var budget *float64
	if cmd.Flags().Changed("budget") {
		budget = &keyBudget
	}

	meta, err := loc.AddKey(context.Background(), locker.AddKeyParams{
		Name:       keyName,
		Provider:   keyProvider,
		Secret:     secret,
		BudgetUSD:  budget,
		Passphrase: keyPassphrase,
		Notes:      keyNotes,
	})
	if err != nil {
		return describeLockerError(err)
	}

	cmd.Printf("Key %q stored (id %s, %s storage)\n", meta.Name, meta.ID, meta.Storage)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	loc, err := newLocker()
	if err != nil {
		return err
	}

	keys, err := loc.ListKeys(context.Background(), keyPassphrase)
	if err != nil {
		return describeLockerError(err)
	}

	if keyJSON {
		data, err := json.MarshalIndent(keys, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
		return nil
	}

	if len(keys) == 0 {
		cmd.Println("No keys stored")
		return nil
	}

	cmd.Printf("%-32s %-20s %-12s %-7s %s\n", "ID", "NAME", "PROVIDER", "STORAGE", "CREATED")
	cmd.Println(strings.Repeat("-", 90))
	for _, key := range keys {
		cmd.Printf("%-32s %-20s %-12s %-7s %s\n",
			key.ID, key.Name, key.Provider, key.Storage,
			key.CreatedAt.Local().Format(time.DateOnly))
	}
	cmd.Printf("\nTotal: %d key(s)\n", len(keys))
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	loc, err := newLocker()
	if err != nil {
		return err
	}

	info, err := loc.GetKey(context.Background(), args[0], keyPassphrase)
	if err != nil {
		return describeLockerError(err)
	}

	if keyJSON {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Printf("id:          %s\n", info.ID)
	cmd.Printf("name:        %s\n", info.Name)
	cmd.Printf("provider:    %s\n", info.Provider)
	cmd.Printf("storage:     %s\n", info.Storage)
	cmd.Printf("created:     %s\n", info.CreatedAt.Local().Format(time.RFC3339))
	if info.BudgetUSD != nil {
		cmd.Printf("budget usd:  %.2f\n", *info.BudgetUSD)
	}
	if info.Notes != "" {
		cmd.Printf("notes:       %s\n", info.Notes)
	}
	if info.LastUsedAt != nil {
		cmd.Printf("last used:   %s\n", info.LastUsedAt.Local().Format(time.RFC3339))
	}
	cmd.Printf("secret:      %s\n", availability(info.SecretAvailable))
	return nil
}

func availability(available bool) string {
	if available {
		return "available"
	}
	return "missing"
}

func runReveal(cmd *cobra.Command, args []string) error {
	loc, err := newLocker()
	if err != nil {
		return err
	}

	secret, err := loc.GetSecret(context.Background(), args[0], keyPassphrase)
	if err != nil {
		return describeLockerError(err)
	}

	if keyUnmask {
		cmd.Println(secret)
		return nil
	}
	cmd.Printf("%s (use --unmask to show full value)\n", maskSecret(secret))
	return nil
}

func runEdit(cmd *cobra.Command, args []string) error {
	loc, err := newLocker()
	if err != nil {
		return err
	}

	params := locker.EditKeyParams{
		Name:       keyName,
		Provider:   keyProvider,
		Passphrase: keyPassphrase,
	}
	if cmd.Flags().Changed("budget") {
		params.BudgetUSD = &keyBudget
	}
	if keyRotate {
		secret, err := readSecretValue()
		if err != nil {
			return fmt.Errorf("failed to read secret value: %w", err)
		}
		if secret == "" {
			return errors.New("secret value cannot be empty")
		}
		params.Secret = &secret
	}

	meta, err := loc.EditKey(context.Background(), args[0], params)
	if err != nil {
		return describeLockerError(err)
	}

	cmd.Printf("Key %s updated\n", meta.ID)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	id := args[0]

	if !keyForce {
		cmd.Printf("Are you sure you want to delete key %q? [y/N]: ", id)
		var response string
		fmt.Scanln(&response)
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			cmd.Println("Deletion canceled")
			return nil
		}
	}

	loc, err := newLocker()
	if err != nil {
		return err
	}

	if err := loc.DeleteKey(context.Background(), id, keyPassphrase); err != nil {
		return describeLockerError(err)
	}

	cmd.Printf("Key %s deleted\n", id)
	return nil
}

func runUsage(cmd *cobra.Command, args []string) error {
	path, err := config.UsagePath()
	if err != nil {
		return err
	}

	summary, err := usage.NewLedger(path).Summary(args[0], usageDays, 20)
	if err != nil {
		return err
	}

	if keyJSON {
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
		return nil
	}

	window := fmt.Sprintf("last %d days", summary.Days)
	if summary.Days == 0 {
		window = "all time"
	}
	cmd.Printf("Usage for %s (%s)\n", summary.KeyID, window)
	cmd.Printf("  total tokens:   %d\n", summary.TotalTokens)
	cmd.Printf("  estimated cost: $%.6f\n", summary.TotalEstimatedUSD)
	if len(summary.Entries) > 0 {
		cmd.Println("  recent entries:")
		for _, entry := range summary.Entries {
			cmd.Printf("    %s  %-12s %6d tokens\n",
				entry.At.Local().Format(time.DateTime), entry.Operation, entry.Tokens)
		}
	}
	return nil
}

func runDiscover(cmd *cobra.Command, args []string) error {
	loc, err := newLocker()
	if err != nil {
		return err
	}

	key, err := loc.FindKeyForProvider(context.Background(), keyProvider, keyPassphrase)
	if err != nil {
		return describeLockerError(err)
	}
	if key == nil {
		return fmt.Errorf("no key found for provider %q", keyProvider)
	}

	if keyJSON {
		data, err := json.MarshalIndent(key, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Printf("Provider %s is served by key %s (%q)\n", key.Provider, key.ID, key.Name)
	return nil
}

// describeLockerError rewrites common failures with a usable hint.
func describeLockerError(err error) error {
	switch {
	case errors.Is(err, locker.ErrPassphraseRequired):
		return fmt.Errorf("%w\n\nNo platform vault is available, so the encrypted file backend needs a passphrase.\nPass --passphrase or set %s", err, config.PassphraseEnv)
	case errors.Is(err, locker.ErrDecryptFailed):
		return fmt.Errorf("%w\n\nThe passphrase does not match the encrypted store", err)
	default:
		return err
	}
}

// readSecretValue reads a secret value from stdin or prompts the user.
func readSecretValue() (string, error) {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}

	if (stat.Mode() & os.ModeCharDevice) == 0 {
		// Reading from pipe
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	// Interactive prompt with hidden input
	fmt.Print("Enter secret value (hidden): ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}

	return string(raw), nil
}

// maskSecret masks a secret value for display.
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:4] + "..." + value[len(value)-4:]
}
