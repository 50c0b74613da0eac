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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jc-agent/keylocker/internal/commands/keys"
	"github.com/jc-agent/keylocker/internal/commands/serve"
	versioncmd "github.com/jc-agent/keylocker/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	versioncmd.Set(version, commit, buildDate)

	root := &cobra.Command{
		Use:   "keylocker",
		Short: "Encrypted store for LLM provider API keys",
		Long: `keylocker stores LLM provider API keys in the platform credential
vault, or in a passphrase-encrypted file on hosts without one. It tracks
per-key usage, journals every mutation, and serves the same operations
over a local HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(keys.NewCommand())
	root.AddCommand(serve.NewCommand())
	root.AddCommand(versioncmd.NewCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
