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

// Package serve runs the key locker HTTP API.
package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jc-agent/keylocker/internal/api"
	"github.com/jc-agent/keylocker/internal/commands/version"
	"github.com/jc-agent/keylocker/internal/config"
	"github.com/jc-agent/keylocker/internal/locker"
	"github.com/jc-agent/keylocker/internal/log"
	"github.com/jc-agent/keylocker/internal/usage"
)

var serveAddr string

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the key locker HTTP API",
		Long: `Run the key locker HTTP API.

The server binds to loopback by default; the API performs no
authentication of its own and must not be exposed directly.

Examples:
  keylocker serve
  keylocker serve --addr 127.0.0.1:9000`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8000", "Listen address")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.New(log.FromEnv())

	loc, err := locker.New(locker.Config{Logger: logger})
	if err != nil {
		return err
	}

	usagePath, err := config.UsagePath()
	if err != nil {
		return err
	}
	ledger := usage.NewLedger(usagePath)

	v, c, b := version.Get()
	router := api.NewRouter(api.RouterConfig{
		Version:   v,
		Commit:    c,
		BuildDate: b,
	}, loc, api.NewKeysHandler(loc, ledger))

	server := &http.Server{
		Addr:              serveAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("key locker API listening", slog.String("addr", serveAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
