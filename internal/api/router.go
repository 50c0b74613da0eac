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

// Package api provides the HTTP API for the key locker.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jc-agent/keylocker/internal/httputil"
	"github.com/jc-agent/keylocker/internal/locker"
	"github.com/jc-agent/keylocker/internal/log"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// Router wraps an http.ServeMux with request logging and metric recording.
type Router struct {
	mux    *http.ServeMux
	config RouterConfig
	locker *locker.Locker
	logger *slog.Logger
}

// NewRouter creates a new HTTP router with all API endpoints.
func NewRouter(cfg RouterConfig, loc *locker.Locker, keys *KeysHandler) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		config: cfg,
		locker: loc,
		logger: log.New(log.FromEnv()),
	}

	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.HandleFunc("GET /version", r.handleVersion)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	// Root endpoint for basic connectivity check
	r.mux.HandleFunc("GET /", r.handleRoot)

	keys.RegisterRoutes(r.mux)

	return r
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	r.mux.ServeHTTP(recorder, req)

	elapsed := time.Since(start)
	requestDuration.WithLabelValues(req.URL.Path, strconv.Itoa(recorder.status)).
		Observe(elapsed.Seconds())

	r.logger.Info("request completed",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", recorder.status),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	)
}

// Mux returns the underlying ServeMux for registering additional routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// handleRoot handles GET / for basic connectivity.
func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"name":    "keylockerd",
		"version": r.config.Version,
	})
}

// handleHealth handles GET /health.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	backend := "file"
	if r.locker.UsingVault() {
		backend = "vault"
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"secret_backend": backend,
		"version":        r.config.Version,
	})
}

// handleVersion handles GET /version.
func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"version":    r.config.Version,
		"commit":     r.config.Commit,
		"build_date": r.config.BuildDate,
	})
}
