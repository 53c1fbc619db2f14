// Copyright 2025 Tom Barlow
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

// Package api provides the HTTP API for the gateway daemon.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/gantry/internal/budget"
	"github.com/tombee/gantry/internal/cache"
	"github.com/tombee/gantry/internal/circuit"
	"github.com/tombee/gantry/internal/events"
	"github.com/tombee/gantry/internal/pool"
	"github.com/tombee/gantry/internal/ratelimit"
	"github.com/tombee/gantry/internal/registry"
	"github.com/tombee/gantry/internal/router"
	"github.com/tombee/gantry/internal/secrets"
	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/workflow"
)

// ServerManager is the connection orchestration surface the handlers
// drive: it connects pool sessions and keeps the registry in sync.
type ServerManager interface {
	Connect(ctx context.Context, serverID string) error
	Disconnect(ctx context.Context, serverID string) error

	// Remove tears a server down completely: connection, registry
	// entries, rate buckets, circuit state, cached responses, vectors,
	// and finally the row itself.
	Remove(ctx context.Context, serverID string) error

	Status(serverID string) (*pool.Status, error)
	StatusAll() []*pool.Status
}

// MetricsHandler serves the Prometheus scrape endpoint.
type MetricsHandler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Deps are the components the API surfaces. Optional fields may be nil;
// their endpoints then report the feature as unavailable.
type Deps struct {
	Logger   *slog.Logger
	Store    *store.Store
	Servers  ServerManager
	Registry *registry.Registry
	Semantic *registry.SemanticIndex
	Router   *router.Router
	Engine   *workflow.Engine
	Budgets  *budget.Enforcer
	Scanner  *secrets.Scanner
	Cache    *cache.Cache
	Limiter  *ratelimit.Limiter
	Circuits *circuit.Manager
	Bus      *events.Bus

	// MasterKey grants admin access when presented as a bearer token.
	// When empty and no API keys exist, requests are admitted without
	// credentials so a fresh install can bootstrap itself.
	MasterKey string

	Version string
}

// Router wraps an http.ServeMux with auth, audit, and request logging.
type Router struct {
	mux     *http.ServeMux
	deps    Deps
	logger  *slog.Logger
	metrics MetricsHandler
}

// NewRouter creates the API router with every endpoint registered.
func NewRouter(deps Deps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:    http.NewServeMux(),
		deps:   deps,
		logger: logger,
	}

	r.mux.HandleFunc("GET /", r.handleRoot)
	r.mux.HandleFunc("GET /v1/health", r.handleHealth)

	r.registerServerRoutes()
	r.registerCapabilityRoutes()
	r.registerWorkflowRoutes()
	r.registerEventRoutes()
	r.registerAdminRoutes()

	return r
}

// SetMetricsHandler registers the Prometheus scrape endpoint.
func (r *Router) SetMetricsHandler(h MetricsHandler) {
	r.metrics = h
	if h != nil {
		r.mux.HandleFunc("GET /metrics", h.ServeHTTP)
	}
}

// Mux returns the underlying ServeMux for registering additional routes.
func (r *Router) Mux() *http.ServeMux {
	return r.mux
}

// ServeHTTP implements http.Handler: authentication, then request
// logging, then the route table.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var handler http.Handler = r.mux

	inner := handler
	handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		inner.ServeHTTP(rec, req)
		r.logger.Info("request completed",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("status", rec.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})

	handler = r.authenticate(handler)
	handler.ServeHTTP(w, req)
}

// statusRecorder captures the response status for the request log. It
// passes Flush through so SSE streaming keeps working behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "gantryd",
		"version": r.deps.Version,
	})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	statuses := r.deps.Servers.StatusAll()
	connected := 0
	for _, s := range statuses {
		if s.State == pool.StateConnected {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"version":           r.deps.Version,
		"servers_total":     len(statuses),
		"servers_connected": connected,
		"subscribers":       r.deps.Bus.SubscriberCount(),
	})
}
