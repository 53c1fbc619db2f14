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

// Package daemon assembles the gateway process: storage, connection
// pool, registry, invocation pipeline, workflow engine, event fabric,
// and the HTTP API, wired together and managed as one lifecycle.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tombee/gantry/internal/budget"
	"github.com/tombee/gantry/internal/cache"
	"github.com/tombee/gantry/internal/circuit"
	"github.com/tombee/gantry/internal/config"
	"github.com/tombee/gantry/internal/daemon/api"
	"github.com/tombee/gantry/internal/daemon/webhook"
	"github.com/tombee/gantry/internal/events"
	internallog "github.com/tombee/gantry/internal/log"
	"github.com/tombee/gantry/internal/metrics"
	"github.com/tombee/gantry/internal/pool"
	"github.com/tombee/gantry/internal/ratelimit"
	"github.com/tombee/gantry/internal/registry"
	"github.com/tombee/gantry/internal/router"
	"github.com/tombee/gantry/internal/secrets"
	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/internal/tracing"
	"github.com/tombee/gantry/pkg/workflow"
)

// cacheCapacity bounds the in-process hot tier of the response cache.
const cacheCapacity = 1024

// Options contains build-time daemon options.
type Options struct {
	Version string
}

// Gateway is the gantryd process. It owns every subsystem and
// implements api.ServerManager for the HTTP handlers.
type Gateway struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store    *store.Store
	bus      *events.Bus
	registry *registry.Registry
	semantic *registry.SemanticIndex
	pool     *pool.Pool
	limiter  *ratelimit.Limiter
	circuits *circuit.Manager
	cache    *cache.Cache
	router   *router.Router
	scanner  *secrets.Scanner
	budgets  *budget.Enforcer
	engine   *workflow.Engine

	metrics    *metrics.Metrics
	dispatcher *webhook.Dispatcher
	server     *http.Server

	tracer    *tracing.Provider
	watcher   *config.Watcher
	unobserve func()

	mu      sync.Mutex
	started bool
}

// New wires the gateway's subsystems. Start launches them.
func New(cfg *config.Config, opts Options) (*Gateway, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "daemon")

	st, err := store.Open(store.Config{Path: cfg.DBPath, WAL: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	bus := events.NewBus(internallog.WithComponent(logger, "events"))
	reg := registry.New()
	semantic := registry.NewSemanticIndex(st, embedderFromEnv(), internallog.WithComponent(logger, "semantic"))
	p := pool.New(internallog.WithComponent(logger, "pool"), bus)
	limiter := ratelimit.New(st)
	circuits := circuit.NewManager(st, bus, internallog.WithComponent(logger, "circuit"), circuit.Options{})
	respCache, err := cache.New(st, cacheCapacity, internallog.WithComponent(logger, "cache"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}

	rt := router.New(router.Config{
		Logger:   internallog.WithComponent(logger, "router"),
		Registry: reg,
		Pool:     p,
		Cache:    respCache,
		Limiter:  limiter,
		Circuits: circuits,
		Usage:    st,
		Bus:      bus,
	})

	scanner := secrets.NewScanner()
	budgets := budget.New(st, bus, internallog.WithComponent(logger, "budget"))
	executor := workflow.NewExecutor(rt, bus, internallog.WithComponent(logger, "workflow"))
	engine := workflow.NewEngine(st, executor, scanner, budgets, bus, internallog.WithComponent(logger, "workflow"))

	m := metrics.New(bus)
	dispatcher := webhook.New(st, bus, internallog.WithComponent(logger, "webhook"), webhook.Options{
		OnOutcome: m.WebhookDelivery,
	})

	g := &Gateway{
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		store:      st,
		bus:        bus,
		registry:   reg,
		semantic:   semantic,
		pool:       p,
		limiter:    limiter,
		circuits:   circuits,
		cache:      respCache,
		router:     rt,
		scanner:    scanner,
		budgets:    budgets,
		engine:     engine,
		metrics:    m,
		dispatcher: dispatcher,
	}

	apiRouter := api.NewRouter(api.Deps{
		Logger:    internallog.WithComponent(logger, "api"),
		Store:     st,
		Servers:   g,
		Registry:  reg,
		Semantic:  semantic,
		Router:    rt,
		Engine:    engine,
		Budgets:   budgets,
		Scanner:   scanner,
		Cache:     respCache,
		Limiter:   limiter,
		Circuits:  circuits,
		Bus:       bus,
		MasterKey: cfg.MasterKey,
		Version:   opts.Version,
	})
	apiRouter.SetMetricsHandler(m.Handler())

	g.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           apiRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// Start brings the gateway up and blocks serving HTTP until Shutdown
// is called or the listener fails.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	g.started = true
	g.mu.Unlock()

	tracer, err := tracing.Setup(ctx, g.traceConfig())
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	g.tracer = tracer

	// Executions interrupted by the previous shutdown stay cancelled
	// rather than appearing to still run.
	if n, err := g.store.CancelPendingExecutions(ctx); err != nil {
		g.logger.Warn("failed to cancel stale executions", "error", err)
	} else if n > 0 {
		g.logger.Info("cancelled stale executions", "count", n)
	}

	g.unobserve = g.metrics.Observe(g.bus)
	g.dispatcher.Start()

	if err := g.seedServers(ctx); err != nil {
		return err
	}
	g.connectEnabled(ctx)

	if g.cfg.ServersFile != "" {
		w, err := config.Watch(g.cfg.ServersFile, internallog.WithComponent(g.logger, "config"), g.resync)
		if err != nil {
			g.logger.Warn("failed to watch servers file", "path", g.cfg.ServersFile, "error", err)
		} else {
			g.watcher = w
		}
	}

	g.logger.Info("gateway listening", "addr", g.server.Addr, "version", g.opts.Version)
	if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server and tears subsystems down in reverse
// start order.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	started := g.started
	g.started = false
	g.mu.Unlock()
	if !started {
		return nil
	}

	var firstErr error
	if err := g.server.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if g.watcher != nil {
		if err := g.watcher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	g.dispatcher.Stop()
	if g.unobserve != nil {
		g.unobserve()
	}
	g.pool.DisconnectAll()
	if err := g.tracer.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := g.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	g.logger.Info("gateway stopped")
	return firstErr
}

func (g *Gateway) traceConfig() tracing.Config {
	cfg := tracing.FromEnv()
	cfg.ServiceVersion = g.opts.Version
	return cfg
}

// seedServers reconciles the declarative servers file into the store.
func (g *Gateway) seedServers(ctx context.Context) error {
	if len(g.cfg.Servers) == 0 {
		return nil
	}
	result, err := config.SyncServers(ctx, g.store, g.cfg.Servers)
	if err != nil {
		return fmt.Errorf("failed to sync servers file: %w", err)
	}
	g.logger.Info("synced servers file",
		"created", len(result.Created), "updated", len(result.Updated), "removed", len(result.Removed))
	return nil
}

// connectEnabled dials every enabled server. Failures are reported on
// the server row, not fatal to startup.
func (g *Gateway) connectEnabled(ctx context.Context) {
	servers, err := g.store.ListServers(ctx)
	if err != nil {
		g.logger.Error("failed to list servers", "error", err)
		return
	}
	for _, srv := range servers {
		if !srv.Enabled {
			continue
		}
		if err := g.Connect(ctx, srv.ID); err != nil {
			g.logger.Warn("failed to connect server", "server", srv.Name, "error", err)
		}
	}
}

// resync is the servers-file watch callback: it reconciles the store and
// adjusts live connections to match.
func (g *Gateway) resync(entries []config.ServerEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := config.SyncServers(ctx, g.store, entries)
	if err != nil {
		g.logger.Error("failed to re-sync servers file", "error", err)
		return
	}
	for _, id := range result.Removed {
		g.teardown(ctx, id)
	}
	for _, id := range append(result.Created, result.Updated...) {
		srv, err := g.store.GetServer(ctx, id)
		if err != nil {
			continue
		}
		// Reconnect so transport or auth changes take effect.
		_ = g.Disconnect(ctx, id)
		if srv.Enabled {
			if err := g.Connect(ctx, id); err != nil {
				g.logger.Warn("failed to connect server", "server", srv.Name, "error", err)
			}
		}
	}
	g.logger.Info("servers file reloaded",
		"created", len(result.Created), "updated", len(result.Updated), "removed", len(result.Removed))
}

// Connect dials the server, registers its capabilities, and arms its
// rate policy and semantic vectors.
func (g *Gateway) Connect(ctx context.Context, serverID string) error {
	srv, err := g.store.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	if err := g.pool.Connect(ctx, srv); err != nil {
		return err
	}
	client, err := g.pool.Get(serverID)
	if err != nil {
		return err
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		g.logger.Warn("failed to list tools", "server", srv.Name, "error", err)
	}
	prompts, err := client.ListPrompts(ctx)
	if err != nil {
		g.logger.Warn("failed to list prompts", "server", srv.Name, "error", err)
	}
	resources, err := client.ListResources(ctx)
	if err != nil {
		g.logger.Warn("failed to list resources", "server", srv.Name, "error", err)
	}
	g.registry.Register(registry.ServerInfo{
		ID: srv.ID, Name: srv.Name, Category: srv.Category, Tags: srv.Tags,
	}, tools, prompts, resources)

	if srv.RateLimit != nil {
		g.limiter.Register(srv.ID, *srv.RateLimit)
	}

	if g.semantic.Available() {
		entries := g.registry.Search(registry.Query{ServerID: srv.ID, Limit: 10000}).Entries
		if err := g.semantic.Index(ctx, entries); err != nil {
			g.logger.Warn("failed to index capabilities", "server", srv.Name, "error", err)
		}
	}
	return nil
}

// Disconnect drops the server's registry entries and pool session. Its
// stored config, circuit state, and cache entries survive for the next
// connect.
func (g *Gateway) Disconnect(ctx context.Context, serverID string) error {
	g.registry.Unregister(serverID)
	return g.pool.Disconnect(serverID)
}

// teardown clears every runtime trace of a server whose row is already
// gone.
func (g *Gateway) teardown(ctx context.Context, serverID string) {
	g.registry.Unregister(serverID)
	if err := g.pool.Disconnect(serverID); err != nil {
		g.logger.Debug("disconnect during teardown", "server_id", serverID, "error", err)
	}
	g.circuits.Forget(serverID)
	if err := g.limiter.Unregister(ctx, serverID); err != nil {
		g.logger.Warn("failed to drop rate buckets", "server_id", serverID, "error", err)
	}
	if _, err := g.cache.Invalidate(ctx, serverID, ""); err != nil {
		g.logger.Warn("failed to invalidate cache", "server_id", serverID, "error", err)
	}
	if err := g.semantic.Forget(ctx, serverID); err != nil {
		g.logger.Warn("failed to drop embeddings", "server_id", serverID, "error", err)
	}
}

// Remove tears the server down completely and deletes its row.
func (g *Gateway) Remove(ctx context.Context, serverID string) error {
	if _, err := g.store.GetServer(ctx, serverID); err != nil {
		return err
	}
	g.teardown(ctx, serverID)
	return g.store.DeleteServer(ctx, serverID)
}

// Status reports one server's connection state.
func (g *Gateway) Status(serverID string) (*pool.Status, error) {
	return g.pool.Status(serverID)
}

// StatusAll reports every tracked connection.
func (g *Gateway) StatusAll() []*pool.Status {
	return g.pool.StatusAll()
}
