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

// Package pool manages the gateway's MCP server connections: dialing the
// configured transport, authenticating, probing health, and handing live
// clients to the router.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/gantry/internal/events"
	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

// conn tracks the runtime state of one server connection.
type conn struct {
	// server is the connection's configuration
	server *store.Server

	// client is the live connection, nil unless state is connected or
	// unhealthy
	client Client

	// state is the current lifecycle state
	state ConnState

	// connectedAt is when the client last connected
	connectedAt time.Time

	// lastProbeAt is when the prober last ran
	lastProbeAt time.Time

	// lastError is the most recent connect or probe failure
	lastError string

	// probeFailures counts consecutive failed probes
	probeFailures int

	// toolCount is the size of the last successful capability listing
	toolCount int

	// stopProbe stops this connection's health prober
	stopProbe chan struct{}

	mu sync.RWMutex
}

// Pool owns all server connections.
type Pool struct {
	logger *slog.Logger
	bus    *events.Bus
	tokens *tokenCache

	mu    sync.RWMutex
	conns map[string]*conn

	wg sync.WaitGroup

	// dial is swappable for tests.
	dial func(ctx context.Context, srv *store.Server, headers map[string]string) (Client, error)
}

// New creates an empty pool. The bus may be nil in tests.
func New(logger *slog.Logger, bus *events.Bus) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		logger: logger,
		bus:    bus,
		tokens: newTokenCache(),
		conns:  make(map[string]*conn),
	}
	p.dial = p.dialTransport
	return p
}

// SetDialer swaps the transport dialer, for tests that stub backends.
func (p *Pool) SetDialer(dial func(ctx context.Context, srv *store.Server, headers map[string]string) (Client, error)) {
	p.dial = dial
}

func (p *Pool) dialTransport(ctx context.Context, srv *store.Server, headers map[string]string) (Client, error) {
	if srv.Transport.Type == store.TransportWebSocket {
		return dialWS(ctx, srv, headers)
	}
	return dialMCP(ctx, srv, headers)
}

// Connect establishes a connection for the server and starts its health
// prober. Connecting an already connected server is a conflict; callers
// reconfiguring a server disconnect first.
func (p *Pool) Connect(ctx context.Context, srv *store.Server) error {
	p.mu.Lock()
	if existing, ok := p.conns[srv.ID]; ok && existing.getState() != StateDisconnected {
		p.mu.Unlock()
		return &errors.ConflictError{Resource: "server", Message: fmt.Sprintf("server %s is already connected", srv.Name)}
	}

	c := &conn{
		server:    srv,
		state:     StateConnecting,
		stopProbe: make(chan struct{}),
	}
	p.conns[srv.ID] = c
	p.mu.Unlock()

	headers, err := p.tokens.headers(ctx, srv)
	if err != nil {
		c.fail(err)
		return err
	}

	client, err := p.dial(ctx, srv, headers)
	if err != nil {
		c.fail(err)
		p.logger.Warn("failed to connect server", "server_id", srv.ID, "name", srv.Name, "error", err)
		return err
	}

	toolCount := 0
	if tools, err := client.ListTools(ctx); err == nil {
		toolCount = len(tools)
	}

	c.mu.Lock()
	c.client = client
	c.state = StateConnected
	c.connectedAt = time.Now()
	c.lastError = ""
	c.probeFailures = 0
	c.toolCount = toolCount
	c.mu.Unlock()

	p.logger.Info("server connected",
		"server_id", srv.ID, "name", srv.Name,
		"transport", string(srv.Transport.Type), "tools", toolCount)
	if p.bus != nil {
		p.bus.Publish(events.KindServerConnected, srv.ID, map[string]any{
			"name":       srv.Name,
			"tool_count": toolCount,
		})
	}

	if srv.HealthCheck.Enabled {
		p.wg.Add(1)
		go p.probeLoop(c)
	}
	return nil
}

func (c *conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisconnected
	c.lastError = err.Error()
}

func (c *conn) getState() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// probeLoop pings the server on the configured interval. A failed probe
// marks the connection unhealthy and attempts one reconnect; a
// successful probe restores it.
func (p *Pool) probeLoop(c *conn) {
	defer p.wg.Done()

	interval := time.Duration(c.server.HealthCheck.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := time.Duration(c.server.HealthCheck.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopProbe:
			return
		case <-ticker.C:
			p.probe(c, timeout)
		}
	}
}

func (p *Pool) probe(c *conn, timeout time.Duration) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err := client.Ping(ctx)
	cancel()

	c.mu.Lock()
	c.lastProbeAt = time.Now()
	if err == nil {
		recovered := c.state == StateUnhealthy
		c.state = StateConnected
		c.probeFailures = 0
		c.lastError = ""
		c.mu.Unlock()
		if recovered {
			p.logger.Info("server recovered", "server_id", c.server.ID, "name", c.server.Name)
		}
		return
	}

	c.state = StateUnhealthy
	c.probeFailures++
	c.lastError = err.Error()
	failures := c.probeFailures
	c.mu.Unlock()

	p.logger.Warn("health probe failed",
		"server_id", c.server.ID, "name", c.server.Name,
		"failures", failures, "error", err)
	if p.bus != nil {
		p.bus.Publish(events.KindServerUnhealthy, c.server.ID, map[string]any{
			"name":     c.server.Name,
			"failures": failures,
		})
	}

	p.tryReconnect(c)
}

// tryReconnect tears down the dead client and dials again once.
func (p *Pool) tryReconnect(c *conn) {
	c.mu.Lock()
	old := c.client
	c.client = nil
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	headers, err := p.tokens.headers(ctx, c.server)
	if err == nil {
		var client Client
		client, err = p.dial(ctx, c.server, headers)
		if err == nil {
			c.mu.Lock()
			c.client = client
			c.state = StateConnected
			c.connectedAt = time.Now()
			c.probeFailures = 0
			c.lastError = ""
			c.mu.Unlock()
			p.logger.Info("server reconnected", "server_id", c.server.ID, "name", c.server.Name)
			return
		}
	}

	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

// Disconnect closes a server's connection and stops its prober.
func (p *Pool) Disconnect(serverID string) error {
	p.mu.Lock()
	c, ok := p.conns[serverID]
	if ok {
		delete(p.conns, serverID)
	}
	p.mu.Unlock()
	if !ok {
		return &errors.NotFoundError{Resource: "connection", ID: serverID}
	}

	close(c.stopProbe)
	p.tokens.forget(serverID)

	c.mu.Lock()
	client := c.client
	c.client = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if client != nil {
		client.Close()
	}

	p.logger.Info("server disconnected", "server_id", serverID, "name", c.server.Name)
	if p.bus != nil {
		p.bus.Publish(events.KindServerDisconnected, serverID, map[string]any{
			"name": c.server.Name,
		})
	}
	return nil
}

// DisconnectAll closes every connection, for shutdown.
func (p *Pool) DisconnectAll() {
	p.mu.Lock()
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*conn)
	p.mu.Unlock()

	for _, c := range conns {
		close(c.stopProbe)
		c.mu.Lock()
		client := c.client
		c.client = nil
		c.state = StateDisconnected
		c.mu.Unlock()
		if client != nil {
			client.Close()
		}
	}
	p.wg.Wait()
}

// Get returns the live client for a server. Unhealthy connections are
// still returned; the circuit breaker decides whether to use them.
func (p *Pool) Get(serverID string) (Client, error) {
	p.mu.RLock()
	c, ok := p.conns[serverID]
	p.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "connection", ID: serverID}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, &errors.ConnectionError{ServerID: serverID, Cause: fmt.Errorf("not connected")}
	}
	return c.client, nil
}

// Status reports one server's connection state.
func (p *Pool) Status(serverID string) (*Status, error) {
	p.mu.RLock()
	c, ok := p.conns[serverID]
	p.mu.RUnlock()
	if !ok {
		return nil, &errors.NotFoundError{Resource: "connection", ID: serverID}
	}
	return c.status(), nil
}

// StatusAll reports every tracked connection.
func (p *Pool) StatusAll() []*Status {
	p.mu.RLock()
	conns := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.RUnlock()

	statuses := make([]*Status, len(conns))
	for i, c := range conns {
		statuses[i] = c.status()
	}
	return statuses
}

func (c *conn) status() *Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Status{
		ServerID:      c.server.ID,
		Name:          c.server.Name,
		State:         c.state,
		ConnectedAt:   c.connectedAt,
		LastProbeAt:   c.lastProbeAt,
		LastError:     c.lastError,
		ProbeFailures: c.probeFailures,
		ToolCount:     c.toolCount,
	}
}
