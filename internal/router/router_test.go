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

package router

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/gantry/internal/cache"
	"github.com/tombee/gantry/internal/circuit"
	"github.com/tombee/gantry/internal/events"
	"github.com/tombee/gantry/internal/pool"
	"github.com/tombee/gantry/internal/ratelimit"
	"github.com/tombee/gantry/internal/registry"
	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

// backendClient is a scriptable pool.Client.
type backendClient struct {
	calls    atomic.Int64
	callErr  error
	response *pool.ToolCallResponse
	prompt   *pool.PromptResponse
	resource *pool.ResourceReadResponse
}

func (b *backendClient) ListTools(ctx context.Context) ([]pool.ToolDefinition, error) {
	return nil, nil
}

func (b *backendClient) CallTool(ctx context.Context, req pool.ToolCallRequest) (*pool.ToolCallResponse, error) {
	b.calls.Add(1)
	if b.callErr != nil {
		return nil, b.callErr
	}
	if b.response != nil {
		return b.response, nil
	}
	return &pool.ToolCallResponse{Content: []pool.ContentItem{{Type: "text", Text: "ok"}}}, nil
}

func (b *backendClient) ListPrompts(ctx context.Context) ([]pool.PromptDefinition, error) {
	return nil, nil
}

func (b *backendClient) GetPrompt(ctx context.Context, name string, args map[string]string) (*pool.PromptResponse, error) {
	return b.prompt, nil
}

func (b *backendClient) ListResources(ctx context.Context) ([]pool.ResourceDefinition, error) {
	return nil, nil
}

func (b *backendClient) ReadResource(ctx context.Context, uri string) (*pool.ResourceReadResponse, error) {
	return b.resource, nil
}

func (b *backendClient) Ping(ctx context.Context) error { return nil }
func (b *backendClient) Close() error                   { return nil }

type harness struct {
	router  *Router
	reg     *registry.Registry
	pool    *pool.Pool
	limiter *ratelimit.Limiter
	circ    *circuit.Manager
	store   *store.Store
	bus     *events.Bus
	backend *backendClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "gantry.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(nil)
	backend := &backendClient{}

	p := pool.New(nil, bus)
	p.SetDialer(func(ctx context.Context, srv *store.Server, headers map[string]string) (pool.Client, error) {
		return backend, nil
	})

	c, err := cache.New(st, 16, nil)
	require.NoError(t, err)

	h := &harness{
		reg:     registry.New(),
		pool:    p,
		limiter: ratelimit.New(st),
		circ: circuit.NewManager(st, bus, nil, circuit.Options{
			FailureThreshold: 3, VolumeThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute,
		}),
		store:   st,
		bus:     bus,
		backend: backend,
	}
	h.router = New(Config{
		Registry: h.reg,
		Pool:     h.pool,
		Cache:    c,
		Limiter:  h.limiter,
		Circuits: h.circ,
		Usage:    st,
		Bus:      bus,
	})
	return h
}

// addServer connects a fake backend and registers its capabilities.
func (h *harness) addServer(t *testing.T, id, name string, tools ...string) {
	t.Helper()
	srv := &store.Server{
		ID:        id,
		Name:      name,
		Transport: store.TransportConfig{Type: store.TransportStdio, Command: "fake"},
		Auth:      store.AuthDescriptor{Type: store.AuthNone},
		Enabled:   true,
	}
	require.NoError(t, h.pool.Connect(context.Background(), srv))

	defs := make([]pool.ToolDefinition, len(tools))
	for i, tl := range tools {
		defs[i] = pool.ToolDefinition{Name: tl}
	}
	h.reg.Register(registry.ServerInfo{ID: id, Name: name}, defs, nil, nil)
}

func TestInvokeDispatchesAndRecordsUsage(t *testing.T) {
	h := newHarness(t)
	h.addServer(t, "s1", "files", "read_file")
	ctx := context.Background()

	res, err := h.router.Invoke(ctx, InvokeRequest{Tool: "files/read_file", KeyID: "k1"})
	require.NoError(t, err)
	assert.Equal(t, "files/read_file", res.Tool)
	assert.Equal(t, "s1", res.ServerID)
	assert.False(t, res.Cached)
	require.Len(t, res.Content, 1)
	assert.Equal(t, "ok", res.Content[0].Text)

	// Bare names resolve too.
	_, err = h.router.Invoke(ctx, InvokeRequest{Tool: "read_file"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, h.backend.calls.Load())

	summary, err := h.store.SummarizeUsage(ctx, "k1", "", time.Time{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, summary.Invocations)
}

func TestInvokeUnknownToolNotFound(t *testing.T) {
	h := newHarness(t)
	h.addServer(t, "s1", "files", "read_file")

	_, err := h.router.Invoke(context.Background(), InvokeRequest{Tool: "files/no_such"})
	assert.True(t, errors.IsNotFound(err))
	assert.EqualValues(t, 0, h.backend.calls.Load())
}

func TestInvokeCacheHitSkipsBackendAndRate(t *testing.T) {
	h := newHarness(t)
	h.addServer(t, "s1", "files", "read_file")
	h.limiter.Register("s1", store.RateLimitPolicy{PerMinute: 10})
	ctx := context.Background()

	req := InvokeRequest{
		Tool:      "files/read_file",
		Arguments: map[string]any{"path": "/etc/hosts", "follow": true},
		KeyID:     "k1",
		CacheTTL:  time.Minute,
	}
	first, err := h.router.Invoke(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := h.router.Invoke(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)
	assert.EqualValues(t, 1, h.backend.calls.Load())

	// Only the miss charged the rate bucket.
	peek, err := h.limiter.Peek(ctx, "k1", "s1")
	require.NoError(t, err)
	assert.Equal(t, 9, peek.RemainingPerMinute)
}

func TestInvokeRateLimited(t *testing.T) {
	h := newHarness(t)
	h.addServer(t, "s1", "files", "read_file")
	h.limiter.Register("s1", store.RateLimitPolicy{PerMinute: 1})
	ctx := context.Background()

	_, err := h.router.Invoke(ctx, InvokeRequest{Tool: "read_file", KeyID: "k1"})
	require.NoError(t, err)

	_, err = h.router.Invoke(ctx, InvokeRequest{Tool: "read_file", KeyID: "k1"})
	require.Error(t, err)
	var limited *errors.RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, 0, limited.RemainingPerMinute)

	// A rate rejection is the caller's problem, not the server's.
	assert.Equal(t, circuit.StateClosed, h.circ.State(ctx, "s1"))
	assert.EqualValues(t, 1, h.backend.calls.Load())
}

func TestInvokeFailuresOpenCircuit(t *testing.T) {
	h := newHarness(t)
	h.addServer(t, "s1", "files", "read_file")
	h.backend.callErr = &errors.UpstreamError{ServerID: "s1", Message: "backend down"}
	ctx := context.Background()

	for range 3 {
		_, err := h.router.Invoke(ctx, InvokeRequest{Tool: "read_file"})
		require.Error(t, err)
	}
	assert.Equal(t, circuit.StateOpen, h.circ.State(ctx, "s1"))

	// The open circuit rejects before dispatch.
	calls := h.backend.calls.Load()
	_, err := h.router.Invoke(ctx, InvokeRequest{Tool: "read_file"})
	assert.True(t, errors.IsCircuitOpen(err))
	assert.Equal(t, calls, h.backend.calls.Load())
}

func TestInvokePublishesEvents(t *testing.T) {
	h := newHarness(t)
	h.addServer(t, "s1", "files", "read_file")

	var kinds []string
	h.bus.Subscribe(events.Filter{Kinds: []string{"tool.*"}}, func(e events.Event) {
		kinds = append(kinds, e.Kind)
	})

	_, err := h.router.Invoke(context.Background(), InvokeRequest{Tool: "read_file"})
	require.NoError(t, err)

	h.backend.callErr = stderrors.New("boom")
	_, err = h.router.Invoke(context.Background(), InvokeRequest{Tool: "read_file"})
	require.Error(t, err)

	assert.Equal(t, []string{events.KindToolInvoked, events.KindToolFailed}, kinds)
}

func TestInvokeBatchPreservesOrder(t *testing.T) {
	h := newHarness(t)
	h.addServer(t, "s1", "files", "read_file")

	reqs := []InvokeRequest{
		{Tool: "files/read_file"},
		{Tool: "files/no_such"},
		{Tool: "read_file"},
	}
	items, summary := h.router.InvokeBatch(context.Background(), reqs)
	require.Len(t, items, 3)

	assert.NotNil(t, items[0].Result)
	assert.True(t, errors.IsNotFound(items[1].Err))
	assert.NotNil(t, items[2].Result)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
}

func TestGetPromptAndReadResource(t *testing.T) {
	h := newHarness(t)
	h.addServer(t, "s1", "docs")
	h.reg.Register(registry.ServerInfo{ID: "s1", Name: "docs"},
		nil,
		[]pool.PromptDefinition{{Name: "summarize"}},
		[]pool.ResourceDefinition{{URI: "file:///readme", Name: "readme"}})

	h.backend.prompt = &pool.PromptResponse{
		Messages: []pool.PromptMessage{{Role: "user", Content: pool.ContentItem{Type: "text", Text: "hi"}}},
	}
	h.backend.resource = &pool.ResourceReadResponse{
		Contents: []pool.ResourceContent{{URI: "file:///readme", Text: "hello"}},
	}

	p, err := h.router.GetPrompt(context.Background(), "docs/summarize", nil)
	require.NoError(t, err)
	require.Len(t, p.Messages, 1)

	res, err := h.router.ReadResource(context.Background(), "readme")
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Equal(t, "hello", res.Contents[0].Text)
}
