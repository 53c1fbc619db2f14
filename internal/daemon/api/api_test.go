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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// stubClient is the fake MCP session the pool dials in tests.
type stubClient struct {
	tools     []pool.ToolDefinition
	prompts   []pool.PromptDefinition
	resources []pool.ResourceDefinition
	call      func(req pool.ToolCallRequest) (*pool.ToolCallResponse, error)
}

func (c *stubClient) ListTools(ctx context.Context) ([]pool.ToolDefinition, error) {
	return c.tools, nil
}

func (c *stubClient) CallTool(ctx context.Context, req pool.ToolCallRequest) (*pool.ToolCallResponse, error) {
	if c.call != nil {
		return c.call(req)
	}
	return &pool.ToolCallResponse{Content: []pool.ContentItem{{Type: "text", Text: "ok"}}}, nil
}

func (c *stubClient) ListPrompts(ctx context.Context) ([]pool.PromptDefinition, error) {
	return c.prompts, nil
}

func (c *stubClient) GetPrompt(ctx context.Context, name string, args map[string]string) (*pool.PromptResponse, error) {
	return &pool.PromptResponse{Messages: []pool.PromptMessage{
		{Role: "user", Content: pool.ContentItem{Type: "text", Text: "rendered " + name}},
	}}, nil
}

func (c *stubClient) ListResources(ctx context.Context) ([]pool.ResourceDefinition, error) {
	return c.resources, nil
}

func (c *stubClient) ReadResource(ctx context.Context, uri string) (*pool.ResourceReadResponse, error) {
	return &pool.ResourceReadResponse{Contents: []pool.ResourceContent{{URI: uri, Text: "contents"}}}, nil
}

func (c *stubClient) Ping(ctx context.Context) error { return nil }
func (c *stubClient) Close() error                   { return nil }

// testManager wires the pool and registry together the way the daemon
// does, scoped down to what the handlers exercise.
type testManager struct {
	st       *store.Store
	pool     *pool.Pool
	registry *registry.Registry
	semantic *registry.SemanticIndex
	limiter  *ratelimit.Limiter
	circuits *circuit.Manager
	cache    *cache.Cache
}

func (m *testManager) Connect(ctx context.Context, serverID string) error {
	srv, err := m.st.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	if err := m.pool.Connect(ctx, srv); err != nil {
		return err
	}
	client, err := m.pool.Get(serverID)
	if err != nil {
		return err
	}
	tools, _ := client.ListTools(ctx)
	prompts, _ := client.ListPrompts(ctx)
	resources, _ := client.ListResources(ctx)
	m.registry.Register(registry.ServerInfo{
		ID: srv.ID, Name: srv.Name, Category: srv.Category, Tags: srv.Tags,
	}, tools, prompts, resources)
	if srv.RateLimit != nil {
		m.limiter.Register(srv.ID, *srv.RateLimit)
	}
	return nil
}

func (m *testManager) Disconnect(ctx context.Context, serverID string) error {
	m.registry.Unregister(serverID)
	return m.pool.Disconnect(serverID)
}

func (m *testManager) Remove(ctx context.Context, serverID string) error {
	if err := m.Disconnect(ctx, serverID); err != nil {
		return err
	}
	m.circuits.Forget(serverID)
	if err := m.limiter.Unregister(ctx, serverID); err != nil {
		return err
	}
	if _, err := m.cache.Invalidate(ctx, serverID, ""); err != nil {
		return err
	}
	if err := m.semantic.Forget(ctx, serverID); err != nil {
		return err
	}
	return m.st.DeleteServer(ctx, serverID)
}

func (m *testManager) Status(serverID string) (*pool.Status, error) {
	return m.pool.Status(serverID)
}

func (m *testManager) StatusAll() []*pool.Status {
	return m.pool.StatusAll()
}

type apiHarness struct {
	t      *testing.T
	st     *store.Store
	server *httptest.Server

	// token is sent as the bearer credential on every request; empty
	// sends no credentials.
	token string
}

func newAPIHarness(t *testing.T, masterKey string) *apiHarness {
	t.Helper()

	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "gantry.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(nil)
	reg := registry.New()
	semantic := registry.NewSemanticIndex(st, nil, nil)
	p := pool.New(nil, bus)
	p.SetDialer(func(ctx context.Context, srv *store.Server, headers map[string]string) (pool.Client, error) {
		return &stubClient{
			tools:     []pool.ToolDefinition{{Name: "echo", Description: "echoes its text argument"}},
			prompts:   []pool.PromptDefinition{{Name: "greeting"}},
			resources: []pool.ResourceDefinition{{URI: "file:///readme", Name: "readme"}},
			call: func(req pool.ToolCallRequest) (*pool.ToolCallResponse, error) {
				text, _ := req.Arguments["text"].(string)
				return &pool.ToolCallResponse{Content: []pool.ContentItem{{Type: "text", Text: text}}}, nil
			},
		}, nil
	})
	t.Cleanup(p.DisconnectAll)

	limiter := ratelimit.New(st)
	circuits := circuit.NewManager(st, bus, nil, circuit.Options{})
	respCache, err := cache.New(st, 64, nil)
	require.NoError(t, err)

	rt := router.New(router.Config{
		Registry: reg,
		Pool:     p,
		Cache:    respCache,
		Limiter:  limiter,
		Circuits: circuits,
		Usage:    st,
		Bus:      bus,
	})

	scanner := secrets.NewScanner()
	budgets := budget.New(st, bus, nil)
	executor := workflow.NewExecutor(rt, bus, nil)
	engine := workflow.NewEngine(st, executor, scanner, budgets, bus, nil)

	manager := &testManager{
		st: st, pool: p, registry: reg, semantic: semantic,
		limiter: limiter, circuits: circuits, cache: respCache,
	}

	api := NewRouter(Deps{
		Store:     st,
		Servers:   manager,
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
		MasterKey: masterKey,
		Version:   "test",
	})

	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	return &apiHarness{t: t, st: st, server: server, token: masterKey}
}

// do issues a request with the harness credential and decodes the JSON
// response into out when it is non-nil.
func (h *apiHarness) do(method, path string, body, out any) int {
	h.t.Helper()

	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.server.URL+path, buf)
	require.NoError(h.t, err)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (h *apiHarness) createServer(name string) string {
	h.t.Helper()
	var resp struct {
		Server struct {
			ID string `json:"id"`
		} `json:"server"`
		ConnectError string `json:"connect_error"`
	}
	status := h.do("POST", "/v1/servers", map[string]any{
		"name":      name,
		"transport": map[string]any{"type": "stdio", "command": "mcp-stub"},
	}, &resp)
	require.Equal(h.t, http.StatusCreated, status)
	require.Empty(h.t, resp.ConnectError)
	return resp.Server.ID
}

func TestAuthRejectsMissingAndBogusCredentials(t *testing.T) {
	h := newAPIHarness(t, "correct-horse")

	h.token = ""
	assert.Equal(t, http.StatusUnauthorized, h.do("GET", "/v1/health", nil, nil))

	h.token = "battery-staple"
	assert.Equal(t, http.StatusUnauthorized, h.do("GET", "/v1/health", nil, nil))

	h.token = "correct-horse"
	assert.Equal(t, http.StatusOK, h.do("GET", "/v1/health", nil, nil))
}

func TestBootstrapAdmitsUntilFirstKey(t *testing.T) {
	h := newAPIHarness(t, "")

	// Fresh install: no master key, no API keys, anonymous admin.
	h.token = ""
	assert.Equal(t, http.StatusOK, h.do("GET", "/v1/health", nil, nil))

	var created struct {
		APIKey string `json:"api_key"`
		Key    struct {
			ID string `json:"id"`
		} `json:"key"`
	}
	status := h.do("POST", "/v1/keys", map[string]any{"name": "ops", "admin": true}, &created)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, created.APIKey)
	require.True(t, strings.HasPrefix(created.APIKey, "gk_"))

	// The window closes once a key exists.
	assert.Equal(t, http.StatusUnauthorized, h.do("GET", "/v1/health", nil, nil))

	h.token = created.APIKey
	assert.Equal(t, http.StatusOK, h.do("GET", "/v1/health", nil, nil))

	// Listings never leak the raw key or its hash.
	var listed map[string]any
	require.Equal(t, http.StatusOK, h.do("GET", "/v1/keys", nil, &listed))
	raw, err := json.Marshal(listed)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), created.APIKey)
	assert.NotContains(t, string(raw), store.HashAPIKey(created.APIKey))
}

func TestNonAdminKeyDeniedAdminRoutes(t *testing.T) {
	h := newAPIHarness(t, "master")

	var created struct {
		APIKey string `json:"api_key"`
	}
	require.Equal(t, http.StatusCreated,
		h.do("POST", "/v1/keys", map[string]any{"name": "reader"}, &created))

	h.token = created.APIKey
	assert.Equal(t, http.StatusOK, h.do("GET", "/v1/tools", nil, nil))
	assert.Equal(t, http.StatusForbidden,
		h.do("POST", "/v1/tenants", map[string]any{"name": "acme"}, nil))
	assert.Equal(t, http.StatusForbidden, h.do("GET", "/v1/audit", nil, nil))
}

func TestServerLifecycle(t *testing.T) {
	h := newAPIHarness(t, "master")
	id := h.createServer("files")

	var got struct {
		Server struct {
			ID         string       `json:"id"`
			Connection *pool.Status `json:"connection"`
		} `json:"server"`
	}
	require.Equal(t, http.StatusOK, h.do("GET", "/v1/servers/"+id, nil, &got))
	require.NotNil(t, got.Server.Connection)
	assert.Equal(t, pool.StateConnected, got.Server.Connection.State)
	assert.Equal(t, 1, got.Server.Connection.ToolCount)

	// Listings pick up the connected tool under its qualified name.
	var tools struct {
		Entries []struct {
			Qualified string `json:"qualified"`
		} `json:"entries"`
		Total int `json:"total"`
	}
	require.Equal(t, http.StatusOK, h.do("GET", "/v1/tools", nil, &tools))
	require.Equal(t, 1, tools.Total)
	assert.Equal(t, "files/echo", tools.Entries[0].Qualified)

	require.Equal(t, http.StatusNoContent, h.do("POST", "/v1/servers/"+id+"/disconnect", nil, nil))
	require.Equal(t, http.StatusOK, h.do("GET", "/v1/tools", nil, &tools))
	assert.Zero(t, tools.Total)

	require.Equal(t, http.StatusOK, h.do("POST", "/v1/servers/"+id+"/connect", nil, nil))

	require.Equal(t, http.StatusNoContent, h.do("DELETE", "/v1/servers/"+id, nil, nil))
	assert.Equal(t, http.StatusNotFound, h.do("GET", "/v1/servers/"+id, nil, nil))
}

func TestServerCreateValidation(t *testing.T) {
	h := newAPIHarness(t, "master")

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{
			"transport": map[string]any{"type": "stdio", "command": "x"},
		}},
		{"stdio without command", map[string]any{
			"name": "a", "transport": map[string]any{"type": "stdio"},
		}},
		{"sse without url", map[string]any{
			"name": "b", "transport": map[string]any{"type": "sse"},
		}},
		{"unknown transport", map[string]any{
			"name": "c", "transport": map[string]any{"type": "carrier-pigeon"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, h.do("POST", "/v1/servers", tt.body, nil))
		})
	}
}

func TestToolInvokeAndBatch(t *testing.T) {
	h := newAPIHarness(t, "master")
	h.createServer("files")

	var result struct {
		Tool    string             `json:"tool"`
		Content []pool.ContentItem `json:"content"`
	}
	status := h.do("POST", "/v1/tools/invoke", map[string]any{
		"tool":      "echo",
		"arguments": map[string]any{"text": "hello"},
	}, &result)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "files/echo", result.Tool)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hello", result.Content[0].Text)

	var batch struct {
		Items []struct {
			Tool   string `json:"tool"`
			Error  string `json:"error"`
			Result any    `json:"result"`
		} `json:"items"`
	}
	status = h.do("POST", "/v1/tools/batch", map[string]any{
		"items": []map[string]any{
			{"tool": "echo", "arguments": map[string]any{"text": "one"}},
			{"tool": "no-such-tool"},
		},
	}, &batch)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, batch.Items, 2)
	assert.NotNil(t, batch.Items[0].Result)
	assert.NotEmpty(t, batch.Items[1].Error)

	assert.Equal(t, http.StatusNotFound, h.do("POST", "/v1/tools/invoke",
		map[string]any{"tool": "missing"}, nil))
	assert.Equal(t, http.StatusBadRequest, h.do("POST", "/v1/tools/invoke",
		map[string]any{"arguments": map[string]any{}}, nil))
}

func TestPromptGetAndResourceRead(t *testing.T) {
	h := newAPIHarness(t, "master")
	h.createServer("files")

	var prompt pool.PromptResponse
	require.Equal(t, http.StatusOK, h.do("POST", "/v1/prompts/get",
		map[string]any{"prompt": "greeting"}, &prompt))
	require.Len(t, prompt.Messages, 1)
	assert.Equal(t, "rendered greeting", prompt.Messages[0].Content.Text)

	var resource pool.ResourceReadResponse
	require.Equal(t, http.StatusOK, h.do("POST", "/v1/resources/read",
		map[string]any{"resource": "readme"}, &resource))
	require.Len(t, resource.Contents, 1)
	assert.Equal(t, "contents", resource.Contents[0].Text)
}

func TestWorkflowExecuteWaits(t *testing.T) {
	h := newAPIHarness(t, "master")
	h.createServer("files")

	var created struct {
		Workflow struct {
			ID string `json:"id"`
		} `json:"workflow"`
	}
	status := h.do("POST", "/v1/workflows", map[string]any{
		"name": "relay",
		"steps": []map[string]any{
			{"name": "shout", "kind": "tool", "tool": "echo",
				"params": map[string]any{"text": "{{.input.message}}"}},
		},
	}, &created)
	require.Equal(t, http.StatusCreated, status)

	var run struct {
		Execution executionView `json:"execution"`
		Steps     []stepView    `json:"steps"`
	}
	status = h.do("POST", "/v1/workflows/"+created.Workflow.ID+"/execute", map[string]any{
		"input": map[string]any{"message": "pass it on"},
		"wait":  true,
	}, &run)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", run.Execution.Status)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, "shout", run.Steps[0].Name)
	assert.Equal(t, "completed", run.Steps[0].Status)

	// The finished execution streams a single synthesized terminal event.
	req, err := http.NewRequest("GET", h.server.URL+"/v1/executions/"+run.Execution.ID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer master")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "event: workflow.completed")
	assert.Contains(t, string(body), run.Execution.ID)
}

func TestWorkflowRejectsEmbeddedSecret(t *testing.T) {
	h := newAPIHarness(t, "master")

	status := h.do("POST", "/v1/workflows", map[string]any{
		"name": "leaky",
		"steps": []map[string]any{
			{"name": "pay", "kind": "tool", "tool": "charge",
				"params": map[string]any{"api_key": "sk_live_" + strings.Repeat("a1b2", 7)}},
		},
	}, nil)
	assert.Equal(t, http.StatusConflict, status)

	var detections struct {
		Detections []*store.Detection `json:"detections"`
	}
	require.Equal(t, http.StatusOK, h.do("GET", "/v1/detections", nil, &detections))
	require.Len(t, detections.Detections, 1)

	require.Equal(t, http.StatusNoContent,
		h.do("POST", fmt.Sprintf("/v1/detections/%s/resolve", detections.Detections[0].ID),
			map[string]any{"note": "rotated"}, nil))
	require.Equal(t, http.StatusOK, h.do("GET", "/v1/detections", nil, &detections))
	assert.Empty(t, detections.Detections)
}

func TestTenantAndBudgetAdmin(t *testing.T) {
	h := newAPIHarness(t, "master")

	var tenant struct {
		Tenant struct {
			ID string `json:"id"`
		} `json:"tenant"`
	}
	require.Equal(t, http.StatusCreated,
		h.do("POST", "/v1/tenants", map[string]any{"name": "acme"}, &tenant))

	var budgetResp struct {
		Budget struct {
			ID string `json:"id"`
		} `json:"budget"`
	}
	require.Equal(t, http.StatusCreated, h.do("POST", "/v1/budgets", map[string]any{
		"scope": "tenant", "scope_id": tenant.Tenant.ID,
		"limit_credits": 10.0, "period": "day",
	}, &budgetResp))

	assert.Equal(t, http.StatusBadRequest, h.do("POST", "/v1/budgets", map[string]any{
		"scope": "universe", "limit_credits": 1.0, "period": "day",
	}, nil))
	assert.Equal(t, http.StatusBadRequest, h.do("POST", "/v1/budgets", map[string]any{
		"scope": "global", "limit_credits": 1.0, "period": "fortnight",
	}, nil))

	var statusResp struct {
		Statuses []*budget.Status `json:"statuses"`
	}
	require.Equal(t, http.StatusOK,
		h.do("GET", "/v1/budgets/status?tenant_id="+tenant.Tenant.ID, nil, &statusResp))
	require.Len(t, statusResp.Statuses, 1)
	assert.Zero(t, statusResp.Statuses[0].UsedCredits)

	require.Equal(t, http.StatusNoContent,
		h.do("DELETE", "/v1/budgets/"+budgetResp.Budget.ID, nil, nil))
	require.Equal(t, http.StatusNoContent,
		h.do("DELETE", "/v1/tenants/"+tenant.Tenant.ID, nil, nil))
}

func TestScannerPatternAdmin(t *testing.T) {
	h := newAPIHarness(t, "master")

	var listed struct {
		Patterns []secrets.Pattern `json:"patterns"`
	}
	require.Equal(t, http.StatusOK, h.do("GET", "/v1/scanner/patterns", nil, &listed))
	require.NotEmpty(t, listed.Patterns)
	builtin := listed.Patterns[0].Name

	require.Equal(t, http.StatusCreated, h.do("POST", "/v1/scanner/patterns", map[string]any{
		"name":     "internal-token",
		"regex":    `itk_[0-9a-f]{32}`,
		"severity": "high",
	}, nil))

	// Builtins can only be disabled, never removed.
	assert.Equal(t, http.StatusConflict,
		h.do("DELETE", "/v1/scanner/patterns/"+builtin, nil, nil))
	require.Equal(t, http.StatusNoContent, h.do("PUT", "/v1/scanner/patterns/"+builtin,
		map[string]any{"enabled": false}, nil))

	require.Equal(t, http.StatusNoContent,
		h.do("DELETE", "/v1/scanner/patterns/internal-token", nil, nil))
}

func TestAuditTrailRecordsMutations(t *testing.T) {
	h := newAPIHarness(t, "master")
	h.createServer("files")

	var audit struct {
		Entries []*store.AuditEntry `json:"entries"`
	}
	require.Equal(t, http.StatusOK, h.do("GET", "/v1/audit?action=server.create", nil, &audit))
	require.Len(t, audit.Entries, 1)
	assert.Equal(t, "master", audit.Entries[0].KeyID)
	assert.Equal(t, "server", audit.Entries[0].ResourceType)
	assert.True(t, audit.Entries[0].Success)
}

func TestHealthReportsConnections(t *testing.T) {
	h := newAPIHarness(t, "master")
	h.createServer("files")
	h.createServer("search")

	var health struct {
		Status           string `json:"status"`
		ServersTotal     int    `json:"servers_total"`
		ServersConnected int    `json:"servers_connected"`
	}
	require.Equal(t, http.StatusOK, h.do("GET", "/v1/health", nil, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 2, health.ServersTotal)
	assert.Equal(t, 2, health.ServersConnected)
}
