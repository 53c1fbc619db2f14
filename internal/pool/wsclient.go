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

package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

// wsClient speaks MCP JSON-RPC 2.0 over a persistent WebSocket. It
// reconnects per the server's ReconnectPolicy and keeps the link alive
// with periodic pings.
type wsClient struct {
	serverID  string
	url       string
	headers   http.Header
	reconnect store.ReconnectPolicy
	heartbeat time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	nextID  atomic.Int64
	pending sync.Map // id -> chan *wsResponse

	done chan struct{}
}

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *wsError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

type wsResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

// dialWS connects and initializes a WebSocket MCP client.
func dialWS(ctx context.Context, srv *store.Server, headers map[string]string) (Client, error) {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}

	c := &wsClient{
		serverID:  srv.ID,
		url:       srv.Transport.URL,
		headers:   h,
		heartbeat: 30 * time.Second,
		done:      make(chan struct{}),
	}
	if srv.Transport.Reconnect != nil {
		c.reconnect = *srv.Transport.Reconnect
	}
	if srv.Transport.HeartbeatIntervalMs > 0 {
		c.heartbeat = time.Duration(srv.Transport.HeartbeatIntervalMs) * time.Millisecond
	}

	if err := c.dial(ctx); err != nil {
		return nil, &errors.ConnectionError{ServerID: srv.ID, Cause: err}
	}

	if _, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "gantry", "version": "0.1.0"},
	}); err != nil {
		c.Close()
		return nil, &errors.ConnectionError{ServerID: srv.ID, Cause: err}
	}

	go c.heartbeatLoop()
	return c, nil
}

func (c *wsClient) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.headers)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// readLoop dispatches responses to pending callers until the connection
// drops, then attempts reconnection.
func (c *wsClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.failPending(err)
			c.maybeReconnect(conn)
			return
		}

		var resp wsResponse
		if json.Unmarshal(data, &resp) != nil || resp.ID == 0 {
			// Notification or unparseable frame, ignore
			continue
		}
		if ch, ok := c.pending.LoadAndDelete(resp.ID); ok {
			ch.(chan *wsResponse) <- &resp
		}
	}
}

// failPending unblocks all in-flight calls with a connection error.
func (c *wsClient) failPending(err error) {
	c.pending.Range(func(key, value any) bool {
		c.pending.Delete(key)
		value.(chan *wsResponse) <- &wsResponse{Error: &wsError{Code: -32000, Message: err.Error()}}
		return true
	})
}

// maybeReconnect re-dials with geometric backoff. The delay for attempt
// n is backoffMs * 2^(n-1), with optional jitter up to the same amount.
func (c *wsClient) maybeReconnect(old *websocket.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != old {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	max := c.reconnect.MaxAttempts
	if max <= 0 {
		return
	}
	backoff := time.Duration(c.reconnect.BackoffMs) * time.Millisecond
	if backoff <= 0 {
		backoff = time.Second
	}

	for attempt := 1; attempt <= max; attempt++ {
		delay := backoff * (1 << (attempt - 1))
		if c.reconnect.Jitter {
			delay += time.Duration(rand.Int63n(int64(delay) + 1))
		}

		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			return
		}
	}
}

func (c *wsClient) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn != nil {
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}
}

// call performs one JSON-RPC round trip.
func (c *wsClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, &errors.ConnectionError{ServerID: c.serverID, Cause: fmt.Errorf("not connected")}
	}

	id := c.nextID.Add(1)
	ch := make(chan *wsResponse, 1)
	c.pending.Store(id, ch)
	defer c.pending.Delete(id)

	req := wsRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	c.mu.Lock()
	err := conn.WriteJSON(req)
	c.mu.Unlock()
	if err != nil {
		return nil, &errors.ConnectionError{ServerID: c.serverID, Cause: err}
	}

	select {
	case <-ctx.Done():
		return nil, &errors.TimeoutError{Operation: method, Cause: ctx.Err()}
	case resp := <-ch:
		if resp.Error != nil {
			return nil, &errors.UpstreamError{ServerID: c.serverID, Message: resp.Error.Message, Cause: resp.Error}
		}
		return resp.Result, nil
	}
}

func (c *wsClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &errors.UpstreamError{ServerID: c.serverID, Message: "malformed tools/list result", Cause: err}
	}
	tools := make([]ToolDefinition, len(result.Tools))
	for i, t := range result.Tools {
		tools[i] = ToolDefinition{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	return tools, nil
}

// wire shapes match the MCP protocol's camelCase field names.
type wsContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

func (w wsContent) item() ContentItem {
	return ContentItem{Type: w.Type, Text: w.Text, Data: w.Data, MimeType: w.MimeType}
}

func (c *wsClient) CallTool(ctx context.Context, req ToolCallRequest) (*ToolCallResponse, error) {
	raw, err := c.call(ctx, "tools/call", map[string]any{
		"name":      req.Name,
		"arguments": req.Arguments,
	})
	if err != nil {
		return nil, err
	}
	var result struct {
		Content []wsContent `json:"content"`
		IsError bool        `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &errors.UpstreamError{ServerID: c.serverID, Message: "malformed tools/call result", Cause: err}
	}
	resp := &ToolCallResponse{IsError: result.IsError, Content: make([]ContentItem, len(result.Content))}
	for i, w := range result.Content {
		resp.Content[i] = w.item()
	}
	return resp, nil
}

func (c *wsClient) ListPrompts(ctx context.Context) ([]PromptDefinition, error) {
	raw, err := c.call(ctx, "prompts/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Prompts []PromptDefinition `json:"prompts"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &errors.UpstreamError{ServerID: c.serverID, Message: "malformed prompts/list result", Cause: err}
	}
	return result.Prompts, nil
}

func (c *wsClient) GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResponse, error) {
	raw, err := c.call(ctx, "prompts/get", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	var result struct {
		Description string `json:"description"`
		Messages    []struct {
			Role    string    `json:"role"`
			Content wsContent `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &errors.UpstreamError{ServerID: c.serverID, Message: "malformed prompts/get result", Cause: err}
	}
	resp := &PromptResponse{Description: result.Description, Messages: make([]PromptMessage, len(result.Messages))}
	for i, m := range result.Messages {
		resp.Messages[i] = PromptMessage{Role: m.Role, Content: m.Content.item()}
	}
	return resp, nil
}

func (c *wsClient) ListResources(ctx context.Context) ([]ResourceDefinition, error) {
	raw, err := c.call(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Resources []struct {
			URI         string `json:"uri"`
			Name        string `json:"name"`
			Description string `json:"description"`
			MimeType    string `json:"mimeType"`
		} `json:"resources"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &errors.UpstreamError{ServerID: c.serverID, Message: "malformed resources/list result", Cause: err}
	}
	resources := make([]ResourceDefinition, len(result.Resources))
	for i, r := range result.Resources {
		resources[i] = ResourceDefinition{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MimeType}
	}
	return resources, nil
}

func (c *wsClient) ReadResource(ctx context.Context, uri string) (*ResourceReadResponse, error) {
	raw, err := c.call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}
	var result struct {
		Contents []struct {
			URI      string `json:"uri"`
			MimeType string `json:"mimeType"`
			Text     string `json:"text"`
			Blob     string `json:"blob"`
		} `json:"contents"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &errors.UpstreamError{ServerID: c.serverID, Message: "malformed resources/read result", Cause: err}
	}
	resp := &ResourceReadResponse{Contents: make([]ResourceContent, len(result.Contents))}
	for i, rc := range result.Contents {
		resp.Contents[i] = ResourceContent{URI: rc.URI, MimeType: rc.MimeType, Text: rc.Text, Blob: rc.Blob}
	}
	return resp, nil
}

func (c *wsClient) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return conn.Close()
	}
	return nil
}
