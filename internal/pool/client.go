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
	"sort"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

// Client is one live MCP server connection.
type Client interface {
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, req ToolCallRequest) (*ToolCallResponse, error)
	ListPrompts(ctx context.Context) ([]PromptDefinition, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResponse, error)
	ListResources(ctx context.Context) ([]ResourceDefinition, error)
	ReadResource(ctx context.Context, uri string) (*ResourceReadResponse, error)
	Ping(ctx context.Context) error
	Close() error
}

// mcpClient adapts a mark3labs client for the stdio, SSE, and streamable
// HTTP transports.
type mcpClient struct {
	serverID string
	inner    *client.Client
}

// dialMCP creates, starts, and initializes a client for the server's
// configured transport. OAuth token sources come from the pool's token
// cache; nil auth headers mean no credentials.
func dialMCP(ctx context.Context, srv *store.Server, headers map[string]string) (Client, error) {
	var (
		inner *client.Client
		err   error
	)

	switch srv.Transport.Type {
	case store.TransportStdio:
		env := make([]string, 0, len(srv.Transport.Env))
		for _, k := range sortedKeys(srv.Transport.Env) {
			env = append(env, k+"="+srv.Transport.Env[k])
		}
		inner, err = client.NewStdioMCPClient(srv.Transport.Command, env, srv.Transport.Args...)
	case store.TransportSSE:
		inner, err = client.NewSSEMCPClient(srv.Transport.URL, transport.WithHeaders(headers))
	case store.TransportHTTP:
		inner, err = client.NewStreamableHttpClient(srv.Transport.URL, transport.WithHTTPHeaders(headers))
	default:
		return nil, &errors.ValidationError{
			Field:   "transport.type",
			Message: fmt.Sprintf("unsupported transport %q", srv.Transport.Type),
		}
	}
	if err != nil {
		return nil, &errors.ConnectionError{ServerID: srv.ID, Cause: err}
	}

	if err := inner.Start(ctx); err != nil {
		return nil, &errors.ConnectionError{ServerID: srv.ID, Cause: err}
	}

	c := &mcpClient{serverID: srv.ID, inner: inner}
	if err := c.initialize(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *mcpClient) initialize(ctx context.Context) error {
	req := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "gantry",
				Version: "0.1.0",
			},
		},
	}
	if _, err := c.inner.Initialize(ctx, req); err != nil {
		return &errors.ConnectionError{ServerID: c.serverID, Cause: fmt.Errorf("initialize failed: %w", err)}
	}
	return nil
}

func (c *mcpClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	result, err := c.inner.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, &errors.UpstreamError{ServerID: c.serverID, Message: err.Error(), Cause: err}
	}

	tools := make([]ToolDefinition, len(result.Tools))
	for i, tool := range result.Tools {
		schema := tool.RawInputSchema
		if len(schema) == 0 {
			if b, err := json.Marshal(tool.InputSchema); err == nil {
				schema = b
			}
		}
		tools[i] = ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		}
	}
	return tools, nil
}

func (c *mcpClient) CallTool(ctx context.Context, req ToolCallRequest) (*ToolCallResponse, error) {
	result, err := c.inner.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      req.Name,
			Arguments: req.Arguments,
		},
	})
	if err != nil {
		return nil, &errors.UpstreamError{ServerID: c.serverID, Message: err.Error(), Cause: err}
	}

	resp := &ToolCallResponse{
		IsError: result.IsError,
		Content: make([]ContentItem, len(result.Content)),
	}
	for i, content := range result.Content {
		resp.Content[i] = convertContent(content)
	}
	return resp, nil
}

func convertContent(content mcp.Content) ContentItem {
	if text, ok := mcp.AsTextContent(content); ok {
		return ContentItem{Type: text.Type, Text: text.Text}
	}
	if image, ok := mcp.AsImageContent(content); ok {
		return ContentItem{Type: image.Type, Data: image.Data, MimeType: image.MIMEType}
	}

	// Unknown content types pass through a JSON round trip.
	item := ContentItem{}
	if b, err := json.Marshal(content); err == nil {
		var m map[string]any
		if json.Unmarshal(b, &m) == nil {
			item.Type, _ = m["type"].(string)
			item.Text, _ = m["text"].(string)
			item.Data, _ = m["data"].(string)
			item.MimeType, _ = m["mimeType"].(string)
		}
	}
	return item
}

func (c *mcpClient) ListPrompts(ctx context.Context) ([]PromptDefinition, error) {
	result, err := c.inner.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, &errors.UpstreamError{ServerID: c.serverID, Message: err.Error(), Cause: err}
	}

	prompts := make([]PromptDefinition, len(result.Prompts))
	for i, p := range result.Prompts {
		args := make([]PromptArgument, len(p.Arguments))
		for j, a := range p.Arguments {
			args[j] = PromptArgument{Name: a.Name, Description: a.Description, Required: a.Required}
		}
		prompts[i] = PromptDefinition{Name: p.Name, Description: p.Description, Arguments: args}
	}
	return prompts, nil
}

func (c *mcpClient) GetPrompt(ctx context.Context, name string, args map[string]string) (*PromptResponse, error) {
	result, err := c.inner.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: mcp.GetPromptParams{Name: name, Arguments: args},
	})
	if err != nil {
		return nil, &errors.UpstreamError{ServerID: c.serverID, Message: err.Error(), Cause: err}
	}

	resp := &PromptResponse{
		Description: result.Description,
		Messages:    make([]PromptMessage, len(result.Messages)),
	}
	for i, m := range result.Messages {
		resp.Messages[i] = PromptMessage{
			Role:    string(m.Role),
			Content: convertContent(m.Content),
		}
	}
	return resp, nil
}

func (c *mcpClient) ListResources(ctx context.Context) ([]ResourceDefinition, error) {
	result, err := c.inner.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, &errors.UpstreamError{ServerID: c.serverID, Message: err.Error(), Cause: err}
	}

	resources := make([]ResourceDefinition, len(result.Resources))
	for i, r := range result.Resources {
		resources[i] = ResourceDefinition{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    r.MIMEType,
		}
	}
	return resources, nil
}

func (c *mcpClient) ReadResource(ctx context.Context, uri string) (*ResourceReadResponse, error) {
	result, err := c.inner.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: uri},
	})
	if err != nil {
		return nil, &errors.UpstreamError{ServerID: c.serverID, Message: err.Error(), Cause: err}
	}

	resp := &ResourceReadResponse{Contents: make([]ResourceContent, len(result.Contents))}
	for i, content := range result.Contents {
		if text, ok := mcp.AsTextResourceContents(content); ok {
			resp.Contents[i] = ResourceContent{URI: text.URI, MimeType: text.MIMEType, Text: text.Text}
		} else if blob, ok := mcp.AsBlobResourceContents(content); ok {
			resp.Contents[i] = ResourceContent{URI: blob.URI, MimeType: blob.MIMEType, Blob: blob.Blob}
		}
	}
	return resp, nil
}

func (c *mcpClient) Ping(ctx context.Context) error {
	if err := c.inner.Ping(ctx); err != nil {
		cause := fmt.Errorf("ping failed: %w", err)
		return &errors.UpstreamError{ServerID: c.serverID, Message: cause.Error(), Cause: cause}
	}
	return nil
}

func (c *mcpClient) Close() error {
	return c.inner.Close()
}
