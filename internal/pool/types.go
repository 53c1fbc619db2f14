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
	"encoding/json"
	"time"
)

// ToolDefinition describes a tool exposed by an MCP server.
type ToolDefinition struct {
	// Name is the tool's identifier within its server
	Name string `json:"name"`

	// Description explains what the tool does
	Description string `json:"description,omitempty"`

	// InputSchema is the JSON Schema for the tool's arguments
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// PromptArgument describes one parameter of a prompt template.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptDefinition describes a prompt template exposed by an MCP server.
type PromptDefinition struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// ResourceDefinition describes a resource exposed by an MCP server.
type ResourceDefinition struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}

// ToolCallRequest invokes a tool.
type ToolCallRequest struct {
	// Name is the tool to invoke
	Name string

	// Arguments are the tool's input parameters
	Arguments map[string]any
}

// ContentItem is one piece of tool or prompt output.
type ContentItem struct {
	// Type is the content type (text, image, resource)
	Type string `json:"type"`

	// Text holds textual content
	Text string `json:"text,omitempty"`

	// Data holds base64-encoded binary content
	Data string `json:"data,omitempty"`

	// MimeType is the MIME type for binary content
	MimeType string `json:"mime_type,omitempty"`
}

// ToolCallResponse is a tool invocation result.
type ToolCallResponse struct {
	// Content is the tool's output
	Content []ContentItem `json:"content"`

	// IsError indicates the tool ran but reported a failure
	IsError bool `json:"is_error,omitempty"`
}

// PromptMessage is one message of a rendered prompt.
type PromptMessage struct {
	Role    string      `json:"role"`
	Content ContentItem `json:"content"`
}

// PromptResponse is a rendered prompt template.
type PromptResponse struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// ResourceContent is one piece of a read resource.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mime_type,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ResourceReadResponse is the result of reading a resource.
type ResourceReadResponse struct {
	Contents []ResourceContent `json:"contents"`
}

// ConnState is the lifecycle state of a pooled connection.
type ConnState string

const (
	// StateDisconnected indicates no active connection.
	StateDisconnected ConnState = "disconnected"
	// StateConnecting indicates a connection attempt in progress.
	StateConnecting ConnState = "connecting"
	// StateConnected indicates a healthy connection.
	StateConnected ConnState = "connected"
	// StateUnhealthy indicates a connection that failed its last probe.
	StateUnhealthy ConnState = "unhealthy"
)

// Status reports one server's connection state.
type Status struct {
	ServerID      string    `json:"server_id"`
	Name          string    `json:"name"`
	State         ConnState `json:"state"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
	LastProbeAt   time.Time `json:"last_probe_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	ProbeFailures int       `json:"probe_failures,omitempty"`
	ToolCount     int       `json:"tool_count"`
}
