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

package store

import "time"

// TransportType identifies how the gateway reaches an MCP server.
type TransportType string

const (
	// TransportStdio spawns the server as a child process.
	TransportStdio TransportType = "stdio"
	// TransportSSE connects over a Server-Sent Events stream.
	TransportSSE TransportType = "sse"
	// TransportHTTP connects over streamable HTTP.
	TransportHTTP TransportType = "http"
	// TransportWebSocket connects over a persistent WebSocket.
	TransportWebSocket TransportType = "websocket"
)

// AuthType identifies how requests to an MCP server are authenticated.
type AuthType string

const (
	// AuthNone sends no credentials.
	AuthNone AuthType = "none"
	// AuthAPIKey sends a static key in a header.
	AuthAPIKey AuthType = "api_key"
	// AuthOAuth2 obtains tokens via the client-credentials grant.
	AuthOAuth2 AuthType = "oauth2"
)

// ReconnectPolicy configures WebSocket reconnection behavior.
type ReconnectPolicy struct {
	MaxAttempts int  `json:"max_attempts"`
	BackoffMs   int  `json:"backoff_ms"`
	Jitter      bool `json:"jitter"`
}

// TransportConfig describes how to reach an MCP server.
type TransportConfig struct {
	Type TransportType `json:"type"`

	// stdio
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// sse / http / websocket
	URL string `json:"url,omitempty"`

	// websocket
	Reconnect           *ReconnectPolicy `json:"reconnect,omitempty"`
	HeartbeatIntervalMs int              `json:"heartbeat_interval_ms,omitempty"`
}

// AuthDescriptor describes server authentication.
type AuthDescriptor struct {
	Type AuthType `json:"type"`

	// api_key
	APIKey string `json:"api_key,omitempty"`
	Header string `json:"header,omitempty"`

	// oauth2 client credentials
	TokenURL     string   `json:"token_url,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// HealthCheckPolicy configures the pool's periodic capability probe.
type HealthCheckPolicy struct {
	Enabled    bool `json:"enabled"`
	IntervalMs int  `json:"interval_ms"`
	TimeoutMs  int  `json:"timeout_ms"`
}

// RateLimitPolicy caps invocations per (key, server) bucket.
type RateLimitPolicy struct {
	PerMinute int `json:"per_minute"`
	PerDay    int `json:"per_day"`
}

// Server is a configured MCP server.
type Server struct {
	ID          string
	Name        string
	Description string
	Transport   TransportConfig
	Auth        AuthDescriptor
	HealthCheck HealthCheckPolicy
	RateLimit   *RateLimitPolicy
	Tags        []string
	Category    string
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Tenant is an organizational scope grouping API keys and usage.
type Tenant struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// APIKey is a caller credential. Only the SHA-256 hash of the key material
// is stored.
type APIKey struct {
	ID         string
	TenantID   string
	Name       string
	KeyHash    string
	Admin      bool
	Enabled    bool
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// RateBucket is the durable two-window counter for one (key, server) pair.
type RateBucket struct {
	KeyID         string
	ServerID      string
	MinuteCount   int
	MinuteResetAt time.Time
	DayCount      int
	DayResetAt    time.Time
}

// CircuitSnapshot is the persisted breaker state for one server.
type CircuitSnapshot struct {
	ServerID             string
	State                string
	FailureCount         int
	TotalCount           int
	ConsecutiveSuccesses int
	OpenedAt             time.Time
	LastStateChangeAt    time.Time
}

// CacheRow is a durable response-cache entry.
type CacheRow struct {
	Key       string
	Type      string
	ServerID  string
	Name      string
	Response  []byte
	TTLMs     int64
	CreatedAt time.Time
	ExpiresAt time.Time
	HitCount  int
	LastHitAt time.Time
}

// Workflow is a stored workflow definition. Definition holds the canonical
// JSON of the step graph.
type Workflow struct {
	ID          string
	Name        string
	Description string
	Definition  []byte
	Enabled     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Execution is one run of a workflow.
type Execution struct {
	ID          string
	WorkflowID  string
	Status      string
	Input       []byte
	Output      []byte
	Error       string
	TriggeredBy string
	StartedAt   time.Time
	CompletedAt time.Time
}

// ExecutionStep is the persisted record of one step within an execution.
type ExecutionStep struct {
	ID          string
	ExecutionID string
	Position    int
	Name        string
	Status      string
	Input       []byte
	Output      []byte
	Error       string
	RetryCount  int
	TokensUsed  int64
	CostCredits float64
	ModelName   string
	DurationMs  int64
	StartedAt   time.Time
	CompletedAt time.Time
}

// WebhookSubscription is an outbound event subscription.
type WebhookSubscription struct {
	ID           string
	URL          string
	EventKinds   []string
	Secret       string
	ServerID     string
	RetryCount   int
	RetryDelayMs int
	TimeoutMs    int
	Enabled      bool
	CreatedAt    time.Time
}

// WebhookDelivery records the attempts to deliver one event to one
// subscription.
type WebhookDelivery struct {
	ID             string
	SubscriptionID string
	EventKind      string
	Payload        []byte
	Status         string
	Attempts       int
	LastHTTPStatus int
	ResponseBody   string
	Error          string
	NextAttemptAt  time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UsageRecord is one invocation's accounting row.
type UsageRecord struct {
	ID         string
	KeyID      string
	ServerID   string
	Tool       string
	Success    bool
	DurationMs int64
	Tokens     int64
	CreatedAt  time.Time
}

// UsageSummary aggregates usage rows for a window.
type UsageSummary struct {
	Invocations int64
	Failures    int64
	TotalTokens int64
	TotalMs     int64
}

// BudgetRule caps spend for a scope over a rolling calendar period.
type BudgetRule struct {
	ID           string
	Scope        string // global | tenant | workflow | key
	ScopeID      string
	LimitCredits float64
	Period       string // day | week | month
	Enabled      bool
	CreatedAt    time.Time
}

// BudgetUsage is the accrued spend for one rule and period.
type BudgetUsage struct {
	RuleID      string
	PeriodStart time.Time
	PeriodEnd   time.Time
	UsedCredits float64
}

// Detection is a persisted secret-scanner match. Only masked material is
// ever stored.
type Detection struct {
	ID         string
	Provider   string
	Path       string
	MaskedHint string
	Source     string
	Severity   string
	Resolved   bool
	Note       string
	CreatedAt  time.Time
}

// AuditEntry records a mutating admin operation.
type AuditEntry struct {
	ID           string
	Action       string
	KeyID        string
	TenantID     string
	ResourceType string
	ResourceID   string
	DurationMs   int64
	Success      bool
	Error        string
	CreatedAt    time.Time
}

// Embedding is a stored vector for semantic capability search.
type Embedding struct {
	ID        string
	Kind      string // tool | prompt | resource
	Name      string
	ServerID  string
	Vector    []float32
	UpdatedAt time.Time
}
