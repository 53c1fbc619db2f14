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

// Package router serves tool invocations. Each call runs a fixed
// pipeline: resolve the name, consult the cache, pass the circuit
// breaker and rate limiter, dispatch through the pool, then account
// the outcome.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tombee/gantry/internal/cache"
	"github.com/tombee/gantry/internal/circuit"
	"github.com/tombee/gantry/internal/events"
	"github.com/tombee/gantry/internal/pool"
	"github.com/tombee/gantry/internal/pricing"
	"github.com/tombee/gantry/internal/ratelimit"
	"github.com/tombee/gantry/internal/registry"
	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/internal/tracing"
	"github.com/tombee/gantry/pkg/errors"
)

// defaultCallTimeout bounds a single backend call.
const defaultCallTimeout = 30 * time.Second

// UsageRecorder persists per-invocation usage rows.
type UsageRecorder interface {
	InsertUsage(ctx context.Context, u *store.UsageRecord) error
}

// Router composes the invocation pipeline.
type Router struct {
	logger   *slog.Logger
	registry *registry.Registry
	pool     *pool.Pool
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	circuits *circuit.Manager
	usage    UsageRecorder
	bus      *events.Bus
	rates    *pricing.Table

	callTimeout time.Duration
}

// Config wires a Router. Cache, Limiter, Circuits, Usage, and Bus may
// each be nil, disabling that stage.
type Config struct {
	Logger      *slog.Logger
	Registry    *registry.Registry
	Pool        *pool.Pool
	Cache       *cache.Cache
	Limiter     *ratelimit.Limiter
	Circuits    *circuit.Manager
	Usage       UsageRecorder
	Bus         *events.Bus
	Rates       *pricing.Table
	CallTimeout time.Duration
}

// New creates a router.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	rates := cfg.Rates
	if rates == nil {
		rates = pricing.NewTable()
	}
	return &Router{
		logger:      logger,
		registry:    cfg.Registry,
		pool:        cfg.Pool,
		cache:       cfg.Cache,
		limiter:     cfg.Limiter,
		circuits:    cfg.Circuits,
		usage:       cfg.Usage,
		bus:         cfg.Bus,
		rates:       rates,
		callTimeout: timeout,
	}
}

// InvokeRequest is one tool call.
type InvokeRequest struct {
	// Tool is the qualified or bare tool name
	Tool string `json:"tool"`

	// Arguments are passed through to the backend
	Arguments map[string]any `json:"arguments,omitempty"`

	// KeyID identifies the caller for rate limiting and usage; empty
	// means internal traffic
	KeyID string `json:"key_id,omitempty"`

	// CacheTTL marks the call cacheable when positive
	CacheTTL time.Duration `json:"-"`

	// Timeout overrides the router's per-call timeout when positive
	Timeout time.Duration `json:"-"`
}

// InvokeResult is the outcome of one tool call.
type InvokeResult struct {
	// Tool is the resolved qualified name
	Tool string `json:"tool"`

	// ServerID is the backend that served the call
	ServerID string `json:"server_id"`

	// Content is the backend's response
	Content []pool.ContentItem `json:"content"`

	// IsError marks a tool-level error result
	IsError bool `json:"is_error,omitempty"`

	// Cached is true when the response came from the cache
	Cached bool `json:"cached"`

	// DurationMs is the backend call duration; zero for cache hits
	DurationMs int64 `json:"duration_ms"`
}

// cachedPayload is the serialized form stored in the response cache.
type cachedPayload struct {
	Content []pool.ContentItem `json:"content"`
	IsError bool               `json:"is_error,omitempty"`
}

// Invoke runs one tool call through the pipeline. Cache hits return
// without charging rate or circuit state.
func (r *Router) Invoke(ctx context.Context, req InvokeRequest) (result *InvokeResult, err error) {
	entry, err := r.registry.Find(registry.KindTool, req.Tool)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.Start(ctx, "tool.invoke",
		attribute.String("tool", entry.Qualified),
		attribute.String("server_id", entry.ServerID),
	)
	defer func() { tracing.End(span, err) }()

	params, err := json.Marshal(req.Arguments)
	if err != nil {
		params = nil
	}

	var cacheKey string
	if r.cache != nil && req.CacheTTL > 0 {
		cacheKey = cache.Key("tool", entry.ServerID, entry.Qualified, params)
		if hit, err := r.cache.Get(ctx, cacheKey); err != nil {
			r.logger.Warn("cache lookup failed", "tool", entry.Qualified, "error", err)
		} else if hit != nil {
			var payload cachedPayload
			if err := json.Unmarshal(hit.Response, &payload); err == nil {
				if r.bus != nil {
					r.bus.Publish(events.KindToolInvoked, entry.ServerID, map[string]any{
						"tool":     entry.Qualified,
						"cached":   true,
						"is_error": payload.IsError,
					})
				}
				return &InvokeResult{
					Tool:     entry.Qualified,
					ServerID: entry.ServerID,
					Content:  payload.Content,
					IsError:  payload.IsError,
					Cached:   true,
				}, nil
			}
		}
	}

	var resp *pool.ToolCallResponse
	start := time.Now()
	err = r.withCircuit(ctx, entry.ServerID, func() error {
		if r.limiter != nil {
			if _, err := r.limiter.Allow(ctx, req.KeyID, entry.ServerID); err != nil {
				return err
			}
		}
		return r.dispatch(ctx, entry, req, &resp)
	})
	duration := time.Since(start)

	if err != nil {
		r.account(ctx, entry, req.KeyID, duration, false, 0)
		if r.bus != nil {
			r.bus.Publish(events.KindToolFailed, entry.ServerID, map[string]any{
				"tool":  entry.Qualified,
				"kind":  errors.Kind(err),
				"error": err.Error(),
			})
		}
		return nil, err
	}

	tokens := r.extractTokens(resp)
	r.account(ctx, entry, req.KeyID, duration, !resp.IsError, tokens)

	if cacheKey != "" && !resp.IsError {
		if payload, err := json.Marshal(cachedPayload{Content: resp.Content, IsError: resp.IsError}); err == nil {
			if err := r.cache.Put(ctx, cacheKey, "tool", entry.ServerID, entry.Qualified, payload, req.CacheTTL); err != nil {
				r.logger.Warn("cache store failed", "tool", entry.Qualified, "error", err)
			}
		}
	}

	if r.bus != nil {
		r.bus.Publish(events.KindToolInvoked, entry.ServerID, map[string]any{
			"tool":        entry.Qualified,
			"duration_ms": duration.Milliseconds(),
			"is_error":    resp.IsError,
		})
	}

	return &InvokeResult{
		Tool:       entry.Qualified,
		ServerID:   entry.ServerID,
		Content:    resp.Content,
		IsError:    resp.IsError,
		DurationMs: duration.Milliseconds(),
	}, nil
}

// withCircuit runs fn under the server's breaker when one is
// configured.
func (r *Router) withCircuit(ctx context.Context, serverID string, fn func() error) error {
	if r.circuits == nil {
		return fn()
	}
	return r.circuits.Execute(ctx, serverID, fn)
}

// dispatch fetches the live client and performs the backend call with
// the per-call timeout.
func (r *Router) dispatch(ctx context.Context, entry *registry.Entry, req InvokeRequest, out **pool.ToolCallResponse) error {
	client, err := r.pool.Get(entry.ServerID)
	if err != nil {
		return err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.callTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := client.CallTool(callCtx, pool.ToolCallRequest{
		Name:      entry.Name,
		Arguments: req.Arguments,
	})
	if err != nil {
		return err
	}
	*out = resp
	return nil
}

// extractTokens pulls token usage out of text content when the backend
// reports it.
func (r *Router) extractTokens(resp *pool.ToolCallResponse) int64 {
	for _, item := range resp.Content {
		if item.Type != "text" || item.Text == "" {
			continue
		}
		if usage, ok := pricing.ExtractUsage(json.RawMessage(item.Text)); ok {
			return usage.Total()
		}
	}
	return 0
}

func (r *Router) account(ctx context.Context, entry *registry.Entry, keyID string, duration time.Duration, success bool, tokens int64) {
	if r.usage == nil {
		return
	}
	rec := &store.UsageRecord{
		ID:         uuid.NewString(),
		KeyID:      keyID,
		ServerID:   entry.ServerID,
		Tool:       entry.Qualified,
		Success:    success,
		DurationMs: duration.Milliseconds(),
		Tokens:     tokens,
	}
	if err := r.usage.InsertUsage(ctx, rec); err != nil {
		r.logger.Warn("failed to record usage", "tool", entry.Qualified, "error", err)
	}
}

// GetPrompt resolves and fetches a prompt from its backend. Prompts
// pass the circuit breaker but are neither rate limited nor cached.
func (r *Router) GetPrompt(ctx context.Context, name string, args map[string]string) (*pool.PromptResponse, error) {
	entry, err := r.registry.Find(registry.KindPrompt, name)
	if err != nil {
		return nil, err
	}

	var resp *pool.PromptResponse
	err = r.withCircuit(ctx, entry.ServerID, func() error {
		client, err := r.pool.Get(entry.ServerID)
		if err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
		resp, err = client.GetPrompt(callCtx, entry.Name, args)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ReadResource resolves a resource by registered name or qualified name
// and reads it from its backend.
func (r *Router) ReadResource(ctx context.Context, name string) (*pool.ResourceReadResponse, error) {
	entry, err := r.registry.Find(registry.KindResource, name)
	if err != nil {
		return nil, err
	}

	var resp *pool.ResourceReadResponse
	err = r.withCircuit(ctx, entry.ServerID, func() error {
		client, err := r.pool.Get(entry.ServerID)
		if err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
		resp, err = client.ReadResource(callCtx, entry.Resource.URI)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
