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

// Package events provides the in-process event fabric. Components publish
// typed events; webhook delivery, SSE streams, and metrics subscribe to
// them. Publishing never blocks the publisher: handler panics are isolated
// and slow channel consumers drop events rather than stall dispatch.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event kinds. Webhook subscriptions and stream filters match against
// these, either exactly or by "prefix.*" wildcard.
const (
	KindServerConnected    = "server.connected"
	KindServerDisconnected = "server.disconnected"
	KindServerUnhealthy    = "server.unhealthy"

	KindToolInvoked = "tool.invoked"
	KindToolFailed  = "tool.failed"

	KindCircuitOpened   = "circuit.opened"
	KindCircuitHalfOpen = "circuit.half_open"
	KindCircuitClosed   = "circuit.closed"

	KindWorkflowStarted   = "workflow.started"
	KindWorkflowCompleted = "workflow.completed"
	KindWorkflowFailed    = "workflow.failed"
	KindWorkflowCancelled = "workflow.cancelled"
	KindStepStarted       = "workflow.step.started"
	KindStepCompleted     = "workflow.step.completed"
	KindStepFailed        = "workflow.step.failed"

	KindSecretDetected = "secret.detected"
	KindBudgetExceeded = "budget.exceeded"
)

// Event is one occurrence on the fabric.
type Event struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	ServerID  string          `json:"server_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Filter selects which events a subscriber receives. Zero-value fields
// match everything.
type Filter struct {
	// Kinds matches event kinds exactly, or by prefix when a kind ends
	// in ".*" (for example "workflow.*"). Empty matches all kinds.
	Kinds []string

	// ServerID restricts to events carrying this server id. Events with
	// no server id always pass.
	ServerID string
}

// Matches reports whether the filter admits the event.
func (f Filter) Matches(e Event) bool {
	if f.ServerID != "" && e.ServerID != "" && e.ServerID != f.ServerID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == e.Kind {
			return true
		}
		if n := len(k); n > 2 && k[n-2:] == ".*" && len(e.Kind) >= n-2 && e.Kind[:n-2] == k[:n-2] {
			return true
		}
	}
	return false
}

// Handler is a synchronous event callback.
type Handler func(Event)

type handlerSub struct {
	filter  Filter
	handler Handler
}

type streamSub struct {
	filter Filter
	ch     chan Event
}

// Bus fans events out to handler and stream subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]*handlerSub
	streams  map[int]*streamSub
	nextID   int
	logger   *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[int]*handlerSub),
		streams:  make(map[int]*streamSub),
		logger:   logger,
	}
}

// Publish constructs an event and dispatches it to all matching
// subscribers. Handlers run synchronously on the publisher's goroutine;
// a panicking handler is logged and does not affect other subscribers.
func (b *Bus) Publish(kind, serverID string, payload any) Event {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			b.logger.Warn("failed to marshal event payload", "kind", kind, "error", err)
		} else {
			raw = data
		}
	}

	e := Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		ServerID:  serverID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}

	b.mu.RLock()
	handlers := make([]*handlerSub, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	streams := make([]*streamSub, 0, len(b.streams))
	for _, s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if h.filter.Matches(e) {
			b.safeInvoke(h.handler, e)
		}
	}
	for _, s := range streams {
		if s.filter.Matches(e) {
			select {
			case s.ch <- e:
			default:
				// Consumer is behind, drop rather than block
			}
		}
	}

	return e
}

func (b *Bus) safeInvoke(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "kind", e.Kind, "panic", r)
		}
	}()
	h(e)
}

// Subscribe registers a synchronous handler. Returns an unsubscribe
// function.
func (b *Bus) Subscribe(filter Filter, handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = &handlerSub{filter: filter, handler: handler}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Stream returns a channel that receives matching events, plus an
// unsubscribe function. The channel is buffered; events are dropped when
// the consumer falls behind.
func (b *Bus) Stream(filter Filter) (<-chan Event, func()) {
	ch := make(chan Event, 100)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.streams[id] = &streamSub{filter: filter, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.streams[id]; ok {
			delete(b.streams, id)
			close(ch)
		}
	}
}

// SubscriberCount returns the number of active subscribers of both forms.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers) + len(b.streams)
}
