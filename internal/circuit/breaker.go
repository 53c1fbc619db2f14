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

// Package circuit shields unhealthy MCP servers behind per-server
// breakers. State is persisted so an open breaker stays open across a
// restart.
package circuit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/gantry/internal/events"
	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

// State of a breaker.
type State string

const (
	// StateClosed admits all requests.
	StateClosed State = "closed"
	// StateOpen rejects all requests until the timeout elapses.
	StateOpen State = "open"
	// StateHalfOpen admits probes; successes close the breaker, any
	// failure reopens it.
	StateHalfOpen State = "half_open"
)

// Options tune one breaker.
type Options struct {
	// FailureThreshold is the failure count within the current window
	// that opens the breaker.
	FailureThreshold int

	// SuccessThreshold is the consecutive half-open successes needed to
	// close the breaker.
	SuccessThreshold int

	// VolumeThreshold is the minimum request count before failures can
	// open the breaker.
	VolumeThreshold int

	// Timeout is how long an open breaker waits before probing.
	Timeout time.Duration
}

// DefaultOptions matches typical gateway deployments.
func DefaultOptions() Options {
	return Options{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		VolumeThreshold:  5,
		Timeout:          30 * time.Second,
	}
}

// Snapshotter persists breaker state.
type Snapshotter interface {
	GetCircuit(ctx context.Context, serverID string) (*store.CircuitSnapshot, error)
	PutCircuit(ctx context.Context, c *store.CircuitSnapshot) error
}

// Breaker guards one server.
type Breaker struct {
	serverID string
	opts     Options

	mu                   sync.Mutex
	state                State
	failureCount         int
	totalCount           int
	consecutiveSuccesses int
	openedAt             time.Time
	lastChange           time.Time

	now func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(serverID string, opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultOptions().FailureThreshold
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = DefaultOptions().SuccessThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	return &Breaker{
		serverID: serverID,
		opts:     opts,
		state:    StateClosed,
		now:      time.Now,
	}
}

// transition is reported to the manager for persistence and events.
type transition struct {
	from, to State
}

// Admit checks whether a request may proceed. An open breaker whose
// timeout has elapsed moves to half-open and admits the probe.
func (b *Breaker) Admit() (*transition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil, nil
	case StateOpen:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed >= b.opts.Timeout {
			tr := b.setState(StateHalfOpen)
			return tr, nil
		}
		return nil, &errors.CircuitOpenError{
			ServerID:           b.serverID,
			RetryAfterDuration: b.opts.Timeout - elapsed,
		}
	}
	return nil, nil
}

// RecordSuccess notes a successful call. In the closed state it clears
// the failure streak, so only consecutive failures can open the breaker.
func (b *Breaker) RecordSuccess() *transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.totalCount++
		b.failureCount = 0
	case StateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.opts.SuccessThreshold {
			return b.setState(StateClosed)
		}
	}
	return nil
}

// RecordFailure notes a failed call. In the closed state the breaker
// opens once failures reach the threshold and the volume floor is met;
// in half-open any failure reopens immediately.
func (b *Breaker) RecordFailure() *transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.totalCount++
		b.failureCount++
		if b.failureCount >= b.opts.FailureThreshold && b.totalCount >= b.opts.VolumeThreshold {
			return b.setState(StateOpen)
		}
	case StateHalfOpen:
		return b.setState(StateOpen)
	}
	return nil
}

// setState performs the transition bookkeeping. Caller holds b.mu.
func (b *Breaker) setState(to State) *transition {
	from := b.state
	b.state = to
	b.lastChange = b.now()

	switch to {
	case StateOpen:
		b.openedAt = b.now()
		b.consecutiveSuccesses = 0
	case StateHalfOpen:
		b.consecutiveSuccesses = 0
	case StateClosed:
		b.failureCount = 0
		b.totalCount = 0
		b.consecutiveSuccesses = 0
		b.openedAt = time.Time{}
	}
	return &transition{from: from, to: to}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot captures the breaker for persistence.
func (b *Breaker) Snapshot() *store.CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &store.CircuitSnapshot{
		ServerID:             b.serverID,
		State:                string(b.state),
		FailureCount:         b.failureCount,
		TotalCount:           b.totalCount,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
		LastStateChangeAt:    b.lastChange,
	}
}

// restore loads persisted state into the breaker.
func (b *Breaker) restore(snap *store.CircuitSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = State(snap.State)
	b.failureCount = snap.FailureCount
	b.totalCount = snap.TotalCount
	b.consecutiveSuccesses = snap.ConsecutiveSuccesses
	b.openedAt = snap.OpenedAt
	b.lastChange = snap.LastStateChangeAt
}

// Manager owns the per-server breakers.
type Manager struct {
	snapshots Snapshotter
	bus       *events.Bus
	logger    *slog.Logger
	opts      Options

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager creates a breaker manager. The bus may be nil in tests.
func NewManager(snapshots Snapshotter, bus *events.Bus, logger *slog.Logger, opts Options) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		snapshots: snapshots,
		bus:       bus,
		logger:    logger,
		opts:      opts,
		breakers:  make(map[string]*Breaker),
	}
}

// breaker returns the server's breaker, restoring persisted state on
// first access.
func (m *Manager) breaker(ctx context.Context, serverID string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[serverID]; ok {
		return b
	}

	b := NewBreaker(serverID, m.opts)
	if snap, err := m.snapshots.GetCircuit(ctx, serverID); err == nil && snap != nil {
		b.restore(snap)
	}
	m.breakers[serverID] = b
	return b
}

// Execute runs fn under the server's breaker. An open breaker rejects
// with a CircuitOpenError carrying the retry-after hint; outcomes are
// recorded and state transitions persisted and published.
func (m *Manager) Execute(ctx context.Context, serverID string, fn func() error) error {
	b := m.breaker(ctx, serverID)

	tr, err := b.Admit()
	m.afterTransition(ctx, b, tr)
	if err != nil {
		return err
	}

	callErr := fn()
	if callErr != nil && !errors.IsRecoverable(callErr) && !isCallerFault(callErr) {
		tr = b.RecordFailure()
	} else if callErr == nil {
		tr = b.RecordSuccess()
	} else {
		tr = nil
	}
	m.afterTransition(ctx, b, tr)
	return callErr
}

// isCallerFault filters errors that say nothing about server health.
func isCallerFault(err error) bool {
	return errors.IsValidation(err) || errors.IsNotFound(err) || errors.IsConflict(err)
}

func (m *Manager) afterTransition(ctx context.Context, b *Breaker, tr *transition) {
	if tr == nil {
		return
	}

	if err := m.snapshots.PutCircuit(ctx, b.Snapshot()); err != nil {
		m.logger.Warn("failed to persist circuit state", "server_id", b.serverID, "error", err)
	}

	m.logger.Info("circuit state changed",
		"server_id", b.serverID, "from", string(tr.from), "to", string(tr.to))

	if m.bus == nil {
		return
	}
	kind := map[State]string{
		StateOpen:     events.KindCircuitOpened,
		StateHalfOpen: events.KindCircuitHalfOpen,
		StateClosed:   events.KindCircuitClosed,
	}[tr.to]
	m.bus.Publish(kind, b.serverID, map[string]string{
		"from": string(tr.from),
		"to":   string(tr.to),
	})
}

// State reports a server's current breaker state without admitting.
func (m *Manager) State(ctx context.Context, serverID string) State {
	return m.breaker(ctx, serverID).State()
}

// Reset forces a server's breaker closed, for admin intervention.
func (m *Manager) Reset(ctx context.Context, serverID string) {
	b := m.breaker(ctx, serverID)
	b.mu.Lock()
	tr := b.setState(StateClosed)
	b.mu.Unlock()
	m.afterTransition(ctx, b, tr)
}

// Forget drops in-memory breaker state for a removed server.
func (m *Manager) Forget(serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, serverID)
}
