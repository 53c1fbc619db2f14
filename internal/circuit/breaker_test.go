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

package circuit

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/gantry/internal/events"
	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

func testOpts() Options {
	return Options{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		VolumeThreshold:  3,
		Timeout:          30 * time.Second,
	}
}

func newManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "cb.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewManager(s, events.NewBus(nil), nil, testOpts()), s
}

var errUpstream = stderrors.New("upstream exploded")

func failN(m *Manager, ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		m.Execute(ctx, "srv", func() error { return errUpstream })
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	failN(m, ctx, 2)
	assert.Equal(t, StateClosed, m.State(ctx, "srv"))

	failN(m, ctx, 1)
	assert.Equal(t, StateOpen, m.State(ctx, "srv"))

	// Open breaker rejects without invoking fn.
	called := false
	err := m.Execute(ctx, "srv", func() error { called = true; return nil })
	require.Error(t, err)
	assert.True(t, errors.IsCircuitOpen(err))
	assert.False(t, called)

	var coe *errors.CircuitOpenError
	require.True(t, errors.As(err, &coe))
	assert.Greater(t, coe.RetryAfterDuration, time.Duration(0))
	assert.LessOrEqual(t, coe.RetryAfterDuration, 30*time.Second)
}

func TestVolumeThresholdDelaysOpening(t *testing.T) {
	m, _ := newManager(t)
	m.opts.VolumeThreshold = 10
	ctx := context.Background()

	// Failures alone do not open the breaker below the volume floor.
	failN(m, ctx, 5)
	assert.Equal(t, StateClosed, m.State(ctx, "srv"))

	for i := 0; i < 5; i++ {
		m.Execute(ctx, "srv", func() error { return nil })
	}
	failN(m, ctx, 3)
	assert.Equal(t, StateOpen, m.State(ctx, "srv"))
}

func TestIntermittentFailuresDoNotTrip(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	// A success clears the failure streak, so rare errors interleaved
	// with successes never accumulate to the threshold.
	for i := 0; i < 10; i++ {
		failN(m, ctx, 1)
		m.Execute(ctx, "srv", func() error { return nil })
	}
	assert.Equal(t, StateClosed, m.State(ctx, "srv"))

	failN(m, ctx, 3)
	assert.Equal(t, StateOpen, m.State(ctx, "srv"))
}

func TestHalfOpenRecovery(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	failN(m, ctx, 3)
	require.Equal(t, StateOpen, m.State(ctx, "srv"))

	b := m.breaker(ctx, "srv")
	b.now = func() time.Time { return time.Now().Add(time.Minute) }

	// First probe succeeds; one more success closes the breaker.
	require.NoError(t, m.Execute(ctx, "srv", func() error { return nil }))
	assert.Equal(t, StateHalfOpen, m.State(ctx, "srv"))

	require.NoError(t, m.Execute(ctx, "srv", func() error { return nil }))
	assert.Equal(t, StateClosed, m.State(ctx, "srv"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	failN(m, ctx, 3)
	b := m.breaker(ctx, "srv")
	b.now = func() time.Time { return time.Now().Add(time.Minute) }

	err := m.Execute(ctx, "srv", func() error { return errUpstream })
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, StateOpen, m.State(ctx, "srv"))
}

func TestCallerFaultsDoNotTrip(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		m.Execute(ctx, "srv", func() error {
			return &errors.ValidationError{Field: "params", Message: "bad"}
		})
	}
	assert.Equal(t, StateClosed, m.State(ctx, "srv"))
}

func TestStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cb.db")
	ctx := context.Background()

	s, err := store.Open(store.Config{Path: path})
	require.NoError(t, err)
	m := NewManager(s, nil, nil, testOpts())
	failN(m, ctx, 3)
	require.Equal(t, StateOpen, m.State(ctx, "srv"))
	require.NoError(t, s.Close())

	s2, err := store.Open(store.Config{Path: path})
	require.NoError(t, err)
	defer s2.Close()

	m2 := NewManager(s2, nil, nil, testOpts())
	assert.Equal(t, StateOpen, m2.State(ctx, "srv"))

	err = m2.Execute(ctx, "srv", func() error { return nil })
	assert.True(t, errors.IsCircuitOpen(err))
}

func TestTransitionsPublishEvents(t *testing.T) {
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "cb.db")})
	require.NoError(t, err)
	defer s.Close()

	bus := events.NewBus(nil)
	var kinds []string
	bus.Subscribe(events.Filter{Kinds: []string{"circuit.*"}}, func(e events.Event) {
		kinds = append(kinds, e.Kind)
	})

	m := NewManager(s, bus, nil, testOpts())
	ctx := context.Background()

	failN(m, ctx, 3)
	b := m.breaker(ctx, "srv")
	b.now = func() time.Time { return time.Now().Add(time.Minute) }
	m.Execute(ctx, "srv", func() error { return nil })
	m.Execute(ctx, "srv", func() error { return nil })

	assert.Equal(t, []string{
		events.KindCircuitOpened,
		events.KindCircuitHalfOpen,
		events.KindCircuitClosed,
	}, kinds)
}

func TestReset(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	failN(m, ctx, 3)
	require.Equal(t, StateOpen, m.State(ctx, "srv"))

	m.Reset(ctx, "srv")
	assert.Equal(t, StateClosed, m.State(ctx, "srv"))
	require.NoError(t, m.Execute(ctx, "srv", func() error { return nil }))
}
