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

package budget

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/gantry/internal/events"
	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

func newEnforcer(t *testing.T) (*Enforcer, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "gantry.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, events.NewBus(nil), nil), st
}

func addRule(t *testing.T, st *store.Store, id, scope, scopeID string, limit float64, period string) {
	t.Helper()
	require.NoError(t, st.CreateBudgetRule(context.Background(), &store.BudgetRule{
		ID: id, Scope: scope, ScopeID: scopeID,
		LimitCredits: limit, Period: period, Enabled: true,
	}))
}

func TestAdmitWithinLimit(t *testing.T) {
	e, st := newEnforcer(t)
	addRule(t, st, "r1", ScopeTenant, "t1", 10, "day")
	ctx := context.Background()

	id := Identity{TenantID: "t1"}
	require.NoError(t, e.Admit(ctx, id, 5))
	require.NoError(t, e.Accrue(ctx, id, 5))
	require.NoError(t, e.Admit(ctx, id, 5))
	require.NoError(t, e.Accrue(ctx, id, 5))

	err := e.Admit(ctx, id, 0.5)
	require.Error(t, err)
	var exceeded *errors.BudgetExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, ScopeTenant, exceeded.Scope)
	assert.Equal(t, 10.0, exceeded.Limit)
	assert.Equal(t, 10.0, exceeded.Used)
}

func TestAdmitIgnoresOtherScopes(t *testing.T) {
	e, st := newEnforcer(t)
	addRule(t, st, "r1", ScopeTenant, "t1", 1, "day")
	addRule(t, st, "r2", ScopeKey, "k1", 1, "day")
	ctx := context.Background()

	// A different tenant and no key id matches neither rule.
	require.NoError(t, e.Admit(ctx, Identity{TenantID: "t2"}, 100))

	// The global rule applies to everyone.
	addRule(t, st, "r3", ScopeGlobal, "", 50, "month")
	err := e.Admit(ctx, Identity{TenantID: "t2"}, 100)
	require.Error(t, err)
	var exceeded *errors.BudgetExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, ScopeGlobal, exceeded.Scope)
}

func TestPeriodRollover(t *testing.T) {
	e, st := newEnforcer(t)
	addRule(t, st, "r1", ScopeKey, "k1", 10, "day")
	ctx := context.Background()
	id := Identity{KeyID: "k1"}

	base := time.Date(2026, 3, 10, 23, 50, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	require.NoError(t, e.Accrue(ctx, id, 10))
	require.Error(t, e.Admit(ctx, id, 1))

	// Past midnight a fresh period opens.
	e.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, e.Admit(ctx, id, 1))
}

func TestPeriodBounds(t *testing.T) {
	// 2026-03-11 is a Wednesday.
	now := time.Date(2026, 3, 11, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		period string
		start  time.Time
		end    time.Time
	}{
		{"day", time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)},
		{"week", time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)},
		{"month", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			start, end, err := periodBounds(tt.period, now)
			require.NoError(t, err)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
		})
	}

	_, _, err := periodBounds("fortnight", now)
	assert.True(t, errors.IsValidation(err))
}

func TestWeekStartsMonday(t *testing.T) {
	// A Sunday belongs to the week that started the previous Monday.
	sunday := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	start, end, err := periodBounds("week", sunday)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), end)
}

func TestAdmitPublishesEvent(t *testing.T) {
	e, st := newEnforcer(t)
	addRule(t, st, "r1", ScopeGlobal, "", 1, "day")

	var got []events.Event
	e.bus.Subscribe(events.Filter{Kinds: []string{events.KindBudgetExceeded}}, func(ev events.Event) {
		got = append(got, ev)
	})

	require.Error(t, e.Admit(context.Background(), Identity{}, 5))
	require.Len(t, got, 1)
	assert.Equal(t, events.KindBudgetExceeded, got[0].Kind)
}

func TestStatusFor(t *testing.T) {
	e, st := newEnforcer(t)
	addRule(t, st, "r1", ScopeTenant, "t1", 100, "month")
	ctx := context.Background()

	require.NoError(t, e.Accrue(ctx, Identity{TenantID: "t1"}, 12.5))

	statuses, err := e.StatusFor(ctx, Identity{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "r1", statuses[0].Rule.ID)
	assert.Equal(t, 12.5, statuses[0].UsedCredits)
	assert.True(t, statuses[0].PeriodEnd.After(statuses[0].PeriodStart))
}
