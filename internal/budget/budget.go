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

// Package budget enforces spend limits. Rules cap credits per scope over
// calendar periods; admission is checked before an execution starts and
// usage accrues when it completes.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/gantry/internal/events"
	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

// Scope values for budget rules.
const (
	ScopeGlobal   = "global"
	ScopeTenant   = "tenant"
	ScopeWorkflow = "workflow"
	ScopeKey      = "key"
)

// Identity names everything a spend can be attributed to. Empty fields
// simply match no rule of that scope.
type Identity struct {
	TenantID   string
	WorkflowID string
	KeyID      string
}

// Enforcer checks and accrues budget usage against persisted rules.
type Enforcer struct {
	store  *store.Store
	bus    *events.Bus
	logger *slog.Logger

	now func() time.Time
}

// New creates an enforcer. The bus may be nil.
func New(st *store.Store, bus *events.Bus, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{store: st, bus: bus, logger: logger, now: time.Now}
}

// matches reports whether a rule applies to the identity.
func (id Identity) matches(r *store.BudgetRule) bool {
	switch r.Scope {
	case ScopeGlobal:
		return true
	case ScopeTenant:
		return id.TenantID != "" && r.ScopeID == id.TenantID
	case ScopeWorkflow:
		return id.WorkflowID != "" && r.ScopeID == id.WorkflowID
	case ScopeKey:
		return id.KeyID != "" && r.ScopeID == id.KeyID
	default:
		return false
	}
}

// periodBounds returns the UTC calendar window containing now. Weeks
// start on Monday.
func periodBounds(period string, now time.Time) (time.Time, time.Time, error) {
	now = now.UTC()
	switch period {
	case "day":
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1), nil
	case "week":
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).
			AddDate(0, 0, -(weekday - 1))
		return start, start.AddDate(0, 0, 7), nil
	case "month":
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), nil
	default:
		return time.Time{}, time.Time{}, &errors.ValidationError{
			Field:      "period",
			Message:    fmt.Sprintf("unknown budget period %q", period),
			Suggestion: "use day, week, or month",
		}
	}
}

// Admit returns BudgetExceededError when any enabled rule matching the
// identity would be pushed over its limit by expectedCredits. Admission
// never accrues; Accrue records the real spend afterwards.
func (e *Enforcer) Admit(ctx context.Context, id Identity, expectedCredits float64) error {
	rules, err := e.store.ListBudgetRules(ctx)
	if err != nil {
		return err
	}
	now := e.now()

	for _, r := range rules {
		if !r.Enabled || !id.matches(r) {
			continue
		}
		start, _, err := periodBounds(r.Period, now)
		if err != nil {
			return err
		}
		usage, err := e.store.GetBudgetUsage(ctx, r.ID, start)
		if err != nil {
			return err
		}
		used := 0.0
		if usage != nil {
			used = usage.UsedCredits
		}
		if used+expectedCredits > r.LimitCredits {
			e.logger.Warn("budget admission denied",
				"rule_id", r.ID, "scope", r.Scope, "scope_id", r.ScopeID,
				"used", used, "limit", r.LimitCredits, "expected", expectedCredits)
			if e.bus != nil {
				e.bus.Publish(events.KindBudgetExceeded, "", map[string]any{
					"rule_id": r.ID,
					"scope":   r.Scope,
					"used":    used,
					"limit":   r.LimitCredits,
				})
			}
			return &errors.BudgetExceededError{
				Scope:   r.Scope,
				ScopeID: r.ScopeID,
				Limit:   r.LimitCredits,
				Used:    used,
			}
		}
	}
	return nil
}

// Accrue records spend against every enabled rule the identity matches.
// Accrual is never rejected: admission happened before the spend, and a
// completed execution's cost is a fact.
func (e *Enforcer) Accrue(ctx context.Context, id Identity, credits float64) error {
	if credits <= 0 {
		return nil
	}
	rules, err := e.store.ListBudgetRules(ctx)
	if err != nil {
		return err
	}
	now := e.now()

	for _, r := range rules {
		if !r.Enabled || !id.matches(r) {
			continue
		}
		start, end, err := periodBounds(r.Period, now)
		if err != nil {
			return err
		}
		if err := e.store.AccrueBudgetUsage(ctx, r.ID, start, end, credits); err != nil {
			return err
		}
	}
	return nil
}

// Status reports each matching rule's current-period usage.
type Status struct {
	Rule        *store.BudgetRule `json:"rule"`
	PeriodStart time.Time         `json:"period_start"`
	PeriodEnd   time.Time         `json:"period_end"`
	UsedCredits float64           `json:"used_credits"`
}

// StatusFor lists current usage for every enabled rule matching the
// identity. A zero-value identity reports only global rules.
func (e *Enforcer) StatusFor(ctx context.Context, id Identity) ([]*Status, error) {
	rules, err := e.store.ListBudgetRules(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()

	var out []*Status
	for _, r := range rules {
		if !r.Enabled || !id.matches(r) {
			continue
		}
		start, end, err := periodBounds(r.Period, now)
		if err != nil {
			return nil, err
		}
		usage, err := e.store.GetBudgetUsage(ctx, r.ID, start)
		if err != nil {
			return nil, err
		}
		st := &Status{Rule: r, PeriodStart: start, PeriodEnd: end}
		if usage != nil {
			st.UsedCredits = usage.UsedCredits
		}
		out = append(out, st)
	}
	return out, nil
}
