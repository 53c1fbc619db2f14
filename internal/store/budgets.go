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

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tombee/gantry/pkg/errors"
)

// CreateBudgetRule inserts a budget rule.
func (s *Store) CreateBudgetRule(ctx context.Context, r *BudgetRule) error {
	if r.LimitCredits < 0 {
		return &errors.ValidationError{Field: "limit_credits", Message: "limit must be non-negative"}
	}

	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_configurations (id, scope, scope_id, limit_credits, period, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Scope, nullString(r.ScopeID), r.LimitCredits, r.Period, boolToInt(r.Enabled), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create budget rule: %w", err)
	}
	r.CreatedAt = now
	return nil
}

// ListBudgetRules returns every budget rule in creation order.
func (s *Store) ListBudgetRules(ctx context.Context) ([]*BudgetRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, scope_id, limit_credits, period, enabled, created_at
		FROM budget_configurations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list budget rules: %w", err)
	}
	defer rows.Close()

	var rules []*BudgetRule
	for rows.Next() {
		var r BudgetRule
		var scopeID, createdAt sql.NullString
		var enabled int
		if err := rows.Scan(&r.ID, &r.Scope, &scopeID, &r.LimitCredits, &r.Period, &enabled, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan budget rule: %w", err)
		}
		r.ScopeID = scopeID.String
		r.Enabled = enabled != 0
		r.CreatedAt = parseTime(createdAt)
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

// DeleteBudgetRule removes a rule; usage rows cascade.
func (s *Store) DeleteBudgetRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM budget_configurations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete budget rule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.NotFoundError{Resource: "budget_rule", ID: id}
	}
	return nil
}

// GetBudgetUsage loads the accrued usage for a rule's current period.
// Returns nil (no error) when the period has no usage yet.
func (s *Store) GetBudgetUsage(ctx context.Context, ruleID string, periodStart time.Time) (*BudgetUsage, error) {
	var u BudgetUsage
	var start, end sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT rule_id, period_start, period_end, used_credits
		FROM budget_usage WHERE rule_id = ? AND period_start = ?`,
		ruleID, formatTime(periodStart)).
		Scan(&u.RuleID, &start, &end, &u.UsedCredits)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget usage: %w", err)
	}
	u.PeriodStart = parseTime(start)
	u.PeriodEnd = parseTime(end)
	return &u, nil
}

// AccrueBudgetUsage adds credits to a rule's period, creating the row if
// necessary.
func (s *Store) AccrueBudgetUsage(ctx context.Context, ruleID string, periodStart, periodEnd time.Time, credits float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budget_usage (rule_id, period_start, period_end, used_credits)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (rule_id, period_start) DO UPDATE SET
			used_credits = used_credits + excluded.used_credits`,
		ruleID, formatTime(periodStart), formatTime(periodEnd), credits)
	if err != nil {
		return fmt.Errorf("failed to accrue budget usage: %w", err)
	}
	return nil
}
