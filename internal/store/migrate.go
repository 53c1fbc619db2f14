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
	"fmt"
	"time"
)

// migration is one versioned schema change. Statements run inside a single
// transaction together with the schema_migrations bookkeeping row.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "core tables",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS servers (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				description TEXT,
				transport TEXT NOT NULL,
				auth TEXT NOT NULL,
				health_check TEXT NOT NULL,
				rate_limit TEXT,
				tags TEXT,
				category TEXT,
				enabled INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS tenants (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS api_keys (
				id TEXT PRIMARY KEY,
				tenant_id TEXT,
				name TEXT NOT NULL,
				key_hash TEXT NOT NULL UNIQUE,
				admin INTEGER NOT NULL DEFAULT 0,
				enabled INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL,
				last_used_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys(tenant_id)`,
		},
	},
	{
		version: 2,
		name:    "routing state",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS rate_limit_state (
				key_id TEXT NOT NULL,
				server_id TEXT NOT NULL,
				minute_count INTEGER NOT NULL DEFAULT 0,
				minute_reset_at TEXT NOT NULL,
				day_count INTEGER NOT NULL DEFAULT 0,
				day_reset_at TEXT NOT NULL,
				PRIMARY KEY (key_id, server_id)
			)`,
			`CREATE TABLE IF NOT EXISTS circuit_breaker_state (
				server_id TEXT PRIMARY KEY,
				state TEXT NOT NULL,
				failure_count INTEGER NOT NULL DEFAULT 0,
				total_count INTEGER NOT NULL DEFAULT 0,
				consecutive_successes INTEGER NOT NULL DEFAULT 0,
				opened_at TEXT,
				last_state_change_at TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS response_cache (
				key TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				server_id TEXT NOT NULL,
				name TEXT NOT NULL,
				response BLOB NOT NULL,
				ttl_ms INTEGER NOT NULL,
				created_at TEXT NOT NULL,
				expires_at TEXT NOT NULL,
				hit_count INTEGER NOT NULL DEFAULT 0,
				last_hit_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_response_cache_server ON response_cache(server_id)`,
			`CREATE INDEX IF NOT EXISTS idx_response_cache_expires ON response_cache(expires_at)`,
		},
	},
	{
		version: 3,
		name:    "workflows and executions",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS workflows (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				description TEXT,
				definition TEXT NOT NULL,
				enabled INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS workflow_executions (
				id TEXT PRIMARY KEY,
				workflow_id TEXT NOT NULL,
				status TEXT NOT NULL,
				input TEXT,
				output TEXT,
				error TEXT,
				triggered_by TEXT,
				started_at TEXT,
				completed_at TEXT,
				FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON workflow_executions(workflow_id)`,
			`CREATE INDEX IF NOT EXISTS idx_executions_status ON workflow_executions(status)`,
			`CREATE TABLE IF NOT EXISTS workflow_execution_steps (
				id TEXT PRIMARY KEY,
				execution_id TEXT NOT NULL,
				position INTEGER NOT NULL,
				name TEXT NOT NULL,
				status TEXT NOT NULL,
				input TEXT,
				output TEXT,
				error TEXT,
				retry_count INTEGER NOT NULL DEFAULT 0,
				tokens_used INTEGER NOT NULL DEFAULT 0,
				cost_credits REAL NOT NULL DEFAULT 0,
				model_name TEXT,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				started_at TEXT,
				completed_at TEXT,
				FOREIGN KEY (execution_id) REFERENCES workflow_executions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_execution_steps_execution ON workflow_execution_steps(execution_id)`,
		},
	},
	{
		version: 4,
		name:    "webhooks",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
				id TEXT PRIMARY KEY,
				url TEXT NOT NULL,
				event_kinds TEXT NOT NULL,
				secret TEXT,
				server_id TEXT,
				retry_count INTEGER NOT NULL DEFAULT 3,
				retry_delay_ms INTEGER NOT NULL DEFAULT 1000,
				timeout_ms INTEGER NOT NULL DEFAULT 10000,
				enabled INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS webhook_deliveries (
				id TEXT PRIMARY KEY,
				subscription_id TEXT NOT NULL,
				event_kind TEXT NOT NULL,
				payload TEXT NOT NULL,
				status TEXT NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				last_http_status INTEGER NOT NULL DEFAULT 0,
				response_body TEXT,
				error TEXT,
				next_attempt_at TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				FOREIGN KEY (subscription_id) REFERENCES webhook_subscriptions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_deliveries_status ON webhook_deliveries(status)`,
			`CREATE INDEX IF NOT EXISTS idx_deliveries_next_attempt ON webhook_deliveries(next_attempt_at)`,
		},
	},
	{
		version: 5,
		name:    "usage, budgets, detections, audit",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS usage_history (
				id TEXT PRIMARY KEY,
				key_id TEXT NOT NULL,
				server_id TEXT NOT NULL,
				tool TEXT NOT NULL,
				success INTEGER NOT NULL,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				tokens INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_key_server ON usage_history(key_id, server_id)`,
			`CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_history(created_at)`,
			`CREATE TABLE IF NOT EXISTS budget_configurations (
				id TEXT PRIMARY KEY,
				scope TEXT NOT NULL,
				scope_id TEXT,
				limit_credits REAL NOT NULL,
				period TEXT NOT NULL,
				enabled INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS budget_usage (
				rule_id TEXT NOT NULL,
				period_start TEXT NOT NULL,
				period_end TEXT NOT NULL,
				used_credits REAL NOT NULL DEFAULT 0,
				PRIMARY KEY (rule_id, period_start),
				FOREIGN KEY (rule_id) REFERENCES budget_configurations(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS key_exposure_detections (
				id TEXT PRIMARY KEY,
				provider TEXT NOT NULL,
				path TEXT NOT NULL,
				masked_hint TEXT NOT NULL,
				source TEXT NOT NULL,
				severity TEXT NOT NULL,
				resolved INTEGER NOT NULL DEFAULT 0,
				note TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				id TEXT PRIMARY KEY,
				action TEXT NOT NULL,
				key_id TEXT,
				tenant_id TEXT,
				resource_type TEXT NOT NULL,
				resource_id TEXT,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				success INTEGER NOT NULL,
				error TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at)`,
		},
	},
	{
		version: 6,
		name:    "semantic embeddings",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS semantic_embeddings (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				name TEXT NOT NULL,
				server_id TEXT NOT NULL,
				vector BLOB NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE (kind, name)
			)`,
		},
	},
}

// Migrate applies pending migrations. Each migration runs in its own
// transaction and is recorded in schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}

		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.version, m.name, formatTime(time.Now())); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
