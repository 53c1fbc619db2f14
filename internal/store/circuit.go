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
)

// GetCircuit loads the persisted breaker state for a server.
// Returns nil (no error) when no state has been recorded yet.
func (s *Store) GetCircuit(ctx context.Context, serverID string) (*CircuitSnapshot, error) {
	var c CircuitSnapshot
	var openedAt, lastChange sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT server_id, state, failure_count, total_count, consecutive_successes, opened_at, last_state_change_at
		FROM circuit_breaker_state WHERE server_id = ?`, serverID).
		Scan(&c.ServerID, &c.State, &c.FailureCount, &c.TotalCount, &c.ConsecutiveSuccesses, &openedAt, &lastChange)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get circuit state: %w", err)
	}
	c.OpenedAt = parseTime(openedAt)
	c.LastStateChangeAt = parseTime(lastChange)
	return &c, nil
}

// PutCircuit upserts the breaker state row for a server.
func (s *Store) PutCircuit(ctx context.Context, c *CircuitSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO circuit_breaker_state (server_id, state, failure_count, total_count, consecutive_successes, opened_at, last_state_change_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_id) DO UPDATE SET
			state = excluded.state,
			failure_count = excluded.failure_count,
			total_count = excluded.total_count,
			consecutive_successes = excluded.consecutive_successes,
			opened_at = excluded.opened_at,
			last_state_change_at = excluded.last_state_change_at`,
		c.ServerID, c.State, c.FailureCount, c.TotalCount, c.ConsecutiveSuccesses,
		nullTime(c.OpenedAt), nullTime(c.LastStateChangeAt))
	if err != nil {
		return fmt.Errorf("failed to put circuit state: %w", err)
	}
	return nil
}
