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

// InsertUsage records one invocation's accounting row.
func (s *Store) InsertUsage(ctx context.Context, u *UsageRecord) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_history (id, key_id, server_id, tool, success, duration_ms, tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.KeyID, u.ServerID, u.Tool, boolToInt(u.Success), u.DurationMs, u.Tokens, formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to insert usage: %w", err)
	}
	u.CreatedAt = now
	return nil
}

// SummarizeUsage aggregates usage for a key (optionally narrowed to a
// server) since the given time.
func (s *Store) SummarizeUsage(ctx context.Context, keyID, serverID string, since time.Time) (*UsageSummary, error) {
	query := `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(tokens), 0),
			COALESCE(SUM(duration_ms), 0)
		FROM usage_history WHERE key_id = ? AND created_at >= ?`
	args := []any{keyID, formatTime(since)}
	if serverID != "" {
		query += ` AND server_id = ?`
		args = append(args, serverID)
	}

	var sum UsageSummary
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&sum.Invocations, &sum.Failures, &sum.TotalTokens, &sum.TotalMs)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	return &sum, nil
}

// PruneUsage deletes usage rows older than the cutoff.
func (s *Store) PruneUsage(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM usage_history WHERE created_at < ?`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
