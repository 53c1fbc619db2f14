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

// GetRateBucket loads the durable bucket for one (key, server) pair.
// Returns nil (no error) when no bucket exists yet.
func (s *Store) GetRateBucket(ctx context.Context, keyID, serverID string) (*RateBucket, error) {
	var b RateBucket
	var minuteResetAt, dayResetAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT key_id, server_id, minute_count, minute_reset_at, day_count, day_reset_at
		FROM rate_limit_state WHERE key_id = ? AND server_id = ?`, keyID, serverID).
		Scan(&b.KeyID, &b.ServerID, &b.MinuteCount, &minuteResetAt, &b.DayCount, &dayResetAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate bucket: %w", err)
	}
	b.MinuteResetAt = parseTime(minuteResetAt)
	b.DayResetAt = parseTime(dayResetAt)
	return &b, nil
}

// PutRateBucket upserts the bucket row.
func (s *Store) PutRateBucket(ctx context.Context, b *RateBucket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_state (key_id, server_id, minute_count, minute_reset_at, day_count, day_reset_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (key_id, server_id) DO UPDATE SET
			minute_count = excluded.minute_count,
			minute_reset_at = excluded.minute_reset_at,
			day_count = excluded.day_count,
			day_reset_at = excluded.day_reset_at`,
		b.KeyID, b.ServerID, b.MinuteCount, formatTime(b.MinuteResetAt), b.DayCount, formatTime(b.DayResetAt))
	if err != nil {
		return fmt.Errorf("failed to put rate bucket: %w", err)
	}
	return nil
}

// DeleteRateBuckets removes all buckets for a server, used when a server's
// rate-limit registration is dropped.
func (s *Store) DeleteRateBuckets(ctx context.Context, serverID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_state WHERE server_id = ?`, serverID)
	if err != nil {
		return fmt.Errorf("failed to delete rate buckets: %w", err)
	}
	return nil
}
