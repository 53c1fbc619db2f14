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
)

// CacheGet loads a durable cache row by key. Expired rows are treated as
// misses and deleted in passing.
func (s *Store) CacheGet(ctx context.Context, key string) (*CacheRow, error) {
	var r CacheRow
	var createdAt, expiresAt, lastHitAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT key, type, server_id, name, response, ttl_ms, created_at, expires_at, hit_count, last_hit_at
		FROM response_cache WHERE key = ?`, key).
		Scan(&r.Key, &r.Type, &r.ServerID, &r.Name, &r.Response, &r.TTLMs, &createdAt, &expiresAt, &r.HitCount, &lastHitAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	r.CreatedAt = parseTime(createdAt)
	r.ExpiresAt = parseTime(expiresAt)
	r.LastHitAt = parseTime(lastHitAt)

	if !r.ExpiresAt.After(time.Now()) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM response_cache WHERE key = ?`, key)
		return nil, nil
	}

	return &r, nil
}

// CachePut upserts a durable cache row.
func (s *Store) CachePut(ctx context.Context, r *CacheRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO response_cache (key, type, server_id, name, response, ttl_ms, created_at, expires_at, hit_count, last_hit_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			response = excluded.response,
			ttl_ms = excluded.ttl_ms,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			hit_count = 0,
			last_hit_at = NULL`,
		r.Key, r.Type, r.ServerID, r.Name, r.Response, r.TTLMs,
		formatTime(r.CreatedAt), formatTime(r.ExpiresAt), r.HitCount, nullTime(r.LastHitAt))
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// CacheRecordHit increments the hit counter and stamps last_hit_at.
func (s *Store) CacheRecordHit(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE response_cache SET hit_count = hit_count + 1, last_hit_at = ? WHERE key = ?`,
		formatTime(time.Now()), key)
	if err != nil {
		return fmt.Errorf("failed to record cache hit: %w", err)
	}
	return nil
}

// CacheInvalidate purges durable rows by server id, by type, or
// unconditionally when both filters are empty.
func (s *Store) CacheInvalidate(ctx context.Context, serverID, entryType string) (int64, error) {
	query := `DELETE FROM response_cache`
	var conds []string
	var args []any
	if serverID != "" {
		conds = append(conds, `server_id = ?`)
		args = append(args, serverID)
	}
	if entryType != "" {
		conds = append(conds, `type = ?`)
		args = append(args, entryType)
	}
	for i, c := range conds {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CachePurgeExpired removes rows whose expiry has passed.
func (s *Store) CachePurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM response_cache WHERE expires_at <= ?`, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
