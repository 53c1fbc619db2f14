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

// InsertAudit appends an audit log entry.
func (s *Store) InsertAudit(ctx context.Context, e *AuditEntry) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, key_id, tenant_id, resource_type, resource_id, duration_ms, success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, nullString(e.KeyID), nullString(e.TenantID), e.ResourceType,
		nullString(e.ResourceID), e.DurationMs, boolToInt(e.Success), nullString(e.Error), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	e.CreatedAt = now
	return nil
}

// ListAudit returns audit entries newest first, optionally filtered by
// action prefix (for example "server." matches server.create and
// server.delete).
func (s *Store) ListAudit(ctx context.Context, actionPrefix string, limit, offset int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, action, key_id, tenant_id, resource_type, resource_id, duration_ms, success, error, created_at
		FROM audit_log`
	args := []any{}
	if actionPrefix != "" {
		query += ` WHERE action LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(actionPrefix)+"%")
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var keyID, tenantID, resourceID, errStr, createdAt sql.NullString
		var success int
		if err := rows.Scan(&e.ID, &e.Action, &keyID, &tenantID, &e.ResourceType,
			&resourceID, &e.DurationMs, &success, &errStr, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.KeyID = keyID.String
		e.TenantID = tenantID.String
		e.ResourceID = resourceID.String
		e.Success = success != 0
		e.Error = errStr.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// PruneAudit deletes audit entries older than the cutoff.
func (s *Store) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE created_at < ?`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
