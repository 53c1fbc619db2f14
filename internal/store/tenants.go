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
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/tombee/gantry/pkg/errors"
)

// CreateTenant inserts a new tenant.
func (s *Store) CreateTenant(ctx context.Context, t *Tenant) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Name, formatTime(now), formatTime(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return &errors.ConflictError{Resource: "tenant", Message: fmt.Sprintf("name %q already exists", t.Name)}
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

// GetTenant retrieves a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	var createdAt, updatedAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM tenants WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "tenant", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// ListTenants returns all tenants ordered by name.
func (s *Store) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at FROM tenants ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		var t Tenant
		var createdAt, updatedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		t.CreatedAt = parseTime(createdAt)
		t.UpdatedAt = parseTime(updatedAt)
		tenants = append(tenants, &t)
	}
	return tenants, rows.Err()
}

// DeleteTenant removes a tenant. Keys assigned to it are detached, not
// deleted.
func (s *Store) DeleteTenant(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.NotFoundError{Resource: "tenant", ID: id}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE api_keys SET tenant_id = NULL WHERE tenant_id = ?`, id); err != nil {
		return fmt.Errorf("failed to detach keys: %w", err)
	}

	return tx.Commit()
}

// HashAPIKey derives the stored hash of key material.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey inserts a new API key row. The caller supplies KeyHash (use
// HashAPIKey); raw key material never reaches the store.
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, tenant_id, name, key_hash, admin, enabled, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		k.ID, nullString(k.TenantID), k.Name, k.KeyHash, boolToInt(k.Admin), boolToInt(k.Enabled),
		formatTime(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return &errors.ConflictError{Resource: "api_key", Message: "key already exists"}
		}
		return fmt.Errorf("failed to create api key: %w", err)
	}
	k.CreatedAt = now
	return nil
}

// GetAPIKey retrieves a key row by id.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	return s.getAPIKey(ctx, `WHERE id = ?`, id)
}

// GetAPIKeyByHash retrieves a key row by its hash, for authentication.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	return s.getAPIKey(ctx, `WHERE key_hash = ?`, hash)
}

func (s *Store) getAPIKey(ctx context.Context, where string, arg any) (*APIKey, error) {
	var k APIKey
	var tenantID sql.NullString
	var admin, enabled int
	var createdAt, lastUsedAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, key_hash, admin, enabled, created_at, last_used_at FROM api_keys `+where, arg).
		Scan(&k.ID, &tenantID, &k.Name, &k.KeyHash, &admin, &enabled, &createdAt, &lastUsedAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "api_key", ID: fmt.Sprint(arg)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	k.TenantID = tenantID.String
	k.Admin = admin != 0
	k.Enabled = enabled != 0
	k.CreatedAt = parseTime(createdAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	return &k, nil
}

// ListAPIKeys returns all keys, optionally filtered by tenant.
func (s *Store) ListAPIKeys(ctx context.Context, tenantID string) ([]*APIKey, error) {
	query := `SELECT id, tenant_id, name, key_hash, admin, enabled, created_at, last_used_at FROM api_keys`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		var tid sql.NullString
		var admin, enabled int
		var createdAt, lastUsedAt sql.NullString
		if err := rows.Scan(&k.ID, &tid, &k.Name, &k.KeyHash, &admin, &enabled, &createdAt, &lastUsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		k.TenantID = tid.String
		k.Admin = admin != 0
		k.Enabled = enabled != 0
		k.CreatedAt = parseTime(createdAt)
		k.LastUsedAt = parseTime(lastUsedAt)
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// AssignKeyTenant moves a key into a tenant (or out, with empty tenantID).
func (s *Store) AssignKeyTenant(ctx context.Context, keyID, tenantID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET tenant_id = ? WHERE id = ?`, nullString(tenantID), keyID)
	if err != nil {
		return fmt.Errorf("failed to assign key tenant: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.NotFoundError{Resource: "api_key", ID: keyID}
	}
	return nil
}

// TouchAPIKey updates the key's last-used timestamp.
func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}

// DeleteAPIKey removes a key and its rate-limit buckets.
func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.NotFoundError{Resource: "api_key", ID: id}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM rate_limit_state WHERE key_id = ?`, id); err != nil {
		return fmt.Errorf("failed to cascade key delete: %w", err)
	}

	return tx.Commit()
}
