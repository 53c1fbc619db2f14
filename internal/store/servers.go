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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tombee/gantry/pkg/errors"
)

// CreateServer inserts a new server config. Names are unique
// case-sensitively; a duplicate returns a ConflictError.
func (s *Store) CreateServer(ctx context.Context, srv *Server) error {
	if srv.RateLimit != nil && (srv.RateLimit.PerMinute < 0 || srv.RateLimit.PerDay < 0) {
		return &errors.ValidationError{Field: "rate_limit", Message: "limits must be non-negative"}
	}

	transport, auth, health, rate, tags, err := marshalServerColumns(srv)
	if err != nil {
		return err
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO servers (id, name, description, transport, auth, health_check, rate_limit, tags, category, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		srv.ID, srv.Name, nullString(srv.Description), transport, auth, health,
		nullString(rate), nullString(tags), nullString(srv.Category), boolToInt(srv.Enabled),
		formatTime(now), formatTime(now),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return &errors.ConflictError{Resource: "server", Message: fmt.Sprintf("name %q already exists", srv.Name)}
		}
		return fmt.Errorf("failed to create server: %w", err)
	}

	srv.CreatedAt = now
	srv.UpdatedAt = now
	return nil
}

// GetServer retrieves a server by id.
func (s *Store) GetServer(ctx context.Context, id string) (*Server, error) {
	return s.getServer(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
}

// GetServerByName retrieves a server by its unique name.
func (s *Store) GetServerByName(ctx context.Context, name string) (*Server, error) {
	return s.getServer(ctx, `SELECT `+serverColumns+` FROM servers WHERE name = ?`, name)
}

// ListServers returns all servers ordered by name.
func (s *Store) ListServers(ctx context.Context) ([]*Server, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var servers []*Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// UpdateServer persists changes to an existing server.
func (s *Store) UpdateServer(ctx context.Context, srv *Server) error {
	if srv.RateLimit != nil && (srv.RateLimit.PerMinute < 0 || srv.RateLimit.PerDay < 0) {
		return &errors.ValidationError{Field: "rate_limit", Message: "limits must be non-negative"}
	}

	transport, auth, health, rate, tags, err := marshalServerColumns(srv)
	if err != nil {
		return err
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE servers SET name = ?, description = ?, transport = ?, auth = ?, health_check = ?,
			rate_limit = ?, tags = ?, category = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		srv.Name, nullString(srv.Description), transport, auth, health,
		nullString(rate), nullString(tags), nullString(srv.Category), boolToInt(srv.Enabled),
		formatTime(now), srv.ID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return &errors.ConflictError{Resource: "server", Message: fmt.Sprintf("name %q already exists", srv.Name)}
		}
		return fmt.Errorf("failed to update server: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.NotFoundError{Resource: "server", ID: srv.ID}
	}

	srv.UpdatedAt = now
	return nil
}

// DeleteServer removes a server and cascades its routing state: rate-limit
// buckets, cache entries, and circuit state keyed by the server id.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.NotFoundError{Resource: "server", ID: id}
	}

	cascades := []string{
		`DELETE FROM rate_limit_state WHERE server_id = ?`,
		`DELETE FROM response_cache WHERE server_id = ?`,
		`DELETE FROM circuit_breaker_state WHERE server_id = ?`,
		`DELETE FROM semantic_embeddings WHERE server_id = ?`,
	}
	for _, q := range cascades {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to cascade server delete: %w", err)
		}
	}

	return tx.Commit()
}

const serverColumns = `id, name, description, transport, auth, health_check, rate_limit, tags, category, enabled, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) getServer(ctx context.Context, query string, arg any) (*Server, error) {
	srv, err := scanServer(s.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "server", ID: fmt.Sprint(arg)}
	}
	if err != nil {
		return nil, err
	}
	return srv, nil
}

func scanServer(row rowScanner) (*Server, error) {
	var srv Server
	var description, rateJSON, tagsJSON, category sql.NullString
	var transportJSON, authJSON, healthJSON string
	var enabled int
	var createdAt, updatedAt sql.NullString

	err := row.Scan(&srv.ID, &srv.Name, &description, &transportJSON, &authJSON, &healthJSON,
		&rateJSON, &tagsJSON, &category, &enabled, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan server: %w", err)
	}

	srv.Description = description.String
	srv.Category = category.String
	srv.Enabled = enabled != 0
	srv.CreatedAt = parseTime(createdAt)
	srv.UpdatedAt = parseTime(updatedAt)

	if err := json.Unmarshal([]byte(transportJSON), &srv.Transport); err != nil {
		return nil, fmt.Errorf("failed to parse transport config: %w", err)
	}
	if err := json.Unmarshal([]byte(authJSON), &srv.Auth); err != nil {
		return nil, fmt.Errorf("failed to parse auth config: %w", err)
	}
	if err := json.Unmarshal([]byte(healthJSON), &srv.HealthCheck); err != nil {
		return nil, fmt.Errorf("failed to parse health check config: %w", err)
	}
	if rateJSON.Valid && rateJSON.String != "" {
		srv.RateLimit = &RateLimitPolicy{}
		if err := json.Unmarshal([]byte(rateJSON.String), srv.RateLimit); err != nil {
			return nil, fmt.Errorf("failed to parse rate limit config: %w", err)
		}
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &srv.Tags); err != nil {
			return nil, fmt.Errorf("failed to parse tags: %w", err)
		}
	}

	return &srv, nil
}

func marshalServerColumns(srv *Server) (transport, auth, health, rate, tags string, err error) {
	tb, err := json.Marshal(srv.Transport)
	if err != nil {
		return "", "", "", "", "", fmt.Errorf("failed to marshal transport: %w", err)
	}
	ab, err := json.Marshal(srv.Auth)
	if err != nil {
		return "", "", "", "", "", fmt.Errorf("failed to marshal auth: %w", err)
	}
	hb, err := json.Marshal(srv.HealthCheck)
	if err != nil {
		return "", "", "", "", "", fmt.Errorf("failed to marshal health check: %w", err)
	}
	if srv.RateLimit != nil {
		rb, err := json.Marshal(srv.RateLimit)
		if err != nil {
			return "", "", "", "", "", fmt.Errorf("failed to marshal rate limit: %w", err)
		}
		rate = string(rb)
	}
	if len(srv.Tags) > 0 {
		gb, err := json.Marshal(srv.Tags)
		if err != nil {
			return "", "", "", "", "", fmt.Errorf("failed to marshal tags: %w", err)
		}
		tags = string(gb)
	}
	return string(tb), string(ab), string(hb), rate, tags, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
