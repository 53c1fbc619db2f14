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
	"strings"
	"time"

	"github.com/tombee/gantry/pkg/errors"
)

// CreateWorkflow inserts a workflow definition.
func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, description, definition, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, nullString(w.Description), string(w.Definition), boolToInt(w.Enabled),
		formatTime(now), formatTime(now))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return &errors.ConflictError{Resource: "workflow", Message: fmt.Sprintf("name %q already exists", w.Name)}
		}
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	w.CreatedAt = now
	w.UpdatedAt = now
	return nil
}

// GetWorkflow retrieves a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return s.getWorkflow(ctx, `WHERE id = ?`, id)
}

// GetWorkflowByName retrieves a workflow by its unique name.
func (s *Store) GetWorkflowByName(ctx context.Context, name string) (*Workflow, error) {
	return s.getWorkflow(ctx, `WHERE name = ?`, name)
}

func (s *Store) getWorkflow(ctx context.Context, where string, arg any) (*Workflow, error) {
	var w Workflow
	var description sql.NullString
	var definition string
	var enabled int
	var createdAt, updatedAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, definition, enabled, created_at, updated_at FROM workflows `+where, arg).
		Scan(&w.ID, &w.Name, &description, &definition, &enabled, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: fmt.Sprint(arg)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	w.Description = description.String
	w.Definition = []byte(definition)
	w.Enabled = enabled != 0
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}

// ListWorkflows returns all workflows ordered by name.
func (s *Store) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, definition, enabled, created_at, updated_at FROM workflows ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		var w Workflow
		var description sql.NullString
		var definition string
		var enabled int
		var createdAt, updatedAt sql.NullString
		if err := rows.Scan(&w.ID, &w.Name, &description, &definition, &enabled, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		w.Description = description.String
		w.Definition = []byte(definition)
		w.Enabled = enabled != 0
		w.CreatedAt = parseTime(createdAt)
		w.UpdatedAt = parseTime(updatedAt)
		workflows = append(workflows, &w)
	}
	return workflows, rows.Err()
}

// UpdateWorkflow persists changes to an existing workflow.
func (s *Store) UpdateWorkflow(ctx context.Context, w *Workflow) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET name = ?, description = ?, definition = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		w.Name, nullString(w.Description), string(w.Definition), boolToInt(w.Enabled),
		formatTime(now), w.ID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return &errors.ConflictError{Resource: "workflow", Message: fmt.Sprintf("name %q already exists", w.Name)}
		}
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: w.ID}
	}
	w.UpdatedAt = now
	return nil
}

// DeleteWorkflow removes a workflow; executions cascade via foreign key.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return nil
}
