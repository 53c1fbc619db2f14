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

// CreateExecution inserts a new execution row.
func (s *Store) CreateExecution(ctx context.Context, e *Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (id, workflow_id, status, input, output, error, triggered_by, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkflowID, e.Status, nullString(string(e.Input)), nullString(string(e.Output)),
		nullString(e.Error), nullString(e.TriggeredBy), nullTime(e.StartedAt), nullTime(e.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// UpdateExecution writes the execution's current status, output, and error.
// Terminal statuses are write-once: a completed, failed, or cancelled row is
// never overwritten.
func (s *Store) UpdateExecution(ctx context.Context, e *Execution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions SET status = ?, output = ?, error = ?, completed_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		e.Status, nullString(string(e.Output)), nullString(e.Error), nullTime(e.CompletedAt), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.ConflictError{Resource: "execution", Message: "execution is already terminal or missing"}
	}
	return nil
}

// GetExecution retrieves an execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var e Execution
	var input, output, errStr, triggeredBy sql.NullString
	var startedAt, completedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, status, input, output, error, triggered_by, started_at, completed_at
		FROM workflow_executions WHERE id = ?`, id).
		Scan(&e.ID, &e.WorkflowID, &e.Status, &input, &output, &errStr, &triggeredBy, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	e.Input = []byte(input.String)
	e.Output = []byte(output.String)
	e.Error = errStr.String
	e.TriggeredBy = triggeredBy.String
	e.StartedAt = parseTime(startedAt)
	e.CompletedAt = parseTime(completedAt)
	return &e, nil
}

// ListExecutions returns executions for a workflow, newest first.
func (s *Store) ListExecutions(ctx context.Context, workflowID string, limit, offset int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, status, input, output, error, triggered_by, started_at, completed_at
		FROM workflow_executions WHERE workflow_id = ?
		ORDER BY started_at DESC LIMIT ? OFFSET ?`, workflowID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		var e Execution
		var input, output, errStr, triggeredBy sql.NullString
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.Status, &input, &output, &errStr, &triggeredBy, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.Input = []byte(input.String)
		e.Output = []byte(output.String)
		e.Error = errStr.String
		e.TriggeredBy = triggeredBy.String
		e.StartedAt = parseTime(startedAt)
		e.CompletedAt = parseTime(completedAt)
		executions = append(executions, &e)
	}
	return executions, rows.Err()
}

// InsertExecutionSteps inserts every step row for an execution in a single
// transaction. The engine calls this once before running the first step;
// together with FinalizeExecutionSteps this bounds persistence at two
// transactions per execution regardless of step count.
func (s *Store) InsertExecutionSteps(ctx context.Context, steps []*ExecutionStep) error {
	if len(steps) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin step insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO workflow_execution_steps (id, execution_id, position, name, status, input, output, error,
			retry_count, tokens_used, cost_credits, model_name, duration_ms, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare step insert: %w", err)
	}
	defer stmt.Close()

	for _, st := range steps {
		_, err := stmt.ExecContext(ctx,
			st.ID, st.ExecutionID, st.Position, st.Name, st.Status,
			nullString(string(st.Input)), nullString(string(st.Output)), nullString(st.Error),
			st.RetryCount, st.TokensUsed, st.CostCredits, nullString(st.ModelName), st.DurationMs,
			nullTime(st.StartedAt), nullTime(st.CompletedAt))
		if err != nil {
			return fmt.Errorf("failed to insert step %s: %w", st.Name, err)
		}
	}

	return tx.Commit()
}

// FinalizeExecutionSteps writes the terminal state of every step in a single
// transaction.
func (s *Store) FinalizeExecutionSteps(ctx context.Context, steps []*ExecutionStep) error {
	if len(steps) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin step finalize: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE workflow_execution_steps SET status = ?, input = ?, output = ?, error = ?,
			retry_count = ?, tokens_used = ?, cost_credits = ?, model_name = ?, duration_ms = ?,
			started_at = ?, completed_at = ?
		WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare step finalize: %w", err)
	}
	defer stmt.Close()

	for _, st := range steps {
		_, err := stmt.ExecContext(ctx,
			st.Status, nullString(string(st.Input)), nullString(string(st.Output)), nullString(st.Error),
			st.RetryCount, st.TokensUsed, st.CostCredits, nullString(st.ModelName), st.DurationMs,
			nullTime(st.StartedAt), nullTime(st.CompletedAt), st.ID)
		if err != nil {
			return fmt.Errorf("failed to finalize step %s: %w", st.Name, err)
		}
	}

	return tx.Commit()
}

// ListExecutionSteps returns the step records for an execution in position
// order.
func (s *Store) ListExecutionSteps(ctx context.Context, executionID string) ([]*ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, position, name, status, input, output, error,
			retry_count, tokens_used, cost_credits, model_name, duration_ms, started_at, completed_at
		FROM workflow_execution_steps WHERE execution_id = ? ORDER BY position`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution steps: %w", err)
	}
	defer rows.Close()

	var steps []*ExecutionStep
	for rows.Next() {
		var st ExecutionStep
		var input, output, errStr, modelName sql.NullString
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&st.ID, &st.ExecutionID, &st.Position, &st.Name, &st.Status,
			&input, &output, &errStr, &st.RetryCount, &st.TokensUsed, &st.CostCredits,
			&modelName, &st.DurationMs, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution step: %w", err)
		}
		st.Input = []byte(input.String)
		st.Output = []byte(output.String)
		st.Error = errStr.String
		st.ModelName = modelName.String
		st.StartedAt = parseTime(startedAt)
		st.CompletedAt = parseTime(completedAt)
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}

// CancelPendingExecutions marks executions stuck in pending or running as
// failed; called at boot to clean up after an unclean shutdown.
func (s *Store) CancelPendingExecutions(ctx context.Context) (int64, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions SET status = 'failed', error = 'interrupted by shutdown', completed_at = ?
		WHERE status IN ('pending', 'running')`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
