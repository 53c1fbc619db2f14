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

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tombee/gantry/internal/budget"
	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/workflow"
)

func (r *Router) registerWorkflowRoutes() {
	r.mux.HandleFunc("GET /v1/workflows", r.handleWorkflowList)
	r.mux.HandleFunc("POST /v1/workflows", r.audited("workflow.create", "workflow", r.handleWorkflowCreate))
	r.mux.HandleFunc("GET /v1/workflows/{id}", r.handleWorkflowGet)
	r.mux.HandleFunc("PUT /v1/workflows/{id}", r.audited("workflow.update", "workflow", r.handleWorkflowUpdate))
	r.mux.HandleFunc("DELETE /v1/workflows/{id}", r.audited("workflow.delete", "workflow", r.handleWorkflowDelete))
	r.mux.HandleFunc("POST /v1/workflows/{id}/execute", r.audited("workflow.execute", "workflow", r.handleWorkflowExecute))
	r.mux.HandleFunc("GET /v1/workflows/{id}/executions", r.handleExecutionList)

	r.mux.HandleFunc("GET /v1/executions/{id}", r.handleExecutionGet)
	r.mux.HandleFunc("POST /v1/executions/{id}/cancel", r.audited("execution.cancel", "execution", r.handleExecutionCancel))
}

// workflowView exposes a workflow row with its definition inlined.
type workflowView struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Definition  json.RawMessage `json:"definition"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

func workflowToView(w *store.Workflow) workflowView {
	return workflowView{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		Definition:  w.Definition,
		Enabled:     w.Enabled,
		CreatedAt:   w.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   w.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// executionView and stepView expose execution rows under stable JSON
// names.
type executionView struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      string          `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	TriggeredBy string          `json:"triggered_by,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

type stepView struct {
	ID          string          `json:"id"`
	Position    int             `json:"position"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	TokensUsed  int64           `json:"tokens_used,omitempty"`
	CostCredits float64         `json:"cost_credits,omitempty"`
	ModelName   string          `json:"model_name,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
}

func executionToView(e *store.Execution) executionView {
	v := executionView{
		ID:          e.ID,
		WorkflowID:  e.WorkflowID,
		Status:      e.Status,
		Input:       e.Input,
		Output:      e.Output,
		Error:       e.Error,
		TriggeredBy: e.TriggeredBy,
		StartedAt:   e.StartedAt,
	}
	if !e.CompletedAt.IsZero() {
		t := e.CompletedAt
		v.CompletedAt = &t
	}
	return v
}

func stepToView(s *store.ExecutionStep) stepView {
	return stepView{
		ID:          s.ID,
		Position:    s.Position,
		Name:        s.Name,
		Status:      s.Status,
		Input:       s.Input,
		Output:      s.Output,
		Error:       s.Error,
		RetryCount:  s.RetryCount,
		TokensUsed:  s.TokensUsed,
		CostCredits: s.CostCredits,
		ModelName:   s.ModelName,
		DurationMs:  s.DurationMs,
	}
}

func (r *Router) handleWorkflowList(w http.ResponseWriter, req *http.Request) {
	workflows, err := r.deps.Store.ListWorkflows(req.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]workflowView, 0, len(workflows))
	for _, wf := range workflows {
		views = append(views, workflowToView(wf))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": views})
}

func (r *Router) handleWorkflowCreate(w http.ResponseWriter, req *http.Request) {
	def, err := decodeDefinition(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	wf, err := r.deps.Engine.Create(req.Context(), def)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"workflow": workflowToView(wf)})
}

func (r *Router) handleWorkflowGet(w http.ResponseWriter, req *http.Request) {
	wf, err := r.deps.Store.GetWorkflow(req.Context(), req.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow": workflowToView(wf)})
}

func (r *Router) handleWorkflowUpdate(w http.ResponseWriter, req *http.Request) {
	def, err := decodeDefinition(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	wf, err := r.deps.Engine.Update(req.Context(), req.PathValue("id"), def)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow": workflowToView(wf)})
}

func (r *Router) handleWorkflowDelete(w http.ResponseWriter, req *http.Request) {
	if err := r.deps.Store.DeleteWorkflow(req.Context(), req.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeDefinition parses the request body as a workflow definition,
// rejecting unknown fields the same way the engine does.
func decodeDefinition(req *http.Request) (*workflow.Definition, error) {
	var raw json.RawMessage
	if err := decode(req, &raw); err != nil {
		return nil, err
	}
	return workflow.Parse(raw)
}

type executeRequest struct {
	Input map[string]any `json:"input,omitempty"`

	// Wait blocks the request until the execution finishes.
	Wait bool `json:"wait,omitempty"`
}

func (r *Router) handleWorkflowExecute(w http.ResponseWriter, req *http.Request) {
	var body executeRequest
	if err := decode(req, &body); err != nil {
		writeErr(w, err)
		return
	}

	caller := IdentityFrom(req.Context())
	exec, err := r.deps.Engine.Start(req.Context(), req.PathValue("id"), body.Input, budget.Identity{
		TenantID: caller.TenantID,
		KeyID:    caller.KeyID,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	if body.Wait {
		r.deps.Engine.Wait(exec.ID)
		final, err := r.deps.Store.GetExecution(req.Context(), exec.ID)
		if err != nil {
			writeErr(w, err)
			return
		}
		r.writeExecution(w, req, http.StatusOK, final)
		return
	}
	r.writeExecution(w, req, http.StatusAccepted, exec)
}

func (r *Router) handleExecutionList(w http.ResponseWriter, req *http.Request) {
	execs, err := r.deps.Store.ListExecutions(req.Context(), req.PathValue("id"),
		queryInt(req, "limit", 50), queryInt(req, "offset", 0))
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]executionView, 0, len(execs))
	for _, e := range execs {
		views = append(views, executionToView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": views})
}

func (r *Router) handleExecutionGet(w http.ResponseWriter, req *http.Request) {
	exec, err := r.deps.Store.GetExecution(req.Context(), req.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	r.writeExecution(w, req, http.StatusOK, exec)
}

// writeExecution renders an execution with its step records.
func (r *Router) writeExecution(w http.ResponseWriter, req *http.Request, status int, exec *store.Execution) {
	steps, err := r.deps.Store.ListExecutionSteps(req.Context(), exec.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	stepViews := make([]stepView, 0, len(steps))
	for _, s := range steps {
		stepViews = append(stepViews, stepToView(s))
	}
	writeJSON(w, status, map[string]any{"execution": executionToView(exec), "steps": stepViews})
}

func (r *Router) handleExecutionCancel(w http.ResponseWriter, req *http.Request) {
	if err := r.deps.Engine.Cancel(req.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}
