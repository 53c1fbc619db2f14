package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/gantry/internal/budget"
	"github.com/tombee/gantry/internal/cache"
	"github.com/tombee/gantry/internal/events"
	"github.com/tombee/gantry/internal/secrets"
	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

// Execution status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// DefaultExecutionTimeout bounds executions whose definition sets none.
const DefaultExecutionTimeout = 10 * time.Minute

// Engine owns workflow persistence and execution.
type Engine struct {
	store    *store.Store
	executor *Executor
	scanner  *secrets.Scanner
	budgets  *budget.Enforcer
	bus      *events.Bus
	logger   *slog.Logger

	defaultTimeout time.Duration

	mu      sync.Mutex
	running map[string]*execHandle
}

// execHandle tracks one in-flight execution.
type execHandle struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
}

// NewEngine creates an engine. Scanner, budgets, and bus may be nil,
// disabling that concern.
func NewEngine(st *store.Store, executor *Executor, scanner *secrets.Scanner, budgets *budget.Enforcer, bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:          st,
		executor:       executor,
		scanner:        scanner,
		budgets:        budgets,
		bus:            bus,
		logger:         logger,
		defaultTimeout: DefaultExecutionTimeout,
		running:        make(map[string]*execHandle),
	}
}

// WithDefaultTimeout overrides the engine's fallback execution timeout.
func (e *Engine) WithDefaultTimeout(d time.Duration) *Engine {
	if d > 0 {
		e.defaultTimeout = d
	}
	return e
}

// guard validates a definition and scans it for embedded secrets. A
// match aborts the save with the masked detections; it never strips
// silently. Detections are persisted so operators can triage later.
func (e *Engine) guard(ctx context.Context, def *Definition) error {
	if err := Validate(def); err != nil {
		return err
	}
	if e.scanner == nil {
		return nil
	}

	raw, err := def.Encode()
	if err != nil {
		return err
	}
	canonical := cache.Canonicalize(raw)
	detections := e.scanner.ScanJSON([]byte(canonical))
	if len(detections) == 0 {
		return nil
	}

	for _, d := range detections {
		rec := &store.Detection{
			ID:         uuid.NewString(),
			Provider:   d.Provider,
			Path:       d.Path,
			MaskedHint: d.MaskedValue,
			Source:     "workflow:" + def.Name,
			Severity:   d.Severity,
		}
		if err := e.store.InsertDetection(ctx, rec); err != nil {
			e.logger.Warn("failed to persist detection", "provider", d.Provider, "error", err)
		}
	}
	return &errors.SecretDetectedError{Detections: detections}
}

// Create validates, scans, and persists a new workflow.
func (e *Engine) Create(ctx context.Context, def *Definition) (*store.Workflow, error) {
	if err := e.guard(ctx, def); err != nil {
		return nil, err
	}
	raw, err := def.Encode()
	if err != nil {
		return nil, err
	}
	w := &store.Workflow{
		ID:          uuid.NewString(),
		Name:        def.Name,
		Description: def.Description,
		Definition:  raw,
		Enabled:     true,
	}
	if err := e.store.CreateWorkflow(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Update replaces an existing workflow's definition, applying the same
// validation and secret scan as Create.
func (e *Engine) Update(ctx context.Context, id string, def *Definition) (*store.Workflow, error) {
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.guard(ctx, def); err != nil {
		return nil, err
	}
	raw, err := def.Encode()
	if err != nil {
		return nil, err
	}
	w.Name = def.Name
	w.Description = def.Description
	w.Definition = raw
	if err := e.store.UpdateWorkflow(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Start admits and launches an execution, returning once the running
// row and its pending step rows are persisted. The run continues in the
// background; Wait blocks until it finishes.
func (e *Engine) Start(ctx context.Context, workflowID string, input map[string]any, identity budget.Identity) (*store.Execution, error) {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !w.Enabled {
		return nil, &errors.ConflictError{Resource: "workflow", Message: "workflow is disabled"}
	}
	def, err := Parse(w.Definition)
	if err != nil {
		return nil, err
	}

	identity.WorkflowID = w.ID
	if e.budgets != nil {
		if err := e.budgets.Admit(ctx, identity, 0); err != nil {
			return nil, err
		}
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, &errors.ValidationError{Field: "input", Message: "input is not serializable"}
	}

	exec := &store.Execution{
		ID:          uuid.NewString(),
		WorkflowID:  w.ID,
		Status:      StatusRunning,
		Input:       inputJSON,
		TriggeredBy: identity.KeyID,
		StartedAt:   time.Now(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	// First of the two step transactions: every step the definition can
	// reach goes in as pending.
	names := flattenSteps(def.Steps)
	pending := make([]*store.ExecutionStep, len(names))
	stepIDs := make(map[string]string, len(names))
	for i, name := range names {
		id := uuid.NewString()
		stepIDs[name] = id
		pending[i] = &store.ExecutionStep{
			ID:          id,
			ExecutionID: exec.ID,
			Position:    i,
			Name:        name,
			Status:      string(StepStatusPending),
		}
	}
	if err := e.store.InsertExecutionSteps(ctx, pending); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), e.timeoutFor(def))
	handle := &execHandle{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.running[exec.ID] = handle
	e.mu.Unlock()

	go e.run(runCtx, handle, exec, def, input, identity, pending, stepIDs)
	return exec, nil
}

func (e *Engine) timeoutFor(def *Definition) time.Duration {
	if t := def.Timeout(); t > 0 {
		return t
	}
	return e.defaultTimeout
}

// Wait blocks until the execution finishes. Unknown ids return
// immediately, since a missing handle means the run already completed.
func (e *Engine) Wait(executionID string) {
	e.mu.Lock()
	handle, ok := e.running[executionID]
	e.mu.Unlock()
	if ok {
		<-handle.done
	}
}

// Cancel stops an in-flight execution. The terminal status becomes
// cancelled once the run loop observes the cancellation.
func (e *Engine) Cancel(executionID string) error {
	e.mu.Lock()
	handle, ok := e.running[executionID]
	if ok {
		handle.cancelled = true
	}
	e.mu.Unlock()
	if !ok {
		return &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	handle.cancel()
	return nil
}

func (e *Engine) run(ctx context.Context, handle *execHandle, exec *store.Execution, def *Definition, input map[string]any, identity budget.Identity, pending []*store.ExecutionStep, stepIDs map[string]string) {
	defer func() {
		handle.cancel()
		e.mu.Lock()
		delete(e.running, exec.ID)
		e.mu.Unlock()
		close(handle.done)
	}()

	e.publish(events.KindWorkflowStarted, exec.ID, map[string]any{"workflow_id": exec.WorkflowID})
	e.logger.Info("workflow execution started",
		"execution_id", exec.ID, "workflow_id", exec.WorkflowID, "steps", len(pending))

	ec := NewContext(input)
	results, runErr := e.executor.Run(ctx, exec.ID, identity.KeyID, def.Steps, ec)

	// Second step transaction: terminal state for every row. Steps the
	// run never reached are skipped, or cancelled when the run was cut
	// short by cancellation or timeout.
	unreached := StepStatusSkipped
	if ctx.Err() != nil {
		unreached = StepStatusCancelled
	}
	final := make([]*store.ExecutionStep, 0, len(pending))
	var totalTokens int64
	var totalCost float64
	for _, p := range pending {
		st := &store.ExecutionStep{
			ID:          p.ID,
			ExecutionID: exec.ID,
			Position:    p.Position,
			Name:        p.Name,
			Status:      string(unreached),
		}
		if res, ok := results[p.Name]; ok {
			st.Status = string(res.Status)
			st.Input = res.Input
			st.Error = res.Error
			st.RetryCount = res.Attempts - 1
			st.TokensUsed = res.TokensUsed
			st.CostCredits = res.CostCredits
			st.ModelName = res.Model
			st.DurationMs = res.Duration().Milliseconds()
			st.StartedAt = res.StartedAt
			st.CompletedAt = res.CompletedAt
			if res.Output != nil {
				if raw, err := json.Marshal(res.Output); err == nil {
					st.Output = raw
				}
			}
			totalTokens += res.TokensUsed
			totalCost += res.CostCredits
		}
		final = append(final, st)
	}
	// Persistence runs on a fresh context: the execution context is
	// likely cancelled or expired by now.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.FinalizeExecutionSteps(persistCtx, final); err != nil {
		e.logger.Error("failed to finalize execution steps", "execution_id", exec.ID, "error", err)
	}

	if e.budgets != nil && totalCost > 0 {
		if err := e.budgets.Accrue(persistCtx, identity, totalCost); err != nil {
			e.logger.Warn("failed to accrue budget usage", "execution_id", exec.ID, "error", err)
		}
	}

	exec.CompletedAt = time.Now()
	snapshot := ec.Snapshot()
	if raw, err := json.Marshal(snapshot["steps"]); err == nil {
		exec.Output = raw
	}

	e.mu.Lock()
	wasCancelled := handle.cancelled
	e.mu.Unlock()

	switch {
	case runErr == nil:
		exec.Status = StatusCompleted
	case wasCancelled:
		exec.Status = StatusCancelled
		exec.Error = "execution cancelled"
	default:
		exec.Status = StatusFailed
		exec.Error = runErr.Error()
	}

	if err := e.store.UpdateExecution(persistCtx, exec); err != nil {
		e.logger.Error("failed to persist execution outcome", "execution_id", exec.ID, "error", err)
	}

	payload := map[string]any{
		"workflow_id":  exec.WorkflowID,
		"tokens_used":  totalTokens,
		"cost_credits": totalCost,
	}
	switch exec.Status {
	case StatusCompleted:
		e.publish(events.KindWorkflowCompleted, exec.ID, payload)
	case StatusCancelled:
		e.publish(events.KindWorkflowCancelled, exec.ID, payload)
	default:
		payload["error"] = exec.Error
		e.publish(events.KindWorkflowFailed, exec.ID, payload)
	}
	e.logger.Info("workflow execution finished",
		"execution_id", exec.ID, "status", exec.Status,
		"tokens", totalTokens, "cost", totalCost)
}

func (e *Engine) publish(kind, executionID string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	body := map[string]any{"execution_id": executionID}
	for k, v := range payload {
		body[k] = v
	}
	e.bus.Publish(kind, "", body)
}

// flattenSteps lists every step name the definition can reach, in
// pre-order: a step, then its then/else branches, then its parallel
// children.
func flattenSteps(steps []Step) []string {
	var names []string
	var walk func([]Step)
	walk = func(list []Step) {
		for i := range list {
			s := &list[i]
			names = append(names, s.Name)
			walk(s.Then)
			walk(s.Else)
			walk(s.Steps)
		}
	}
	walk(steps)
	return names
}
