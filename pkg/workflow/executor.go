package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tombee/gantry/internal/events"
	"github.com/tombee/gantry/internal/pool"
	"github.com/tombee/gantry/internal/pricing"
	"github.com/tombee/gantry/internal/router"
	"github.com/tombee/gantry/internal/tracing"
	"github.com/tombee/gantry/pkg/errors"
	"github.com/tombee/gantry/pkg/workflow/expression"
)

// StepStatus is the lifecycle state of one step within an execution.
type StepStatus string

const (
	// StepStatusPending is recorded before execution starts.
	StepStatusPending StepStatus = "pending"
	// StepStatusCompleted marks a successful step.
	StepStatusCompleted StepStatus = "completed"
	// StepStatusFailed marks a step whose attempts were exhausted.
	StepStatusFailed StepStatus = "failed"
	// StepStatusSkipped marks a step in an untaken branch or after an
	// aborting failure.
	StepStatusSkipped StepStatus = "skipped"
	// StepStatusCancelled marks a step never started because the
	// execution was cancelled or timed out first.
	StepStatusCancelled StepStatus = "cancelled"
)

// StepResult is the outcome of one executed step.
type StepResult struct {
	// Name is the step name
	Name string

	// Status is completed, failed, or skipped
	Status StepStatus

	// Input is the interpolated step input, serialized
	Input []byte

	// Output is the step's result value
	Output any

	// Error is the failure message, for failed steps
	Error string

	// Attempts counts how many times the step ran
	Attempts int

	// TokensUsed, CostCredits, and Model carry step telemetry when the
	// backend reported token usage
	TokensUsed  int64
	CostCredits float64
	Model       string

	StartedAt   time.Time
	CompletedAt time.Time
}

// Duration is the step's wall-clock time.
func (r *StepResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Backend is what the executor invokes; the router satisfies it.
type Backend interface {
	Invoke(ctx context.Context, req router.InvokeRequest) (*router.InvokeResult, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*pool.PromptResponse, error)
	ReadResource(ctx context.Context, name string) (*pool.ResourceReadResponse, error)
}

// DefaultParallelConcurrency caps concurrent children of a parallel
// step when no override is configured.
const DefaultParallelConcurrency = 4

// Executor runs a definition's steps against a backend.
type Executor struct {
	backend Backend
	eval    *expression.Evaluator
	rates   *pricing.Table
	bus     *events.Bus
	logger  *slog.Logger

	parallelSem chan struct{}

	// sleep is swappable so retry backoff is testable.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor. The bus may be nil.
func NewExecutor(backend Backend, bus *events.Bus, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		backend:     backend,
		eval:        expression.New(),
		rates:       pricing.NewTable(),
		bus:         bus,
		logger:      logger,
		parallelSem: make(chan struct{}, DefaultParallelConcurrency),
		sleep:       sleepCtx,
	}
}

// WithRates sets a custom pricing table.
func (e *Executor) WithRates(t *pricing.Table) *Executor {
	e.rates = t
	return e
}

// WithParallelConcurrency caps concurrent parallel children.
func (e *Executor) WithParallelConcurrency(max int) *Executor {
	if max <= 0 {
		max = DefaultParallelConcurrency
	}
	e.parallelSem = make(chan struct{}, max)
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// run carries per-execution state through the step tree.
type run struct {
	executionID string
	keyID       string
	ec          *Context

	mu      sync.Mutex
	results map[string]*StepResult
}

func (r *run) record(res *StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.Name] = res
}

// Run executes the steps in order. It returns every executed step's
// result keyed by name; steps it never reached are absent. The error is
// the failure that aborted the execution, nil when all steps ran to
// completion (including failures tolerated by on_error continue).
func (e *Executor) Run(ctx context.Context, executionID, keyID string, steps []Step, ec *Context) (map[string]*StepResult, error) {
	r := &run{
		executionID: executionID,
		keyID:       keyID,
		ec:          ec,
		results:     make(map[string]*StepResult),
	}
	err := e.runSteps(ctx, r, steps)
	return r.results, err
}

func (e *Executor) runSteps(ctx context.Context, r *run, steps []Step) error {
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.runStep(ctx, r, &steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runStep(ctx context.Context, r *run, s *Step) (err error) {
	ctx, span := tracing.Start(ctx, "workflow.step",
		attribute.String("step", s.Name),
		attribute.String("kind", string(s.Kind)),
	)
	defer func() { tracing.End(span, err) }()

	if s.Condition != "" {
		verdict, gerr := e.eval.Evaluate(s.Condition, r.ec.Snapshot())
		if gerr != nil {
			now := time.Now()
			res := &StepResult{
				Name: s.Name, Status: StepStatusFailed,
				Error: gerr.Error(), Attempts: 1,
				StartedAt: now, CompletedAt: now,
			}
			r.record(res)
			r.ec.RecordError(s.Name, res.Error)
			e.publishStep(events.KindStepFailed, r, s.Name, map[string]any{"error": res.Error})
			if s.OnError == OnErrorContinue {
				return nil
			}
			return gerr
		}
		if !verdict {
			now := time.Now()
			r.record(&StepResult{
				Name: s.Name, Status: StepStatusSkipped,
				StartedAt: now, CompletedAt: now,
			})
			return nil
		}
	}

	switch s.Kind {
	case StepCondition:
		return e.runCondition(ctx, r, s)
	case StepParallel:
		return e.runParallel(ctx, r, s)
	default:
		return e.runLeaf(ctx, r, s)
	}
}

// runCondition evaluates the expression and runs the chosen branch.
// The condition step itself records the branch decision as output.
func (e *Executor) runCondition(ctx context.Context, r *run, s *Step) error {
	started := time.Now()
	e.publishStep(events.KindStepStarted, r, s.Name, nil)

	verdict, err := e.eval.Evaluate(s.Expression, r.ec.Snapshot())
	if err != nil {
		res := &StepResult{
			Name: s.Name, Status: StepStatusFailed,
			Error: err.Error(), Attempts: 1,
			StartedAt: started, CompletedAt: time.Now(),
		}
		r.record(res)
		r.ec.RecordError(s.Name, res.Error)
		e.publishStep(events.KindStepFailed, r, s.Name, map[string]any{"error": res.Error})
		if s.OnError == OnErrorContinue {
			return nil
		}
		return err
	}

	res := &StepResult{
		Name: s.Name, Status: StepStatusCompleted,
		Output: map[string]any{"result": verdict}, Attempts: 1,
		StartedAt: started, CompletedAt: time.Now(),
	}
	r.record(res)
	r.ec.RecordOutput(s.Name, res.Output)
	e.publishStep(events.KindStepCompleted, r, s.Name, map[string]any{"result": verdict})

	if verdict {
		return e.runSteps(ctx, r, s.Then)
	}
	return e.runSteps(ctx, r, s.Else)
}

// runParallel fans the children out. A failing child does not cancel
// its siblings unless the parent's policy is stop, in which case the
// shared context is cancelled and the first failure propagates.
func (e *Executor) runParallel(ctx context.Context, r *run, s *Step) error {
	started := time.Now()
	e.publishStep(events.KindStepStarted, r, s.Name, nil)

	childCtx := ctx
	var cancel context.CancelFunc
	stopOnFailure := s.OnError == "" || s.OnError == OnErrorStop
	if stopOnFailure {
		childCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	var wg sync.WaitGroup
	errs := make([]error, len(s.Steps))
	for i := range s.Steps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.parallelSem <- struct{}{}
			defer func() { <-e.parallelSem }()

			if err := e.runStep(childCtx, r, &s.Steps[i]); err != nil {
				errs[i] = err
				if stopOnFailure {
					cancel()
				}
			}
		}()
	}
	wg.Wait()

	var firstErr error
	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	res := &StepResult{
		Name:      s.Name,
		Attempts:  1,
		Output:    map[string]any{"children": len(s.Steps), "failed": failed},
		StartedAt: started, CompletedAt: time.Now(),
	}
	if firstErr != nil && stopOnFailure {
		res.Status = StepStatusFailed
		res.Error = firstErr.Error()
		r.record(res)
		r.ec.RecordError(s.Name, res.Error)
		e.publishStep(events.KindStepFailed, r, s.Name, map[string]any{"error": res.Error})
		return firstErr
	}
	res.Status = StepStatusCompleted
	r.record(res)
	r.ec.RecordOutput(s.Name, res.Output)
	e.publishStep(events.KindStepCompleted, r, s.Name, nil)
	return nil
}

// runLeaf executes a tool, prompt, or resource step with the retry
// policy.
func (e *Executor) runLeaf(ctx context.Context, r *run, s *Step) error {
	started := time.Now()
	e.publishStep(events.KindStepStarted, r, s.Name, nil)

	res := &StepResult{Name: s.Name, StartedAt: started}

	attempts := s.Retry.attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := s.Retry.Backoff(attempt)
			// Rate and circuit rejections know when retrying becomes
			// worthwhile; honor their hint over the configured backoff.
			if hint, ok := retryAfter(lastErr); ok && hint > delay {
				delay = hint
			}
			if err := e.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		res.Attempts = attempt

		output, input, err := e.dispatch(ctx, r, s)
		if input != nil {
			res.Input = input
		}
		if err == nil {
			res.Status = StepStatusCompleted
			res.Output = output
			res.CompletedAt = time.Now()
			e.extractTelemetry(res)
			r.record(res)
			r.ec.RecordOutput(s.Name, output)
			e.publishStep(events.KindStepCompleted, r, s.Name, map[string]any{
				"attempts": attempt,
			})
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	res.Status = StepStatusFailed
	res.Error = lastErr.Error()
	res.CompletedAt = time.Now()
	r.record(res)
	r.ec.RecordError(s.Name, res.Error)
	e.logger.Warn("workflow step failed",
		"execution_id", r.executionID, "step", s.Name,
		"attempts", res.Attempts, "error", lastErr)
	e.publishStep(events.KindStepFailed, r, s.Name, map[string]any{
		"error":    res.Error,
		"attempts": res.Attempts,
	})

	if s.OnError == OnErrorContinue && ctx.Err() == nil {
		return nil
	}
	return lastErr
}

// dispatch performs one attempt of a leaf step. It returns the step
// output and the serialized interpolated input.
func (e *Executor) dispatch(ctx context.Context, r *run, s *Step) (any, []byte, error) {
	snapshot := r.ec.Snapshot()

	switch s.Kind {
	case StepTool:
		params, err := InterpolateParams(s.Params, snapshot)
		if err != nil {
			return nil, nil, err
		}
		input, _ := json.Marshal(params)
		result, err := e.backend.Invoke(ctx, router.InvokeRequest{
			Tool:      s.Tool,
			Arguments: params,
			KeyID:     r.keyID,
			CacheTTL:  time.Duration(s.CacheTTLMs) * time.Millisecond,
			Timeout:   time.Duration(s.TimeoutMs) * time.Millisecond,
		})
		if err != nil {
			return nil, input, err
		}
		if result.IsError {
			return nil, input, &errors.UpstreamError{
				ServerID: result.ServerID,
				Tool:     result.Tool,
				Message:  contentText(result.Content),
			}
		}
		return toolOutput(result), input, nil

	case StepPrompt:
		args, err := InterpolateArgs(s.Args, snapshot)
		if err != nil {
			return nil, nil, err
		}
		input, _ := json.Marshal(args)
		resp, err := e.backend.GetPrompt(ctx, s.Prompt, args)
		if err != nil {
			return nil, input, err
		}
		return promptOutput(resp), input, nil

	case StepResource:
		resp, err := e.backend.ReadResource(ctx, s.Resource)
		if err != nil {
			return nil, nil, err
		}
		return resourceOutput(resp), nil, nil

	default:
		return nil, nil, &errors.InternalError{Message: fmt.Sprintf("unexpected step kind %q", s.Kind)}
	}
}

// toolOutput shapes an invoke result for the execution context.
func toolOutput(result *router.InvokeResult) map[string]any {
	out := map[string]any{
		"text":   contentText(result.Content),
		"cached": result.Cached,
		"server": result.ServerID,
	}
	// Structured tool responses become addressable fields.
	var structured any
	if text := contentText(result.Content); text != "" {
		if err := json.Unmarshal([]byte(text), &structured); err == nil {
			out["data"] = structured
		}
	}
	return out
}

func promptOutput(resp *pool.PromptResponse) map[string]any {
	messages := make([]map[string]any, len(resp.Messages))
	for i, m := range resp.Messages {
		messages[i] = map[string]any{"role": m.Role, "text": m.Content.Text}
	}
	return map[string]any{"description": resp.Description, "messages": messages}
}

func resourceOutput(resp *pool.ResourceReadResponse) map[string]any {
	contents := make([]map[string]any, len(resp.Contents))
	var text string
	for i, c := range resp.Contents {
		contents[i] = map[string]any{"uri": c.URI, "mime_type": c.MimeType, "text": c.Text, "blob": c.Blob}
		if text == "" {
			text = c.Text
		}
	}
	return map[string]any{"text": text, "contents": contents}
}

// contentText concatenates text content items.
func contentText(items []pool.ContentItem) string {
	var out string
	for _, item := range items {
		if item.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += item.Text
		}
	}
	return out
}

// extractTelemetry pulls token usage and cost out of a completed step's
// output when the backend reported it.
func (e *Executor) extractTelemetry(res *StepResult) {
	out, ok := res.Output.(map[string]any)
	if !ok {
		return
	}
	text, _ := out["text"].(string)
	if text == "" {
		return
	}
	usage, ok := pricing.ExtractUsage([]byte(text))
	if !ok {
		return
	}
	res.TokensUsed = usage.Total()
	res.Model = usage.Model
	res.CostCredits = e.rates.Cost(usage)
}

// retryAfter extracts a retry-after hint from rate and circuit errors.
func retryAfter(err error) (time.Duration, bool) {
	var rate *errors.RateLimitedError
	if errors.As(err, &rate) {
		return rate.RetryAfter(), true
	}
	var open *errors.CircuitOpenError
	if errors.As(err, &open) {
		return open.RetryAfter(), true
	}
	return 0, false
}

func (e *Executor) publishStep(kind string, r *run, step string, extra map[string]any) {
	if e.bus == nil {
		return
	}
	payload := map[string]any{
		"execution_id": r.executionID,
		"step":         step,
	}
	for k, v := range extra {
		payload[k] = v
	}
	e.bus.Publish(kind, "", payload)
}
