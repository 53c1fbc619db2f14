package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/gantry/internal/events"
	"github.com/tombee/gantry/internal/pool"
	"github.com/tombee/gantry/internal/router"
	"github.com/tombee/gantry/pkg/errors"
)

// scriptedBackend routes invocations to per-tool handlers.
type scriptedBackend struct {
	mu       sync.Mutex
	calls    []string
	handlers map[string]func(req router.InvokeRequest) (*router.InvokeResult, error)
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{handlers: make(map[string]func(req router.InvokeRequest) (*router.InvokeResult, error))}
}

func (b *scriptedBackend) on(tool string, fn func(req router.InvokeRequest) (*router.InvokeResult, error)) {
	b.handlers[tool] = fn
}

func (b *scriptedBackend) onText(tool, text string) {
	b.on(tool, func(req router.InvokeRequest) (*router.InvokeResult, error) {
		return &router.InvokeResult{
			Tool:    tool,
			Content: []pool.ContentItem{{Type: "text", Text: text}},
		}, nil
	})
}

func (b *scriptedBackend) Invoke(ctx context.Context, req router.InvokeRequest) (*router.InvokeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.calls = append(b.calls, req.Tool)
	b.mu.Unlock()

	fn, ok := b.handlers[req.Tool]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "tool", ID: req.Tool}
	}
	return fn(req)
}

func (b *scriptedBackend) GetPrompt(ctx context.Context, name string, args map[string]string) (*pool.PromptResponse, error) {
	return &pool.PromptResponse{
		Messages: []pool.PromptMessage{{Role: "user", Content: pool.ContentItem{Type: "text", Text: "prompt:" + args["topic"]}}},
	}, nil
}

func (b *scriptedBackend) ReadResource(ctx context.Context, name string) (*pool.ResourceReadResponse, error) {
	return &pool.ResourceReadResponse{Contents: []pool.ResourceContent{{URI: name, Text: "resource body"}}}, nil
}

func (b *scriptedBackend) callCount(tool string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == tool {
			n++
		}
	}
	return n
}

func newTestExecutor(b Backend) *Executor {
	e := NewExecutor(b, events.NewBus(nil), nil)
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return e
}

func TestRunSequentialStepsShareContext(t *testing.T) {
	b := newScriptedBackend()
	b.onText("fetch_tool", "raw data")
	b.on("process_tool", func(req router.InvokeRequest) (*router.InvokeResult, error) {
		return &router.InvokeResult{
			Content: []pool.ContentItem{{Type: "text", Text: fmt.Sprintf("processed %v", req.Arguments["source"])}},
		}, nil
	})

	ec := NewContext(map[string]any{"name": "demo"})
	steps := []Step{
		{Name: "fetch", Kind: StepTool, Tool: "fetch_tool"},
		{Name: "process", Kind: StepTool, Tool: "process_tool",
			Params: map[string]any{"source": "{{.steps.fetch.output.text}}"}},
	}

	results, err := newTestExecutor(b).Run(context.Background(), "ex1", "k1", steps, ec)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, StepStatusCompleted, results["fetch"].Status)
	out := results["process"].Output.(map[string]any)
	assert.Equal(t, "processed raw data", out["text"])
}

func TestRunConditionTakesBranch(t *testing.T) {
	b := newScriptedBackend()
	b.onText("fetch_tool", `{"status": "ready"}`)
	b.onText("then_tool", "then ran")
	b.onText("else_tool", "else ran")

	steps := []Step{
		{Name: "fetch", Kind: StepTool, Tool: "fetch_tool"},
		{Name: "gate", Kind: StepCondition,
			Expression: `steps.fetch.output.data.status == "ready"`,
			Then:       []Step{{Name: "then", Kind: StepTool, Tool: "then_tool"}},
			Else:       []Step{{Name: "else", Kind: StepTool, Tool: "else_tool"}},
		},
	}

	results, err := newTestExecutor(b).Run(context.Background(), "ex1", "", steps, NewContext(nil))
	require.NoError(t, err)

	assert.Contains(t, results, "then")
	assert.NotContains(t, results, "else")
	gate := results["gate"].Output.(map[string]any)
	assert.Equal(t, true, gate["result"])
	assert.Equal(t, 0, b.callCount("else_tool"))
}

func TestRunStepGuardSkips(t *testing.T) {
	b := newScriptedBackend()
	b.onText("fetch_tool", `{"count": 0}`)
	b.onText("notify_tool", "sent")
	b.onText("archive_tool", "archived")

	steps := []Step{
		{Name: "fetch", Kind: StepTool, Tool: "fetch_tool"},
		{Name: "notify", Kind: StepTool, Tool: "notify_tool",
			Condition: `steps.fetch.output.data.count > 0`},
		{Name: "archive", Kind: StepTool, Tool: "archive_tool",
			Condition: `steps.fetch.output.data.count == 0`},
	}

	results, err := newTestExecutor(b).Run(context.Background(), "ex1", "", steps, NewContext(nil))
	require.NoError(t, err)

	assert.Equal(t, StepStatusSkipped, results["notify"].Status)
	assert.Equal(t, 0, b.callCount("notify_tool"))
	assert.Equal(t, StepStatusCompleted, results["archive"].Status)
}

func TestRunStepGuardErrorHonorsPolicy(t *testing.T) {
	b := newScriptedBackend()
	b.onText("next_tool", "ran")

	steps := []Step{
		{Name: "broken", Kind: StepTool, Tool: "next_tool", Condition: `1 +`},
		{Name: "next", Kind: StepTool, Tool: "next_tool"},
	}
	_, err := newTestExecutor(b).Run(context.Background(), "ex1", "", steps, NewContext(nil))
	require.Error(t, err)
	assert.Equal(t, 0, b.callCount("next_tool"))

	steps[0].OnError = OnErrorContinue
	results, err := newTestExecutor(b).Run(context.Background(), "ex2", "", steps, NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, StepStatusFailed, results["broken"].Status)
	assert.Equal(t, StepStatusCompleted, results["next"].Status)
}

func TestRunParallelChildren(t *testing.T) {
	b := newScriptedBackend()
	b.onText("a_tool", "a")
	b.onText("b_tool", "b")
	b.onText("c_tool", "c")

	steps := []Step{
		{Name: "fanout", Kind: StepParallel, Steps: []Step{
			{Name: "a", Kind: StepTool, Tool: "a_tool"},
			{Name: "b", Kind: StepTool, Tool: "b_tool"},
			{Name: "c", Kind: StepTool, Tool: "c_tool"},
		}},
	}

	results, err := newTestExecutor(b).Run(context.Background(), "ex1", "", steps, NewContext(nil))
	require.NoError(t, err)
	require.Len(t, results, 4)
	for _, name := range []string{"a", "b", "c", "fanout"} {
		assert.Equal(t, StepStatusCompleted, results[name].Status, name)
	}
}

func TestRunParallelChildFailureWithContinue(t *testing.T) {
	b := newScriptedBackend()
	b.onText("a_tool", "a")
	b.on("bad_tool", func(req router.InvokeRequest) (*router.InvokeResult, error) {
		return nil, &errors.UpstreamError{ServerID: "s1", Message: "boom"}
	})

	steps := []Step{
		{Name: "fanout", Kind: StepParallel, OnError: OnErrorContinue, Steps: []Step{
			{Name: "a", Kind: StepTool, Tool: "a_tool", OnError: OnErrorContinue},
			{Name: "bad", Kind: StepTool, Tool: "bad_tool"},
		}},
		{Name: "after", Kind: StepTool, Tool: "a_tool"},
	}

	results, err := newTestExecutor(b).Run(context.Background(), "ex1", "", steps, NewContext(nil))
	require.NoError(t, err)

	assert.Equal(t, StepStatusCompleted, results["a"].Status)
	assert.Equal(t, StepStatusFailed, results["bad"].Status)
	assert.Equal(t, StepStatusCompleted, results["fanout"].Status)
	assert.Equal(t, StepStatusCompleted, results["after"].Status)
}

func TestRunParallelStopFailsParent(t *testing.T) {
	b := newScriptedBackend()
	b.onText("a_tool", "a")
	b.on("bad_tool", func(req router.InvokeRequest) (*router.InvokeResult, error) {
		return nil, &errors.UpstreamError{ServerID: "s1", Message: "boom"}
	})

	steps := []Step{
		{Name: "fanout", Kind: StepParallel, Steps: []Step{
			{Name: "a", Kind: StepTool, Tool: "a_tool"},
			{Name: "bad", Kind: StepTool, Tool: "bad_tool"},
		}},
		{Name: "after", Kind: StepTool, Tool: "a_tool"},
	}

	results, err := newTestExecutor(b).Run(context.Background(), "ex1", "", steps, NewContext(nil))
	require.Error(t, err)
	assert.Equal(t, StepStatusFailed, results["fanout"].Status)
	assert.NotContains(t, results, "after")
}

func TestRunRetriesWithBackoff(t *testing.T) {
	b := newScriptedBackend()
	attempts := 0
	b.on("flaky_tool", func(req router.InvokeRequest) (*router.InvokeResult, error) {
		attempts++
		if attempts < 3 {
			return nil, &errors.UpstreamError{ServerID: "s1", Message: "transient"}
		}
		return &router.InvokeResult{Content: []pool.ContentItem{{Type: "text", Text: "ok"}}}, nil
	})

	var delays []time.Duration
	e := newTestExecutor(b)
	e.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	steps := []Step{
		{Name: "flaky", Kind: StepTool, Tool: "flaky_tool",
			Retry: &RetryPolicy{MaxAttempts: 4, BackoffMs: 50}},
	}
	results, err := e.Run(context.Background(), "ex1", "", steps, NewContext(nil))
	require.NoError(t, err)

	assert.Equal(t, StepStatusCompleted, results["flaky"].Status)
	assert.Equal(t, 3, results["flaky"].Attempts)
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}, delays)
}

func TestRunRetryHonorsRateLimitHint(t *testing.T) {
	b := newScriptedBackend()
	calls := 0
	b.on("limited_tool", func(req router.InvokeRequest) (*router.InvokeResult, error) {
		calls++
		if calls == 1 {
			return nil, &errors.RateLimitedError{
				KeyID: "k1", ServerID: "s1",
				ResetAt: time.Now().Add(2 * time.Second),
			}
		}
		return &router.InvokeResult{Content: []pool.ContentItem{{Type: "text", Text: "ok"}}}, nil
	})

	var delays []time.Duration
	e := newTestExecutor(b)
	e.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	steps := []Step{
		{Name: "limited", Kind: StepTool, Tool: "limited_tool",
			Retry: &RetryPolicy{MaxAttempts: 2, BackoffMs: 10}},
	}
	results, err := e.Run(context.Background(), "ex1", "", steps, NewContext(nil))
	require.NoError(t, err)
	assert.Equal(t, StepStatusCompleted, results["limited"].Status)

	// The reset hint is further out than the configured 10ms backoff.
	require.Len(t, delays, 1)
	assert.Greater(t, delays[0], time.Second)
}

func TestRunOnErrorContinue(t *testing.T) {
	b := newScriptedBackend()
	b.on("bad_tool", func(req router.InvokeRequest) (*router.InvokeResult, error) {
		return nil, &errors.UpstreamError{ServerID: "s1", Message: "boom"}
	})
	b.onText("next_tool", "ran anyway")

	steps := []Step{
		{Name: "bad", Kind: StepTool, Tool: "bad_tool", OnError: OnErrorContinue},
		{Name: "next", Kind: StepTool, Tool: "next_tool"},
	}
	results, err := newTestExecutor(b).Run(context.Background(), "ex1", "", steps, NewContext(nil))
	require.NoError(t, err)

	assert.Equal(t, StepStatusFailed, results["bad"].Status)
	assert.Contains(t, results["bad"].Error, "boom")
	assert.Equal(t, StepStatusCompleted, results["next"].Status)
}

func TestRunStopAbortsExecution(t *testing.T) {
	b := newScriptedBackend()
	b.on("bad_tool", func(req router.InvokeRequest) (*router.InvokeResult, error) {
		return nil, &errors.UpstreamError{ServerID: "s1", Message: "boom"}
	})
	b.onText("next_tool", "never runs")

	steps := []Step{
		{Name: "bad", Kind: StepTool, Tool: "bad_tool"},
		{Name: "next", Kind: StepTool, Tool: "next_tool"},
	}
	results, err := newTestExecutor(b).Run(context.Background(), "ex1", "", steps, NewContext(nil))
	require.Error(t, err)
	assert.NotContains(t, results, "next")
	assert.Equal(t, 0, b.callCount("next_tool"))
}

func TestRunToolErrorResultFailsStep(t *testing.T) {
	b := newScriptedBackend()
	b.on("erroring_tool", func(req router.InvokeRequest) (*router.InvokeResult, error) {
		return &router.InvokeResult{
			IsError: true,
			Content: []pool.ContentItem{{Type: "text", Text: "tool exploded"}},
		}, nil
	})

	steps := []Step{{Name: "bad", Kind: StepTool, Tool: "erroring_tool"}}
	results, err := newTestExecutor(b).Run(context.Background(), "ex1", "", steps, NewContext(nil))
	require.Error(t, err)
	assert.Equal(t, StepStatusFailed, results["bad"].Status)
	assert.Contains(t, results["bad"].Error, "tool exploded")
}

func TestRunPromptAndResourceSteps(t *testing.T) {
	b := newScriptedBackend()
	steps := []Step{
		{Name: "render", Kind: StepPrompt, Prompt: "docs/summarize",
			Args: map[string]string{"topic": "{{.input.topic}}"}},
		{Name: "read", Kind: StepResource, Resource: "docs/readme"},
	}
	results, err := newTestExecutor(b).Run(context.Background(), "ex1", "",
		steps, NewContext(map[string]any{"topic": "gateways"}))
	require.NoError(t, err)

	prompt := results["render"].Output.(map[string]any)
	messages := prompt["messages"].([]map[string]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "prompt:gateways", messages[0]["text"])

	resource := results["read"].Output.(map[string]any)
	assert.Equal(t, "resource body", resource["text"])
}

func TestRunStepTelemetry(t *testing.T) {
	b := newScriptedBackend()
	b.onText("llm_tool", `{"result": "done", "usage": {"prompt_tokens": 100, "completion_tokens": 50}, "model": "gpt-4o"}`)

	steps := []Step{{Name: "gen", Kind: StepTool, Tool: "llm_tool"}}
	results, err := newTestExecutor(b).Run(context.Background(), "ex1", "", steps, NewContext(nil))
	require.NoError(t, err)

	res := results["gen"]
	assert.EqualValues(t, 150, res.TokensUsed)
	assert.Equal(t, "gpt-4o", res.Model)
	assert.Greater(t, res.CostCredits, 0.0)
}
