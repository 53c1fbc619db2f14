// Package workflow executes declarative multi-step workflows against the
// gateway's capabilities. A definition is a list of steps; steps invoke
// tools, fetch prompts, read resources, branch on conditions, or fan out
// in parallel groups.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// StepKind identifies what a step does.
type StepKind string

const (
	// StepTool invokes a tool through the router.
	StepTool StepKind = "tool"
	// StepPrompt fetches a registered prompt template.
	StepPrompt StepKind = "prompt"
	// StepResource reads a registered resource.
	StepResource StepKind = "resource"
	// StepCondition evaluates an expression and runs one branch.
	StepCondition StepKind = "condition"
	// StepParallel runs child steps concurrently.
	StepParallel StepKind = "parallel"
)

// OnError policies control what happens when a step fails after its
// retries are exhausted.
type OnError string

const (
	// OnErrorStop aborts the execution. This is the default.
	OnErrorStop OnError = "stop"
	// OnErrorContinue records the failure and moves to the next step.
	OnErrorContinue OnError = "continue"
	// OnErrorRetry applies the retry policy, then stops on exhaustion.
	OnErrorRetry OnError = "retry"
)

// RetryPolicy controls per-step retries with geometric backoff: attempt
// n waits backoffMs * 2^(n-1), unless the failure carries a retry-after
// hint, which takes precedence.
type RetryPolicy struct {
	// MaxAttempts is the total attempt count including the first.
	MaxAttempts int `json:"max_attempts"`

	// BackoffMs is the base delay between attempts.
	BackoffMs int `json:"backoff_ms"`
}

// Step is one unit of work in a definition.
type Step struct {
	// Name identifies the step within the execution; unique per
	// definition, referenced as steps.<name> in templates and conditions.
	Name string `json:"name"`

	// Kind selects the step behavior.
	Kind StepKind `json:"kind"`

	// Condition guards the step: when set, it is evaluated against the
	// execution context before the step runs, and a false result records
	// the step as skipped.
	Condition string `json:"condition,omitempty"`

	// Tool is the qualified or bare tool name, for tool steps.
	Tool string `json:"tool,omitempty"`

	// Params are the tool arguments; string values are interpolated.
	Params map[string]any `json:"params,omitempty"`

	// Prompt is the prompt name, for prompt steps.
	Prompt string `json:"prompt,omitempty"`

	// Args are the prompt arguments; values are interpolated.
	Args map[string]string `json:"args,omitempty"`

	// Resource is the resource name or qualified name, for resource steps.
	Resource string `json:"resource,omitempty"`

	// Expression is the boolean condition, for condition steps.
	Expression string `json:"expression,omitempty"`

	// Then and Else are the condition branches.
	Then []Step `json:"then,omitempty"`
	Else []Step `json:"else,omitempty"`

	// Steps are the parallel children.
	Steps []Step `json:"steps,omitempty"`

	// Retry is the step's retry policy; nil means a single attempt.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// OnError selects the failure policy; empty means stop.
	OnError OnError `json:"on_error,omitempty"`

	// TimeoutMs bounds one backend call for this step.
	TimeoutMs int `json:"timeout_ms,omitempty"`

	// CacheTTLMs marks a tool step's response cacheable when positive.
	CacheTTLMs int `json:"cache_ttl_ms,omitempty"`
}

// Definition is a complete declarative workflow.
type Definition struct {
	// Name is the workflow's unique name.
	Name string `json:"name"`

	// Description is free text for operators.
	Description string `json:"description,omitempty"`

	// Steps run in order.
	Steps []Step `json:"steps"`

	// TimeoutMs bounds the whole execution; zero means the engine
	// default.
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// Timeout returns the execution deadline as a duration, or zero when
// unset.
func (d *Definition) Timeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// Parse decodes a JSON definition. Unknown fields are rejected so typos
// in step config surface at save time rather than silently at run time.
func Parse(raw []byte) (*Definition, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	return &def, nil
}

// Encode renders the definition back to JSON for persistence.
func (d *Definition) Encode() ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow definition: %w", err)
	}
	return raw, nil
}

// Backoff returns the delay before the given attempt (1-based). The
// first attempt has no delay.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if p == nil || attempt <= 1 || p.BackoffMs <= 0 {
		return 0
	}
	delay := time.Duration(p.BackoffMs) * time.Millisecond
	for i := 2; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// attempts returns the total attempt budget.
func (p *RetryPolicy) attempts() int {
	if p == nil || p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}
