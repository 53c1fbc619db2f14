package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/gantry/pkg/errors"
)

func toolStep(name, tool string) Step {
	return Step{Name: name, Kind: StepTool, Tool: tool}
}

func TestValidateAcceptsWellFormedDefinition(t *testing.T) {
	def := &Definition{
		Name: "report",
		Steps: []Step{
			toolStep("fetch", "files/read_file"),
			{
				Name:       "check",
				Kind:       StepCondition,
				Expression: `steps.fetch.output.text != ""`,
				Then:       []Step{toolStep("summarize", "llm/summarize")},
				Else:       []Step{toolStep("fallback", "files/read_file")},
			},
			{
				Name: "fanout",
				Kind: StepParallel,
				Steps: []Step{
					toolStep("a", "files/read_file"),
					toolStep("b", "files/read_file"),
				},
			},
		},
	}
	require.NoError(t, Validate(def))
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		def  *Definition
	}{
		{
			name: "missing name",
			def:  &Definition{Steps: []Step{toolStep("a", "t")}},
		},
		{
			name: "no steps",
			def:  &Definition{Name: "empty"},
		},
		{
			name: "negative timeout",
			def:  &Definition{Name: "w", TimeoutMs: -1, Steps: []Step{toolStep("a", "t")}},
		},
		{
			name: "step without name",
			def:  &Definition{Name: "w", Steps: []Step{{Kind: StepTool, Tool: "t"}}},
		},
		{
			name: "duplicate step names across branches",
			def: &Definition{Name: "w", Steps: []Step{
				toolStep("a", "t"),
				{Name: "cond", Kind: StepCondition, Expression: "true",
					Then: []Step{toolStep("a", "t")}},
			}},
		},
		{
			name: "tool step without tool",
			def:  &Definition{Name: "w", Steps: []Step{{Name: "a", Kind: StepTool}}},
		},
		{
			name: "prompt step without prompt",
			def:  &Definition{Name: "w", Steps: []Step{{Name: "a", Kind: StepPrompt}}},
		},
		{
			name: "condition without branches",
			def: &Definition{Name: "w", Steps: []Step{
				{Name: "a", Kind: StepCondition, Expression: "true"},
			}},
		},
		{
			name: "condition without expression",
			def: &Definition{Name: "w", Steps: []Step{
				{Name: "a", Kind: StepCondition, Then: []Step{toolStep("b", "t")}},
			}},
		},
		{
			name: "parallel without children",
			def:  &Definition{Name: "w", Steps: []Step{{Name: "a", Kind: StepParallel}}},
		},
		{
			name: "unknown kind",
			def:  &Definition{Name: "w", Steps: []Step{{Name: "a", Kind: "loop"}}},
		},
		{
			name: "unknown on_error",
			def: &Definition{Name: "w", Steps: []Step{
				{Name: "a", Kind: StepTool, Tool: "t", OnError: "explode"},
			}},
		},
		{
			name: "negative retry attempts",
			def: &Definition{Name: "w", Steps: []Step{
				{Name: "a", Kind: StepTool, Tool: "t", Retry: &RetryPolicy{MaxAttempts: -1}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.def)
			assert.True(t, errors.IsValidation(err), "expected validation error, got %v", err)
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`{"name":"w","steps":[],"bogus":true}`))
	assert.Error(t, err)

	def, err := Parse([]byte(`{"name":"w","steps":[{"name":"a","kind":"tool","tool":"files/read"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "w", def.Name)
	require.Len(t, def.Steps, 1)
	assert.Equal(t, StepTool, def.Steps[0].Kind)
}

func TestRetryBackoffIsGeometric(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 4, BackoffMs: 100}
	assert.Equal(t, int64(0), p.Backoff(1).Milliseconds())
	assert.Equal(t, int64(100), p.Backoff(2).Milliseconds())
	assert.Equal(t, int64(200), p.Backoff(3).Milliseconds())
	assert.Equal(t, int64(400), p.Backoff(4).Milliseconds())

	var none *RetryPolicy
	assert.Equal(t, int64(0), none.Backoff(2).Milliseconds())
	assert.Equal(t, 1, none.attempts())
}
