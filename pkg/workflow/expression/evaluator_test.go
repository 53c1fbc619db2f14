package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/gantry/pkg/errors"
)

func testEnv() map[string]any {
	return map[string]any{
		"input": map[string]any{
			"personas": []any{"security", "perf"},
			"count":    3,
		},
		"steps": map[string]any{
			"fetch": map[string]any{
				"output": map[string]any{"status": "ready", "text": "hello world"},
			},
		},
	}
}

func TestEvaluate(t *testing.T) {
	eval := New()

	tests := []struct {
		expr string
		want bool
	}{
		{`steps.fetch.output.status == "ready"`, true},
		{`steps.fetch.output.status == "pending"`, false},
		{`input.count > 2`, true},
		{`input.count > 2 && has(input.personas, "security")`, true},
		{`has(input.personas, "design")`, false},
		{`has(steps.fetch.output.text, "world")`, true},
		{`length(input.personas) == 2`, true},
		{``, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := eval.Evaluate(tt.expr, testEnv())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateCompileError(t *testing.T) {
	eval := New()
	_, err := eval.Evaluate(`input.count >`, testEnv())
	assert.True(t, errors.IsValidation(err))
}

func TestEvaluateCachesPrograms(t *testing.T) {
	eval := New()
	for range 3 {
		_, err := eval.Evaluate(`input.count > 1`, testEnv())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, eval.CacheSize())
}
