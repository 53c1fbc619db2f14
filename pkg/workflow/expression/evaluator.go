// Package expression evaluates boolean conditions for workflow branch
// steps using expr-lang. Compiled programs are cached by source string,
// so repeated evaluations of the same condition skip compilation.
package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/gantry/pkg/errors"
)

// Evaluator compiles and runs condition expressions.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an evaluator with an empty program cache.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs an expression against the execution context snapshot.
// The snapshot exposes "input" and "steps"; an empty expression is
// true. Non-boolean results are a validation error.
//
// Example:
//
//	ok, err := eval.Evaluate(`steps.fetch.output.status == "ready"`, snapshot)
func (e *Evaluator) Evaluate(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %s", err),
			Suggestion: "check expression syntax",
		}
	}

	evalEnv := make(map[string]any, len(env)+2)
	for k, v := range env {
		evalEnv[k] = v
	}
	// "contains" is a reserved string operator in expr; "has" covers
	// slices and map keys.
	evalEnv["has"] = hasFunc
	evalEnv["length"] = lengthFunc

	result, err := expr.Run(program, evalEnv)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err),
			Suggestion: "verify that referenced steps have run and fields exist",
		}
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:   "expression",
			Message: fmt.Sprintf("expression must return boolean, got %T", result),
		}
	}
	return boolResult, nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	env := map[string]any{
		"has":    hasFunc,
		"length": lengthFunc,
	}
	prog, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
