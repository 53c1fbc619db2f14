package workflow

import (
	"fmt"

	"github.com/tombee/gantry/pkg/errors"
)

// Validate checks a definition for structural problems before it is
// saved. It does not verify that referenced tools exist; that is a
// runtime concern since backends connect and disconnect.
func Validate(def *Definition) error {
	if def.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if len(def.Steps) == 0 {
		return &errors.ValidationError{Field: "steps", Message: "workflow must have at least one step"}
	}
	if def.TimeoutMs < 0 {
		return &errors.ValidationError{Field: "timeout_ms", Message: "timeout must be non-negative"}
	}

	seen := make(map[string]bool)
	return validateSteps(def.Steps, "steps", seen)
}

func validateSteps(steps []Step, path string, seen map[string]bool) error {
	for i := range steps {
		if err := validateStep(&steps[i], fmt.Sprintf("%s[%d]", path, i), seen); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s *Step, path string, seen map[string]bool) error {
	if s.Name == "" {
		return &errors.ValidationError{Field: path + ".name", Message: "step name is required"}
	}
	if seen[s.Name] {
		return &errors.ValidationError{
			Field:      path + ".name",
			Message:    fmt.Sprintf("duplicate step name %q", s.Name),
			Suggestion: "step names must be unique across the whole definition, including branches",
		}
	}
	seen[s.Name] = true

	if s.Retry != nil && s.Retry.MaxAttempts < 0 {
		return &errors.ValidationError{Field: path + ".retry.max_attempts", Message: "max attempts must be non-negative"}
	}
	if s.Retry != nil && s.Retry.BackoffMs < 0 {
		return &errors.ValidationError{Field: path + ".retry.backoff_ms", Message: "backoff must be non-negative"}
	}
	switch s.OnError {
	case "", OnErrorStop, OnErrorContinue, OnErrorRetry:
	default:
		return &errors.ValidationError{
			Field:      path + ".on_error",
			Message:    fmt.Sprintf("unknown on_error policy %q", s.OnError),
			Suggestion: "use stop, continue, or retry",
		}
	}

	switch s.Kind {
	case StepTool:
		if s.Tool == "" {
			return &errors.ValidationError{Field: path + ".tool", Message: "tool steps require a tool name"}
		}
	case StepPrompt:
		if s.Prompt == "" {
			return &errors.ValidationError{Field: path + ".prompt", Message: "prompt steps require a prompt name"}
		}
	case StepResource:
		if s.Resource == "" {
			return &errors.ValidationError{Field: path + ".resource", Message: "resource steps require a resource name"}
		}
	case StepCondition:
		if s.Expression == "" {
			return &errors.ValidationError{Field: path + ".expression", Message: "condition steps require an expression"}
		}
		if len(s.Then) == 0 && len(s.Else) == 0 {
			return &errors.ValidationError{Field: path, Message: "condition steps require a then or else branch"}
		}
		if err := validateSteps(s.Then, path+".then", seen); err != nil {
			return err
		}
		if err := validateSteps(s.Else, path+".else", seen); err != nil {
			return err
		}
	case StepParallel:
		if len(s.Steps) == 0 {
			return &errors.ValidationError{Field: path + ".steps", Message: "parallel steps require children"}
		}
		if err := validateSteps(s.Steps, path+".steps", seen); err != nil {
			return err
		}
	default:
		return &errors.ValidationError{
			Field:      path + ".kind",
			Message:    fmt.Sprintf("unknown step kind %q", s.Kind),
			Suggestion: "use tool, prompt, resource, condition, or parallel",
		}
	}
	return nil
}
