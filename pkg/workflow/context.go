package workflow

import "sync"

// Context is the per-execution data tree templates and conditions see:
// input under "input", step outcomes under "steps.<name>.output" and
// "steps.<name>.error". Parallel children write concurrently, so access
// is synchronized.
type Context struct {
	mu    sync.RWMutex
	input map[string]any
	steps map[string]map[string]any
}

// NewContext creates a context seeded with the execution input.
func NewContext(input map[string]any) *Context {
	if input == nil {
		input = make(map[string]any)
	}
	return &Context{
		input: input,
		steps: make(map[string]map[string]any),
	}
}

// RecordOutput stores a completed step's output.
func (c *Context) RecordOutput(step string, output any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps[step] = map[string]any{"output": output}
}

// RecordError stores a failed step's error message.
func (c *Context) RecordError(step string, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps[step] = map[string]any{"error": msg}
}

// Snapshot renders the tree as a plain map for template execution and
// condition evaluation. The returned map shares step output values but
// not the tree structure, so callers can read it without holding the
// lock.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	steps := make(map[string]any, len(c.steps))
	for name, state := range c.steps {
		steps[name] = state
	}
	return map[string]any{
		"input": c.input,
		"steps": steps,
	}
}
