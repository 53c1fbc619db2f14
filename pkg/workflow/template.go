package workflow

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// templateCache holds every compiled template for the process, keyed by
// the raw source string. Templates are immutable text, so the cache is
// insert-only and never invalidated; identical templates across
// executions compile once.
var templateCache sync.Map // string -> *template.Template

// TemplateCacheSize reports the number of compiled templates.
func TemplateCacheSize() int {
	n := 0
	templateCache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// compileTemplate returns the cached program for src, compiling on
// first use.
func compileTemplate(src string) (*template.Template, error) {
	if cached, ok := templateCache.Load(src); ok {
		return cached.(*template.Template), nil
	}
	tmpl, err := template.New("step").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	actual, _ := templateCache.LoadOrStore(src, tmpl)
	return actual.(*template.Template), nil
}

// Render interpolates one template string against the context snapshot.
func Render(src string, data map[string]any) (string, error) {
	if !strings.Contains(src, "{{") {
		return src, nil
	}
	tmpl, err := compileTemplate(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %q: %w", truncate(src), err)
	}
	return buf.String(), nil
}

// Interpolate walks a params value and renders every string. A string
// that is exactly one template reference resolves to the referenced
// value itself, preserving its type, so {{.steps.fetch.output}} passes
// a map through rather than its printed form.
func Interpolate(value any, data map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		if path, ok := pureRef(v); ok {
			if raw, found := lookupPath(data, path); found {
				return raw, nil
			}
		}
		return Render(v, data)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := Interpolate(item, data)
			if err != nil {
				return nil, fmt.Errorf("in field %q: %w", k, err)
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := Interpolate(item, data)
			if err != nil {
				return nil, fmt.Errorf("at index %d: %w", i, err)
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// InterpolateParams resolves every value of a params map.
func InterpolateParams(params map[string]any, data map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	resolved, err := Interpolate(params, data)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

// InterpolateArgs resolves every value of a string-valued args map.
func InterpolateArgs(args map[string]string, data map[string]any) (map[string]string, error) {
	if args == nil {
		return nil, nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		rendered, err := Render(v, data)
		if err != nil {
			return nil, fmt.Errorf("in arg %q: %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}

// pureRef reports whether s is exactly "{{.dotted.path}}" and returns
// the path segments.
func pureRef(s string) ([]string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "{{") || !strings.HasSuffix(t, "}}") {
		return nil, false
	}
	inner := strings.TrimSpace(t[2 : len(t)-2])
	if !strings.HasPrefix(inner, ".") || strings.ContainsAny(inner, "{}() |\"") {
		return nil, false
	}
	parts := strings.Split(inner[1:], ".")
	for _, p := range parts {
		if p == "" {
			return nil, false
		}
	}
	return parts, true
}

// lookupPath walks nested maps along the path.
func lookupPath(data map[string]any, path []string) (any, bool) {
	var current any = data
	for _, part := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func truncate(s string) string {
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}
