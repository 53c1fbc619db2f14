// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package secrets detects credential material in request and workflow
// payloads before it is persisted or forwarded. Matches are reported with
// masked hints only; raw secret values never leave the scanner.
package secrets

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tombee/gantry/pkg/errors"
)

// Pattern describes one detector.
type Pattern struct {
	// Name identifies the provider or credential family, e.g. "stripe".
	Name string `json:"name"`

	// Regex is the detection expression applied to every string value.
	Regex string `json:"regex"`

	// Severity is low, medium, high, or critical.
	Severity string `json:"severity"`

	// Builtin patterns ship with the gateway and cannot be removed,
	// only disabled.
	Builtin bool `json:"builtin"`

	// Enabled gates the pattern without deleting it.
	Enabled bool `json:"enabled"`

	re *regexp.Regexp
}

// builtinPatterns cover the common credential shapes. The expressions are
// anchored on distinctive prefixes to keep false positives low.
var builtinPatterns = []Pattern{
	{Name: "openai", Regex: `sk-[a-zA-Z0-9_-]{32,}`, Severity: "critical"},
	{Name: "anthropic", Regex: `sk-ant-[a-zA-Z0-9_-]{32,}`, Severity: "critical"},
	{Name: "stripe", Regex: `sk_live_[a-zA-Z0-9]{24,}`, Severity: "critical"},
	{Name: "stripe-restricted", Regex: `rk_live_[a-zA-Z0-9]{24,}`, Severity: "high"},
	{Name: "github", Regex: `gh[pousr]_[a-zA-Z0-9]{36,}`, Severity: "critical"},
	{Name: "aws-access-key", Regex: `AKIA[0-9A-Z]{16}`, Severity: "critical"},
	{Name: "google-api", Regex: `AIza[0-9A-Za-z_-]{35}`, Severity: "high"},
	{Name: "slack", Regex: `xox[baprs]-[a-zA-Z0-9-]{10,}`, Severity: "high"},
	{Name: "private-key", Regex: `-----BEGIN (?:RSA |EC |OPENSSH |DSA |PGP )?PRIVATE KEY-----`, Severity: "critical"},
	{Name: "jwt", Regex: `eyJ[a-zA-Z0-9_-]{10,}\.eyJ[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}`, Severity: "medium"},
	{Name: "bearer-token", Regex: `(?i)bearer\s+[a-zA-Z0-9_.~+/-]{30,}`, Severity: "medium"},
}

// Scanner applies the pattern set to JSON payloads.
type Scanner struct {
	mu       sync.RWMutex
	patterns map[string]*Pattern
}

// NewScanner creates a scanner with all builtin patterns enabled.
func NewScanner() *Scanner {
	s := &Scanner{patterns: make(map[string]*Pattern)}
	for i := range builtinPatterns {
		p := builtinPatterns[i]
		p.Builtin = true
		p.Enabled = true
		p.re = regexp.MustCompile(p.Regex)
		s.patterns[p.Name] = &p
	}
	return s
}

// AddPattern registers a user-defined pattern or updates an existing
// user pattern. Builtin patterns cannot be redefined.
func (s *Scanner) AddPattern(p Pattern) error {
	if p.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "pattern name is required"}
	}
	re, err := regexp.Compile(p.Regex)
	if err != nil {
		return &errors.ValidationError{Field: "regex", Message: fmt.Sprintf("invalid expression: %v", err)}
	}
	switch p.Severity {
	case "low", "medium", "high", "critical":
	default:
		return &errors.ValidationError{Field: "severity", Message: "must be low, medium, high, or critical"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.patterns[p.Name]; ok && existing.Builtin {
		return &errors.ConflictError{Resource: "pattern", Message: fmt.Sprintf("%q is builtin and cannot be replaced", p.Name)}
	}
	p.Builtin = false
	p.re = re
	s.patterns[p.Name] = &p
	return nil
}

// SetEnabled toggles a pattern. Works for builtin and user patterns.
func (s *Scanner) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[name]
	if !ok {
		return &errors.NotFoundError{Resource: "pattern", ID: name}
	}
	p.Enabled = enabled
	return nil
}

// RemovePattern deletes a user pattern. Builtin patterns can only be
// disabled.
func (s *Scanner) RemovePattern(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[name]
	if !ok {
		return &errors.NotFoundError{Resource: "pattern", ID: name}
	}
	if p.Builtin {
		return &errors.ConflictError{Resource: "pattern", Message: fmt.Sprintf("%q is builtin and cannot be removed", name)}
	}
	delete(s.patterns, name)
	return nil
}

// Patterns returns the current pattern set sorted by name. Compiled state
// is not exposed.
func (s *Scanner) Patterns() []Pattern {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		cp := *p
		cp.re = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ScanJSON decodes raw JSON and scans every string value in the tree.
// Detection paths are dotted, with array indices in brackets, e.g.
// "config.headers.Authorization" or "steps[2].input.token".
func (s *Scanner) ScanJSON(raw []byte) []errors.Detection {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		// Not JSON, scan as one opaque string.
		return s.scanString("", string(raw), nil)
	}
	return s.Scan(v)
}

// Scan walks a decoded JSON value and returns all detections.
func (s *Scanner) Scan(v any) []errors.Detection {
	return s.walk("", v, nil)
}

func (s *Scanner) walk(path string, v any, found []errors.Detection) []errors.Detection {
	switch val := v.(type) {
	case string:
		found = s.scanString(path, val, found)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := k
			if path != "" {
				child = path + "." + k
			}
			found = s.walk(child, val[k], found)
		}
	case []any:
		for i, item := range val {
			found = s.walk(path+"["+strconv.Itoa(i)+"]", item, found)
		}
	}
	return found
}

func (s *Scanner) scanString(path, value string, found []errors.Detection) []errors.Detection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, name := range s.sortedNames() {
		p := s.patterns[name]
		if !p.Enabled {
			continue
		}
		for _, m := range p.re.FindAllString(value, -1) {
			found = append(found, errors.Detection{
				Provider:    p.Name,
				Path:        path,
				MaskedValue: Mask(m),
				Severity:    p.Severity,
			})
		}
	}
	return found
}

func (s *Scanner) sortedNames() []string {
	names := make([]string, 0, len(s.patterns))
	for n := range s.patterns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Mask replaces all but the last 4 characters of a matched secret with
// asterisks, preserving its length. Matches of 8 characters or fewer
// are fully masked.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", len(secret)-4) + secret[len(secret)-4:]
}
