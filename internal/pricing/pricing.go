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

// Package pricing extracts token usage from tool responses and converts it
// to credit cost for budget accounting.
package pricing

import (
	"encoding/json"
	"strings"
	"sync"
)

// Usage is the token accounting extracted from one response.
type Usage struct {
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Model        string `json:"model,omitempty"`
}

// Total returns the combined token count.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Rate prices a model in credits per 1000 tokens.
type Rate struct {
	InputPer1K  float64
	OutputPer1K float64
}

// defaultRates seed the table. Model names match by longest prefix, so
// "gpt-4o-2024-11-20" resolves through the "gpt-4o" entry.
var defaultRates = map[string]Rate{
	"gpt-4o":            {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4":             {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-3.5-turbo":     {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"claude-opus":       {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-sonnet":     {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-haiku":      {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
}

// DefaultRate prices unknown models.
var DefaultRate = Rate{InputPer1K: 0.003, OutputPer1K: 0.015}

// Table maps model names to rates.
type Table struct {
	mu    sync.RWMutex
	rates map[string]Rate
}

// NewTable creates a table seeded with the default rates.
func NewTable() *Table {
	t := &Table{rates: make(map[string]Rate, len(defaultRates))}
	for k, v := range defaultRates {
		t.rates[k] = v
	}
	return t
}

// SetRate adds or replaces a model rate.
func (t *Table) SetRate(model string, r Rate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates[model] = r
}

// Lookup resolves a model name to its rate by longest matching prefix,
// falling back to DefaultRate.
func (t *Table) Lookup(model string) Rate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	best := ""
	for name := range t.rates {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return DefaultRate
	}
	return t.rates[best]
}

// Cost converts usage to credits.
func (t *Table) Cost(u Usage) float64 {
	r := t.Lookup(u.Model)
	return float64(u.InputTokens)/1000*r.InputPer1K + float64(u.OutputTokens)/1000*r.OutputPer1K
}

// usageShape covers the usage blocks emitted by the common providers.
// OpenAI reports prompt/completion token counts, Anthropic input/output.
type usageShape struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
}

type responseShape struct {
	Model string      `json:"model"`
	Usage *usageShape `json:"usage"`
}

// ExtractUsage pulls token usage out of a raw tool response. Returns a
// zero Usage and false when the response carries no usage block.
func ExtractUsage(raw []byte) (Usage, bool) {
	if len(raw) == 0 {
		return Usage{}, false
	}

	var resp responseShape
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Usage == nil {
		return Usage{}, false
	}

	u := Usage{Model: resp.Model}
	switch {
	case resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0:
		u.InputTokens = resp.Usage.InputTokens
		u.OutputTokens = resp.Usage.OutputTokens
	case resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0:
		u.InputTokens = resp.Usage.PromptTokens
		u.OutputTokens = resp.Usage.CompletionTokens
	default:
		return Usage{}, false
	}
	return u, true
}
