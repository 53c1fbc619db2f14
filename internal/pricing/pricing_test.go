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

package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractUsage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Usage
		ok   bool
	}{
		{
			name: "openai shape",
			raw:  `{"model":"gpt-4o-mini","usage":{"prompt_tokens":120,"completion_tokens":40}}`,
			want: Usage{InputTokens: 120, OutputTokens: 40, Model: "gpt-4o-mini"},
			ok:   true,
		},
		{
			name: "anthropic shape",
			raw:  `{"model":"claude-sonnet-4","usage":{"input_tokens":200,"output_tokens":80}}`,
			want: Usage{InputTokens: 200, OutputTokens: 80, Model: "claude-sonnet-4"},
			ok:   true,
		},
		{
			name: "no usage block",
			raw:  `{"result":"done"}`,
			ok:   false,
		},
		{
			name: "empty usage block",
			raw:  `{"usage":{}}`,
			ok:   false,
		},
		{
			name: "not json",
			raw:  `plain output`,
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractUsage([]byte(tt.raw))
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestLookupPrefixMatch(t *testing.T) {
	table := NewTable()

	// Dated model names resolve through their family prefix, preferring
	// the most specific entry.
	r := table.Lookup("gpt-4o-mini-2024-07-18")
	assert.Equal(t, 0.00015, r.InputPer1K)

	r = table.Lookup("gpt-4o-2024-11-20")
	assert.Equal(t, 0.0025, r.InputPer1K)

	// Unknown models get the fallback rate.
	r = table.Lookup("some-local-model")
	assert.Equal(t, DefaultRate, r)
}

func TestCost(t *testing.T) {
	table := NewTable()

	u := Usage{InputTokens: 1000, OutputTokens: 2000, Model: "claude-sonnet-4"}
	assert.InDelta(t, 0.003+2*0.015, table.Cost(u), 1e-9)

	table.SetRate("custom-model", Rate{InputPer1K: 1, OutputPer1K: 2})
	u = Usage{InputTokens: 500, OutputTokens: 500, Model: "custom-model-v2"}
	assert.InDelta(t, 0.5+1.0, table.Cost(u), 1e-9)
}

func TestUsageTotal(t *testing.T) {
	assert.Equal(t, int64(150), Usage{InputTokens: 100, OutputTokens: 50}.Total())
}
