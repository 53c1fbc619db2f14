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

package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

// axisEmbedder maps known words onto fixed axes so similarity is
// predictable in tests.
type axisEmbedder struct {
	axes map[string]int
}

func (e *axisEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, 3)
	for word, axis := range e.axes {
		if containsWord(text, word) {
			vec[axis] = 1
		}
	}
	return vec, nil
}

func containsWord(text, word string) bool {
	for i := 0; i+len(word) <= len(text); i++ {
		if text[i:i+len(word)] == word {
			return true
		}
	}
	return false
}

func newSemanticStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "gantry.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSemanticSearchRanksBySimilarity(t *testing.T) {
	st := newSemanticStore(t)
	emb := &axisEmbedder{axes: map[string]int{"file": 0, "issue": 1, "search": 2}}
	si := NewSemanticIndex(st, emb, nil)
	ctx := context.Background()

	entries := []*Entry{
		{Kind: KindTool, Qualified: "files/read_file", ServerID: "s1", Description: "read a file"},
		{Kind: KindTool, Qualified: "github/create_issue", ServerID: "s2", Description: "file an issue"},
		{Kind: KindTool, Qualified: "github/search_code", ServerID: "s2", Description: "search repositories"},
	}
	require.NoError(t, si.Index(ctx, entries))

	matches, err := si.Search(ctx, "read a file from disk", KindTool, 10)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "files/read_file", matches[0].Name)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)

	matches, err = si.Search(ctx, "search", KindTool, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "github/search_code", matches[0].Name)
}

func TestSemanticSearchUnavailableWithoutEmbedder(t *testing.T) {
	si := NewSemanticIndex(newSemanticStore(t), nil, nil)
	assert.False(t, si.Available())

	_, err := si.Search(context.Background(), "anything", KindTool, 5)
	assert.True(t, errors.IsValidation(err))
}

func TestSemanticForgetDropsServerVectors(t *testing.T) {
	st := newSemanticStore(t)
	emb := &axisEmbedder{axes: map[string]int{"file": 0}}
	si := NewSemanticIndex(st, emb, nil)
	ctx := context.Background()

	require.NoError(t, si.Index(ctx, []*Entry{
		{Kind: KindTool, Qualified: "files/read_file", ServerID: "s1", Description: "read a file"},
	}))
	require.NoError(t, si.Forget(ctx, "s1"))

	matches, err := si.Search(ctx, "file", KindTool, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
}
