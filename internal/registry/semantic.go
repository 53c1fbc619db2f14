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
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

// Embedder turns text into a vector. Implementations wrap an embedding
// model API; semantic search is only available when one is configured.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SemanticIndex maintains capability embeddings and answers
// similarity queries against them.
type SemanticIndex struct {
	store    *store.Store
	embedder Embedder
	logger   *slog.Logger
}

// NewSemanticIndex creates an index. The embedder may be nil, in which
// case Index and Search report the index as unavailable.
func NewSemanticIndex(st *store.Store, embedder Embedder, logger *slog.Logger) *SemanticIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &SemanticIndex{store: st, embedder: embedder, logger: logger}
}

// Available reports whether an embedder is configured.
func (si *SemanticIndex) Available() bool {
	return si != nil && si.embedder != nil
}

// Index embeds and stores vectors for a server's entries. Failures on
// individual entries are logged and skipped so one bad capability does
// not block the rest of the listing.
func (si *SemanticIndex) Index(ctx context.Context, entries []*Entry) error {
	if !si.Available() {
		return nil
	}
	for _, e := range entries {
		text := e.Qualified
		if e.Description != "" {
			text += ": " + e.Description
		}
		vec, err := si.embedder.Embed(ctx, text)
		if err != nil {
			si.logger.Warn("failed to embed capability", "name", e.Qualified, "error", err)
			continue
		}
		emb := &store.Embedding{
			ID:       uuid.NewString(),
			Kind:     string(e.Kind),
			Name:     e.Qualified,
			ServerID: e.ServerID,
			Vector:   vec,
		}
		if err := si.store.UpsertEmbedding(ctx, emb); err != nil {
			return fmt.Errorf("failed to index %s: %w", e.Qualified, err)
		}
	}
	return nil
}

// Forget drops a server's vectors when it is removed.
func (si *SemanticIndex) Forget(ctx context.Context, serverID string) error {
	if si == nil || si.store == nil {
		return nil
	}
	return si.store.DeleteEmbeddingsForServer(ctx, serverID)
}

// Match is one semantic search hit.
type Match struct {
	// Name is the qualified capability name
	Name string `json:"name"`

	// Kind is the capability kind
	Kind Kind `json:"kind"`

	// ServerID owns the capability
	ServerID string `json:"server_id"`

	// Score is cosine similarity in [-1, 1]
	Score float64 `json:"score"`
}

// Search embeds the query and ranks stored vectors by cosine
// similarity. kind narrows the search; limit 0 means 10.
func (si *SemanticIndex) Search(ctx context.Context, query string, kind Kind, limit int) ([]Match, error) {
	if !si.Available() {
		return nil, &errors.ValidationError{
			Field:      "query",
			Message:    "semantic search is not configured",
			Suggestion: "configure an embedder to enable semantic search",
		}
	}
	if limit <= 0 {
		limit = 10
	}

	qvec, err := si.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	embeddings, err := si.store.ListEmbeddings(ctx, string(kind))
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(embeddings))
	for _, e := range embeddings {
		score := cosine(qvec, e.Vector)
		if math.IsNaN(score) {
			continue
		}
		matches = append(matches, Match{
			Name:     e.Name,
			Kind:     Kind(e.Kind),
			ServerID: e.ServerID,
			Score:    score,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Name < matches[j].Name
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// cosine returns NaN for mismatched lengths or zero vectors.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.NaN()
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return math.NaN()
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
