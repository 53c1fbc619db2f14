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

package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tombee/gantry/internal/registry"
)

const defaultEmbeddingModel = "text-embedding-3-small"

// httpEmbedder calls an OpenAI-compatible embeddings endpoint.
type httpEmbedder struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

// embedderFromEnv builds the embedder behind semantic search:
//   - GANTRY_EMBEDDINGS_URL: embeddings endpoint (unset disables
//     semantic search)
//   - GANTRY_EMBEDDINGS_API_KEY: bearer credential, optional
//   - GANTRY_EMBEDDINGS_MODEL: model name (default text-embedding-3-small)
func embedderFromEnv() registry.Embedder {
	url := os.Getenv("GANTRY_EMBEDDINGS_URL")
	if url == "" {
		return nil
	}
	model := os.Getenv("GANTRY_EMBEDDINGS_MODEL")
	if model == "" {
		model = defaultEmbeddingModel
	}
	return &httpEmbedder{
		url:    url,
		apiKey: os.Getenv("GANTRY_EMBEDDINGS_API_KEY"),
		model:  model,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *httpEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: []string{text}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embeddings endpoint returned %d: %s", resp.StatusCode, snippet)
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embeddings endpoint returned no vectors")
	}
	return parsed.Data[0].Embedding, nil
}
