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

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/tombee/gantry/internal/registry"
	"github.com/tombee/gantry/internal/router"
	"github.com/tombee/gantry/pkg/errors"
)

func (r *Router) registerCapabilityRoutes() {
	r.mux.HandleFunc("GET /v1/tools", r.capabilityList(registry.KindTool))
	r.mux.HandleFunc("GET /v1/prompts", r.capabilityList(registry.KindPrompt))
	r.mux.HandleFunc("GET /v1/resources", r.capabilityList(registry.KindResource))

	r.mux.HandleFunc("POST /v1/tools/invoke", r.handleToolInvoke)
	r.mux.HandleFunc("POST /v1/tools/batch", r.handleToolBatch)
	r.mux.HandleFunc("POST /v1/prompts/get", r.handlePromptGet)
	r.mux.HandleFunc("POST /v1/resources/read", r.handleResourceRead)

	r.mux.HandleFunc("POST /v1/search/semantic", r.handleSemanticSearch)
}

// capabilityList serves filtered registry listings for one kind.
func (r *Router) capabilityList(kind registry.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		q := registry.Query{
			Text:     req.URL.Query().Get("q"),
			Kind:     kind,
			Category: req.URL.Query().Get("category"),
			ServerID: req.URL.Query().Get("server_id"),
			Limit:    queryInt(req, "limit", 0),
			Offset:   queryInt(req, "offset", 0),
		}
		if tags := req.URL.Query().Get("tags"); tags != "" {
			q.Tags = strings.Split(tags, ",")
		}
		writeJSON(w, http.StatusOK, r.deps.Registry.Search(q))
	}
}

// invokeRequest is the JSON body for a single tool invocation.
type invokeRequest struct {
	Tool       string         `json:"tool"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	CacheTTLMs int            `json:"cache_ttl_ms,omitempty"`
	TimeoutMs  int            `json:"timeout_ms,omitempty"`
}

func (ir *invokeRequest) toRouter(keyID string) router.InvokeRequest {
	return router.InvokeRequest{
		Tool:      ir.Tool,
		Arguments: ir.Arguments,
		KeyID:     keyID,
		CacheTTL:  time.Duration(ir.CacheTTLMs) * time.Millisecond,
		Timeout:   time.Duration(ir.TimeoutMs) * time.Millisecond,
	}
}

func (r *Router) handleToolInvoke(w http.ResponseWriter, req *http.Request) {
	var body invokeRequest
	if err := decode(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	if body.Tool == "" {
		writeErr(w, &errors.ValidationError{Field: "tool", Message: "tool is required"})
		return
	}
	result, err := r.deps.Router.Invoke(req.Context(), body.toRouter(IdentityFrom(req.Context()).KeyID))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type batchRequest struct {
	Items []invokeRequest `json:"items"`
}

func (r *Router) handleToolBatch(w http.ResponseWriter, req *http.Request) {
	var body batchRequest
	if err := decode(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	if len(body.Items) == 0 {
		writeErr(w, &errors.ValidationError{Field: "items", Message: "at least one item is required"})
		return
	}

	keyID := IdentityFrom(req.Context()).KeyID
	reqs := make([]router.InvokeRequest, len(body.Items))
	for i, item := range body.Items {
		if item.Tool == "" {
			writeErr(w, &errors.ValidationError{Field: "items", Message: "every item needs a tool"})
			return
		}
		reqs[i] = item.toRouter(keyID)
	}

	items, summary := r.deps.Router.InvokeBatch(req.Context(), reqs)
	out := make([]map[string]any, len(items))
	for i, item := range items {
		entry := map[string]any{"tool": reqs[i].Tool}
		if item.Err != nil {
			entry["error"] = item.Err.Error()
			entry["kind"] = errors.Kind(item.Err)
		} else {
			entry["result"] = item.Result
		}
		out[i] = entry
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "summary": summary})
}

type promptGetRequest struct {
	Prompt string            `json:"prompt"`
	Args   map[string]string `json:"args,omitempty"`
}

func (r *Router) handlePromptGet(w http.ResponseWriter, req *http.Request) {
	var body promptGetRequest
	if err := decode(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	if body.Prompt == "" {
		writeErr(w, &errors.ValidationError{Field: "prompt", Message: "prompt is required"})
		return
	}
	resp, err := r.deps.Router.GetPrompt(req.Context(), body.Prompt, body.Args)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type resourceReadRequest struct {
	Resource string `json:"resource"`
}

func (r *Router) handleResourceRead(w http.ResponseWriter, req *http.Request) {
	var body resourceReadRequest
	if err := decode(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	if body.Resource == "" {
		writeErr(w, &errors.ValidationError{Field: "resource", Message: "resource is required"})
		return
	}
	resp, err := r.deps.Router.ReadResource(req.Context(), body.Resource)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type semanticSearchRequest struct {
	Query string `json:"query"`
	Kind  string `json:"kind,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func (r *Router) handleSemanticSearch(w http.ResponseWriter, req *http.Request) {
	var body semanticSearchRequest
	if err := decode(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	if body.Query == "" {
		writeErr(w, &errors.ValidationError{Field: "query", Message: "query is required"})
		return
	}
	matches, err := r.deps.Semantic.Search(req.Context(), body.Query, registry.Kind(body.Kind), body.Limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}
