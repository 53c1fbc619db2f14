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
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tombee/gantry/internal/events"
	"github.com/tombee/gantry/pkg/errors"
)

func (r *Router) registerEventRoutes() {
	r.mux.HandleFunc("GET /v1/events", r.handleEventStream)
	r.mux.HandleFunc("GET /v1/executions/{id}/events", r.handleExecutionStream)
}

// handleEventStream is the global SSE feed, optionally filtered by event
// kinds and server id.
func (r *Router) handleEventStream(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, &errors.InternalError{Message: "streaming unsupported"})
		return
	}

	filter := events.Filter{ServerID: req.URL.Query().Get("server_id")}
	if kinds := req.URL.Query().Get("kinds"); kinds != "" {
		filter.Kinds = strings.Split(kinds, ",")
	}

	ch, unsubscribe := r.deps.Bus.Stream(filter)
	defer unsubscribe()

	startSSE(w)
	flusher.Flush()

	for {
		select {
		case <-req.Context().Done():
			return
		case e, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

// handleExecutionStream emits one execution's workflow events and closes
// after the terminal event.
func (r *Router) handleExecutionStream(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, &errors.InternalError{Message: "streaming unsupported"})
		return
	}

	executionID := req.PathValue("id")
	exec, err := r.deps.Store.GetExecution(req.Context(), executionID)
	if err != nil {
		writeErr(w, err)
		return
	}

	ch, unsubscribe := r.deps.Bus.Stream(events.Filter{Kinds: []string{"workflow.*"}})
	defer unsubscribe()

	startSSE(w)
	flusher.Flush()

	// The execution may already be terminal; replay just the outcome so
	// late subscribers are not left hanging.
	if terminalStatus(exec.Status) {
		payload, _ := json.Marshal(map[string]string{"execution_id": exec.ID, "status": exec.Status})
		writeSSE(w, events.Event{Kind: "workflow." + exec.Status, Payload: payload})
		flusher.Flush()
		return
	}

	for {
		select {
		case <-req.Context().Done():
			return
		case e, open := <-ch:
			if !open {
				return
			}
			if eventExecutionID(e) != executionID {
				continue
			}
			writeSSE(w, e)
			flusher.Flush()
			if isTerminalKind(e.Kind) {
				return
			}
		}
	}
}

func startSSE(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeSSE(w http.ResponseWriter, e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data)
}

// eventExecutionID pulls the execution id out of a workflow event
// payload.
func eventExecutionID(e events.Event) string {
	if len(e.Payload) == 0 {
		return ""
	}
	var p struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ""
	}
	return p.ExecutionID
}

func isTerminalKind(kind string) bool {
	switch kind {
	case events.KindWorkflowCompleted, events.KindWorkflowFailed, events.KindWorkflowCancelled:
		return true
	}
	return false
}

func terminalStatus(status string) bool {
	switch status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}
