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

	"github.com/google/uuid"

	"github.com/tombee/gantry/internal/pool"
	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

func (r *Router) registerServerRoutes() {
	r.mux.HandleFunc("GET /v1/servers", r.handleServerList)
	r.mux.HandleFunc("POST /v1/servers", r.audited("server.create", "server", r.handleServerCreate))
	r.mux.HandleFunc("POST /v1/servers/bulk", r.audited("server.bulk", "server", r.handleServerBulk))
	r.mux.HandleFunc("GET /v1/servers/{id}", r.handleServerGet)
	r.mux.HandleFunc("PUT /v1/servers/{id}", r.audited("server.update", "server", r.handleServerUpdate))
	r.mux.HandleFunc("DELETE /v1/servers/{id}", r.audited("server.delete", "server", r.handleServerDelete))
	r.mux.HandleFunc("POST /v1/servers/{id}/connect", r.audited("server.connect", "server", r.handleServerConnect))
	r.mux.HandleFunc("POST /v1/servers/{id}/disconnect", r.audited("server.disconnect", "server", r.handleServerDisconnect))
	r.mux.HandleFunc("GET /v1/servers/{id}/circuit", r.handleServerCircuit)
	r.mux.HandleFunc("POST /v1/servers/{id}/circuit/reset", r.audited("circuit.reset", "server", r.handleServerCircuitReset))
	r.mux.HandleFunc("GET /v1/servers/{id}/limits", r.handleServerLimits)
}

// serverRequest is the JSON body for creating or updating a server.
type serverRequest struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	Transport   store.TransportConfig   `json:"transport"`
	Auth        store.AuthDescriptor    `json:"auth"`
	HealthCheck store.HealthCheckPolicy `json:"health_check"`
	RateLimit   *store.RateLimitPolicy  `json:"rate_limit,omitempty"`
	Tags        []string                `json:"tags,omitempty"`
	Category    string                  `json:"category,omitempty"`
	Enabled     *bool                   `json:"enabled,omitempty"`
}

func (sr *serverRequest) validate() error {
	if sr.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "name is required"}
	}
	switch sr.Transport.Type {
	case store.TransportStdio:
		if sr.Transport.Command == "" {
			return &errors.ValidationError{Field: "transport.command", Message: "stdio transport requires a command"}
		}
	case store.TransportSSE, store.TransportHTTP, store.TransportWebSocket:
		if sr.Transport.URL == "" {
			return &errors.ValidationError{Field: "transport.url", Message: "transport requires a url"}
		}
	default:
		return &errors.ValidationError{Field: "transport.type", Message: "unknown transport type"}
	}
	if sr.RateLimit != nil && (sr.RateLimit.PerMinute < 0 || sr.RateLimit.PerDay < 0) {
		return &errors.ValidationError{Field: "rate_limit", Message: "rate limits must be non-negative"}
	}
	return nil
}

func (sr *serverRequest) apply(srv *store.Server) {
	srv.Name = sr.Name
	srv.Description = sr.Description
	srv.Transport = sr.Transport
	srv.Auth = sr.Auth
	srv.HealthCheck = sr.HealthCheck
	srv.RateLimit = sr.RateLimit
	srv.Tags = sr.Tags
	srv.Category = sr.Category
	if sr.Enabled != nil {
		srv.Enabled = *sr.Enabled
	}
}

// serverView is a server plus its live connection state.
type serverView struct {
	*store.Server
	Connection *pool.Status `json:"connection,omitempty"`
}

func (r *Router) serverView(srv *store.Server) serverView {
	v := serverView{Server: srv}
	if st, err := r.deps.Servers.Status(srv.ID); err == nil {
		v.Connection = st
	}
	return v
}

func (r *Router) handleServerList(w http.ResponseWriter, req *http.Request) {
	servers, err := r.deps.Store.ListServers(req.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]serverView, 0, len(servers))
	for _, srv := range servers {
		views = append(views, r.serverView(srv))
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": views})
}

func (r *Router) handleServerCreate(w http.ResponseWriter, req *http.Request) {
	var body serverRequest
	if err := decode(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := body.validate(); err != nil {
		writeErr(w, err)
		return
	}

	srv := &store.Server{ID: uuid.NewString(), Enabled: true}
	body.apply(srv)
	if err := r.deps.Store.CreateServer(req.Context(), srv); err != nil {
		writeErr(w, err)
		return
	}

	resp := map[string]any{"server": r.serverView(srv)}
	if srv.Enabled {
		if err := r.deps.Servers.Connect(req.Context(), srv.ID); err != nil {
			resp["connect_error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (r *Router) handleServerGet(w http.ResponseWriter, req *http.Request) {
	srv, err := r.deps.Store.GetServer(req.Context(), req.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server": r.serverView(srv)})
}

func (r *Router) handleServerUpdate(w http.ResponseWriter, req *http.Request) {
	srv, err := r.deps.Store.GetServer(req.Context(), req.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	var body serverRequest
	if err := decode(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := body.validate(); err != nil {
		writeErr(w, err)
		return
	}
	body.apply(srv)
	if err := r.deps.Store.UpdateServer(req.Context(), srv); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server": r.serverView(srv)})
}

func (r *Router) handleServerDelete(w http.ResponseWriter, req *http.Request) {
	if err := r.deps.Servers.Remove(req.Context(), req.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleServerConnect(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.deps.Servers.Connect(req.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	st, err := r.deps.Servers.Status(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection": st})
}

func (r *Router) handleServerDisconnect(w http.ResponseWriter, req *http.Request) {
	if err := r.deps.Servers.Disconnect(req.Context(), req.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// bulkRequest applies one action across many servers with per-item
// outcomes; a failing id does not abort the rest.
type bulkRequest struct {
	Action string   `json:"action"` // connect | disconnect | enable | disable
	IDs    []string `json:"ids"`
}

type bulkOutcome struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (r *Router) handleServerBulk(w http.ResponseWriter, req *http.Request) {
	var body bulkRequest
	if err := decode(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	if len(body.IDs) == 0 {
		writeErr(w, &errors.ValidationError{Field: "ids", Message: "at least one server id is required"})
		return
	}

	outcomes := make([]bulkOutcome, 0, len(body.IDs))
	for _, id := range body.IDs {
		var err error
		switch body.Action {
		case "connect":
			err = r.deps.Servers.Connect(req.Context(), id)
		case "disconnect":
			err = r.deps.Servers.Disconnect(req.Context(), id)
		case "enable":
			err = r.setServerEnabled(req, id, true)
		case "disable":
			err = r.setServerEnabled(req, id, false)
		default:
			writeErr(w, &errors.ValidationError{Field: "action", Message: "unknown bulk action"})
			return
		}
		outcome := bulkOutcome{ID: id, OK: err == nil}
		if err != nil {
			outcome.Error = err.Error()
		}
		outcomes = append(outcomes, outcome)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": outcomes})
}

func (r *Router) setServerEnabled(req *http.Request, id string, enabled bool) error {
	srv, err := r.deps.Store.GetServer(req.Context(), id)
	if err != nil {
		return err
	}
	srv.Enabled = enabled
	if err := r.deps.Store.UpdateServer(req.Context(), srv); err != nil {
		return err
	}
	if !enabled {
		return r.deps.Servers.Disconnect(req.Context(), id)
	}
	return nil
}

func (r *Router) handleServerCircuit(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if _, err := r.deps.Store.GetServer(req.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"server_id": id,
		"state":     r.deps.Circuits.State(req.Context(), id),
	})
}

func (r *Router) handleServerCircuitReset(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if _, err := r.deps.Store.GetServer(req.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	r.deps.Circuits.Reset(req.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{
		"server_id": id,
		"state":     r.deps.Circuits.State(req.Context(), id),
	})
}

func (r *Router) handleServerLimits(w http.ResponseWriter, req *http.Request) {
	id := IdentityFrom(req.Context())
	keyID := req.URL.Query().Get("key_id")
	if keyID == "" {
		keyID = id.KeyID
	}
	result, err := r.deps.Limiter.Peek(req.Context(), keyID, req.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
