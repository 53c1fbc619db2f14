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
	"time"

	"github.com/google/uuid"

	"github.com/tombee/gantry/internal/store"
)

// audited wraps a mutating handler so its outcome lands in the audit
// log: action, caller, resource, duration, and the response status.
func (r *Router) audited(action, resourceType string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, req)

		id := IdentityFrom(req.Context())
		entry := &store.AuditEntry{
			ID:           uuid.NewString(),
			Action:       action,
			KeyID:        id.KeyID,
			TenantID:     id.TenantID,
			ResourceType: resourceType,
			ResourceID:   req.PathValue("id"),
			DurationMs:   time.Since(start).Milliseconds(),
			Success:      rec.status < 400,
		}
		if !entry.Success {
			entry.Error = http.StatusText(rec.status)
		}
		if err := r.deps.Store.InsertAudit(req.Context(), entry); err != nil {
			r.logger.Warn("failed to write audit entry", "action", action, "error", err)
		}
	}
}

func (r *Router) handleAuditList(w http.ResponseWriter, req *http.Request) {
	entries, err := r.deps.Store.ListAudit(req.Context(),
		req.URL.Query().Get("action"), queryInt(req, "limit", 50), queryInt(req, "offset", 0))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
