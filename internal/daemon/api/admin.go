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
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/gantry/internal/budget"
	"github.com/tombee/gantry/internal/secrets"
	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

func (r *Router) registerAdminRoutes() {
	r.mux.HandleFunc("GET /v1/tenants", r.requireAdmin(r.handleTenantList))
	r.mux.HandleFunc("POST /v1/tenants", r.requireAdmin(r.audited("tenant.create", "tenant", r.handleTenantCreate)))
	r.mux.HandleFunc("DELETE /v1/tenants/{id}", r.requireAdmin(r.audited("tenant.delete", "tenant", r.handleTenantDelete)))

	r.mux.HandleFunc("GET /v1/keys", r.requireAdmin(r.handleKeyList))
	r.mux.HandleFunc("POST /v1/keys", r.requireAdmin(r.audited("key.create", "api_key", r.handleKeyCreate)))
	r.mux.HandleFunc("DELETE /v1/keys/{id}", r.requireAdmin(r.audited("key.delete", "api_key", r.handleKeyDelete)))
	r.mux.HandleFunc("PUT /v1/keys/{id}/tenant", r.requireAdmin(r.audited("key.assign", "api_key", r.handleKeyAssign)))

	r.mux.HandleFunc("GET /v1/webhooks", r.handleWebhookList)
	r.mux.HandleFunc("POST /v1/webhooks", r.audited("webhook.create", "webhook", r.handleWebhookCreate))
	r.mux.HandleFunc("PUT /v1/webhooks/{id}", r.audited("webhook.update", "webhook", r.handleWebhookUpdate))
	r.mux.HandleFunc("DELETE /v1/webhooks/{id}", r.audited("webhook.delete", "webhook", r.handleWebhookDelete))
	r.mux.HandleFunc("GET /v1/webhooks/{id}/deliveries", r.handleWebhookDeliveries)
	r.mux.HandleFunc("GET /v1/webhooks/{id}/stats", r.handleWebhookStats)

	r.mux.HandleFunc("GET /v1/detections", r.handleDetectionList)
	r.mux.HandleFunc("POST /v1/detections/{id}/resolve", r.audited("detection.resolve", "detection", r.handleDetectionResolve))

	r.mux.HandleFunc("GET /v1/scanner/patterns", r.handlePatternList)
	r.mux.HandleFunc("POST /v1/scanner/patterns", r.requireAdmin(r.audited("pattern.create", "pattern", r.handlePatternCreate)))
	r.mux.HandleFunc("PUT /v1/scanner/patterns/{id}", r.requireAdmin(r.audited("pattern.update", "pattern", r.handlePatternUpdate)))
	r.mux.HandleFunc("DELETE /v1/scanner/patterns/{id}", r.requireAdmin(r.audited("pattern.delete", "pattern", r.handlePatternDelete)))

	r.mux.HandleFunc("GET /v1/budgets", r.requireAdmin(r.handleBudgetList))
	r.mux.HandleFunc("POST /v1/budgets", r.requireAdmin(r.audited("budget.create", "budget", r.handleBudgetCreate)))
	r.mux.HandleFunc("DELETE /v1/budgets/{id}", r.requireAdmin(r.audited("budget.delete", "budget", r.handleBudgetDelete)))
	r.mux.HandleFunc("GET /v1/budgets/status", r.handleBudgetStatus)

	r.mux.HandleFunc("GET /v1/usage", r.handleUsageSummary)
	r.mux.HandleFunc("GET /v1/audit", r.requireAdmin(r.handleAuditList))
	r.mux.HandleFunc("POST /v1/cache/invalidate", r.audited("cache.invalidate", "cache", r.handleCacheInvalidate))
}

func (r *Router) handleTenantList(w http.ResponseWriter, req *http.Request) {
	tenants, err := r.deps.Store.ListTenants(req.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (r *Router) handleTenantCreate(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decode(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	if body.Name == "" {
		writeErr(w, &errors.ValidationError{Field: "name", Message: "name is required"})
		return
	}
	tenant := &store.Tenant{ID: uuid.NewString(), Name: body.Name}
	if err := r.deps.Store.CreateTenant(req.Context(), tenant); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"tenant": tenant})
}

func (r *Router) handleTenantDelete(w http.ResponseWriter, req *http.Request) {
	if err := r.deps.Store.DeleteTenant(req.Context(), req.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// keyView never exposes the stored hash.
type keyView struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id,omitempty"`
	Name       string    `json:"name"`
	Admin      bool      `json:"admin"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitzero"`
}

func keyToView(k *store.APIKey) keyView {
	return keyView{
		ID: k.ID, TenantID: k.TenantID, Name: k.Name,
		Admin: k.Admin, Enabled: k.Enabled,
		CreatedAt: k.CreatedAt, LastUsedAt: k.LastUsedAt,
	}
}

func (r *Router) handleKeyList(w http.ResponseWriter, req *http.Request) {
	keys, err := r.deps.Store.ListAPIKeys(req.Context(), req.URL.Query().Get("tenant_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, keyToView(k))
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": views})
}

func (r *Router) handleKeyCreate(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Name     string `json:"name"`
		TenantID string `json:"tenant_id,omitempty"`
		Admin    bool   `json:"admin,omitempty"`
	}
	if err := decode(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	if body.Name == "" {
		writeErr(w, &errors.ValidationError{Field: "name", Message: "name is required"})
		return
	}

	raw, err := generateKey()
	if err != nil {
		writeErr(w, err)
		return
	}
	key := &store.APIKey{
		ID:       uuid.NewString(),
		TenantID: body.TenantID,
		Name:     body.Name,
		KeyHash:  store.HashAPIKey(raw),
		Admin:    body.Admin,
		Enabled:  true,
	}
	if err := r.deps.Store.CreateAPIKey(req.Context(), key); err != nil {
		writeErr(w, err)
		return
	}
	// The raw key is returned exactly once; only its hash is stored.
	writeJSON(w, http.StatusCreated, map[string]any{"key": keyToView(key), "api_key": raw})
}

// generateKey produces the raw API key material.
func generateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", &errors.InternalError{Message: "failed to generate key material", Cause: err}
	}
	return "gk_" + hex.EncodeToString(buf), nil
}

func (r *Router) handleKeyDelete(w http.ResponseWriter, req *http.Request) {
	if err := r.deps.Store.DeleteAPIKey(req.Context(), req.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleKeyAssign(w http.ResponseWriter, req *http.Request) {
	var body struct {
		TenantID string `json:"tenant_id"`
	}
	if err := decode(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := r.deps.Store.AssignKeyTenant(req.Context(), req.PathValue("id"), body.TenantID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// webhookRequest is the JSON body for creating or updating a
// subscription.
type webhookRequest struct {
	URL          string   `json:"url"`
	EventKinds   []string `json:"event_kinds,omitempty"`
	Secret       string   `json:"secret,omitempty"`
	ServerID     string   `json:"server_id,omitempty"`
	RetryCount   *int     `json:"retry_count,omitempty"`
	RetryDelayMs *int     `json:"retry_delay_ms,omitempty"`
	TimeoutMs    *int     `json:"timeout_ms,omitempty"`
	Enabled      *bool    `json:"enabled,omitempty"`
}

func (wr *webhookRequest) apply(sub *store.WebhookSubscription) error {
	if wr.URL == "" {
		return &errors.ValidationError{Field: "url", Message: "url is required"}
	}
	sub.URL = wr.URL
	sub.EventKinds = wr.EventKinds
	sub.Secret = wr.Secret
	sub.ServerID = wr.ServerID
	if wr.RetryCount != nil {
		if *wr.RetryCount < 0 {
			return &errors.ValidationError{Field: "retry_count", Message: "retry_count must be non-negative"}
		}
		sub.RetryCount = *wr.RetryCount
	}
	if wr.RetryDelayMs != nil {
		sub.RetryDelayMs = *wr.RetryDelayMs
	}
	if wr.TimeoutMs != nil {
		sub.TimeoutMs = *wr.TimeoutMs
	}
	if wr.Enabled != nil {
		sub.Enabled = *wr.Enabled
	}
	return nil
}

func (r *Router) handleWebhookList(w http.ResponseWriter, req *http.Request) {
	subs, err := r.deps.Store.ListWebhookSubscriptions(req.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": subs})
}

func (r *Router) handleWebhookCreate(w http.ResponseWriter, req *http.Request) {
	var body webhookRequest
	if err := decode(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	sub := &store.WebhookSubscription{
		ID:           uuid.NewString(),
		RetryCount:   3,
		RetryDelayMs: 1000,
		TimeoutMs:    10000,
		Enabled:      true,
	}
	if err := body.apply(sub); err != nil {
		writeErr(w, err)
		return
	}
	if err := r.deps.Store.CreateWebhookSubscription(req.Context(), sub); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"webhook": sub})
}

func (r *Router) handleWebhookUpdate(w http.ResponseWriter, req *http.Request) {
	sub, err := r.deps.Store.GetWebhookSubscription(req.Context(), req.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	var body webhookRequest
	if err := decode(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := body.apply(sub); err != nil {
		writeErr(w, err)
		return
	}
	if err := r.deps.Store.UpdateWebhookSubscription(req.Context(), sub); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhook": sub})
}

func (r *Router) handleWebhookDelete(w http.ResponseWriter, req *http.Request) {
	if err := r.deps.Store.DeleteWebhookSubscription(req.Context(), req.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleWebhookDeliveries(w http.ResponseWriter, req *http.Request) {
	deliveries, err := r.deps.Store.ListDeliveries(req.Context(), req.PathValue("id"),
		queryInt(req, "limit", 50), queryInt(req, "offset", 0))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

func (r *Router) handleWebhookStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.deps.Store.DeliveryStats(req.Context(), req.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (r *Router) handleDetectionList(w http.ResponseWriter, req *http.Request) {
	unresolvedOnly := req.URL.Query().Get("all") == ""
	detections, err := r.deps.Store.ListDetections(req.Context(), unresolvedOnly)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"detections": detections})
}

func (r *Router) handleDetectionResolve(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Note string `json:"note,omitempty"`
	}
	if err := decode(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := r.deps.Store.ResolveDetection(req.Context(), req.PathValue("id"), body.Note); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handlePatternList(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"patterns": r.deps.Scanner.Patterns()})
}

func (r *Router) handlePatternCreate(w http.ResponseWriter, req *http.Request) {
	var body secrets.Pattern
	if err := decode(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	body.Builtin = false
	body.Enabled = true
	if err := r.deps.Scanner.AddPattern(body); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"pattern": body})
}

func (r *Router) handlePatternUpdate(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decode(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := r.deps.Scanner.SetEnabled(req.PathValue("id"), body.Enabled); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handlePatternDelete(w http.ResponseWriter, req *http.Request) {
	if err := r.deps.Scanner.RemovePattern(req.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleBudgetList(w http.ResponseWriter, req *http.Request) {
	rules, err := r.deps.Store.ListBudgetRules(req.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"budgets": rules})
}

func (r *Router) handleBudgetCreate(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Scope        string  `json:"scope"`
		ScopeID      string  `json:"scope_id,omitempty"`
		LimitCredits float64 `json:"limit_credits"`
		Period       string  `json:"period"`
	}
	if err := decode(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	switch body.Scope {
	case budget.ScopeGlobal, budget.ScopeTenant, budget.ScopeWorkflow, budget.ScopeKey:
	default:
		writeErr(w, &errors.ValidationError{Field: "scope", Message: "scope must be global, tenant, workflow, or key"})
		return
	}
	switch body.Period {
	case "day", "week", "month":
	default:
		writeErr(w, &errors.ValidationError{Field: "period", Message: "period must be day, week, or month"})
		return
	}
	if body.LimitCredits < 0 {
		writeErr(w, &errors.ValidationError{Field: "limit_credits", Message: "limit must be non-negative"})
		return
	}

	rule := &store.BudgetRule{
		ID:           uuid.NewString(),
		Scope:        body.Scope,
		ScopeID:      body.ScopeID,
		LimitCredits: body.LimitCredits,
		Period:       body.Period,
		Enabled:      true,
	}
	if err := r.deps.Store.CreateBudgetRule(req.Context(), rule); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"budget": rule})
}

func (r *Router) handleBudgetDelete(w http.ResponseWriter, req *http.Request) {
	if err := r.deps.Store.DeleteBudgetRule(req.Context(), req.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleBudgetStatus(w http.ResponseWriter, req *http.Request) {
	id := budget.Identity{
		TenantID:   req.URL.Query().Get("tenant_id"),
		WorkflowID: req.URL.Query().Get("workflow_id"),
		KeyID:      req.URL.Query().Get("key_id"),
	}
	statuses, err := r.deps.Budgets.StatusFor(req.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses})
}

func (r *Router) handleUsageSummary(w http.ResponseWriter, req *http.Request) {
	keyID := req.URL.Query().Get("key_id")
	if keyID == "" {
		keyID = IdentityFrom(req.Context()).KeyID
	}
	since, ok := queryTime(req, "since")
	if !ok {
		since = time.Now().Add(-24 * time.Hour)
	}
	summary, err := r.deps.Store.SummarizeUsage(req.Context(), keyID, req.URL.Query().Get("server_id"), since)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary, "since": since})
}

func (r *Router) handleCacheInvalidate(w http.ResponseWriter, req *http.Request) {
	var body struct {
		ServerID string `json:"server_id,omitempty"`
		Type     string `json:"type,omitempty"`
	}
	if err := decode(req, &body); err != nil {
		writeErr(w, err)
		return
	}
	n, err := r.deps.Cache.Invalidate(req.Context(), body.ServerID, body.Type)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": n})
}
