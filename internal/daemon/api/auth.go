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
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	KeyID    string
	TenantID string
	Admin    bool
}

type identityKey struct{}

// IdentityFrom returns the caller identity stored on the context.
func IdentityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}

// authenticate resolves the caller from the Authorization or X-API-Key
// header. The master key authenticates as an admin without a key row.
// With no master key configured and no keys provisioned, requests are
// admitted as an admin so a fresh install can bootstrap.
func (r *Router) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		raw := bearerToken(req)

		if raw == "" {
			if r.deps.MasterKey != "" || !r.bootstrapOpen(req.Context()) {
				writeErr(w, &errors.UnauthenticatedError{Reason: "missing API key"})
				return
			}
			ctx := context.WithValue(req.Context(), identityKey{}, Identity{Admin: true})
			next.ServeHTTP(w, req.WithContext(ctx))
			return
		}

		if r.deps.MasterKey != "" &&
			subtle.ConstantTimeCompare([]byte(raw), []byte(r.deps.MasterKey)) == 1 {
			ctx := context.WithValue(req.Context(), identityKey{}, Identity{KeyID: "master", Admin: true})
			next.ServeHTTP(w, req.WithContext(ctx))
			return
		}

		key, err := r.deps.Store.GetAPIKeyByHash(req.Context(), store.HashAPIKey(raw))
		if err != nil || !key.Enabled {
			writeErr(w, &errors.UnauthenticatedError{Reason: "invalid API key"})
			return
		}
		if err := r.deps.Store.TouchAPIKey(req.Context(), key.ID); err != nil {
			r.logger.Warn("failed to touch api key", "key_id", key.ID, "error", err)
		}

		ctx := context.WithValue(req.Context(), identityKey{}, Identity{
			KeyID:    key.ID,
			TenantID: key.TenantID,
			Admin:    key.Admin,
		})
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// bootstrapOpen reports whether no API keys exist yet.
func (r *Router) bootstrapOpen(ctx context.Context) bool {
	keys, err := r.deps.Store.ListAPIKeys(ctx, "")
	return err == nil && len(keys) == 0
}

func bearerToken(req *http.Request) string {
	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return req.Header.Get("X-API-Key")
}

// requireAdmin wraps a handler so only admin identities reach it.
func (r *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !IdentityFrom(req.Context()).Admin {
			writeErr(w, &errors.PermissionDeniedError{Operation: req.Method + " " + req.URL.Path, KeyID: IdentityFrom(req.Context()).KeyID})
			return
		}
		next(w, req)
	}
}
