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

package config

import (
	"context"

	"github.com/google/uuid"

	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

// SyncResult reports what a reconciliation changed, by server id.
type SyncResult struct {
	Created []string
	Updated []string
	Removed []string
}

// SyncServers reconciles declared servers with the store, matching by
// name. Declared servers are created or updated under SeededCategory;
// seeded servers absent from the declaration are deleted. Servers in any
// other category are never touched.
func SyncServers(ctx context.Context, st *store.Store, entries []ServerEntry) (*SyncResult, error) {
	result := &SyncResult{}
	declared := make(map[string]bool, len(entries))

	for _, e := range entries {
		declared[e.Name] = true
		existing, err := st.GetServerByName(ctx, e.Name)
		switch {
		case err == nil:
			applyEntry(&e, existing)
			if err := st.UpdateServer(ctx, existing); err != nil {
				return nil, err
			}
			result.Updated = append(result.Updated, existing.ID)
		case errors.IsNotFound(err):
			srv := &store.Server{ID: uuid.NewString(), Enabled: true}
			applyEntry(&e, srv)
			if err := st.CreateServer(ctx, srv); err != nil {
				return nil, err
			}
			result.Created = append(result.Created, srv.ID)
		default:
			return nil, err
		}
	}

	servers, err := st.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	for _, srv := range servers {
		if srv.Category != SeededCategory || declared[srv.Name] {
			continue
		}
		if err := st.DeleteServer(ctx, srv.ID); err != nil {
			return nil, err
		}
		result.Removed = append(result.Removed, srv.ID)
	}
	return result, nil
}

func applyEntry(e *ServerEntry, srv *store.Server) {
	srv.Name = e.Name
	srv.Description = e.Description
	srv.Transport = e.Transport
	srv.Auth = e.Auth
	srv.HealthCheck = e.HealthCheck
	srv.RateLimit = e.RateLimit
	srv.Tags = e.Tags
	srv.Category = SeededCategory
	if e.Enabled != nil {
		srv.Enabled = *e.Enabled
	}
}
