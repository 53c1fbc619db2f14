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

// Package registry indexes the tools, prompts, and resources of connected
// servers and routes name lookups. Qualified names take the form
// "server/capability"; bare names resolve to the first registration.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tombee/gantry/internal/pool"
	"github.com/tombee/gantry/pkg/errors"
)

// Kind of a registered capability.
type Kind string

const (
	// KindTool is an invocable tool.
	KindTool Kind = "tool"
	// KindPrompt is a prompt template.
	KindPrompt Kind = "prompt"
	// KindResource is a readable resource.
	KindResource Kind = "resource"
)

// Entry is one registered capability.
type Entry struct {
	// Kind is tool, prompt, or resource
	Kind Kind `json:"kind"`

	// Name is the capability's name within its server
	Name string `json:"name"`

	// Qualified is "serverName/name"
	Qualified string `json:"qualified"`

	// ServerID and ServerName locate the owning server
	ServerID   string `json:"server_id"`
	ServerName string `json:"server_name"`

	// Description comes from the server's listing
	Description string `json:"description,omitempty"`

	// Category and Tags are inherited from the server config
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`

	// Tool, Prompt, and Resource carry the kind-specific definition
	Tool     *pool.ToolDefinition     `json:"tool,omitempty"`
	Prompt   *pool.PromptDefinition   `json:"prompt,omitempty"`
	Resource *pool.ResourceDefinition `json:"resource,omitempty"`

	// RegisteredAt orders bare-name resolution
	RegisteredAt time.Time `json:"registered_at"`
}

// ServerInfo is the registration metadata for one server.
type ServerInfo struct {
	ID       string
	Name     string
	Category string
	Tags     []string
}

// serverEntry groups a server's registered capabilities.
type serverEntry struct {
	info         ServerInfo
	entries      []*Entry
	registeredAt time.Time
}

// Registry is the capability index.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*serverEntry // by server id
	byName  map[string]string       // server name -> server id
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		servers: make(map[string]*serverEntry),
		byName:  make(map[string]string),
	}
}

// Register indexes a server's capabilities, replacing any previous
// registration for the same server id.
func (r *Registry) Register(info ServerInfo, tools []pool.ToolDefinition, prompts []pool.PromptDefinition, resources []pool.ResourceDefinition) {
	now := time.Now()
	entries := make([]*Entry, 0, len(tools)+len(prompts)+len(resources))

	for i := range tools {
		t := tools[i]
		entries = append(entries, &Entry{
			Kind:         KindTool,
			Name:         t.Name,
			Qualified:    info.Name + "/" + t.Name,
			ServerID:     info.ID,
			ServerName:   info.Name,
			Description:  t.Description,
			Category:     info.Category,
			Tags:         info.Tags,
			Tool:         &t,
			RegisteredAt: now,
		})
	}
	for i := range prompts {
		p := prompts[i]
		entries = append(entries, &Entry{
			Kind:         KindPrompt,
			Name:         p.Name,
			Qualified:    info.Name + "/" + p.Name,
			ServerID:     info.ID,
			ServerName:   info.Name,
			Description:  p.Description,
			Category:     info.Category,
			Tags:         info.Tags,
			Prompt:       &p,
			RegisteredAt: now,
		})
	}
	for i := range resources {
		res := resources[i]
		name := res.Name
		if name == "" {
			name = res.URI
		}
		entries = append(entries, &Entry{
			Kind:         KindResource,
			Name:         name,
			Qualified:    info.Name + "/" + name,
			ServerID:     info.ID,
			ServerName:   info.Name,
			Description:  res.Description,
			Category:     info.Category,
			Tags:         info.Tags,
			Resource:     &res,
			RegisteredAt: now,
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Preserve original registration order when re-registering.
	if prev, ok := r.servers[info.ID]; ok {
		now = prev.registeredAt
		for _, e := range entries {
			e.RegisteredAt = now
		}
		delete(r.byName, prev.info.Name)
	}

	r.servers[info.ID] = &serverEntry{info: info, entries: entries, registeredAt: now}
	r.byName[info.Name] = info.ID
}

// Unregister drops a server's capabilities.
func (r *Registry) Unregister(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if se, ok := r.servers[serverID]; ok {
		delete(r.byName, se.info.Name)
		delete(r.servers, serverID)
	}
}

// Find resolves a capability by name. A qualified "server/name" resolves
// within that server; a bare name resolves to the earliest-registered
// match across servers.
func (r *Registry) Find(kind Kind, name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if serverName, capName, ok := strings.Cut(name, "/"); ok {
		id, found := r.byName[serverName]
		if !found {
			return nil, &errors.NotFoundError{Resource: "server", ID: serverName}
		}
		for _, e := range r.servers[id].entries {
			if e.Kind == kind && e.Name == capName {
				return e, nil
			}
		}
		return nil, &errors.NotFoundError{Resource: string(kind), ID: name}
	}

	var best *Entry
	for _, se := range r.servers {
		for _, e := range se.entries {
			if e.Kind != kind || e.Name != name {
				continue
			}
			if best == nil || e.RegisteredAt.Before(best.RegisteredAt) ||
				(e.RegisteredAt.Equal(best.RegisteredAt) && e.ServerName < best.ServerName) {
				best = e
			}
		}
	}
	if best == nil {
		return nil, &errors.NotFoundError{Resource: string(kind), ID: name}
	}
	return best, nil
}

// FindAll returns every server's entry for a bare capability name,
// ordered by registration time.
func (r *Registry) FindAll(kind Kind, name string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*Entry
	for _, se := range r.servers {
		for _, e := range se.entries {
			if e.Kind == kind && e.Name == name {
				matches = append(matches, e)
			}
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].RegisteredAt.Equal(matches[j].RegisteredAt) {
			return matches[i].RegisteredAt.Before(matches[j].RegisteredAt)
		}
		return matches[i].ServerName < matches[j].ServerName
	})
	return matches
}

// Query filters a Search.
type Query struct {
	// Text matches name, description, and server name as a
	// case-insensitive substring.
	Text string

	// Kind restricts to one capability kind; empty matches all.
	Kind Kind

	// Category and Tags filter on the owning server's config. All
	// listed tags must be present.
	Category string
	Tags     []string

	// ServerID restricts to one server.
	ServerID string

	// Limit and Offset page the results. Limit 0 means 50.
	Limit  int
	Offset int
}

// SearchResult is one page of matches.
type SearchResult struct {
	Entries []*Entry `json:"entries"`
	Total   int      `json:"total"`
}

// Search returns matching entries sorted by qualified name.
func (r *Registry) Search(q Query) *SearchResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	text := strings.ToLower(q.Text)
	var matches []*Entry
	for _, se := range r.servers {
		if q.ServerID != "" && se.info.ID != q.ServerID {
			continue
		}
		if q.Category != "" && se.info.Category != q.Category {
			continue
		}
		if !hasAllTags(se.info.Tags, q.Tags) {
			continue
		}
		for _, e := range se.entries {
			if q.Kind != "" && e.Kind != q.Kind {
				continue
			}
			if text != "" &&
				!strings.Contains(strings.ToLower(e.Name), text) &&
				!strings.Contains(strings.ToLower(e.Description), text) &&
				!strings.Contains(strings.ToLower(e.ServerName), text) {
				continue
			}
			matches = append(matches, e)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Qualified < matches[j].Qualified
	})

	total := len(matches)
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	start := q.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return &SearchResult{Entries: matches[start:end], Total: total}
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Servers lists registered server info sorted by name.
func (r *Registry) Servers() []ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerInfo, 0, len(r.servers))
	for _, se := range r.servers {
		out = append(out, se.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
