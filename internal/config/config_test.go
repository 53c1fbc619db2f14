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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/gantry/internal/store"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "gantry.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("DB_PATH", "")
	t.Setenv("PORT", "")
	t.Setenv("GANTRY_MASTER_KEY", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "gantry.db", cfg.DBPath)
	assert.Equal(t, 8080, cfg.Port)
	assert.Empty(t, cfg.MasterKey)
	assert.Equal(t, ":8080", cfg.Addr())

	t.Setenv("DB_PATH", "/var/lib/gantry/state.db")
	t.Setenv("PORT", "9090")
	t.Setenv("GANTRY_MASTER_KEY", "hunter2")

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/gantry/state.db", cfg.DBPath)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "hunter2", cfg.MasterKey)
}

func TestLoadRejectsBadPort(t *testing.T) {
	for _, port := range []string{"abc", "0", "-1", "70000"} {
		t.Setenv("PORT", port)
		_, err := Load("")
		assert.Error(t, err, "port %q", port)
	}
}

func TestLoadServersFileJSON(t *testing.T) {
	path := writeFile(t, "servers.json", `{
		"servers": [
			{
				"name": "files",
				"transport": {"type": "stdio", "command": "mcp-files", "args": ["--root", "/srv"]},
				"rate_limit": {"per_minute": 60, "per_day": 5000},
				"tags": ["storage"]
			},
			{
				"name": "search",
				"transport": {"type": "sse", "url": "https://search.internal/mcp"},
				"auth": {"type": "api_key", "api_key": "k", "header": "X-Key"},
				"enabled": false
			}
		]
	}`)

	entries, err := LoadServersFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "files", entries[0].Name)
	assert.Equal(t, store.TransportStdio, entries[0].Transport.Type)
	assert.Equal(t, []string{"--root", "/srv"}, entries[0].Transport.Args)
	require.NotNil(t, entries[0].RateLimit)
	assert.Equal(t, 60, entries[0].RateLimit.PerMinute)

	assert.Equal(t, store.AuthAPIKey, entries[1].Auth.Type)
	require.NotNil(t, entries[1].Enabled)
	assert.False(t, *entries[1].Enabled)
}

func TestLoadServersFileYAML(t *testing.T) {
	path := writeFile(t, "servers.yaml", `
servers:
  - name: files
    transport:
      type: stdio
      command: mcp-files
      env:
        ROOT: /srv
  - name: ws
    transport:
      type: websocket
      url: wss://ws.internal/mcp
      heartbeat_interval_ms: 15000
`)

	entries, err := LoadServersFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, map[string]string{"ROOT": "/srv"}, entries[0].Transport.Env)
	assert.Equal(t, store.TransportWebSocket, entries[1].Transport.Type)
	assert.Equal(t, 15000, entries[1].Transport.HeartbeatIntervalMs)
}

func TestLoadServersFileValidation(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{"missing name", `{"servers":[{"transport":{"type":"stdio","command":"x"}}]}`},
		{"stdio without command", `{"servers":[{"name":"a","transport":{"type":"stdio"}}]}`},
		{"http without url", `{"servers":[{"name":"a","transport":{"type":"http"}}]}`},
		{"unknown transport", `{"servers":[{"name":"a","transport":{"type":"smoke-signal"}}]}`},
		{"duplicate names", `{"servers":[
			{"name":"a","transport":{"type":"stdio","command":"x"}},
			{"name":"a","transport":{"type":"stdio","command":"y"}}]}`},
		{"unknown field", `{"servers":[{"name":"a","transprot":{"type":"stdio","command":"x"}}]}`},
		{"negative rate limit", `{"servers":[{"name":"a","transport":{"type":"stdio","command":"x"},
			"rate_limit":{"per_minute":-1}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "servers.json", tt.contents)
			_, err := LoadServersFile(path)
			assert.Error(t, err)
		})
	}
}

func TestSyncServersCreatesUpdatesRemoves(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	entries, err := LoadServersFile(writeFile(t, "servers.json", `{"servers":[
		{"name":"files","transport":{"type":"stdio","command":"mcp-files"}},
		{"name":"search","transport":{"type":"sse","url":"https://s.internal/mcp"}}]}`))
	require.NoError(t, err)

	result, err := SyncServers(ctx, st, entries)
	require.NoError(t, err)
	assert.Len(t, result.Created, 2)
	assert.Empty(t, result.Removed)

	files, err := st.GetServerByName(ctx, "files")
	require.NoError(t, err)
	assert.Equal(t, SeededCategory, files.Category)
	assert.True(t, files.Enabled)

	// A server added through the API keeps its own category and must
	// survive reconciliation.
	manual := &store.Server{
		ID: "manual-1", Name: "manual", Enabled: true,
		Transport: store.TransportConfig{Type: store.TransportStdio, Command: "mcp-manual"},
	}
	require.NoError(t, st.CreateServer(ctx, manual))

	// Second pass: "search" dropped, "files" changed.
	entries, err = LoadServersFile(writeFile(t, "servers.json", `{"servers":[
		{"name":"files","transport":{"type":"stdio","command":"mcp-files-v2"}}]}`))
	require.NoError(t, err)

	result, err = SyncServers(ctx, st, entries)
	require.NoError(t, err)
	assert.Empty(t, result.Created)
	assert.Len(t, result.Updated, 1)
	assert.Len(t, result.Removed, 1)

	files, err = st.GetServerByName(ctx, "files")
	require.NoError(t, err)
	assert.Equal(t, "mcp-files-v2", files.Transport.Command)

	_, err = st.GetServerByName(ctx, "search")
	assert.Error(t, err)

	kept, err := st.GetServerByName(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, "manual-1", kept.ID)
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeFile(t, "servers.json",
		`{"servers":[{"name":"a","transport":{"type":"stdio","command":"x"}}]}`)

	changed := make(chan []ServerEntry, 1)
	w, err := Watch(path, nil, func(entries []ServerEntry) {
		select {
		case changed <- entries:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`{"servers":[
		{"name":"a","transport":{"type":"stdio","command":"x"}},
		{"name":"b","transport":{"type":"stdio","command":"y"}}]}`), 0o600))

	select {
	case entries := <-changed:
		assert.Len(t, entries, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	// An invalid rewrite is ignored rather than propagated.
	require.NoError(t, os.WriteFile(path, []byte(`{"servers":[{"name":""}]}`), 0o600))
	select {
	case entries := <-changed:
		t.Fatalf("unexpected reload with %d entries", len(entries))
	case <-time.After(700 * time.Millisecond):
	}
}
