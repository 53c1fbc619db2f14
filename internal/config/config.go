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

// Package config loads gateway configuration from the environment and an
// optional servers file. The file declares MCP servers to seed into the
// store at boot; it may be JSON or YAML.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

// SeededCategory marks servers owned by the config file. Reconciliation
// only ever removes servers in this category; servers created through
// the API are left alone.
const SeededCategory = "config"

const (
	defaultDBPath = "gantry.db"
	defaultPort   = 8080
)

// Config is the resolved gateway configuration.
type Config struct {
	// DBPath is the sqlite database file, from DB_PATH.
	DBPath string

	// Port is the HTTP listen port, from PORT.
	Port int

	// MasterKey grants admin access when presented as a bearer token,
	// from GANTRY_MASTER_KEY. Empty disables the master key.
	MasterKey string

	// ServersFile is the path the Servers list was loaded from; empty
	// when no file was given.
	ServersFile string

	// Servers are the declared MCP servers from the file.
	Servers []ServerEntry
}

// ServerEntry is one server declaration in the config file.
type ServerEntry struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	Transport   store.TransportConfig   `json:"transport"`
	Auth        store.AuthDescriptor    `json:"auth,omitempty"`
	HealthCheck store.HealthCheckPolicy `json:"health_check,omitempty"`
	RateLimit   *store.RateLimitPolicy  `json:"rate_limit,omitempty"`
	Tags        []string                `json:"tags,omitempty"`
	Enabled     *bool                   `json:"enabled,omitempty"`
}

type serversFile struct {
	Servers []ServerEntry `json:"servers"`
}

// Load resolves configuration from the environment, then loads the
// servers file when a path is given.
func Load(serversFile string) (*Config, error) {
	cfg := &Config{
		DBPath:    defaultDBPath,
		Port:      defaultPort,
		MasterKey: os.Getenv("GANTRY_MASTER_KEY"),
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.DBPath = path
	}
	if port := os.Getenv("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return nil, &errors.ValidationError{Field: "PORT", Message: fmt.Sprintf("invalid port %q", port)}
		}
		cfg.Port = n
	}

	if serversFile != "" {
		entries, err := LoadServersFile(serversFile)
		if err != nil {
			return nil, err
		}
		cfg.ServersFile = serversFile
		cfg.Servers = entries
	}
	return cfg, nil
}

// LoadServersFile parses a servers file. YAML files are normalized to
// JSON first so both formats share one schema.
func LoadServersFile(path string) ([]ServerEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read servers file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		raw, err = json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to normalize %s: %w", path, err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var file serversFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Servers))
	for i := range file.Servers {
		if err := validateEntry(&file.Servers[i]); err != nil {
			return nil, err
		}
		if seen[file.Servers[i].Name] {
			return nil, &errors.ValidationError{
				Field:   "servers",
				Message: fmt.Sprintf("duplicate server name %q", file.Servers[i].Name),
			}
		}
		seen[file.Servers[i].Name] = true
	}
	return file.Servers, nil
}

func validateEntry(e *ServerEntry) error {
	if e.Name == "" {
		return &errors.ValidationError{Field: "servers.name", Message: "name is required"}
	}
	switch e.Transport.Type {
	case store.TransportStdio:
		if e.Transport.Command == "" {
			return &errors.ValidationError{
				Field:   "servers.transport.command",
				Message: fmt.Sprintf("server %q: stdio transport requires a command", e.Name),
			}
		}
	case store.TransportSSE, store.TransportHTTP, store.TransportWebSocket:
		if e.Transport.URL == "" {
			return &errors.ValidationError{
				Field:   "servers.transport.url",
				Message: fmt.Sprintf("server %q: %s transport requires a url", e.Name, e.Transport.Type),
			}
		}
	default:
		return &errors.ValidationError{
			Field:   "servers.transport.type",
			Message: fmt.Sprintf("server %q: unknown transport type %q", e.Name, e.Transport.Type),
		}
	}
	if e.RateLimit != nil && (e.RateLimit.PerMinute < 0 || e.RateLimit.PerDay < 0) {
		return &errors.ValidationError{
			Field:   "servers.rate_limit",
			Message: fmt.Sprintf("server %q: rate limits must be non-negative", e.Name),
		}
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
