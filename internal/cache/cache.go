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

// Package cache provides the two-tier response cache: an in-memory LRU in
// front of the durable store. Keys are derived from canonical JSON so
// logically equal parameters hit the same entry regardless of key order.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tombee/gantry/internal/store"
)

// Entry is a cached response handed back to the router.
type Entry struct {
	Response  []byte
	ExpiresAt time.Time
}

// Storage is the durable tier.
type Storage interface {
	CacheGet(ctx context.Context, key string) (*store.CacheRow, error)
	CachePut(ctx context.Context, r *store.CacheRow) error
	CacheRecordHit(ctx context.Context, key string) error
	CacheInvalidate(ctx context.Context, serverID, entryType string) (int64, error)
	CachePurgeExpired(ctx context.Context) (int64, error)
}

type memEntry struct {
	response  []byte
	entryType string
	serverID  string
	expiresAt time.Time
}

// Cache is the two-tier response cache.
type Cache struct {
	storage Storage
	mem     *lru.Cache[string, memEntry]
	logger  *slog.Logger

	now func() time.Time
}

// New creates a cache with the given in-memory capacity.
func New(storage Storage, capacity int, logger *slog.Logger) (*Cache, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	mem, err := lru.New[string, memEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	return &Cache{storage: storage, mem: mem, logger: logger, now: time.Now}, nil
}

// Key derives the cache key for an invocation. Parameters are
// canonicalized (object keys sorted recursively) before hashing, so
// {"a":1,"b":2} and {"b":2,"a":1} produce the same key.
func Key(entryType, serverID, name string, params json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(entryType))
	h.Write([]byte{0})
	h.Write([]byte(serverID))
	h.Write([]byte{0})
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(Canonicalize(params)))
	return hex.EncodeToString(h.Sum(nil))
}

// Canonicalize renders JSON with object keys sorted at every depth.
// Invalid JSON is returned as-is.
func Canonicalize(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		jb, _ := json.Marshal(val)
		b.Write(jb)
	}
}

// Get looks the key up in memory first, then the durable tier. Durable
// hits are promoted into memory. Returns nil on a miss.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, error) {
	if e, ok := c.mem.Get(key); ok {
		if c.now().Before(e.expiresAt) {
			if err := c.storage.CacheRecordHit(ctx, key); err != nil {
				c.logger.Warn("failed to record cache hit", "error", err)
			}
			return &Entry{Response: e.response, ExpiresAt: e.expiresAt}, nil
		}
		c.mem.Remove(key)
	}

	row, err := c.storage.CacheGet(ctx, key)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	// Expiry is judged against the cache's clock, not the store's, so
	// both tiers agree on what counts as expired.
	if !row.ExpiresAt.After(c.now()) {
		return nil, nil
	}

	c.mem.Add(key, memEntry{
		response:  row.Response,
		entryType: row.Type,
		serverID:  row.ServerID,
		expiresAt: row.ExpiresAt,
	})
	if err := c.storage.CacheRecordHit(ctx, key); err != nil {
		c.logger.Warn("failed to record cache hit", "error", err)
	}
	return &Entry{Response: row.Response, ExpiresAt: row.ExpiresAt}, nil
}

// Put stores a response in both tiers.
func (c *Cache) Put(ctx context.Context, key, entryType, serverID, name string, response []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := c.now()
	expires := now.Add(ttl)

	c.mem.Add(key, memEntry{
		response:  response,
		entryType: entryType,
		serverID:  serverID,
		expiresAt: expires,
	})

	return c.storage.CachePut(ctx, &store.CacheRow{
		Key:       key,
		Type:      entryType,
		ServerID:  serverID,
		Name:      name,
		Response:  response,
		TTLMs:     ttl.Milliseconds(),
		CreatedAt: now,
		ExpiresAt: expires,
	})
}

// Invalidate purges entries matching the server and type filters from
// both tiers. Empty filters match everything.
func (c *Cache) Invalidate(ctx context.Context, serverID, entryType string) (int64, error) {
	for _, key := range c.mem.Keys() {
		e, ok := c.mem.Peek(key)
		if !ok {
			continue
		}
		if (serverID == "" || e.serverID == serverID) && (entryType == "" || e.entryType == entryType) {
			c.mem.Remove(key)
		}
	}
	return c.storage.CacheInvalidate(ctx, serverID, entryType)
}

// PurgeExpired removes expired rows from the durable tier. The memory
// tier self-evicts on read.
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	return c.storage.CachePurgeExpired(ctx)
}
