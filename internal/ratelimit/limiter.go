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

// Package ratelimit enforces per-key, per-server invocation caps over two
// fixed windows: the current minute and the current UTC calendar day.
// Counters live in the store so limits survive restarts.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/tombee/gantry/internal/store"
	"github.com/tombee/gantry/pkg/errors"
)

// InternalKey accounts for traffic with no caller identity, such as
// workflow steps triggered by schedules.
const InternalKey = "internal"

// Result reports the bucket state after a successful charge.
type Result struct {
	RemainingPerMinute int       `json:"remaining_per_minute"`
	RemainingPerDay    int       `json:"remaining_per_day"`
	ResetAt            time.Time `json:"reset_at"`
}

// Storage is the durable bucket persistence the limiter needs.
type Storage interface {
	GetRateBucket(ctx context.Context, keyID, serverID string) (*store.RateBucket, error)
	PutRateBucket(ctx context.Context, b *store.RateBucket) error
	DeleteRateBuckets(ctx context.Context, serverID string) error
}

const stripeCount = 64

// Limiter charges durable two-window buckets. A striped mutex serializes
// concurrent charges to the same (key, server) pair.
type Limiter struct {
	storage Storage

	mu       sync.RWMutex
	policies map[string]store.RateLimitPolicy

	stripes [stripeCount]sync.Mutex

	// now is swappable for tests.
	now func() time.Time
}

// New creates a limiter backed by the given storage.
func New(storage Storage) *Limiter {
	return &Limiter{
		storage:  storage,
		policies: make(map[string]store.RateLimitPolicy),
		now:      time.Now,
	}
}

// Register installs or replaces a server's rate-limit policy. A policy
// with both limits zero means unlimited.
func (l *Limiter) Register(serverID string, policy store.RateLimitPolicy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[serverID] = policy
}

// Unregister removes a server's policy and drops its durable buckets.
func (l *Limiter) Unregister(ctx context.Context, serverID string) error {
	l.mu.Lock()
	delete(l.policies, serverID)
	l.mu.Unlock()
	return l.storage.DeleteRateBuckets(ctx, serverID)
}

// Allow charges one invocation against the (key, server) buckets. When a
// window is exhausted it returns a RateLimitedError carrying the earliest
// reset time; the charge is not applied.
func (l *Limiter) Allow(ctx context.Context, keyID, serverID string) (*Result, error) {
	if keyID == "" {
		keyID = InternalKey
	}

	l.mu.RLock()
	policy, ok := l.policies[serverID]
	l.mu.RUnlock()
	if !ok || (policy.PerMinute == 0 && policy.PerDay == 0) {
		return &Result{RemainingPerMinute: -1, RemainingPerDay: -1}, nil
	}

	stripe := &l.stripes[fnv32(keyID+"\x00"+serverID)%stripeCount]
	stripe.Lock()
	defer stripe.Unlock()

	now := l.now()
	bucket, err := l.storage.GetRateBucket(ctx, keyID, serverID)
	if err != nil {
		return nil, err
	}
	if bucket == nil {
		bucket = &store.RateBucket{KeyID: keyID, ServerID: serverID}
	}

	// Roll expired windows before charging.
	if !now.Before(bucket.MinuteResetAt) {
		bucket.MinuteCount = 0
		bucket.MinuteResetAt = now.Add(time.Minute)
	}
	if !now.Before(bucket.DayResetAt) {
		bucket.DayCount = 0
		bucket.DayResetAt = nextUTCMidnight(now)
	}

	minuteExceeded := policy.PerMinute > 0 && bucket.MinuteCount >= policy.PerMinute
	dayExceeded := policy.PerDay > 0 && bucket.DayCount >= policy.PerDay
	if minuteExceeded || dayExceeded {
		resetAt := bucket.DayResetAt
		if minuteExceeded && (!dayExceeded || bucket.MinuteResetAt.Before(resetAt)) {
			resetAt = bucket.MinuteResetAt
		}
		return nil, &errors.RateLimitedError{
			KeyID:              keyID,
			ServerID:           serverID,
			RemainingPerMinute: remaining(policy.PerMinute, bucket.MinuteCount),
			RemainingPerDay:    remaining(policy.PerDay, bucket.DayCount),
			ResetAt:            resetAt,
		}
	}

	bucket.MinuteCount++
	bucket.DayCount++
	if err := l.storage.PutRateBucket(ctx, bucket); err != nil {
		return nil, err
	}

	resetAt := bucket.MinuteResetAt
	if policy.PerMinute == 0 {
		resetAt = bucket.DayResetAt
	}
	return &Result{
		RemainingPerMinute: remaining(policy.PerMinute, bucket.MinuteCount),
		RemainingPerDay:    remaining(policy.PerDay, bucket.DayCount),
		ResetAt:            resetAt,
	}, nil
}

// Peek reports the bucket state without charging.
func (l *Limiter) Peek(ctx context.Context, keyID, serverID string) (*Result, error) {
	if keyID == "" {
		keyID = InternalKey
	}

	l.mu.RLock()
	policy, ok := l.policies[serverID]
	l.mu.RUnlock()
	if !ok || (policy.PerMinute == 0 && policy.PerDay == 0) {
		return &Result{RemainingPerMinute: -1, RemainingPerDay: -1}, nil
	}

	now := l.now()
	bucket, err := l.storage.GetRateBucket(ctx, keyID, serverID)
	if err != nil {
		return nil, err
	}
	if bucket == nil || !now.Before(bucket.MinuteResetAt) {
		return &Result{
			RemainingPerMinute: remaining(policy.PerMinute, 0),
			RemainingPerDay:    remaining(policy.PerDay, dayCountOrZero(bucket, now)),
			ResetAt:            now.Add(time.Minute),
		}, nil
	}
	return &Result{
		RemainingPerMinute: remaining(policy.PerMinute, bucket.MinuteCount),
		RemainingPerDay:    remaining(policy.PerDay, dayCountOrZero(bucket, now)),
		ResetAt:            bucket.MinuteResetAt,
	}, nil
}

func dayCountOrZero(b *store.RateBucket, now time.Time) int {
	if b == nil || !now.Before(b.DayResetAt) {
		return 0
	}
	return b.DayCount
}

// remaining returns -1 for unlimited windows.
func remaining(limit, count int) int {
	if limit <= 0 {
		return -1
	}
	r := limit - count
	if r < 0 {
		return 0
	}
	return r
}

func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
