// Package ratelimit enforces sliding-window budgets per (scope, route class)
// and tracks consecutive authentication failures per account.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Decision is the outcome of one admission check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// RetryAfter is the time until the oldest counted request ages out.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// Store records attempts in a sliding log. Hit must be atomic per key:
// concurrent callers for the same key never both take the last slot.
type Store interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
}

// DefaultShards is the stripe count for in-memory maps
const DefaultShards = 64

// maxKeysPerShard triggers an inline prune of expired logs in one shard
const maxKeysPerShard = 4096

type stripe[V any] struct {
	mu sync.Mutex
	m  map[string]V
}

// stripes is a map split into independently locked shards so unrelated
// keys never contend on one mutex
type stripes[V any] struct {
	shards []*stripe[V]
}

func newStripes[V any](n int) *stripes[V] {
	if n <= 0 {
		n = DefaultShards
	}
	s := &stripes[V]{shards: make([]*stripe[V], n)}
	for i := range s.shards {
		s.shards[i] = &stripe[V]{m: make(map[string]V)}
	}
	return s
}

func (s *stripes[V]) get(key string) *stripe[V] {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

// MemoryStore is the in-process sliding log
type MemoryStore struct {
	logs *stripes[*slidingLog]
}

type slidingLog struct {
	window time.Duration
	times  []time.Time
}

// NewMemoryStore creates a sliding-log store with n shards
func NewMemoryStore(shards int) *MemoryStore {
	return &MemoryStore{logs: newStripes[*slidingLog](shards)}
}

// Hit prunes timestamps older than the window, then admits and records the
// attempt if fewer than limit remain. Denied attempts are not recorded.
func (m *MemoryStore) Hit(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	sh := m.logs.get(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	log, ok := sh.m[key]
	if !ok {
		log = &slidingLog{}
		sh.m[key] = log
	}
	// callers read the clock before taking the lock; keep the log sorted
	if n := len(log.times); n > 0 && now.Before(log.times[n-1]) {
		now = log.times[n-1]
	}
	log.window = window
	log.times = prune(log.times, now.Add(-window))

	if len(log.times) >= limit {
		retry := log.times[0].Add(window).Sub(now)
		if retry <= 0 {
			retry = time.Nanosecond
		}
		return Decision{Allowed: false, Limit: limit, Remaining: 0, RetryAfter: retry}, nil
	}

	log.times = append(log.times, now)
	if len(sh.m) > maxKeysPerShard {
		sweep(sh.m, now)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit - len(log.times)}, nil
}

// Len returns the number of live entries for key
func (m *MemoryStore) Len(key string) int {
	sh := m.logs.get(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if log, ok := sh.m[key]; ok {
		return len(log.times)
	}
	return 0
}

// prune drops entries at or before cutoff. Logs are append-only in time
// order so the live suffix starts at the first entry after cutoff.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	if i == len(times) {
		return times[:0]
	}
	return append(times[:0], times[i:]...)
}

// sweep removes logs whose newest entry has aged out of its own window. It
// runs inline when a shard grows large, so there is no background goroutine.
func sweep(m map[string]*slidingLog, now time.Time) {
	for k, log := range m {
		if len(log.times) == 0 || !log.times[len(log.times)-1].Add(log.window).After(now) {
			delete(m, k)
		}
	}
}
