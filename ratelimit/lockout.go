package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"medgate/config"
	"medgate/core"
	"medgate/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// LockoutState is the per-account failure record
type LockoutState struct {
	Failures    int       `msgpack:"f"`
	LastFailure time.Time `msgpack:"l"`
	LockedUntil time.Time `msgpack:"u"`
}

// LockoutStatus is what callers see
type LockoutStatus struct {
	Locked     bool
	Failures   int
	RetryAfter time.Duration
}

// LockoutStore persists LockoutState. Update applies fn atomically per account.
type LockoutStore interface {
	Update(ctx context.Context, account string, ttl time.Duration, fn func(*LockoutState)) (LockoutState, error)
	Delete(ctx context.Context, account string) error
}

// LockoutTracker counts consecutive authentication failures per account.
// It is keyed by account, never by IP, so rotating addresses does not
// reset the count.
type LockoutTracker struct {
	store     LockoutStore
	threshold int
	duration  time.Duration
	policy    config.LockoutPolicy
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// NewLockoutTracker creates a tracker
func NewLockoutTracker(store LockoutStore, threshold int, duration time.Duration, policy config.LockoutPolicy, logger *zap.SugaredLogger) *LockoutTracker {
	if policy == "" {
		policy = config.LockoutPolicyFixed
	}
	return &LockoutTracker{
		store:     store,
		threshold: threshold,
		duration:  duration,
		policy:    policy,
		now:       time.Now,
		logger:    logger,
	}
}

// Check reports whether account is locked. Under the sliding policy an
// attempt during an active lockout pushes the expiry out by the full
// duration; under the fixed policy the expiry is left untouched.
func (t *LockoutTracker) Check(ctx context.Context, account string) (LockoutStatus, error) {
	account = normalizeAccount(account)
	now := t.now()
	st, err := t.store.Update(ctx, account, t.ttl(), func(s *LockoutState) {
		t.expire(s, now)
		if t.policy == config.LockoutPolicySliding && now.Before(s.LockedUntil) {
			extendTo(s, now.Add(t.duration))
		}
	})
	if err != nil {
		return LockoutStatus{}, err
	}
	return t.status(st, now), nil
}

// RecordFailure counts one failed authentication. Crossing the threshold
// locks the account for the configured duration.
func (t *LockoutTracker) RecordFailure(ctx context.Context, account string) (LockoutStatus, error) {
	account = normalizeAccount(account)
	now := t.now()
	var lockedNow bool
	st, err := t.store.Update(ctx, account, t.ttl(), func(s *LockoutState) {
		lockedNow = false
		t.expire(s, now)
		if now.Before(s.LockedUntil) {
			if t.policy == config.LockoutPolicySliding {
				extendTo(s, now.Add(t.duration))
			}
			return
		}
		s.Failures++
		s.LastFailure = now
		if s.Failures >= t.threshold {
			extendTo(s, now.Add(t.duration))
			lockedNow = true
		}
	})
	if err != nil {
		return LockoutStatus{}, err
	}
	if lockedNow {
		metrics.Lockouts.Inc()
		t.logger.Warnw("AUDIT: Account locked after repeated authentication failures",
			"account", account,
			"failures", st.Failures,
			"locked_until", st.LockedUntil)
	}
	return t.status(st, now), nil
}

// RecordSuccess resets the failure counter. Callers check the lockout first,
// so a success never clears an active lockout.
func (t *LockoutTracker) RecordSuccess(ctx context.Context, account string) error {
	return t.store.Delete(ctx, normalizeAccount(account))
}

// expire clears a finished lockout and forgets failures that are older
// than one lockout duration
func (t *LockoutTracker) expire(s *LockoutState, now time.Time) {
	if !s.LockedUntil.IsZero() && !now.Before(s.LockedUntil) {
		*s = LockoutState{}
		return
	}
	if s.LockedUntil.IsZero() && !s.LastFailure.IsZero() && now.Sub(s.LastFailure) > t.duration {
		*s = LockoutState{}
	}
}

func (t *LockoutTracker) status(s LockoutState, now time.Time) LockoutStatus {
	if now.Before(s.LockedUntil) {
		return LockoutStatus{Locked: true, Failures: s.Failures, RetryAfter: s.LockedUntil.Sub(now)}
	}
	return LockoutStatus{Failures: s.Failures}
}

// ttl bounds how long a state lives in the store. A sliding lockout is
// re-written on every attempt so one duration past the write is enough.
func (t *LockoutTracker) ttl() time.Duration {
	return 2 * t.duration
}

// extendTo moves the expiry forward only
func extendTo(s *LockoutState, until time.Time) {
	if until.After(s.LockedUntil) {
		s.LockedUntil = until
	}
}

func normalizeAccount(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}

// MemoryLockoutStore keeps lockout state in striped maps
type MemoryLockoutStore struct {
	states *stripes[LockoutState]
}

// NewMemoryLockoutStore creates an in-process lockout store
func NewMemoryLockoutStore(shards int) *MemoryLockoutStore {
	return &MemoryLockoutStore{states: newStripes[LockoutState](shards)}
}

// Update implements LockoutStore
func (m *MemoryLockoutStore) Update(_ context.Context, account string, _ time.Duration, fn func(*LockoutState)) (LockoutState, error) {
	sh := m.states.get(account)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.m[account]
	fn(&st)
	if st == (LockoutState{}) {
		delete(sh.m, account)
	} else {
		sh.m[account] = st
	}
	return st, nil
}

// Delete implements LockoutStore
func (m *MemoryLockoutStore) Delete(_ context.Context, account string) error {
	sh := m.states.get(account)
	sh.mu.Lock()
	delete(sh.m, account)
	sh.mu.Unlock()
	return nil
}

// maxTxRetries bounds optimistic-lock retries on a hot account key
const maxTxRetries = 10

// RedisLockoutStore keeps msgpack-encoded state under a WATCHed key so
// concurrent failures from several instances are not lost
type RedisLockoutStore struct {
	client redis.UniversalClient
}

// NewRedisLockoutStore creates a lockout store on the shared cache connection
func NewRedisLockoutStore(cache *core.RedisCache) *RedisLockoutStore {
	return &RedisLockoutStore{client: cache.Client()}
}

// Update implements LockoutStore with WATCH/MULTI
func (r *RedisLockoutStore) Update(ctx context.Context, account string, ttl time.Duration, fn func(*LockoutState)) (LockoutState, error) {
	key := core.LockoutCacheKey(account)
	var result LockoutState

	txf := func(tx *redis.Tx) error {
		var st LockoutState
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := msgpack.Unmarshal(data, &st); err != nil {
				return fmt.Errorf("decode lockout state: %w", err)
			}
		}

		fn(&st)
		result = st

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if st == (LockoutState{}) {
				pipe.Del(ctx, key)
				return nil
			}
			encoded, err := msgpack.Marshal(&st)
			if err != nil {
				return err
			}
			pipe.Set(ctx, key, encoded, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		metrics.RedisErrors.WithLabelValues("lockout").Inc()
		return LockoutState{}, err
	}
	return LockoutState{}, fmt.Errorf("lockout update for %s: too much contention", account)
}

// Delete implements LockoutStore
func (r *RedisLockoutStore) Delete(ctx context.Context, account string) error {
	return r.client.Del(ctx, core.LockoutCacheKey(account)).Err()
}
