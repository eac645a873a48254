// Package ratelimit enforces per-user, per-action throughput limits: a
// cooldown between successive invocations and a daily execution cap. Both
// are backed by a shared counter store so limits hold across all processes
// serving the same user.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/zia/backend/internal/action"
)

// CounterStore is the minimal key-value contract the limiter needs: string
// get/set with TTL plus atomic increment and expiry. The Redis adapter in
// internal/infra satisfies it; MemoryStore is the in-process fallback.
type CounterStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// ThrottledError is returned when a gate rejects the request. RetryAfter is
// zero for daily-cap rejections (retry tomorrow).
type ThrottledError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string { return e.Message }

// StoreError wraps a counter-store failure so callers can tell an
// infrastructure fault apart from a throttle decision and apply the
// deployment's fail-open/fail-closed policy.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("counter store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// storeTimeout bounds each counter-store round trip so a slow store cannot
// stall the admission pipeline.
const storeTimeout = time.Second

// Limiter checks the two rate gates for an action, cooldown first (cheaper,
// rejects bursty retries before touching the daily counter).
type Limiter struct {
	store CounterStore
	now   func() time.Time
}

// NewLimiter creates a limiter over the given counter store.
func NewLimiter(store CounterStore) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// WithClock overrides the limiter's clock. Test hook.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check enforces the schema's cooldown and daily cap for the given user.
// It returns nil when the request may proceed, *ThrottledError when a gate
// rejects it, and *StoreError when the counter store is unreachable.
//
// The daily counter increments even on the request that trips the cap: with
// a cap of N, calls 1..N pass and call N+1 is the first rejected.
func (l *Limiter) Check(ctx context.Context, userID string, schema action.Schema) error {
	now := l.now()

	if schema.CooldownSeconds > 0 {
		if err := l.checkCooldown(ctx, userID, schema, now); err != nil {
			return err
		}
	}
	if schema.MaxDailyExecutions > 0 {
		if err := l.checkDailyCap(ctx, userID, schema, now); err != nil {
			return err
		}
	}
	return nil
}

func (l *Limiter) checkCooldown(ctx context.Context, userID string, schema action.Schema, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	window := time.Duration(schema.CooldownSeconds) * time.Second
	key := fmt.Sprintf("cd:%s:%s", userID, schema.ActionType)

	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return &StoreError{Op: "get", Err: err}
	}
	if ok {
		last, parseErr := strconv.ParseFloat(raw, 64)
		if parseErr == nil {
			elapsed := now.Sub(time.Unix(0, int64(last*float64(time.Second))))
			if elapsed < window {
				remaining := window - elapsed
				return &ThrottledError{
					Message:    fmt.Sprintf("Cooldown active. Retry in %ds", int(math.Ceil(remaining.Seconds()))),
					RetryAfter: remaining,
				}
			}
		}
	}

	stamp := strconv.FormatFloat(float64(now.UnixNano())/float64(time.Second), 'f', -1, 64)
	if err := l.store.SetWithTTL(ctx, key, stamp, window); err != nil {
		return &StoreError{Op: "set", Err: err}
	}
	return nil
}

func (l *Limiter) checkDailyCap(ctx context.Context, userID string, schema action.Schema, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	// Calendar day in UTC so every process agrees on the window boundary.
	key := fmt.Sprintf("daily:%s:%s:%s", userID, schema.ActionType, now.UTC().Format("20060102"))

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		return &StoreError{Op: "incr", Err: err}
	}
	if count == 1 {
		if err := l.store.Expire(ctx, key, 24*time.Hour); err != nil {
			return &StoreError{Op: "expire", Err: err}
		}
	}
	if count > int64(schema.MaxDailyExecutions) {
		return &ThrottledError{
			Message: fmt.Sprintf("Daily limit (%d) reached for %s", schema.MaxDailyExecutions, schema.DisplayName),
		}
	}
	return nil
}
