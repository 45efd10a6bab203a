package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Kind of guarded action. Each kind carries its own window and limit.
type Kind string

const (
	KindSubmission Kind = "feedback_submit"
	KindUpload     Kind = "upload"
)

// Rule is the limit applied over a sliding window
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules matches current product configuration: 10 submissions per
// 24h and 10 uploads per minute.
func DefaultRules() map[Kind]Rule {
	return map[Kind]Rule{
		KindSubmission: {Limit: 10, Window: 24 * time.Hour},
		KindUpload:     {Limit: 10, Window: time.Minute},
	}
}

// Status is the outcome of a Check. Allowed=false is an expected result
// the caller branches on, not an error.
type Status struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Store holds the per-key timestamp window. The in-memory store is fine
// for a single process; multi-instance deployments must use the Redis
// store so concurrent records share one window.
type Store interface {
	// Record appends a timestamp under key. Window lets the store expire
	// entries that can no longer affect any check.
	Record(ctx context.Context, key string, at time.Time, window time.Duration) error
	// Timestamps returns recorded timestamps at or after since, oldest
	// first. Must not mutate the observable window.
	Timestamps(ctx context.Context, key string, since time.Time) ([]time.Time, error)
}

// Limiter counts actions per user per kind over a sliding window.
type Limiter struct {
	store Store
	rules map[Kind]Rule
}

func New(store Store, rules map[Kind]Rule) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Limiter{store: store, rules: rules}
}

func key(userID string, kind Kind) string {
	return fmt.Sprintf("ratelimit:%s:%s", kind, userID)
}

// Check reports whether the user may perform the action right now.
// It never mutates state; callers perform the action and then Record it.
func (l *Limiter) Check(ctx context.Context, userID string, kind Kind) (Status, error) {
	rule, ok := l.rules[kind]
	if !ok {
		return Status{}, fmt.Errorf("no rate limit rule for kind %q", kind)
	}

	now := time.Now()
	stamps, err := l.store.Timestamps(ctx, key(userID, kind), now.Add(-rule.Window))
	if err != nil {
		return Status{}, fmt.Errorf("reading rate limit window: %w", err)
	}

	remaining := rule.Limit - len(stamps)
	if remaining < 0 {
		remaining = 0
	}

	resetAt := now
	if len(stamps) > 0 {
		// The window frees a slot when its oldest entry ages out
		resetAt = stamps[0].Add(rule.Window)
	}

	return Status{
		Allowed:   len(stamps) < rule.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Record registers that the user performed the action now.
func (l *Limiter) Record(ctx context.Context, userID string, kind Kind) error {
	rule, ok := l.rules[kind]
	if !ok {
		return fmt.Errorf("no rate limit rule for kind %q", kind)
	}
	if err := l.store.Record(ctx, key(userID, kind), time.Now(), rule.Window); err != nil {
		return fmt.Errorf("recording rate limit entry: %w", err)
	}
	return nil
}
