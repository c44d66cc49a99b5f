// Package ratelimit provides fixed-window rate limiting per identity and
// action. The default MemoryLimiter keeps counters in process (they reset on
// restart); RedisLimiter uses INCR + EXPIRE so counters survive restarts and
// can be shared.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix, e.g. "rl:msg:"
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Default rules.
var (
	// RuleMessage allows 30 text, GIF or image events per minute per identity.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 30, Window: time.Minute}

	// RuleReport allows 5 reports per hour per identity.
	RuleReport = Rule{Key: "rl:report:", Limit: 5, Window: time.Hour}
)

// Result is the outcome of a single Allow check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration // time until the window resets; zero when allowed
}

// Limiter is implemented by MemoryLimiter and RedisLimiter.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule Rule) (Result, error)
}

// ErrRateLimited is matched by every RateLimitedError.
var ErrRateLimited = errors.New("rate limited")

// RateLimitedError reports which action was throttled and when it may be
// retried.
type RateLimitedError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("ratelimit: %s limited, retry after %s", e.Action, e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimited) true for any RateLimitedError.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}
