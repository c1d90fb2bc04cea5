// Package ratelimit provides token-bucket rate limiting keyed by an
// arbitrary string. It backs two concerns: per-client throttling of the
// management API and per-rule cooldowns on alert notifications.
package ratelimit

import "context"

// Limiter decides whether an action identified by key may proceed.
type Limiter interface {
	// Allow reports whether the action keyed by key is permitted now.
	// A denied action consumes nothing.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases any background resources held by the limiter.
	Close() error
}

// NoopLimiter permits everything. Used when rate limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func (NoopLimiter) Close() error { return nil }
