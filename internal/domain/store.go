package domain

import (
	"context"
	"time"
)

// VelocityStore is the only cross-request shared mutable state in Nexus:
// TTL-expiring counters, amounts, sets and plain keys, keyed per
// (user, window) or per account pair. All write primitives are atomic so
// concurrent transactions from the same user never lose updates.
//
// Counter windows are bucketed: a key expires as a whole when its TTL
// elapses, so a count near the end of a bucket resets abruptly rather
// than decaying continuously. This is a documented approximation.
type VelocityStore interface {
	// IncrCounter atomically increments a counter, starting the window's
	// TTL on first increment, and returns the new value.
	IncrCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// IncrAmount atomically adds to a float accumulator with the same
	// TTL semantics as IncrCounter.
	IncrAmount(ctx context.Context, key string, amount float64, window time.Duration) (float64, error)

	// GetCounter returns the current counter value, 0 when absent.
	GetCounter(ctx context.Context, key string) (int64, error)

	// GetAmount returns the current accumulator value, 0 when absent.
	GetAmount(ctx context.Context, key string) (float64, error)

	// AddToSet atomically adds a member to a set and refreshes its TTL.
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) error

	// SetContains reports set membership.
	SetContains(ctx context.Context, key, member string) (bool, error)

	// SetValue stores a plain value with TTL.
	SetValue(ctx context.Context, key, value string, ttl time.Duration) error

	// GetValue returns a plain value and whether the key exists.
	GetValue(ctx context.Context, key string) (string, bool, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// StoreConfig holds configuration for velocity store initialization.
type StoreConfig struct {
	// Type is the store type: "memory" or "redis"
	Type string

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}
