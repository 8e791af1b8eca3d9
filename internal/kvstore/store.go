// Package kvstore is the shared key-value store behind rate limit counters,
// circuit breaker keys, crisis flags and advisory locks. Production runs on
// Redis; tests and single-process setups use the in-memory store.
package kvstore

import (
	"context"
	"time"
)

// Store exposes the atomic primitives the publication runtime relies on.
type Store interface {
	// Get returns the value stored under key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value with the given ttl. A zero ttl keeps the key forever.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Del removes the supplied keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining lifetime of key, zero when the key is missing
	// or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// IncrWithTTL increments the counter at key and applies ttl when the key
	// has no expiry yet, atomically.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// CompareAndDelete removes key only when it still holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}
