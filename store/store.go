// Package store is the shared expiring key-value store behind the load
// balancer counters, the result cache and node backoff. Every mutation is
// atomic for a single key; nothing is transactional across keys.
package store

import (
	"context"
	"time"
)

// Store is implemented by Redis and Memory.
type Store interface {
	// IncrByFloat adds delta to the counter at key and resets its expiry to
	// ttl.
	IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)

	// DecrByFloatOrDelete subtracts delta from the counter at key and deletes
	// it if the result is <= 0. The expiry is left untouched.
	DecrByFloatOrDelete(ctx context.Context, key string, delta float64) (float64, error)

	// GetFloats reads counters. Missing keys read as 0.
	GetFloats(ctx context.Context, keys ...string) ([]float64, error)

	// Incr adds one to the integer at key and resets its expiry to ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the value at key. ok is false if it does not exist.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// SetMulti writes all entries with the same ttl in one round trip. It
	// may partially succeed.
	SetMulti(ctx context.Context, entries map[string][]byte, ttl time.Duration) error

	Del(ctx context.Context, keys ...string) error
}
