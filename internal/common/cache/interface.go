package cache

import (
	"context"
	"time"
)

// Cache is the subset of key-value operations the judge worker relies on:
// plain keys for status snapshots and owner-checked locks for testdata refresh.
type Cache interface {
	BasicOps
	LockOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get retrieves the value for the given key; a missing key yields "" and nil.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL
	// If ttl is 0, the key will not expire
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error

	// Exists returns the number of keys that exist
	Exists(ctx context.Context, keys ...string) (int64, error)

	// TTL returns the remaining time to live of a key
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// LockOps defines owner-checked distributed lock primitives.
// The token identifies the holder; only the holder can release or extend.
type LockOps interface {
	// AcquireLock stores token under key only if the key is absent.
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// ReleaseLock deletes key only when it still holds token.
	// It reports whether the lock was released.
	ReleaseLock(ctx context.Context, key, token string) (bool, error)

	// ExtendLock refreshes the TTL only when key still holds token.
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}
