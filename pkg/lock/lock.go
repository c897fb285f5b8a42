// Package lock provides leased, token-owned locks on top of a shared key-value store.
//
// A Manager turns a resource name into a namespaced key and claims it by
// creating the key with a random ownership token and an expiry. The returned
// Handle keeps the lease alive from a background goroutine until it is
// released, and every mutation it performs (extend, delete) is conditioned on
// the token still being the value stored under the key. A holder that lost
// its lease (expiry, eviction, or a store outage) can therefore never delete
// or extend a lock that has since been claimed by somebody else.
//
// Backends implement Store. Backends that can compare and mutate in a single
// round trip (Redis scripting, SQL conditional statements, DynamoDB condition
// expressions, Cassandra lightweight transactions) implement Store directly.
// Backends that only offer plain get/set/delete implement KV and are adapted
// with NewFallbackStore.
package lock

import (
	"context"
	"time"
)

const (
	// DefaultKeyPrefix is prepended to every resource name to build its lock key.
	DefaultKeyPrefix = "dlock:"

	// DefaultLease is the lease used when none is given.
	DefaultLease = 30 * time.Second
)

// Store is the contract a backing store must satisfy to hold locks.
//
// Errors returned by a Store are never surfaced to lock holders: the Manager
// and Handle log them and report the operation as failed.
type Store interface {
	// TryCreate creates key with value and the given time-to-live only if the
	// key does not exist. It returns true if the key was created.
	TryCreate(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the value stored under key. found is false when the key is
	// absent or expired.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// CompareDelete deletes key only if its value equals expected. It returns
	// true if a key was deleted.
	CompareDelete(ctx context.Context, key, expected string) (bool, error)

	// CompareExtend resets the time-to-live of key to ttl only if its value
	// equals expected. The new expiry replaces the old one, it does not add to it.
	CompareExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)
}

// KV is the set of primitive operations offered by stores without atomic
// compare operations. See NewFallbackStore.
type KV interface {
	// SetNX stores value under key with the given time-to-live only if the key
	// does not exist.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the value stored under key.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set stores value under key with the given time-to-live, overwriting any
	// existing value.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. It returns true if a key was removed.
	Delete(ctx context.Context, key string) (bool, error)
}
