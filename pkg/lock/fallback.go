package lock

import (
	"context"
	"time"
)

// FallbackStore implements Store on top of a KV without atomic compare
// operations.
//
// CompareDelete and CompareExtend read the key and then write it in a second
// call. Another client can change the key between the two calls, so these
// operations are not linearizable: a holder whose lease expired between the
// read and the write can delete or extend a lock that a different owner has
// just claimed. This is acceptable only when the lease is long compared to
// a store round trip and a single handle's own operations are not run
// concurrently. Adding a client-side mutex would not help since the race is
// between processes. Use a Store with server-side compare operations
// whenever the backend offers one.
type FallbackStore struct {
	kv KV
}

// NewFallbackStore returns a Store that emulates the compare operations of
// the Store contract with reads followed by writes on kv.
func NewFallbackStore(kv KV) *FallbackStore {
	return &FallbackStore{kv: kv}
}

// TryCreate implements Store. SetNX is atomic on every KV.
func (s *FallbackStore) TryCreate(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.kv.SetNX(ctx, key, value, ttl)
}

// Get implements Store.
func (s *FallbackStore) Get(ctx context.Context, key string) (string, bool, error) {
	return s.kv.Get(ctx, key)
}

// CompareDelete implements Store with a Get followed by a Delete.
func (s *FallbackStore) CompareDelete(ctx context.Context, key, expected string) (bool, error) {
	current, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, err
	}

	if !found || current != expected {
		return false, nil
	}

	return s.kv.Delete(ctx, key)
}

// CompareExtend implements Store with a Get followed by a Set that rewrites
// the value with the new time-to-live.
func (s *FallbackStore) CompareExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	current, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, err
	}

	if !found || current != expected {
		return false, nil
	}

	if err := s.kv.Set(ctx, key, expected, ttl); err != nil {
		return false, err
	}

	return true, nil
}
