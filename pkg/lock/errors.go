package lock

import "errors"

var (
	// ErrEmptyName is returned when a lock is requested for an empty resource name.
	ErrEmptyName = errors.New("lock name must not be empty")

	// ErrInvalidLease is returned when a lock is requested with a lease
	// shorter than MinLease.
	ErrInvalidLease = errors.New("lock lease must be at least one millisecond")

	// ErrNotAcquired is returned by WithLock and TryWithLock when the lock
	// could not be obtained.
	ErrNotAcquired = errors.New("lock not acquired")
)
