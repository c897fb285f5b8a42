package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Handle is a held lock.
//
// A Handle is created by a successful acquisition and released exactly once,
// either explicitly with Release or through Close. While it is held and auto
// renewal is enabled, a background goroutine resets the lease to its full
// length every renewal interval. The goroutine stops quietly when the store
// reports that the token no longer matches, when the store fails, or when the
// context passed to the acquisition is done; the lock is then considered
// lost and Lost is closed. Release and Delay report the loss by returning false.
type Handle struct {
	store      Store
	backend    string
	key        string
	token      string
	lease      time.Duration
	acquiredAt time.Time
	logger     zerolog.Logger

	released atomic.Bool

	stopOnce  sync.Once
	stop      chan struct{}
	renewDone chan struct{}

	lostOnce sync.Once
	lost     chan struct{}
}

func newHandle(ctx context.Context, store Store, backend, key, token string, o acquireOptions) *Handle {
	h := &Handle{
		store:      store,
		backend:    backend,
		key:        key,
		token:      token,
		lease:      o.lease,
		acquiredAt: time.Now(),
		logger: zerolog.Ctx(ctx).
			With().
			Str("lock_key", key).
			Str("backend", backend).
			Logger(),
		stop: make(chan struct{}),
		lost: make(chan struct{}),
	}

	h.logger.
		Debug().
		Dur("lease", o.lease).
		Bool("auto_renew", o.autoRenew).
		Msg("lock acquired")

	if o.autoRenew {
		h.renewDone = make(chan struct{})

		go h.renew(ctx, renewalInterval(o.lease))
	}

	return h
}

// Key returns the store key of the lock.
func (h *Handle) Key() string { return h.key }

// Token returns the ownership token stored under the key.
func (h *Handle) Token() string { return h.token }

// Lease returns the lease the lock was acquired with.
func (h *Handle) Lease() time.Duration { return h.lease }

// AcquiredAt returns when the lock was acquired.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Lost returns a channel that is closed once the handle knows it no longer
// owns the lock. It is never closed by Release.
func (h *Handle) Lost() <-chan struct{} { return h.lost }

// Release deletes the lock key if it still holds this handle's token and
// stops the background renewal.
//
// Only the first call does anything; it returns true if the key was deleted.
// It returns false when the lock was already released, when the key expired
// or belongs to someone else, and when the store fails.
func (h *Handle) Release(ctx context.Context) bool {
	if !h.released.CompareAndSwap(false, true) {
		return false
	}

	defer h.stopRenewal()

	RecordLockDuration(ctx, h.backend, time.Since(h.acquiredAt).Seconds())

	ok, err := h.store.CompareDelete(ctx, h.key, h.token)
	if err != nil {
		h.logger.
			Warn().
			Err(err).
			Msg("error releasing lock")

		RecordLockFailure(ctx, h.backend, "delete")

		return false
	}

	if !ok {
		h.logger.
			Debug().
			Msg("lock was no longer held at release")

		return false
	}

	h.logger.
		Debug().
		Msg("lock released")

	return true
}

// Close releases the lock. It always returns nil so it can be deferred.
func (h *Handle) Close() error {
	h.Release(context.Background())

	return nil
}

// Delay resets the lease to ttl, provided the lock is still owned by this
// handle. The new expiry replaces the current one. Background renewals keep
// using the original lease. A ttl shorter than MinLease returns false.
func (h *Handle) Delay(ctx context.Context, ttl time.Duration) bool {
	if h.released.Load() || ttl < MinLease {
		return false
	}

	return h.extend(ctx, ttl)
}

func (h *Handle) extend(ctx context.Context, ttl time.Duration) bool {
	ok, err := h.store.CompareExtend(ctx, h.key, h.token, ttl)
	if err != nil {
		h.logger.
			Warn().
			Err(err).
			Dur("ttl", ttl).
			Msg("error extending lock")

		RecordLockFailure(ctx, h.backend, "extend")
		RecordLockRenewal(ctx, h.backend, ResultFailure)

		return false
	}

	if !ok {
		// a tick racing our own Release finds the key gone.
		if h.released.Load() {
			return false
		}

		h.logger.
			Warn().
			Msg("lock is no longer owned")

		RecordLockRenewal(ctx, h.backend, ResultLost)
		h.markLost()

		return false
	}

	RecordLockRenewal(ctx, h.backend, ResultSuccess)

	return true
}

func (h *Handle) renew(ctx context.Context, interval time.Duration) {
	defer close(h.renewDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			if !h.released.Load() {
				h.logger.
					Warn().
					Err(ctx.Err()).
					Msg("lock renewal cancelled")

				h.markLost()
			}

			return
		case <-ticker.C:
		}

		if h.released.Load() {
			return
		}

		opCtx, cancel := context.WithTimeout(ctx, interval)
		ok := h.extend(opCtx, h.lease)

		cancel()

		if !ok {
			// extend marks the handle lost on a token mismatch; a store error
			// also ends the renewal.
			if !h.released.Load() {
				h.markLost()
			}

			return
		}
	}
}

func (h *Handle) markLost() {
	h.lostOnce.Do(func() { close(h.lost) })
}

func (h *Handle) stopRenewal() {
	h.stopOnce.Do(func() { close(h.stop) })

	if h.renewDone != nil {
		<-h.renewDone
	}
}
