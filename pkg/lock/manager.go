package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	modeBlocking = "blocking"
	modeOnce     = "once"
)

// Manager hands out locks on named resources backed by a Store.
//
// A Manager holds no per-lock state and is safe for concurrent use. Any
// number of managers, in any number of processes, may share the same store
// and key prefix.
type Manager struct {
	store       Store
	keyPrefix   string
	retryConfig RetryConfig
	backend     string
}

// NewManager returns a Manager acquiring locks in store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		keyPrefix:   DefaultKeyPrefix,
		retryConfig: DefaultRetryConfig(),
		backend:     "custom",
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Key returns the store key used for the named resource.
func (m *Manager) Key(name string) string { return m.keyPrefix + name }

// Backend returns the backend name reported in logs and metrics.
func (m *Manager) Backend() string { return m.backend }

// IsHeld reports whether somebody currently holds the named lock. Unlike the
// acquisition paths it returns store errors to the caller.
func (m *Manager) IsHeld(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, ErrEmptyName
	}

	_, found, err := m.store.Get(ctx, m.Key(name))
	if err != nil {
		return false, fmt.Errorf("error reading lock %q: %w", name, err)
	}

	return found, nil
}

// Acquire claims the named lock, retrying until it succeeds or the acquire
// timeout elapses.
//
// It returns a nil Handle and a nil error when the lock could not be obtained
// in time; store failures are treated the same way. An error is returned for
// invalid arguments and when ctx is done while waiting. The Handle renews its
// lease until it is released or ctx is done.
func (m *Manager) Acquire(ctx context.Context, name string, opts ...AcquireOption) (*Handle, error) {
	o, err := m.options(name, opts)
	if err != nil {
		return nil, err
	}

	key := m.Key(name)
	deadline := time.Now().Add(o.acquireTimeout)

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			RecordLockAcquisition(ctx, m.backend, modeBlocking, ResultFailure)

			return nil, err
		}

		if attempt > 0 {
			RecordLockRetryAttempt(ctx, m.backend)
		}

		if h, _ := m.tryCreate(ctx, key, o); h != nil {
			RecordLockAcquisition(ctx, m.backend, modeBlocking, ResultSuccess)

			return h, nil
		}

		if m.retryConfig.MaxAttempts > 0 && attempt+1 >= m.retryConfig.MaxAttempts {
			break
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		timer := time.NewTimer(min(CalculateBackoff(m.retryConfig, attempt+1), remaining))

		select {
		case <-ctx.Done():
			timer.Stop()
			RecordLockAcquisition(ctx, m.backend, modeBlocking, ResultFailure)

			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	zerolog.Ctx(ctx).
		Debug().
		Str("lock_key", key).
		Str("backend", m.backend).
		Dur("acquire_timeout", o.acquireTimeout).
		Msg("gave up acquiring lock")

	RecordLockAcquisition(ctx, m.backend, modeBlocking, ResultTimeout)

	return nil, nil //nolint:nilnil // an unavailable lock is not an error
}

// TryAcquireOnce makes a single attempt at claiming the named lock.
//
// It returns a nil Handle and a nil error when the lock is held by someone
// else or the store failed.
func (m *Manager) TryAcquireOnce(ctx context.Context, name string, opts ...AcquireOption) (*Handle, error) {
	o, err := m.options(name, opts)
	if err != nil {
		return nil, err
	}

	h, storeErr := m.tryCreate(ctx, m.Key(name), o)
	if h == nil {
		result := ResultContention
		if storeErr != nil {
			result = ResultFailure
		}

		RecordLockAcquisition(ctx, m.backend, modeOnce, result)

		return nil, nil //nolint:nilnil // an unavailable lock is not an error
	}

	RecordLockAcquisition(ctx, m.backend, modeOnce, ResultSuccess)

	return h, nil
}

// WithLock acquires the named lock, runs fn while holding it and releases it
// on every return path. The context passed to fn is cancelled if the lock is
// lost. ErrNotAcquired is returned when the lock could not be obtained.
func (m *Manager) WithLock(
	ctx context.Context,
	name string,
	fn func(context.Context, *Handle) error,
	opts ...AcquireOption,
) error {
	h, err := m.Acquire(ctx, name, opts...)
	if err != nil {
		return err
	}

	return runHeld(ctx, name, h, fn)
}

// TryWithLock is like WithLock but makes a single acquisition attempt.
func (m *Manager) TryWithLock(
	ctx context.Context,
	name string,
	fn func(context.Context, *Handle) error,
	opts ...AcquireOption,
) error {
	h, err := m.TryAcquireOnce(ctx, name, opts...)
	if err != nil {
		return err
	}

	return runHeld(ctx, name, h, fn)
}

func runHeld(ctx context.Context, name string, h *Handle, fn func(context.Context, *Handle) error) error {
	if h == nil {
		return fmt.Errorf("%w: %s", ErrNotAcquired, name)
	}

	defer h.Release(context.WithoutCancel(ctx))

	heldCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-h.Lost():
			cancel()
		case <-heldCtx.Done():
		}
	}()

	return fn(heldCtx, h)
}

func (m *Manager) options(name string, opts []AcquireOption) (acquireOptions, error) {
	if name == "" {
		return acquireOptions{}, ErrEmptyName
	}

	o := newAcquireOptions(opts)
	if o.lease < MinLease {
		return acquireOptions{}, fmt.Errorf("%w: %s", ErrInvalidLease, o.lease)
	}

	return o, nil
}

// tryCreate makes one attempt with a fresh token and returns a Handle on
// success. The store error, already logged and counted, is returned so the
// caller can tell a failure from contention.
func (m *Manager) tryCreate(ctx context.Context, key string, o acquireOptions) (*Handle, error) {
	token := NewToken()

	ok, err := m.store.TryCreate(ctx, key, token, o.lease)
	if err != nil {
		zerolog.Ctx(ctx).
			Warn().
			Err(err).
			Str("lock_key", key).
			Str("backend", m.backend).
			Msg("error creating lock key")

		RecordLockFailure(ctx, m.backend, "create")

		return nil, err
	}

	if !ok {
		return nil, nil //nolint:nilnil // contention
	}

	return newHandle(ctx, m.store, m.backend, key, token, o), nil
}
