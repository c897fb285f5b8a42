package lock

import "time"

const (
	// DefaultJitterFactor is the default proportion of delay to add as random jitter.
	DefaultJitterFactor = 0.5

	// DefaultRetryDelay is the pause between two acquisition attempts.
	DefaultRetryDelay = 3 * time.Millisecond

	// MinLease is the shortest lease or Delay the stores can express. Redis
	// deletes a key given a zero millisecond expiry.
	MinLease = time.Millisecond
)

// RetryConfig holds retry configuration for lock acquisition.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts to acquire a lock. Zero
	// means the attempts are bounded only by the acquire timeout.
	MaxAttempts int

	// InitialDelay is the initial delay between retry attempts.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retry attempts.
	// Exponential backoff will be capped at this value.
	MaxDelay time.Duration

	// Jitter enables random jitter in retry delays to prevent thundering herd.
	Jitter bool

	// JitterFactor is the maximum proportion of delay to add as random jitter.
	// Only used if Jitter is true. Defaults to DefaultJitterFactor if not set.
	JitterFactor float64
}

// GetJitterFactor returns the JitterFactor if it's set and valid (> 0),
// otherwise it returns DefaultJitterFactor.
func (c RetryConfig) GetJitterFactor() float64 {
	if c.JitterFactor <= 0 {
		return DefaultJitterFactor
	}

	return c.JitterFactor
}

// DefaultRetryConfig returns a fixed, short pause between attempts with no
// attempt limit. Contended locks are polled aggressively until the acquire
// timeout elapses.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  0,
		InitialDelay: DefaultRetryDelay,
		MaxDelay:     DefaultRetryDelay,
		Jitter:       false,
		JitterFactor: DefaultJitterFactor,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithKeyPrefix sets the namespace prepended to every resource name.
func WithKeyPrefix(prefix string) Option {
	return func(m *Manager) { m.keyPrefix = prefix }
}

// WithRetryConfig sets the pause policy between acquisition attempts.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(m *Manager) { m.retryConfig = cfg }
}

// WithBackendName sets the backend name reported in logs and metrics.
func WithBackendName(name string) Option {
	return func(m *Manager) { m.backend = name }
}

type acquireOptions struct {
	lease          time.Duration
	autoRenew      bool
	acquireTimeout time.Duration
}

// AcquireOption configures a single acquisition.
type AcquireOption func(*acquireOptions)

// WithLease sets the time-to-live of the lock key. Defaults to DefaultLease.
func WithLease(d time.Duration) AcquireOption {
	return func(o *acquireOptions) { o.lease = d }
}

// WithAutoRenew controls whether the handle renews its lease in the
// background. Defaults to true.
func WithAutoRenew(enabled bool) AcquireOption {
	return func(o *acquireOptions) { o.autoRenew = enabled }
}

// WithAcquireTimeout bounds how long Acquire keeps retrying. Defaults to the
// lease. TryAcquireOnce ignores it.
func WithAcquireTimeout(d time.Duration) AcquireOption {
	return func(o *acquireOptions) { o.acquireTimeout = d }
}

func newAcquireOptions(opts []AcquireOption) acquireOptions {
	o := acquireOptions{
		lease:     DefaultLease,
		autoRenew: true,
	}

	for _, opt := range opts {
		opt(&o)
	}

	if o.acquireTimeout <= 0 {
		o.acquireTimeout = o.lease
	}

	return o
}

// renewalInterval returns how often a lease is renewed: a third of the
// lease, but never more often than once per second.
func renewalInterval(lease time.Duration) time.Duration {
	return max(time.Second, lease/3)
}
