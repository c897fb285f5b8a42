package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kalbasit/dlock/pkg/circuitbreaker"
	"github.com/kalbasit/dlock/pkg/lock"
)

//nolint:gochecknoglobals
var compareDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

//nolint:gochecknoglobals
var compareExtendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Store implements lock.Store with atomic Redis commands and scripts.
type Store struct {
	client  redis.UniversalClient
	breaker *circuitbreaker.CircuitBreaker

	// fallback serves every operation while the breaker is open, if set.
	fallback lock.Store
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCircuitBreaker replaces the default circuit breaker.
func WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) StoreOption {
	return func(s *Store) { s.breaker = cb }
}

// WithDegradedMode routes operations to fallback while Redis is considered
// unavailable. Locks taken in degraded mode only exclude users of the same
// fallback store, typically the same process.
func WithDegradedMode(fallback lock.Store) StoreOption {
	return func(s *Store) { s.fallback = fallback }
}

// NewStore returns a Store using client.
func NewStore(client redis.UniversalClient, opts ...StoreOption) *Store {
	s := &Store{
		client:  client,
		breaker: circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultTimeout),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// TryCreate implements lock.Store with SET NX PX.
func (s *Store) TryCreate(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if fb := s.degraded(ctx); fb != nil {
		return fb.TryCreate(ctx, key, value, ttl)
	}

	var ok bool

	err := s.call(ctx, func() (err error) {
		ok, err = s.client.SetNX(ctx, key, value, ttl).Result()

		return err
	})

	return ok, err
}

// Get implements lock.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if fb := s.degraded(ctx); fb != nil {
		return fb.Get(ctx, key)
	}

	var (
		value string
		found bool
	)

	err := s.call(ctx, func() error {
		v, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}

		if err != nil {
			return err
		}

		value, found = v, true

		return nil
	})

	return value, found, err
}

// CompareDelete implements lock.Store with a Lua script.
func (s *Store) CompareDelete(ctx context.Context, key, expected string) (bool, error) {
	if fb := s.degraded(ctx); fb != nil {
		return fb.CompareDelete(ctx, key, expected)
	}

	var n int64

	err := s.call(ctx, func() (err error) {
		n, err = compareDeleteScript.Run(ctx, s.client, []string{key}, expected).Int64()

		return err
	})

	return n == 1, err
}

// CompareExtend implements lock.Store with a Lua script calling PEXPIRE.
func (s *Store) CompareExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	if fb := s.degraded(ctx); fb != nil {
		return fb.CompareExtend(ctx, key, expected, ttl)
	}

	var n int64

	err := s.call(ctx, func() (err error) {
		n, err = compareExtendScript.Run(ctx, s.client, []string{key}, expected, max(ttl, lock.MinLease).Milliseconds()).Int64()

		return err
	})

	return n == 1, err
}

// IsDegraded reports whether the circuit breaker is open.
func (s *Store) IsDegraded() bool { return s.breaker.IsOpen() }

// degraded returns the fallback store when the breaker is open and degraded
// mode is enabled.
func (s *Store) degraded(ctx context.Context) lock.Store {
	if s.fallback == nil || !s.breaker.IsOpen() {
		return nil
	}

	zerolog.Ctx(ctx).
		Warn().
		Msg("circuit breaker open, using fallback local lock store (DEGRADED MODE)")

	return s.fallback
}

func (s *Store) call(ctx context.Context, fn func() error) error {
	if !s.breaker.AllowRequest() {
		return ErrCircuitBreakerOpen
	}

	err := fn()
	if isConnectionError(err) {
		s.breaker.RecordFailure()

		if s.breaker.IsOpen() {
			zerolog.Ctx(ctx).
				Error().
				Err(err).
				Msg("Redis is unavailable, circuit breaker opened")
		}

		return err
	}

	s.breaker.RecordSuccess()

	return err
}
