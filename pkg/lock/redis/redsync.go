package redis

import (
	"context"
	"errors"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/redis/go-redis/v9"

	goredislib "github.com/go-redsync/redsync/v4/redis/goredis/v9"
)

// RedsyncStore implements lock.Store on top of redsync mutexes bound to a
// single Redis pool.
//
// Every operation builds a short-lived mutex carrying the token as its value,
// so redsync's own SET NX, compare-and-delete and compare-and-PEXPIRE scripts
// do the work. Redsync reports an unavailable, expired or foreign lock as an
// error; those outcomes are mapped to false with a nil error. Only errors
// talking to Redis are returned.
type RedsyncStore struct {
	client redis.UniversalClient
	rs     *redsync.Redsync
}

// NewRedsyncStore returns a RedsyncStore using client.
func NewRedsyncStore(client redis.UniversalClient) *RedsyncStore {
	return &RedsyncStore{
		client: client,
		rs:     redsync.New(goredislib.NewPool(client)),
	}
}

// TryCreate implements lock.Store.
func (s *RedsyncStore) TryCreate(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	mutex := s.rs.NewMutex(
		key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1), // retries are handled by the lock manager
		redsync.WithGenValueFunc(func() (string, error) { return value, nil }),
	)

	err := mutex.TryLockContext(ctx)
	if err == nil {
		return true, nil
	}

	return false, redisError(err)
}

// Get implements lock.Store.
func (s *RedsyncStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}

	if err != nil {
		return "", false, err
	}

	return v, true, nil
}

// CompareDelete implements lock.Store.
func (s *RedsyncStore) CompareDelete(ctx context.Context, key, expected string) (bool, error) {
	mutex := s.rs.NewMutex(key, redsync.WithValue(expected))

	ok, err := mutex.UnlockContext(ctx)
	if ok {
		return true, nil
	}

	return false, redisError(err)
}

// CompareExtend implements lock.Store.
func (s *RedsyncStore) CompareExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	mutex := s.rs.NewMutex(key, redsync.WithValue(expected), redsync.WithExpiry(ttl))

	ok, err := mutex.ExtendContext(ctx)
	if ok {
		return true, nil
	}

	return false, redisError(err)
}

// redisError returns the transport error hidden in a redsync error, or nil
// when redsync only reported that the lock was taken, expired or not extended.
func redisError(err error) error {
	if err == nil {
		return nil
	}

	var rerr *redsync.RedisError
	if errors.As(err, &rerr) {
		return rerr.Err
	}

	return nil
}
