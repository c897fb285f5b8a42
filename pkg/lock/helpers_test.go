package lock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalbasit/dlock/pkg/lock"
	"github.com/kalbasit/dlock/pkg/lock/local"
)

var errStoreDown = errors.New("store is down")

// faultyStore wraps a working store and fails chosen operations on demand.
type faultyStore struct {
	lock.Store

	mu        sync.Mutex
	createErr error
	deleteErr error
	extendErr error

	creates atomic.Int32
	extends atomic.Int32
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Store: local.NewStore()}
}

func (s *faultyStore) failCreate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.createErr = err
}

func (s *faultyStore) failDelete(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteErr = err
}

func (s *faultyStore) failExtend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.extendErr = err
}

func (s *faultyStore) TryCreate(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.creates.Add(1)

	s.mu.Lock()
	err := s.createErr
	s.mu.Unlock()

	if err != nil {
		return false, err
	}

	return s.Store.TryCreate(ctx, key, value, ttl)
}

func (s *faultyStore) CompareDelete(ctx context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	err := s.deleteErr
	s.mu.Unlock()

	if err != nil {
		return false, err
	}

	return s.Store.CompareDelete(ctx, key, expected)
}

func (s *faultyStore) CompareExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	s.extends.Add(1)

	s.mu.Lock()
	err := s.extendErr
	s.mu.Unlock()

	if err != nil {
		return false, err
	}

	return s.Store.CompareExtend(ctx, key, expected, ttl)
}

// gatedStore holds the first CompareExtend until gate is closed.
type gatedStore struct {
	lock.Store

	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		Store:   local.NewStore(),
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
}

func (s *gatedStore) CompareExtend(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	s.once.Do(func() { close(s.entered) })

	<-s.gate

	return s.Store.CompareExtend(ctx, key, expected, ttl)
}

// steal replaces the value of key with a foreign token, as if the lease had
// expired and another process had claimed the lock.
func steal(ctx context.Context, s lock.Store, key, token string) error {
	if _, err := s.CompareDelete(ctx, key, token); err != nil {
		return err
	}

	_, err := s.TryCreate(ctx, key, "someone-else", time.Minute)

	return err
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
