package leaseguard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// fakeClock is a manually advanced clock shared by the components under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingStore counts every call that reaches the wrapped store.
type countingStore struct {
	TransactionalStore
	calls atomic.Int64
}

func (s *countingStore) Get(ctx context.Context, key string) (*Document, error) {
	s.calls.Add(1)
	return s.TransactionalStore.Get(ctx, key)
}

func (s *countingStore) Set(ctx context.Context, key string, fields Fields) error {
	s.calls.Add(1)
	return s.TransactionalStore.Set(ctx, key, fields)
}

func (s *countingStore) RunTransaction(ctx context.Context, key string, fn TxFunc) error {
	s.calls.Add(1)
	return s.TransactionalStore.RunTransaction(ctx, key, fn)
}

var errStoreDown = errors.New("store unavailable")

// failingStore fails every operation.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (*Document, error) { return nil, errStoreDown }
func (failingStore) Set(context.Context, string, Fields) error      { return errStoreDown }
func (failingStore) RunTransaction(context.Context, string, TxFunc) error {
	return errStoreDown
}

// renewCounter is a RenewFunc that counts calls and returns now+duration.
type renewCounter struct {
	calls    atomic.Int64
	clock    *fakeClock
	duration time.Duration
	err      error
	delay    time.Duration
}

func (r *renewCounter) Renew(ctx context.Context) (time.Time, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.err != nil {
		return time.Time{}, r.err
	}
	return r.clock.Now().Add(r.duration), nil
}
