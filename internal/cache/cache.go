package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"checkoutengine/backend/internal/domain"
)

// QuoteCache holds shipping-rate quotes keyed by zone and parcel weight.
type QuoteCache interface {
	Get(ctx context.Context, key string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, key string, value decimal.Decimal, ttl time.Duration) error
}

type NoopQuoteCache struct{}

func (NoopQuoteCache) Get(_ context.Context, _ string) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}

func (NoopQuoteCache) Set(_ context.Context, _ string, _ decimal.Decimal, _ time.Duration) error {
	return nil
}

// Locker serializes work on one key, such as all transitions of a single
// checkout. Release is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// LocalLocker is an in-process Locker for single-instance deployments and
// tests. The ttl is ignored; the holder always releases.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: map[string]chan struct{}{}}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: lock %s busy: %v", domain.ErrConflict, key, ctx.Err())
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}
