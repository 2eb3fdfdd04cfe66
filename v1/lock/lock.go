// Package lock provides the distributed mutual exclusion front-end. A Lock
// is a stateless factory bound to one adapter; Item is a single-owner local
// handle over one named lock. Global exclusivity is the adapter's job, the
// handle only tracks local ownership.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/SamJakob/brokerkit/v1/adapter"
	"github.com/SamJakob/brokerkit/v1/duration"
	"github.com/SamJakob/brokerkit/v1/metrics"
)

// ErrHeld is returned when a handle that already holds its lock is asked
// to acquire it again. Release first.
var ErrHeld = errors.New("lock: handle already holds the lock")

const (
	// DefaultTTL applies when Options.TTL is unset.
	DefaultTTL = 2 * time.Minute
	// DefaultTimeout applies when Options.Timeout is unset.
	DefaultTimeout = 30 * time.Second
)

// EventKind classifies lock observation events.
type EventKind uint8

const (
	Acquired EventKind = iota
	Released
)

func (k EventKind) String() string {
	if k == Acquired {
		return "acquired"
	}
	return "released"
}

// Event is emitted around lock activity for observability. It is a side
// channel; correctness never depends on it.
type Event struct {
	Kind EventKind
	ID   string
}

// Options are the per-item time options. Fields accept anything
// duration.Parse accepts; nil fields fall back to the defaults. An
// explicit zero is passed through as "no limit", it does not trigger the
// default.
type Options struct {
	TTL     duration.Value
	Timeout duration.Value
}

// Lock creates lock items sharing one adapter.
type Lock struct {
	adapter adapter.Lock
	events  func(Event)
}

// Option configures a Lock factory.
type Option func(*Lock)

// WithEvents installs a hook fired after each successful acquire and
// release. The hook runs on the calling goroutine and should be fast.
func WithEvents(fn func(Event)) Option {
	return func(l *Lock) {
		l.events = fn
	}
}

// New returns a Lock factory arbitrating exclusivity through a.
func New(a adapter.Lock, opts ...Option) *Lock {
	l := &Lock{adapter: a}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Item resolves opts once and returns a fresh handle for the named lock.
func (l *Lock) Item(id string, opts Options) (*Item, error) {
	ttl, set, err := duration.Parse(opts.TTL)
	if err != nil {
		return nil, err
	}
	if !set {
		ttl = DefaultTTL
	}
	timeout, set, err := duration.Parse(opts.Timeout)
	if err != nil {
		return nil, err
	}
	if !set {
		timeout = DefaultTimeout
	}
	return &Item{lock: l, id: id, ttl: ttl, timeout: timeout}, nil
}

// Item is a local handle for one named lock. It moves between two states,
// unacquired and held; acquiring a held handle is a usage error, releasing
// an unacquired one is a no-op.
type Item struct {
	lock    *Lock
	id      string
	ttl     time.Duration
	timeout time.Duration

	mu       sync.Mutex
	releaser adapter.Release
}

// ID returns the lock name this handle addresses.
func (i *Item) ID() string { return i.id }

// TTL returns the resolved time-to-live.
func (i *Item) TTL() time.Duration { return i.ttl }

// Timeout returns the resolved acquisition timeout.
func (i *Item) Timeout() time.Duration { return i.timeout }

// Acquired reports whether this handle currently holds the lock.
func (i *Item) Acquired() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.releaser != nil
}

// Acquire obtains the lock, waiting up to the resolved timeout. Backend
// errors pass through unmodified. Returns the item for chaining.
func (i *Item) Acquire(ctx context.Context) (*Item, error) {
	i.mu.Lock()
	if i.releaser != nil {
		i.mu.Unlock()
		return nil, ErrHeld
	}
	i.mu.Unlock()

	rel, err := i.lock.adapter.Lock(ctx, i.id, i.ttl, i.timeout)
	if err != nil {
		return nil, err
	}
	i.store(rel)
	return i, nil
}

// Try attempts a non-blocking acquisition. It returns false when the lock
// is held elsewhere and ErrHeld when this handle already holds it.
func (i *Item) Try(ctx context.Context) (bool, error) {
	i.mu.Lock()
	if i.releaser != nil {
		i.mu.Unlock()
		return false, ErrHeld
	}
	i.mu.Unlock()

	rel, err := i.lock.adapter.TryLock(ctx, i.id, i.ttl)
	if err != nil {
		return false, err
	}
	if rel == nil {
		return false, nil
	}
	i.store(rel)
	return true, nil
}

func (i *Item) store(rel adapter.Release) {
	i.mu.Lock()
	i.releaser = rel
	i.mu.Unlock()
	metrics.LockAcquiredCounter.Inc()
	if i.lock.events != nil {
		i.lock.events(Event{Kind: Acquired, ID: i.id})
	}
}

// IsReserved reports the lock's global state without touching this
// handle's ownership.
func (i *Item) IsReserved(ctx context.Context) (bool, error) {
	return i.lock.adapter.IsLocked(ctx, i.id)
}

// Release relinquishes the lock. Releasing an unacquired handle is a
// no-op; the second of two consecutive releases never reaches the adapter.
func (i *Item) Release(ctx context.Context) error {
	i.mu.Lock()
	rel := i.releaser
	i.releaser = nil
	i.mu.Unlock()
	if rel == nil {
		return nil
	}
	err := rel(ctx)
	metrics.LockReleasedCounter.Inc()
	if i.lock.events != nil {
		i.lock.events(Event{Kind: Released, ID: i.id})
	}
	return err
}
