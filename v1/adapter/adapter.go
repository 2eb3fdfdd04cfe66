// Package adapter defines the capability contracts a broker backend may
// satisfy. Each capability is an independent, minimal interface; a concrete
// backend implements any subset, and the composite Adapter type is the
// intersection of all of them. The primitive front-ends (lock, bus, queue,
// cache) each accept only the capability they need.
package adapter

import (
	"context"
	"sync"
	"time"
)

// Release relinquishes a previously acquired resource: a held lock, a bus
// subscription or a consumer registration. It is idempotent by contract;
// Once can be used to enforce that at the call site that issued it.
type Release func(ctx context.Context) error

// Once wraps r so that only the first call reaches the underlying release.
// Subsequent calls return nil without any backend call.
func (r Release) Once() Release {
	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() { err = r(ctx) })
		return err
	}
}

// Base is the lifecycle contract every capability embeds. Disconnect is
// called once by the owning process during shutdown; behavior of further
// calls after Disconnect is the adapter's choice.
type Base interface {
	Disconnect(ctx context.Context) error
}

// Lock provides distributed mutual exclusion.
type Lock interface {
	Base
	// Lock acquires the named lock, waiting up to timeout for it to become
	// available. A zero timeout means wait until ctx is done. A zero ttl
	// means the lock does not expire on its own.
	Lock(ctx context.Context, id string, ttl, timeout time.Duration) (Release, error)
	// TryLock attempts a single non-blocking acquisition. It returns a nil
	// Release and nil error when the lock is currently held elsewhere.
	TryLock(ctx context.Context, id string, ttl time.Duration) (Release, error)
	// IsLocked reports whether the named lock is currently held by anyone.
	IsLocked(ctx context.Context, id string) (bool, error)
}

// Bus provides fire-and-forget broadcast between processes. Delivery
// guarantees and ordering are implementation-defined.
type Bus interface {
	Base
	Publish(ctx context.Context, name string, payload []byte) error
	Subscribe(ctx context.Context, name string, handler func(payload []byte)) (Release, error)
}

// MessageState is the life-cycle state of a queue message on the consumer
// side.
type MessageState uint8

const (
	Pending MessageState = iota
	Done
	Failed
)

func (s MessageState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// QueueMessage is one delivery handed to a consumer callback. The callback
// (or the queue wrapper around it) records the outcome in State and Error;
// Tries and Delayed are advisory fields a backend may use to implement
// retry and backoff scheduling.
type QueueMessage struct {
	Channel string
	Payload []byte
	State   MessageState
	Error   error
	Tries   uint32
	Delayed time.Duration
}

// ConsumeFunc processes one delivered message. It must not be invoked for
// more messages concurrently than the registration's MaxParallel.
type ConsumeFunc func(ctx context.Context, msg *QueueMessage)

// ProduceOptions carry per-message scheduling hints.
type ProduceOptions struct {
	// Delay postpones delivery by the given duration.
	Delay time.Duration
	// Priority moves the message ahead of lower-priority ones. Backends
	// that cannot reorder may ignore it.
	Priority uint8
}

// ConsumeOptions configure one consumer registration.
type ConsumeOptions struct {
	// MaxParallel bounds concurrently in-flight callback invocations.
	// The queue front-end defaults it to 1.
	MaxParallel int
}

/// Queue provides work-queue semantics: each produced message is delivered
// to one consumer.
type Queue interface {
	Base
	Produce(ctx context.Context, name string, payload []byte, opts ProduceOptions) error
	Consume(ctx context.Context, name string, fn ConsumeFunc, opts ConsumeOptions) (Release, error)
}

// KeyValue provides simple shared storage with an atomic numeric increment.
type KeyValue interface {
	Base
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Increment(ctx context.Context, key string, delta int64) (int64, error)
}

// Invalidation announces that a cache entry changed. TTL carries the
// remaining validity the announcing side assigned to the new value; the
// transport format is adapter-defined.
type Invalidation struct {
	Key string        `json:"key"`
	TTL time.Duration `json:"ttl"`
}

// Cache provides shared cache storage plus invalidation propagation.
type Cache interface {
	Base
	GetCache(ctx context.Context, key string) ([]byte, bool, error)
	SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Invalidate removes the entry and announces the invalidation to all
	// subscribed processes, including the calling one.
	Invalidate(ctx context.Context, key string) error
	OnInvalidate(ctx context.Context, handler func(Invalidation)) (Release, error)
}

// Adapter is the full capability set a typical production backend
// implements. Primitive front-ends never require more than the single
// capability they are constructed with.
type Adapter interface {
	Lock
	Bus
	Queue
	KeyValue
	Cache
}
