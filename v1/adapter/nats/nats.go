// Package nats implements the broker Bus and Queue capabilities on a NATS
// connection. Bus channels map to plain subjects; queue channels use queue
// group subscriptions so each message reaches one consumer. The adapter
// deliberately implements only the capability subset core NATS can honestly
// provide: no lock, no key/value storage.
package nats

import (
	"context"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"golang.org/x/sync/semaphore"

	"github.com/SamJakob/brokerkit/v1/adapter"
	brokererrors "github.com/SamJakob/brokerkit/v1/errors"
)

const queueGroup = "broker-consumers"

// Adapter implements adapter.Bus and adapter.Queue over a NATS connection.
type Adapter struct {
	conn *nats.Conn

	mu     sync.Mutex
	closed bool
	timers []*time.Timer
	wg     sync.WaitGroup
}

// New returns a NATS adapter using the provided connection. The caller
// keeps ownership of conn's options; Disconnect closes it.
func New(conn *nats.Conn) *Adapter {
	return &Adapter{conn: conn}
}

// Disconnect implements adapter.Base. It flushes and closes the
// connection; pending delayed messages are dropped.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	timers := a.timers
	a.timers = nil
	a.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
	if err := a.conn.FlushWithContext(ctx); err != nil {
		return err
	}
	a.conn.Close()
	a.wg.Wait()
	return nil
}

func (a *Adapter) guard() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return brokererrors.ErrDisconnected
	}
	return nil
}

func busSubject(name string) string   { return "broker.bus." + name }
func queueSubject(name string) string { return "broker.queue." + name }

// Publish implements adapter.Bus.Publish.
func (a *Adapter) Publish(ctx context.Context, name string, payload []byte) error {
	if err := a.guard(); err != nil {
		return err
	}
	return a.conn.Publish(busSubject(name), payload)
}

// Subscribe implements adapter.Bus.Subscribe.
func (a *Adapter) Subscribe(ctx context.Context, name string, handler func([]byte)) (adapter.Release, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	sub, err := a.conn.Subscribe(busSubject(name), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		return sub.Unsubscribe()
	}, nil
}

// Produce implements adapter.Queue.Produce. Delay is honored with a local
// timer, so it does not survive a process restart; Priority cannot be
// honored by a subject stream and is ignored.
func (a *Adapter) Produce(ctx context.Context, name string, payload []byte, opts adapter.ProduceOptions) error {
	if err := a.guard(); err != nil {
		return err
	}
	if opts.Delay > 0 {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return brokererrors.ErrDisconnected
		}
		timer := time.AfterFunc(opts.Delay, func() {
			_ = a.conn.Publish(queueSubject(name), payload)
		})
		a.timers = append(a.timers, timer)
		a.mu.Unlock()
		return nil
	}
	return a.conn.Publish(queueSubject(name), payload)
}

// Consume implements adapter.Queue.Consume. All registrations share one
// queue group, so NATS balances messages across consumers; MaxParallel is
// enforced per registration with a semaphore.
func (a *Adapter) Consume(ctx context.Context, name string, fn adapter.ConsumeFunc, opts adapter.ConsumeOptions) (adapter.Release, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	sem := semaphore.NewWeighted(int64(opts.MaxParallel))
	loopCtx, cancel := context.WithCancel(context.Background())
	sub, err := a.conn.QueueSubscribe(queueSubject(name), queueGroup, func(m *nats.Msg) {
		if err := sem.Acquire(loopCtx, 1); err != nil {
			return
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer sem.Release(1)
			msg := &adapter.QueueMessage{Channel: name, Payload: m.Data, Tries: 1}
			fn(loopCtx, msg)
		}()
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return func(ctx context.Context) error {
		cancel()
		return sub.Unsubscribe()
	}, nil
}

var (
	_ adapter.Bus   = (*Adapter)(nil)
	_ adapter.Queue = (*Adapter)(nil)
)
