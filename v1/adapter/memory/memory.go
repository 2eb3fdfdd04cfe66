// Package memory provides an in-process Adapter implementing every
// capability. It is the reference backend for tests and single-process
// deployments; cross-process guarantees obviously do not apply.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"golang.org/x/sync/semaphore"

	"github.com/SamJakob/brokerkit/v1/adapter"
	brokererrors "github.com/SamJakob/brokerkit/v1/errors"
)

type lockState struct {
	token  string
	timer  *time.Timer
	notify chan struct{}
}

type busSub struct {
	handler func([]byte)
}

type consumerReg struct {
	fn  adapter.ConsumeFunc
	sem *semaphore.Weighted
	ctx context.Context
}

type queueState struct {
	pending   []*adapter.QueueMessage
	prios     []uint8
	consumers []*consumerReg
	next      int
}

type entry struct {
	value     []byte
	ttl       time.Duration
	expiresAt time.Time
}

func (e entry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// Adapter is an in-memory implementation of adapter.Adapter.
type Adapter struct {
	mu       sync.Mutex
	locks    map[string]*lockState
	subs     map[string][]*busSub
	queues   map[string]*queueState
	kv       map[string]entry
	cache    map[string]entry
	invSubs  []*invalidationSub
	closed   bool
	wg       sync.WaitGroup
	shutdown context.Context
	cancel   context.CancelFunc
}

type invalidationSub struct {
	handler func(adapter.Invalidation)
}

// New returns a fresh in-memory adapter.
func New() *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		locks:    make(map[string]*lockState),
		subs:     make(map[string][]*busSub),
		queues:   make(map[string]*queueState),
		kv:       make(map[string]entry),
		cache:    make(map[string]entry),
		shutdown: ctx,
		cancel:   cancel,
	}
}

// Disconnect implements adapter.Base. Pending queue deliveries run to
// completion; all further calls fail fast.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	for _, st := range a.locks {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	a.mu.Unlock()
	a.cancel()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) guard() error {
	if a.closed {
		return brokererrors.ErrDisconnected
	}
	return nil
}

// TryLock implements adapter.Lock.TryLock.
func (a *Adapter) TryLock(ctx context.Context, id string, ttl time.Duration) (adapter.Release, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.guard(); err != nil {
		return nil, err
	}
	if _, held := a.locks[id]; held {
		return nil, nil
	}
	token, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	st := &lockState{token: token, notify: make(chan struct{})}
	if ttl > 0 {
		st.timer = time.AfterFunc(ttl, func() {
			a.unlock(id, token)
		})
	}
	a.locks[id] = st
	return func(ctx context.Context) error {
		a.unlock(id, token)
		return nil
	}, nil
}

// unlock releases id only while it is still held by token, so a TTL expiry
// racing an explicit release never frees a successor's lock.
func (a *Adapter) unlock(id, token string) {
	a.mu.Lock()
	st, ok := a.locks[id]
	if !ok || st.token != token {
		a.mu.Unlock()
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(a.locks, id)
	close(st.notify)
	a.mu.Unlock()
}

// Lock implements adapter.Lock.Lock. A zero timeout waits until ctx is done.
func (a *Adapter) Lock(ctx context.Context, id string, ttl, timeout time.Duration) (adapter.Release, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		rel, err := a.TryLock(ctx, id, ttl)
		if err != nil {
			return nil, err
		}
		if rel != nil {
			return rel, nil
		}
		a.mu.Lock()
		st, held := a.locks[id]
		a.mu.Unlock()
		if !held {
			continue
		}
		select {
		case <-st.notify:
		case <-deadline:
			return nil, brokererrors.ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.shutdown.Done():
			return nil, brokererrors.ErrDisconnected
		}
	}
}

// IsLocked implements adapter.Lock.IsLocked.
func (a *Adapter) IsLocked(ctx context.Context, id string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.guard(); err != nil {
		return false, err
	}
	_, held := a.locks[id]
	return held, nil
}

// Publish implements adapter.Bus.Publish. Delivery is synchronous and
// in registration order within this process.
func (a *Adapter) Publish(ctx context.Context, name string, payload []byte) error {
	a.mu.Lock()
	if err := a.guard(); err != nil {
		a.mu.Unlock()
		return err
	}
	subs := append([]*busSub(nil), a.subs[name]...)
	a.mu.Unlock()
	for _, s := range subs {
		s.handler(payload)
	}
	return nil
}

// Subscribe implements adapter.Bus.Subscribe.
func (a *Adapter) Subscribe(ctx context.Context, name string, handler func([]byte)) (adapter.Release, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.guard(); err != nil {
		return nil, err
	}
	sub := &busSub{handler: handler}
	a.subs[name] = append(a.subs[name], sub)
	return func(ctx context.Context) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		subs := a.subs[name]
		for i, s := range subs {
			if s == sub {
				subs[i] = subs[len(subs)-1]
				a.subs[name] = subs[:len(subs)-1]
				break
			}
		}
		if len(a.subs[name]) == 0 {
			delete(a.subs, name)
		}
		return nil
	}, nil
}

func (a *Adapter) queue(name string) *queueState {
	q, ok := a.queues[name]
	if !ok {
		q = &queueState{}
		a.queues[name] = q
	}
	return q
}

// Produce implements adapter.Queue.Produce. Priority orders the pending
// list; Delay holds the message back before it becomes deliverable.
func (a *Adapter) Produce(ctx context.Context, name string, payload []byte, opts adapter.ProduceOptions) error {
	a.mu.Lock()
	if err := a.guard(); err != nil {
		a.mu.Unlock()
		return err
	}
	a.mu.Unlock()
	msg := &adapter.QueueMessage{Channel: name, Payload: payload}
	if opts.Delay > 0 {
		a.wg.Add(1)
		time.AfterFunc(opts.Delay, func() {
			defer a.wg.Done()
			a.enqueue(name, msg, opts.Priority)
		})
		return nil
	}
	a.enqueue(name, msg, opts.Priority)
	return nil
}

func (a *Adapter) enqueue(name string, msg *adapter.QueueMessage, prio uint8) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	q := a.queue(name)
	// Insert keeping the pending list ordered by descending priority,
	// stable for equal priorities.
	idx := len(q.pending)
	for i, p := range q.prios {
		if p < prio {
			idx = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = msg
	q.prios = append(q.prios, 0)
	copy(q.prios[idx+1:], q.prios[idx:])
	q.prios[idx] = prio
	a.mu.Unlock()
	a.dispatch(name)
}

// dispatch hands pending messages to registered consumers, round-robin,
// bounded by each registration's semaphore.
func (a *Adapter) dispatch(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q := a.queue(name)
	for len(q.pending) > 0 && len(q.consumers) > 0 {
		var reg *consumerReg
		for range q.consumers {
			c := q.consumers[q.next%len(q.consumers)]
			q.next++
			if c.sem.TryAcquire(1) {
				reg = c
				break
			}
		}
		if reg == nil {
			return
		}
		msg := q.pending[0]
		q.pending = q.pending[1:]
		q.prios = q.prios[1:]
		msg.Tries++
		a.wg.Add(1)
		go func(reg *consumerReg, msg *adapter.QueueMessage) {
			defer a.wg.Done()
			defer reg.sem.Release(1)
			reg.fn(reg.ctx, msg)
			a.dispatch(name)
		}(reg, msg)
	}
}

// Consume implements adapter.Queue.Consume.
func (a *Adapter) Consume(ctx context.Context, name string, fn adapter.ConsumeFunc, opts adapter.ConsumeOptions) (adapter.Release, error) {
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	a.mu.Lock()
	if err := a.guard(); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	reg := &consumerReg{
		fn:  fn,
		sem: semaphore.NewWeighted(int64(opts.MaxParallel)),
		ctx: ctx,
	}
	q := a.queue(name)
	q.consumers = append(q.consumers, reg)
	a.mu.Unlock()
	a.dispatch(name)
	return func(ctx context.Context) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		q := a.queue(name)
		for i, c := range q.consumers {
			if c == reg {
				q.consumers[i] = q.consumers[len(q.consumers)-1]
				q.consumers = q.consumers[:len(q.consumers)-1]
				break
			}
		}
		return nil
	}, nil
}

// Get implements adapter.KeyValue.Get.
func (a *Adapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.guard(); err != nil {
		return nil, false, err
	}
	e, ok := a.kv[key]
	if !ok || e.expired() {
		delete(a.kv, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set implements adapter.KeyValue.Set. A zero ttl stores without expiry.
func (a *Adapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.guard(); err != nil {
		return err
	}
	e := entry{value: value, ttl: ttl}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	a.kv[key] = e
	return nil
}

// Increment implements adapter.KeyValue.Increment. A missing or expired
// key counts from zero.
func (a *Adapter) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.guard(); err != nil {
		return 0, err
	}
	var current int64
	if e, ok := a.kv[key]; ok && !e.expired() {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		current = n
	}
	current += delta
	a.kv[key] = entry{value: []byte(strconv.FormatInt(current, 10))}
	return current, nil
}

// GetCache implements adapter.Cache.GetCache.
func (a *Adapter) GetCache(ctx context.Context, key string) ([]byte, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.guard(); err != nil {
		return nil, false, err
	}
	e, ok := a.cache[key]
	if !ok || e.expired() {
		delete(a.cache, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// SetCache implements adapter.Cache.SetCache. Writing announces an
// invalidation so peers drop stale local copies.
func (a *Adapter) SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	a.mu.Lock()
	if err := a.guard(); err != nil {
		a.mu.Unlock()
		return err
	}
	e := entry{value: value, ttl: ttl}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	a.cache[key] = e
	subs := append([]*invalidationSub(nil), a.invSubs...)
	a.mu.Unlock()
	a.announce(subs, adapter.Invalidation{Key: key, TTL: ttl})
	return nil
}

// Invalidate implements adapter.Cache.Invalidate.
func (a *Adapter) Invalidate(ctx context.Context, key string) error {
	a.mu.Lock()
	if err := a.guard(); err != nil {
		a.mu.Unlock()
		return err
	}
	delete(a.cache, key)
	subs := append([]*invalidationSub(nil), a.invSubs...)
	a.mu.Unlock()
	a.announce(subs, adapter.Invalidation{Key: key})
	return nil
}

func (a *Adapter) announce(subs []*invalidationSub, inv adapter.Invalidation) {
	for _, s := range subs {
		s.handler(inv)
	}
}

// OnInvalidate implements adapter.Cache.OnInvalidate.
func (a *Adapter) OnInvalidate(ctx context.Context, handler func(adapter.Invalidation)) (adapter.Release, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.guard(); err != nil {
		return nil, err
	}
	sub := &invalidationSub{handler: handler}
	a.invSubs = append(a.invSubs, sub)
	return func(ctx context.Context) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, s := range a.invSubs {
			if s == sub {
				a.invSubs[i] = a.invSubs[len(a.invSubs)-1]
				a.invSubs = a.invSubs[:len(a.invSubs)-1]
				break
			}
		}
		return nil
	}, nil
}

var _ adapter.Adapter = (*Adapter)(nil)
