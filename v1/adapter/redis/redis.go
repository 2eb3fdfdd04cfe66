// Package redis implements the full broker Adapter on a Redis backend.
// Locks use SET NX with a holder token and a guarded-delete script, the bus
// and cache invalidations use Redis PubSub, queues use a list plus a sorted
// set for delayed messages.
package redis

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/SamJakob/brokerkit/v1/adapter"
	brokererrors "github.com/SamJakob/brokerkit/v1/errors"
)

var tracer = otel.Tracer("github.com/SamJakob/brokerkit/v1/adapter/redis")

const (
	defaultOpTimeout  = 5 * time.Second
	queuePollInterval = 20 * time.Millisecond
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Adapter implements adapter.Adapter using a Redis client.
type Adapter struct {
	client  *redis.Client
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	stops  []context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures the adapter.
type Option func(*Adapter)

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.timeout = d
	}
}

// New returns a Redis adapter using the provided client.
func New(client *redis.Client, opts ...Option) *Adapter {
	a := &Adapter{client: client, timeout: defaultOpTimeout}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func normalize(err error) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return brokererrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return brokererrors.ErrConnectionClosed
	}
	return err
}

// Disconnect implements adapter.Base. It stops all consume and
// subscription loops and closes the client.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	stops := a.stops
	a.stops = nil
	a.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return normalize(a.client.Close())
}

func (a *Adapter) track(cancel context.CancelFunc) {
	a.mu.Lock()
	a.stops = append(a.stops, cancel)
	a.mu.Unlock()
}

func lockKey(id string) string     { return "broker:lock:" + id }
func unlockChan(id string) string  { return "broker:unlock:" + id }
func busChan(name string) string   { return "broker:bus:" + name }
func queueKey(name string) string  { return "broker:queue:" + name }
func delayedKey(name string) string { return "broker:queue:" + name + ":delayed" }
func cacheKey(key string) string   { return "broker:cache:" + key }

const invalidateChan = "broker:cache:invalidate"

// TryLock implements adapter.Lock.TryLock.
func (a *Adapter) TryLock(ctx context.Context, id string, ttl time.Duration) (adapter.Release, error) {
	token := uuid.NewString()
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	ok, err := a.client.SetNX(cctx, lockKey(id), token, ttl).Result()
	if err != nil {
		return nil, normalize(err)
	}
	if !ok {
		return nil, nil
	}
	return func(ctx context.Context) error {
		_, err := delScript.Run(ctx, a.client, []string{lockKey(id)}, token).Result()
		if err == redis.Nil {
			err = nil
		}
		if err != nil {
			return normalize(err)
		}
		return normalize(a.client.Publish(ctx, unlockChan(id), token).Err())
	}, nil
}

// Lock implements adapter.Lock.Lock. Waiting is woken by the unlock
// channel; a zero timeout waits until ctx is done.
func (a *Adapter) Lock(ctx context.Context, id string, ttl, timeout time.Duration) (adapter.Release, error) {
	ctx, span := tracer.Start(ctx, "RedisAdapter.Lock", trace.WithAttributes(attribute.String("broker.lock.id", id)))
	defer span.End()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ps := a.client.Subscribe(ctx, unlockChan(id))
	defer ps.Close()
	wake := ps.Channel()

	for {
		rel, err := a.TryLock(ctx, id, ttl)
		if err != nil {
			return nil, err
		}
		if rel != nil {
			return rel, nil
		}
		// Poll as a fallback: the holder may die without publishing and
		// leave only the key TTL to free the lock.
		poll := time.NewTimer(200 * time.Millisecond)
		select {
		case <-wake:
		case <-poll.C:
		case <-deadline:
			poll.Stop()
			return nil, brokererrors.ErrTimeout
		case <-ctx.Done():
			poll.Stop()
			return nil, ctx.Err()
		}
		poll.Stop()
	}
}

// IsLocked implements adapter.Lock.IsLocked.
func (a *Adapter) IsLocked(ctx context.Context, id string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	n, err := a.client.Exists(cctx, lockKey(id)).Result()
	if err != nil {
		return false, normalize(err)
	}
	return n > 0, nil
}

// Publish implements adapter.Bus.Publish.
func (a *Adapter) Publish(ctx context.Context, name string, payload []byte) error {
	ctx, span := tracer.Start(ctx, "RedisAdapter.Publish", trace.WithAttributes(attribute.String("broker.bus.channel", name)))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return normalize(a.client.Publish(cctx, busChan(name), payload).Err())
}

// Subscribe implements adapter.Bus.Subscribe.
func (a *Adapter) Subscribe(ctx context.Context, name string, handler func([]byte)) (adapter.Release, error) {
	return a.subscribe(ctx, busChan(name), func(payload string) {
		handler([]byte(payload))
	})
}

func (a *Adapter) subscribe(ctx context.Context, channel string, deliver func(string)) (adapter.Release, error) {
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	ps := a.client.Subscribe(cctx, channel)
	_, err := ps.Receive(cctx)
	cancel()
	if err != nil {
		_ = ps.Close()
		return nil, normalize(err)
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for msg := range ps.Channel() {
			deliver(msg.Payload)
		}
	}()
	return func(ctx context.Context) error {
		return normalize(ps.Close())
	}, nil
}

// envelope is the wire format for queued messages.
type envelope struct {
	Payload  []byte `json:"p"`
	Priority uint8  `json:"r,omitempty"`
	Tries    uint32 `json:"t,omitempty"`
}

// Produce implements adapter.Queue.Produce. Delayed messages park in a
// sorted set scored by due time; prioritized messages jump to the
// consuming end of the list.
func (a *Adapter) Produce(ctx context.Context, name string, payload []byte, opts adapter.ProduceOptions) error {
	data, err := json.Marshal(envelope{Payload: payload, Priority: opts.Priority})
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if opts.Delay > 0 {
		due := float64(time.Now().Add(opts.Delay).UnixMilli())
		return normalize(a.client.ZAdd(cctx, delayedKey(name), redis.Z{Score: due, Member: string(data)}).Err())
	}
	if opts.Priority > 0 {
		return normalize(a.client.RPush(cctx, queueKey(name), data).Err())
	}
	return normalize(a.client.LPush(cctx, queueKey(name), data).Err())
}

// Consume implements adapter.Queue.Consume. If the callback leaves a
// message failed with a delay hint, the message is parked for redelivery;
// otherwise the outcome is final.
func (a *Adapter) Consume(ctx context.Context, name string, fn adapter.ConsumeFunc, opts adapter.ConsumeOptions) (adapter.Release, error) {
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	a.track(cancel)
	sem := semaphore.NewWeighted(int64(opts.MaxParallel))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(queuePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
			a.promoteDue(loopCtx, name)
			for {
				if err := sem.Acquire(loopCtx, 1); err != nil {
					return
				}
				data, err := a.client.RPop(loopCtx, queueKey(name)).Bytes()
				if err != nil {
					sem.Release(1)
					break
				}
				var env envelope
				if err := json.Unmarshal(data, &env); err != nil {
					sem.Release(1)
					continue
				}
				a.wg.Add(1)
				go func(env envelope) {
					defer a.wg.Done()
					defer sem.Release(1)
					msg := &adapter.QueueMessage{
						Channel: name,
						Payload: env.Payload,
						Tries:   env.Tries + 1,
					}
					fn(loopCtx, msg)
					if msg.State == adapter.Failed && msg.Delayed > 0 {
						a.park(loopCtx, name, env, msg)
					}
				}(env)
			}
		}
	}()

	return func(ctx context.Context) error {
		cancel()
		return nil
	}, nil
}

// promoteDue moves delayed messages whose due time passed onto the list.
func (a *Adapter) promoteDue(ctx context.Context, name string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := a.client.ZRangeByScore(ctx, delayedKey(name), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	for _, m := range members {
		if removed, err := a.client.ZRem(ctx, delayedKey(name), m).Result(); err != nil || removed == 0 {
			continue // another consumer claimed it
		}
		var env envelope
		if err := json.Unmarshal([]byte(m), &env); err != nil {
			continue
		}
		if env.Priority > 0 {
			_ = a.client.RPush(ctx, queueKey(name), []byte(m)).Err()
		} else {
			_ = a.client.LPush(ctx, queueKey(name), []byte(m)).Err()
		}
	}
}

// park reschedules a failed message per its delay hint, carrying the try
// count forward.
func (a *Adapter) park(ctx context.Context, name string, env envelope, msg *adapter.QueueMessage) {
	env.Tries = msg.Tries
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	due := float64(time.Now().Add(msg.Delayed).UnixMilli())
	_ = a.client.ZAdd(ctx, delayedKey(name), redis.Z{Score: due, Member: string(data)}).Err()
}

// Get implements adapter.KeyValue.Get.
func (a *Adapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	data, err := a.client.Get(cctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, normalize(err)
	}
	return data, true, nil
}

// Set implements adapter.KeyValue.Set.
func (a *Adapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return normalize(a.client.Set(cctx, key, value, ttl).Err())
}

// Increment implements adapter.KeyValue.Increment.
func (a *Adapter) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	n, err := a.client.IncrBy(cctx, key, delta).Result()
	return n, normalize(err)
}

// GetCache implements adapter.Cache.GetCache.
func (a *Adapter) GetCache(ctx context.Context, key string) ([]byte, bool, error) {
	return a.Get(ctx, cacheKey(key))
}

// SetCache implements adapter.Cache.SetCache. The write is announced on
// the invalidation channel so peers drop stale local copies.
func (a *Adapter) SetCache(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := a.Set(ctx, cacheKey(key), value, ttl); err != nil {
		return err
	}
	return a.announce(ctx, adapter.Invalidation{Key: key, TTL: ttl})
}

// Invalidate implements adapter.Cache.Invalidate.
func (a *Adapter) Invalidate(ctx context.Context, key string) error {
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.client.Del(cctx, cacheKey(key)).Err(); err != nil {
		return normalize(err)
	}
	return a.announce(ctx, adapter.Invalidation{Key: key})
}

func (a *Adapter) announce(ctx context.Context, inv adapter.Invalidation) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return normalize(a.client.Publish(cctx, invalidateChan, data).Err())
}

// OnInvalidate implements adapter.Cache.OnInvalidate.
func (a *Adapter) OnInvalidate(ctx context.Context, handler func(adapter.Invalidation)) (adapter.Release, error) {
	return a.subscribe(ctx, invalidateChan, func(payload string) {
		var inv adapter.Invalidation
		if err := json.Unmarshal([]byte(payload), &inv); err != nil {
			return
		}
		handler(inv)
	})
}

var _ adapter.Adapter = (*Adapter)(nil)
