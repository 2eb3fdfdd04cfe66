package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/SamJakob/brokerkit/v1/adapter"
	brokererrors "github.com/SamJakob/brokerkit/v1/errors"
)

func newAdapter(t *testing.T) (*Adapter, *miniredis.Miniredis, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	a := New(client)
	t.Cleanup(func() {
		_ = a.Disconnect(context.Background())
		mr.Close()
	})
	return a, mr, context.Background()
}

func TestTryLockExclusiveAndRelease(t *testing.T) {
	a, _, ctx := newAdapter(t)

	rel, err := a.TryLock(ctx, "k", time.Minute)
	if err != nil || rel == nil {
		t.Fatalf("trylock: %v rel %v", err, rel)
	}
	if rel2, err := a.TryLock(ctx, "k", time.Minute); err != nil || rel2 != nil {
		t.Fatalf("expected lock held, rel %v err %v", rel2, err)
	}
	held, err := a.IsLocked(ctx, "k")
	if err != nil || !held {
		t.Fatalf("islocked: %v held %v", err, held)
	}
	if err := rel(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	held, err = a.IsLocked(ctx, "k")
	if err != nil || held {
		t.Fatalf("islocked after release: %v held %v", err, held)
	}
}

func TestReleaseDoesNotFreeSuccessor(t *testing.T) {
	a, mr, ctx := newAdapter(t)

	rel1, err := a.TryLock(ctx, "k", 50*time.Millisecond)
	if err != nil || rel1 == nil {
		t.Fatalf("trylock: %v", err)
	}
	// Simulate TTL expiry and takeover by another holder.
	mr.FastForward(100 * time.Millisecond)
	rel2, err := a.TryLock(ctx, "k", time.Minute)
	if err != nil || rel2 == nil {
		t.Fatalf("takeover trylock: %v rel %v", err, rel2)
	}
	// The stale release must not delete the new holder's lock.
	if err := rel1(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	held, err := a.IsLocked(ctx, "k")
	if err != nil || !held {
		t.Fatalf("successor lock lost: %v held %v", err, held)
	}
	_ = rel2(ctx)
}

func TestLockTimeout(t *testing.T) {
	a, _, ctx := newAdapter(t)

	rel, err := a.TryLock(ctx, "k", 0)
	if err != nil || rel == nil {
		t.Fatalf("trylock: %v", err)
	}
	start := time.Now()
	if _, err := a.Lock(ctx, "k", 0, 50*time.Millisecond); !errors.Is(err, brokererrors.ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("lock did not respect timeout")
	}
	_ = rel(ctx)
}

func TestLockWakesOnRelease(t *testing.T) {
	a, _, ctx := newAdapter(t)

	rel, err := a.TryLock(ctx, "k", 0)
	if err != nil || rel == nil {
		t.Fatalf("trylock: %v", err)
	}
	acquired := make(chan error, 1)
	go func() {
		rel2, err := a.Lock(ctx, "k", 0, 5*time.Second)
		if err == nil {
			_ = rel2(ctx)
		}
		acquired <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if err := rel(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("waiter failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired after release")
	}
}

func TestBusPublishSubscribe(t *testing.T) {
	a, _, ctx := newAdapter(t)

	got := make(chan []byte, 1)
	rel, err := a.Subscribe(ctx, "events", func(p []byte) { got <- p })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer rel(ctx)

	if err := a.Publish(ctx, "events", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case p := <-got:
		if string(p) != "hello" {
			t.Fatalf("payload %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
}

func TestQueueRoundTrip(t *testing.T) {
	a, _, ctx := newAdapter(t)

	if err := a.Produce(ctx, "jobs", []byte("x"), adapter.ProduceOptions{}); err != nil {
		t.Fatalf("produce: %v", err)
	}
	got := make(chan *adapter.QueueMessage, 1)
	rel, err := a.Consume(ctx, "jobs", func(ctx context.Context, msg *adapter.QueueMessage) {
		msg.State = adapter.Done
		got <- msg
	}, adapter.ConsumeOptions{MaxParallel: 1})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer rel(ctx)

	select {
	case msg := <-got:
		if string(msg.Payload) != "x" || msg.Tries != 1 {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
}

func TestQueuePriority(t *testing.T) {
	a, _, ctx := newAdapter(t)

	if err := a.Produce(ctx, "jobs", []byte("normal"), adapter.ProduceOptions{}); err != nil {
		t.Fatalf("produce: %v", err)
	}
	if err := a.Produce(ctx, "jobs", []byte("urgent"), adapter.ProduceOptions{Priority: 5}); err != nil {
		t.Fatalf("produce: %v", err)
	}

	got := make(chan string, 2)
	rel, err := a.Consume(ctx, "jobs", func(ctx context.Context, msg *adapter.QueueMessage) {
		msg.State = adapter.Done
		got <- string(msg.Payload)
	}, adapter.ConsumeOptions{MaxParallel: 1})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer rel(ctx)

	var order []string
	for i := 0; i < 2; i++ {
		select {
		case p := <-got:
			order = append(order, p)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout, got %v", order)
		}
	}
	if order[0] != "urgent" {
		t.Fatalf("priority message not first: %v", order)
	}
}

func TestQueueFailedWithDelayReparked(t *testing.T) {
	a, mr, ctx := newAdapter(t)

	if err := a.Produce(ctx, "jobs", []byte("x"), adapter.ProduceOptions{}); err != nil {
		t.Fatalf("produce: %v", err)
	}
	tries := make(chan uint32, 2)
	rel, err := a.Consume(ctx, "jobs", func(ctx context.Context, msg *adapter.QueueMessage) {
		tries <- msg.Tries
		if msg.Tries == 1 {
			msg.State = adapter.Failed
			msg.Delayed = 50 * time.Millisecond
			return
		}
		msg.State = adapter.Done
	}, adapter.ConsumeOptions{MaxParallel: 1})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer rel(ctx)

	select {
	case n := <-tries:
		if n != 1 {
			t.Fatalf("first delivery tries %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout on first delivery")
	}
	// The park score is wall-clock based; give it time to come due.
	time.Sleep(60 * time.Millisecond)
	mr.FastForward(time.Second)
	select {
	case n := <-tries:
		if n != 2 {
			t.Fatalf("redelivery tries %d want 2", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failed message was not redelivered")
	}
}

func TestKeyValue(t *testing.T) {
	a, mr, ctx := newAdapter(t)

	if err := a.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := a.Get(ctx, "k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("get: %v ok %v v %q", err, ok, v)
	}
	if _, ok, _ := a.Get(ctx, "missing"); ok {
		t.Fatal("missing key reported found")
	}

	n, err := a.Increment(ctx, "counter", 3)
	if err != nil || n != 3 {
		t.Fatalf("increment: %v n %d", err, n)
	}
	n, err = a.Increment(ctx, "counter", -1)
	if err != nil || n != 2 {
		t.Fatalf("increment: %v n %d", err, n)
	}

	if err := a.Set(ctx, "tmp", []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatalf("set ttl: %v", err)
	}
	mr.FastForward(100 * time.Millisecond)
	if _, ok, _ := a.Get(ctx, "tmp"); ok {
		t.Fatal("expired key still visible")
	}
}

func TestCacheInvalidation(t *testing.T) {
	a, _, ctx := newAdapter(t)

	got := make(chan adapter.Invalidation, 2)
	rel, err := a.OnInvalidate(ctx, func(inv adapter.Invalidation) { got <- inv })
	if err != nil {
		t.Fatalf("oninvalidate: %v", err)
	}
	defer rel(ctx)

	if err := a.SetCache(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("setcache: %v", err)
	}
	select {
	case inv := <-got:
		if inv.Key != "k" || inv.TTL != time.Minute {
			t.Fatalf("unexpected invalidation %+v", inv)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for set announcement")
	}

	v, ok, err := a.GetCache(ctx, "k")
	if err != nil || !ok || string(v) != "v" {
		t.Fatalf("getcache: %v ok %v v %q", err, ok, v)
	}
	if err := a.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	select {
	case inv := <-got:
		if inv.Key != "k" {
			t.Fatalf("unexpected invalidation %+v", inv)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for invalidation")
	}
	if _, ok, _ := a.GetCache(ctx, "k"); ok {
		t.Fatal("invalidated entry still visible")
	}
}
