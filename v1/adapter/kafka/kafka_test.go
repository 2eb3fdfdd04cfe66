package kafka

import (
	"context"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/SamJakob/brokerkit/v1/adapter"
)

func newAdapter(t *testing.T) (*Adapter, context.Context) {
	t.Helper()
	addr := os.Getenv("BROKER_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("BROKER_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}

	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	a, err := New([]string{addr}, config)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	t.Cleanup(func() { _ = a.Disconnect(context.Background()) })
	return a, context.Background()
}

func TestBusPublishSubscribe(t *testing.T) {
	a, ctx := newAdapter(t)
	channel := "test-" + uuid.NewString()

	got := make(chan []byte, 1)
	rel, err := a.Subscribe(ctx, channel, func(p []byte) { got <- p })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer rel(ctx)

	// Wait for the partition consumer to be positioned.
	time.Sleep(2 * time.Second)

	if err := a.Publish(ctx, channel, []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case p := <-got:
		if string(p) != "hello" {
			t.Fatalf("payload %q", p)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
}

func TestQueueRoundTrip(t *testing.T) {
	a, ctx := newAdapter(t)
	channel := "test-" + uuid.NewString()

	got := make(chan *adapter.QueueMessage, 1)
	rel, err := a.Consume(ctx, channel, func(ctx context.Context, msg *adapter.QueueMessage) {
		msg.State = adapter.Done
		got <- msg
	}, adapter.ConsumeOptions{MaxParallel: 1})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	defer rel(ctx)

	// Wait for the group rebalance.
	time.Sleep(3 * time.Second)

	if err := a.Produce(ctx, channel, []byte("x"), adapter.ProduceOptions{}); err != nil {
		t.Fatalf("produce: %v", err)
	}
	select {
	case msg := <-got:
		if string(msg.Payload) != "x" {
			t.Fatalf("payload %q", msg.Payload)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
}
