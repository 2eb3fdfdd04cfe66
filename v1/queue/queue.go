// Package queue provides the typed work-queue front-end. Channels produce
// messages with optional delay and priority hints, and consume them under a
// per-registration concurrency cap. A consumer's failure is recorded on the
// message, never propagated: one bad message must not stop the loop.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/SamJakob/brokerkit/v1/adapter"
	"github.com/SamJakob/brokerkit/v1/codec"
	"github.com/SamJakob/brokerkit/v1/metrics"
)

// Queue creates typed channels sharing one adapter and codec.
type Queue struct {
	adapter adapter.Queue
	codec   codec.Codec
}

// Option configures a Queue.
type Option func(*Queue)

// WithCodec overrides the payload codec. The default is codec.JSON.
func WithCodec(c codec.Codec) Option {
	return func(q *Queue) {
		q.codec = c
	}
}

// New returns a Queue forwarding through a.
func New(a adapter.Queue, opts ...Option) *Queue {
	q := &Queue{adapter: a, codec: codec.JSON()}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Channel binds a typed view over the named queue. Channels with the same
// name address the same logical queue.
func Channel[T any](q *Queue, name string) *QueueChannel[T] {
	return &QueueChannel[T]{queue: q, name: name}
}

// QueueChannel is a named, typed work queue.
type QueueChannel[T any] struct {
	queue *Queue
	name  string
}

// Name returns the channel name.
func (c *QueueChannel[T]) Name() string { return c.name }

// ProduceOption carries per-message scheduling hints to the adapter.
type ProduceOption func(*adapter.ProduceOptions)

// WithDelay postpones delivery by d.
func WithDelay(d time.Duration) ProduceOption {
	return func(o *adapter.ProduceOptions) {
		o.Delay = d
	}
}

// WithPriority moves the message ahead of lower-priority ones where the
// backend supports reordering.
func WithPriority(p uint8) ProduceOption {
	return func(o *adapter.ProduceOptions) {
		o.Priority = p
	}
}

// Produce encodes data and hands it to the adapter, which may delay or
// reorder delivery per the options.
func (c *QueueChannel[T]) Produce(ctx context.Context, data T, opts ...ProduceOption) error {
	var options adapter.ProduceOptions
	for _, opt := range opts {
		opt(&options)
	}
	payload, err := c.queue.codec.Marshal(data)
	if err != nil {
		return err
	}
	if err := c.queue.adapter.Produce(ctx, c.name, payload, options); err != nil {
		return err
	}
	metrics.QueueProducedCounter.Inc()
	return nil
}

// ConsumeOption configures one consumer registration.
type ConsumeOption func(*adapter.ConsumeOptions)

// WithMaxParallel bounds concurrently in-flight handler invocations for
// this registration. The default is 1, strictly sequential.
func WithMaxParallel(n int) ConsumeOption {
	return func(o *adapter.ConsumeOptions) {
		o.MaxParallel = n
	}
}

// Handler processes one message. Returning a non-nil error marks the
// message failed; it is never propagated out of the consumption loop.
type Handler[T any] func(ctx context.Context, msg *Message[T]) error

// Consume registers handler and returns a Release that stops future
// deliveries. Messages already in flight run to completion.
func (c *QueueChannel[T]) Consume(ctx context.Context, handler Handler[T], opts ...ConsumeOption) (adapter.Release, error) {
	options := adapter.ConsumeOptions{MaxParallel: 1}
	for _, opt := range opts {
		opt(&options)
	}
	rel, err := c.queue.adapter.Consume(ctx, c.name, func(ctx context.Context, raw *adapter.QueueMessage) {
		metrics.QueueConsumedCounter.Inc()
		msg := &Message[T]{raw: raw}
		if err := c.queue.codec.Unmarshal(raw.Payload, &msg.Data); err != nil {
			msg.Failed(err)
			return
		}
		c.invoke(ctx, handler, msg)
	}, options)
	if err != nil {
		return nil, err
	}
	return rel.Once(), nil
}

// invoke runs handler with the fault-isolation contract: an error return
// or a panic becomes failure state on the message, and a clean return
// marks the message done unless the handler set a state itself.
func (c *QueueChannel[T]) invoke(ctx context.Context, handler Handler[T], msg *Message[T]) {
	defer func() {
		if r := recover(); r != nil {
			msg.Failed(fmt.Errorf("queue: consumer panic: %v", r))
		}
	}()
	if err := handler(ctx, msg); err != nil {
		msg.Failed(err)
		return
	}
	if msg.raw.State == adapter.Pending {
		msg.raw.State = adapter.Done
	}
}

// Message is one typed delivery. State mutations are written back to the
// adapter's record so the backend can act on the outcome.
type Message[T any] struct {
	Data T

	raw *adapter.QueueMessage
}

// Channel returns the queue name the message was delivered on.
func (m *Message[T]) Channel() string { return m.raw.Channel }

// State returns the message's life-cycle state.
func (m *Message[T]) State() adapter.MessageState { return m.raw.State }

// Err returns the recorded failure cause, if any.
func (m *Message[T]) Err() error { return m.raw.Error }

// Tries returns how many times the backend has delivered this message.
func (m *Message[T]) Tries() uint32 { return m.raw.Tries }

// Delayed returns the currently requested redelivery delay.
func (m *Message[T]) Delayed() time.Duration { return m.raw.Delayed }

// Failed marks the message failed with cause err.
func (m *Message[T]) Failed(err error) {
	m.raw.State = adapter.Failed
	m.raw.Error = err
	metrics.QueueFailedCounter.Inc()
}

// Delay records a redelivery delay hint. It does not change the message
// state; whether the hint is honored is up to the backend.
func (m *Message[T]) Delay(d time.Duration) {
	m.raw.Delayed = d
}
