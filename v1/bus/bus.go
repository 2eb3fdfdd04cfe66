// Package bus provides the typed publish/subscribe front-end. Channels are
// named, typed views bound to one adapter; delivery guarantees and ordering
// are entirely the adapter's. The front-end only encodes, forwards and
// decodes.
package bus

import (
	"context"
	"log/slog"

	"github.com/SamJakob/brokerkit/v1/adapter"
	"github.com/SamJakob/brokerkit/v1/codec"
	"github.com/SamJakob/brokerkit/v1/metrics"
)

// Bus creates typed channels sharing one adapter and codec.
type Bus struct {
	adapter adapter.Bus
	codec   codec.Codec
}

// Option configures a Bus.
type Option func(*Bus)

// WithCodec overrides the payload codec. The default is codec.JSON.
func WithCodec(c codec.Codec) Option {
	return func(b *Bus) {
		b.codec = c
	}
}

// New returns a Bus forwarding through a.
func New(a adapter.Bus, opts ...Option) *Bus {
	b := &Bus{adapter: a, codec: codec.JSON()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Channel binds a typed view over the named stream. Two channels created
// with the same name address the same logical stream, regardless of which
// Bus value created them.
func Channel[T any](b *Bus, name string) *BusChannel[T] {
	return &BusChannel[T]{bus: b, name: name}
}

// BusChannel is a named, typed publish/subscribe stream.
type BusChannel[T any] struct {
	bus  *Bus
	name string
}

// Name returns the channel name.
func (c *BusChannel[T]) Name() string { return c.name }

// Publish encodes message and forwards it once to the adapter. The core
// makes no delivery promise beyond that.
func (c *BusChannel[T]) Publish(ctx context.Context, message T) error {
	payload, err := c.bus.codec.Marshal(message)
	if err != nil {
		return err
	}
	if err := c.bus.adapter.Publish(ctx, c.name, payload); err != nil {
		return err
	}
	metrics.BusPublishCounter.Inc()
	return nil
}

// Subscribe registers fn for every message on this channel and returns a
// Release that unsubscribes. Payloads that fail to decode are dropped with
// a warning; a broken publisher must not tear down the subscriber.
func (c *BusChannel[T]) Subscribe(ctx context.Context, fn func(message T)) (adapter.Release, error) {
	rel, err := c.bus.adapter.Subscribe(ctx, c.name, func(payload []byte) {
		var msg T
		if err := c.bus.codec.Unmarshal(payload, &msg); err != nil {
			slog.Warn("bus: dropping undecodable message", "channel", c.name, "error", err)
			return
		}
		metrics.BusDeliveredCounter.Inc()
		fn(msg)
	})
	if err != nil {
		return nil, err
	}
	return rel.Once(), nil
}
