// Package kafka implements the broker Bus and Queue capabilities on a
// Kafka cluster. Bus channels fan out through plain partition consumers;
// queue channels use a shared consumer group so each message reaches one
// consumer. Lock and key/value capabilities are not provided.
package kafka

import (
	"context"
	"sync"
	"time"

	sarama "github.com/IBM/sarama"
	"golang.org/x/sync/semaphore"

	"github.com/SamJakob/brokerkit/v1/adapter"
	brokererrors "github.com/SamJakob/brokerkit/v1/errors"
)

const consumerGroup = "broker-consumers"

// Adapter implements adapter.Bus and adapter.Queue over Kafka.
type Adapter struct {
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer

	mu     sync.Mutex
	closed bool
	timers []*time.Timer
	wg     sync.WaitGroup
}

// New creates a Kafka adapter connecting to the given brokers.
func New(brokers []string, cfg *sarama.Config) (*Adapter, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &Adapter{client: client, producer: producer, consumer: consumer}, nil
}

// Disconnect implements adapter.Base.
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
	_ = a.producer.Close()
	_ = a.consumer.Close()
	err := a.client.Close()
	a.wg.Wait()
	return err
}

func (a *Adapter) guard() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return brokererrors.ErrDisconnected
	}
	return nil
}

func busTopic(name string) string   { return "broker.bus." + name }
func queueTopic(name string) string { return "broker.queue." + name }

func (a *Adapter) send(topic string, payload []byte) error {
	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(payload)}
	_, _, err := a.producer.SendMessage(msg)
	return err
}

// Publish implements adapter.Bus.Publish.
func (a *Adapter) Publish(ctx context.Context, name string, payload []byte) error {
	if err := a.guard(); err != nil {
		return err
	}
	return a.send(busTopic(name), payload)
}

// Subscribe implements adapter.Bus.Subscribe. Only new messages are
// delivered; bus channels have no replay.
func (a *Adapter) Subscribe(ctx context.Context, name string, handler func([]byte)) (adapter.Release, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	pc, err := a.consumer.ConsumePartition(busTopic(name), 0, sarama.OffsetNewest)
	if err != nil {
		return nil, err
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for msg := range pc.Messages() {
			handler(msg.Value)
		}
	}()
	return func(ctx context.Context) error {
		return pc.Close()
	}, nil
}

// Produce implements adapter.Queue.Produce. Delay uses a local timer and
// does not survive a process restart; Priority cannot be honored by a
// partition log and is ignored.
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
			_ = a.send(queueTopic(name), payload)
		})
		a.timers = append(a.timers, timer)
		a.mu.Unlock()
		return nil
	}
	return a.send(queueTopic(name), payload)
}

type groupHandler struct {
	name string
	fn   adapter.ConsumeFunc
	sem  *semaphore.Weighted
	ctx  context.Context
	wg   *sync.WaitGroup
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.sem.Acquire(h.ctx, 1); err != nil {
			return nil
		}
		h.wg.Add(1)
		go func(msg *sarama.ConsumerMessage) {
			defer h.wg.Done()
			defer h.sem.Release(1)
			m := &adapter.QueueMessage{Channel: h.name, Payload: msg.Value, Tries: 1}
			h.fn(h.ctx, m)
		}(msg)
		sess.MarkMessage(msg, "")
	}
	return nil
}

// Consume implements adapter.Queue.Consume using a consumer group.
func (a *Adapter) Consume(ctx context.Context, name string, fn adapter.ConsumeFunc, opts adapter.ConsumeOptions) (adapter.Release, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	group, err := sarama.NewConsumerGroupFromClient(consumerGroup, a.client)
	if err != nil {
		return nil, err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	handler := &groupHandler{
		name: name,
		fn:   fn,
		sem:  semaphore.NewWeighted(int64(opts.MaxParallel)),
		ctx:  loopCtx,
		wg:   &a.wg,
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			if err := group.Consume(loopCtx, []string{queueTopic(name)}, handler); err != nil {
				return
			}
			if loopCtx.Err() != nil {
				return
			}
		}
	}()
	return func(ctx context.Context) error {
		cancel()
		return group.Close()
	}, nil
}

var (
	_ adapter.Bus   = (*Adapter)(nil)
	_ adapter.Queue = (*Adapter)(nil)
)
