package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	warperrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

const defaultTopic = "latch-events"

// Option configures a KafkaBus.
type Option func(*KafkaBus)

// WithTopic sets the topic carrying latch events.
func WithTopic(topic string) Option {
	return func(b *KafkaBus) { b.topic = topic }
}

// WithLogger sets the logger used for dropped messages.
func WithLogger(l *slog.Logger) Option {
	return func(b *KafkaBus) { b.logger = l }
}

// KafkaBus implements syncbus.Bus over a single Kafka topic. Events are
// keyed by latch name, so all events of one latch share a partition and keep
// their order.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	client   sarama.Client
	topic    string
	logger   *slog.Logger

	mu        sync.Mutex
	subs      map[string][]chan syncbus.Event
	pcs       []sarama.PartitionConsumer
	consuming bool
	closed    bool

	published atomic.Uint64
	delivered atomic.Uint64
}

// New wraps an existing producer and consumer. The caller keeps ownership
// of both.
func New(producer sarama.SyncProducer, consumer sarama.Consumer, opts ...Option) *KafkaBus {
	b := &KafkaBus{
		producer: producer,
		consumer: consumer,
		topic:    defaultTopic,
		logger:   slog.Default(),
		subs:     make(map[string][]chan syncbus.Event),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dial creates a KafkaBus connecting to the given brokers. Close releases
// the underlying client.
func Dial(brokers []string, cfg *sarama.Config, opts ...Option) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", warperrors.ErrCommunication, err)
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
	b := New(producer, consumer, opts...)
	b.client = client
	return b, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, evt syncbus.Event) error {
	if err := ctx.Err(); err != nil {
		return warperrors.FromContext(err)
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return syncbus.ErrClosed
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(evt.Key),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		if errors.Is(err, sarama.ErrClosedClient) {
			return warperrors.ErrConnectionClosed
		}
		return fmt.Errorf("%w: %w", warperrors.ErrCommunication, err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The first subscription starts
// consuming every partition of the topic from the newest offset.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (<-chan syncbus.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, warperrors.FromContext(err)
	}
	ch := make(chan syncbus.Event, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, syncbus.ErrClosed
	}
	if !b.consuming {
		if err := b.startLocked(); err != nil {
			b.mu.Unlock()
			return nil, err
		}
	}
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) startLocked() error {
	partitions, err := b.consumer.Partitions(b.topic)
	if err != nil {
		return fmt.Errorf("%w: %w", warperrors.ErrCommunication, err)
	}
	pcs := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, p := range partitions {
		pc, err := b.consumer.ConsumePartition(b.topic, p, sarama.OffsetNewest)
		if err != nil {
			for _, started := range pcs {
				_ = started.Close()
			}
			return fmt.Errorf("%w: %w", warperrors.ErrCommunication, err)
		}
		pcs = append(pcs, pc)
	}
	for _, pc := range pcs {
		go b.dispatch(pc)
	}
	b.pcs = pcs
	b.consuming = true
	return nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		var evt syncbus.Event
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			b.logger.Warn("syncbus: dropping malformed event", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			continue
		}
		if len(msg.Key) > 0 {
			evt.Key = string(msg.Key)
		}

		b.mu.Lock()
		for _, c := range b.subs[evt.Key] {
			syncbus.Deliver(c, evt)
			b.delivered.Add(1)
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe. Partition consumers keep running
// until Close.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch <-chan syncbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = subs
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() syncbus.Metrics {
	return syncbus.Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close stops consuming and closes all subscriber channels. Producer and
// consumer are closed only when the bus was created by Dial.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pcs := b.pcs
	b.pcs = nil
	for key, subs := range b.subs {
		for _, c := range subs {
			close(c)
		}
		delete(b.subs, key)
	}
	b.mu.Unlock()

	var errs []error
	for _, pc := range pcs {
		if err := pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.client != nil {
		errs = append(errs, b.producer.Close(), b.consumer.Close(), b.client.Close())
	}
	return errors.Join(errs...)
}
