// Package kafka bridges topics over Kafka. Every process is a direct
// consumer of every partition, so each process sees every record. Records
// are produced to partition 0 to keep per-topic order.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ripkitten-co/parley/broker"
	"github.com/twmb/franz-go/pkg/kgo"
)

type config struct {
	logger *slog.Logger
	opts   []kgo.Opt
}

type Option func(*config)

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithClientOptions appends raw client options.
func WithClientOptions(opts ...kgo.Opt) Option {
	return func(c *config) { c.opts = append(c.opts, opts...) }
}

type Broker struct {
	client *kgo.Client
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]broker.Handler
	consumed map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New connects and starts consuming topics from now on. Pass every topic the
// process may subscribe to; later topics are added on demand. Unsubscribe
// stops fetching a topic and a later Subscribe resumes it from that moment,
// never replaying what was published in between.
func New(seeds []string, topics []string, opts ...Option) (*Broker, error) {
	cfg := config{logger: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}
	if len(seeds) == 0 {
		return nil, errors.New("kafka: seed brokers required")
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(seeds...),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AfterMilli(time.Now().UnixMilli())),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.AllowAutoTopicCreation(),
		kgo.ProducerLinger(0),
	}
	kopts = append(kopts, cfg.opts...)
	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: new client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		client:   client,
		logger:   cfg.logger,
		handlers: make(map[string]broker.Handler),
		consumed: make(map[string]bool, len(topics)),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, t := range topics {
		b.consumed[t] = true
	}
	go b.poll(ctx)
	return b, nil
}

func (b *Broker) Publish(ctx context.Context, topic string, data []byte) error {
	select {
	case <-b.done:
		return fmt.Errorf("kafka: publish %s: %w", topic, broker.ErrUnavailable)
	default:
	}
	rec := &kgo.Record{Topic: topic, Partition: 0, Value: data}
	if err := b.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka: publish %s: %w: %w", topic, broker.ErrUnavailable, err)
	}
	return nil
}

func (b *Broker) Subscribe(_ context.Context, topic string, h broker.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[topic]; ok {
		return fmt.Errorf("kafka: subscribe %s: %w", topic, broker.ErrAlreadySubscribed)
	}
	b.handlers[topic] = h
	if !b.consumed[topic] {
		// records only go to partition 0
		b.client.AddConsumePartitions(map[string]map[int32]kgo.Offset{
			topic: {0: kgo.NewOffset().AfterMilli(time.Now().UnixMilli())},
		})
		b.consumed[topic] = true
	}
	return nil
}

// Unsubscribe drops the handler and stops fetching the topic. Records
// already buffered for it are discarded.
func (b *Broker) Unsubscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
	if b.consumed[topic] {
		b.client.PurgeTopicsFromConsuming(topic)
		b.consumed[topic] = false
	}
	return nil
}

func (b *Broker) Close() error {
	b.once.Do(func() {
		b.cancel()
		<-b.done
		b.client.Close()
	})
	return nil
}

func (b *Broker) poll(ctx context.Context) {
	defer close(b.done)
	for {
		fetches := b.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			b.logger.Warn("kafka: fetch", "topic", topic, "partition", partition, "error", err)
		})
		fetches.EachRecord(func(r *kgo.Record) {
			b.mu.RLock()
			h := b.handlers[r.Topic]
			b.mu.RUnlock()
			if h != nil {
				h(ctx, r.Topic, r.Value)
			}
		})
	}
}
