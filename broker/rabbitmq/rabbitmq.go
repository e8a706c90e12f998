// Package rabbitmq bridges topics over RabbitMQ. Each topic is a fanout
// exchange; each subscribing process binds its own exclusive queue to it.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/ripkitten-co/parley/broker"
)

type Option func(*Broker)

func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithPrefix namespaces exchange names.
func WithPrefix(p string) Option {
	return func(b *Broker) { b.prefix = p }
}

type subscription struct {
	ch   *amqp.Channel
	tag  string
	done chan struct{}
}

type Broker struct {
	conn   *amqp.Connection
	logger *slog.Logger
	prefix string

	pubMu    sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

func New(url string, opts ...Option) (*Broker, error) {
	b := &Broker{
		logger:   slog.Default(),
		declared: make(map[string]bool),
		subs:     make(map[string]*subscription),
	}
	for _, o := range opts {
		o(b)
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial: %w: %w", broker.ErrUnavailable, err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq: open publish channel: %w", err)
	}
	b.conn, b.pub = conn, pub

	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closes; ok && err != nil {
			b.logger.Error("rabbitmq: connection closed", "error", err)
		}
	}()
	return b, nil
}

func (b *Broker) exchange(topic string) string { return b.prefix + topic }

func declare(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(name, amqp.ExchangeFanout, true, false, false, false, nil)
}

func (b *Broker) Publish(ctx context.Context, topic string, data []byte) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if b.conn.IsClosed() {
		return fmt.Errorf("rabbitmq: publish %s: %w", topic, broker.ErrUnavailable)
	}
	name := b.exchange(topic)
	if !b.declared[name] {
		if err := declare(b.pub, name); err != nil {
			return fmt.Errorf("rabbitmq: declare %s: %w: %w", name, broker.ErrUnavailable, err)
		}
		b.declared[name] = true
	}
	err := b.pub.PublishWithContext(ctx, name, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        data,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: publish %s: %w: %w", topic, broker.ErrUnavailable, err)
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, topic string, h broker.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("rabbitmq: subscribe %s: %w", topic, broker.ErrUnavailable)
	}
	if _, ok := b.subs[topic]; ok {
		return fmt.Errorf("rabbitmq: subscribe %s: %w", topic, broker.ErrAlreadySubscribed)
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: subscribe %s: open channel: %w: %w", topic, broker.ErrUnavailable, err)
	}
	name := b.exchange(topic)
	if err := declare(ch, name); err != nil {
		ch.Close()
		return fmt.Errorf("rabbitmq: declare %s: %w", name, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("rabbitmq: declare queue for %s: %w", topic, err)
	}
	if err := ch.QueueBind(q.Name, "", name, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("rabbitmq: bind %s: %w", topic, err)
	}
	tag := "parley-" + ulid.Make().String()
	deliveries, err := ch.Consume(q.Name, tag, true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("rabbitmq: consume %s: %w", topic, err)
	}

	s := &subscription{ch: ch, tag: tag, done: make(chan struct{})}
	b.subs[topic] = s
	go func() {
		defer close(s.done)
		for d := range deliveries {
			h(context.Background(), topic, d.Body)
		}
	}()
	b.logger.Debug("rabbitmq: subscribed", "topic", topic, "queue", q.Name)
	return nil
}

func (b *Broker) Unsubscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	s, ok := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return b.stop(s)
}

func (b *Broker) stop(s *subscription) error {
	err := s.ch.Cancel(s.tag, false)
	if cerr := s.ch.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
		err = errors.Join(err, cerr)
	}
	<-s.done
	return err
}

func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := b.stop(s); err != nil {
			errs = append(errs, err)
		}
	}
	b.pubMu.Lock()
	if err := b.pub.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	b.pubMu.Unlock()
	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
