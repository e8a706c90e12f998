// Package pgnotify bridges topics over Postgres LISTEN/NOTIFY. One pooled
// connection is held for LISTEN; publishes go through the pool.
package pgnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ripkitten-co/parley/broker"
)

// DefaultMaxPayload stays under the server's 8000 byte NOTIFY limit.
const DefaultMaxPayload = 7900

var ErrPayloadTooLarge = errors.New("pgnotify: payload too large")

const reconnectDelay = 500 * time.Millisecond

type Option func(*Broker)

func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

func WithMaxPayload(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxPayload = n
		}
	}
}

type command struct {
	listen bool
	topic  string
	reply  chan error
}

type Broker struct {
	pool       *pgxpool.Pool
	logger     *slog.Logger
	maxPayload int

	mu       sync.RWMutex
	handlers map[string]broker.Handler

	cmds      chan command
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New acquires the LISTEN connection and starts the receive loop.
func New(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Broker, error) {
	b := &Broker{
		pool:       pool,
		logger:     slog.Default(),
		maxPayload: DefaultMaxPayload,
		handlers:   make(map[string]broker.Handler),
		cmds:       make(chan command),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgnotify: acquire conn: %w", err)
	}
	b.wg.Add(1)
	go b.run(conn)
	return b, nil
}

func (b *Broker) Publish(ctx context.Context, topic string, data []byte) error {
	if len(data) > b.maxPayload {
		return fmt.Errorf("pgnotify: publish %s: %d bytes: %w", topic, len(data), ErrPayloadTooLarge)
	}
	select {
	case <-b.done:
		return fmt.Errorf("pgnotify: publish %s: %w", topic, broker.ErrUnavailable)
	default:
	}
	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", topic, string(data)); err != nil {
		return fmt.Errorf("pgnotify: publish %s: %w: %w", topic, broker.ErrUnavailable, err)
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, topic string, h broker.Handler) error {
	b.mu.Lock()
	if _, ok := b.handlers[topic]; ok {
		b.mu.Unlock()
		return fmt.Errorf("pgnotify: subscribe %s: %w", topic, broker.ErrAlreadySubscribed)
	}
	b.handlers[topic] = h
	b.mu.Unlock()

	if err := b.send(ctx, command{listen: true, topic: topic}); err != nil {
		b.mu.Lock()
		delete(b.handlers, topic)
		b.mu.Unlock()
		return fmt.Errorf("pgnotify: listen %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) Unsubscribe(ctx context.Context, topic string) error {
	b.mu.Lock()
	_, ok := b.handlers[topic]
	delete(b.handlers, topic)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if err := b.send(ctx, command{topic: topic}); err != nil {
		return fmt.Errorf("pgnotify: unlisten %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	b.wg.Wait()
	return nil
}

func (b *Broker) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case b.cmds <- cmd:
	case <-b.done:
		return broker.ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-b.done:
		return broker.ErrUnavailable
	}
}

func (b *Broker) topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		out = append(out, t)
	}
	return out
}

type waited struct {
	n   *pgconn.Notification
	err error
}

// run owns the LISTEN connection. Waiting is interrupted to apply LISTEN
// and UNLISTEN commands so the connection is never used concurrently.
func (b *Broker) run(conn *pgxpool.Conn) {
	defer b.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer func() {
		if conn != nil {
			// still LISTENing; never hand it back to the pool
			_ = conn.Hijack().Close(context.Background())
		}
	}()

	for {
		if conn == nil {
			conn = b.reconnect(ctx)
			if conn == nil {
				return
			}
		}

		waitCtx, stop := context.WithCancel(ctx)
		result := make(chan waited, 1)
		go func(c *pgx.Conn) {
			n, err := c.WaitForNotification(waitCtx)
			result <- waited{n, err}
		}(conn.Conn())

		var (
			w       waited
			pending *command
		)
		select {
		case w = <-result:
		case cmd := <-b.cmds:
			stop()
			w = <-result
			pending = &cmd
		case <-b.done:
			stop()
			<-result
			return
		}
		stop()

		switch {
		case w.err == nil:
			b.dispatch(ctx, w.n)
		case conn.Conn().IsClosed():
			b.logger.Warn("pgnotify: listen connection lost", "error", w.err)
			conn.Release()
			conn = nil
		}

		if pending != nil {
			pending.reply <- b.apply(ctx, conn, *pending)
		}
	}
}

func (b *Broker) apply(ctx context.Context, conn *pgxpool.Conn, cmd command) error {
	if conn == nil {
		// reconnect re-listens every registered topic
		return nil
	}
	stmt := "UNLISTEN " + pgx.Identifier{cmd.topic}.Sanitize()
	if cmd.listen {
		stmt = "LISTEN " + pgx.Identifier{cmd.topic}.Sanitize()
	}
	_, err := conn.Exec(ctx, stmt)
	return err
}

func (b *Broker) reconnect(ctx context.Context) *pgxpool.Conn {
	for {
		select {
		case <-b.done:
			return nil
		case <-time.After(reconnectDelay):
		}
		conn, err := b.pool.Acquire(ctx)
		if err != nil {
			b.logger.Warn("pgnotify: reacquire", "error", err)
			continue
		}
		ok := true
		for _, t := range b.topics() {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{t}.Sanitize()); err != nil {
				b.logger.Warn("pgnotify: relisten", "topic", t, "error", err)
				ok = false
				break
			}
		}
		if ok {
			b.logger.Info("pgnotify: listen connection restored")
			return conn
		}
		conn.Release()
	}
}

func (b *Broker) dispatch(ctx context.Context, n *pgconn.Notification) {
	b.mu.RLock()
	h := b.handlers[n.Channel]
	b.mu.RUnlock()
	if h != nil {
		h(ctx, n.Channel, []byte(n.Payload))
	}
}
