// Package memory is an in-process broker. A Hub stands in for the shared
// broker service; each Connect call yields the view of one process.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ripkitten-co/parley"
	"github.com/ripkitten-co/parley/broker"
)

const inboxSize = 1024

type Hub struct {
	mu    sync.RWMutex
	peers []*Broker
	down  atomic.Bool
}

func NewHub() *Hub {
	return &Hub{}
}

// SetDown makes every publish fail with broker.ErrUnavailable while true.
func (h *Hub) SetDown(down bool) {
	h.down.Store(down)
}

// Connect returns a broker for one simulated process.
func (h *Hub) Connect() *Broker {
	b := &Broker{
		hub:      h,
		handlers: make(map[string]broker.Handler),
		inbox:    make(chan message, inboxSize),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.peers = append(h.peers, b)
	h.mu.Unlock()
	go b.run()
	return b
}

func (h *Hub) remove(b *Broker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers = slices.DeleteFunc(h.peers, func(p *Broker) bool { return p == b })
}

type message struct {
	topic string
	data  []byte
}

// Broker delivers messages in publish order through a single goroutine.
type Broker struct {
	hub *Hub

	mu       sync.RWMutex
	handlers map[string]broker.Handler
	closed   bool

	inbox     chan message
	done      chan struct{}
	closeOnce sync.Once
}

func (b *Broker) Publish(ctx context.Context, topic string, data []byte) error {
	if b.isClosed() {
		return fmt.Errorf("memory broker: publish %s: %w", topic, parley.ErrClosed)
	}
	if b.hub.down.Load() {
		return fmt.Errorf("memory broker: publish %s: %w", topic, broker.ErrUnavailable)
	}

	msg := message{topic: topic, data: slices.Clone(data)}
	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()
	for _, p := range b.hub.peers {
		if !p.subscribed(topic) {
			continue
		}
		select {
		case p.inbox <- msg:
		case <-p.done:
		case <-ctx.Done():
			return fmt.Errorf("memory broker: publish %s: %w", topic, ctx.Err())
		}
	}
	return nil
}

func (b *Broker) Subscribe(_ context.Context, topic string, h broker.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("memory broker: subscribe %s: %w", topic, parley.ErrClosed)
	}
	if _, ok := b.handlers[topic]; ok {
		return fmt.Errorf("memory broker: subscribe %s: %w", topic, broker.ErrAlreadySubscribed)
	}
	b.handlers[topic] = h
	return nil
}

func (b *Broker) Unsubscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	delete(b.handlers, topic)
	b.mu.Unlock()
	return nil
}

// Topics lists the topics this process is subscribed to.
func (b *Broker) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.handlers = make(map[string]broker.Handler)
		b.mu.Unlock()
		close(b.done)
		b.hub.remove(b)
	})
	return nil
}

func (b *Broker) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Broker) subscribed(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[topic]
	return ok
}

func (b *Broker) run() {
	ctx := context.Background()
	for {
		select {
		case <-b.done:
			return
		case msg := <-b.inbox:
			b.mu.RLock()
			h := b.handlers[msg.topic]
			b.mu.RUnlock()
			if h != nil {
				h(ctx, msg.topic, msg.data)
			}
		}
	}
}
