package live

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ripkitten-co/parley/auth"
	"github.com/ripkitten-co/parley/events"
)

type State int32

const (
	StateOpening State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type MessageKind string

const (
	KindUpdate MessageKind = "update"
	// KindResync tells the client that updates may have been lost and it
	// should refetch the data behind its subscription.
	KindResync MessageKind = "resync"
)

// Message is what a client receives. Dropped counts messages evicted from
// this connection's buffer before this one; summed over everything a client
// reads it equals the total lost.
type Message struct {
	Kind       MessageKind     `json:"kind"`
	Type       events.Type     `json:"type"`
	ScopeKey   string          `json:"scopeKey,omitempty"`
	EventID    string          `json:"eventId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ProducedAt time.Time       `json:"producedAt"`
	Dropped    int             `json:"dropped,omitempty"`
}

// Connection is one live subscription. Messages are buffered up to the
// registry's buffer size; when full the oldest is evicted.
type Connection struct {
	id        string
	principal auth.Principal
	filter    Filter
	reg       *Registry

	state atomic.Int32

	mu      sync.Mutex
	out     chan Message
	dropped int

	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id string, p auth.Principal, f Filter, reg *Registry, size int) *Connection {
	c := &Connection{
		id:        id,
		principal: p,
		filter:    f,
		reg:       reg,
		out:       make(chan Message, size),
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StateOpening))
	return c
}

func (c *Connection) ID() string                { return c.id }
func (c *Connection) Filter() Filter            { return c.filter }
func (c *Connection) Principal() auth.Principal { return c.principal }
func (c *Connection) State() State              { return State(c.state.Load()) }

// Messages is closed when the connection closes.
func (c *Connection) Messages() <-chan Message { return c.out }

// Done is closed when the connection starts closing.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Close unregisters the connection and abandons anything still buffered.
// It is idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state.Store(int32(StateClosing))
		close(c.done)
	drain:
		for {
			select {
			case <-c.out:
			default:
				break drain
			}
		}
		close(c.out)
		c.mu.Unlock()

		c.reg.remove(c)
		c.state.Store(int32(StateClosed))
	})
}

// deliver enqueues m without blocking. It reports how many older messages
// were evicted to make room, or false when the connection is not active.
func (c *Connection) deliver(m Message) (evicted int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateActive {
		return 0, false
	}
	for {
		m.Dropped = c.dropped
		select {
		case c.out <- m:
			c.dropped = 0
			return evicted, true
		default:
		}
		select {
		case old := <-c.out:
			c.dropped += 1 + old.Dropped
			evicted++
		default:
		}
	}
}

func (c *Connection) activate() {
	c.state.Store(int32(StateActive))
}
