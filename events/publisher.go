package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/ripkitten-co/parley"
	"github.com/ripkitten-co/parley/broker"
	"github.com/ripkitten-co/parley/internal/codecs"
)

const DefaultPublishTimeout = 2 * time.Second

// PublishError reports an envelope that did not reach the broker. The
// mutation that produced it has already committed and stays committed.
type PublishError struct {
	Type     Type
	ScopeKey string
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s for %s: %v", e.Type, e.ScopeKey, e.Err)
}

func (e *PublishError) Unwrap() []error { return []error{parley.ErrPublish, e.Err} }

type Publisher struct {
	broker  broker.Broker
	codec   codecs.Codec
	origin  string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
	onFail  func(Type)

	mu     sync.Mutex
	topics map[Type]*topicState
}

// topicState serializes publishes of one topic so per-scope order equals
// call order and Seq has no holes from reordering.
type topicState struct {
	mu  sync.Mutex
	seq uint64
}

type PublisherOption func(*Publisher)

// WithOrigin sets the process identity stamped on every envelope.
func WithOrigin(id string) PublisherOption {
	return func(p *Publisher) { p.origin = id }
}

func WithTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = l }
}

func WithCodec(c codecs.Codec) PublisherOption {
	return func(p *Publisher) { p.codec = c }
}

func WithClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) { p.now = now }
}

// WithFailureHook is called once per failed publish, for metrics.
func WithFailureHook(fn func(Type)) PublisherOption {
	return func(p *Publisher) { p.onFail = fn }
}

func NewPublisher(b broker.Broker, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		broker:  b,
		codec:   codecs.NewJSONIter(),
		origin:  ulid.Make().String(),
		timeout: DefaultPublishTimeout,
		logger:  slog.Default(),
		now:     time.Now,
		topics:  make(map[Type]*topicState),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Publisher) Origin() string { return p.origin }

// Publish wraps payload in an envelope and sends it on the type's topic.
// Invalid arguments fail with ErrInvalidInput; broker failures return a
// *PublishError after logging a warning.
func (p *Publisher) Publish(ctx context.Context, typ Type, scopeKey, organizationID string, payload any) (Envelope, error) {
	env := Envelope{
		Type:           typ,
		ScopeKey:       scopeKey,
		OrganizationID: organizationID,
		Origin:         p.origin,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}

	raw, err := p.codec.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("publish %s: encode payload: %w", typ, err)
	}
	env.Payload = raw

	ts := p.topic(typ)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.seq++
	env.Seq = ts.seq
	env.ID = ulid.Make().String()
	env.ProducedAt = p.now().UTC()

	data, err := Encode(p.codec, env)
	if err != nil {
		return env, p.fail(env, err)
	}

	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.broker.Publish(pctx, typ.Topic(), data); err != nil {
		return env, p.fail(env, err)
	}
	return env, nil
}

func (p *Publisher) fail(env Envelope, err error) error {
	p.logger.Warn("publish failed",
		"type", env.Type,
		"scope", env.ScopeKey,
		"seq", env.Seq,
		"error", err,
	)
	if p.onFail != nil {
		p.onFail(env.Type)
	}
	return &PublishError{Type: env.Type, ScopeKey: env.ScopeKey, Err: err}
}

func (p *Publisher) topic(t Type) *topicState {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts, ok := p.topics[t]
	if !ok {
		ts = &topicState{}
		p.topics[t] = ts
	}
	return ts
}
