// Package live tracks the live subscriptions held by this process and routes
// broker envelopes to them.
package live

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/oklog/ulid/v2"
	"github.com/ripkitten-co/parley"
	"github.com/ripkitten-co/parley/auth"
	"github.com/ripkitten-co/parley/broker"
	"github.com/ripkitten-co/parley/events"
	"github.com/ripkitten-co/parley/internal/codecs"
)

const (
	DefaultBufferSize = 64
	DefaultOriginTTL  = 10 * time.Minute
)

// ScopeResolver returns the organization owning the resource a filter is
// scoped to. It is called once, when the subscription opens.
type ScopeResolver interface {
	ScopeOrganization(ctx context.Context, typ events.Type, scopeKey string) (string, error)
}

// Guard is consulted for every envelope before delivery.
type Guard interface {
	Allow(ctx context.Context, p auth.Principal, env events.Envelope) bool
}

// TenantGuard allows envelopes of the principal's own organization only.
type TenantGuard struct{}

func (TenantGuard) Allow(_ context.Context, p auth.Principal, env events.Envelope) bool {
	return p.OrganizationID != "" && env.OrganizationID == p.OrganizationID
}

// Observer receives registry counters. All methods may be called
// concurrently.
type Observer interface {
	Delivered(events.Type)
	Evicted(events.Type, int)
	Gap(events.Type)
	Connections(delta int)
}

type nopObserver struct{}

func (nopObserver) Delivered(events.Type)    {}
func (nopObserver) Evicted(events.Type, int) {}
func (nopObserver) Gap(events.Type)          {}
func (nopObserver) Connections(int)          {}

type SubscribeRequest struct {
	Principal auth.Principal
	Filter    Filter
	// Scope resolves the owner of Filter.ScopeKey. Required when ScopeKey
	// is set.
	Scope ScopeResolver
}

type Registry struct {
	broker     broker.Broker
	codec      codecs.Codec
	guard      Guard
	logger     *slog.Logger
	observer   Observer
	bufferSize int
	now        func() time.Time

	mu     sync.RWMutex
	conns  map[string]*Connection
	byType map[events.Type]map[string]*Connection
	closed bool

	// topicMu serializes broker subscribe and unsubscribe calls; subscribed
	// is guarded by it.
	topicMu    sync.Mutex
	subscribed map[events.Type]bool

	seqMu sync.Mutex
	seqs  *ttlcache.Cache[string, uint64]
}

type Option func(*Registry)

func WithBufferSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

func WithGuard(g Guard) Option {
	return func(r *Registry) { r.guard = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

func WithCodec(c codecs.Codec) Option {
	return func(r *Registry) { r.codec = c }
}

// WithClock replaces time.Now for credential expiry checks.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithOriginTTL sets how long an idle origin's sequence is remembered.
func WithOriginTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.seqs = ttlcache.New[string, uint64](ttlcache.WithTTL[string, uint64](d))
		}
	}
}

func NewRegistry(b broker.Broker, opts ...Option) *Registry {
	r := &Registry{
		broker:     b,
		codec:      codecs.NewJSONIter(),
		guard:      TenantGuard{},
		logger:     slog.Default(),
		observer:   nopObserver{},
		bufferSize: DefaultBufferSize,
		now:        time.Now,
		conns:      make(map[string]*Connection),
		byType:     make(map[events.Type]map[string]*Connection),
		subscribed: make(map[events.Type]bool),
		seqs:       ttlcache.New[string, uint64](ttlcache.WithTTL[string, uint64](DefaultOriginTTL)),
	}
	for _, o := range opts {
		o(r)
	}
	go r.seqs.Start()
	return r
}

// Subscribe opens a connection: it validates the filter, checks the tenant,
// registers the filter and makes sure this process listens on the topic.
func (r *Registry) Subscribe(ctx context.Context, req SubscribeRequest) (*Connection, error) {
	if err := req.Filter.Validate(); err != nil {
		return nil, err
	}
	if err := r.authorize(ctx, req); err != nil {
		return nil, err
	}

	c := newConnection(ulid.Make().String(), req.Principal, req.Filter, r, r.bufferSize)
	typ := req.Filter.Type

	r.topicMu.Lock()
	defer r.topicMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("live: subscribe: %w", parley.ErrClosed)
	}
	r.conns[c.id] = c
	if r.byType[typ] == nil {
		r.byType[typ] = make(map[string]*Connection)
	}
	r.byType[typ][c.id] = c
	r.mu.Unlock()

	if !r.subscribed[typ] {
		// envelopes sent while nobody listened are not a gap
		r.forgetSeqs(typ)
		if err := r.broker.Subscribe(ctx, typ.Topic(), r.handle); err != nil {
			r.unregister(c)
			return nil, fmt.Errorf("live: subscribe %s: %w", typ.Topic(), err)
		}
		r.subscribed[typ] = true
	}

	c.activate()
	r.observer.Connections(1)
	r.logger.Debug("subscription opened", "connection", c.id, "type", typ, "scope", req.Filter.ScopeKey)
	return c, nil
}

func (r *Registry) authorize(ctx context.Context, req SubscribeRequest) error {
	p := req.Principal
	if p.UserID == "" || p.OrganizationID == "" {
		return fmt.Errorf("live: subscribe: %w", parley.ErrUnauthenticated)
	}
	f := req.Filter
	if f.OrganizationID != "" && f.OrganizationID != p.OrganizationID {
		return fmt.Errorf("live: subscribe organization %s: %w", f.OrganizationID, parley.ErrForbidden)
	}
	if f.ScopeKey == "" {
		return nil
	}
	if req.Scope == nil {
		return fmt.Errorf("live: subscribe %s: no scope resolver: %w", f.ScopeKey, parley.ErrInvalidInput)
	}
	org, err := req.Scope.ScopeOrganization(ctx, f.Type, f.ScopeKey)
	if err != nil {
		return fmt.Errorf("live: subscribe %s: %w", f.ScopeKey, err)
	}
	if org != p.OrganizationID {
		return fmt.Errorf("live: subscribe %s: %w", f.ScopeKey, parley.ErrForbidden)
	}
	return nil
}

// remove is called by Connection.Close after the connection left the
// active state.
func (r *Registry) remove(c *Connection) {
	r.topicMu.Lock()
	defer r.topicMu.Unlock()

	last := r.unregister(c)
	r.observer.Connections(-1)
	r.logger.Debug("subscription closed", "connection", c.id, "type", c.filter.Type)

	typ := c.filter.Type
	if !last || !r.subscribed[typ] {
		return
	}
	if err := r.broker.Unsubscribe(context.Background(), typ.Topic()); err != nil {
		r.logger.Warn("unsubscribe topic", "topic", typ.Topic(), "error", err)
		return
	}
	r.subscribed[typ] = false
}

// unregister drops c from the indexes and reports whether it was the last
// connection of its type.
func (r *Registry) unregister(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	typ := c.filter.Type
	delete(r.conns, c.id)
	delete(r.byType[typ], c.id)
	if len(r.byType[typ]) == 0 {
		delete(r.byType, typ)
		return true
	}
	return false
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close closes every connection. Further subscribes fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	r.seqs.Stop()
}

// handle is the broker handler for every subscribed topic.
func (r *Registry) handle(ctx context.Context, topic string, data []byte) {
	env, err := events.Decode(r.codec, data)
	if err != nil {
		r.logger.Warn("discard envelope", "topic", topic, "error", err)
		return
	}

	duplicate, gap := r.track(env)
	if duplicate {
		r.logger.Debug("duplicate envelope", "origin", env.Origin, "topic", topic, "seq", env.Seq)
		return
	}

	targets := r.snapshot(env.Type)
	if gap != nil {
		r.logger.Warn("delivery gap", "topic", topic, "error", gap)
		r.observer.Gap(env.Type)
		r.resync(env, targets)
	}

	changed := events.ChangedFields(r.codec, env.Payload)
	msg := Message{
		Kind:       KindUpdate,
		Type:       env.Type,
		ScopeKey:   env.ScopeKey,
		EventID:    env.ID,
		Payload:    env.Payload,
		ProducedAt: env.ProducedAt,
	}
	now := r.now()
	for _, c := range targets {
		if !c.filter.Match(env, changed) {
			continue
		}
		if c.principal.Expired(now) {
			r.logger.Info("credential expired, closing subscription", "connection", c.id, "user", c.principal.UserID)
			// Close unsubscribes from the broker, which must not happen on
			// the broker's delivery goroutine.
			go c.Close()
			continue
		}
		if !r.guard.Allow(ctx, c.principal, env) {
			r.logger.Warn("envelope denied", "connection", c.id, "organization", env.OrganizationID)
			continue
		}
		r.push(c, msg)
	}
}

func (r *Registry) push(c *Connection, m Message) {
	evicted, ok := c.deliver(m)
	if !ok {
		return
	}
	if evicted > 0 {
		r.logger.Warn("slow subscriber, evicted oldest messages",
			"connection", c.id, "type", m.Type, "evicted", evicted)
		r.observer.Evicted(m.Type, evicted)
	}
	r.observer.Delivered(m.Type)
}

// resync is sent to every active connection of the type: the lost envelope
// could have matched any of them.
func (r *Registry) resync(env events.Envelope, targets []*Connection) {
	msg := Message{
		Kind:       KindResync,
		Type:       env.Type,
		ProducedAt: time.Now().UTC(),
	}
	for _, c := range targets {
		r.push(c, msg)
	}
}

func (r *Registry) snapshot(typ events.Type) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byType[typ]))
	for _, c := range r.byType[typ] {
		out = append(out, c)
	}
	return out
}

// track records env's sequence for its (origin, topic). It reports exact
// duplicates and returns a gap error when sequence numbers were skipped.
func (r *Registry) track(env events.Envelope) (duplicate bool, gap error) {
	key := env.Origin + "|" + string(env.Type)

	r.seqMu.Lock()
	defer r.seqMu.Unlock()

	item := r.seqs.Get(key)
	if item == nil {
		r.seqs.Set(key, env.Seq, ttlcache.DefaultTTL)
		return false, nil
	}
	last := item.Value()
	switch {
	case env.Seq <= last:
		return true, nil
	case env.Seq > last+1:
		gap = &GapError{Origin: env.Origin, Type: env.Type, Expected: last + 1, Got: env.Seq}
	}
	r.seqs.Set(key, env.Seq, ttlcache.DefaultTTL)
	return false, gap
}

// forgetSeqs drops the sequence baseline of every origin for typ.
func (r *Registry) forgetSeqs(typ events.Type) {
	suffix := "|" + string(typ)
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	for _, k := range r.seqs.Keys() {
		if strings.HasSuffix(k, suffix) {
			r.seqs.Delete(k)
		}
	}
}

// GapError describes missing sequence numbers from one origin.
type GapError struct {
	Origin   string
	Type     events.Type
	Expected uint64
	Got      uint64
}

func (e *GapError) Error() string {
	return "origin " + e.Origin + " " + string(e.Type) + ": expected seq " +
		strconv.FormatUint(e.Expected, 10) + ", got " + strconv.FormatUint(e.Got, 10)
}

func (e *GapError) Unwrap() error { return parley.ErrDeliveryGap }

