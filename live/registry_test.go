package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ripkitten-co/parley"
	"github.com/ripkitten-co/parley/auth"
	"github.com/ripkitten-co/parley/broker/memory"
	"github.com/ripkitten-co/parley/events"
	"github.com/ripkitten-co/parley/internal/codecs"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var (
	alice = auth.Principal{UserID: "alice", OrganizationID: "org1", Role: auth.RoleMember}
	bob   = auth.Principal{UserID: "bob", OrganizationID: "org1", Role: auth.RoleMember}
	eve   = auth.Principal{UserID: "eve", OrganizationID: "org2", Role: auth.RoleAdmin}
)

// scopes maps scope keys to owning organizations.
type scopes map[string]string

func (s scopes) ScopeOrganization(_ context.Context, _ events.Type, key string) (string, error) {
	org, ok := s[key]
	if !ok {
		return "", fmt.Errorf("meeting %s: %w", key, parley.ErrNotFound)
	}
	return org, nil
}

var meetings = scopes{"m1": "org1", "m2": "org1", "m9": "org2"}

type counter struct {
	delivered atomic.Int64
	evicted   atomic.Int64
	gaps      atomic.Int64
	conns     atomic.Int64
}

func (c *counter) Delivered(events.Type)        { c.delivered.Add(1) }
func (c *counter) Evicted(_ events.Type, n int) { c.evicted.Add(int64(n)) }
func (c *counter) Gap(events.Type)              { c.gaps.Add(1) }
func (c *counter) Connections(d int)            { c.conns.Add(int64(d)) }

type fixture struct {
	hub       *memory.Hub
	broker    *memory.Broker
	registry  *Registry
	publisher *events.Publisher
	counter   *counter
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	hub := memory.NewHub()
	b := hub.Connect()
	c := &counter{}
	opts = append([]Option{WithLogger(quiet), WithObserver(c)}, opts...)
	r := NewRegistry(b, opts...)
	t.Cleanup(func() {
		r.Close()
		b.Close()
	})
	return &fixture{
		hub:       hub,
		broker:    b,
		registry:  r,
		publisher: events.NewPublisher(b, events.WithLogger(quiet), events.WithOrigin("proc-a")),
		counter:   c,
	}
}

func (f *fixture) subscribe(t *testing.T, p auth.Principal, filter Filter) *Connection {
	t.Helper()
	c, err := f.registry.Subscribe(context.Background(), SubscribeRequest{Principal: p, Filter: filter, Scope: meetings})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return c
}

func (f *fixture) statusChanged(t *testing.T, meetingID, org, from, to string) events.Envelope {
	t.Helper()
	env, err := f.publisher.Publish(context.Background(), events.MeetingStatusChanged, meetingID, org,
		events.StatusChange{Old: from, New: to, ChangedFields: []string{"status"}})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return env
}

func receive(t *testing.T, c *Connection) Message {
	t.Helper()
	select {
	case m, ok := <-c.Messages():
		if !ok {
			t.Fatal("connection closed")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func expectNone(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case m, ok := <-c.Messages():
		if ok {
			t.Fatalf("unexpected message %+v", m)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRegistry_RoutesByScope(t *testing.T) {
	f := newFixture(t)
	a := f.subscribe(t, alice, Filter{Type: events.MeetingStatusChanged, ScopeKey: "m1"})
	b := f.subscribe(t, bob, Filter{Type: events.MeetingStatusChanged, ScopeKey: "m2"})

	env := f.statusChanged(t, "m1", "org1", "scheduled", "in_progress")

	m := receive(t, a)
	if m.Kind != KindUpdate || m.EventID != env.ID || m.ScopeKey != "m1" {
		t.Errorf("got %+v", m)
	}
	changed := events.ChangedFields(codecs.NewJSONIter(), m.Payload)
	if len(changed) != 1 || changed[0] != "status" {
		t.Errorf("got changed fields %v", changed)
	}
	var payload events.StatusChange
	if err := codecs.NewJSONIter().Unmarshal(m.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.New != "in_progress" {
		t.Errorf("got new status %q", payload.New)
	}

	expectNone(t, a)
	expectNone(t, b)
}

func TestRegistry_CrossProcessDelivery(t *testing.T) {
	hub := memory.NewHub()
	procA, procB := hub.Connect(), hub.Connect()
	defer procA.Close()
	defer procB.Close()

	regB := NewRegistry(procB, WithLogger(quiet))
	defer regB.Close()
	c, err := regB.Subscribe(context.Background(), SubscribeRequest{
		Principal: alice,
		Filter:    Filter{Type: events.MeetingStatusChanged, ScopeKey: "m1"},
		Scope:     meetings,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub := events.NewPublisher(procA, events.WithLogger(quiet))
	if _, err := pub.Publish(context.Background(), events.MeetingStatusChanged, "m1", "org1", events.StatusChange{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if m := receive(t, c); m.ScopeKey != "m1" {
		t.Errorf("got %+v", m)
	}
}

func TestRegistry_FieldFilter(t *testing.T) {
	f := newFixture(t)
	titles := f.subscribe(t, alice, Filter{Type: events.MeetingStatusChanged, ScopeKey: "m1", Fields: []string{"title"}})
	status := f.subscribe(t, bob, Filter{Type: events.MeetingStatusChanged, ScopeKey: "m1", Fields: []string{"status"}})

	f.statusChanged(t, "m1", "org1", "scheduled", "in_progress")

	receive(t, status)
	expectNone(t, titles)
}

func TestRegistry_OrganizationWideFilter(t *testing.T) {
	f := newFixture(t)
	c := f.subscribe(t, alice, Filter{Type: events.MeetingStatusChanged, OrganizationID: "org1"})

	f.statusChanged(t, "m1", "org1", "scheduled", "in_progress")
	f.statusChanged(t, "m9", "org2", "scheduled", "in_progress")
	f.statusChanged(t, "m2", "org1", "scheduled", "cancelled")

	if m := receive(t, c); m.ScopeKey != "m1" {
		t.Errorf("got %s, want m1", m.ScopeKey)
	}
	if m := receive(t, c); m.ScopeKey != "m2" {
		t.Errorf("got %s, want m2", m.ScopeKey)
	}
	expectNone(t, c)
}

func TestRegistry_NoDeliveryAfterClose(t *testing.T) {
	f := newFixture(t)
	c := f.subscribe(t, alice, Filter{Type: events.MeetingStatusChanged, ScopeKey: "m1"})

	c.Close()
	c.Close()
	if c.State() != StateClosed {
		t.Errorf("got state %s, want closed", c.State())
	}
	if f.registry.Len() != 0 {
		t.Errorf("got %d connections, want 0", f.registry.Len())
	}
	if topics := f.broker.Topics(); len(topics) != 0 {
		t.Errorf("topic should be unsubscribed after last close, got %v", topics)
	}

	f.statusChanged(t, "m1", "org1", "scheduled", "in_progress")
	if _, ok := <-c.Messages(); ok {
		t.Error("closed connection should not receive messages")
	}
	if got := f.counter.delivered.Load(); got != 0 {
		t.Errorf("got %d deliveries, want 0", got)
	}
}

func TestRegistry_TopicKeptWhileOthersListen(t *testing.T) {
	f := newFixture(t)
	a := f.subscribe(t, alice, Filter{Type: events.MeetingStatusChanged, ScopeKey: "m1"})
	b := f.subscribe(t, bob, Filter{Type: events.MeetingStatusChanged, ScopeKey: "m1"})

	a.Close()
	f.statusChanged(t, "m1", "org1", "scheduled", "in_progress")
	receive(t, b)
	if f.counter.conns.Load() != 1 {
		t.Errorf("got %d open connections, want 1", f.counter.conns.Load())
	}
}

func TestRegistry_SubscribeAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubscribeRequest
		want error
	}{
		{"other tenant's meeting", SubscribeRequest{Principal: eve, Filter: Filter{Type: events.MeetingUpdated, ScopeKey: "m1"}, Scope: meetings}, parley.ErrForbidden},
		{"other tenant's organization", SubscribeRequest{Principal: eve, Filter: Filter{Type: events.MeetingUpdated, OrganizationID: "org1"}}, parley.ErrForbidden},
		{"unknown meeting", SubscribeRequest{Principal: alice, Filter: Filter{Type: events.MeetingUpdated, ScopeKey: "nope"}, Scope: meetings}, parley.ErrNotFound},
		{"no principal", SubscribeRequest{Filter: Filter{Type: events.MeetingUpdated, ScopeKey: "m1"}, Scope: meetings}, parley.ErrUnauthenticated},
		{"bad filter", SubscribeRequest{Principal: alice, Filter: Filter{Type: "nope", ScopeKey: "m1"}, Scope: meetings}, parley.ErrInvalidInput},
		{"no resolver", SubscribeRequest{Principal: alice, Filter: Filter{Type: events.MeetingUpdated, ScopeKey: "m1"}}, parley.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.registry.Subscribe(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
	if f.registry.Len() != 0 {
		t.Errorf("rejected subscriptions must not register, got %d", f.registry.Len())
	}
}

func TestRegistry_GuardRechecksEveryEnvelope(t *testing.T) {
	f := newFixture(t)
	c := f.subscribe(t, alice, Filter{Type: events.MeetingStatusChanged, ScopeKey: "m1"})

	// m1 moved to another tenant after the subscription opened.
	f.statusChanged(t, "m1", "org2", "scheduled", "in_progress")
	expectNone(t, c)

	f.statusChanged(t, "m1", "org1", "scheduled", "in_progress")
	receive(t, c)
}

func TestRegistry_SlowSubscriberEvictsOldest(t *testing.T) {
	f := newFixture(t, WithBufferSize(2))
	c := f.subscribe(t, alice, Filter{Type: events.MeetingStatusChanged, ScopeKey: "m1"})

	var last events.Envelope
	for i := 0; i < 5; i++ {
		last = f.statusChanged(t, "m1", "org1", "scheduled", "in_progress")
	}
	waitFor(t, func() bool { return f.counter.delivered.Load() == 5 })

	first, second := receive(t, c), receive(t, c)
	if second.EventID != last.ID {
		t.Errorf("newest message should survive eviction")
	}
	if got := first.Dropped + second.Dropped; got != 3 {
		t.Errorf("got %d dropped in total, want 3", got)
	}
	if got := f.counter.evicted.Load(); got != 3 {
		t.Errorf("got %d evictions counted, want 3", got)
	}
}

func (f *fixture) raw(t *testing.T, env events.Envelope) {
	t.Helper()
	data, err := events.Encode(codecs.NewJSONIter(), env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := f.broker.Publish(context.Background(), env.Type.Topic(), data); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestRegistry_GapTriggersResync(t *testing.T) {
	f := newFixture(t)
	scoped := f.subscribe(t, alice, Filter{Type: events.MeetingUpdated, ScopeKey: "m1"})
	other := f.subscribe(t, bob, Filter{Type: events.MeetingUpdated, ScopeKey: "m2"})

	base := events.Envelope{Type: events.MeetingUpdated, ScopeKey: "m1", OrganizationID: "org1", Origin: "proc-z", Payload: []byte(`{}`)}
	env := func(id string, seq uint64) events.Envelope {
		e := base
		e.ID, e.Seq = id, seq
		return e
	}

	f.raw(t, env("e1", 1))
	f.raw(t, env("e3", 3))
	f.raw(t, env("e3", 3))

	if m := receive(t, scoped); m.EventID != "e1" {
		t.Errorf("got %+v, want e1", m)
	}
	if m := receive(t, scoped); m.Kind != KindResync {
		t.Errorf("got %+v, want resync", m)
	}
	if m := receive(t, scoped); m.EventID != "e3" {
		t.Errorf("got %+v, want e3", m)
	}
	expectNone(t, scoped)

	if m := receive(t, other); m.Kind != KindResync {
		t.Errorf("every connection of the type should resync, got %+v", m)
	}
	if got := f.counter.gaps.Load(); got != 1 {
		t.Errorf("got %d gaps, want 1", got)
	}
}

func TestRegistry_PublishFailureSurfacesAsGap(t *testing.T) {
	f := newFixture(t)
	c := f.subscribe(t, alice, Filter{Type: events.MeetingStatusChanged, ScopeKey: "m1"})

	f.statusChanged(t, "m1", "org1", "scheduled", "in_progress")
	receive(t, c)

	f.hub.SetDown(true)
	if _, err := f.publisher.Publish(context.Background(), events.MeetingStatusChanged, "m1", "org1", events.StatusChange{}); err == nil {
		t.Fatal("expected publish error")
	}
	f.hub.SetDown(false)

	f.statusChanged(t, "m1", "org1", "in_progress", "completed")
	if m := receive(t, c); m.Kind != KindResync {
		t.Errorf("got %+v, want resync after lost envelope", m)
	}
	if m := receive(t, c); m.Kind != KindUpdate {
		t.Errorf("got %+v, want update", m)
	}
}

func TestRegistry_ResubscribeAfterIdleIsNotGap(t *testing.T) {
	f := newFixture(t)
	first := f.subscribe(t, alice, Filter{Type: events.MeetingStatusChanged, ScopeKey: "m1"})
	f.statusChanged(t, "m1", "org1", "scheduled", "in_progress")
	receive(t, first)
	first.Close()

	// nobody listens on the topic for this one
	f.statusChanged(t, "m1", "org1", "in_progress", "cancelled")

	second := f.subscribe(t, bob, Filter{Type: events.MeetingStatusChanged, ScopeKey: "m1"})
	env := f.statusChanged(t, "m1", "org1", "cancelled", "cancelled")
	if m := receive(t, second); m.Kind != KindUpdate || m.EventID != env.ID {
		t.Fatalf("got %+v, want update %s", m, env.ID)
	}
	expectNone(t, second)
	if got := f.counter.gaps.Load(); got != 0 {
		t.Errorf("got %d gaps, want 0", got)
	}
}

func TestRegistry_ExpiredCredentialClosesConnection(t *testing.T) {
	var now atomic.Int64
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now.Store(start.UnixNano())
	f := newFixture(t, WithClock(func() time.Time { return time.Unix(0, now.Load()) }))

	p := alice
	p.ExpiresAt = start.Add(time.Minute)
	c := f.subscribe(t, p, Filter{Type: events.MeetingStatusChanged, ScopeKey: "m1"})

	f.statusChanged(t, "m1", "org1", "scheduled", "in_progress")
	if m := receive(t, c); m.Kind != KindUpdate {
		t.Fatalf("got %+v, want update", m)
	}

	now.Store(start.Add(2 * time.Minute).UnixNano())
	f.statusChanged(t, "m1", "org1", "in_progress", "completed")

	waitFor(t, func() bool { return c.State() == StateClosed })
	if _, ok := <-c.Messages(); ok {
		t.Error("expired connection still received a message")
	}
	if got := f.registry.Len(); got != 0 {
		t.Errorf("got %d connections, want 0", got)
	}
}

func TestRegistry_MalformedEnvelopeIgnored(t *testing.T) {
	f := newFixture(t)
	c := f.subscribe(t, alice, Filter{Type: events.MeetingStatusChanged, ScopeKey: "m1"})

	if err := f.broker.Publish(context.Background(), events.MeetingStatusChanged.Topic(), []byte("garbage")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	f.statusChanged(t, "m1", "org1", "scheduled", "in_progress")
	if m := receive(t, c); m.Kind != KindUpdate {
		t.Errorf("got %+v", m)
	}
}

func TestRegistry_Close(t *testing.T) {
	f := newFixture(t)
	a := f.subscribe(t, alice, Filter{Type: events.MeetingStatusChanged, ScopeKey: "m1"})
	b := f.subscribe(t, bob, Filter{Type: events.MeetingUpdated, ScopeKey: "m2"})

	f.registry.Close()

	for _, c := range []*Connection{a, b} {
		if c.State() != StateClosed {
			t.Errorf("got state %s, want closed", c.State())
		}
	}
	_, err := f.registry.Subscribe(context.Background(), SubscribeRequest{
		Principal: alice, Filter: Filter{Type: events.MeetingUpdated, ScopeKey: "m1"}, Scope: meetings,
	})
	if !errors.Is(err, parley.ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestRegistry_ConcurrentCloseAndPublish(t *testing.T) {
	f := newFixture(t, WithBufferSize(1))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		c := f.subscribe(t, alice, Filter{Type: events.MeetingStatusChanged, ScopeKey: "m1"})
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.publisher.Publish(context.Background(), events.MeetingStatusChanged, "m1", "org1", events.StatusChange{})
		}()
		go func() {
			defer wg.Done()
			c.Close()
		}()
	}
	wg.Wait()
	waitFor(t, func() bool { return f.registry.Len() == 0 })
}
