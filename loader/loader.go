// Package loader implements a request-scoped batching loader.
//
// Loads issued within one collection window are coalesced into a single call
// of the batch function. The window is an explicit buffer under a mutex: it
// closes when its timer fires, when it reaches the maximum batch size, or,
// with flush-on-wait enabled, as soon as a caller blocks on one of its keys.
// Resolved values are cached for the lifetime of the Loader, which is meant
// to be one request.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ripkitten-co/parley"
)

const (
	DefaultWait     = 2 * time.Millisecond
	DefaultMaxBatch = 500
)

// BatchFunc fetches many keys at once. Keys absent from the returned map
// resolve to ErrNotFound. A returned error fails every key of the batch.
type BatchFunc[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

// Observer is notified after every batch.
type Observer func(name string, size int, elapsed time.Duration, err error)

// BatchFetchError is returned to every caller of a failed batch.
type BatchFetchError struct {
	Loader string
	Size   int
	Err    error
}

func (e *BatchFetchError) Error() string {
	return fmt.Sprintf("loader %s: batch of %d: %v", e.Loader, e.Size, e.Err)
}

func (e *BatchFetchError) Unwrap() error { return e.Err }

type config struct {
	name        string
	wait        time.Duration
	maxBatch    int
	flushOnWait bool
	observer    Observer
}

type Option func(*config)

// WithName labels the loader in errors and observer calls.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithWait sets how long a window collects keys after its first load.
func WithWait(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.wait = d
		}
	}
}

// WithMaxBatch dispatches a window as soon as it holds n keys.
func WithMaxBatch(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxBatch = n
		}
	}
}

// WithFlushOnWait dispatches a pending window as soon as any caller blocks
// in Thunk.Get instead of waiting for the timer.
func WithFlushOnWait(enabled bool) Option {
	return func(c *config) { c.flushOnWait = enabled }
}

func WithObserver(o Observer) Option {
	return func(c *config) { c.observer = o }
}

type Loader[K comparable, V any] struct {
	cfg   config
	fetch BatchFunc[K, V]

	mu      sync.Mutex
	cache   map[K]*Thunk[V]
	pending *batch[K, V]
}

type batch[K comparable, V any] struct {
	ctx        context.Context
	keys       []K
	thunks     []*Thunk[V]
	index      map[K]int
	timer      *time.Timer
	dispatched bool
}

func New[K comparable, V any](fetch BatchFunc[K, V], opts ...Option) *Loader[K, V] {
	cfg := config{
		name:     "loader",
		wait:     DefaultWait,
		maxBatch: DefaultMaxBatch,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Loader[K, V]{
		cfg:   cfg,
		fetch: fetch,
		cache: make(map[K]*Thunk[V]),
	}
}

func (l *Loader[K, V]) Name() string { return l.cfg.name }

// Load registers key in the current window and returns a thunk for its
// value. It never blocks on I/O. Repeated loads of one key share a thunk.
//
// The batch runs with the values of the first load's context but not its
// cancellation; each caller bounds its own wait in Thunk.Get.
func (l *Loader[K, V]) Load(ctx context.Context, key K) *Thunk[V] {
	l.mu.Lock()
	if t, ok := l.cache[key]; ok {
		l.mu.Unlock()
		return t
	}

	b := l.pending
	if b == nil {
		b = &batch[K, V]{ctx: context.WithoutCancel(ctx), index: make(map[K]int)}
		l.pending = b
		b.timer = time.AfterFunc(l.cfg.wait, func() { l.dispatch(b) })
	}
	// cleared while still pending: the open window already carries it
	if i, ok := b.index[key]; ok {
		t := b.thunks[i]
		l.cache[key] = t
		l.mu.Unlock()
		return t
	}

	t := newThunk[V]()
	if l.cfg.flushOnWait {
		t.flush = func() { l.dispatch(b) }
	}
	l.cache[key] = t
	b.index[key] = len(b.keys)
	b.keys = append(b.keys, key)
	b.thunks = append(b.thunks, t)
	full := len(b.keys) >= l.cfg.maxBatch
	l.mu.Unlock()

	if full {
		l.dispatch(b)
	}
	return t
}

// LoadMany loads every key and waits for all of them. Values and errors are
// positional; errs is nil when every key resolved.
func (l *Loader[K, V]) LoadMany(ctx context.Context, keys []K) ([]V, []error) {
	thunks := make([]*Thunk[V], len(keys))
	for i, k := range keys {
		thunks[i] = l.Load(ctx, k)
	}

	values := make([]V, len(keys))
	var errs []error
	for i, t := range thunks {
		v, err := t.Get(ctx)
		values[i] = v
		if err != nil {
			if errs == nil {
				errs = make([]error, len(keys))
			}
			errs[i] = err
		}
	}
	return values, errs
}

// LoadAll is LoadMany that collapses errors into the first one encountered.
func (l *Loader[K, V]) LoadAll(ctx context.Context, keys []K) ([]V, error) {
	values, errs := l.LoadMany(ctx, keys)
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return values, nil
}

// Prime seeds the cache with a known value. It returns false and leaves the
// cache untouched when key is already cached or pending.
func (l *Loader[K, V]) Prime(key K, value V) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.cache[key]; ok {
		return false
	}
	t := newThunk[V]()
	t.resolve(value, nil)
	l.cache[key] = t
	return true
}

// Clear drops key from the cache so the next load fetches it again. Callers
// already holding the old thunk still receive its result.
func (l *Loader[K, V]) Clear(key K) {
	l.mu.Lock()
	delete(l.cache, key)
	l.mu.Unlock()
}

// dispatch closes window b exactly once and runs its batch in the background.
func (l *Loader[K, V]) dispatch(b *batch[K, V]) {
	l.mu.Lock()
	if b.dispatched {
		l.mu.Unlock()
		return
	}
	b.dispatched = true
	if l.pending == b {
		l.pending = nil
	}
	l.mu.Unlock()

	b.timer.Stop()
	go l.run(b)
}

func (l *Loader[K, V]) run(b *batch[K, V]) {
	start := time.Now()
	values, err := l.call(b)
	if l.cfg.observer != nil {
		l.cfg.observer(l.cfg.name, len(b.keys), time.Since(start), err)
	}

	if err != nil {
		berr := &BatchFetchError{Loader: l.cfg.name, Size: len(b.keys), Err: err}
		l.forget(b)
		var zero V
		for _, t := range b.thunks {
			t.resolve(zero, berr)
		}
		return
	}

	for i, k := range b.keys {
		v, ok := values[k]
		if !ok {
			var zero V
			b.thunks[i].resolve(zero, fmt.Errorf("loader %s: key %v: %w", l.cfg.name, k, parley.ErrNotFound))
			continue
		}
		b.thunks[i].resolve(v, nil)
	}
}

func (l *Loader[K, V]) call(b *batch[K, V]) (values map[K]V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in batch function: %v", r)
		}
	}()
	return l.fetch(b.ctx, b.keys)
}

// forget evicts the thunks of a failed batch so a retry by the caller opens
// a new window instead of replaying the cached failure.
func (l *Loader[K, V]) forget(b *batch[K, V]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, k := range b.keys {
		if l.cache[k] == b.thunks[i] {
			delete(l.cache, k)
		}
	}
}

// IsBatchError reports whether err came from a failed batch rather than a
// missing key.
func IsBatchError(err error) bool {
	var berr *BatchFetchError
	return errors.As(err, &berr)
}
