package loader

import "context"

// Thunk is a pending value produced by Load.
type Thunk[V any] struct {
	done  chan struct{}
	value V
	err   error
	flush func()
}

func newThunk[V any]() *Thunk[V] {
	return &Thunk[V]{done: make(chan struct{})}
}

func (t *Thunk[V]) resolve(v V, err error) {
	t.value = v
	t.err = err
	close(t.done)
}

// Get blocks until the value is resolved or ctx is done.
func (t *Thunk[V]) Get(ctx context.Context) (V, error) {
	select {
	case <-t.done:
		return t.value, t.err
	default:
	}

	if t.flush != nil {
		t.flush()
	}

	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Done is closed once the thunk is resolved.
func (t *Thunk[V]) Done() <-chan struct{} {
	return t.done
}
