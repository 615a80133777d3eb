package utils

import "sync"

// Subscription removes the listener it was returned for.
type Subscription func()

type emitterSub[T any] struct {
	fn   func(T)
	once bool
	dead bool
}

// Emitter is a synchronous observer list. Emit runs every listener on the
// caller's goroutine in subscription order, so a mutation and the change
// notifications it causes happen as one plain call chain.
type Emitter[T any] struct {
	mu   sync.Mutex
	subs []*emitterSub[T]
}

func (e *Emitter[T]) On(fn func(T)) Subscription {
	return e.add(fn, false)
}

// Once registers a listener that is removed after its first invocation.
func (e *Emitter[T]) Once(fn func(T)) Subscription {
	return e.add(fn, true)
}

func (e *Emitter[T]) add(fn func(T), once bool) Subscription {
	s := &emitterSub[T]{fn: fn, once: once}

	e.mu.Lock()
	e.subs = append(e.subs, s)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		s.dead = true
		e.compact()
		e.mu.Unlock()
	}
}

func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	fired := make([]func(T), 0, len(e.subs))
	for _, s := range e.subs {
		if s.dead {
			continue
		}
		fired = append(fired, s.fn)
		if s.once {
			s.dead = true
		}
	}
	e.compact()
	e.mu.Unlock()

	for _, fn := range fired {
		fn(v)
	}
}

// Len reports the number of live listeners.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.subs {
		if !s.dead {
			n++
		}
	}
	return n
}

func (e *Emitter[T]) compact() {
	live := e.subs[:0]
	for _, s := range e.subs {
		if !s.dead {
			live = append(live, s)
		}
	}
	for i := len(live); i < len(e.subs); i++ {
		e.subs[i] = nil
	}
	e.subs = live
}
