// Package event provides typed, per-component event streams.
package event

import "sync"

type subscription[T any] struct {
	id int
	fn func(T)
}

// Emitter delivers values of one event type to its subscribers, synchronously
// and in subscription order. The zero value is ready to use.
type Emitter[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   []subscription[T]
}

// Subscribe registers fn and returns a function that removes it
func (e *Emitter[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscription[T]{id: id, fn: fn})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit calls every subscriber with v. Subscribers may subscribe or
// unsubscribe while being called.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	subs := make([]subscription[T], len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Len returns the number of subscribers
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
