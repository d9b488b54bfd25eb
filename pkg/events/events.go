package events

import (
	"context"
	"sort"
	"sync"
)

// Stream is a fan-out event stream. Listeners are invoked synchronously,
// in subscription order, on the emitting goroutine.
type Stream[T any] struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]func(T)
}

func NewStream[T any]() *Stream[T] {
	return &Stream[T]{
		listeners: make(map[int]func(T)),
	}
}

// Emit delivers an event to every current listener.
func (s *Stream[T]) Emit(event T) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

// Subscribe registers a listener and returns a function that removes it.
// Removing twice is harmless.
func (s *Stream[T]) Subscribe(listener func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = listener

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Next blocks until an event matching predicate arrives or ctx expires.
// A nil predicate matches any event.
func (s *Stream[T]) Next(ctx context.Context, predicate func(T) bool) (T, error) {
	ch := make(chan T, 1)
	unsubscribe := s.Subscribe(func(event T) {
		if predicate != nil && !predicate(event) {
			return
		}
		select {
		case ch <- event:
		default:
		}
	})
	defer unsubscribe()

	select {
	case event := <-ch:
		return event, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
