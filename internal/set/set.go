package set

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// Set tracks entries for as long as the context they were registered with
// remains live.
type Set[T comparable] struct {
	mu      sync.RWMutex
	entries []T

	evicted func(T)
}

type Option[T comparable] func(*Set[T])

// WithOnEvict registers fn to be called once for every entry leaving the set.
func WithOnEvict[T comparable](fn func(T)) Option[T] {
	return func(s *Set[T]) {
		s.evicted = fn
	}
}

func NewSet[T comparable](opts ...Option[T]) *Set[T] {
	s := &Set[T]{}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Register adds t and removes it again once ctx is done.
func (s *Set[T]) Register(ctx context.Context, t T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, t)

	go func() {
		<-ctx.Done()

		slog.Debug("set: removing entry")

		s.Remove(t)
	}()
}

// Remove deletes t, calling the eviction callback if t was present.
func (s *Set[T]) Remove(t T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.entries)
	s.entries = slices.DeleteFunc(s.entries, func(e T) bool {
		return e == t
	})

	if len(s.entries) < before && s.evicted != nil {
		s.evicted(t)
	}
}

func (s *Set[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

// Each calls fn on a snapshot of the current entries.
func (s *Set[T]) Each(fn func(T)) {
	s.mu.RLock()
	entries := slices.Clone(s.entries)
	s.mu.RUnlock()

	for _, e := range entries {
		fn(e)
	}
}
