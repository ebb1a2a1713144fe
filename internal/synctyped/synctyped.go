package synctyped

import "sync"

// Map is a type safe wrapper around sync.Map.
type Map[K comparable, V any] struct {
	m sync.Map
}

func (m *Map[K, V]) Store(k K, v V) {
	m.m.Store(k, v)
}

func (m *Map[K, V]) Load(k K) (v V, ok bool) {
	a, ok := m.m.Load(k)
	if !ok {
		return v, ok
	}

	return a.(V), true
}

// LoadOrStore stores v under k unless k is already present, in which case
// the existing value is returned with loaded set to true.
func (m *Map[K, V]) LoadOrStore(k K, v V) (actual V, loaded bool) {
	a, loaded := m.m.LoadOrStore(k, v)
	return a.(V), loaded
}

// LoadAndDelete removes k and returns the value it held, if any.
func (m *Map[K, V]) LoadAndDelete(k K) (v V, ok bool) {
	a, ok := m.m.LoadAndDelete(k)
	if !ok {
		return v, ok
	}

	return a.(V), true
}

// CompareAndDelete removes k only while it still maps to old.
func (m *Map[K, V]) CompareAndDelete(k K, old V) bool {
	return m.m.CompareAndDelete(k, old)
}

func (m *Map[K, V]) Range(fn func(K, V) bool) {
	m.m.Range(func(k, v any) bool {
		return fn(k.(K), v.(V))
	})
}
