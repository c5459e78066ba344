// Package safemap provides a type-safe, concurrent map built on sync.Map.
// Besides plain loads and stores it exposes the atomic insert-if-absent and
// compare-and-delete operations needed to keep a keyed registry consistent
// when many goroutines add and remove entries at once.
package safemap

import (
	"sort"
	"sync"
)

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
// Keys must be comparable; values may be any type. Operations on a single key
// are linearizable. Len, Range and Snapshot are O(n) and do not lock the map,
// so entries stored or deleted concurrently may or may not be observed, but a
// value is never observed half-written.
//
// SafeMap must not be copied after first use.
type SafeMap[K comparable, V any] struct {
	m sync.Map
}

// Entry is one key-value pair returned by Snapshot.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// NewSafeMap returns a new, empty SafeMap.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

// Store sets the value for key k, overwriting any existing value.
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.m.Store(k, v)
}

// Load returns the value for key k and whether it was present.
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	v, found := m.m.Load(k)
	if !found {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// LoadOrStore stores v under k only if k is absent.
//
// Parameters:
//   - k: The key to insert
//   - v: The value to insert when k is absent
//
// Returns:
//   - The value now held for k: the existing one if loaded is true, v otherwise
//   - true if k was already present and nothing was stored
func (m *SafeMap[K, V]) LoadOrStore(k K, v V) (actual V, loaded bool) {
	a, loaded := m.m.LoadOrStore(k, v)
	return a.(V), loaded
}

// LoadAndDelete removes k and returns the value it held, if any.
func (m *SafeMap[K, V]) LoadAndDelete(k K) (V, bool) {
	v, loaded := m.m.LoadAndDelete(k)
	if !loaded {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// CompareAndDelete removes k only if it currently maps to old. V must be a
// comparable type at run time (pointers, strings, ...); otherwise it panics.
//
// Returns:
//   - true if the entry was removed
func (m *SafeMap[K, V]) CompareAndDelete(k K, old V) bool {
	return m.m.CompareAndDelete(k, old)
}

// Delete removes the entry for key k. Deleting a missing key is a no-op.
func (m *SafeMap[K, V]) Delete(k K) {
	m.m.Delete(k)
}

// Has reports whether key k is present.
func (m *SafeMap[K, V]) Has(k K) bool {
	_, found := m.m.Load(k)
	return found
}

// Range calls f for each entry until f returns false. f may modify the map;
// entries changed during the call may or may not be visited.
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Len returns the number of entries. It iterates over the whole map.
func (m *SafeMap[K, V]) Len() int {
	length := 0
	m.m.Range(func(_, _ any) bool {
		length++
		return true
	})

	return length
}

// Snapshot copies the map into a slice ordered by less. The copy is detached
// from the map: later stores and deletes do not affect it.
//
// Parameters:
//   - less: Ordering of keys; nil leaves the order unspecified
//
// Returns:
//   - The copied entries
func (m *SafeMap[K, V]) Snapshot(less func(a, b K) bool) []Entry[K, V] {
	var out []Entry[K, V]
	m.Range(func(k K, v V) bool {
		out = append(out, Entry[K, V]{Key: k, Value: v})
		return true
	})

	if less != nil {
		sort.Slice(out, func(i, j int) bool { return less(out[i].Key, out[j].Key) })
	}

	return out
}
