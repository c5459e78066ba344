package safemap

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSafeMap(t *testing.T) {
	m := NewSafeMap[string, int]()
	require.NotNil(t, m)
	assert.Equal(t, 0, m.Len())
	_, ok := m.Load("x")
	assert.False(t, ok)
}

func TestSafeMap_StoreLoadDelete(t *testing.T) {
	m := NewSafeMap[string, int]()

	m.Store("a", 1)
	v, ok := m.Load("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	m.Store("a", 2)
	v, _ = m.Load("a")
	assert.Equal(t, 2, v)

	m.Delete("a")
	assert.False(t, m.Has("a"))

	assert.NotPanics(t, func() { m.Delete("missing") })
}

func TestSafeMap_LoadOrStore(t *testing.T) {
	m := NewSafeMap[string, string]()

	t.Run("stores when absent", func(t *testing.T) {
		actual, loaded := m.LoadOrStore("bob", "first")
		assert.False(t, loaded)
		assert.Equal(t, "first", actual)
	})

	t.Run("keeps existing when present", func(t *testing.T) {
		actual, loaded := m.LoadOrStore("bob", "second")
		assert.True(t, loaded)
		assert.Equal(t, "first", actual)
	})

	t.Run("exactly one concurrent insert wins", func(t *testing.T) {
		c := NewSafeMap[string, int]()
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := range 50 {
			wg.Add(1)
			go func(v int) {
				defer wg.Done()
				if _, loaded := c.LoadOrStore("same", v); !loaded {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, 1, c.Len())
	})
}

func TestSafeMap_LoadAndDelete(t *testing.T) {
	m := NewSafeMap[string, int]()
	m.Store("a", 1)

	v, ok := m.LoadAndDelete("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = m.LoadAndDelete("a")
	assert.False(t, ok)
	assert.Equal(t, 0, v)
}

func TestSafeMap_CompareAndDelete(t *testing.T) {
	type item struct{ name string }
	m := NewSafeMap[string, *item]()
	old := &item{name: "old"}
	replacement := &item{name: "new"}

	m.Store("k", replacement)
	assert.False(t, m.CompareAndDelete("k", old))
	assert.True(t, m.Has("k"))

	assert.True(t, m.CompareAndDelete("k", replacement))
	assert.False(t, m.Has("k"))
	assert.False(t, m.CompareAndDelete("k", replacement))
}

func TestSafeMap_Range(t *testing.T) {
	m := NewSafeMap[string, int]()
	m.Store("a", 1)
	m.Store("b", 2)
	m.Store("c", 3)

	t.Run("iterates all entries", func(t *testing.T) {
		seen := make(map[string]int)
		m.Range(func(k string, v int) bool {
			seen[k] = v
			return true
		})
		assert.Equal(t, map[string]int{"a": 1, "b": 2, "c": 3}, seen)
	})

	t.Run("stops when f returns false", func(t *testing.T) {
		count := 0
		m.Range(func(string, int) bool {
			count++
			return false
		})
		assert.Equal(t, 1, count)
	})
}

func TestSafeMap_Snapshot(t *testing.T) {
	m := NewSafeMap[string, int]()
	m.Store("carol", 3)
	m.Store("alice", 1)
	m.Store("bob", 2)

	snap := m.Snapshot(func(a, b string) bool { return a < b })
	require.Len(t, snap, 3)
	assert.Equal(t, []Entry[string, int]{{"alice", 1}, {"bob", 2}, {"carol", 3}}, snap)

	m.Delete("alice")
	assert.Len(t, snap, 3, "snapshot is detached from later deletes")

	assert.Empty(t, NewSafeMap[string, int]().Snapshot(nil))
}

func TestSafeMap_Concurrent(t *testing.T) {
	m := NewSafeMap[int, int]()
	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			m.Store(n, n)
		}(i)
		go func() {
			defer wg.Done()
			_ = m.Snapshot(nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, m.Len())
}
