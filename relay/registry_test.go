package relay

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterLookup(t *testing.T) {
	r := NewRegistry(nil)
	s, _ := register(t, r, 1, "alice")

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, "alice", s.Nickname())
	assert.Equal(t, StateRegistered, s.State())
	assert.Equal(t, 1, r.Len())

	_, ok = r.Lookup("bob")
	assert.False(t, ok)
}

func TestRegistry_Duplicate(t *testing.T) {
	r := NewRegistry(nil)
	first, _ := register(t, r, 1, "alice")

	second := NewSession(2, newFakeConn("10.0.0.2:4000"), time.Second)
	err := r.Register("alice", second)
	require.ErrorIs(t, err, ErrDuplicateNickname)
	assert.Equal(t, StateAccepted, second.State())

	got, _ := r.Lookup("alice")
	assert.Same(t, first, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ConcurrentRegisterSameNickname(t *testing.T) {
	for range 50 {
		r := NewRegistry(nil)
		sessions := []*Session{
			NewSession(1, newFakeConn("10.0.0.1:1"), time.Second),
			NewSession(2, newFakeConn("10.0.0.2:2"), time.Second),
		}

		var (
			wg         sync.WaitGroup
			successes  atomic.Int32
			duplicates atomic.Int32
		)
		start := make(chan struct{})
		for _, s := range sessions {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				err := r.Register("bob", s)
				switch {
				case err == nil:
					successes.Add(1)
				case assert.ErrorIs(t, err, ErrDuplicateNickname):
					duplicates.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), successes.Load())
		require.Equal(t, int32(1), duplicates.Load())
		require.Equal(t, 1, r.Len())
	}
}

func TestRegistry_RegisterClosedSession(t *testing.T) {
	r := NewRegistry(nil)
	s := NewSession(1, newFakeConn("10.0.0.1:1"), time.Second)
	require.NoError(t, s.Close())

	err := r.Register("alice", s)
	require.ErrorIs(t, err, ErrSessionState)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_Unregister(t *testing.T) {
	var removed []*Session
	r := NewRegistry(func(s *Session) { removed = append(removed, s) })
	s, conn := register(t, r, 1, "alice")

	assert.True(t, r.Unregister("alice"))
	assert.False(t, r.Unregister("alice"))
	assert.False(t, r.Unregister("nobody"))

	assert.Equal(t, []*Session{s}, removed)
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, conn.IsClosed())

	_, ok := r.Lookup("alice")
	assert.False(t, ok)
}

func TestRegistry_EvictIgnoresNewerHolder(t *testing.T) {
	var removed atomic.Int32
	r := NewRegistry(func(*Session) { removed.Add(1) })

	old, _ := register(t, r, 1, "carol")
	require.True(t, r.Unregister("carol"))

	newer, newerConn := register(t, r, 2, "carol")

	assert.False(t, r.Evict(old))

	got, ok := r.Lookup("carol")
	require.True(t, ok)
	assert.Same(t, newer, got)
	assert.False(t, newerConn.IsClosed())
	assert.Equal(t, int32(1), removed.Load())

	assert.True(t, r.Evict(newer))
	assert.False(t, r.Evict(newer))
	assert.Equal(t, int32(2), removed.Load())
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_EvictUnregisteredSession(t *testing.T) {
	r := NewRegistry(func(*Session) { t.Fatal("hook must not run") })
	conn := newFakeConn("10.0.0.1:1")
	s := NewSession(1, conn, time.Second)

	assert.False(t, r.Evict(s))
	assert.True(t, conn.IsClosed())
}

func TestRegistry_SnapshotOrdered(t *testing.T) {
	r := NewRegistry(nil)
	for i, nick := range []string{"mallory", "alice", "zed", "bob"} {
		register(t, r, uint32(i+1), nick)
	}

	assert.Equal(t, []string{"alice", "bob", "mallory", "zed"}, r.Nicknames())

	snap := r.Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, "alice", snap[0].Nickname())
	assert.Equal(t, "zed", snap[3].Nickname())
}

func TestRegistry_CloseAll(t *testing.T) {
	var removed atomic.Int32
	r := NewRegistry(func(*Session) { removed.Add(1) })
	_, a := register(t, r, 1, "alice")
	_, b := register(t, r, 2, "bob")

	r.CloseAll()

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, int32(2), removed.Load())
	assert.True(t, a.IsClosed())
	assert.True(t, b.IsClosed())
}
