package relay

import (
	"fmt"

	"github.com/cyberinferno/chatrelay/safemap"
)

// Registry is the authoritative nickname → Session mapping. All operations
// are safe for concurrent use and linearizable per nickname: a nickname is
// held by at most one session, and a session is visible to Lookup and
// Snapshot only once it is fully registered.
type Registry struct {
	sessions *safemap.SafeMap[string, *Session]
	onRemove func(*Session)
}

// NewRegistry creates an empty Registry.
//
// Parameters:
//   - onRemove: Called once for every session removed from the registry,
//     after it has been closed; may be nil
func NewRegistry(onRemove func(*Session)) *Registry {
	return &Registry{
		sessions: safemap.NewSafeMap[string, *Session](),
		onRemove: onRemove,
	}
}

// Register inserts s under nickname and moves it to StateRegistered.
//
// Returns:
//   - An error wrapping ErrDuplicateNickname if another session holds nickname
//   - An error wrapping ErrSessionState if s is not in StateAccepted
func (r *Registry) Register(nickname string, s *Session) error {
	if !s.markRegistered(nickname) {
		return fmt.Errorf("%w: session %d is %s", ErrSessionState, s.ID(), s.State())
	}

	if _, loaded := r.sessions.LoadOrStore(nickname, s); loaded {
		s.revertRegistration()
		return fmt.Errorf("%w: %q", ErrDuplicateNickname, nickname)
	}

	return nil
}

// Unregister removes and closes whichever session holds nickname. Removing
// an absent nickname is a no-op.
//
// Returns:
//   - true if a session was removed
func (r *Registry) Unregister(nickname string) bool {
	s, ok := r.sessions.LoadAndDelete(nickname)
	if !ok {
		return false
	}

	r.removed(s)
	return true
}

// Evict removes s only if it still holds its nickname, then closes it. A
// session that already left is closed without touching the registry, so a
// late eviction can never remove a newer session that reused the nickname.
//
// Returns:
//   - true if s was removed from the registry by this call
func (r *Registry) Evict(s *Session) bool {
	if s.Nickname() == "" || !r.sessions.CompareAndDelete(s.Nickname(), s) {
		_ = s.Close()
		return false
	}

	r.removed(s)
	return true
}

// Lookup returns the session registered under nickname.
func (r *Registry) Lookup(nickname string) (*Session, bool) {
	return r.sessions.Load(nickname)
}

// Snapshot returns the registered sessions ordered by nickname. The slice is
// a point-in-time copy for fan-out; sessions may leave while it is in use.
func (r *Registry) Snapshot() []*Session {
	entries := r.sessions.Snapshot(func(a, b string) bool { return a < b })
	out := make([]*Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Value)
	}

	return out
}

// Nicknames returns the registered nicknames in order.
func (r *Registry) Nicknames() []string {
	entries := r.sessions.Snapshot(func(a, b string) bool { return a < b })
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Key)
	}

	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

// CloseAll removes and closes every registered session.
func (r *Registry) CloseAll() {
	r.sessions.Range(func(nickname string, _ *Session) bool {
		r.Unregister(nickname)
		return true
	})
}

func (r *Registry) removed(s *Session) {
	_ = s.Close()
	if r.onRemove != nil {
		r.onRemove(s)
	}
}
