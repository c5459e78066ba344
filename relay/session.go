package relay

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateAccepted   State = iota // Connection accepted, handshake pending
	StateRegistered              // Nickname registered, present in the registry
	StateClosed                  // Transport released; terminal
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateAccepted:
		return "Accepted"
	case StateRegistered:
		return "Registered"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Session is the relay's view of one connected peer. It exclusively owns
// the connection: the session's reader is the only goroutine reading from
// it and Send serialises all writes, so concurrent broadcasts never
// interleave frames on the wire. Closing the connection is the single
// authoritative signal that the session is gone.
type Session struct {
	id           uint32
	conn         net.Conn
	remoteAddr   string
	writeTimeout time.Duration

	// nickname is assigned once during the handshake, before the session
	// is published in the registry, and never changes afterwards.
	nickname string
	state    atomic.Int32

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	handle func(ctx context.Context, s *Session)
}

// NewSession wraps an accepted connection. The session starts in
// StateAccepted.
//
// Parameters:
//   - id: Connection id
//   - conn: The accepted connection; owned by the session from now on
//   - writeTimeout: Deadline applied to every Send; zero disables it
func NewSession(id uint32, conn net.Conn, writeTimeout time.Duration) *Session {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	s := &Session{
		id:           id,
		conn:         conn,
		remoteAddr:   remote,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
	s.state.Store(int32(StateAccepted))
	return s
}

// ID returns the connection id.
func (s *Session) ID() uint32 { return s.id }

// Nickname returns the registered nickname, or "" before registration.
func (s *Session) Nickname() string { return s.nickname }

// RemoteAddr returns the peer address captured at accept time.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Handle runs the handshake and read loop. It is started by the listener in
// the session's own goroutine.
func (s *Session) Handle(ctx context.Context) {
	if s.handle == nil {
		_ = s.Close()
		return
	}

	s.handle(ctx, s)
}

// Send writes one encoded frame to the peer. Only one write is outstanding
// per session at a time.
//
// Returns:
//   - An error wrapping ErrTransportWrite if the session is closed, the
//     deadline could not be set or the write failed
func (s *Session) Send(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.State() == StateClosed {
		return fmt.Errorf("%w: %w", ErrTransportWrite, net.ErrClosed)
	}

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return fmt.Errorf("%w: %w", ErrTransportWrite, err)
		}
	}

	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportWrite, err)
	}

	return nil
}

// Close moves the session to StateClosed and releases the connection. It is
// safe to call multiple times and from any goroutine; a blocked read on the
// connection returns once it is closed.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.closed)
		err = s.conn.Close()
	})

	return err
}

func (s *Session) markRegistered(nickname string) bool {
	if s.State() != StateAccepted {
		return false
	}

	s.nickname = nickname
	return s.state.CompareAndSwap(int32(StateAccepted), int32(StateRegistered))
}

func (s *Session) revertRegistration() {
	s.state.CompareAndSwap(int32(StateRegistered), int32(StateAccepted))
}

// ValidateNickname checks a requested nickname.
//
// Parameters:
//   - nickname: The requested nickname
//   - maxLength: Maximum length in bytes
//
// Returns:
//   - nil, or an error wrapping ErrInvalidNickname describing the problem
func ValidateNickname(nickname string, maxLength int) error {
	switch {
	case nickname == "":
		return fmt.Errorf("%w: empty", ErrInvalidNickname)
	case len(nickname) > maxLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidNickname, maxLength)
	case !utf8.ValidString(nickname):
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidNickname)
	case strings.IndexFunc(nickname, unicode.IsSpace) >= 0:
		return fmt.Errorf("%w: contains whitespace", ErrInvalidNickname)
	case strings.IndexFunc(nickname, unicode.IsControl) >= 0:
		return fmt.Errorf("%w: contains control characters", ErrInvalidNickname)
	}

	return nil
}
