package relay

import (
	"errors"
	"net"
	"os"
	"syscall"
)

var (
	// ErrDuplicateNickname is returned when registering a nickname that a
	// live session already holds.
	ErrDuplicateNickname = errors.New("nickname already in use")

	// ErrInvalidNickname is returned for nicknames that are empty, too long,
	// not UTF-8 or contain whitespace.
	ErrInvalidNickname = errors.New("invalid nickname")

	// ErrSessionState is returned when a session is not in the state an
	// operation requires.
	ErrSessionState = errors.New("invalid session state")

	// ErrHandshake wraps every failure to complete the nickname handshake.
	ErrHandshake = errors.New("handshake failed")

	// ErrTransportRead wraps read failures on a session's connection.
	ErrTransportRead = errors.New("transport read failure")

	// ErrTransportWrite wraps write failures on a session's connection.
	ErrTransportWrite = errors.New("transport write failure")

	// ErrListenerBind is returned by Server.Start when the listening socket
	// cannot be bound.
	ErrListenerBind = errors.New("listener bind failure")
)

// writeFailureReason classifies a write error for logs and metrics. Every
// class leads to eviction.
func writeFailureReason(err error) string {
	switch {
	case errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNABORTED):
		return "broken_connection"
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "write_timeout"
	case errors.Is(err, net.ErrClosed):
		return "closed"
	default:
		return "write_error"
	}
}
