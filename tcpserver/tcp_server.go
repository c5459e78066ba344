// Package tcpserver runs a TCP accept loop and hands every accepted
// connection to a Session running in its own goroutine. It tracks live
// sessions by connection id so that Stop can close all of them.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/chatrelay/idgenerator"
	"github.com/cyberinferno/chatrelay/logger"
	"github.com/cyberinferno/chatrelay/safemap"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

var (
	// ErrAlreadyRunning is returned by Start on a running server.
	ErrAlreadyRunning = errors.New("server already running")

	// ErrListen wraps the failure to bind the listening socket.
	ErrListen = errors.New("listen failed")
)

// NewSessionFunc creates the Session for an accepted connection.
type NewSessionFunc func(id uint32, conn net.Conn) Session

// TCPServer accepts connections on Addr and delegates each one to a session
// created by NewSession.
type TCPServer struct {
	Logger      logger.Logger
	Name        string
	Addr        string
	Listener    net.Listener
	Sessions    *safemap.SafeMap[uint32, Session]
	Running     atomic.Bool
	NewSession  NewSessionFunc
	IdGenerator *idgenerator.IdGenerator

	cancel   context.CancelFunc
	done     chan struct{}
	sessions sync.WaitGroup
}

// NewTCPServer returns a stopped server ready for Start.
//
// Parameters:
//   - name: Name used in log messages
//   - addr: "host:port" to bind; port 0 picks a free port
//   - newSession: Factory for per-connection sessions
//   - log: Logger; nil discards logs
func NewTCPServer(name, addr string, newSession NewSessionFunc, log logger.Logger) *TCPServer {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &TCPServer{
		Logger:      log,
		Name:        name,
		Addr:        addr,
		Sessions:    safemap.NewSafeMap[uint32, Session](),
		NewSession:  newSession,
		IdGenerator: idgenerator.NewIdGenerator(0),
	}
}

// Start binds Addr and runs the accept loop in a goroutine. The loop stops
// when ctx is cancelled, when Stop is called, or when the listener becomes
// unusable.
//
// Returns:
//   - ErrAlreadyRunning if the server is running
//   - An error wrapping ErrListen if binding fails
func (s *TCPServer) Start(ctx context.Context) error {
	if !s.Running.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", s.Name, ErrAlreadyRunning)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.Running.Store(false)
		s.Logger.Error(fmt.Sprintf("%s server failed to start", s.Name), logger.Field{Key: "error", Value: err})
		return fmt.Errorf("%s %w on %s: %w", s.Name, ErrListen, s.Addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.Listener = ln
	s.cancel = cancel
	s.done = make(chan struct{})

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})

	go func() {
		defer close(s.done)
		s.AcceptLoop(ctx)
	}()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	return nil
}

// Stop closes the listener and every live session, then waits for the
// accept loop and all session goroutines to return. Safe to call when the
// server is not running.
func (s *TCPServer) Stop() {
	if !s.Running.CompareAndSwap(true, false) {
		return
	}

	s.cancel()
	_ = s.Listener.Close()
	<-s.done

	s.Sessions.Range(func(_ uint32, session Session) bool {
		_ = session.Close()
		return true
	})

	s.sessions.Wait()
	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
}

// Done is closed once the accept loop has returned. It is nil before Start.
func (s *TCPServer) Done() <-chan struct{} {
	return s.done
}

// ListenAddr returns the bound address, or nil before Start.
func (s *TCPServer) ListenAddr() net.Addr {
	if s.Listener == nil {
		return nil
	}

	return s.Listener.Addr()
}

// GetSession returns the live session with the given connection id.
func (s *TCPServer) GetSession(id uint32) (Session, bool) {
	return s.Sessions.Load(id)
}

// AcceptLoop accepts connections until ctx is cancelled or the listener is
// closed. Transient accept errors are logged and retried with backoff; a
// closed listener ends the loop.
func (s *TCPServer) AcceptLoop(ctx context.Context) {
	backoff := time.Duration(0)
	for {
		conn, err := s.Listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if errors.Is(err, net.ErrClosed) {
				s.Logger.Error(fmt.Sprintf("%s listener closed unexpectedly", s.Name), logger.Field{Key: "error", Value: err})
				return
			}

			backoff = nextBackoff(backoff)
			s.Logger.Error(fmt.Sprintf("%s server accept error", s.Name),
				logger.Field{Key: "error", Value: err},
				logger.Field{Key: "retry_in", Value: backoff.String()})

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			continue
		}

		backoff = 0
		s.serve(ctx, conn)
	}
}

func (s *TCPServer) serve(ctx context.Context, conn net.Conn) {
	id := s.IdGenerator.Id()
	session := s.NewSession(id, conn)
	s.Sessions.Store(id, session)

	// Stop may have swept Sessions between Accept and Store.
	if ctx.Err() != nil {
		s.Sessions.Delete(id)
		_ = session.Close()
		return
	}

	s.sessions.Add(1)
	go func() {
		defer s.sessions.Done()
		defer s.Sessions.Delete(id)
		session.Handle(ctx)
	}()
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return minAcceptBackoff
	}

	current *= 2
	if current > maxAcceptBackoff {
		return maxAcceptBackoff
	}

	return current
}
