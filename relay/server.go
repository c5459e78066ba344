// Package relay implements the chat relay: the session registry, the
// nickname handshake, the per-session reader, frame dispatch, broadcast and
// unicast delivery with eviction of dead peers, and the keepalive emitter.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/chatrelay/frame"
	"github.com/cyberinferno/chatrelay/logger"
	"github.com/cyberinferno/chatrelay/presence"
	"github.com/cyberinferno/chatrelay/tcpserver"
)

const (
	readBufferSize   = 4096
	departureBacklog = 256
	presenceTimeout  = time.Second
)

var errReadTimeout = errors.New("read timeout")

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the collectors the server reports to.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithPresence sets the departure tracker used for last-seen notices.
func WithPresence(t presence.Tracker) Option {
	return func(s *Server) { s.presence = t }
}

// Server is the relay. It accepts connections, registers nicknames, reads
// and dispatches frames, and runs the keepalive emitter.
type Server struct {
	cfg        Config
	log        logger.Logger
	metrics    *Metrics
	presence   presence.Tracker
	registry   *Registry
	delivery   *Delivery
	dispatcher *Dispatcher
	keepalive  *Keepalive
	listener   *tcpserver.TCPServer

	departures chan *Session
	stopping   atomic.Bool
	cancel     context.CancelFunc
	workers    sync.WaitGroup
}

// NewServer builds a stopped Server.
//
// Parameters:
//   - cfg: Relay settings; zero values fall back to defaults
//   - opts: Logger, metrics and presence overrides
func NewServer(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg.withDefaults(),
		departures: make(chan *Session, departureBacklog),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.log == nil {
		s.log = logger.NewNopLogger()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.presence == nil {
		s.presence = presence.NewMemoryTracker(s.cfg.LastSeenRetention, time.Hour)
	}

	s.registry = NewRegistry(s.onRemove)
	s.delivery = NewDelivery(s.registry, s.cfg.BroadcastParallelism, s.metrics, s.log)
	s.dispatcher = NewDispatcher(s.registry, s.delivery, s.presence, s.log)
	s.keepalive = NewKeepalive(s.delivery, s.cfg.KeepaliveInterval, s.log)
	s.listener = tcpserver.NewTCPServer("relay", s.cfg.Addr, s.newSession, s.log)

	return s
}

// Start binds the listening socket and starts the accept loop, the keepalive
// emitter and the departure worker. They run until ctx is cancelled or Stop
// is called.
//
// Returns:
//   - An error wrapping ErrListenerBind if the address cannot be bound
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	if err := s.listener.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("%w: %w", ErrListenerBind, err)
	}

	s.cancel = cancel
	s.workers.Add(2)
	go func() {
		defer s.workers.Done()
		s.keepalive.Run(ctx)
	}()
	go func() {
		defer s.workers.Done()
		s.runDepartures(ctx)
	}()

	return nil
}

// Stop stops accepting, closes every connection and waits for all session
// goroutines and background workers to return. In-flight broadcasts are
// best effort.
func (s *Server) Stop() {
	if s.cancel == nil || !s.stopping.CompareAndSwap(false, true) {
		return
	}

	s.log.Info("relay shutting down", logger.Field{Key: "sessions", Value: s.registry.Len()})
	s.cancel()
	s.listener.Stop()
	s.registry.CloseAll()
	s.workers.Wait()
	s.log.Info("relay shutdown complete")
}

// Addr returns the bound listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.listener.ListenAddr()
}

// Done is closed when the accept loop has ended, either through Stop or
// because the listening socket failed.
func (s *Server) Done() <-chan struct{} {
	return s.listener.Done()
}

// Registry returns the live session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Delivery returns the delivery engine.
func (s *Server) Delivery() *Delivery {
	return s.delivery
}

func (s *Server) newSession(id uint32, conn net.Conn) tcpserver.Session {
	sess := NewSession(id, conn, s.cfg.WriteTimeout)
	sess.handle = s.serve
	return sess
}

// serve runs the full lifecycle of one connection: handshake, registration,
// join notice, read loop and eviction.
func (s *Server) serve(ctx context.Context, sess *Session) {
	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer stop()

	log := s.log.With(
		logger.Field{Key: "conn_id", Value: sess.ID()},
		logger.Field{Key: "remote_addr", Value: sess.RemoteAddr()})
	log.Debug("connection accepted")

	dec := frame.NewDecoder(s.cfg.MaxFrameSize)
	buf := make([]byte, readBufferSize)

	nickname, err := s.handshake(sess, dec, buf)
	if err != nil {
		log.Info("handshake failed", logger.Field{Key: "error", Value: err.Error()})
		_ = sess.Close()
		return
	}

	if err := s.registry.Register(nickname, sess); err != nil {
		s.reject(sess, "duplicate", err)
		log.Info("registration rejected",
			logger.Field{Key: "nickname", Value: nickname},
			logger.Field{Key: "error", Value: err.Error()})
		return
	}

	log = log.With(logger.Field{Key: "nickname", Value: nickname})
	s.metrics.Sessions.Inc()
	s.forgetDeparture(nickname)
	log.Info("session registered")

	if join, err := frame.Encode(frame.TagMessage, FormatServerNotice(nickname+" joined!")); err == nil {
		s.delivery.Broadcast(nickname, join)
	}

	err = s.readLoop(ctx, sess, dec, buf, log)
	if ctx.Err() != nil {
		log.Debug("reader cancelled")
	} else {
		log.Info("reader stopped", logger.Field{Key: "error", Value: err.Error()})
	}

	s.registry.Evict(sess)
}

// handshake reads the first frame, which must be a valid nickname
// registration. Bytes following that frame stay in dec for the read loop.
func (s *Server) handshake(sess *Session, dec *frame.Decoder, buf []byte) (string, error) {
	if err := sess.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		s.metrics.HandshakeRejections.WithLabelValues("transport").Inc()
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	f, err := s.readFrame(sess, dec, buf)
	if err != nil {
		reason := "transport"
		if errors.Is(err, frame.ErrMalformedFrame) || errors.Is(err, frame.ErrFrameTooLarge) {
			reason = "malformed"
		} else if errors.Is(err, errReadTimeout) {
			reason = "timeout"
		}
		s.metrics.HandshakeRejections.WithLabelValues(reason).Inc()
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	if err := sess.conn.SetReadDeadline(time.Time{}); err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	if f.Tag != frame.TagNickname {
		s.metrics.HandshakeRejections.WithLabelValues("protocol").Inc()
		return "", fmt.Errorf("%w: first frame is %s, not nickname", ErrHandshake, f.Tag.Name())
	}

	if err := ValidateNickname(f.Payload, s.cfg.MaxNicknameLength); err != nil {
		s.reject(sess, "invalid", err)
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	return f.Payload, nil
}

// reject sends a rejection frame and closes the connection.
func (s *Server) reject(sess *Session, reason string, cause error) {
	s.metrics.HandshakeRejections.WithLabelValues(reason).Inc()

	if msg, err := frame.Encode(frame.TagNickname, RejectionPrefix+cause.Error()); err == nil {
		_ = sess.Send(msg)
	}

	_ = sess.Close()
}

// readLoop decodes frames until the connection fails and hands each one to
// the dispatcher. Malformed frames are dropped.
func (s *Server) readLoop(ctx context.Context, sess *Session, dec *frame.Decoder, buf []byte, log logger.Logger) error {
	for {
		f, err := s.readFrame(sess, dec, buf)
		if errors.Is(err, frame.ErrMalformedFrame) {
			s.metrics.FramesReceived.WithLabelValues("malformed").Inc()
			log.Warn("malformed frame dropped", logger.Field{Key: "error", Value: err.Error()})
			continue
		}

		if err != nil {
			return err
		}

		s.metrics.FramesReceived.WithLabelValues(f.Tag.Name()).Inc()
		s.dispatcher.Dispatch(ctx, sess, f)
	}
}

// readFrame returns the next complete frame, reading from the connection
// only when dec holds none.
func (s *Server) readFrame(sess *Session, dec *frame.Decoder, buf []byte) (frame.Frame, error) {
	for {
		f, err := dec.Next()
		if !errors.Is(err, frame.ErrIncompleteFrame) {
			return f, err
		}

		n, err := sess.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			continue
		}

		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return frame.Frame{}, fmt.Errorf("%w: %w: %w", ErrTransportRead, errReadTimeout, err)
			}

			return frame.Frame{}, fmt.Errorf("%w: %w", ErrTransportRead, err)
		}
	}
}

// onRemove runs for every session leaving the registry.
func (s *Server) onRemove(sess *Session) {
	s.metrics.Sessions.Dec()
	s.log.Info("session left",
		logger.Field{Key: "nickname", Value: sess.Nickname()},
		logger.Field{Key: "conn_id", Value: sess.ID()})

	select {
	case s.departures <- sess:
	default:
		s.log.Warn("departure backlog full, dropping record", logger.Field{Key: "nickname", Value: sess.Nickname()})
	}
}

// runDepartures records departures and, when enabled, announces them. It
// runs outside the delivery path so a leave notice never nests inside the
// broadcast that caused the eviction.
func (s *Server) runDepartures(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sess := <-s.departures:
			s.recordDeparture(ctx, sess)
			if s.cfg.AnnounceDepartures && !s.stopping.Load() {
				if leave, err := frame.Encode(frame.TagMessage, FormatServerNotice(sess.Nickname()+" has left.")); err == nil {
					s.delivery.Broadcast("", leave)
				}
			}
		}
	}
}

func (s *Server) recordDeparture(ctx context.Context, sess *Session) {
	ctx, cancel := context.WithTimeout(ctx, presenceTimeout)
	defer cancel()

	if err := s.presence.Departed(ctx, sess.Nickname(), sess.RemoteAddr(), time.Now()); err != nil {
		s.log.Warn("failed to record departure",
			logger.Field{Key: "nickname", Value: sess.Nickname()},
			logger.Field{Key: "error", Value: err.Error()})
	}
}

func (s *Server) forgetDeparture(nickname string) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	if err := s.presence.Returned(ctx, nickname); err != nil {
		s.log.Warn("failed to clear departure",
			logger.Field{Key: "nickname", Value: nickname},
			logger.Field{Key: "error", Value: err.Error()})
	}
}

// RejectionPrefix starts the payload of every registration rejection frame.
const RejectionPrefix = "rejected: "
