// Package chatclient provides an event-driven client for the chat relay. It
// performs the nickname handshake, decodes inbound frames and notifies the
// caller through registered handlers. Handlers run on the client's read
// goroutine in the order frames arrive and must not call Close.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/cyberinferno/chatrelay/frame"
	"github.com/cyberinferno/chatrelay/logger"
)

// ConnectionState represents the current state of the connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected
	Connecting                          // Dial or handshake in progress
	Connected                           // Handshake sent, frames flowing
	Closed                              // Client has been closed and cannot be reused
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client is closed")

	// ErrNotConnected is returned by Send when no connection is established.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned by Connect on a connected client.
	ErrAlreadyConnected = errors.New("already connected or connecting")

	// ErrRejected is reported through OnError when the relay refuses the
	// nickname.
	ErrRejected = errors.New("nickname rejected")

	// ErrInvalidTarget is returned by SendPrivate for an empty target or one
	// containing whitespace.
	ErrInvalidTarget = errors.New("invalid private message target")
)

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState // The new connection state
	Address   string          // The relay address
	Timestamp time.Time       // When the state change occurred
	Error     error           // Non-nil if the change was caused by an error
}

// FrameEvent is emitted for every chat or private message frame received.
type FrameEvent struct {
	Frame     frame.Frame
	Timestamp time.Time
}

// ErrorEvent is emitted when a read, decode or write error occurs, or when
// the relay rejects the nickname.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

// ConnectionStateHandler is called when the connection state changes.
type ConnectionStateHandler func(event ConnectionStateEvent)

// FrameHandler is called for each received message frame.
type FrameHandler func(event FrameEvent)

// ErrorHandler is called when an error occurs.
type ErrorHandler func(event ErrorEvent)

// Config holds configuration for the client.
type Config struct {
	// Address is the relay "host:port".
	Address string
	// Nickname is sent in the handshake frame.
	Nickname string
	// ConnectionTimeout is the max duration for establishing a connection.
	ConnectionTimeout time.Duration
	// WriteTimeout is the max duration for a single write; 0 means no timeout.
	WriteTimeout time.Duration
	// ReadBufferSize is the size of each socket read.
	ReadBufferSize int
	// MaxFrameSize caps a single inbound frame.
	MaxFrameSize int
}

// DefaultConfig returns a Config with default values.
//
// Parameters:
//   - address: The relay "host:port"
//   - nickname: The nickname to register
//
// Returns:
//   - A Config with ConnectionTimeout 10s, WriteTimeout 10s, ReadBufferSize
//     4096 and the default frame size limit
func DefaultConfig(address, nickname string) Config {
	return Config{
		Address:           address,
		Nickname:          nickname,
		ConnectionTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadBufferSize:    4096,
		MaxFrameSize:      frame.DefaultMaxFrameSize,
	}
}

// Client is a chat relay client. Register handlers, then call Connect. It is
// safe for concurrent use. A Client connects at most once; create a new one
// to reconnect.
type Client struct {
	config Config
	log    logger.Logger

	mu      sync.RWMutex
	writeMu sync.Mutex
	conn    net.Conn
	state   ConnectionState
	started bool
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup

	onConnectionState ConnectionStateHandler
	onFrame           FrameHandler
	onError           ErrorHandler
}

// New creates a client in the Disconnected state.
//
// Parameters:
//   - config: Connection settings (e.g. from DefaultConfig)
//   - log: Logger; nil discards logs
func New(config Config, log logger.Logger) *Client {
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = 4096
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Client{
		config: config,
		log:    log,
		state:  Disconnected,
		done:   make(chan struct{}),
	}
}

// OnConnectionState registers the handler for state changes, replacing any
// previous one.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// OnFrame registers the handler for received message frames, replacing any
// previous one.
func (c *Client) OnFrame(handler FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = handler
}

// OnError registers the handler for errors, replacing any previous one.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect dials the relay, sends the nickname frame and starts reading.
//
// Returns:
//   - nil on success
//   - ErrClosed, ErrAlreadyConnected, or the dial/handshake error
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.started = true
	c.mu.Unlock()

	handshake, err := frame.Encode(frame.TagNickname, c.config.Nickname)
	if err != nil {
		return err
	}

	c.setState(Connecting, nil)

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		c.setState(Disconnected, err)
		c.emitError(err)
		c.signalDone()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.write(conn, handshake); err != nil {
		c.dropConnection(err)
		return err
	}

	c.setState(Connected, nil)
	c.log.Info("connected to relay",
		logger.Field{Key: "address", Value: c.config.Address},
		logger.Field{Key: "nickname", Value: c.config.Nickname})

	c.wg.Add(1)
	go c.readLoop(conn)

	return nil
}

// SendMessage sends a chat message to every other peer.
func (c *Client) SendMessage(text string) error {
	return c.Send(frame.TagMessage, text)
}

// SendPrivate sends text to the peer registered as target.
//
// Returns:
//   - ErrInvalidTarget for an empty target or one containing whitespace
//   - Any error from Send
func (c *Client) SendPrivate(target, text string) error {
	if target == "" || strings.IndexFunc(target, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}

	return c.Send(frame.TagPrivate, target+" "+text)
}

// Send encodes and writes one frame.
//
// Returns:
//   - ErrNotConnected if there is no connection
//   - frame.ErrInvalidPayload if payload contains the terminator
//   - The write error, after which the connection is dropped
func (c *Client) Send(tag frame.Tag, payload string) error {
	data, err := frame.Encode(tag, payload)
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	if err := c.write(conn, data); err != nil {
		c.emitError(err)
		c.dropConnection(err)
		return err
	}

	return nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns true if the client is in Connected state.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// Done is closed when the connection is lost or the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and waits for the read goroutine. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()

	c.setState(Closed, nil)
	c.signalDone()

	return nil
}

func (c *Client) write(conn net.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}

	_, err := conn.Write(data)
	return err
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	dec := frame.NewDecoder(c.config.MaxFrameSize)
	buffer := make([]byte, c.config.ReadBufferSize)
	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			dec.Feed(buffer[:n])
			if derr := c.drain(dec); derr != nil {
				err = derr
			}
		}

		if err != nil {
			if !c.isClosed() {
				c.log.Warn("connection to relay lost", logger.Field{Key: "error", Value: err.Error()})
				c.emitError(err)
				c.dropConnection(err)
			}

			return
		}
	}
}

// drain delivers every complete frame held by dec.
//
// Returns:
//   - frame.ErrFrameTooLarge if the relay sent an oversized frame
func (c *Client) drain(dec *frame.Decoder) error {
	for {
		f, err := dec.Next()
		switch {
		case errors.Is(err, frame.ErrIncompleteFrame):
			return nil
		case errors.Is(err, frame.ErrMalformedFrame):
			c.log.Debug("malformed frame from relay", logger.Field{Key: "error", Value: err.Error()})
			continue
		case err != nil:
			return err
		}

		switch f.Tag {
		case frame.TagPing:
		case frame.TagNickname:
			c.emitError(fmt.Errorf("%w: %s", ErrRejected, f.Payload))
		default:
			c.emitFrame(f)
		}
	}
}

func (c *Client) dropConnection(err error) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	if !c.isClosed() {
		c.setState(Disconnected, err)
	}
	c.signalDone()
}

func (c *Client) signalDone() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = state
	handler := c.onConnectionState
	c.mu.Unlock()

	if handler != nil {
		handler(ConnectionStateEvent{
			State:     state,
			Address:   c.config.Address,
			Timestamp: time.Now(),
			Error:     err,
		})
	}
}

func (c *Client) emitFrame(f frame.Frame) {
	c.mu.RLock()
	handler := c.onFrame
	c.mu.RUnlock()

	if handler != nil {
		handler(FrameEvent{Frame: f, Timestamp: time.Now()})
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		handler(ErrorEvent{Error: err, Timestamp: time.Now()})
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
