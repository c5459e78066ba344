package relay

import (
	"bytes"
	"io"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// fakeConn records writes and fails them with writeErr once set. Reads
// report EOF; the relay tests that need a real reader use loopback sockets.
// With split set, every write lands in two halves with a yield in between,
// so two unserialised writers would interleave.
type fakeConn struct {
	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error
	closed   bool
	remote   fakeAddr
	split    bool
}

func newFakeConn(remote string) *fakeConn {
	return &fakeConn{remote: fakeAddr(remote)}
}

func newSplitConn(remote string) *fakeConn {
	return &fakeConn{remote: fakeAddr(remote), split: true}
}

func (c *fakeConn) Read([]byte) (int, error) { return 0, io.EOF }

func (c *fakeConn) Write(p []byte) (int, error) {
	if !c.split || len(p) < 2 {
		return c.write(p)
	}

	half := len(p) / 2
	n, err := c.write(p[:half])
	if err != nil {
		return n, err
	}
	runtime.Gosched()

	m, err := c.write(p[half:])
	return n + m, err
}

func (c *fakeConn) write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, net.ErrClosed
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}

	return c.written.Write(p)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr              { return fakeAddr("127.0.0.1:7000") }
func (c *fakeConn) RemoteAddr() net.Addr             { return c.remote }
func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeErr = err
}

func (c *fakeConn) Written() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.written.String()
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// register creates a session over a fakeConn and registers it as nickname.
func register(t *testing.T, r *Registry, id uint32, nickname string) (*Session, *fakeConn) {
	t.Helper()

	conn := newFakeConn("10.0.0.1:4000")
	s := NewSession(id, conn, time.Second)
	require.NoError(t, r.Register(nickname, s))

	return s, conn
}
