package chatclient

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/chatrelay/frame"
	"github.com/cyberinferno/chatrelay/relay"
)

const waitFor = 3 * time.Second

// recorder collects handler events.
type recorder struct {
	mu     sync.Mutex
	frames []frame.Frame
	errs   []error
	states []ConnectionState
}

func (r *recorder) attach(c *Client) {
	c.OnFrame(func(e FrameEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.frames = append(r.frames, e.Frame)
	})
	c.OnError(func(e ErrorEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errs = append(r.errs, e.Error)
	})
	c.OnConnectionState(func(e ConnectionStateEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, e.State)
	})
}

func (r *recorder) Frames() []frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frame.Frame(nil), r.frames...)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) States() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

func startRelay(t *testing.T) *relay.Server {
	t.Helper()

	cfg := relay.DefaultConfig("127.0.0.1:0")
	cfg.KeepaliveInterval = 10 * time.Millisecond
	s := relay.NewServer(cfg)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	return s
}

func connect(t *testing.T, s *relay.Server, nickname string) (*Client, *recorder) {
	t.Helper()

	c := New(DefaultConfig(s.Addr().String(), nickname), nil)
	rec := &recorder{}
	rec.attach(c)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	require.Eventually(t, func() bool {
		_, ok := s.Registry().Lookup(nickname)
		return ok
	}, waitFor, 5*time.Millisecond)

	return c, rec
}

func TestClient_MessagesThroughRelay(t *testing.T) {
	s := startRelay(t)
	alice, aliceRec := connect(t, s, "alice")
	bob, bobRec := connect(t, s, "bob")

	require.NoError(t, alice.SendMessage("hello"))
	require.NoError(t, alice.SendPrivate("bob", "psst"))

	require.Eventually(t, func() bool { return len(bobRec.Frames()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []frame.Frame{
		{Tag: frame.TagMessage, Payload: "[alice]: hello"},
		{Tag: frame.TagPrivate, Payload: "From [alice]: psst"},
	}, bobRec.Frames())

	require.NoError(t, bob.SendPrivate("carol", "anyone?"))

	require.Eventually(t, func() bool { return len(aliceRec.Frames()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, frame.Frame{Tag: frame.TagMessage, Payload: "[Server]: bob joined!"}, aliceRec.Frames()[0])

	require.Eventually(t, func() bool { return len(bobRec.Frames()) == 3 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "User 'carol' is not currently online!", bobRec.Frames()[2].Payload)

	assert.True(t, alice.IsConnected())
	assert.Empty(t, aliceRec.Errors())
}

func TestClient_Rejected(t *testing.T) {
	s := startRelay(t)
	connect(t, s, "alice")

	dup := New(DefaultConfig(s.Addr().String(), "alice"), nil)
	rec := &recorder{}
	rec.attach(dup)
	require.NoError(t, dup.Connect(context.Background()))
	defer dup.Close()

	select {
	case <-dup.Done():
	case <-time.After(waitFor):
		t.Fatal("rejected client not disconnected")
	}

	errs := rec.Errors()
	require.NotEmpty(t, errs)
	assert.ErrorIs(t, errs[0], ErrRejected)
	assert.Equal(t, Disconnected, dup.State())
	assert.Empty(t, rec.Frames())
}

func TestClient_PingsIgnoredAndFramesOrdered(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	handshake := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		line, _ := bufio.NewReader(conn).ReadString(';')
		handshake <- line
		_, _ = conn.Write([]byte("%p%;%m%one;%p%;%v%tw"))
		time.Sleep(20 * time.Millisecond)
		_, _ = conn.Write([]byte("o;junk;%m%three;"))
	}()

	c := New(DefaultConfig(ln.Addr().String(), "zoe"), nil)
	rec := &recorder{}
	rec.attach(c)
	require.NoError(t, c.Connect(context.Background()))

	assert.Equal(t, "%n%zoe;", <-handshake)

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("client did not notice the closed connection")
	}

	assert.Equal(t, []frame.Frame{
		{Tag: frame.TagMessage, Payload: "one"},
		{Tag: frame.TagPrivate, Payload: "two"},
		{Tag: frame.TagMessage, Payload: "three"},
	}, rec.Frames())
	assert.Equal(t, []ConnectionState{Connecting, Connected, Disconnected}, rec.States())

	require.NoError(t, c.Close())
	assert.Equal(t, Closed, c.State())
}

func TestClient_SendValidation(t *testing.T) {
	c := New(DefaultConfig("127.0.0.1:1", "alice"), nil)

	assert.ErrorIs(t, c.SendMessage("hi"), ErrNotConnected)
	assert.ErrorIs(t, c.SendMessage("semi;colon"), frame.ErrInvalidPayload)
	assert.ErrorIs(t, c.SendPrivate("", "hi"), ErrInvalidTarget)
	assert.ErrorIs(t, c.SendPrivate("two words", "hi"), ErrInvalidTarget)
}

func TestClient_ConnectLifecycle(t *testing.T) {
	s := startRelay(t)
	c, _ := connect(t, s, "alice")

	assert.ErrorIs(t, c.Connect(context.Background()), ErrAlreadyConnected)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, Closed, c.State())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
	assert.ErrorIs(t, c.SendMessage("late"), ErrNotConnected)

	require.Eventually(t, func() bool { return s.Registry().Len() == 0 }, waitFor, 5*time.Millisecond)
}

func TestClient_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := New(DefaultConfig(addr, "alice"), nil)
	rec := &recorder{}
	rec.attach(c)

	require.Error(t, c.Connect(context.Background()))
	assert.Equal(t, Disconnected, c.State())
	assert.Len(t, rec.Errors(), 1)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after dial failure")
	}
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Closed", Closed.String())
	assert.Equal(t, "Unknown", ConnectionState(9).String())
}
