package tcpserver

import "context"

// Session is implemented by each accepted connection. The server creates a
// session per connection and runs Handle in its own goroutine; Handle owns
// the connection until it returns.
type Session interface {
	// ID returns the connection id assigned by the server.
	ID() uint32

	// Handle runs the session's main loop. It must return once ctx is
	// cancelled or Close has been called.
	Handle(ctx context.Context)

	// Close releases the connection. It must be safe to call multiple times
	// and concurrently with Handle; closing the connection is what unblocks
	// a Handle stuck in a read.
	Close() error
}
