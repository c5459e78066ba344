package frame

import (
	"errors"
	"fmt"
)

// DefaultMaxFrameSize bounds how many bytes a Decoder buffers while waiting
// for a terminator.
const DefaultMaxFrameSize = 64 * 1024

// Decoder incrementally extracts frames from a byte stream. Bytes are added
// with Feed and frames pulled with Next; a trailing partial frame stays
// buffered until the rest of it arrives. A Decoder is not safe for concurrent
// use; each connection owns one.
type Decoder struct {
	buf          []byte
	maxFrameSize int
}

// NewDecoder returns an empty Decoder. A maxFrameSize of zero or less selects
// DefaultMaxFrameSize.
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	return &Decoder{maxFrameSize: maxFrameSize}
}

// Feed appends p to the internal buffer. p is copied and may be reused by
// the caller.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame.
//
// Returns:
//   - The frame and nil on success
//   - ErrIncompleteFrame when no complete frame is buffered
//   - ErrMalformedFrame when a bad frame was dropped; call Next again
//   - ErrFrameTooLarge when the partial frame exceeds the size limit; the
//     stream cannot be resynchronised and should be abandoned
func (d *Decoder) Next() (Frame, error) {
	f, n, err := Decode(d.buf)
	if errors.Is(err, ErrIncompleteFrame) {
		if len(d.buf) > d.maxFrameSize {
			return Frame{}, fmt.Errorf("%w: %d bytes without terminator", ErrFrameTooLarge, len(d.buf))
		}

		return Frame{}, err
	}

	d.consume(n)
	if err != nil {
		return Frame{}, err
	}

	if n > d.maxFrameSize+1 {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	return f, nil
}

// Buffered returns the number of bytes held but not yet decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) consume(n int) {
	rest := len(d.buf) - n
	if rest == 0 {
		d.buf = d.buf[:0]
		return
	}

	copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}
