// Package frame implements the relay wire protocol: a fixed-width 3-byte tag,
// a UTF-8 payload and a single ';' terminator. Encoding and decoding are pure
// and never touch a socket; Decoder adds incremental extraction on top of
// Decode for byte streams that deliver frames in arbitrary chunks.
//
// The payload of a frame can never contain the terminator. Encode rejects
// such payloads, and Decode always treats the first terminator after the tag
// as the frame boundary. Both ends of the protocol rely on this rule.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Tag identifies the kind of a frame.
type Tag string

const (
	TagNickname Tag = "%n%" // Nickname registration, or a rejection when sent by the relay
	TagMessage  Tag = "%m%" // Chat message
	TagPing     Tag = "%p%" // Keepalive, empty payload
	TagPrivate  Tag = "%v%" // Private message
)

const (
	// TagWidth is the fixed number of bytes occupied by a tag.
	TagWidth = 3

	// Terminator marks the end of every frame.
	Terminator byte = ';'
)

var (
	// ErrIncompleteFrame is returned when the buffer holds no terminator yet.
	// The caller should keep the bytes and retry after reading more.
	ErrIncompleteFrame = errors.New("incomplete frame")

	// ErrMalformedFrame is returned for a terminated frame that is shorter
	// than a tag, carries an unknown tag or has a payload that is not valid
	// UTF-8. The bytes are consumed.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrInvalidPayload is returned by Encode when a payload contains the
	// terminator.
	ErrInvalidPayload = errors.New("payload contains frame terminator")

	// ErrFrameTooLarge is returned by Decoder when more than its maximum
	// frame size is buffered without a terminator.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Frame is one decoded protocol message.
type Frame struct {
	Tag     Tag
	Payload string
}

// String renders the frame in its wire form.
func (f Frame) String() string {
	return string(f.Tag) + f.Payload + string(Terminator)
}

// Valid reports whether t is one of the known tags.
func (t Tag) Valid() bool {
	switch t {
	case TagNickname, TagMessage, TagPing, TagPrivate:
		return true
	default:
		return false
	}
}

// Name returns a short human-readable name for the tag, used in logs and
// metric labels.
func (t Tag) Name() string {
	switch t {
	case TagNickname:
		return "nickname"
	case TagMessage:
		return "message"
	case TagPing:
		return "ping"
	case TagPrivate:
		return "private"
	default:
		return "unknown"
	}
}

// Encode builds the wire form of a frame.
//
// Parameters:
//   - tag: One of the known tags
//   - payload: Frame payload; must not contain the terminator
//
// Returns:
//   - The encoded bytes: tag + payload + terminator
//   - ErrMalformedFrame for an unknown tag, ErrInvalidPayload if the payload
//     contains the terminator
func Encode(tag Tag, payload string) ([]byte, error) {
	if !tag.Valid() {
		return nil, fmt.Errorf("%w: unknown tag %q", ErrMalformedFrame, string(tag))
	}

	if strings.IndexByte(payload, Terminator) >= 0 {
		return nil, ErrInvalidPayload
	}

	out := make([]byte, 0, TagWidth+len(payload)+1)
	out = append(out, tag...)
	out = append(out, payload...)
	out = append(out, Terminator)
	return out, nil
}

// MustEncode is like Encode but panics on error. It is meant for frames whose
// payload is known at compile time.
func MustEncode(tag Tag, payload string) []byte {
	b, err := Encode(tag, payload)
	if err != nil {
		panic(err)
	}

	return b
}

// Decode extracts the first frame from buf.
//
// Parameters:
//   - buf: Raw bytes, possibly holding several frames or a partial one
//
// Returns:
//   - The decoded frame
//   - The number of bytes consumed from buf (also set for ErrMalformedFrame so
//     the caller can drop the bad frame and continue)
//   - ErrIncompleteFrame if buf has no terminator, ErrMalformedFrame if the
//     terminated frame is shorter than a tag, has an unknown tag or carries
//     a payload that is not valid UTF-8
func Decode(buf []byte) (Frame, int, error) {
	end := bytes.IndexByte(buf, Terminator)
	if end < 0 {
		return Frame{}, 0, ErrIncompleteFrame
	}

	consumed := end + 1
	if end < TagWidth {
		return Frame{}, consumed, fmt.Errorf("%w: %d bytes before terminator", ErrMalformedFrame, end)
	}

	tag := Tag(buf[:TagWidth])
	if !tag.Valid() {
		return Frame{}, consumed, fmt.Errorf("%w: unknown tag %q", ErrMalformedFrame, string(tag))
	}

	payload := buf[TagWidth:end]
	if !utf8.Valid(payload) {
		return Frame{}, consumed, fmt.Errorf("%w: payload is not valid UTF-8", ErrMalformedFrame)
	}

	return Frame{Tag: tag, Payload: string(payload)}, consumed, nil
}

// DecodeAll extracts every complete frame in buf. Malformed frames are
// skipped and reported through the returned error (joined, one per frame);
// the frames decoded around them are still returned.
//
// Returns:
//   - The complete frames in order
//   - The trailing bytes that do not yet form a frame
//   - A joined error for each malformed frame skipped, or nil
func DecodeAll(buf []byte) ([]Frame, []byte, error) {
	var (
		frames []Frame
		errs   []error
	)

	for len(buf) > 0 {
		f, n, err := Decode(buf)
		if errors.Is(err, ErrIncompleteFrame) {
			break
		}

		buf = buf[n:]
		if err != nil {
			errs = append(errs, err)
			continue
		}

		frames = append(frames, f)
	}

	return frames, buf, errors.Join(errs...)
}
