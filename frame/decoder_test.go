package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoder_Next(t *testing.T) {
	t.Run("empty decoder is incomplete", func(t *testing.T) {
		d := NewDecoder(0)
		_, err := d.Next()
		assert.ErrorIs(t, err, ErrIncompleteFrame)
		assert.Equal(t, 0, d.Buffered())
	})

	t.Run("frame split across feeds", func(t *testing.T) {
		d := NewDecoder(0)
		d.Feed([]byte("%m%hel"))
		_, err := d.Next()
		assert.ErrorIs(t, err, ErrIncompleteFrame)
		assert.Equal(t, 6, d.Buffered())

		d.Feed([]byte("lo;%p"))
		f, err := d.Next()
		require.NoError(t, err)
		assert.Equal(t, Frame{Tag: TagMessage, Payload: "hello"}, f)
		assert.Equal(t, 2, d.Buffered())

		d.Feed([]byte("%;"))
		f, err = d.Next()
		require.NoError(t, err)
		assert.Equal(t, TagPing, f.Tag)
		assert.Equal(t, 0, d.Buffered())
	})

	t.Run("several frames in one feed", func(t *testing.T) {
		d := NewDecoder(0)
		d.Feed([]byte("%m%a;%m%b;%m%c;"))

		var got []string
		for {
			f, err := d.Next()
			if err != nil {
				assert.ErrorIs(t, err, ErrIncompleteFrame)
				break
			}
			got = append(got, f.Payload)
		}
		assert.Equal(t, []string{"a", "b", "c"}, got)
	})

	t.Run("malformed frame is dropped and decoding continues", func(t *testing.T) {
		d := NewDecoder(0)
		d.Feed([]byte("xx;%m%fine;"))

		_, err := d.Next()
		assert.ErrorIs(t, err, ErrMalformedFrame)

		f, err := d.Next()
		require.NoError(t, err)
		assert.Equal(t, "fine", f.Payload)
	})

	t.Run("feed copies input", func(t *testing.T) {
		d := NewDecoder(0)
		in := []byte("%m%abc;")
		d.Feed(in)
		in[3] = 'z'

		f, err := d.Next()
		require.NoError(t, err)
		assert.Equal(t, "abc", f.Payload)
	})
}

func TestDecoder_FrameTooLarge(t *testing.T) {
	t.Run("unterminated data over the limit", func(t *testing.T) {
		d := NewDecoder(8)
		d.Feed([]byte("%m%0123456789"))
		_, err := d.Next()
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("terminated frame over the limit", func(t *testing.T) {
		d := NewDecoder(8)
		d.Feed([]byte("%m%0123456;"))
		_, err := d.Next()
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("frame at the limit is accepted", func(t *testing.T) {
		d := NewDecoder(8)
		d.Feed([]byte("%m%01234;"))
		f, err := d.Next()
		require.NoError(t, err)
		assert.Equal(t, "01234", f.Payload)
	})
}
