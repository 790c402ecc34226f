package wire

import (
	"bytes"
	"errors"
	"fmt"
)

// errShortBuffer is returned when DrainTo is asked for more bytes than the
// buffer currently holds.
var errShortBuffer = errors.New("wire: buffer underrun")

// Buffer is a sized scatter/gather byte buffer. It backs the COLO packaged
// device-state blob and the PACKAGED command's embedded sub-stream, both of
// which need a seekable region of bytes that can itself be opened as a
// Stream.
type Buffer struct {
	data []byte
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer { return &Buffer{} }

// SetLength grows or truncates the buffer to exactly n bytes, zero-filling
// any newly added bytes.
func (b *Buffer) SetLength(n int) {
	if n <= cap(b.data) {
		b.data = b.data[:n]

		return
	}

	grown := make([]byte, n)
	copy(grown, b.data)
	b.data = grown
}

// Len returns the number of bytes currently in the buffer.
func (b *Buffer) Len() int { return len(b.data) }

// Bytes returns the buffer's backing bytes. The caller must not retain the
// slice past the next mutating call.
func (b *Buffer) Bytes() []byte { return b.data }

// AppendFromStream reads exactly n bytes from s and appends them to the
// buffer.
func (b *Buffer) AppendFromStream(s *Stream, n int) error {
	chunk, err := s.GetBuffer(n)
	if err != nil {
		return fmt.Errorf("wire: append from stream: %w", err)
	}

	b.data = append(b.data, chunk...)

	return nil
}

// DrainTo writes the buffer's contents to s and empties the buffer.
func (b *Buffer) DrainTo(s *Stream) error {
	if err := s.PutBuffer(b.data); err != nil {
		return fmt.Errorf("wire: drain to stream: %w", err)
	}

	b.data = b.data[:0]

	return nil
}

// bufRW adapts a Buffer's backing slice to io.Reader/io.Writer so it can be
// wrapped in a Stream. Reads consume from the front; writes append to the
// end, independent of the read cursor, matching how a PACKAGED sub-stream
// is filled once and then drained once.
type bufRW struct {
	buf *Buffer
	r   *bytes.Reader
}

func (rw *bufRW) Read(p []byte) (int, error) {
	if rw.r == nil {
		rw.r = bytes.NewReader(rw.buf.data)
	}

	n, err := rw.r.Read(p)
	if err != nil {
		return n, fmt.Errorf("wire: buffer read: %w", err)
	}

	return n, nil
}

func (rw *bufRW) Write(p []byte) (int, error) {
	rw.buf.data = append(rw.buf.data, p...)
	rw.r = nil

	return len(p), nil
}

// OpenRead returns a Stream that reads the buffer's current contents from
// the beginning. Writes to the buffer after OpenRead invalidate the read
// cursor.
func (b *Buffer) OpenRead() *Stream {
	return NewStream(&bufRW{buf: b})
}

// OpenWrite returns a Stream whose writes append to the buffer.
func (b *Buffer) OpenWrite() *Stream {
	return NewStream(&bufRW{buf: b})
}

// Take removes and returns the first n bytes of the buffer.
func (b *Buffer) Take(n int) ([]byte, error) {
	if n > len(b.data) {
		return nil, fmt.Errorf("%w: want %d have %d", errShortBuffer, n, len(b.data))
	}

	out := make([]byte, n)
	copy(out, b.data[:n])
	b.data = b.data[n:]

	return out, nil
}
