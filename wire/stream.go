// Package wire implements the framed big-endian stream and sized buffer
// that the section registry and save/load driver use to move state between
// a migration source and destination.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrStreamClosed is returned by any operation attempted after Shutdown.
var ErrStreamClosed = errors.New("wire: stream shut down")

// errCountedStringTooLong is returned when PutCountedString is given more
// than 255 bytes.
var errCountedStringTooLong = errors.New("wire: counted string longer than 255 bytes")

// latch is the persistent error state shared between a forward stream and
// its derived return path: once either direction latches an error, both
// observe it, matching the single underlying transport they share.
type latch struct {
	mu   sync.Mutex
	err  error
	once sync.Once
}

func (l *latch) set(err error) {
	if err == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err == nil {
		l.err = err
	}
}

func (l *latch) get() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.err
}

// Stream is a framed reader/writer over a byte channel with fixed-width
// big-endian primitives and a persistent error latch: once any operation
// fails, every subsequent operation short-circuits and returns the same
// error.
type Stream struct {
	rw     io.ReadWriter
	closer io.Closer
	bw     *bufio.Writer
	latch  *latch
}

// NewStream wraps rw as a migration Stream. If rw also implements
// io.Closer, Shutdown closes it.
func NewStream(rw io.ReadWriter) *Stream {
	closer, _ := rw.(io.Closer)

	return &Stream{
		rw:     rw,
		closer: closer,
		bw:     bufio.NewWriter(rw),
		latch:  &latch{},
	}
}

// ReturnPath derives a stream running in the opposite direction over the
// same underlying transport. The two streams share an error latch and a
// shutdown state, since the transport may be a single full-duplex
// connection: shutting one down must not silently resurrect the other.
func (s *Stream) ReturnPath() *Stream {
	return &Stream{
		rw:     s.rw,
		closer: s.closer,
		bw:     bufio.NewWriter(s.rw),
		latch:  s.latch,
	}
}

// GetError reports the latched error, if any.
func (s *Stream) GetError() error {
	return s.latch.get()
}

// Shutdown forces any pending blocking I/O on this stream (and its return
// path, if the underlying transport is shared) to unblock by closing the
// transport. It is idempotent.
func (s *Stream) Shutdown() error {
	var err error

	s.latch.once.Do(func() {
		if s.closer != nil {
			err = s.closer.Close()
		}

		s.latch.set(ErrStreamClosed)
	})

	return err
}

func (s *Stream) fail(err error) error {
	s.latch.set(err)

	return err
}

// Flush pushes any buffered writes to the underlying transport.
func (s *Stream) Flush() error {
	if err := s.latch.get(); err != nil {
		return err
	}

	if err := s.bw.Flush(); err != nil {
		return s.fail(fmt.Errorf("wire: flush: %w", err))
	}

	return nil
}

func (s *Stream) write(p []byte) error {
	if err := s.latch.get(); err != nil {
		return err
	}

	if _, err := s.bw.Write(p); err != nil {
		return s.fail(fmt.Errorf("wire: write: %w", err))
	}

	return nil
}

// PutU8 writes one byte.
func (s *Stream) PutU8(v uint8) error { return s.write([]byte{v}) }

// PutU16 writes v as big-endian.
func (s *Stream) PutU16(v uint16) error {
	var b [2]byte

	binary.BigEndian.PutUint16(b[:], v)

	return s.write(b[:])
}

// PutU32 writes v as big-endian.
func (s *Stream) PutU32(v uint32) error {
	var b [4]byte

	binary.BigEndian.PutUint32(b[:], v)

	return s.write(b[:])
}

// PutU64 writes v as big-endian.
func (s *Stream) PutU64(v uint64) error {
	var b [8]byte

	binary.BigEndian.PutUint64(b[:], v)

	return s.write(b[:])
}

// PutBuffer writes an opaque block of bytes with no length prefix.
func (s *Stream) PutBuffer(b []byte) error { return s.write(b) }

// PutCountedString writes a one-byte length followed by the raw bytes of
// str. str must be at most 255 bytes.
func (s *Stream) PutCountedString(str string) error {
	if len(str) > 255 {
		return s.fail(fmt.Errorf("%w: %d bytes", errCountedStringTooLong, len(str)))
	}

	if err := s.PutU8(uint8(len(str))); err != nil {
		return err
	}

	return s.write([]byte(str))
}

func (s *Stream) read(p []byte) error {
	if err := s.latch.get(); err != nil {
		return err
	}

	if _, err := io.ReadFull(s.rw, p); err != nil {
		return s.fail(fmt.Errorf("wire: read: %w", err))
	}

	return nil
}

// GetU8 reads one byte.
func (s *Stream) GetU8() (uint8, error) {
	var b [1]byte
	if err := s.read(b[:]); err != nil {
		return 0, err
	}

	return b[0], nil
}

// GetU16 reads a big-endian uint16.
func (s *Stream) GetU16() (uint16, error) {
	var b [2]byte
	if err := s.read(b[:]); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint16(b[:]), nil
}

// GetU32 reads a big-endian uint32.
func (s *Stream) GetU32() (uint32, error) {
	var b [4]byte
	if err := s.read(b[:]); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint32(b[:]), nil
}

// GetU64 reads a big-endian uint64.
func (s *Stream) GetU64() (uint64, error) {
	var b [8]byte
	if err := s.read(b[:]); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint64(b[:]), nil
}

// GetBuffer reads exactly n bytes.
func (s *Stream) GetBuffer(n int) ([]byte, error) {
	b := make([]byte, n)
	if err := s.read(b); err != nil {
		return nil, err
	}

	return b, nil
}

// GetCountedString reads a one-byte length followed by that many raw bytes.
func (s *Stream) GetCountedString() (string, error) {
	n, err := s.GetU8()
	if err != nil {
		return "", err
	}

	b, err := s.GetBuffer(int(n))
	if err != nil {
		return "", err
	}

	return string(b), nil
}
