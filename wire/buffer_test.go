package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestBufferSetLengthGrowAndShrink(t *testing.T) {
	t.Parallel()

	b := NewBuffer()
	b.SetLength(4)

	if b.Len() != 4 {
		t.Fatalf("Len = %d, want 4", b.Len())
	}

	if !bytes.Equal(b.Bytes(), []byte{0, 0, 0, 0}) {
		t.Fatalf("Bytes = %v, want zero-filled", b.Bytes())
	}

	copy(b.Bytes(), []byte{1, 2, 3, 4})
	b.SetLength(2)

	if !bytes.Equal(b.Bytes(), []byte{1, 2}) {
		t.Fatalf("Bytes after shrink = %v, want [1 2]", b.Bytes())
	}

	b.SetLength(4)
	if b.Bytes()[2] != 0 || b.Bytes()[3] != 0 {
		t.Fatalf("Bytes after regrow = %v, want trailing zeros", b.Bytes())
	}
}

func TestBufferAppendFromStreamAndDrainTo(t *testing.T) {
	t.Parallel()

	var wireBuf bytes.Buffer

	src := NewStream(&wireBuf)
	if err := src.PutBuffer([]byte("packaged-state")); err != nil {
		t.Fatalf("PutBuffer: %v", err)
	}

	if err := src.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	buf := NewBuffer()

	in := NewStream(&wireBuf)
	if err := buf.AppendFromStream(in, len("packaged-state")); err != nil {
		t.Fatalf("AppendFromStream: %v", err)
	}

	if !bytes.Equal(buf.Bytes(), []byte("packaged-state")) {
		t.Fatalf("buffer contents = %q", buf.Bytes())
	}

	var drained bytes.Buffer

	out := NewStream(&drained)
	if err := buf.DrainTo(out); err != nil {
		t.Fatalf("DrainTo: %v", err)
	}

	if err := out.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if !bytes.Equal(drained.Bytes(), []byte("packaged-state")) {
		t.Fatalf("drained = %q", drained.Bytes())
	}

	if buf.Len() != 0 {
		t.Fatalf("buffer should be empty after drain, len = %d", buf.Len())
	}
}

func TestBufferOpenWriteThenOpenRead(t *testing.T) {
	t.Parallel()

	buf := NewBuffer()

	w := buf.OpenWrite()
	if err := w.PutU32(0xdeadbeef); err != nil {
		t.Fatalf("PutU32: %v", err)
	}

	if err := w.PutCountedString("colo"); err != nil {
		t.Fatalf("PutCountedString: %v", err)
	}

	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	r := buf.OpenRead()

	v, err := r.GetU32()
	if err != nil || v != 0xdeadbeef {
		t.Fatalf("GetU32 = %v, %v", v, err)
	}

	str, err := r.GetCountedString()
	if err != nil || str != "colo" {
		t.Fatalf("GetCountedString = %q, %v", str, err)
	}
}

func TestBufferTakeUnderrun(t *testing.T) {
	t.Parallel()

	buf := NewBuffer()
	buf.SetLength(2)

	if _, err := buf.Take(3); !errors.Is(err, errShortBuffer) {
		t.Fatalf("err = %v, want errShortBuffer", err)
	}

	got, err := buf.Take(2)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("Take len = %d, want 2", len(got))
	}

	if buf.Len() != 0 {
		t.Fatalf("buffer len after Take = %d, want 0", buf.Len())
	}
}
