package stream

import (
	"bytes"
	"errors"
	"io"
	"slices"
	"testing"

	"github.com/jbweber/spindle/internal/backend"
)

func TestRaw(t *testing.T) {
	mem := backend.NewMemory(make([]byte, 4096))
	s := Raw(mem, 4096)

	if _, err := s.WriteAt([]byte("hello"), 100); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	buf := make([]byte, 5)
	if _, err := s.ReadAt(buf, 100); err != nil || string(buf) != "hello" {
		t.Errorf("ReadAt() = %q, %v, want \"hello\"", buf, err)
	}
	if _, err := s.WriteAt([]byte("x"), 4096); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("WriteAt(past end) error = %v, want ErrOutOfRange", err)
	}
	if got := Collect(s); !slices.Equal(got, ext(0, 4096)) {
		t.Errorf("Extents() = %v, want whole range", got)
	}

	ro := Raw(backend.NewReadOnlyMemory(make([]byte, 512)), 512)
	if _, err := ro.WriteAt([]byte("x"), 0); !errors.Is(err, ErrReadOnly) {
		t.Errorf("read-only WriteAt() error = %v, want ErrReadOnly", err)
	}
}

func TestZeroStream(t *testing.T) {
	z := ZeroStream(100)
	buf := filled(10, 0xFF)
	if _, err := z.ReadAt(buf, 50); err != nil || !bytes.Equal(buf, make([]byte, 10)) {
		t.Errorf("ReadAt() = %v, %v, want zeros", buf, err)
	}
	if got := Collect(z); len(got) != 0 {
		t.Errorf("Extents() = %v, want none", got)
	}
}

func TestSub(t *testing.T) {
	parent := newMemStream([]byte("0123456789abcdef"))
	parent.extents = ext(2, 4, 10, 6)

	sub, err := NewSub(parent, 4, 8)
	if err != nil {
		t.Fatalf("NewSub() error = %v", err)
	}

	buf := make([]byte, 8)
	if _, err := sub.ReadAt(buf, 0); err != nil || string(buf) != "456789ab" {
		t.Errorf("ReadAt() = %q, %v, want \"456789ab\"", buf, err)
	}
	if got, want := Collect(sub), ext(0, 2, 6, 2); !slices.Equal(got, want) {
		t.Errorf("Extents() = %v, want %v", got, want)
	}

	if _, err := sub.WriteAt([]byte("XY"), 6); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	if got := string(parent.data); got != "0123456789XYcdef" {
		t.Errorf("parent = %q after sub write", got)
	}
	if _, err := sub.WriteAt([]byte("XYZ"), 6); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("WriteAt(past window) error = %v, want ErrOutOfRange", err)
	}

	if err := sub.Close(); err != nil || parent.closed {
		t.Error("closing a sub-stream must not close its parent")
	}

	if _, err := NewSub(parent, 10, 10); err == nil {
		t.Error("NewSub() outside parent returned nil error")
	}
}

func TestConcat_BoundaryRead(t *testing.T) {
	a := newMemStream(filled(1024, 'A'))
	b := newMemStream(filled(512, 'B'))
	c := NewConcat(a, b)

	if c.Size() != 1536 {
		t.Fatalf("Size() = %d, want 1536", c.Size())
	}

	buf := make([]byte, 2)
	if _, err := c.ReadAt(buf, 1023); err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if string(buf) != "AB" {
		t.Errorf("ReadAt(1023, 2) = %q, want \"AB\"", buf)
	}

	if _, err := c.WriteAt([]byte("xyz"), 1022); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	if a.data[1022] != 'x' || a.data[1023] != 'y' || b.data[0] != 'z' {
		t.Error("write across boundary did not land in both parts")
	}

	n, err := c.ReadAt(make([]byte, 10), 1530)
	if n != 6 || err != io.EOF {
		t.Errorf("ReadAt(tail) = %d, %v, want 6, EOF", n, err)
	}

	if got, want := Collect(c), ext(0, 1024, 1024, 512); !slices.Equal(got, want) {
		t.Errorf("Extents() = %v, want %v", got, want)
	}

	if err := c.Close(); err != nil || !a.closed || !b.closed {
		t.Error("Close() did not close every part")
	}
}

func TestStriped(t *testing.T) {
	s0 := newMemStream(make([]byte, 8))
	s1 := newMemStream(make([]byte, 8))
	st, err := NewStriped(4, s0, s1)
	if err != nil {
		t.Fatalf("NewStriped() error = %v", err)
	}

	if _, err := st.WriteAt([]byte("AAAABBBBCCCCDDDD"), 0); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	if got := string(s0.data); got != "AAAACCCC" {
		t.Errorf("stripe 0 = %q, want \"AAAACCCC\"", got)
	}
	if got := string(s1.data); got != "BBBBDDDD" {
		t.Errorf("stripe 1 = %q, want \"BBBBDDDD\"", got)
	}

	buf := make([]byte, 6)
	if _, err := st.ReadAt(buf, 3); err != nil || string(buf) != "ABBBBC" {
		t.Errorf("ReadAt(3, 6) = %q, %v, want \"ABBBBC\"", buf, err)
	}

	s1.extents = nil
	if got, want := Collect(st), ext(0, 4, 8, 4); !slices.Equal(got, want) {
		t.Errorf("Extents() = %v, want %v", got, want)
	}

	tests := []struct {
		name    string
		size    int64
		stripes []Stream
	}{
		{name: "no stripes", size: 4},
		{name: "bad size", size: 0, stripes: []Stream{newMemStream(make([]byte, 8))}},
		{name: "unequal", size: 4, stripes: []Stream{newMemStream(make([]byte, 8)), newMemStream(make([]byte, 12))}},
		{name: "not a multiple", size: 3, stripes: []Stream{newMemStream(make([]byte, 8))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewStriped(tt.size, tt.stripes...); err == nil {
				t.Error("NewStriped() error = nil, want error")
			}
		})
	}
}

func TestMirror(t *testing.T) {
	leg0 := newMemStream([]byte("primary!"))
	leg1 := newMemStream([]byte("primary!"))
	m, err := NewMirror(leg0, leg1)
	if err != nil {
		t.Fatalf("NewMirror() error = %v", err)
	}

	if _, err := m.WriteAt([]byte("PRI"), 0); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	if string(leg0.data) != "PRImary!" || string(leg1.data) != "PRImary!" {
		t.Errorf("legs = %q, %q, want both updated", leg0.data, leg1.data)
	}

	leg0.failRead = true
	buf := make([]byte, 8)
	if _, err := m.ReadAt(buf, 0); err != nil || string(buf) != "PRImary!" {
		t.Errorf("ReadAt() with failed leg = %q, %v, want fallback", buf, err)
	}

	leg1.failRead = true
	if _, err := m.ReadAt(buf, 0); err == nil {
		t.Error("ReadAt() with all legs failed returned nil error")
	}

	if _, err := NewMirror(leg0, newMemStream(make([]byte, 3))); err == nil {
		t.Error("NewMirror() with unequal legs returned nil error")
	}
}

func TestCursor(t *testing.T) {
	s := newMemStream([]byte("abcdefghij"))
	c := NewCursor(s)

	if pos, err := c.Seek(-3, io.SeekEnd); err != nil || pos != 7 {
		t.Fatalf("Seek(-3, End) = %d, %v, want 7", pos, err)
	}
	buf := make([]byte, 5)
	n, err := c.Read(buf)
	if n != 3 || err != nil || string(buf[:n]) != "hij" {
		t.Errorf("Read() = %d, %v, %q, want 3, nil, \"hij\"", n, err, buf[:n])
	}
	if n, err := c.Read(buf); n != 0 || err != io.EOF {
		t.Errorf("Read(at end) = %d, %v, want 0, EOF", n, err)
	}

	if _, err := c.Seek(2, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Write([]byte("XY")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if c.Position() != 4 || string(s.data) != "abXYefghij" {
		t.Errorf("after Write position = %d, data = %q", c.Position(), s.data)
	}

	if _, err := c.Seek(-10, io.SeekCurrent); err == nil {
		t.Error("Seek() to negative position returned nil error")
	}
	if _, err := c.Seek(0, 42); err == nil {
		t.Error("Seek() with bad whence returned nil error")
	}
}

func TestCopyExtents(t *testing.T) {
	src := newMemStream(filled(4096, 0x5A))
	src.extents = ext(0, 100, 3000, 96)

	dst := backend.NewMemory(nil)
	n, err := CopyExtents(dst, src)
	if err != nil {
		t.Fatalf("CopyExtents() error = %v", err)
	}
	if n != 196 {
		t.Errorf("CopyExtents() = %d, want 196", n)
	}
	out := dst.Bytes()
	if len(out) != 3096 {
		t.Fatalf("destination is %d bytes, want 3096", len(out))
	}
	if out[99] != 0x5A || out[100] != 0 || out[3000] != 0x5A {
		t.Error("destination does not hold exactly the allocated ranges")
	}

	var w bytes.Buffer
	if n, err := WriteTo(&w, src); err != nil || n != 4096 {
		t.Errorf("WriteTo() = %d, %v, want 4096", n, err)
	}
}
