package stream

import (
	"errors"
	"io"
	"iter"
)

// countingReader records every ReadAt issued against it.
type countingReader struct {
	data  []byte
	calls []Extent
}

func (r *countingReader) ReadAt(p []byte, off int64) (int, error) {
	r.calls = append(r.calls, Extent{Start: off, Length: int64(len(p))})
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// memStream is a writable in-memory Stream with configurable extents.
type memStream struct {
	data     []byte
	extents  []Extent
	readOnly bool
	failRead bool
	closed   bool
}

func newMemStream(data []byte) *memStream {
	return &memStream{data: data, extents: []Extent{{Start: 0, Length: int64(len(data))}}}
}

func (m *memStream) ReadAt(p []byte, off int64) (int, error) {
	if m.failRead {
		return 0, errors.New("medium error")
	}
	n, short := clampRead(p, off, int64(len(m.data)))
	copy(p, m.data[off:off+int64(n)])
	if short {
		return n, io.EOF
	}
	return n, nil
}

func (m *memStream) WriteAt(p []byte, off int64) (int, error) {
	if m.readOnly {
		return 0, ErrReadOnly
	}
	if err := checkWrite(len(p), off, int64(len(m.data))); err != nil {
		return 0, err
	}
	return copy(m.data[off:], p), nil
}

func (m *memStream) Extents(off, n int64) iter.Seq[Extent] {
	return Seq(m.extents, off, n)
}

func (m *memStream) Size() int64    { return int64(len(m.data)) }
func (m *memStream) Writable() bool { return !m.readOnly }
func (m *memStream) Close() error {
	m.closed = true
	return nil
}

func filled(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
