package cache

import (
	"errors"
	"io"
	"iter"

	"github.com/jbweber/spindle/internal/stream"
)

// countingStream is an in-memory base stream that records reads.
type countingStream struct {
	data      []byte
	readOnly  bool
	failWrite bool
	failRead  bool
	reads     []int64
	closed    bool
}

func newCounting(size int) *countingStream {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i / 512)
	}
	return &countingStream{data: data}
}

func (m *countingStream) ReadAt(p []byte, off int64) (int, error) {
	m.reads = append(m.reads, off)
	if m.failRead {
		return 0, errors.New("medium error")
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *countingStream) WriteAt(p []byte, off int64) (int, error) {
	if m.readOnly {
		return 0, stream.ErrReadOnly
	}
	if m.failWrite {
		return 0, errors.New("medium error")
	}
	if off+int64(len(p)) > int64(len(m.data)) {
		return 0, stream.ErrOutOfRange
	}
	return copy(m.data[off:], p), nil
}

func (m *countingStream) Extents(off, n int64) iter.Seq[stream.Extent] {
	return func(yield func(stream.Extent) bool) {
		yield(stream.Extent{Start: off, Length: n})
	}
}

func (m *countingStream) Size() int64    { return int64(len(m.data)) }
func (m *countingStream) Writable() bool { return !m.readOnly }

func (m *countingStream) Close() error {
	m.closed = true
	return nil
}
