package backend

import (
	"fmt"
	"io"
)

// Memory is a growable in-memory Backend.
type Memory struct {
	data     []byte
	readOnly bool
	syncs    int
}

var _ Backend = (*Memory)(nil)

// NewMemory returns a writable backend holding data. The slice is used
// directly, not copied.
func NewMemory(data []byte) *Memory {
	return &Memory{data: data}
}

// NewReadOnlyMemory returns a backend over data that rejects writes.
func NewReadOnlyMemory(data []byte) *Memory {
	return &Memory{data: data, readOnly: true}
}

// Bytes returns the current contents.
func (m *Memory) Bytes() []byte {
	return m.data
}

// Syncs returns how many times Sync has been called.
func (m *Memory) Syncs() int {
	return m.syncs
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("memory read: negative offset %d", off)
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

// WriteAt writes p at off, growing the buffer when the write extends past
// the end.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if m.readOnly {
		return 0, ErrReadOnly
	}
	if off < 0 {
		return 0, fmt.Errorf("memory write: negative offset %d", off)
	}
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		m.grow(end)
	}
	return copy(m.data[off:], p), nil
}

func (m *Memory) Size() (int64, error) {
	return int64(len(m.data)), nil
}

func (m *Memory) Truncate(size int64) error {
	if m.readOnly {
		return ErrReadOnly
	}
	if size < 0 {
		return fmt.Errorf("memory truncate: negative size %d", size)
	}
	if size <= int64(len(m.data)) {
		m.data = m.data[:size]
		return nil
	}
	m.grow(size)
	return nil
}

func (m *Memory) grow(size int64) {
	if size <= int64(cap(m.data)) {
		old := len(m.data)
		m.data = m.data[:size]
		clear(m.data[old:])
		return
	}
	grown := make([]byte, size, size+size/4)
	copy(grown, m.data)
	m.data = grown
}

func (m *Memory) Sync() error {
	m.syncs++
	return nil
}

func (m *Memory) Writable() bool {
	return !m.readOnly
}

func (m *Memory) Close() error {
	return nil
}
