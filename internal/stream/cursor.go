package stream

import (
	"errors"
	"fmt"
	"io"
	"iter"
)

// Cursor adds a seek position to a Stream so it can be used as an
// io.ReadWriteSeeker. It forwards positional calls unchanged.
type Cursor struct {
	s   Stream
	pos int64
}

var (
	_ Stream             = (*Cursor)(nil)
	_ io.ReadWriteSeeker = (*Cursor)(nil)
)

// NewCursor returns a cursor positioned at offset zero.
func NewCursor(s Stream) *Cursor {
	return &Cursor{s: s}
}

// Position returns the current offset.
func (c *Cursor) Position() int64 {
	return c.pos
}

// Read reads from the current position. At the end of the stream it returns
// 0, io.EOF.
func (c *Cursor) Read(p []byte) (int, error) {
	n, err := c.s.ReadAt(p, c.pos)
	c.pos += int64(n)
	if errors.Is(err, io.EOF) && n > 0 {
		return n, nil
	}
	return n, err
}

// Write writes at the current position and advances it.
func (c *Cursor) Write(p []byte) (int, error) {
	n, err := c.s.WriteAt(p, c.pos)
	c.pos += int64(n)
	return n, err
}

// Seek sets the position for the next Read or Write. Seeking past the end is
// allowed; reads there return io.EOF.
func (c *Cursor) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = c.pos + offset
	case io.SeekEnd:
		abs = c.s.Size() + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("seek to negative position %d", abs)
	}
	c.pos = abs
	return abs, nil
}

func (c *Cursor) ReadAt(p []byte, off int64) (int, error)  { return c.s.ReadAt(p, off) }
func (c *Cursor) WriteAt(p []byte, off int64) (int, error) { return c.s.WriteAt(p, off) }
func (c *Cursor) Extents(off, n int64) iter.Seq[Extent]    { return c.s.Extents(off, n) }
func (c *Cursor) Size() int64                              { return c.s.Size() }
func (c *Cursor) Writable() bool                           { return c.s.Writable() }
func (c *Cursor) Close() error                             { return c.s.Close() }
