// Package stream provides the randomly addressable byte streams that every
// other storage layer produces and consumes.
//
// A Stream is positional (ReadAt/WriteAt) and knows which parts of its
// address space hold data. Extent enumeration lets callers skip holes in
// sparse images without reading them. Cursor adds Read/Write/Seek for
// consumers that want sequential access.
//
// Streams are not safe for concurrent use. Each handle assumes exclusive
// access; callers serialize.
package stream

import (
	"errors"
	"io"
	"iter"
)

// ErrReadOnly is returned by WriteAt on streams that do not accept writes.
var ErrReadOnly = errors.New("stream is read-only")

// ErrOutOfRange is returned by writes that extend past the end of a
// fixed-length stream.
var ErrOutOfRange = errors.New("write beyond end of stream")

// ExtentLister enumerates the allocated parts of an address space.
type ExtentLister interface {
	// Extents yields the allocated sub-ranges of [off, off+n) in ascending
	// order. The sequence is lazy, finite and may be iterated repeatedly.
	Extents(off, n int64) iter.Seq[Extent]
}

// Stream is a fixed-length, randomly addressable byte stream.
type Stream interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	ExtentLister

	// Size returns the stream length in bytes.
	Size() int64

	// Writable reports whether WriteAt is permitted.
	Writable() bool
}

// clampRead limits a read of len(p) bytes at off to a stream of length size.
// It returns the number of bytes that can be served and whether the read
// reaches past the end.
func clampRead(p []byte, off, size int64) (int, bool) {
	if off >= size {
		return 0, len(p) > 0
	}
	avail := size - off
	if int64(len(p)) > avail {
		return int(avail), true
	}
	return len(p), false
}

// checkWrite validates a write of n bytes at off against a stream of length
// size.
func checkWrite(n int, off, size int64) error {
	if off < 0 || off+int64(n) > size {
		return ErrOutOfRange
	}
	return nil
}

// readFull fills p from r at off, zero-filling anything past the end of r.
func readFull(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if n < len(p) {
		clear(p[n:])
	}
	return nil
}

// Collect returns every extent of s.
func Collect(s Stream) []Extent {
	var out []Extent
	for e := range s.Extents(0, s.Size()) {
		out = append(out, e)
	}
	return out
}
