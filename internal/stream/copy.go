package stream

import (
	"fmt"
	"io"
)

const copyChunk = 1 << 20

// CopyExtents copies the allocated ranges of src to the same offsets in dst.
// Holes are skipped, so dst must already read as zeros there (a fresh sparse
// file or a truncated backend). It returns the number of bytes copied.
func CopyExtents(dst io.WriterAt, src Stream) (int64, error) {
	buf := make([]byte, copyChunk)
	var copied int64

	for e := range src.Extents(0, src.Size()) {
		for pos := e.Start; pos < e.End(); {
			n := min(int64(len(buf)), e.End()-pos)
			chunk := buf[:n]
			if err := readFull(src, chunk, pos); err != nil {
				return copied, fmt.Errorf("failed to read at %d: %w", pos, err)
			}
			if _, err := dst.WriteAt(chunk, pos); err != nil {
				return copied, fmt.Errorf("failed to write at %d: %w", pos, err)
			}
			pos += n
			copied += n
		}
	}
	return copied, nil
}

// WriteTo streams the full contents of src, holes included, to w.
func WriteTo(w io.Writer, src Stream) (int64, error) {
	cur := NewCursor(src)
	return io.CopyBuffer(w, io.LimitReader(cur, src.Size()), make([]byte, copyChunk))
}
