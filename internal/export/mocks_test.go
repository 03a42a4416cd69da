package export

import (
	"io"

	"github.com/jbweber/spindle/internal/stream"
)

// countingSource is a ReaderAt that records how many bytes were read.
type countingSource struct {
	data []byte
	read int64
}

func (c *countingSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(c.data)) {
		return 0, io.EOF
	}
	n := copy(p, c.data[off:])
	c.read += int64(n)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

const sparseSize = 3<<20 + 100

// sparseStream returns a stream with "hello" at 1MiB and "world" at 3MiB,
// both served from src, and the bytes it should read as.
func sparseStream(src *countingSource) (stream.Stream, []byte) {
	src.data = []byte("helloworld")
	s, err := stream.Build(sparseSize, []stream.BuilderExtent{
		stream.Source(1<<20, 5, src, 0),
		stream.Source(3<<20, 5, src, 5),
	})
	if err != nil {
		panic(err)
	}

	want := make([]byte, sparseSize)
	copy(want[1<<20:], "hello")
	copy(want[3<<20:], "world")
	return s, want
}
