package export

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/spindle/internal/stream"
)

// Stats describes a finished dump.
type Stats struct {
	Size      int64 `json:"size" yaml:"size"`
	Allocated int64 `json:"allocated" yaml:"allocated"`
	// Written is the number of bytes after compression.
	Written int64 `json:"written" yaml:"written"`
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// ctxWriter fails writes once ctx is done.
type ctxWriter struct {
	ctx context.Context
	w   io.Writer
}

func (c *ctxWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.w.Write(p)
}

// allocatedBytes sums the extents of s.
func allocatedBytes(s stream.Stream) int64 {
	var n int64
	for e := range s.Extents(0, s.Size()) {
		n += e.Length
	}
	return n
}

// Dump writes the full contents of s, holes as zeros, to w compressed
// with c.
func Dump(ctx context.Context, w io.Writer, s stream.Stream, c Compression) (Stats, error) {
	cw := &countingWriter{w: w}
	zw, err := NewWriter(cw, c)
	if err != nil {
		return Stats{}, err
	}

	if _, err := stream.WriteTo(&ctxWriter{ctx: ctx, w: zw}, s); err != nil {
		_ = zw.Close()
		return Stats{}, fmt.Errorf("failed to dump stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return Stats{}, fmt.Errorf("failed to finish %s stream: %w", c, err)
	}

	st := Stats{Size: s.Size(), Allocated: allocatedBytes(s), Written: cw.n}
	log.WithFields(logrus.Fields{
		"compression": c,
		"size":        st.Size,
		"allocated":   st.Allocated,
		"written":     st.Written,
	}).Debug("dumped stream")
	return st, nil
}

// SparseFile is a destination that can be resized and written at offsets,
// such as an *os.File.
type SparseFile interface {
	io.WriterAt
	Truncate(size int64) error
}

// DumpSparse writes s uncompressed to f, leaving holes unwritten so a file
// system that supports sparse files does not allocate them. Anything f held
// before is discarded.
func DumpSparse(ctx context.Context, f SparseFile, s stream.Stream) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	if err := f.Truncate(0); err != nil {
		return Stats{}, fmt.Errorf("failed to truncate destination: %w", err)
	}
	if err := f.Truncate(s.Size()); err != nil {
		return Stats{}, fmt.Errorf("failed to size destination: %w", err)
	}

	copied, err := stream.CopyExtents(f, s)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to dump stream: %w", err)
	}

	st := Stats{Size: s.Size(), Allocated: copied, Written: copied}
	log.WithFields(logrus.Fields{
		"size":      st.Size,
		"allocated": st.Allocated,
	}).Debug("dumped sparse stream")
	return st, nil
}
