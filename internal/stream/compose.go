package stream

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"sort"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "stream")

// RawDevice is the subset of a storage backend needed to expose it as a
// stream.
type RawDevice interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Writable() bool
}

// Raw exposes a device of a known size as a dense stream whose whole range is
// allocated. Closing the stream closes the device.
func Raw(dev RawDevice, size int64) Stream {
	return &raw{dev: dev, size: size}
}

type raw struct {
	dev  RawDevice
	size int64
}

func (r *raw) ReadAt(p []byte, off int64) (int, error) {
	n, short := clampRead(p, off, r.size)
	if n == 0 {
		if short {
			return 0, io.EOF
		}
		return 0, nil
	}
	if err := readFull(r.dev, p[:n], off); err != nil {
		return 0, err
	}
	if short {
		return n, io.EOF
	}
	return n, nil
}

func (r *raw) WriteAt(p []byte, off int64) (int, error) {
	if !r.dev.Writable() {
		return 0, ErrReadOnly
	}
	if err := checkWrite(len(p), off, r.size); err != nil {
		return 0, err
	}
	return r.dev.WriteAt(p, off)
}

func (r *raw) Extents(off, n int64) iter.Seq[Extent] {
	return Seq([]Extent{{Start: 0, Length: r.size}}, off, n)
}

func (r *raw) Size() int64    { return r.size }
func (r *raw) Writable() bool { return r.dev.Writable() }
func (r *raw) Close() error   { return r.dev.Close() }

// ZeroStream returns a read-only stream of length zero bytes with no extents.
func ZeroStream(length int64) Stream {
	return &zeroStream{length: length}
}

type zeroStream struct {
	length int64
}

func (z *zeroStream) ReadAt(p []byte, off int64) (int, error) {
	n, short := clampRead(p, off, z.length)
	clear(p[:n])
	if short {
		return n, io.EOF
	}
	return n, nil
}

func (z *zeroStream) WriteAt(p []byte, off int64) (int, error) { return 0, ErrReadOnly }
func (z *zeroStream) Extents(off, n int64) iter.Seq[Extent]    { return func(func(Extent) bool) {} }
func (z *zeroStream) Size() int64                              { return z.length }
func (z *zeroStream) Writable() bool                           { return false }
func (z *zeroStream) Close() error                             { return nil }

// Sub is a window onto [start, start+length) of a parent stream. It does not
// own the parent; closing a Sub leaves the parent open.
type Sub struct {
	parent Stream
	start  int64
	length int64
}

var _ Stream = (*Sub)(nil)

// NewSub returns a window over parent. The window must lie within the parent.
func NewSub(parent Stream, start, length int64) (*Sub, error) {
	if start < 0 || length < 0 || start+length > parent.Size() {
		return nil, fmt.Errorf("sub-stream [%d,+%d) outside parent of %d bytes", start, length, parent.Size())
	}
	return &Sub{parent: parent, start: start, length: length}, nil
}

// Start returns the window offset within the parent.
func (s *Sub) Start() int64 {
	return s.start
}

func (s *Sub) ReadAt(p []byte, off int64) (int, error) {
	n, short := clampRead(p, off, s.length)
	if n == 0 {
		if short {
			return 0, io.EOF
		}
		return 0, nil
	}
	if err := readFull(s.parent, p[:n], s.start+off); err != nil {
		return 0, err
	}
	if short {
		return n, io.EOF
	}
	return n, nil
}

func (s *Sub) WriteAt(p []byte, off int64) (int, error) {
	if !s.parent.Writable() {
		return 0, ErrReadOnly
	}
	if err := checkWrite(len(p), off, s.length); err != nil {
		return 0, err
	}
	return s.parent.WriteAt(p, s.start+off)
}

func (s *Sub) Extents(off, n int64) iter.Seq[Extent] {
	off = max(off, 0)
	n = min(n, s.length-off)
	if n <= 0 {
		return func(func(Extent) bool) {}
	}
	return Shifted(s.parent, s.start+off, n, off)
}

func (s *Sub) Size() int64    { return s.length }
func (s *Sub) Writable() bool { return s.parent.Writable() }
func (s *Sub) Close() error   { return nil }

// Concat joins streams end to end, as for a spanned volume. It owns the parts
// and closes them on Close.
type Concat struct {
	parts   []Stream
	offsets []int64
	length  int64
}

var _ Stream = (*Concat)(nil)

// NewConcat returns the concatenation of parts.
func NewConcat(parts ...Stream) *Concat {
	c := &Concat{parts: parts, offsets: make([]int64, len(parts))}
	for i, p := range parts {
		c.offsets[i] = c.length
		c.length += p.Size()
	}
	return c
}

// locate returns the index of the part containing pos.
func (c *Concat) locate(pos int64) int {
	return sort.Search(len(c.parts), func(i int) bool {
		return c.offsets[i]+c.parts[i].Size() > pos
	})
}

func (c *Concat) ReadAt(p []byte, off int64) (int, error) {
	n, short := clampRead(p, off, c.length)
	pos := off
	end := off + int64(n)
	for i := c.locate(pos); pos < end && i < len(c.parts); i++ {
		partEnd := c.offsets[i] + c.parts[i].Size()
		stop := min(end, partEnd)
		if stop <= pos {
			continue
		}
		if err := readFull(c.parts[i], p[pos-off:stop-off], pos-c.offsets[i]); err != nil {
			return int(pos - off), fmt.Errorf("failed to read part %d: %w", i, err)
		}
		pos = stop
	}
	if short {
		return n, io.EOF
	}
	return n, nil
}

func (c *Concat) WriteAt(p []byte, off int64) (int, error) {
	if !c.Writable() {
		return 0, ErrReadOnly
	}
	if err := checkWrite(len(p), off, c.length); err != nil {
		return 0, err
	}
	pos := off
	end := off + int64(len(p))
	for i := c.locate(pos); pos < end && i < len(c.parts); i++ {
		stop := min(end, c.offsets[i]+c.parts[i].Size())
		if stop <= pos {
			continue
		}
		if _, err := c.parts[i].WriteAt(p[pos-off:stop-off], pos-c.offsets[i]); err != nil {
			return int(pos - off), fmt.Errorf("failed to write part %d: %w", i, err)
		}
		pos = stop
	}
	return len(p), nil
}

func (c *Concat) Extents(off, n int64) iter.Seq[Extent] {
	return func(yield func(Extent) bool) {
		end := off + n
		for i, part := range c.parts {
			pStart := c.offsets[i]
			pEnd := pStart + part.Size()
			if pEnd <= off || pStart >= end {
				continue
			}
			lo := max(off, pStart)
			hi := min(end, pEnd)
			for e := range Shifted(part, lo-pStart, hi-lo, lo) {
				if !yield(e) {
					return
				}
			}
		}
	}
}

func (c *Concat) Size() int64 { return c.length }

func (c *Concat) Writable() bool {
	for _, p := range c.parts {
		if !p.Writable() {
			return false
		}
	}
	return len(c.parts) > 0
}

func (c *Concat) Close() error {
	var errs []error
	for _, p := range c.parts {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Striped interleaves equally sized streams in chunks of stripeSize bytes:
// logical chunk k lives in stream k mod N at chunk k div N. It owns its
// stripes.
type Striped struct {
	stripes    []Stream
	stripeSize int64
	length     int64
}

var _ Stream = (*Striped)(nil)

// NewStriped returns a striped stream. Every stripe must have the same size,
// and that size must be a multiple of stripeSize.
func NewStriped(stripeSize int64, stripes ...Stream) (*Striped, error) {
	if len(stripes) == 0 {
		return nil, fmt.Errorf("striped stream needs at least one stripe")
	}
	if stripeSize <= 0 {
		return nil, fmt.Errorf("invalid stripe size %d", stripeSize)
	}
	each := stripes[0].Size()
	for i, s := range stripes {
		if s.Size() != each {
			return nil, fmt.Errorf("stripe %d is %d bytes, want %d", i, s.Size(), each)
		}
	}
	if each%stripeSize != 0 {
		return nil, fmt.Errorf("stripe length %d is not a multiple of stripe size %d", each, stripeSize)
	}
	return &Striped{stripes: stripes, stripeSize: stripeSize, length: each * int64(len(stripes))}, nil
}

// mapOffset translates a logical offset into a stripe index and offset.
func (s *Striped) mapOffset(pos int64) (int, int64) {
	chunk := pos / s.stripeSize
	within := pos % s.stripeSize
	n := int64(len(s.stripes))
	return int(chunk % n), (chunk/n)*s.stripeSize + within
}

func (s *Striped) ReadAt(p []byte, off int64) (int, error) {
	n, short := clampRead(p, off, s.length)
	pos := off
	end := off + int64(n)
	for pos < end {
		idx, inner := s.mapOffset(pos)
		stop := min(end, (pos/s.stripeSize+1)*s.stripeSize)
		if err := readFull(s.stripes[idx], p[pos-off:stop-off], inner); err != nil {
			return int(pos - off), fmt.Errorf("failed to read stripe %d: %w", idx, err)
		}
		pos = stop
	}
	if short {
		return n, io.EOF
	}
	return n, nil
}

func (s *Striped) WriteAt(p []byte, off int64) (int, error) {
	if !s.Writable() {
		return 0, ErrReadOnly
	}
	if err := checkWrite(len(p), off, s.length); err != nil {
		return 0, err
	}
	pos := off
	end := off + int64(len(p))
	for pos < end {
		idx, inner := s.mapOffset(pos)
		stop := min(end, (pos/s.stripeSize+1)*s.stripeSize)
		if _, err := s.stripes[idx].WriteAt(p[pos-off:stop-off], inner); err != nil {
			return int(pos - off), fmt.Errorf("failed to write stripe %d: %w", idx, err)
		}
		pos = stop
	}
	return len(p), nil
}

// Extents reports each stripe chunk that holds any allocated data in its
// stripe, merging adjacent chunks.
func (s *Striped) Extents(off, n int64) iter.Seq[Extent] {
	return func(yield func(Extent) bool) {
		end := min(off+n, s.length)
		var pending Extent
		for chunk := max(off, 0) / s.stripeSize; chunk*s.stripeSize < end; chunk++ {
			lo := max(off, chunk*s.stripeSize)
			hi := min(end, (chunk+1)*s.stripeSize)
			idx, inner := s.mapOffset(lo)
			allocated := false
			for range s.stripes[idx].Extents(inner, hi-lo) {
				allocated = true
				break
			}
			if !allocated {
				continue
			}
			if pending.Length > 0 && pending.End() == lo {
				pending.Length += hi - lo
				continue
			}
			if pending.Length > 0 && !yield(pending) {
				return
			}
			pending = Extent{Start: lo, Length: hi - lo}
		}
		if pending.Length > 0 {
			yield(pending)
		}
	}
}

func (s *Striped) Size() int64 { return s.length }

func (s *Striped) Writable() bool {
	for _, st := range s.stripes {
		if !st.Writable() {
			return false
		}
	}
	return true
}

func (s *Striped) Close() error {
	var errs []error
	for _, st := range s.stripes {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Mirror presents identical copies as one stream. Reads are served by the
// first leg that succeeds; writes go to every leg. It owns its legs.
type Mirror struct {
	legs []Stream
}

var _ Stream = (*Mirror)(nil)

// NewMirror returns a mirror over legs of equal size.
func NewMirror(legs ...Stream) (*Mirror, error) {
	if len(legs) == 0 {
		return nil, fmt.Errorf("mirror needs at least one leg")
	}
	for i, l := range legs {
		if l.Size() != legs[0].Size() {
			return nil, fmt.Errorf("mirror leg %d is %d bytes, want %d", i, l.Size(), legs[0].Size())
		}
	}
	return &Mirror{legs: legs}, nil
}

func (m *Mirror) ReadAt(p []byte, off int64) (int, error) {
	var lastErr error
	for i, leg := range m.legs {
		n, err := leg.ReadAt(p, off)
		if err == nil || errors.Is(err, io.EOF) {
			return n, err
		}
		log.WithError(err).WithField("leg", i).Warn("mirror leg read failed, trying next leg")
		lastErr = err
	}
	return 0, fmt.Errorf("all %d mirror legs failed: %w", len(m.legs), lastErr)
}

func (m *Mirror) WriteAt(p []byte, off int64) (int, error) {
	if !m.Writable() {
		return 0, ErrReadOnly
	}
	for i, leg := range m.legs {
		if _, err := leg.WriteAt(p, off); err != nil {
			return 0, fmt.Errorf("failed to write mirror leg %d: %w", i, err)
		}
	}
	return len(p), nil
}

func (m *Mirror) Extents(off, n int64) iter.Seq[Extent] {
	return m.legs[0].Extents(off, n)
}

func (m *Mirror) Size() int64 { return m.legs[0].Size() }

func (m *Mirror) Writable() bool {
	for _, l := range m.legs {
		if !l.Writable() {
			return false
		}
	}
	return true
}

func (m *Mirror) Close() error {
	var errs []error
	for _, l := range m.legs {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
