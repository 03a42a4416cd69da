// Package chain layers differencing images over their parents.
//
// A Chain is a fixed slice [top, ..., base] validated once at construction:
// every non-base layer names the unique id of the next layer as its parent,
// the base names no parent, no id repeats and the depth stays within a
// limit. Reads fall through the layers sector by sector; writes only ever
// touch the top layer.
package chain

import (
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/spindle/internal/diskerr"
	"github.com/jbweber/spindle/internal/stream"
)

var log = logrus.WithField("component", "chain")

const (
	// DefaultMaxDepth bounds the number of layers in a chain.
	DefaultMaxDepth = 32

	sectorSize = 512
)

// Layer is one image of a chain. *vhd.Image satisfies it.
type Layer interface {
	stream.Stream

	// ID returns the layer's unique id.
	ID() uuid.UUID

	// ParentID returns the unique id of the parent, or uuid.Nil for a
	// base layer.
	ParentID() uuid.UUID

	// BlockSize returns the layer's allocation unit.
	BlockSize() int64
}

// Options configure chain validation.
type Options struct {
	// MaxDepth is the largest number of layers allowed; DefaultMaxDepth
	// when zero.
	MaxDepth int
}

func (o Options) maxDepth() int {
	if o.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return o.MaxDepth
}

// Chain presents a stack of layers as one stream. It owns its layers and
// closes them on Close; shared parents from a LayerSet are released instead.
type Chain struct {
	layers []Layer
	closed bool
}

var _ stream.Stream = (*Chain)(nil)

// New validates layers, ordered top first, and returns the chain. On error
// the layers are left open.
func New(layers []Layer, opts Options) (*Chain, error) {
	if err := validate(layers, opts); err != nil {
		return nil, err
	}
	return &Chain{layers: layers}, nil
}

func validate(layers []Layer, opts Options) error {
	if len(layers) == 0 {
		return diskerr.Chainf("", "no layers")
	}
	if len(layers) > opts.maxDepth() {
		return diskerr.Chainf(layers[0].ID().String(), "depth %d exceeds limit %d", len(layers), opts.maxDepth())
	}

	seen := make(map[uuid.UUID]int, len(layers))
	for i, l := range layers {
		id := l.ID()
		if id != uuid.Nil {
			if j, dup := seen[id]; dup {
				return diskerr.Chainf(id.String(), "layer %d repeats layer %d, the chain has a cycle", i, j)
			}
			seen[id] = i
		}

		parent := l.ParentID()
		if i == len(layers)-1 {
			if parent != uuid.Nil {
				return diskerr.Chainf(id.String(), "base layer references missing parent %s", parent)
			}
			continue
		}
		if parent == uuid.Nil {
			return diskerr.Chainf(id.String(), "layer %d has no parent but %d layers follow it", i, len(layers)-1-i)
		}
		if next := layers[i+1].ID(); parent != next {
			return diskerr.Chainf(id.String(), "parent id %s does not match next layer %s", parent, next)
		}
	}
	return nil
}

// Layers returns the layers, top first.
func (c *Chain) Layers() []Layer {
	return c.layers
}

// Depth returns the number of layers.
func (c *Chain) Depth() int {
	return len(c.layers)
}

// Top returns the writable layer.
func (c *Chain) Top() Layer {
	return c.layers[0]
}

// Size returns the size of the top layer.
func (c *Chain) Size() int64 {
	return c.layers[0].Size()
}

// Writable reports whether the top layer accepts writes.
func (c *Chain) Writable() bool {
	return c.layers[0].Writable()
}

// BlockSize returns the top layer's block size.
func (c *Chain) BlockSize() int64 {
	return c.layers[0].BlockSize()
}

// ReadAt resolves every sector from the topmost layer that holds it. Ranges
// no layer holds read as zeros.
func (c *Chain) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at negative offset %d", off)
	}
	size := c.Size()
	if off >= size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := int64(len(p))
	short := false
	if off+n > size {
		n = size - off
		short = true
	}

	need := []stream.Extent{{Start: off, Length: n}}
	for depth, l := range c.layers {
		if len(need) == 0 {
			break
		}
		var present []stream.Extent
		for _, r := range need {
			for e := range l.Extents(r.Start, r.Length) {
				present = append(present, e)
			}
		}
		for _, e := range present {
			if err := readExact(l, p[e.Start-off:e.End()-off], e.Start); err != nil {
				return 0, fmt.Errorf("failed to read layer %d at %d: %w", depth, e.Start, err)
			}
		}
		need = stream.Subtract(need, present)
	}
	for _, r := range need {
		clear(p[r.Start-off : r.End()-off])
	}

	if short {
		return int(n), io.EOF
	}
	return int(n), nil
}

// ReadBlock returns block index of the top layer's block size, resolved
// through the chain. Blocks no layer holds are all zeros.
func (c *Chain) ReadBlock(index int64) ([]byte, error) {
	bs := c.BlockSize()
	start := index * bs
	if index < 0 || start >= c.Size() {
		return nil, fmt.Errorf("block %d out of range", index)
	}
	data := make([]byte, bs)
	if _, err := c.ReadAt(data[:min(bs, c.Size()-start)], start); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return data, nil
}

// WriteAt writes to the top layer only. Partial sectors are first filled
// from the merged view so the top layer never holds a sector that hides
// parent data it did not copy.
func (c *Chain) WriteAt(p []byte, off int64) (int, error) {
	top := c.layers[0]
	if !top.Writable() {
		return 0, stream.ErrReadOnly
	}
	end := off + int64(len(p))
	if off < 0 || end > c.Size() {
		return 0, stream.ErrOutOfRange
	}

	head := off / sectorSize * sectorSize
	tail := min((end+sectorSize-1)/sectorSize*sectorSize, c.Size())
	if head == off && tail == end {
		return top.WriteAt(p, off)
	}

	buf := make([]byte, tail-head)
	if head != off {
		if err := c.readMerged(buf[:min(sectorSize, len(buf))], head); err != nil {
			return 0, err
		}
	}
	if tail != end {
		last := (tail - 1) / sectorSize * sectorSize
		if err := c.readMerged(buf[last-head:], last); err != nil {
			return 0, err
		}
	}
	copy(buf[off-head:], p)

	if _, err := top.WriteAt(buf, head); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Chain) readMerged(p []byte, off int64) error {
	if _, err := c.ReadAt(p, off); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read sector at %d for copy-up: %w", off, err)
	}
	return nil
}

// WriteBlock stores a full block in the top layer.
func (c *Chain) WriteBlock(index int64, data []byte) error {
	bs := c.BlockSize()
	if int64(len(data)) != bs {
		return diskerr.Configf("chain.WriteBlock", "block data is %d bytes, want %d", len(data), bs)
	}
	start := index * bs
	if index < 0 || start >= c.Size() {
		return fmt.Errorf("block %d out of range", index)
	}
	_, err := c.WriteAt(data[:min(bs, c.Size()-start)], start)
	return err
}

// Extents yields the union of every layer's present ranges.
func (c *Chain) Extents(off, n int64) iter.Seq[stream.Extent] {
	return func(yield func(stream.Extent) bool) {
		off := max(off, 0)
		n := min(n, c.Size()-off)
		if n <= 0 {
			return
		}
		var all []stream.Extent
		for _, l := range c.layers {
			for e := range l.Extents(off, n) {
				all = append(all, e)
			}
		}
		for _, e := range stream.Union(all) {
			if !yield(e) {
				return
			}
		}
	}
}

// Close closes every layer, top first, and reports all failures.
func (c *Chain) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	for _, l := range c.layers {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// readExact fills p from r at off, zero-filling past the end of r.
func readExact(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	clear(p[n:])
	return nil
}

func closeAll(layers []Layer) {
	for _, l := range layers {
		if err := l.Close(); err != nil {
			log.WithError(err).Warn("failed to close layer")
		}
	}
}
