// Package cache provides a read cache over any stream.
//
// Blocks live in one fixed slab allocated up front. An index maps block
// numbers to slab slots and an intrusive doubly linked list over slot
// indices keeps them in least-recently-used order. Writes go straight
// through to the base stream and refresh any cached copy, so the cache
// never holds data the base does not.
//
// Example usage:
//
//	c, err := cache.New(lv, cache.DefaultSettings())
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	n, err := c.ReadAt(buf, off)
package cache

import (
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/spindle/internal/diskerr"
	"github.com/jbweber/spindle/internal/stream"
)

var log = logrus.WithField("component", "cache")

// Settings size a cache.
type Settings struct {
	// BlockSize is the caching granularity in bytes.
	BlockSize int `yaml:"block_size" json:"block_size"`
	// Blocks is the slab capacity in blocks.
	Blocks int `yaml:"blocks" json:"blocks"`
	// LargeReadSize sends reads of at least this many bytes straight to
	// the base stream. Zero disables the bypass.
	LargeReadSize int `yaml:"large_read_size" json:"large_read_size"`
}

// DefaultSettings returns a 4 MiB cache of 4 KiB blocks that bypasses reads
// of 64 KiB and more.
func DefaultSettings() Settings {
	return Settings{
		BlockSize:     4096,
		Blocks:        1024,
		LargeReadSize: 64 << 10,
	}
}

// Validate checks the settings.
func (s Settings) Validate() error {
	if s.BlockSize <= 0 {
		return diskerr.Configf("cache.Settings", "block size must be positive, got %d", s.BlockSize)
	}
	if s.Blocks <= 0 {
		return diskerr.Configf("cache.Settings", "capacity must be at least one block, got %d", s.Blocks)
	}
	if s.LargeReadSize < 0 {
		return diskerr.Configf("cache.Settings", "large read size must not be negative, got %d", s.LargeReadSize)
	}
	return nil
}

// Stats counts cache activity.
type Stats struct {
	Reads           int64 `json:"reads" yaml:"reads"`
	BaseReads       int64 `json:"baseReads" yaml:"baseReads"`
	Writes          int64 `json:"writes" yaml:"writes"`
	Hits            int64 `json:"hits" yaml:"hits"`
	Misses          int64 `json:"misses" yaml:"misses"`
	LargeReads      int64 `json:"largeReads" yaml:"largeReads"`
	UnalignedReads  int64 `json:"unalignedReads" yaml:"unalignedReads"`
	UnalignedWrites int64 `json:"unalignedWrites" yaml:"unalignedWrites"`
	FreeBlocks      int   `json:"freeBlocks" yaml:"freeBlocks"`
}

const none = -1

type slot struct {
	block      int64
	prev, next int32
}

// Stream is a cached view of a base stream. It owns the base and closes it
// on Close.
type Stream struct {
	base     stream.Stream
	settings Settings
	bs       int64

	slab  []byte
	slots []slot
	index map[int64]int32
	free  []int32
	// head is the most recently used slot, tail the least.
	head, tail int32

	stats Stats
}

var _ stream.Stream = (*Stream)(nil)

// New wraps base in a cache.
func New(base stream.Stream, s Settings) (*Stream, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	c := &Stream{
		base:     base,
		settings: s,
		bs:       int64(s.BlockSize),
		slab:     make([]byte, s.Blocks*s.BlockSize),
		slots:    make([]slot, s.Blocks),
		index:    make(map[int64]int32, s.Blocks),
		free:     make([]int32, 0, s.Blocks),
		head:     none,
		tail:     none,
	}
	for i := s.Blocks - 1; i >= 0; i-- {
		c.free = append(c.free, int32(i))
	}
	return c, nil
}

// Stats returns a snapshot of the counters.
func (c *Stream) Stats() Stats {
	st := c.stats
	st.FreeBlocks = len(c.free)
	return st
}

func (c *Stream) Size() int64    { return c.base.Size() }
func (c *Stream) Writable() bool { return c.base.Writable() }

func (c *Stream) Extents(off, n int64) iter.Seq[stream.Extent] {
	return c.base.Extents(off, n)
}

func (c *Stream) ReadAt(p []byte, off int64) (int, error) {
	c.stats.Reads++
	size := c.base.Size()
	if off < 0 {
		return 0, fmt.Errorf("cache read: negative offset %d", off)
	}
	if off >= size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := len(p)
	if avail := size - off; int64(n) > avail {
		n = int(avail)
	}
	if off%c.bs != 0 || int64(n)%c.bs != 0 {
		c.stats.UnalignedReads++
	}

	if c.settings.LargeReadSize > 0 && n >= c.settings.LargeReadSize {
		c.stats.LargeReads++
		c.stats.BaseReads++
		got, err := c.base.ReadAt(p[:n], off)
		if err != nil && got < n {
			return got, err
		}
	} else {
		done := 0
		for done < n {
			pos := off + int64(done)
			block := pos / c.bs
			s, err := c.lookup(block)
			if err != nil {
				return done, err
			}
			within := pos - block*c.bs
			done += copy(p[done:n], c.data(s)[within:])
		}
	}

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// lookup returns the slot holding block, loading it on a miss.
func (c *Stream) lookup(block int64) (int32, error) {
	if s, ok := c.index[block]; ok {
		c.stats.Hits++
		c.touch(s)
		return s, nil
	}
	c.stats.Misses++

	s := c.allocate()
	buf := c.data(s)
	start := block * c.bs
	want := min(c.bs, c.base.Size()-start)
	c.stats.BaseReads++
	got, err := c.base.ReadAt(buf[:want], start)
	if int64(got) < want {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		c.free = append(c.free, s)
		return none, fmt.Errorf("failed to read block %d: %w", block, err)
	}
	clear(buf[want:])

	c.slots[s].block = block
	c.index[block] = s
	c.pushFront(s)
	return s, nil
}

// allocate returns a free slot, evicting the least recently used block
// when the slab is full.
func (c *Stream) allocate() int32 {
	if n := len(c.free); n > 0 {
		s := c.free[n-1]
		c.free = c.free[:n-1]
		return s
	}
	s := c.tail
	c.unlink(s)
	delete(c.index, c.slots[s].block)
	return s
}

func (c *Stream) data(s int32) []byte {
	start := int64(s) * c.bs
	return c.slab[start : start+c.bs]
}

func (c *Stream) touch(s int32) {
	if c.head == s {
		return
	}
	c.unlink(s)
	c.pushFront(s)
}

func (c *Stream) pushFront(s int32) {
	c.slots[s].prev = none
	c.slots[s].next = c.head
	if c.head != none {
		c.slots[c.head].prev = s
	}
	c.head = s
	if c.tail == none {
		c.tail = s
	}
}

func (c *Stream) unlink(s int32) {
	sl := &c.slots[s]
	if sl.prev != none {
		c.slots[sl.prev].next = sl.next
	} else {
		c.head = sl.next
	}
	if sl.next != none {
		c.slots[sl.next].prev = sl.prev
	} else {
		c.tail = sl.prev
	}
	sl.prev, sl.next = none, none
}

// WriteAt writes through to the base and refreshes cached blocks in the
// written range. Blocks in the range are dropped if the base write fails.
func (c *Stream) WriteAt(p []byte, off int64) (int, error) {
	if !c.base.Writable() {
		return 0, stream.ErrReadOnly
	}
	c.stats.Writes++
	if off%c.bs != 0 || int64(len(p))%c.bs != 0 {
		c.stats.UnalignedWrites++
	}

	n, err := c.base.WriteAt(p, off)
	if err != nil {
		c.invalidate(off, int64(len(p)))
		log.WithError(err).WithField("offset", off).Debug("dropped cached blocks after failed write")
		return n, err
	}

	end := off + int64(n)
	for block := off / c.bs; block*c.bs < end; block++ {
		s, ok := c.index[block]
		if !ok {
			continue
		}
		bstart := block * c.bs
		from := max(off, bstart)
		to := min(end, bstart+c.bs)
		copy(c.data(s)[from-bstart:to-bstart], p[from-off:to-off])
	}
	return n, nil
}

func (c *Stream) invalidate(off, n int64) {
	for block := off / c.bs; block*c.bs < off+n; block++ {
		if s, ok := c.index[block]; ok {
			c.unlink(s)
			delete(c.index, block)
			c.free = append(c.free, s)
		}
	}
}

// Close drops the cached blocks and closes the base stream.
func (c *Stream) Close() error {
	c.slab, c.slots, c.index, c.free = nil, nil, nil, nil
	c.head, c.tail = none, none
	return c.base.Close()
}
