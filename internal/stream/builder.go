package stream

import (
	"fmt"
	"io"
	"iter"
	"slices"
	"sort"

	"github.com/jbweber/spindle/internal/diskerr"
)

// Kind identifies the payload of a BuilderExtent.
type Kind int

const (
	// KindBuffer extents serve bytes from an in-memory slice.
	KindBuffer Kind = iota
	// KindSource extents serve bytes from another stream or reader.
	KindSource
	// KindZero extents reserve a range that reads as zeros and is never
	// reported as allocated.
	KindZero
)

func (k Kind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindSource:
		return "source"
	case KindZero:
		return "zero"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// BuilderExtent places one payload at [Start, Start+Length) of a built
// stream. Use Buffer, Source and Zero to construct them.
type BuilderExtent struct {
	Kind   Kind
	Start  int64
	Length int64

	// Data holds the payload of KindBuffer extents.
	Data []byte

	// Source and SourceOffset locate the payload of KindSource extents.
	// If Source also implements ExtentLister, only its allocated ranges are
	// reported by the built stream.
	Source       io.ReaderAt
	SourceOffset int64
}

// Buffer returns an extent serving data at start.
func Buffer(start int64, data []byte) BuilderExtent {
	return BuilderExtent{Kind: KindBuffer, Start: start, Length: int64(len(data)), Data: data}
}

// Source returns an extent serving length bytes of src, beginning at srcOff,
// at start.
func Source(start, length int64, src io.ReaderAt, srcOff int64) BuilderExtent {
	return BuilderExtent{Kind: KindSource, Start: start, Length: length, Source: src, SourceOffset: srcOff}
}

// Zero returns an explicit zero-filled extent.
func Zero(start, length int64) BuilderExtent {
	return BuilderExtent{Kind: KindZero, Start: start, Length: length}
}

// End returns the first offset past the extent.
func (e BuilderExtent) End() int64 {
	return e.Start + e.Length
}

// readAt fills p with extent bytes starting rel bytes into the extent.
func (e BuilderExtent) readAt(p []byte, rel int64) error {
	switch e.Kind {
	case KindBuffer:
		copy(p, e.Data[rel:])
		return nil
	case KindSource:
		return readFull(e.Source, p, e.SourceOffset+rel)
	case KindZero:
		clear(p)
		return nil
	default:
		return fmt.Errorf("unknown builder extent kind %v", e.Kind)
	}
}

// extents yields the allocated parts of the extent clipped to [off, off+n).
func (e BuilderExtent) extents(off, n int64) iter.Seq[Extent] {
	return func(yield func(Extent) bool) {
		clip, ok := Extent{Start: e.Start, Length: e.Length}.Clip(off, n)
		if !ok {
			return
		}
		switch e.Kind {
		case KindBuffer:
			yield(clip)
		case KindSource:
			lister, ok := e.Source.(ExtentLister)
			if !ok {
				yield(clip)
				return
			}
			srcOff := e.SourceOffset + (clip.Start - e.Start)
			for se := range Shifted(lister, srcOff, clip.Length, clip.Start) {
				if !yield(se) {
					return
				}
			}
		case KindZero:
		}
	}
}

// Built is a read-only stream assembled from non-overlapping extents.
// Unaddressed ranges read as zeros without touching any backing storage.
type Built struct {
	length  int64
	extents []BuilderExtent
}

var _ Stream = (*Built)(nil)

// Build validates extents and assembles them into a stream of the given
// length. Extents may be supplied in any order; zero-length extents are
// ignored. Overlapping, negative or out-of-range extents fail with a
// ConfigurationError.
func Build(length int64, extents []BuilderExtent) (*Built, error) {
	const op = "stream.Build"

	if length < 0 {
		return nil, diskerr.Configf(op, "negative stream length %d", length)
	}

	sorted := make([]BuilderExtent, 0, len(extents))
	for i, e := range extents {
		if e.Length < 0 || e.Start < 0 {
			return nil, diskerr.Configf(op, "extent %d has negative start or length (%d,+%d)", i, e.Start, e.Length)
		}
		if e.Length == 0 {
			continue
		}
		if e.Start > length || e.Length > length-e.Start {
			return nil, diskerr.Configf(op, "extent %d (%d,+%d) exceeds stream length %d", i, e.Start, e.Length, length)
		}
		switch e.Kind {
		case KindBuffer:
			if int64(len(e.Data)) != e.Length {
				return nil, diskerr.Configf(op, "extent %d buffer holds %d bytes, declared %d", i, len(e.Data), e.Length)
			}
		case KindSource:
			if e.Source == nil {
				return nil, diskerr.Configf(op, "extent %d has no source", i)
			}
		case KindZero:
		default:
			return nil, diskerr.Configf(op, "extent %d has unknown kind %v", i, e.Kind)
		}
		sorted = append(sorted, e)
	}

	slices.SortStableFunc(sorted, func(a, b BuilderExtent) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Start < sorted[i-1].End() {
			return nil, diskerr.Configf(op, "extent [%d,%d) overlaps [%d,%d)",
				sorted[i].Start, sorted[i].End(), sorted[i-1].Start, sorted[i-1].End())
		}
	}

	return &Built{length: length, extents: sorted}, nil
}

// ReadAt reads from the extents overlapping [off, off+len(p)), zero-filling
// gaps. Reads at or past the end return io.EOF.
func (b *Built) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at negative offset %d", off)
	}
	n, short := clampRead(p, off, b.length)
	if n == 0 {
		if short {
			return 0, io.EOF
		}
		return 0, nil
	}

	end := off + int64(n)
	i := sort.Search(len(b.extents), func(i int) bool { return b.extents[i].End() > off })
	pos := off
	for pos < end {
		if i < len(b.extents) && b.extents[i].Start <= pos {
			e := b.extents[i]
			stop := min(e.End(), end)
			if err := e.readAt(p[pos-off:stop-off], pos-e.Start); err != nil {
				return int(pos - off), fmt.Errorf("failed to read %s extent at %d: %w", e.Kind, e.Start, err)
			}
			pos = stop
			i++
			continue
		}

		gapEnd := end
		if i < len(b.extents) && b.extents[i].Start < gapEnd {
			gapEnd = b.extents[i].Start
		}
		clear(p[pos-off : gapEnd-off])
		pos = gapEnd
	}

	if short {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt always fails; built streams are read-only.
func (b *Built) WriteAt(p []byte, off int64) (int, error) {
	return 0, ErrReadOnly
}

// Extents yields the allocated ranges within [off, off+n).
func (b *Built) Extents(off, n int64) iter.Seq[Extent] {
	return func(yield func(Extent) bool) {
		i := sort.Search(len(b.extents), func(i int) bool { return b.extents[i].End() > off })
		for ; i < len(b.extents) && b.extents[i].Start < off+n; i++ {
			for e := range b.extents[i].extents(off, n) {
				if !yield(e) {
					return
				}
			}
		}
	}
}

// Size returns the declared stream length.
func (b *Built) Size() int64 {
	return b.length
}

// Writable always reports false.
func (b *Built) Writable() bool {
	return false
}

// Close is a no-op; sources remain owned by the caller.
func (b *Built) Close() error {
	return nil
}
