package stream

import (
	"fmt"
	"iter"
	"math"
	"slices"
)

// Extent is a contiguous allocated byte range.
type Extent struct {
	Start  int64 `json:"start" yaml:"start"`
	Length int64 `json:"length" yaml:"length"`
}

// End returns the first offset past the extent.
func (e Extent) End() int64 {
	return e.Start + e.Length
}

// Overlaps reports whether e and o share at least one byte.
func (e Extent) Overlaps(o Extent) bool {
	return e.Start < o.End() && o.Start < e.End()
}

func (e Extent) String() string {
	return fmt.Sprintf("[%d,+%d)", e.Start, e.Length)
}

// Clip intersects e with [off, off+n).
func (e Extent) Clip(off, n int64) (Extent, bool) {
	start := max(e.Start, off)
	end := min(e.End(), off+n)
	if end <= start {
		return Extent{}, false
	}
	return Extent{Start: start, Length: end - start}, true
}

// Union merges any number of extent sets into one sorted set without
// overlapping or adjacent members.
func Union(sets ...[]Extent) []Extent {
	var all []Extent
	for _, set := range sets {
		for _, e := range set {
			if e.Length > 0 {
				all = append(all, e)
			}
		}
	}
	if len(all) == 0 {
		return nil
	}

	slices.SortFunc(all, func(a, b Extent) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})

	out := []Extent{all[0]}
	for _, e := range all[1:] {
		last := &out[len(out)-1]
		if e.Start <= last.End() {
			if e.End() > last.End() {
				last.Length = e.End() - last.Start
			}
			continue
		}
		out = append(out, e)
	}
	return out
}

// Intersect returns the ranges present in both a and b.
func Intersect(a, b []Extent) []Extent {
	a, b = Union(a), Union(b)

	var out []Extent
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := max(a[i].Start, b[j].Start)
		end := min(a[i].End(), b[j].End())
		if start < end {
			out = append(out, Extent{Start: start, Length: end - start})
		}
		if a[i].End() < b[j].End() {
			i++
		} else {
			j++
		}
	}
	return out
}

// Invert returns the gaps of a within [0, MaxInt64).
func Invert(a []Extent) []Extent {
	a = Union(a)

	var out []Extent
	pos := int64(0)
	for _, e := range a {
		if e.Start > pos {
			out = append(out, Extent{Start: pos, Length: e.Start - pos})
		}
		pos = e.End()
	}
	if pos < math.MaxInt64 {
		out = append(out, Extent{Start: pos, Length: math.MaxInt64 - pos})
	}
	return out
}

// Subtract returns the ranges of a not covered by b.
func Subtract(a, b []Extent) []Extent {
	return Intersect(a, Invert(b))
}

// BlockRanges returns, in block units, the runs of blocks of size blockSize
// touched by a. Start is the first block index and Length the block count.
func BlockRanges(a []Extent, blockSize int64) []Extent {
	var runs []Extent
	for _, e := range Union(a) {
		first := e.Start / blockSize
		last := (e.End() - 1) / blockSize
		runs = append(runs, Extent{Start: first, Length: last - first + 1})
	}
	return Union(runs)
}

// BlockCount returns the number of distinct blocks touched by a.
func BlockCount(a []Extent, blockSize int64) int64 {
	var total int64
	for _, r := range BlockRanges(a, blockSize) {
		total += r.Length
	}
	return total
}

// Seq turns a slice of sorted extents into a clipped sequence over
// [off, off+n).
func Seq(a []Extent, off, n int64) iter.Seq[Extent] {
	return func(yield func(Extent) bool) {
		for _, e := range a {
			if e.Start >= off+n {
				return
			}
			if c, ok := e.Clip(off, n); ok {
				if !yield(c) {
					return
				}
			}
		}
	}
}

// Shifted yields the extents of inner within [innerOff, innerOff+n),
// relocated so that innerOff maps to outerOff.
func Shifted(inner ExtentLister, innerOff, n, outerOff int64) iter.Seq[Extent] {
	return func(yield func(Extent) bool) {
		for e := range inner.Extents(innerOff, n) {
			e.Start = e.Start - innerOff + outerOff
			if !yield(e) {
				return
			}
		}
	}
}
