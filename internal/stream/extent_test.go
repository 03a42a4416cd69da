package stream

import (
	"math"
	"slices"
	"testing"
)

func ext(pairs ...int64) []Extent {
	var out []Extent
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Extent{Start: pairs[i], Length: pairs[i+1]})
	}
	return out
}

func TestUnion(t *testing.T) {
	tests := []struct {
		name string
		sets [][]Extent
		want []Extent
	}{
		{name: "empty", sets: nil, want: nil},
		{name: "disjoint sorted", sets: [][]Extent{ext(0, 10, 20, 5)}, want: ext(0, 10, 20, 5)},
		{name: "unsorted overlap", sets: [][]Extent{ext(20, 10, 0, 25)}, want: ext(0, 30)},
		{name: "adjacent merge", sets: [][]Extent{ext(0, 10), ext(10, 10)}, want: ext(0, 20)},
		{name: "contained", sets: [][]Extent{ext(0, 100), ext(10, 5)}, want: ext(0, 100)},
		{name: "zero length dropped", sets: [][]Extent{ext(5, 0, 50, 1)}, want: ext(50, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Union(tt.sets...)
			if !slices.Equal(got, tt.want) {
				t.Errorf("Union() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIntersectSubtract(t *testing.T) {
	a := ext(0, 100, 200, 100)
	b := ext(50, 200)

	if got, want := Intersect(a, b), ext(50, 50, 200, 50); !slices.Equal(got, want) {
		t.Errorf("Intersect() = %v, want %v", got, want)
	}
	if got, want := Subtract(a, b), ext(0, 50, 250, 50); !slices.Equal(got, want) {
		t.Errorf("Subtract() = %v, want %v", got, want)
	}
	if got := Intersect(a, nil); got != nil {
		t.Errorf("Intersect(a, nil) = %v, want nil", got)
	}
}

func TestInvert(t *testing.T) {
	got := Invert(ext(10, 10, 30, 5))
	want := []Extent{{0, 10}, {20, 10}, {35, math.MaxInt64 - 35}}
	if !slices.Equal(got, want) {
		t.Errorf("Invert() = %v, want %v", got, want)
	}

	if got := Invert(nil); !slices.Equal(got, []Extent{{0, math.MaxInt64}}) {
		t.Errorf("Invert(nil) = %v", got)
	}
}

func TestBlockRanges(t *testing.T) {
	tests := []struct {
		name      string
		extents   []Extent
		blockSize int64
		want      []Extent
		count     int64
	}{
		{name: "single byte", extents: ext(1000, 1), blockSize: 512, want: ext(1, 1), count: 1},
		{name: "straddles boundary", extents: ext(510, 4), blockSize: 512, want: ext(0, 2), count: 2},
		{name: "aligned", extents: ext(1024, 1024), blockSize: 512, want: ext(2, 2), count: 2},
		{name: "shared block merged", extents: ext(0, 10, 20, 10, 4096, 1), blockSize: 512, want: ext(0, 1, 8, 1), count: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BlockRanges(tt.extents, tt.blockSize); !slices.Equal(got, tt.want) {
				t.Errorf("BlockRanges() = %v, want %v", got, tt.want)
			}
			if got := BlockCount(tt.extents, tt.blockSize); got != tt.count {
				t.Errorf("BlockCount() = %d, want %d", got, tt.count)
			}
		})
	}
}

func TestExtentClip(t *testing.T) {
	e := Extent{Start: 100, Length: 100}

	tests := []struct {
		off, n int64
		want   Extent
		ok     bool
	}{
		{0, 50, Extent{}, false},
		{0, 150, Extent{100, 50}, true},
		{150, 10, Extent{150, 10}, true},
		{190, 100, Extent{190, 10}, true},
		{200, 10, Extent{}, false},
	}

	for _, tt := range tests {
		got, ok := e.Clip(tt.off, tt.n)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Clip(%d, %d) = %v, %v, want %v, %v", tt.off, tt.n, got, ok, tt.want, tt.ok)
		}
	}
}
