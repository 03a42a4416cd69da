package volume

import (
	"github.com/jbweber/spindle/internal/backend"
	"github.com/jbweber/spindle/internal/partition"
	"github.com/jbweber/spindle/internal/stream"
)

// fakeDisk serves a content stream and either parses its partition table
// on every call or returns a fixed one.
type fakeDisk struct {
	content stream.Stream
	parse   bool
	table   *partition.Table
	err     error
}

func memDisk(size int64) (*backend.Memory, *fakeDisk) {
	mem := backend.NewMemory(make([]byte, size))
	return mem, &fakeDisk{content: stream.Raw(mem, size), parse: true}
}

func (d *fakeDisk) Content() stream.Stream {
	return d.content
}

func (d *fakeDisk) Partitions() (*partition.Table, error) {
	if d.parse {
		return partition.Parse(d.content, d.content.Size())
	}
	return d.table, d.err
}
