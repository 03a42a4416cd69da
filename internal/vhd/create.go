package vhd

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jbweber/spindle/internal/backend"
	"github.com/jbweber/spindle/internal/diskerr"
)

// CreateOptions tune new images. Zero values select defaults.
type CreateOptions struct {
	// BlockSize of dynamic and differencing disks, a power of two of at
	// least one sector. Differencing disks inherit a dynamic parent's size.
	BlockSize int64

	// ID is the footer unique id; a random id is generated when nil.
	ID uuid.UUID

	// Timestamp is the creation time; the current time when zero.
	Timestamp time.Time
}

func (o CreateOptions) withDefaults() CreateOptions {
	if o.BlockSize == 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}
	return o
}

// ParentLink names the parent of a new differencing disk.
type ParentLink struct {
	// AbsolutePath is stored in a W2ku locator.
	AbsolutePath string
	// RelativePath, relative to the child's directory, is stored in a W2ru
	// locator.
	RelativePath string
}

func (l ParentLink) name() string {
	if l.AbsolutePath != "" {
		return filepath.Base(l.AbsolutePath)
	}
	return filepath.Base(l.RelativePath)
}

// CreateFixed writes a zero-filled fixed disk of capacity bytes, rounded up
// to a whole sector, and opens it.
func CreateFixed(b backend.Backend, capacity int64, opts CreateOptions) (*Image, error) {
	const op = "vhd.CreateFixed"
	if !b.Writable() {
		return nil, diskerr.Configf(op, "backend is read-only")
	}
	if capacity <= 0 {
		return nil, diskerr.Configf(op, "capacity must be positive, got %d", capacity)
	}
	opts = opts.withDefaults()
	capacity = roundUp(capacity, SectorSize)

	if err := b.Truncate(0); err != nil {
		return nil, fmt.Errorf("failed to reset backend: %w", err)
	}
	if err := b.Truncate(capacity); err != nil {
		return nil, fmt.Errorf("failed to size fixed disk: %w", err)
	}
	footer := newFooter(DiskTypeFixed, capacity, opts.ID, opts.Timestamp)
	if _, err := b.WriteAt(footer.Marshal(), capacity); err != nil {
		return nil, fmt.Errorf("failed to write footer: %w", err)
	}
	if err := b.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync new image: %w", err)
	}
	return Open(b)
}

// CreateDynamic writes an empty dynamic disk and opens it.
func CreateDynamic(b backend.Backend, capacity int64, opts CreateOptions) (*Image, error) {
	const op = "vhd.CreateDynamic"
	if !b.Writable() {
		return nil, diskerr.Configf(op, "backend is read-only")
	}
	opts = opts.withDefaults()

	layout, err := newDynamicLayout(op, DiskTypeDynamic, capacity, opts, nil)
	if err != nil {
		return nil, err
	}
	return layout.write(b)
}

// CreateDifferencing writes an empty differencing disk over parent and opens
// it. The child inherits the parent's capacity.
func CreateDifferencing(b backend.Backend, parent *Image, link ParentLink, opts CreateOptions) (*Image, error) {
	const op = "vhd.CreateDifferencing"
	if !b.Writable() {
		return nil, diskerr.Configf(op, "backend is read-only")
	}
	if link.AbsolutePath == "" && link.RelativePath == "" {
		return nil, diskerr.Configf(op, "parent link needs at least one path")
	}
	if parent.Type() != DiskTypeFixed {
		opts.BlockSize = parent.BlockSize()
	}
	opts = opts.withDefaults()

	layout, err := newDynamicLayout(op, DiskTypeDifferencing, parent.Capacity(), opts, &parentRef{
		id:   parent.ID(),
		ts:   parent.Timestamp(),
		link: link,
	})
	if err != nil {
		return nil, err
	}
	return layout.write(b)
}

type parentRef struct {
	id   uuid.UUID
	ts   time.Time
	link ParentLink
}

// dynamicLayout is the metadata region of a new dynamic or differencing
// disk: footer copy, dynamic header, BAT and parent locator data.
type dynamicLayout struct {
	footer   *Footer
	header   *DynamicHeader
	locators map[int64][]byte
	metaEnd  int64
}

func newDynamicLayout(op string, diskType DiskType, capacity int64, opts CreateOptions, parent *parentRef) (*dynamicLayout, error) {
	bs := opts.BlockSize
	if capacity <= 0 {
		return nil, diskerr.Configf(op, "capacity must be positive, got %d", capacity)
	}
	if bs < SectorSize || bs&(bs-1) != 0 || bs > 1<<31 {
		return nil, diskerr.Configf(op, "block size %d is not a power of two in [512, 2GiB]", bs)
	}
	capacity = roundUp(capacity, SectorSize)
	entries := (capacity + bs - 1) / bs
	if entries > unallocated-1 {
		return nil, diskerr.Configf(op, "capacity %d needs %d blocks, too many for one table", capacity, entries)
	}

	l := &dynamicLayout{
		footer: newFooter(diskType, capacity, opts.ID, opts.Timestamp),
		header: &DynamicHeader{
			TableOffset:     FooterSize + HeaderSize,
			Version:         headerVersion,
			MaxTableEntries: uint32(entries),
			BlockSize:       uint32(bs),
		},
		locators: make(map[int64][]byte),
	}
	l.metaEnd = l.header.TableOffset + l.header.batSize()

	if parent != nil {
		l.header.ParentUniqueID = parent.id
		l.header.ParentTimestamp = parent.ts
		l.header.ParentName = parent.link.name()

		slot := 0
		add := func(code uint32, path string) error {
			if path == "" {
				return nil
			}
			data, err := utf16LE.NewEncoder().Bytes([]byte(path))
			if err != nil {
				return fmt.Errorf("failed to encode parent locator: %w", err)
			}
			space := roundUp(int64(len(data)), locatorDataSpace)
			l.header.Locators[slot] = ParentLocator{
				PlatformCode: code,
				DataSpace:    uint32(space),
				DataLength:   uint32(len(data)),
				DataOffset:   l.metaEnd,
			}
			l.locators[l.metaEnd] = data
			l.metaEnd += space
			slot++
			return nil
		}
		if err := add(PlatformWindowsAbsolute, parent.link.AbsolutePath); err != nil {
			return nil, err
		}
		if err := add(PlatformWindowsRelative, parent.link.RelativePath); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// metadata encodes bytes [0, metaEnd) with the given BAT.
func (l *dynamicLayout) metadata(bat []uint32) ([]byte, error) {
	meta := make([]byte, l.metaEnd)
	copy(meta, l.footer.Marshal())

	hdr, err := l.header.Marshal()
	if err != nil {
		return nil, err
	}
	copy(meta[FooterSize:], hdr)

	table := meta[l.header.TableOffset : l.header.TableOffset+l.header.batSize()]
	for i := range table {
		table[i] = 0xFF
	}
	for i, e := range bat {
		binary.BigEndian.PutUint32(table[i*4:], e)
	}

	for off, data := range l.locators {
		copy(meta[off:], data)
	}
	return meta, nil
}

func (l *dynamicLayout) write(b backend.Backend) (*Image, error) {
	meta, err := l.metadata(nil)
	if err != nil {
		return nil, err
	}
	if err := b.Truncate(0); err != nil {
		return nil, fmt.Errorf("failed to reset backend: %w", err)
	}
	if _, err := b.WriteAt(meta, 0); err != nil {
		return nil, fmt.Errorf("failed to write image metadata: %w", err)
	}
	if _, err := b.WriteAt(l.footer.Marshal(), l.metaEnd); err != nil {
		return nil, fmt.Errorf("failed to write footer: %w", err)
	}
	if err := b.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync new image: %w", err)
	}
	return Open(b)
}
