package vhd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/spindle/internal/backend"
	"github.com/jbweber/spindle/internal/diskerr"
	"github.com/jbweber/spindle/internal/stream"
)

var log = logrus.WithField("component", "vhd")

// unallocated marks a BAT entry with no payload block.
const unallocated = 0xFFFFFFFF

// Image is an open VHD file: a fixed, dynamic or differencing disk.
//
// ReadAt and Extents describe only the data held by this file. Sectors a
// differencing disk does not contain read as zeros here; combine layers with
// the chain package to see through to the parent.
type Image struct {
	b      backend.Backend
	footer *Footer
	header *DynamicHeader

	bat        []uint32
	bitmaps    map[int64][]byte
	bitmapSize int64
	blockSize  int64

	footerBytes    []byte
	nextBlockStart int64
	closed         bool
}

var _ stream.Stream = (*Image)(nil)

// Open parses the footer, dynamic header and BAT of a VHD held by b. The
// image is writable when b is. Closing the image closes b.
func Open(b backend.Backend) (*Image, error) {
	size, err := b.Size()
	if err != nil {
		return nil, fmt.Errorf("failed to get image size: %w", err)
	}
	if size < FooterSize {
		return nil, diskerr.Corrupt("vhd", 0, "file size", fmt.Sprintf(">= %d", FooterSize), size)
	}

	footerPos := size/SectorSize*SectorSize - FooterSize
	buf := make([]byte, FooterSize)
	if err := readAt(b, buf, footerPos); err != nil {
		return nil, fmt.Errorf("failed to read footer: %w", err)
	}

	trailerValid := true
	footer, err := ParseFooter(buf, footerPos)
	if err != nil {
		if diskerr.IsUnsupported(err) {
			return nil, err
		}
		trailerValid = false
		footer, err = footerCopy(b, err)
		if err != nil {
			return nil, err
		}
	}

	img := &Image{
		b:           b,
		footer:      footer,
		footerBytes: footer.Marshal(),
		blockSize:   DefaultBlockSize,
	}

	switch footer.DiskType {
	case DiskTypeFixed:
		if footerPos < footer.CurrentSize {
			return nil, diskerr.Corrupt("vhd", footerPos, "fixed disk data length", fmt.Sprintf(">= %d", footer.CurrentSize), footerPos)
		}
		return img, nil
	case DiskTypeDynamic, DiskTypeDifferencing:
	default:
		return nil, diskerr.Unsupported("vhd", fmt.Sprintf("disk type %d", uint32(footer.DiskType)))
	}

	dataEnd := size
	if trailerValid {
		dataEnd = footerPos
	}
	firstBlock, err := img.loadDynamic(dataEnd)
	if err != nil {
		return nil, err
	}

	img.nextBlockStart = roundUp(size, SectorSize)
	if trailerValid {
		img.nextBlockStart = footerPos
	}
	if firstBlock >= 0 {
		// New blocks stay on the stride of the existing ones.
		stride := img.bitmapSize + img.blockSize
		img.nextBlockStart = firstBlock + roundUp(img.nextBlockStart-firstBlock, stride)
	}

	log.WithFields(logrus.Fields{
		"type":     footer.DiskType,
		"capacity": footer.CurrentSize,
		"blocks":   len(img.bat),
	}).Debug("opened vhd image")
	return img, nil
}

// footerCopy falls back to the footer copy at offset zero when the trailing
// footer is damaged. Fixed disks have no copy, so trailerErr is returned.
func footerCopy(b backend.Backend, trailerErr error) (*Footer, error) {
	buf := make([]byte, FooterSize)
	if err := readAt(b, buf, 0); err != nil {
		return nil, trailerErr
	}
	f, err := ParseFooter(buf, 0)
	if err != nil || f.DiskType == DiskTypeFixed {
		return nil, trailerErr
	}
	log.WithError(trailerErr).Warn("trailing footer invalid, using copy at offset 0")
	return f, nil
}

// loadDynamic reads the dynamic header and BAT. Every stored block must lie
// between the BAT and dataEnd, on the block stride, and be referenced by a
// single entry. It returns the offset of the lowest stored block, or -1.
func (img *Image) loadDynamic(dataEnd int64) (int64, error) {
	f := img.footer
	if f.DataOffset < FooterSize || f.DataOffset%SectorSize != 0 {
		return -1, diskerr.Corrupt("vhd", 16, "data offset", "sector aligned offset >= 512", f.DataOffset)
	}

	buf := make([]byte, HeaderSize)
	if err := readAt(img.b, buf, f.DataOffset); err != nil {
		return -1, fmt.Errorf("failed to read dynamic header: %w", err)
	}
	h, err := ParseHeader(buf, f.DataOffset)
	if err != nil {
		return -1, err
	}

	img.header = h
	img.blockSize = int64(h.BlockSize)
	img.bitmapSize = h.bitmapSize()

	if need := img.BlockCount(); int64(h.MaxTableEntries) < need {
		return -1, diskerr.Corrupt("vhd", f.DataOffset+28, "max table entries", fmt.Sprintf(">= %d", need), h.MaxTableEntries)
	}
	if f.DiskType == DiskTypeDifferencing && h.ParentUniqueID == uuid.Nil {
		return -1, diskerr.Corrupt("vhd", f.DataOffset+40, "parent unique id", "non-nil", uuid.Nil)
	}

	raw := make([]byte, int64(h.MaxTableEntries)*4)
	if err := readAt(img.b, raw, h.TableOffset); err != nil {
		return -1, fmt.Errorf("failed to read block allocation table: %w", err)
	}

	batEnd := h.TableOffset + h.batSize()
	stride := img.bitmapSize + img.blockSize
	firstBlock := int64(-1)
	img.bat = make([]uint32, h.MaxTableEntries)
	for i := range img.bat {
		entry := binary.BigEndian.Uint32(raw[i*4:])
		img.bat[i] = entry
		if entry == unallocated {
			continue
		}
		start := int64(entry) * SectorSize
		if start < batEnd || start+stride > dataEnd {
			return -1, diskerr.Corrupt("vhd", h.TableOffset+int64(i)*4, fmt.Sprintf("BAT entry %d", i),
				fmt.Sprintf("block within sectors [%d,%d)", batEnd/SectorSize, dataEnd/SectorSize), entry)
		}
		if firstBlock < 0 || start < firstBlock {
			firstBlock = start
		}
	}

	seen := make(map[int64]int)
	for i, entry := range img.bat {
		if entry == unallocated {
			continue
		}
		at := h.TableOffset + int64(i)*4
		rel := int64(entry)*SectorSize - firstBlock
		if rel%stride != 0 {
			return -1, diskerr.Corrupt("vhd", at, fmt.Sprintf("BAT entry %d", i),
				fmt.Sprintf("multiple of %d sectors from sector %d", stride/SectorSize, firstBlock/SectorSize), entry)
		}
		if prev, ok := seen[rel/stride]; ok {
			return -1, diskerr.Corrupt("vhd", at, fmt.Sprintf("BAT entry %d", i),
				fmt.Sprintf("block not shared with entry %d", prev), entry)
		}
		seen[rel/stride] = i
	}

	img.bitmaps = make(map[int64][]byte)
	return firstBlock, nil
}

// Footer returns a copy of the footer in use.
func (img *Image) Footer() Footer {
	return *img.footer
}

// Header returns a copy of the dynamic header, or nil for fixed disks.
func (img *Image) Header() *DynamicHeader {
	if img.header == nil {
		return nil
	}
	h := *img.header
	return &h
}

// Type returns the disk type.
func (img *Image) Type() DiskType {
	return img.footer.DiskType
}

// ID returns the unique id stored in the footer.
func (img *Image) ID() uuid.UUID {
	return img.footer.UniqueID
}

// Timestamp returns the creation time stored in the footer.
func (img *Image) Timestamp() time.Time {
	return img.footer.Timestamp
}

// ParentID returns the unique id of the parent of a differencing disk, or
// uuid.Nil.
func (img *Image) ParentID() uuid.UUID {
	if img.footer.DiskType != DiskTypeDifferencing {
		return uuid.Nil
	}
	return img.header.ParentUniqueID
}

// ParentName returns the parent file name recorded in a differencing disk.
func (img *Image) ParentName() string {
	if img.footer.DiskType != DiskTypeDifferencing {
		return ""
	}
	return img.header.ParentName
}

// Capacity returns the virtual disk size in bytes.
func (img *Image) Capacity() int64 {
	return img.footer.CurrentSize
}

// BlockSize returns the allocation unit. Fixed disks report the default
// dynamic block size so callers can address them the same way.
func (img *Image) BlockSize() int64 {
	return img.blockSize
}

// BlockCount returns the number of blocks covering the capacity.
func (img *Image) BlockCount() int64 {
	return (img.Capacity() + img.blockSize - 1) / img.blockSize
}

// AllocatedBlocks returns how many BAT entries point at payload.
func (img *Image) AllocatedBlocks() int64 {
	if img.header == nil {
		return img.BlockCount()
	}
	var n int64
	for _, e := range img.bat {
		if e != unallocated {
			n++
		}
	}
	return n
}

// Size returns the capacity.
func (img *Image) Size() int64 {
	return img.Capacity()
}

// Writable reports whether the backend accepts writes.
func (img *Image) Writable() bool {
	return img.b.Writable()
}

// Close releases the backend.
func (img *Image) Close() error {
	if img.closed {
		return nil
	}
	img.closed = true
	return img.b.Close()
}

func (img *Image) checkBlock(block int64) error {
	if block < 0 || block >= img.BlockCount() {
		return fmt.Errorf("block %d out of range [0,%d)", block, img.BlockCount())
	}
	return nil
}

// SectorBitmap returns the sector presence bitmap of a block, most
// significant bit first. allocated is false when the block has no payload.
// A nil bitmap with allocated true means every sector is present, as for
// fixed disks. The returned slice must not be modified.
func (img *Image) SectorBitmap(block int64) ([]byte, bool, error) {
	if err := img.checkBlock(block); err != nil {
		return nil, false, err
	}
	if img.header == nil {
		return nil, true, nil
	}
	return img.loadBitmap(block)
}

func (img *Image) loadBitmap(block int64) ([]byte, bool, error) {
	entry := img.bat[block]
	if entry == unallocated {
		return nil, false, nil
	}
	if bm, ok := img.bitmaps[block]; ok {
		return bm, true, nil
	}
	bm := make([]byte, img.bitmapSize)
	if err := readAt(img.b, bm, int64(entry)*SectorSize); err != nil {
		return nil, false, fmt.Errorf("failed to read sector bitmap of block %d: %w", block, err)
	}
	img.bitmaps[block] = bm
	return bm, true, nil
}

func (img *Image) dataOffset(block int64) int64 {
	return int64(img.bat[block])*SectorSize + img.bitmapSize
}

// ReadBlock returns the payload of a block. allocated is false, and data nil,
// when the block has no payload; the caller decides what that means.
func (img *Image) ReadBlock(block int64) ([]byte, bool, error) {
	if err := img.checkBlock(block); err != nil {
		return nil, false, err
	}
	if img.header != nil && img.bat[block] == unallocated {
		return nil, false, nil
	}

	data := make([]byte, img.blockSize)
	start := block * img.blockSize
	n := min(img.blockSize, img.Capacity()-start)
	if _, err := img.ReadAt(data[:n], start); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	return data, true, nil
}

// WriteBlock stores a full block. A new block is written out completely and
// synced before the BAT entry that references it.
func (img *Image) WriteBlock(block int64, data []byte) error {
	if err := img.checkBlock(block); err != nil {
		return err
	}
	if int64(len(data)) != img.blockSize {
		return diskerr.Configf("vhd.WriteBlock", "block data is %d bytes, want %d", len(data), img.blockSize)
	}
	if !img.Writable() {
		return stream.ErrReadOnly
	}

	if img.header == nil {
		start := block * img.blockSize
		n := min(img.blockSize, img.Capacity()-start)
		_, err := img.b.WriteAt(data[:n], start)
		return err
	}
	return img.writeSectors(block, 0, data)
}

// ReadAt reads the data held by this file. Reads at or past the capacity
// return io.EOF.
func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at negative offset %d", off)
	}
	n := len(p)
	short := false
	if off >= img.Capacity() {
		if n == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	if avail := img.Capacity() - off; int64(n) > avail {
		n = int(avail)
		short = true
	}

	var err error
	if img.header == nil {
		err = readAt(img.b, p[:n], off)
	} else {
		err = img.readDynamic(p[:n], off)
	}
	if err != nil {
		return 0, err
	}
	if short {
		return n, io.EOF
	}
	return n, nil
}

func (img *Image) readDynamic(p []byte, off int64) error {
	bs := img.blockSize
	end := off + int64(len(p))
	for pos := off; pos < end; {
		block := pos / bs
		blockStart := block * bs
		stop := min(end, blockStart+bs)

		bm, ok, err := img.loadBitmap(block)
		if err != nil {
			return err
		}
		if !ok {
			clear(p[pos-off : stop-off])
			pos = stop
			continue
		}

		for pos < stop {
			present := bitSet(bm, (pos-blockStart)/SectorSize)
			runEnd := min(stop, blockStart+((pos-blockStart)/SectorSize+1)*SectorSize)
			for runEnd < stop && bitSet(bm, (runEnd-blockStart)/SectorSize) == present {
				runEnd = min(stop, runEnd+SectorSize)
			}
			if present {
				if err := readAt(img.b, p[pos-off:runEnd-off], img.dataOffset(block)+pos-blockStart); err != nil {
					return fmt.Errorf("failed to read block %d: %w", block, err)
				}
			} else {
				clear(p[pos-off : runEnd-off])
			}
			pos = runEnd
		}
	}
	return nil
}

// WriteAt writes p at off. Partial sectors are merged with the sector's
// current content in this file.
func (img *Image) WriteAt(p []byte, off int64) (int, error) {
	if !img.Writable() {
		return 0, stream.ErrReadOnly
	}
	if off < 0 || off+int64(len(p)) > img.Capacity() {
		return 0, stream.ErrOutOfRange
	}
	if img.header == nil {
		return img.b.WriteAt(p, off)
	}

	bs := img.blockSize
	end := off + int64(len(p))
	for pos := off; pos < end; {
		block := pos / bs
		blockStart := block * bs
		inBlock := pos - blockStart
		sector := inBlock / SectorSize

		if inBlock%SectorSize != 0 || end-pos < SectorSize {
			// Read-modify-write of one sector.
			sectorStart := blockStart + sector*SectorSize
			buf := make([]byte, SectorSize)
			if _, err := img.ReadAt(buf, sectorStart); err != nil && !errors.Is(err, io.EOF) {
				return int(pos - off), err
			}
			stop := min(end, sectorStart+SectorSize)
			copy(buf[pos-sectorStart:], p[pos-off:stop-off])
			if err := img.writeSectors(block, sector, buf); err != nil {
				return int(pos - off), err
			}
			pos = stop
			continue
		}

		stop := min(end, blockStart+bs)
		whole := (stop - pos) / SectorSize * SectorSize
		if err := img.writeSectors(block, sector, p[pos-off:pos-off+whole]); err != nil {
			return int(pos - off), err
		}
		pos += whole
	}
	return len(p), nil
}

// writeSectors writes whole sectors starting at sector within block and
// marks them present.
func (img *Image) writeSectors(block, sector int64, data []byte) error {
	count := int64(len(data)) / SectorSize

	bm, ok, err := img.loadBitmap(block)
	if err != nil {
		return err
	}
	if !ok {
		return img.allocate(block, sector, data)
	}

	if _, err := img.b.WriteAt(data, img.dataOffset(block)+sector*SectorSize); err != nil {
		return fmt.Errorf("failed to write block %d: %w", block, err)
	}

	changed := false
	for s := sector; s < sector+count; s++ {
		if !bitSet(bm, s) {
			setBit(bm, s)
			changed = true
		}
	}
	if !changed {
		return nil
	}

	// Sectors become visible through the bitmap only after their data is
	// durable.
	if err := img.b.Sync(); err != nil {
		return fmt.Errorf("failed to sync block %d: %w", block, err)
	}
	if _, err := img.b.WriteAt(bm, int64(img.bat[block])*SectorSize); err != nil {
		return fmt.Errorf("failed to write sector bitmap of block %d: %w", block, err)
	}
	return nil
}

// allocate appends a new block holding data at sector, relocates the footer
// behind it, syncs, and only then points the BAT entry at it.
func (img *Image) allocate(block, sector int64, data []byte) error {
	start := img.nextBlockStart
	if start/SectorSize >= unallocated {
		return fmt.Errorf("image is full: block %d would start at sector %d", block, start/SectorSize)
	}

	bm := make([]byte, img.bitmapSize)
	for s := sector; s < sector+int64(len(data))/SectorSize; s++ {
		setBit(bm, s)
	}

	if _, err := img.b.WriteAt(bm, start); err != nil {
		return fmt.Errorf("failed to write sector bitmap of block %d: %w", block, err)
	}
	if _, err := img.b.WriteAt(data, start+img.bitmapSize+sector*SectorSize); err != nil {
		return fmt.Errorf("failed to write block %d: %w", block, err)
	}
	next := start + img.bitmapSize + img.blockSize
	if _, err := img.b.WriteAt(img.footerBytes, next); err != nil {
		return fmt.Errorf("failed to relocate footer: %w", err)
	}
	if err := img.b.Sync(); err != nil {
		return fmt.Errorf("failed to sync block %d: %w", block, err)
	}

	entry := make([]byte, 4)
	binary.BigEndian.PutUint32(entry, uint32(start/SectorSize))
	if _, err := img.b.WriteAt(entry, img.header.TableOffset+block*4); err != nil {
		return fmt.Errorf("failed to update BAT entry %d: %w", block, err)
	}
	if err := img.b.Sync(); err != nil {
		return fmt.Errorf("failed to sync BAT entry %d: %w", block, err)
	}

	img.bat[block] = uint32(start / SectorSize)
	img.bitmaps[block] = bm
	img.nextBlockStart = next

	log.WithFields(logrus.Fields{"block": block, "offset": start}).Debug("allocated block")
	return nil
}

// Extents yields the ranges whose sectors are present in this file.
func (img *Image) Extents(off, n int64) iter.Seq[stream.Extent] {
	if img.header == nil {
		return stream.Seq([]stream.Extent{{Start: 0, Length: img.Capacity()}}, off, n)
	}

	return func(yield func(stream.Extent) bool) {
		off := max(off, 0)
		end := min(off+n, img.Capacity())
		bs := img.blockSize

		var pending stream.Extent
		emit := func(e stream.Extent) bool {
			if pending.Length > 0 && pending.End() == e.Start {
				pending.Length += e.Length
				return true
			}
			if pending.Length > 0 && !yield(pending) {
				return false
			}
			pending = e
			return true
		}

		for block := off / bs; block*bs < end; block++ {
			blockStart := block * bs
			bm, ok, err := img.loadBitmap(block)
			if err != nil {
				// Report the block so a reader reaches the error.
				log.WithError(err).WithField("block", block).Debug("bitmap unreadable")
				bm, ok = nil, true
			}
			if !ok {
				continue
			}
			for s := int64(0); s < bs/SectorSize; s++ {
				if bm != nil && !bitSet(bm, s) {
					continue
				}
				if c, ok := (stream.Extent{Start: blockStart + s*SectorSize, Length: SectorSize}).Clip(off, end-off); ok {
					if !emit(c) {
						return
					}
				}
			}
		}
		if pending.Length > 0 {
			yield(pending)
		}
	}
}

// LocatorPath is a parent location recorded in a differencing disk.
type LocatorPath struct {
	PlatformCode uint32
	Path         string
}

// Relative reports whether the path is relative to the child's directory.
func (l LocatorPath) Relative() bool {
	return l.PlatformCode == PlatformWindowsRelative
}

// ParentLocations returns the parent paths recorded in the locator table,
// relative paths first.
func (img *Image) ParentLocations() ([]LocatorPath, error) {
	if img.footer.DiskType != DiskTypeDifferencing {
		return nil, nil
	}

	var rel, abs []LocatorPath
	for i, l := range img.header.Locators {
		if l.PlatformCode != PlatformWindowsRelative && l.PlatformCode != PlatformWindowsAbsolute {
			continue
		}
		if l.DataLength == 0 || l.DataLength > 32*1024 {
			continue
		}
		buf := make([]byte, l.DataLength)
		if err := readAt(img.b, buf, l.DataOffset); err != nil {
			return nil, fmt.Errorf("failed to read parent locator %d: %w", i, err)
		}
		path, err := decodeUTF16(utf16LE, buf)
		if err != nil {
			return nil, &diskerr.CorruptFormatError{Format: "vhd", Offset: l.DataOffset, Field: fmt.Sprintf("parent locator %d", i), Err: err}
		}
		lp := LocatorPath{PlatformCode: l.PlatformCode, Path: path}
		if lp.Relative() {
			rel = append(rel, lp)
		} else {
			abs = append(abs, lp)
		}
	}
	return append(rel, abs...), nil
}

// Info summarizes an image for display.
type Info struct {
	Type            string    `json:"type" yaml:"type"`
	Capacity        int64     `json:"capacity" yaml:"capacity"`
	BlockSize       int64     `json:"blockSize,omitempty" yaml:"blockSize,omitempty"`
	TotalBlocks     int64     `json:"totalBlocks,omitempty" yaml:"totalBlocks,omitempty"`
	AllocatedBlocks int64     `json:"allocatedBlocks,omitempty" yaml:"allocatedBlocks,omitempty"`
	ID              string    `json:"id" yaml:"id"`
	ParentID        string    `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	ParentName      string    `json:"parentName,omitempty" yaml:"parentName,omitempty"`
	Created         time.Time `json:"created" yaml:"created"`
	Creator         string    `json:"creator" yaml:"creator"`
	Geometry        Geometry  `json:"geometry" yaml:"geometry"`
}

// Info returns a summary of the image.
func (img *Image) Info() Info {
	info := Info{
		Type:     img.Type().String(),
		Capacity: img.Capacity(),
		ID:       img.ID().String(),
		Created:  img.Timestamp(),
		Creator:  img.footer.CreatorApp,
		Geometry: img.footer.Geometry,
	}
	if img.header != nil {
		info.BlockSize = img.blockSize
		info.TotalBlocks = img.BlockCount()
		info.AllocatedBlocks = img.AllocatedBlocks()
	}
	if id := img.ParentID(); id != uuid.Nil {
		info.ParentID = id.String()
		info.ParentName = img.ParentName()
	}
	return info
}

func bitSet(bm []byte, sector int64) bool {
	return bm[sector/8]&(0x80>>(sector%8)) != 0
}

func setBit(bm []byte, sector int64) {
	bm[sector/8] |= 0x80 >> (sector % 8)
}

// readAt fills p from r at off; a short read is an error.
func readAt(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("short read at %d: %w", off, io.ErrUnexpectedEOF)
	}
	return err
}
