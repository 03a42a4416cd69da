package vhd

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jbweber/spindle/internal/diskerr"
)

const (
	// SectorSize is the VHD addressing unit.
	SectorSize = 512

	// FooterSize is the size of the footer and of its copy at offset zero.
	FooterSize = 512

	footerCookie   = "conectix"
	formatVersion  = 0x00010000
	featureDefault = 0x00000002

	creatorApp     = "spdl"
	creatorVersion = 0x00010000
	creatorHostOS  = "Wi2k"

	// noDataOffset is stored in the data offset field of fixed disks.
	noDataOffset = -1
)

// vhdEpoch is the origin of footer and parent timestamps.
var vhdEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// DiskType identifies the layout of a VHD file.
type DiskType uint32

const (
	DiskTypeNone         DiskType = 0
	DiskTypeFixed        DiskType = 2
	DiskTypeDynamic      DiskType = 3
	DiskTypeDifferencing DiskType = 4
)

func (t DiskType) String() string {
	switch t {
	case DiskTypeFixed:
		return "fixed"
	case DiskTypeDynamic:
		return "dynamic"
	case DiskTypeDifferencing:
		return "differencing"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// Geometry is the legacy cylinder/head/sector description of a disk.
type Geometry struct {
	Cylinders       uint16 `json:"cylinders" yaml:"cylinders"`
	Heads           uint8  `json:"heads" yaml:"heads"`
	SectorsPerTrack uint8  `json:"sectorsPerTrack" yaml:"sectorsPerTrack"`
}

// Sectors returns the number of sectors addressable through the geometry.
func (g Geometry) Sectors() int64 {
	return int64(g.Cylinders) * int64(g.Heads) * int64(g.SectorsPerTrack)
}

// GeometryForCapacity computes the CHS geometry the VHD format prescribes
// for a disk of the given size in bytes.
func GeometryForCapacity(capacity int64) Geometry {
	total := capacity / SectorSize
	if total > 65535*16*255 {
		total = 65535 * 16 * 255
	}

	var spt, heads, cylTimesHeads int64
	if total >= 65535*16*63 {
		spt = 255
		heads = 16
		cylTimesHeads = total / spt
	} else {
		spt = 17
		cylTimesHeads = total / spt
		heads = max((cylTimesHeads+1023)/1024, 4)

		if cylTimesHeads >= heads*1024 || heads > 16 {
			spt = 31
			heads = 16
			cylTimesHeads = total / spt
		}
		if cylTimesHeads >= heads*1024 {
			spt = 63
			heads = 16
			cylTimesHeads = total / spt
		}
	}

	return Geometry{
		Cylinders:       uint16(cylTimesHeads / heads),
		Heads:           uint8(heads),
		SectorsPerTrack: uint8(spt),
	}
}

// Footer is the 512-byte structure at the end of every VHD file.
type Footer struct {
	Features       uint32
	Version        uint32
	DataOffset     int64
	Timestamp      time.Time
	CreatorApp     string
	CreatorVersion uint32
	CreatorHostOS  string
	OriginalSize   int64
	CurrentSize    int64
	Geometry       Geometry
	DiskType       DiskType
	Checksum       uint32
	UniqueID       uuid.UUID
	SavedState     bool
}

// newFooter returns a footer for a new image.
func newFooter(diskType DiskType, capacity int64, id uuid.UUID, ts time.Time) *Footer {
	f := &Footer{
		Features:       featureDefault,
		Version:        formatVersion,
		DataOffset:     noDataOffset,
		Timestamp:      ts,
		CreatorApp:     creatorApp,
		CreatorVersion: creatorVersion,
		CreatorHostOS:  creatorHostOS,
		OriginalSize:   capacity,
		CurrentSize:    capacity,
		Geometry:       GeometryForCapacity(capacity),
		DiskType:       diskType,
		UniqueID:       id,
	}
	if diskType != DiskTypeFixed {
		f.DataOffset = FooterSize
	}
	return f
}

// ParseFooter decodes and validates a footer read from offset off. The
// returned error is a CorruptFormatError for a bad cookie or checksum and an
// UnsupportedFormatError for an unknown version.
func ParseFooter(b []byte, off int64) (*Footer, error) {
	if len(b) < FooterSize {
		return nil, diskerr.Corruptf("vhd", off, "footer truncated to %d bytes", len(b))
	}
	if cookie := string(b[0:8]); cookie != footerCookie {
		return nil, diskerr.Corrupt("vhd", off, "footer cookie", footerCookie, fmt.Sprintf("%q", cookie))
	}

	f := &Footer{
		Features:       binary.BigEndian.Uint32(b[8:]),
		Version:        binary.BigEndian.Uint32(b[12:]),
		DataOffset:     int64(binary.BigEndian.Uint64(b[16:])),
		Timestamp:      fromVHDTime(binary.BigEndian.Uint32(b[24:])),
		CreatorApp:     string(b[28:32]),
		CreatorVersion: binary.BigEndian.Uint32(b[32:]),
		CreatorHostOS:  string(b[36:40]),
		OriginalSize:   int64(binary.BigEndian.Uint64(b[40:])),
		CurrentSize:    int64(binary.BigEndian.Uint64(b[48:])),
		Geometry: Geometry{
			Cylinders:       binary.BigEndian.Uint16(b[56:]),
			Heads:           b[58],
			SectorsPerTrack: b[59],
		},
		DiskType:   DiskType(binary.BigEndian.Uint32(b[60:])),
		Checksum:   binary.BigEndian.Uint32(b[64:]),
		SavedState: b[84] != 0,
	}
	copy(f.UniqueID[:], b[68:84])

	if sum := checksum(b[:FooterSize], 64); sum != f.Checksum {
		return nil, diskerr.Corrupt("vhd", off+64, "footer checksum", fmt.Sprintf("%#08x", sum), fmt.Sprintf("%#08x", f.Checksum))
	}
	if f.Version != formatVersion {
		return nil, diskerr.Unsupported("vhd", fmt.Sprintf("file format version %#08x", f.Version))
	}
	if f.CurrentSize < 0 {
		return nil, diskerr.Corrupt("vhd", off+48, "current size", ">= 0", f.CurrentSize)
	}
	return f, nil
}

// Marshal encodes the footer, recomputing its checksum.
func (f *Footer) Marshal() []byte {
	b := make([]byte, FooterSize)
	copy(b[0:8], footerCookie)
	binary.BigEndian.PutUint32(b[8:], f.Features)
	binary.BigEndian.PutUint32(b[12:], f.Version)
	binary.BigEndian.PutUint64(b[16:], uint64(f.DataOffset))
	binary.BigEndian.PutUint32(b[24:], toVHDTime(f.Timestamp))
	copy(b[28:32], padASCII(f.CreatorApp, 4))
	binary.BigEndian.PutUint32(b[32:], f.CreatorVersion)
	copy(b[36:40], padASCII(f.CreatorHostOS, 4))
	binary.BigEndian.PutUint64(b[40:], uint64(f.OriginalSize))
	binary.BigEndian.PutUint64(b[48:], uint64(f.CurrentSize))
	binary.BigEndian.PutUint16(b[56:], f.Geometry.Cylinders)
	b[58] = f.Geometry.Heads
	b[59] = f.Geometry.SectorsPerTrack
	binary.BigEndian.PutUint32(b[60:], uint32(f.DiskType))
	copy(b[68:84], f.UniqueID[:])
	if f.SavedState {
		b[84] = 1
	}

	f.Checksum = checksum(b, 64)
	binary.BigEndian.PutUint32(b[64:], f.Checksum)
	return b
}

// checksum is the one's complement of the byte sum of b, skipping the four
// checksum bytes at skip.
func checksum(b []byte, skip int) uint32 {
	var sum uint32
	for i, v := range b {
		if i >= skip && i < skip+4 {
			continue
		}
		sum += uint32(v)
	}
	return ^sum
}

func fromVHDTime(secs uint32) time.Time {
	return vhdEpoch.Add(time.Duration(secs) * time.Second)
}

func toVHDTime(t time.Time) uint32 {
	if t.Before(vhdEpoch) {
		return 0
	}
	return uint32(t.Sub(vhdEpoch) / time.Second)
}

func padASCII(s string, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b
}
