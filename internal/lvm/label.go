// Package lvm decodes LVM2 physical volume labels and volume group metadata.
//
// A physical volume carries a label in one of its first four sectors. The
// label points at a PV header listing the data area, where extents live,
// and the metadata areas, each a ring buffer holding the text description
// of the whole volume group. Every copy carries a sequence number; the
// highest one wins.
//
// On-Disk Layout (little-endian):
//
//	label     "LABELONE" | sector u64 | crc u32 | pv header offset u32 | "LVM2 001"
//	pv header uuid [32] | device size u64 | data areas | 0 | metadata areas | 0
//	mda       crc u32 | " LVM2 x[5A%r0N*>" | version u32 | start u64 | size u64 | raw locations
//
// All checksums use the LVM2 variant of CRC-32: the IEEE polynomial with an
// initial value of 0xf597a6cf and no final inversion.
package lvm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/spindle/internal/diskerr"
)

var log = logrus.WithField("component", "lvm")

const (
	SectorSize = 512

	labelID          = "LABELONE"
	labelType        = "LVM2 001"
	labelScanSectors = 4
	labelCRCStart    = 20

	mdaMagic      = " LVM2 x[5A%r0N*>"
	mdaVersion    = 1
	mdaHeaderSize = 512
	rawLocnOffset = 40
	rawLocnSize   = 24
	rawLocnIgnore = 1

	idLength   = 32
	initialCRC = 0xf597a6cf

	// maxMetadataText bounds a single metadata copy.
	maxMetadataText = 16 << 20
)

var (
	// ErrNoLabel reports a device without an LVM2 label.
	ErrNoLabel = errors.New("no LVM2 label")

	// ErrNoMetadata reports a physical volume that carries no metadata
	// area; its group is described by the other members.
	ErrNoMetadata = errors.New("physical volume has no metadata area")
)

// DiskArea is a byte range of a physical volume.
type DiskArea struct {
	Offset uint64
	Size   uint64
}

// Label is a decoded PV label and header.
type Label struct {
	// Sector is where the label was found.
	Sector uint64
	// PVID is the physical volume id in its dashed form.
	PVID          string
	DeviceSize    uint64
	DataAreas     []DiskArea
	MetadataAreas []DiskArea
}

// Checksum computes the LVM2 CRC-32 of p.
func Checksum(p []byte) uint32 {
	return ^crc32.Update(^uint32(initialCRC), crc32.IEEETable, p)
}

// ReadLabel looks for a label in the first sectors of a device of size
// bytes. It returns ErrNoLabel when none is present.
func ReadLabel(r io.ReaderAt, size int64) (*Label, error) {
	sector := make([]byte, SectorSize)
	for s := int64(0); s < labelScanSectors && (s+1)*SectorSize <= size; s++ {
		if err := readFull(r, sector, s*SectorSize); err != nil {
			return nil, fmt.Errorf("failed to read sector %d: %w", s, err)
		}
		if string(sector[:8]) != labelID {
			continue
		}
		return decodeLabel(sector, s*SectorSize)
	}
	return nil, ErrNoLabel
}

func decodeLabel(sector []byte, off int64) (*Label, error) {
	if typ := string(sector[24:32]); typ != labelType {
		return nil, diskerr.Unsupported("lvm2 label", typ)
	}
	want := binary.LittleEndian.Uint32(sector[16:])
	if crc := Checksum(sector[labelCRCStart:]); crc != want {
		return nil, diskerr.Corrupt("lvm2", off+16, "label CRC", fmt.Sprintf("0x%08x", want), fmt.Sprintf("0x%08x", crc))
	}

	l := &Label{Sector: binary.LittleEndian.Uint64(sector[8:])}
	if l.Sector != uint64(off/SectorSize) {
		return nil, diskerr.Corrupt("lvm2", off+8, "label sector", off/SectorSize, l.Sector)
	}
	hdr := binary.LittleEndian.Uint32(sector[20:])
	if hdr < 32 || int(hdr)+idLength+8 > SectorSize {
		return nil, diskerr.Corrupt("lvm2", off+20, "pv header offset", "[32, 472]", hdr)
	}

	b := sector[hdr:]
	l.PVID = FormatID(string(b[:idLength]))
	l.DeviceSize = binary.LittleEndian.Uint64(b[idLength:])

	areas, rest, err := decodeAreas(b[idLength+8:], off+int64(hdr)+idLength+8)
	if err != nil {
		return nil, err
	}
	l.DataAreas = areas
	l.MetadataAreas, _, err = decodeAreas(rest, off+int64(hdr)+int64(len(b)-len(rest)))
	if err != nil {
		return nil, err
	}
	return l, nil
}

// decodeAreas reads a zero-terminated list of disk areas.
func decodeAreas(b []byte, off int64) ([]DiskArea, []byte, error) {
	var out []DiskArea
	for {
		if len(b) < 16 {
			return nil, nil, diskerr.Corruptf("lvm2", off, "unterminated disk area list")
		}
		a := DiskArea{Offset: binary.LittleEndian.Uint64(b), Size: binary.LittleEndian.Uint64(b[8:])}
		b = b[16:]
		off += 16
		if a.Offset == 0 {
			return out, b, nil
		}
		out = append(out, a)
	}
}

// DataOffset returns the byte offset of the first data area.
func (l *Label) DataOffset() uint64 {
	if len(l.DataAreas) == 0 {
		return 0
	}
	return l.DataAreas[0].Offset
}

// ReadMetadata returns the newest volume group description found in the
// label's metadata areas.
func ReadMetadata(r io.ReaderAt, l *Label) (*VolumeGroup, error) {
	if len(l.MetadataAreas) == 0 {
		return nil, ErrNoMetadata
	}

	var best *VolumeGroup
	var errs []error
	for _, area := range l.MetadataAreas {
		text, err := readMetadataArea(r, area)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		vg, err := ParseMetadata(text)
		if err != nil {
			errs = append(errs, fmt.Errorf("metadata area at %d: %w", area.Offset, err))
			continue
		}
		if best == nil || vg.Seqno > best.Seqno {
			best = vg
		}
	}
	if best == nil {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		log.WithError(err).WithField("pv", l.PVID).Warn("ignoring bad metadata copy")
	}
	return best, nil
}

func readMetadataArea(r io.ReaderAt, area DiskArea) ([]byte, error) {
	off := int64(area.Offset)
	hdr := make([]byte, mdaHeaderSize)
	if err := readFull(r, hdr, off); err != nil {
		return nil, fmt.Errorf("failed to read metadata area header at %d: %w", off, err)
	}

	if string(hdr[4:20]) != mdaMagic {
		return nil, diskerr.Corrupt("lvm2", off+4, "metadata area magic", fmt.Sprintf("%q", mdaMagic), fmt.Sprintf("%q", hdr[4:20]))
	}
	want := binary.LittleEndian.Uint32(hdr)
	if crc := Checksum(hdr[4:]); crc != want {
		return nil, diskerr.Corrupt("lvm2", off, "metadata area header CRC", fmt.Sprintf("0x%08x", want), fmt.Sprintf("0x%08x", crc))
	}
	if v := binary.LittleEndian.Uint32(hdr[20:]); v != mdaVersion {
		return nil, diskerr.Unsupported("lvm2 metadata area", fmt.Sprintf("version %d", v))
	}
	start := binary.LittleEndian.Uint64(hdr[24:])
	size := binary.LittleEndian.Uint64(hdr[32:])
	if start != area.Offset || size <= mdaHeaderSize {
		return nil, diskerr.Corrupt("lvm2", off+24, "metadata area start", area.Offset, start)
	}

	for p := rawLocnOffset; p+rawLocnSize <= mdaHeaderSize; p += rawLocnSize {
		rl := hdr[p:]
		locOff := binary.LittleEndian.Uint64(rl)
		locSize := binary.LittleEndian.Uint64(rl[8:])
		checksum := binary.LittleEndian.Uint32(rl[16:])
		flags := binary.LittleEndian.Uint32(rl[20:])
		if locOff == 0 {
			break
		}
		if flags&rawLocnIgnore != 0 {
			continue
		}
		if locOff < mdaHeaderSize || locOff >= size || locSize > size-mdaHeaderSize || locSize > maxMetadataText {
			return nil, diskerr.Corruptf("lvm2", off+int64(p), "metadata location [%d+%d] outside area of %d bytes", locOff, locSize, size)
		}

		text := make([]byte, locSize)
		first := min(locSize, size-locOff)
		if err := readFull(r, text[:first], off+int64(locOff)); err != nil {
			return nil, fmt.Errorf("failed to read metadata text: %w", err)
		}
		// The ring buffer wraps to just past the header.
		if first < locSize {
			if err := readFull(r, text[first:], off+mdaHeaderSize); err != nil {
				return nil, fmt.Errorf("failed to read wrapped metadata text: %w", err)
			}
		}
		if crc := Checksum(text); crc != checksum {
			return nil, diskerr.Corrupt("lvm2", off+int64(locOff), "metadata text CRC", fmt.Sprintf("0x%08x", checksum), fmt.Sprintf("0x%08x", crc))
		}
		return bytes.TrimRight(text, "\x00"), nil
	}
	return nil, diskerr.Corruptf("lvm2", off+rawLocnOffset, "metadata area holds no metadata")
}

// FormatID inserts the dashes of LVM's printed id form into a raw 32
// character id. Ids of any other length are returned unchanged.
func FormatID(raw string) string {
	if len(raw) != idLength {
		return raw
	}
	groups := []int{6, 4, 4, 4, 4, 4, 6}
	var b bytes.Buffer
	pos := 0
	for i, n := range groups {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(raw[pos : pos+n])
		pos += n
	}
	return b.String()
}

// RawID strips the dashes from a printed id.
func RawID(id string) string {
	return string(bytes.ReplaceAll([]byte(id), []byte("-"), nil))
}

func readFull(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
