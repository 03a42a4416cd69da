package partition

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"

	"github.com/jbweber/spindle/internal/diskerr"
)

const (
	gptSignature     = "EFI PART"
	gptRevision      = 0x00010000
	gptHeaderSize    = 92
	gptEntrySize     = 128
	gptEntryCount    = 128
	gptNameOffset    = 56
	gptNameLength    = 72
	maxGPTEntryBytes = 4 << 20
)

var errNoGPT = errors.New("no GPT header")

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

type gptHeader struct {
	headerSize     uint32
	currentLBA     uint64
	backupLBA      uint64
	firstUsableLBA uint64
	lastUsableLBA  uint64
	diskGUID       uuid.UUID
	entriesLBA     uint64
	entryCount     uint32
	entrySize      uint32
	entriesCRC     uint32
}

// parseGPT decodes the primary GPT. A checksum mismatch is an error; the
// backup header is never consulted.
func parseGPT(r io.ReaderAt, size int64) (*Table, error) {
	sector := make([]byte, SectorSize)
	if err := readSector(r, sector, SectorSize); err != nil {
		return nil, fmt.Errorf("failed to read GPT header: %w", err)
	}
	if string(sector[:8]) != gptSignature {
		return nil, errNoGPT
	}

	h, err := decodeGPTHeader(sector)
	if err != nil {
		return nil, err
	}

	totalSectors := uint64(size / SectorSize)
	if h.firstUsableLBA > h.lastUsableLBA || h.lastUsableLBA >= totalSectors {
		return nil, diskerr.Corrupt("gpt", SectorSize+48, "last usable LBA", fmt.Sprintf("< %d", totalSectors), h.lastUsableLBA)
	}
	arrayBytes := uint64(h.entryCount) * uint64(h.entrySize)
	if arrayBytes > maxGPTEntryBytes {
		return nil, diskerr.Corrupt("gpt", SectorSize+80, "entry array size", fmt.Sprintf("<= %d", maxGPTEntryBytes), arrayBytes)
	}
	if h.entriesLBA < 2 || h.entriesLBA+(arrayBytes+SectorSize-1)/SectorSize > totalSectors {
		return nil, diskerr.Corrupt("gpt", SectorSize+72, "entry array LBA", "inside disk", h.entriesLBA)
	}

	array := make([]byte, arrayBytes)
	if err := readSector(r, array, int64(h.entriesLBA)*SectorSize); err != nil {
		return nil, fmt.Errorf("failed to read GPT entry array: %w", err)
	}
	if crc := crc32.ChecksumIEEE(array); crc != h.entriesCRC {
		return nil, diskerr.Corrupt("gpt", int64(h.entriesLBA)*SectorSize, "entry array CRC32",
			fmt.Sprintf("0x%08x", h.entriesCRC), fmt.Sprintf("0x%08x", crc))
	}

	t := &Table{Scheme: SchemeGPT, DiskGUID: h.diskGUID}
	for i := range int(h.entryCount) {
		e := array[i*int(h.entrySize):][:gptEntrySize]
		typeGUID := decodeGUID(e[0:16])
		if typeGUID == uuid.Nil {
			continue
		}
		first := binary.LittleEndian.Uint64(e[32:])
		last := binary.LittleEndian.Uint64(e[40:])
		off := int64(h.entriesLBA)*SectorSize + int64(i)*int64(h.entrySize)
		if last < first || first < h.firstUsableLBA || last > h.lastUsableLBA {
			return nil, diskerr.Corruptf("gpt", off, "entry %d range [%d, %d] outside usable [%d, %d]",
				i+1, first, last, h.firstUsableLBA, h.lastUsableLBA)
		}

		attrs := binary.LittleEndian.Uint64(e[48:])
		t.Records = append(t.Records, Record{
			Index:       i + 1,
			StartSector: int64(first),
			SectorCount: int64(last - first + 1),
			TypeGUID:    typeGUID,
			GUID:        decodeGUID(e[16:32]),
			// Legacy BIOS bootable attribute.
			Bootable: attrs&(1<<2) != 0,
			Name:     decodeName(e[gptNameOffset : gptNameOffset+gptNameLength]),
			Scheme:   SchemeGPT,
		})
	}

	sortRecords(t.Records)
	log.WithField("disk", t.DiskGUID).Debugf("decoded GPT with %d partitions", len(t.Records))
	return t, nil
}

func decodeGPTHeader(sector []byte) (*gptHeader, error) {
	if rev := binary.LittleEndian.Uint32(sector[8:]); rev != gptRevision {
		return nil, diskerr.Unsupported("gpt", fmt.Sprintf("revision 0x%08x", rev))
	}
	h := &gptHeader{headerSize: binary.LittleEndian.Uint32(sector[12:])}
	if h.headerSize < gptHeaderSize || h.headerSize > SectorSize {
		return nil, diskerr.Corrupt("gpt", SectorSize+12, "header size", fmt.Sprintf("[%d, %d]", gptHeaderSize, SectorSize), h.headerSize)
	}

	want := binary.LittleEndian.Uint32(sector[16:])
	buf := bytes.Clone(sector[:h.headerSize])
	clear(buf[16:20])
	if crc := crc32.ChecksumIEEE(buf); crc != want {
		return nil, diskerr.Corrupt("gpt", SectorSize+16, "header CRC32", fmt.Sprintf("0x%08x", want), fmt.Sprintf("0x%08x", crc))
	}

	h.currentLBA = binary.LittleEndian.Uint64(sector[24:])
	h.backupLBA = binary.LittleEndian.Uint64(sector[32:])
	h.firstUsableLBA = binary.LittleEndian.Uint64(sector[40:])
	h.lastUsableLBA = binary.LittleEndian.Uint64(sector[48:])
	h.diskGUID = decodeGUID(sector[56:72])
	h.entriesLBA = binary.LittleEndian.Uint64(sector[72:])
	h.entryCount = binary.LittleEndian.Uint32(sector[80:])
	h.entrySize = binary.LittleEndian.Uint32(sector[84:])
	h.entriesCRC = binary.LittleEndian.Uint32(sector[88:])

	if h.currentLBA != 1 {
		return nil, diskerr.Corrupt("gpt", SectorSize+24, "current LBA", 1, h.currentLBA)
	}
	if h.entrySize < gptEntrySize || h.entrySize%8 != 0 {
		return nil, diskerr.Corrupt("gpt", SectorSize+84, "entry size", fmt.Sprintf(">= %d, multiple of 8", gptEntrySize), h.entrySize)
	}
	return h, nil
}

// decodeGUID converts the on-disk mixed-endian layout, whose first three
// fields are little-endian, into a uuid.UUID.
func decodeGUID(b []byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = b[3], b[2], b[1], b[0]
	u[4], u[5] = b[5], b[4]
	u[6], u[7] = b[7], b[6]
	copy(u[8:], b[8:16])
	return u
}

func encodeGUID(dst []byte, u uuid.UUID) {
	dst[0], dst[1], dst[2], dst[3] = u[3], u[2], u[1], u[0]
	dst[4], dst[5] = u[5], u[4]
	dst[6], dst[7] = u[7], u[6]
	copy(dst[8:16], u[8:])
}

func decodeName(b []byte) string {
	s, err := utf16LE.NewDecoder().Bytes(b)
	if err != nil {
		return ""
	}
	return string(bytes.TrimRight(s, "\x00"))
}
