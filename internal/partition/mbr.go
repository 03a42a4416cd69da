package partition

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jbweber/spindle/internal/diskerr"
)

const (
	mbrTableOffset = 446
	mbrEntrySize   = 16
	diskSigOffset  = 440

	// maxLogical bounds the EBR chain walk.
	maxLogical = 128
)

type mbrEntry struct {
	status      byte
	typeID      byte
	startSector uint32
	sectorCount uint32
}

func (e mbrEntry) empty() bool {
	return e.typeID == TypeEmpty || e.sectorCount == 0
}

func hasBootSignature(sector []byte) bool {
	return sector[510] == 0x55 && sector[511] == 0xAA
}

func diskSignature(mbr []byte) uint32 {
	return binary.LittleEndian.Uint32(mbr[diskSigOffset:])
}

func decodeMBREntries(sector []byte) [4]mbrEntry {
	var out [4]mbrEntry
	for i := range out {
		b := sector[mbrTableOffset+i*mbrEntrySize:]
		out[i] = mbrEntry{
			status:      b[0],
			typeID:      b[4],
			startSector: binary.LittleEndian.Uint32(b[8:]),
			sectorCount: binary.LittleEndian.Uint32(b[12:]),
		}
	}
	return out
}

// validStatus rejects boot sectors whose "entries" are really code or a
// file-system BPB.
func validStatus(entries [4]mbrEntry) bool {
	for _, e := range entries {
		if e.status&0x7F != 0 {
			return false
		}
	}
	return true
}

func isExtended(typeID byte) bool {
	return typeID == TypeExtended || typeID == TypeExtendedLBA || typeID == TypeLinuxExtended
}

func parseMBR(r io.ReaderAt, size int64, mbr []byte, entries [4]mbrEntry) (*Table, error) {
	t := &Table{Scheme: SchemeMBR, DiskSignature: diskSignature(mbr)}
	totalSectors := size / SectorSize

	for i, e := range entries {
		if e.empty() {
			continue
		}
		if int64(e.startSector)+int64(e.sectorCount) > totalSectors {
			return nil, diskerr.Corrupt("mbr", int64(mbrTableOffset+i*mbrEntrySize), fmt.Sprintf("entry %d end sector", i+1),
				fmt.Sprintf("<= %d", totalSectors), int64(e.startSector)+int64(e.sectorCount))
		}
		if isExtended(e.typeID) {
			logical, err := parseEBRChain(r, int64(e.startSector), int64(e.sectorCount))
			if err != nil {
				return nil, err
			}
			t.Records = append(t.Records, logical...)
			continue
		}
		t.Records = append(t.Records, Record{
			Index:       i + 1,
			StartSector: int64(e.startSector),
			SectorCount: int64(e.sectorCount),
			TypeID:      e.typeID,
			Bootable:    e.status == 0x80,
			Scheme:      SchemeMBR,
		})
	}

	sortRecords(t.Records)
	return t, nil
}

// parseEBRChain follows the linked list of extended boot records inside an
// extended partition. Each EBR's first entry is a logical partition relative
// to the EBR; its second entry links to the next EBR relative to the start
// of the extended partition.
func parseEBRChain(r io.ReaderAt, extStart, extCount int64) ([]Record, error) {
	var out []Record
	seen := make(map[int64]bool)
	sector := make([]byte, SectorSize)

	for ebr := extStart; ; {
		if len(out) >= maxLogical {
			return nil, diskerr.Corruptf("mbr", ebr*SectorSize, "more than %d logical partitions", maxLogical)
		}
		if seen[ebr] {
			return nil, diskerr.Corruptf("mbr", ebr*SectorSize, "extended boot record chain loops")
		}
		seen[ebr] = true
		if ebr < extStart || ebr >= extStart+extCount {
			return nil, diskerr.Corrupt("mbr", ebr*SectorSize, "extended boot record sector",
				fmt.Sprintf("[%d, %d)", extStart, extStart+extCount), ebr)
		}

		if err := readSector(r, sector, ebr*SectorSize); err != nil {
			return nil, fmt.Errorf("failed to read extended boot record at sector %d: %w", ebr, err)
		}
		if !hasBootSignature(sector) {
			return nil, diskerr.Corrupt("mbr", ebr*SectorSize+510, "extended boot record signature", "0x55aa",
				fmt.Sprintf("0x%02x%02x", sector[510], sector[511]))
		}

		entries := decodeMBREntries(sector)
		if l := entries[0]; !l.empty() {
			start := ebr + int64(l.startSector)
			if start+int64(l.sectorCount) > extStart+extCount {
				return nil, diskerr.Corruptf("mbr", ebr*SectorSize+mbrTableOffset, "logical partition %d overruns extended partition", 5+len(out))
			}
			out = append(out, Record{
				Index:       5 + len(out),
				StartSector: start,
				SectorCount: int64(l.sectorCount),
				TypeID:      l.typeID,
				Bootable:    l.status == 0x80,
				Scheme:      SchemeMBR,
			})
		}

		next := entries[1]
		if next.empty() {
			return out, nil
		}
		ebr = extStart + int64(next.startSector)
	}
}
