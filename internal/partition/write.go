package partition

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"slices"

	"github.com/google/uuid"

	"github.com/jbweber/spindle/internal/diskerr"
)

// WriteMBR writes a boot sector holding up to four primary partitions. The
// boot code area is zeroed.
func WriteMBR(w io.WriterAt, signature uint32, records []Record) error {
	if len(records) > 4 {
		return diskerr.Configf("partition.WriteMBR", "%d partitions, at most 4 primaries fit", len(records))
	}

	sector := make([]byte, SectorSize)
	binary.LittleEndian.PutUint32(sector[diskSigOffset:], signature)
	for i, r := range records {
		if r.StartSector <= 0 || r.SectorCount <= 0 || r.StartSector+r.SectorCount > math.MaxUint32 {
			return diskerr.Configf("partition.WriteMBR", "partition %d range [%d+%d] not addressable", i+1, r.StartSector, r.SectorCount)
		}
		if r.TypeID == TypeEmpty {
			return diskerr.Configf("partition.WriteMBR", "partition %d has empty type", i+1)
		}
		b := sector[mbrTableOffset+i*mbrEntrySize:]
		if r.Bootable {
			b[0] = 0x80
		}
		// CHS addresses are unused; mark them as beyond cylinder 1023.
		b[1], b[2], b[3] = 0xFE, 0xFF, 0xFF
		b[4] = r.TypeID
		b[5], b[6], b[7] = 0xFE, 0xFF, 0xFF
		binary.LittleEndian.PutUint32(b[8:], uint32(r.StartSector))
		binary.LittleEndian.PutUint32(b[12:], uint32(r.SectorCount))
	}
	sector[510], sector[511] = 0x55, 0xAA

	if _, err := w.WriteAt(sector, 0); err != nil {
		return fmt.Errorf("failed to write MBR: %w", err)
	}
	return nil
}

// WriteGPT writes a protective MBR, the primary header and entry array at
// the start of a disk of size bytes, and the backup array and header at its
// end. Records with a nil GUID get a random one.
func WriteGPT(w io.WriterAt, size int64, diskGUID uuid.UUID, records []Record) error {
	const op = "partition.WriteGPT"
	arraySectors := int64(gptEntryCount * gptEntrySize / SectorSize)
	total := size / SectorSize
	if total < 3+2*arraySectors {
		return diskerr.Configf(op, "disk of %d sectors is too small for a GPT", total)
	}
	if len(records) > gptEntryCount {
		return diskerr.Configf(op, "%d partitions, at most %d fit", len(records), gptEntryCount)
	}

	lastLBA := total - 1
	firstUsable := 2 + arraySectors
	lastUsable := lastLBA - 1 - arraySectors

	sorted := slices.Clone(records)
	sortRecords(sorted)
	for i, r := range sorted {
		if r.StartSector < firstUsable || r.SectorCount <= 0 || r.StartSector+r.SectorCount-1 > lastUsable {
			return diskerr.Configf(op, "partition [%d+%d] outside usable sectors [%d, %d]", r.StartSector, r.SectorCount, firstUsable, lastUsable)
		}
		if i > 0 && sorted[i-1].StartSector+sorted[i-1].SectorCount > r.StartSector {
			return diskerr.Configf(op, "partitions at sectors %d and %d overlap", sorted[i-1].StartSector, r.StartSector)
		}
	}

	array := make([]byte, gptEntryCount*gptEntrySize)
	for i, r := range records {
		if r.TypeGUID == uuid.Nil {
			return diskerr.Configf(op, "partition %d has no type GUID", i+1)
		}
		e := array[i*gptEntrySize:]
		encodeGUID(e[0:16], r.TypeGUID)
		id := r.GUID
		if id == uuid.Nil {
			id = uuid.New()
		}
		encodeGUID(e[16:32], id)
		binary.LittleEndian.PutUint64(e[32:], uint64(r.StartSector))
		binary.LittleEndian.PutUint64(e[40:], uint64(r.StartSector+r.SectorCount-1))
		if r.Bootable {
			binary.LittleEndian.PutUint64(e[48:], 1<<2)
		}
		name, err := utf16LE.NewEncoder().Bytes([]byte(r.Name))
		if err != nil || len(name) > gptNameLength {
			return diskerr.Configf(op, "partition %d name %q does not fit in %d UTF-16 units", i+1, r.Name, gptNameLength/2)
		}
		copy(e[gptNameOffset:], name)
	}
	arrayCRC := crc32.ChecksumIEEE(array)

	header := func(current, backup, entries int64) []byte {
		h := make([]byte, SectorSize)
		copy(h, gptSignature)
		binary.LittleEndian.PutUint32(h[8:], gptRevision)
		binary.LittleEndian.PutUint32(h[12:], gptHeaderSize)
		binary.LittleEndian.PutUint64(h[24:], uint64(current))
		binary.LittleEndian.PutUint64(h[32:], uint64(backup))
		binary.LittleEndian.PutUint64(h[40:], uint64(firstUsable))
		binary.LittleEndian.PutUint64(h[48:], uint64(lastUsable))
		encodeGUID(h[56:72], diskGUID)
		binary.LittleEndian.PutUint64(h[72:], uint64(entries))
		binary.LittleEndian.PutUint32(h[80:], gptEntryCount)
		binary.LittleEndian.PutUint32(h[84:], gptEntrySize)
		binary.LittleEndian.PutUint32(h[88:], arrayCRC)
		binary.LittleEndian.PutUint32(h[16:], crc32.ChecksumIEEE(h[:gptHeaderSize]))
		return h
	}

	protective := Record{TypeID: TypeGPTProtective, StartSector: 1, SectorCount: min(total-1, math.MaxUint32-1)}
	if err := WriteMBR(w, 0, []Record{protective}); err != nil {
		return err
	}

	writes := []struct {
		what string
		data []byte
		lba  int64
	}{
		{"primary header", header(1, lastLBA, 2), 1},
		{"primary entry array", array, 2},
		{"backup entry array", array, lastUsable + 1},
		{"backup header", header(lastLBA, 1, lastUsable+1), lastLBA},
	}
	for _, wr := range writes {
		if _, err := w.WriteAt(wr.data, wr.lba*SectorSize); err != nil {
			return fmt.Errorf("failed to write GPT %s: %w", wr.what, err)
		}
	}
	return nil
}
