// Package partition decodes and writes MBR and GPT partition tables.
//
// Parse reads sector 0 of a disk. A valid MBR whose entries include a GPT
// protective entry (type 0xEE) is decoded as GPT; otherwise the four primary
// entries and any extended-partition chain are returned. A disk with neither
// an MBR signature nor a GPT header is reported as diskerr.ErrNotPartitioned.
//
// Records are always returned sorted by start sector. LBA fields are
// authoritative; CHS values are ignored on read and written as the
// "beyond 1024 cylinders" marker.
package partition

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/spindle/internal/diskerr"
	"github.com/jbweber/spindle/internal/stream"
)

var log = logrus.WithField("component", "partition")

// SectorSize is the logical sector size assumed for all tables.
const SectorSize = 512

// Scheme identifies the partitioning scheme of a table.
type Scheme string

const (
	SchemeMBR Scheme = "mbr"
	SchemeGPT Scheme = "gpt"
)

// Record is one partition.
type Record struct {
	// Index is the entry number: 1-4 for MBR primaries, 5 and up for logical
	// partitions, the 1-based entry slot for GPT.
	Index       int   `json:"index" yaml:"index"`
	StartSector int64 `json:"startSector" yaml:"startSector"`
	SectorCount int64 `json:"sectorCount" yaml:"sectorCount"`

	// TypeID is the MBR partition type byte; zero for GPT records.
	TypeID byte `json:"typeId,omitempty" yaml:"typeId,omitempty"`
	// TypeGUID is the GPT partition type; uuid.Nil for MBR records.
	TypeGUID uuid.UUID `json:"typeGuid,omitzero" yaml:"typeGuid,omitempty"`
	// GUID is the GPT unique partition id; uuid.Nil for MBR records.
	GUID uuid.UUID `json:"guid,omitzero" yaml:"guid,omitempty"`

	Bootable bool   `json:"bootable,omitempty" yaml:"bootable,omitempty"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Scheme   Scheme `json:"scheme" yaml:"scheme"`
}

// Start returns the byte offset of the partition.
func (r Record) Start() int64 {
	return r.StartSector * SectorSize
}

// Length returns the size of the partition in bytes.
func (r Record) Length() int64 {
	return r.SectorCount * SectorSize
}

// TypeName returns a friendly name for the partition type.
func (r Record) TypeName() string {
	if r.Scheme == SchemeGPT {
		return GPTTypeName(r.TypeGUID)
	}
	return MBRTypeName(r.TypeID)
}

// Open returns the partition's byte range of content.
func (r Record) Open(content stream.Stream) (*stream.Sub, error) {
	return stream.NewSub(content, r.Start(), r.Length())
}

func (r Record) String() string {
	return fmt.Sprintf("%s#%d [%d+%d] %s", r.Scheme, r.Index, r.StartSector, r.SectorCount, r.TypeName())
}

// Table is a decoded partition table.
type Table struct {
	Scheme Scheme `json:"scheme" yaml:"scheme"`
	// DiskSignature is the 32-bit MBR disk signature at offset 440.
	DiskSignature uint32 `json:"diskSignature,omitempty" yaml:"diskSignature,omitempty"`
	// DiskGUID is the GPT disk id; uuid.Nil for MBR tables.
	DiskGUID uuid.UUID `json:"diskGuid,omitzero" yaml:"diskGuid,omitempty"`
	Records  []Record  `json:"records" yaml:"records"`
}

// Parse decodes the partition table of a disk of size bytes.
func Parse(r io.ReaderAt, size int64) (*Table, error) {
	if size < 2*SectorSize {
		return nil, diskerr.ErrNotPartitioned
	}

	mbr := make([]byte, SectorSize)
	if err := readSector(r, mbr, 0); err != nil {
		return nil, fmt.Errorf("failed to read MBR: %w", err)
	}

	if !hasBootSignature(mbr) {
		// A GPT disk whose protective MBR was wiped is still a GPT disk.
		t, err := parseGPT(r, size)
		if errors.Is(err, errNoGPT) {
			return nil, diskerr.ErrNotPartitioned
		}
		return t, err
	}

	entries := decodeMBREntries(mbr)
	if !validStatus(entries) {
		// A boot sector without a partition table, such as a FAT volume
		// occupying the whole disk.
		return nil, diskerr.ErrNotPartitioned
	}

	for _, e := range entries {
		if e.typeID == TypeGPTProtective {
			t, err := parseGPT(r, size)
			if errors.Is(err, errNoGPT) {
				return nil, diskerr.Corruptf("gpt", SectorSize, "protective MBR present but no GPT header")
			}
			if err != nil {
				return nil, err
			}
			t.DiskSignature = diskSignature(mbr)
			return t, nil
		}
	}

	t, err := parseMBR(r, size, mbr, entries)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"scheme": t.Scheme, "partitions": len(t.Records)}).Debug("decoded partition table")
	return t, nil
}

func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartSector < records[j].StartSector
	})
}

func readSector(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
