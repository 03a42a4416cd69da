package partition

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/jbweber/spindle/internal/backend"
	"github.com/jbweber/spindle/internal/diskerr"
	"github.com/jbweber/spindle/internal/stream"
)

const testDiskSize = 16 << 20

func newDisk() *backend.Memory {
	return backend.NewMemory(make([]byte, testDiskSize))
}

// putEntry writes one raw MBR/EBR entry into the sector at lba.
func putEntry(t *testing.T, d *backend.Memory, lba int64, slot int, typeID byte, start, count uint32) {
	t.Helper()
	b := make([]byte, mbrEntrySize)
	b[4] = typeID
	binary.LittleEndian.PutUint32(b[8:], start)
	binary.LittleEndian.PutUint32(b[12:], count)
	if _, err := d.WriteAt(b, lba*SectorSize+mbrTableOffset+int64(slot)*mbrEntrySize); err != nil {
		t.Fatal(err)
	}
	if _, err := d.WriteAt([]byte{0x55, 0xAA}, lba*SectorSize+510); err != nil {
		t.Fatal(err)
	}
}

func TestParse_MBR(t *testing.T) {
	d := newDisk()
	err := WriteMBR(d, 0xCAFEF00D, []Record{
		{StartSector: 8192, SectorCount: 4096, TypeID: TypeLinuxLVM},
		{StartSector: 2048, SectorCount: 4096, TypeID: TypeNTFS, Bootable: true},
	})
	if err != nil {
		t.Fatalf("WriteMBR() error = %v", err)
	}

	table, err := Parse(d, testDiskSize)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if table.Scheme != SchemeMBR {
		t.Errorf("Scheme = %v, want %v", table.Scheme, SchemeMBR)
	}
	if table.DiskSignature != 0xCAFEF00D {
		t.Errorf("DiskSignature = %08x, want cafef00d", table.DiskSignature)
	}
	if len(table.Records) != 2 {
		t.Fatalf("len(Records) = %d, want 2", len(table.Records))
	}

	want := []Record{
		{Index: 2, StartSector: 2048, SectorCount: 4096, TypeID: TypeNTFS, Bootable: true, Scheme: SchemeMBR},
		{Index: 1, StartSector: 8192, SectorCount: 4096, TypeID: TypeLinuxLVM, Scheme: SchemeMBR},
	}
	for i, w := range want {
		if table.Records[i] != w {
			t.Errorf("Records[%d] = %+v, want %+v", i, table.Records[i], w)
		}
	}
	if got := table.Records[1].TypeName(); got != "Linux LVM" {
		t.Errorf("TypeName() = %q, want Linux LVM", got)
	}
	if got := table.Records[0].Start(); got != 2048*SectorSize {
		t.Errorf("Start() = %d, want %d", got, 2048*SectorSize)
	}
}

func TestParse_ExtendedPartitions(t *testing.T) {
	d := newDisk()
	putEntry(t, d, 0, 0, TypeLinux, 2048, 2048)
	putEntry(t, d, 0, 1, TypeExtended, 4096, 8192)
	// First EBR: logical at +63, link to the next EBR at ext+2048.
	putEntry(t, d, 4096, 0, TypeLinux, 63, 1000)
	putEntry(t, d, 4096, 1, TypeExtended, 2048, 3000)
	// Second EBR: logical swap, end of chain.
	putEntry(t, d, 6144, 0, TypeLinuxSwap, 63, 1000)

	table, err := Parse(d, testDiskSize)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	want := []struct {
		index int
		start int64
		typ   byte
	}{
		{1, 2048, TypeLinux},
		{5, 4159, TypeLinux},
		{6, 6207, TypeLinuxSwap},
	}
	if len(table.Records) != len(want) {
		t.Fatalf("len(Records) = %d, want %d: %v", len(table.Records), len(want), table.Records)
	}
	for i, w := range want {
		r := table.Records[i]
		if r.Index != w.index || r.StartSector != w.start || r.TypeID != w.typ {
			t.Errorf("Records[%d] = %v, want #%d at %d type %02x", i, r, w.index, w.start, w.typ)
		}
	}
}

func TestParse_ExtendedLoop(t *testing.T) {
	d := newDisk()
	putEntry(t, d, 0, 0, TypeExtended, 4096, 8192)
	putEntry(t, d, 4096, 0, TypeLinux, 63, 100)
	putEntry(t, d, 4096, 1, TypeExtended, 0, 100)

	_, err := Parse(d, testDiskSize)
	if !diskerr.IsCorrupt(err) {
		t.Errorf("Parse() error = %v, want corrupt", err)
	}
}

func gptRecords() []Record {
	return []Record{
		{StartSector: 2048, SectorCount: 2048, TypeGUID: GUIDEFISystem, GUID: uuid.MustParse("11111111-2222-3333-4444-555555555555"), Name: "esp", Bootable: true},
		{StartSector: 4096, SectorCount: 8192, TypeGUID: GUIDLinuxFilesystem, Name: "räid root"},
	}
}

func TestParse_GPT(t *testing.T) {
	d := newDisk()
	diskID := uuid.New()
	if err := WriteGPT(d, testDiskSize, diskID, gptRecords()); err != nil {
		t.Fatalf("WriteGPT() error = %v", err)
	}

	table, err := Parse(d, testDiskSize)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if table.Scheme != SchemeGPT || table.DiskGUID != diskID {
		t.Errorf("table = %v %v, want gpt %v", table.Scheme, table.DiskGUID, diskID)
	}
	if len(table.Records) != 2 {
		t.Fatalf("len(Records) = %d, want 2", len(table.Records))
	}

	esp := table.Records[0]
	if esp.Index != 1 || esp.Name != "esp" || !esp.Bootable || esp.GUID.String() != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("Records[0] = %+v", esp)
	}
	if got := esp.TypeName(); got != "EFI System" {
		t.Errorf("TypeName() = %q, want EFI System", got)
	}
	root := table.Records[1]
	if root.Name != "räid root" || root.SectorCount != 8192 || root.GUID == uuid.Nil {
		t.Errorf("Records[1] = %+v", root)
	}
}

func TestParse_GPTCorruption(t *testing.T) {
	tests := []struct {
		name string
		off  int64
	}{
		{name: "header CRC", off: SectorSize + 40},
		{name: "entry array CRC", off: 2*SectorSize + 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDisk()
			if err := WriteGPT(d, testDiskSize, uuid.New(), gptRecords()); err != nil {
				t.Fatal(err)
			}
			d.Bytes()[tt.off] ^= 0xFF

			_, err := Parse(d, testDiskSize)
			var cf *diskerr.CorruptFormatError
			if !errors.As(err, &cf) {
				t.Fatalf("Parse() error = %v, want CorruptFormatError", err)
			}
			if cf.Format != "gpt" {
				t.Errorf("Format = %q, want gpt", cf.Format)
			}
		})
	}
}

func TestParse_NotPartitioned(t *testing.T) {
	fatBoot := make([]byte, testDiskSize)
	copy(fatBoot, []byte{0xEB, 0x3C, 0x90, 'M', 'S', 'D', 'O', 'S'})
	copy(fatBoot[mbrTableOffset:], bytes.Repeat([]byte{0x13}, 64))
	fatBoot[510], fatBoot[511] = 0x55, 0xAA

	tests := []struct {
		name string
		data []byte
	}{
		{name: "blank", data: make([]byte, testDiskSize)},
		{name: "boot sector without table", data: fatBoot},
		{name: "tiny", data: make([]byte, SectorSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(backend.NewMemory(tt.data), int64(len(tt.data)))
			if !errors.Is(err, diskerr.ErrNotPartitioned) {
				t.Errorf("Parse() error = %v, want ErrNotPartitioned", err)
			}
		})
	}
}

func TestParse_ProtectiveWithoutGPT(t *testing.T) {
	d := newDisk()
	putEntry(t, d, 0, 0, TypeGPTProtective, 1, testDiskSize/SectorSize-1)

	_, err := Parse(d, testDiskSize)
	if !diskerr.IsCorrupt(err) {
		t.Errorf("Parse() error = %v, want corrupt", err)
	}
}

func TestParse_MBREntryPastEnd(t *testing.T) {
	d := newDisk()
	putEntry(t, d, 0, 0, TypeLinux, 2048, testDiskSize/SectorSize)

	_, err := Parse(d, testDiskSize)
	if !diskerr.IsCorrupt(err) {
		t.Errorf("Parse() error = %v, want corrupt", err)
	}
}

func TestWriteMBR_Invalid(t *testing.T) {
	five := make([]Record, 5)
	for i := range five {
		five[i] = Record{StartSector: int64(i+1) * 100, SectorCount: 10, TypeID: TypeLinux}
	}

	tests := []struct {
		name    string
		records []Record
	}{
		{name: "too many", records: five},
		{name: "start at zero", records: []Record{{StartSector: 0, SectorCount: 10, TypeID: TypeLinux}}},
		{name: "empty type", records: []Record{{StartSector: 10, SectorCount: 10}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WriteMBR(newDisk(), 0, tt.records)
			var ce *diskerr.ConfigurationError
			if !errors.As(err, &ce) {
				t.Errorf("WriteMBR() error = %v, want ConfigurationError", err)
			}
		})
	}
}

func TestWriteGPT_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		records []Record
	}{
		{name: "before first usable", records: []Record{{StartSector: 1, SectorCount: 10, TypeGUID: GUIDLinuxSwap}}},
		{name: "overlap", records: []Record{
			{StartSector: 2048, SectorCount: 100, TypeGUID: GUIDLinuxSwap},
			{StartSector: 2100, SectorCount: 100, TypeGUID: GUIDLinuxSwap},
		}},
		{name: "no type", records: []Record{{StartSector: 2048, SectorCount: 10}}},
		{name: "name too long", records: []Record{{StartSector: 2048, SectorCount: 10, TypeGUID: GUIDLinuxSwap, Name: string(bytes.Repeat([]byte("n"), 37))}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WriteGPT(newDisk(), testDiskSize, uuid.New(), tt.records)
			var ce *diskerr.ConfigurationError
			if !errors.As(err, &ce) {
				t.Errorf("WriteGPT() error = %v, want ConfigurationError", err)
			}
		})
	}
}

func TestGUIDEncoding(t *testing.T) {
	// EFI System partition type as stored on disk.
	onDisk := []byte{0x28, 0x73, 0x2A, 0xC1, 0x1F, 0xF8, 0xD2, 0x11, 0xBA, 0x4B, 0x00, 0xA0, 0xC9, 0x3E, 0xC9, 0x3B}
	if got := decodeGUID(onDisk); got != GUIDEFISystem {
		t.Errorf("decodeGUID() = %v, want %v", got, GUIDEFISystem)
	}
	buf := make([]byte, 16)
	encodeGUID(buf, GUIDEFISystem)
	if !bytes.Equal(buf, onDisk) {
		t.Errorf("encodeGUID() = % x, want % x", buf, onDisk)
	}
}

func TestRecord_Open(t *testing.T) {
	d := newDisk()
	copy(d.Bytes()[2048*SectorSize:], "partition data")
	r := Record{StartSector: 2048, SectorCount: 8, Scheme: SchemeMBR}

	sub, err := r.Open(stream.Raw(d, testDiskSize))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if sub.Size() != 8*SectorSize {
		t.Errorf("Size() = %d, want %d", sub.Size(), 8*SectorSize)
	}
	buf := make([]byte, 14)
	if _, err := sub.ReadAt(buf, 0); err != nil || string(buf) != "partition data" {
		t.Errorf("ReadAt() = %q, %v", buf, err)
	}
}

func TestTypeNames(t *testing.T) {
	tests := []struct {
		record Record
		want   string
	}{
		{Record{Scheme: SchemeMBR, TypeID: TypeLinux}, "Linux"},
		{Record{Scheme: SchemeMBR, TypeID: 0x99}, "Unknown (0x99)"},
		{Record{Scheme: SchemeGPT, TypeGUID: GUIDMicrosoftBasicData}, "Microsoft basic data"},
	}
	for _, tt := range tests {
		if got := tt.record.TypeName(); got != tt.want {
			t.Errorf("TypeName() = %q, want %q", got, tt.want)
		}
	}
}
