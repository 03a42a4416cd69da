package lvm

import (
	"encoding/binary"
	"errors"
	"slices"
	"testing"

	"github.com/jbweber/spindle/internal/backend"
	"github.com/jbweber/spindle/internal/diskerr"
)

const sampleMetadata = `# Generated by LVM2 version 2.03.16(2) (2022-05-18): Tue Mar  5 10:00:00 2024

contents = "Text Format Volume Group"
version = 1

description = "Created *after* executing 'lvcreate -n data -L 8m vg0'"

creation_host = "build01"	# Linux build01 6.1.0 #1 SMP x86_64
creation_time = 1709632800	# Tue Mar  5 10:00:00 2024

vg0 {
	id = "kL3mNp-Qr4s-Tu5v-Wx6y-Za7b-Cd8e-Fg9hIj"
	seqno = 7
	format = "lvm2"
	status = ["RESIZEABLE", "READ", "WRITE"]
	flags = []
	extent_size = 8192		# 4 Megabytes
	max_lv = 0
	max_pv = 0
	metadata_copies = 0

	physical_volumes {

		pv0 {
			id = "aaaaaa-bbbb-cccc-dddd-eeee-ffff-gggggg"
			device = "/dev/vda2"	# Hint only

			status = ["ALLOCATABLE"]
			flags = []
			dev_size = 40960	# 20 Megabytes
			pe_start = 2048
			pe_count = 4	# 16 Megabytes
		}

		pv1 {
			id = "hhhhhh-iiii-jjjj-kkkk-llll-mmmm-nnnnnn"
			device = "/dev/vdb"

			status = ["ALLOCATABLE"]
			flags = []
			dev_size = 40960
			pe_start = 2048
			pe_count = 4
		}
	}

	logical_volumes {

		data {
			id = "opqrst-uvwx-yz01-2345-6789-ABCD-EFGHIJ"
			status = ["READ", "WRITE", "VISIBLE"]
			flags = []
			creation_time = 1709632800	# 2024-03-05 10:00:00 +0000
			creation_host = "build01"
			segment_count = 2

			segment2 {
				start_extent = 1
				extent_count = 2

				type = "striped"
				stripe_count = 2
				stripe_size = 128	# 64 Kilobytes

				stripes = [
					"pv0", 1,
					"pv1", 0
				]
			}
			segment1 {
				start_extent = 0
				extent_count = 1

				type = "striped"
				stripe_count = 1	# linear

				stripes = [
					"pv0", 0
				]
			}
		}

		data_mimage_0 {
			id = "KLMNOP-QRST-UVWX-YZab-cdef-ghij-klmnop"
			status = ["READ", "WRITE"]
			flags = []
			segment_count = 1

			segment1 {
				start_extent = 0
				extent_count = 1
				type = "thin-pool"
				metadata = "pool_tmeta"
			}
		}
	}
}
`

func TestParseMetadata(t *testing.T) {
	vg, err := ParseMetadata([]byte(sampleMetadata))
	if err != nil {
		t.Fatalf("ParseMetadata() error = %v", err)
	}

	if vg.Name != "vg0" || vg.Seqno != 7 || vg.ExtentSize != 8192 {
		t.Errorf("vg = %s seqno %d extent %d, want vg0 seqno 7 extent 8192", vg.Name, vg.Seqno, vg.ExtentSize)
	}
	if vg.ExtentBytes() != 4<<20 {
		t.Errorf("ExtentBytes() = %d, want %d", vg.ExtentBytes(), 4<<20)
	}
	if !slices.Equal(vg.Status, []string{"RESIZEABLE", "READ", "WRITE"}) {
		t.Errorf("Status = %v", vg.Status)
	}

	pv, ok := vg.PhysicalVolume("pv1")
	if !ok {
		t.Fatal("PhysicalVolume(pv1) not found")
	}
	if pv.ID != "hhhhhh-iiii-jjjj-kkkk-llll-mmmm-nnnnnn" || pv.PEStart != 2048 || pv.PECount != 4 {
		t.Errorf("pv1 = %+v", pv)
	}

	data, ok := vg.LogicalVolume("data")
	if !ok {
		t.Fatal("LogicalVolume(data) not found")
	}
	if !data.Visible() || data.CreationHost != "build01" {
		t.Errorf("data = %+v", data)
	}
	if data.ExtentCount() != 3 {
		t.Errorf("ExtentCount() = %d, want 3", data.ExtentCount())
	}
	if len(data.Segments) != 2 || data.Segments[0].StartExtent != 0 {
		t.Fatalf("Segments = %+v, want sorted by start extent", data.Segments)
	}
	striped := data.Segments[1]
	want := []Area{{Name: "pv0", Extent: 1}, {Name: "pv1", Extent: 0}}
	if striped.StripeSize != 128 || !slices.Equal(striped.Areas, want) {
		t.Errorf("segment2 = %+v", striped)
	}

	hidden, _ := vg.LogicalVolume("data_mimage_0")
	if hidden.Visible() {
		t.Error("data_mimage_0 is visible")
	}
	if hidden.Segments[0].Type != "thin-pool" || hidden.Segments[0].Areas != nil {
		t.Errorf("thin-pool segment = %+v", hidden.Segments[0])
	}
}

func TestParseMetadata_Errors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "empty", text: ""},
		{name: "two groups", text: `a { } b { }`},
		{name: "unterminated section", text: `vg { id = "x"`},
		{name: "stray brace", text: `}`},
		{name: "unterminated string", text: `vg { id = "x }`},
		{name: "unterminated list", text: `vg { status = ["A", `},
		{name: "missing comma", text: `vg { status = ["A" "B"] }`},
		{name: "missing operator", text: `vg id`},
		{name: "missing seqno", text: `vg { id = "x" extent_size = 8 physical_volumes { pv0 { id = "p" pe_start = 1 pe_count = 1 } } }`},
		{name: "zero extent size", text: `vg { id = "x" seqno = 1 extent_size = 0 }`},
		{name: "no physical volumes", text: `vg { id = "x" seqno = 1 extent_size = 8 }`},
		{
			name: "missing segment",
			text: `vg { id = "x" seqno = 1 extent_size = 8
				physical_volumes { pv0 { id = "p" pe_start = 1 pe_count = 1 } }
				logical_volumes { lv { id = "l" segment_count = 1 } } }`,
		},
		{
			name: "odd stripes list",
			text: `vg { id = "x" seqno = 1 extent_size = 8
				physical_volumes { pv0 { id = "p" pe_start = 1 pe_count = 1 } }
				logical_volumes { lv { id = "l" segment_count = 1
					segment1 { start_extent = 0 extent_count = 1 type = "striped" stripes = ["pv0"] } } } }`,
		},
		{
			name: "stripes without size",
			text: `vg { id = "x" seqno = 1 extent_size = 8
				physical_volumes { pv0 { id = "p" pe_start = 1 pe_count = 1 } }
				logical_volumes { lv { id = "l" segment_count = 1
					segment1 { start_extent = 0 extent_count = 2 type = "striped" stripes = ["pv0", 0, "pv0", 1] } } } }`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMetadata([]byte(tt.text))
			if !diskerr.IsCorrupt(err) {
				t.Errorf("ParseMetadata() error = %v, want CorruptFormatError", err)
			}
		})
	}
}

func testGroup() *VolumeGroup {
	return &VolumeGroup{
		Name:       "vg0",
		ID:         NewID(),
		Seqno:      3,
		Status:     []string{"READ", "WRITE"},
		ExtentSize: 8,
		PhysicalVolumes: []PhysicalVolume{
			{Name: "pv0", ID: "aaaaaa-bbbb-cccc-dddd-eeee-ffff-gggggg", Device: "/dev/sda", Status: []string{"ALLOCATABLE"}, DevSize: 8192, PEStart: 2048, PECount: 100},
		},
		LogicalVolumes: []LogicalVolume{
			{
				Name:   "home",
				ID:     NewID(),
				Status: []string{"READ", "WRITE", "VISIBLE"},
				Segments: []Segment{
					{StartExtent: 0, ExtentCount: 4, Type: SegmentStriped, Areas: []Area{{Name: "pv0", Extent: 10}}},
				},
			},
			{
				Name:   "mirror",
				ID:     NewID(),
				Status: []string{"READ", "VISIBLE"},
				Segments: []Segment{
					{StartExtent: 0, ExtentCount: 2, Type: SegmentMirror, MirrorLog: "mirror_mlog", RegionSize: 1024,
						Areas: []Area{{Name: "mirror_mimage_0", Extent: 0}, {Name: "mirror_mimage_1", Extent: 0}}},
				},
			},
		},
	}
}

func TestFormatMetadata_Parses(t *testing.T) {
	vg := testGroup()
	vg.LogicalVolumes[0].CreationHost = `host "quoted"`

	got, err := ParseMetadata(FormatMetadata(vg))
	if err != nil {
		t.Fatalf("ParseMetadata(FormatMetadata()) error = %v", err)
	}
	if got.ID != vg.ID || got.Seqno != 3 || got.ExtentSize != 8 {
		t.Errorf("group = %+v", got)
	}
	if got.LogicalVolumes[0].CreationHost != `host "quoted"` {
		t.Errorf("CreationHost = %q", got.LogicalVolumes[0].CreationHost)
	}
	m := got.LogicalVolumes[1].Segments[0]
	if m.Type != SegmentMirror || m.MirrorLog != "mirror_mlog" || m.RegionSize != 1024 || len(m.Areas) != 2 {
		t.Errorf("mirror segment = %+v", m)
	}
}

func TestPhysicalVolume_Roundtrip(t *testing.T) {
	dev := backend.NewMemory(make([]byte, 4<<20))
	vg := testGroup()
	layout := DefaultLayout(vg.PhysicalVolumes[0].ID, 4<<20)
	if err := WritePhysicalVolume(dev, layout, FormatMetadata(vg)); err != nil {
		t.Fatalf("WritePhysicalVolume() error = %v", err)
	}

	label, err := ReadLabel(dev, 4<<20)
	if err != nil {
		t.Fatalf("ReadLabel() error = %v", err)
	}
	if label.Sector != 1 || label.PVID != vg.PhysicalVolumes[0].ID || label.DeviceSize != 4<<20 {
		t.Errorf("label = %+v", label)
	}
	if label.DataOffset() != 1<<20 {
		t.Errorf("DataOffset() = %d, want %d", label.DataOffset(), 1<<20)
	}
	if len(label.MetadataAreas) != 1 || label.MetadataAreas[0] != (DiskArea{Offset: 4096, Size: 1<<20 - 4096}) {
		t.Errorf("MetadataAreas = %+v", label.MetadataAreas)
	}

	got, err := ReadMetadata(dev, label)
	if err != nil {
		t.Fatalf("ReadMetadata() error = %v", err)
	}
	if got.ID != vg.ID || len(got.LogicalVolumes) != 2 {
		t.Errorf("ReadMetadata() = %+v", got)
	}
}

func TestReadMetadata_Wrapped(t *testing.T) {
	dev := backend.NewMemory(make([]byte, 1<<20))
	vg := testGroup()
	text := FormatMetadata(vg)
	layout := Layout{PVID: vg.PhysicalVolumes[0].ID, DeviceSize: 1 << 20, MetadataOffset: 4096, MetadataSize: 8192, DataOffset: 65536}
	if err := WritePhysicalVolume(dev, layout, text); err != nil {
		t.Fatal(err)
	}

	// Move the text so it starts 100 bytes before the end of the ring.
	size := layout.MetadataSize
	locOff := size - 100
	mda := int64(layout.MetadataOffset)
	dev.WriteAt(text[:100], mda+int64(locOff))
	dev.WriteAt(text[100:], mda+mdaHeaderSize)

	hdr := make([]byte, mdaHeaderSize)
	dev.ReadAt(hdr, mda)
	binary.LittleEndian.PutUint64(hdr[rawLocnOffset:], locOff)
	binary.LittleEndian.PutUint32(hdr, Checksum(hdr[4:]))
	dev.WriteAt(hdr, mda)

	label, err := ReadLabel(dev, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ReadMetadata(dev, label)
	if err != nil {
		t.Fatalf("ReadMetadata() error = %v", err)
	}
	if got.ID != vg.ID {
		t.Errorf("ID = %v, want %v", got.ID, vg.ID)
	}
}

func TestReadMetadata_HighestSeqnoWins(t *testing.T) {
	dev := backend.NewMemory(make([]byte, 1<<20))
	vg := testGroup()
	first := Layout{PVID: vg.PhysicalVolumes[0].ID, DeviceSize: 1 << 20, MetadataOffset: 4096, MetadataSize: 8192, DataOffset: 65536}
	if err := WritePhysicalVolume(dev, first, FormatMetadata(vg)); err != nil {
		t.Fatal(err)
	}
	vg.Seqno = 9
	second := first
	second.MetadataOffset = 16384
	if err := WritePhysicalVolume(dev, second, FormatMetadata(vg)); err != nil {
		t.Fatal(err)
	}

	label := &Label{MetadataAreas: []DiskArea{{Offset: 4096, Size: 8192}, {Offset: 16384, Size: 8192}, {Offset: 32768, Size: 8192}}}
	got, err := ReadMetadata(dev, label)
	if err != nil {
		t.Fatalf("ReadMetadata() error = %v", err)
	}
	if got.Seqno != 9 {
		t.Errorf("Seqno = %d, want 9", got.Seqno)
	}
}

func TestReadLabel_Errors(t *testing.T) {
	t.Run("no label", func(t *testing.T) {
		_, err := ReadLabel(backend.NewMemory(make([]byte, 8192)), 8192)
		if !errors.Is(err, ErrNoLabel) {
			t.Errorf("ReadLabel() error = %v, want ErrNoLabel", err)
		}
	})

	t.Run("device too small", func(t *testing.T) {
		_, err := ReadLabel(backend.NewMemory(make([]byte, 100)), 100)
		if !errors.Is(err, ErrNoLabel) {
			t.Errorf("ReadLabel() error = %v, want ErrNoLabel", err)
		}
	})

	newPV := func(t *testing.T) *backend.Memory {
		t.Helper()
		dev := backend.NewMemory(make([]byte, 4<<20))
		if err := WritePhysicalVolume(dev, DefaultLayout(NewID(), 4<<20), FormatMetadata(testGroup())); err != nil {
			t.Fatal(err)
		}
		return dev
	}

	t.Run("label CRC", func(t *testing.T) {
		dev := newPV(t)
		dev.WriteAt([]byte{0xff}, SectorSize+100)
		_, err := ReadLabel(dev, 4<<20)
		if !diskerr.IsCorrupt(err) {
			t.Errorf("ReadLabel() error = %v, want CorruptFormatError", err)
		}
	})

	t.Run("unknown label type", func(t *testing.T) {
		dev := newPV(t)
		dev.WriteAt([]byte("LVM1 001"), SectorSize+24)
		_, err := ReadLabel(dev, 4<<20)
		if !diskerr.IsUnsupported(err) {
			t.Errorf("ReadLabel() error = %v, want UnsupportedFormatError", err)
		}
	})

	t.Run("metadata text CRC", func(t *testing.T) {
		dev := newPV(t)
		dev.WriteAt([]byte("#"), 4096+mdaHeaderSize)
		label, err := ReadLabel(dev, 4<<20)
		if err != nil {
			t.Fatal(err)
		}
		_, err = ReadMetadata(dev, label)
		if !diskerr.IsCorrupt(err) {
			t.Errorf("ReadMetadata() error = %v, want CorruptFormatError", err)
		}
	})

	t.Run("no metadata area", func(t *testing.T) {
		_, err := ReadMetadata(newPV(t), &Label{})
		if !errors.Is(err, ErrNoMetadata) {
			t.Errorf("ReadMetadata() error = %v, want ErrNoMetadata", err)
		}
	})
}

func TestIDs(t *testing.T) {
	id := NewID()
	if len(id) != 38 || len(RawID(id)) != 32 {
		t.Errorf("NewID() = %q", id)
	}
	if FormatID(RawID(id)) != id {
		t.Errorf("FormatID(RawID(%q)) = %q", id, FormatID(RawID(id)))
	}
	if FormatID("short") != "short" {
		t.Errorf("FormatID(short) = %q", FormatID("short"))
	}
}

func TestWritePhysicalVolume_Invalid(t *testing.T) {
	dev := backend.NewMemory(make([]byte, 1<<20))
	tests := []struct {
		name   string
		layout Layout
		text   []byte
	}{
		{name: "bad id", layout: DefaultLayout("abc", 4<<20)},
		{name: "data inside metadata", layout: Layout{PVID: NewID(), DeviceSize: 1 << 20, MetadataOffset: 4096, MetadataSize: 8192, DataOffset: 8192}},
		{name: "data past device", layout: DefaultLayout(NewID(), 1<<20)},
		{name: "text too large", layout: Layout{PVID: NewID(), DeviceSize: 1 << 20, MetadataOffset: 4096, MetadataSize: 1024, DataOffset: 8192}, text: make([]byte, 600)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WritePhysicalVolume(dev, tt.layout, tt.text)
			var ce *diskerr.ConfigurationError
			if !errors.As(err, &ce) {
				t.Errorf("WritePhysicalVolume() error = %v, want ConfigurationError", err)
			}
		})
	}
}

func TestCreateVolumeGroup(t *testing.T) {
	const size = 16 << 20
	dev := backend.NewMemory(make([]byte, size))
	vg, err := CreateVolumeGroup(dev, size, "data", "root")
	if err != nil {
		t.Fatalf("CreateVolumeGroup() error = %v", err)
	}

	label, err := ReadLabel(dev, size)
	if err != nil {
		t.Fatalf("ReadLabel() error = %v", err)
	}
	if label.PVID != vg.PhysicalVolumes[0].ID {
		t.Errorf("label PVID = %q, want %q", label.PVID, vg.PhysicalVolumes[0].ID)
	}

	got, err := ReadMetadata(dev, label)
	if err != nil {
		t.Fatalf("ReadMetadata() error = %v", err)
	}
	if got.Name != "data" || got.ExtentBytes() != 4<<20 || got.PhysicalVolumes[0].PECount != 3 {
		t.Errorf("group = %+v", got)
	}
	lv, ok := got.LogicalVolume("root")
	if !ok || !lv.Visible() || lv.ExtentCount() != 3 {
		t.Errorf("LogicalVolume(root) = %+v, %v", lv, ok)
	}

	var ce *diskerr.ConfigurationError
	if _, err := CreateVolumeGroup(backend.NewMemory(make([]byte, 4<<20)), 4<<20, "data", "root"); !errors.As(err, &ce) {
		t.Errorf("CreateVolumeGroup(4 MiB) error = %v, want ConfigurationError", err)
	}
}
