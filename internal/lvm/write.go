package lvm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jbweber/spindle/internal/diskerr"
)

// Layout places the areas of a physical volume written by
// WritePhysicalVolume. Offsets and sizes are in bytes.
type Layout struct {
	// PVID is the id in raw or dashed form.
	PVID       string
	DeviceSize uint64

	MetadataOffset uint64
	MetadataSize   uint64
	DataOffset     uint64
}

// DefaultLayout is the layout pvcreate uses: one 1 MiB metadata area after
// the label and data from 1 MiB.
func DefaultLayout(pvid string, deviceSize uint64) Layout {
	return Layout{
		PVID:           pvid,
		DeviceSize:     deviceSize,
		MetadataOffset: 4096,
		MetadataSize:   1<<20 - 4096,
		DataOffset:     1 << 20,
	}
}

// WritePhysicalVolume writes a label in sector 1, a PV header and one
// metadata area holding text.
func WritePhysicalVolume(w io.WriterAt, l Layout, text []byte) error {
	id := RawID(l.PVID)
	if len(id) != idLength {
		return diskerr.Configf("lvm.WritePhysicalVolume", "pv id %q must have %d characters", l.PVID, idLength)
	}
	if l.MetadataOffset < 2*SectorSize || l.MetadataOffset+l.MetadataSize > l.DataOffset || l.DataOffset >= l.DeviceSize {
		return diskerr.Configf("lvm.WritePhysicalVolume", "areas overlap or exceed device: %+v", l)
	}
	if uint64(len(text)) > l.MetadataSize-mdaHeaderSize {
		return diskerr.Configf("lvm.WritePhysicalVolume", "metadata of %d bytes exceeds area of %d", len(text), l.MetadataSize)
	}

	sector := make([]byte, SectorSize)
	copy(sector, labelID)
	binary.LittleEndian.PutUint64(sector[8:], 1)
	binary.LittleEndian.PutUint32(sector[20:], 32)
	copy(sector[24:], labelType)
	b := sector[32:]
	copy(b, id)
	binary.LittleEndian.PutUint64(b[32:], l.DeviceSize)
	binary.LittleEndian.PutUint64(b[40:], l.DataOffset)
	// b[48:56] data area size 0 (to the end), b[56:72] terminator.
	binary.LittleEndian.PutUint64(b[72:], l.MetadataOffset)
	binary.LittleEndian.PutUint64(b[80:], l.MetadataSize)
	binary.LittleEndian.PutUint32(sector[16:], Checksum(sector[labelCRCStart:]))

	hdr := make([]byte, mdaHeaderSize)
	copy(hdr[4:], mdaMagic)
	binary.LittleEndian.PutUint32(hdr[20:], mdaVersion)
	binary.LittleEndian.PutUint64(hdr[24:], l.MetadataOffset)
	binary.LittleEndian.PutUint64(hdr[32:], l.MetadataSize)
	rl := hdr[rawLocnOffset:]
	binary.LittleEndian.PutUint64(rl, mdaHeaderSize)
	binary.LittleEndian.PutUint64(rl[8:], uint64(len(text)))
	binary.LittleEndian.PutUint32(rl[16:], Checksum(text))
	binary.LittleEndian.PutUint32(hdr, Checksum(hdr[4:]))

	writes := []struct {
		data []byte
		off  uint64
	}{
		{sector, SectorSize},
		{text, l.MetadataOffset + mdaHeaderSize},
		{hdr, l.MetadataOffset},
	}
	for _, wr := range writes {
		if _, err := w.WriteAt(wr.data, int64(wr.off)); err != nil {
			return fmt.Errorf("failed to write physical volume at %d: %w", wr.off, err)
		}
	}
	return nil
}

// DefaultExtentSize is the 4 MiB extent vgcreate uses, in sectors.
const DefaultExtentSize = 8192

// CreateVolumeGroup turns w, a device of deviceSize bytes, into the only
// physical volume of a new group named vgName. The group holds one linear
// logical volume named lvName over every extent.
func CreateVolumeGroup(w io.WriterAt, deviceSize int64, vgName, lvName string) (*VolumeGroup, error) {
	pvid := NewID()
	layout := DefaultLayout(pvid, uint64(max(deviceSize, 0)))
	extentBytes := int64(DefaultExtentSize * SectorSize)
	count := (deviceSize - int64(layout.DataOffset)) / extentBytes
	if count <= 0 {
		return nil, diskerr.Configf("lvm.CreateVolumeGroup", "device of %d bytes holds no %d byte extent", deviceSize, extentBytes)
	}

	host, _ := os.Hostname()
	vg := &VolumeGroup{
		Name:       vgName,
		ID:         NewID(),
		Seqno:      1,
		Status:     []string{"RESIZEABLE", "READ", "WRITE"},
		ExtentSize: DefaultExtentSize,
		PhysicalVolumes: []PhysicalVolume{{
			Name:    "pv0",
			ID:      pvid,
			Status:  []string{"ALLOCATABLE"},
			DevSize: deviceSize / SectorSize,
			PEStart: int64(layout.DataOffset) / SectorSize,
			PECount: count,
		}},
		LogicalVolumes: []LogicalVolume{{
			Name:         lvName,
			ID:           NewID(),
			Status:       []string{"READ", "WRITE", "VISIBLE"},
			CreationHost: host,
			CreationTime: time.Now().Unix(),
			Segments: []Segment{{
				StartExtent: 0,
				ExtentCount: count,
				Type:        SegmentStriped,
				Areas:       []Area{{Name: "pv0", Extent: 0}},
			}},
		}},
	}
	if err := WritePhysicalVolume(w, layout, FormatMetadata(vg)); err != nil {
		return nil, err
	}
	return vg, nil
}

// NewID returns a random id in LVM's dashed form.
func NewID() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	a, b := uuid.New(), uuid.New()
	raw := make([]byte, 0, idLength)
	for _, c := range append(a[:], b[:]...) {
		raw = append(raw, alphabet[int(c)%len(alphabet)])
	}
	return FormatID(string(raw))
}

// FormatMetadata renders vg in the text form ParseMetadata reads.
func FormatMetadata(vg *VolumeGroup) []byte {
	var f formatter
	f.line("contents = %s", quote("Text Format Volume Group"))
	f.line("version = 1")
	f.line("")
	f.open(vg.Name)
	f.line("id = %s", quote(vg.ID))
	f.line("seqno = %d", vg.Seqno)
	f.line(`format = "lvm2"`)
	f.line("status = %s", quoteList(vg.Status))
	f.line("flags = %s", quoteList(vg.Flags))
	f.line("extent_size = %d", vg.ExtentSize)
	f.line("max_lv = 0")
	f.line("max_pv = 0")
	f.line("")

	f.open("physical_volumes")
	for _, pv := range vg.PhysicalVolumes {
		f.open(pv.Name)
		f.line("id = %s", quote(pv.ID))
		f.line("device = %s", quote(pv.Device))
		f.line("status = %s", quoteList(pv.Status))
		f.line("flags = %s", quoteList(pv.Flags))
		f.line("dev_size = %d", pv.DevSize)
		f.line("pe_start = %d", pv.PEStart)
		f.line("pe_count = %d", pv.PECount)
		f.close()
	}
	f.close()

	if len(vg.LogicalVolumes) > 0 {
		f.line("")
		f.open("logical_volumes")
		for _, lv := range vg.LogicalVolumes {
			f.open(lv.Name)
			f.line("id = %s", quote(lv.ID))
			f.line("status = %s", quoteList(lv.Status))
			f.line("flags = %s", quoteList(lv.Flags))
			if lv.CreationHost != "" {
				f.line("creation_host = %s", quote(lv.CreationHost))
				f.line("creation_time = %d", lv.CreationTime)
			}
			f.line("segment_count = %d", len(lv.Segments))
			for i, seg := range lv.Segments {
				f.line("")
				f.open(fmt.Sprintf("segment%d", i+1))
				formatSegment(&f, seg)
				f.close()
			}
			f.close()
		}
		f.close()
	}
	f.close()
	return f.buf.Bytes()
}

func formatSegment(f *formatter, seg Segment) {
	f.line("start_extent = %d", seg.StartExtent)
	f.line("extent_count = %d", seg.ExtentCount)
	f.line("")
	f.line("type = %s", quote(seg.Type))

	areas := make([]string, 0, len(seg.Areas))
	for _, a := range seg.Areas {
		areas = append(areas, quote(a.Name)+", "+strconv.FormatInt(a.Extent, 10))
	}
	list := "[" + strings.Join(areas, ", ") + "]"

	switch seg.Type {
	case SegmentStriped:
		f.line("stripe_count = %d", len(seg.Areas))
		if seg.StripeSize > 0 {
			f.line("stripe_size = %d", seg.StripeSize)
		}
		f.line("")
		f.line("stripes = %s", list)
	case SegmentMirror:
		f.line("mirror_count = %d", len(seg.Areas))
		if seg.MirrorLog != "" {
			f.line("mirror_log = %s", quote(seg.MirrorLog))
		}
		if seg.RegionSize > 0 {
			f.line("region_size = %d", seg.RegionSize)
		}
		f.line("")
		f.line("mirrors = %s", list)
	}
}

type formatter struct {
	buf   bytes.Buffer
	depth int
}

func (f *formatter) line(format string, args ...any) {
	if format == "" {
		f.buf.WriteByte('\n')
		return
	}
	f.buf.WriteString(strings.Repeat("\t", f.depth))
	fmt.Fprintf(&f.buf, format, args...)
	f.buf.WriteByte('\n')
}

func (f *formatter) open(name string) {
	f.line("%s {", name)
	f.depth++
}

func (f *formatter) close() {
	f.depth--
	f.line("}")
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

func quoteList(items []string) string {
	q := make([]string, len(items))
	for i, s := range items {
		q[i] = quote(s)
	}
	return "[" + strings.Join(q, ", ") + "]"
}
