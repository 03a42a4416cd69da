package fsprobe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"slices"
	"testing"

	"github.com/kdomanski/iso9660"

	"github.com/jbweber/spindle/internal/backend"
	"github.com/jbweber/spindle/internal/lvm"
)

var testUUID = []byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}

const testUUIDString = "12345678-9abc-def0-1122-334455667788"

func extImage(compat, incompat uint32) []byte {
	img := make([]byte, 8192)
	sb := img[1024:]
	binary.LittleEndian.PutUint16(sb[56:], extMagic)
	binary.LittleEndian.PutUint32(sb[92:], compat)
	binary.LittleEndian.PutUint32(sb[96:], incompat)
	copy(sb[104:], testUUID)
	copy(sb[120:], "rootfs")
	return img
}

func xfsImage() []byte {
	img := make([]byte, 4096)
	copy(img, "XFSB")
	copy(img[32:], testUUID)
	copy(img[108:], "data")
	return img
}

func ntfsImage() []byte {
	img := make([]byte, 4096)
	copy(img[3:], "NTFS    ")
	binary.LittleEndian.PutUint64(img[0x48:], 0x0123456789ABCDEF)
	img[510], img[511] = 0x55, 0xAA
	return img
}

func fatImage(fat32 bool, label string) []byte {
	img := make([]byte, 4096)
	if fat32 {
		binary.LittleEndian.PutUint32(img[67:], 0xDEADBEEF)
		copy(img[71:82], label+"           ")
		copy(img[82:], "FAT32   ")
	} else {
		binary.LittleEndian.PutUint32(img[39:], 0xDEADBEEF)
		copy(img[43:54], label+"           ")
		copy(img[54:], "FAT16   ")
	}
	img[510], img[511] = 0x55, 0xAA
	return img
}

func swapImage() []byte {
	img := make([]byte, 8192)
	copy(img[1024+12:], testUUID)
	copy(img[1024+28:], "swap0")
	copy(img[swapPageSize-len(swapMagic):], swapMagic)
	return img
}

func lvmImage(t *testing.T) []byte {
	t.Helper()
	const size = 1 << 20
	mem := backend.NewMemory(make([]byte, size))
	vg := &lvm.VolumeGroup{Name: "vg0", ID: "vgvgvg-1111-2222-3333-4444-5555-666666", Seqno: 1, ExtentSize: 8}
	if err := lvm.WritePhysicalVolume(mem, lvm.DefaultLayout("aaaaaa-bbbb-cccc-dddd-eeee-ffff-gggggg", size), lvm.FormatMetadata(vg)); err != nil {
		t.Fatalf("WritePhysicalVolume() error = %v", err)
	}
	return mem.Bytes()
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name  string
		image []byte
		want  Result
	}{
		{name: "ext2", image: extImage(0, 0), want: Result{Type: TypeExt2, Label: "rootfs", UUID: testUUIDString}},
		{name: "ext3", image: extImage(extCompatJournal, 0), want: Result{Type: TypeExt3, Label: "rootfs", UUID: testUUIDString}},
		{name: "ext4", image: extImage(extCompatJournal, extIncompatExtents), want: Result{Type: TypeExt4, Label: "rootfs", UUID: testUUIDString}},
		{name: "xfs", image: xfsImage(), want: Result{Type: TypeXFS, Label: "data", UUID: testUUIDString}},
		{name: "ntfs", image: ntfsImage(), want: Result{Type: TypeNTFS, UUID: "0123456789ABCDEF"}},
		{name: "fat32", image: fatImage(true, "EFI"), want: Result{Type: TypeFAT32, Label: "EFI", UUID: "DEAD-BEEF"}},
		{name: "fat16 unlabeled", image: fatImage(false, "NO NAME"), want: Result{Type: TypeFAT16, UUID: "DEAD-BEEF"}},
		{name: "swap", image: swapImage(), want: Result{Type: TypeSwap, Label: "swap0", UUID: testUUIDString}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Probe(bytes.NewReader(tt.image), int64(len(tt.image)))
			if err != nil {
				t.Fatalf("Probe() error = %v", err)
			}
			if got.Type != tt.want.Type || got.Label != tt.want.Label || got.UUID != tt.want.UUID {
				t.Errorf("Probe() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestProbe_LVM2(t *testing.T) {
	img := lvmImage(t)
	got, err := Probe(bytes.NewReader(img), int64(len(img)))
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if got.Type != TypeLVM2 || got.UUID != "aaaaaa-bbbb-cccc-dddd-eeee-ffff-gggggg" {
		t.Errorf("Probe() = %+v, want LVM2_member", got)
	}
}

func TestProbe_NotRecognized(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{name: "zeros", size: 64 << 10},
		{name: "tiny", size: 100},
		{name: "empty", size: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Probe(bytes.NewReader(make([]byte, tt.size)), int64(tt.size))
			if !errors.Is(err, ErrNotRecognized) {
				t.Errorf("Probe() error = %v, want ErrNotRecognized", err)
			}
		})
	}
}

type failingReader struct{}

func (failingReader) ReadAt(p []byte, off int64) (int, error) {
	return 0, errors.New("medium error")
}

func TestProbe_ReadError(t *testing.T) {
	_, err := Probe(failingReader{}, 1<<20)
	if err == nil || errors.Is(err, ErrNotRecognized) {
		t.Errorf("Probe() error = %v, want read error", err)
	}
}

// buildISO writes an ISO9660 image holding files under label.
func buildISO(t *testing.T, label string, files map[string]string) []byte {
	t.Helper()
	w, err := iso9660.NewWriter()
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	defer func() {
		_ = w.Cleanup()
	}()

	for name, content := range files {
		if err := w.AddFile(bytes.NewReader([]byte(content)), name); err != nil {
			t.Fatalf("AddFile(%s) error = %v", name, err)
		}
	}

	var buf bytes.Buffer
	if err := w.WriteTo(&buf, label); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	return buf.Bytes()
}

func TestProbe_ISO9660(t *testing.T) {
	img := buildISO(t, "CIDATA", map[string]string{
		"user-data": "#cloud-config\n",
		"meta-data": "instance-id: test\n",
	})

	got, err := Probe(bytes.NewReader(img), int64(len(img)))
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if got.Type != TypeISO9660 || got.Label != "CIDATA" {
		t.Errorf("Probe() = %+v, want iso9660 CIDATA", got)
	}
	slices.Sort(got.Files)
	if want := []string{"meta-data", "user-data"}; !slices.Equal(got.Files, want) {
		t.Errorf("Files = %v, want %v", got.Files, want)
	}
}

func TestReadISO_Invalid(t *testing.T) {
	if _, err := ReadISO(bytes.NewReader(make([]byte, 64<<10))); err == nil {
		t.Error("ReadISO() error = nil, want error")
	}
}

func TestCString(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{in: []byte("label\x00\x00\x00"), want: "label"},
		{in: []byte("EFI        "), want: "EFI"},
		{in: []byte{0, 'x'}, want: ""},
	}
	for _, tt := range tests {
		if got := cstring(tt.in); got != tt.want {
			t.Errorf("cstring(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
