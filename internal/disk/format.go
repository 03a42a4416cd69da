package disk

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Format is the container format of a disk image.
type Format string

const (
	FormatRaw   Format = "raw"
	FormatVHD   Format = "vhd"
	FormatQCOW2 Format = "qcow2"
	FormatVHDX  Format = "vhdx"
	FormatVMDK  Format = "vmdk"
)

// Supported reports whether images of this format can be opened.
func (f Format) Supported() bool {
	return f == FormatRaw || f == FormatVHD
}

// Magic bytes used for format detection.
var (
	// qcow2Magic is "QFI" followed by 0xfb at offset 0.
	qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb}

	// vhdxMagic is the file type identifier at offset 0 of a VHDX image.
	vhdxMagic = []byte("vhdxfile")

	// vmdkMagic is the little-endian "VMDK" signature of a hosted sparse
	// extent.
	vmdkMagic = []byte("KDMV")

	// vhdCookie opens the VHD footer. Fixed disks carry it only in the last
	// sector; dynamic disks also keep a copy at offset 0.
	vhdCookie = []byte("conectix")
)

// DetectFormat identifies the container format of an image of size bytes by
// its magic bytes. Anything unrecognized is raw.
func DetectFormat(r io.ReaderAt, size int64) (Format, error) {
	head := make([]byte, 8)
	if err := readHeader(r, head, 0, size); err != nil {
		return "", fmt.Errorf("failed to read image header: %w", err)
	}

	switch {
	case bytes.HasPrefix(head, qcow2Magic):
		return FormatQCOW2, nil
	case bytes.Equal(head, vhdxMagic):
		return FormatVHDX, nil
	case bytes.HasPrefix(head, vmdkMagic):
		return FormatVMDK, nil
	}

	if size >= 512 {
		tail := make([]byte, 8)
		if err := readHeader(r, tail, size-512, size); err != nil {
			return "", fmt.Errorf("failed to read image footer: %w", err)
		}
		if bytes.Equal(tail, vhdCookie) {
			return FormatVHD, nil
		}
	}
	// A dynamic disk whose trailing footer was lost.
	if bytes.Equal(head, vhdCookie) {
		return FormatVHD, nil
	}
	return FormatRaw, nil
}

// readHeader reads len(p) bytes at off, zero-filling whatever lies past the
// end of a short image.
func readHeader(r io.ReaderAt, p []byte, off, size int64) error {
	clear(p)
	want := min(int64(len(p)), max(size-off, 0))
	if want == 0 {
		return nil
	}
	n, err := r.ReadAt(p[:want], off)
	if int64(n) == want {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
