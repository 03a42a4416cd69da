// Package fsprobe identifies the file system or volume signature at the
// start of a volume.
//
// Probing reads a few fixed offsets and never interprets file-system
// structures beyond the superblock, with one exception: ISO9660 volumes are
// opened with github.com/kdomanski/iso9660 to read their label and root
// directory.
package fsprobe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/spindle/internal/lvm"
)

var log = logrus.WithField("component", "fsprobe")

// ErrNotRecognized reports a volume without a known signature.
var ErrNotRecognized = errors.New("no recognized file system")

// Type names a file system or signature.
type Type string

const (
	TypeISO9660 Type = "iso9660"
	TypeExt2    Type = "ext2"
	TypeExt3    Type = "ext3"
	TypeExt4    Type = "ext4"
	TypeXFS     Type = "xfs"
	TypeNTFS    Type = "ntfs"
	TypeFAT12   Type = "fat12"
	TypeFAT16   Type = "fat16"
	TypeFAT32   Type = "fat32"
	TypeSwap    Type = "swap"
	TypeLVM2    Type = "LVM2_member"
)

// Result describes a recognized volume.
type Result struct {
	Type  Type   `json:"type" yaml:"type"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
	UUID  string `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	// Files lists the root directory of an ISO9660 volume.
	Files []string `json:"files,omitempty" yaml:"files,omitempty"`
}

type prober func(r io.ReaderAt, size int64) (*Result, error)

// Order matters: LVM2 and swap signatures survive a later mkfs that does
// not wipe them, so file systems are tried first.
var probers = []prober{
	probeExt,
	probeXFS,
	probeNTFS,
	probeFAT,
	probeISO,
	probeSwap,
	probeLVM2,
}

// Probe identifies the volume r of size bytes. It returns ErrNotRecognized
// when no signature matches; read errors are returned as they are.
func Probe(r io.ReaderAt, size int64) (*Result, error) {
	for _, p := range probers {
		res, err := p(r, size)
		if err != nil {
			return nil, err
		}
		if res != nil {
			log.WithFields(logrus.Fields{"type": res.Type, "label": res.Label}).Debug("recognized volume")
			return res, nil
		}
	}
	return nil, ErrNotRecognized
}

// readAt reads len(p) bytes at off. ok is false when the range lies past
// the end of the volume.
func readAt(r io.ReaderAt, p []byte, off, size int64) (ok bool, err error) {
	if off+int64(len(p)) > size {
		return false, nil
	}
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return true, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return false, fmt.Errorf("failed to read at offset %d: %w", off, err)
}

// cstring trims a fixed-width, NUL or space padded field.
func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimRight(string(b), " ")
}

func uuidString(b []byte) string {
	id, err := uuid.FromBytes(b)
	if err != nil || id == uuid.Nil {
		return ""
	}
	return id.String()
}

const (
	extSuperblock      = 1024
	extMagic           = 0xEF53
	extCompatJournal   = 0x4
	extIncompatExtents = 0x40
	extIncompat64Bit   = 0x80
)

func probeExt(r io.ReaderAt, size int64) (*Result, error) {
	sb := make([]byte, 136)
	if ok, err := readAt(r, sb, extSuperblock, size); !ok {
		return nil, err
	}
	if binary.LittleEndian.Uint16(sb[56:]) != extMagic {
		return nil, nil
	}

	res := &Result{
		Type:  TypeExt2,
		UUID:  uuidString(sb[104:120]),
		Label: cstring(sb[120:136]),
	}
	compat := binary.LittleEndian.Uint32(sb[92:])
	incompat := binary.LittleEndian.Uint32(sb[96:])
	switch {
	case incompat&(extIncompatExtents|extIncompat64Bit) != 0:
		res.Type = TypeExt4
	case compat&extCompatJournal != 0:
		res.Type = TypeExt3
	}
	return res, nil
}

func probeXFS(r io.ReaderAt, size int64) (*Result, error) {
	sb := make([]byte, 120)
	if ok, err := readAt(r, sb, 0, size); !ok {
		return nil, err
	}
	if string(sb[:4]) != "XFSB" {
		return nil, nil
	}
	return &Result{
		Type:  TypeXFS,
		UUID:  uuidString(sb[32:48]),
		Label: cstring(sb[108:120]),
	}, nil
}

func probeNTFS(r io.ReaderAt, size int64) (*Result, error) {
	boot := make([]byte, 512)
	if ok, err := readAt(r, boot, 0, size); !ok {
		return nil, err
	}
	if string(boot[3:11]) != "NTFS    " {
		return nil, nil
	}
	// The label lives in the $Volume MFT record; only the serial is read.
	return &Result{
		Type: TypeNTFS,
		UUID: fmt.Sprintf("%016X", binary.LittleEndian.Uint64(boot[0x48:])),
	}, nil
}

func probeFAT(r io.ReaderAt, size int64) (*Result, error) {
	boot := make([]byte, 512)
	if ok, err := readAt(r, boot, 0, size); !ok {
		return nil, err
	}
	if boot[510] != 0x55 || boot[511] != 0xAA {
		return nil, nil
	}

	var res Result
	var serial []byte
	switch {
	case string(boot[82:87]) == "FAT32":
		res.Type = TypeFAT32
		serial, res.Label = boot[67:71], cstring(boot[71:82])
	case string(boot[54:59]) == "FAT12":
		res.Type = TypeFAT12
		serial, res.Label = boot[39:43], cstring(boot[43:54])
	case string(boot[54:59]) == "FAT16":
		res.Type = TypeFAT16
		serial, res.Label = boot[39:43], cstring(boot[43:54])
	default:
		return nil, nil
	}
	if res.Label == "NO NAME" {
		res.Label = ""
	}
	res.UUID = fmt.Sprintf("%04X-%04X", binary.LittleEndian.Uint16(serial[2:]), binary.LittleEndian.Uint16(serial))
	return &res, nil
}

const (
	swapPageSize = 4096
	swapMagic    = "SWAPSPACE2"
)

func probeSwap(r io.ReaderAt, size int64) (*Result, error) {
	magic := make([]byte, len(swapMagic))
	if ok, err := readAt(r, magic, swapPageSize-int64(len(swapMagic)), size); !ok {
		return nil, err
	}
	if string(magic) != swapMagic {
		return nil, nil
	}

	hdr := make([]byte, 44)
	if ok, err := readAt(r, hdr, 1024, size); !ok {
		return nil, err
	}
	return &Result{
		Type:  TypeSwap,
		UUID:  uuidString(hdr[12:28]),
		Label: cstring(hdr[28:44]),
	}, nil
}

func probeLVM2(r io.ReaderAt, size int64) (*Result, error) {
	label, err := lvm.ReadLabel(r, size)
	switch {
	case errors.Is(err, lvm.ErrNoLabel):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return &Result{Type: TypeLVM2, UUID: label.PVID}, nil
}
