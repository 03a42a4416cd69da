package vhd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"

	"github.com/jbweber/spindle/internal/diskerr"
)

const (
	// HeaderSize is the size of the dynamic disk header.
	HeaderSize = 1024

	// DefaultBlockSize is the block size used when creating dynamic disks.
	DefaultBlockSize = 2 << 20

	headerCookie   = "cxsparse"
	headerVersion  = 0x00010000
	parentNameSize = 512
	locatorCount   = 8
	locatorSize    = 24
	locatorOffset  = 576

	// locatorDataSpace is the slot reserved for each locator written by
	// this package.
	locatorDataSpace = 512
)

// Platform codes of parent locators.
const (
	PlatformNone            uint32 = 0
	PlatformWindowsAbsolute uint32 = 0x57326B75 // "W2ku"
	PlatformWindowsRelative uint32 = 0x57327275 // "W2ru"
)

var (
	utf16BE = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
	utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
)

// ParentLocator is one entry of the dynamic header's locator table.
type ParentLocator struct {
	PlatformCode uint32
	DataSpace    uint32
	DataLength   uint32
	DataOffset   int64
}

// DynamicHeader describes the BAT and parent of dynamic and differencing
// disks.
type DynamicHeader struct {
	TableOffset     int64
	Version         uint32
	MaxTableEntries uint32
	BlockSize       uint32
	Checksum        uint32
	ParentUniqueID  uuid.UUID
	ParentTimestamp time.Time
	ParentName      string
	Locators        [locatorCount]ParentLocator
}

// ParseHeader decodes and validates a dynamic header read from off.
func ParseHeader(b []byte, off int64) (*DynamicHeader, error) {
	if len(b) < HeaderSize {
		return nil, diskerr.Corruptf("vhd", off, "dynamic header truncated to %d bytes", len(b))
	}
	if cookie := string(b[0:8]); cookie != headerCookie {
		return nil, diskerr.Corrupt("vhd", off, "dynamic header cookie", headerCookie, fmt.Sprintf("%q", cookie))
	}

	h := &DynamicHeader{
		TableOffset:     int64(binary.BigEndian.Uint64(b[16:])),
		Version:         binary.BigEndian.Uint32(b[24:]),
		MaxTableEntries: binary.BigEndian.Uint32(b[28:]),
		BlockSize:       binary.BigEndian.Uint32(b[32:]),
		Checksum:        binary.BigEndian.Uint32(b[36:]),
		ParentTimestamp: fromVHDTime(binary.BigEndian.Uint32(b[56:])),
	}
	copy(h.ParentUniqueID[:], b[40:56])

	if sum := checksum(b[:HeaderSize], 36); sum != h.Checksum {
		return nil, diskerr.Corrupt("vhd", off+36, "dynamic header checksum", fmt.Sprintf("%#08x", sum), fmt.Sprintf("%#08x", h.Checksum))
	}
	if h.Version != headerVersion {
		return nil, diskerr.Unsupported("vhd", fmt.Sprintf("dynamic header version %#08x", h.Version))
	}
	if h.BlockSize < SectorSize || h.BlockSize&(h.BlockSize-1) != 0 {
		return nil, diskerr.Corrupt("vhd", off+32, "block size", "power of two >= 512", h.BlockSize)
	}
	if h.TableOffset < 0 || h.TableOffset%SectorSize != 0 {
		return nil, diskerr.Corrupt("vhd", off+16, "table offset", "sector aligned", h.TableOffset)
	}

	name, err := decodeUTF16(utf16BE, b[64:64+parentNameSize])
	if err != nil {
		return nil, &diskerr.CorruptFormatError{Format: "vhd", Offset: off + 64, Field: "parent name", Err: err}
	}
	h.ParentName = name

	for i := range h.Locators {
		e := b[locatorOffset+i*locatorSize:]
		h.Locators[i] = ParentLocator{
			PlatformCode: binary.BigEndian.Uint32(e[0:]),
			DataSpace:    binary.BigEndian.Uint32(e[4:]),
			DataLength:   binary.BigEndian.Uint32(e[8:]),
			DataOffset:   int64(binary.BigEndian.Uint64(e[16:])),
		}
	}
	return h, nil
}

// Marshal encodes the header, recomputing its checksum.
func (h *DynamicHeader) Marshal() ([]byte, error) {
	b := make([]byte, HeaderSize)
	copy(b[0:8], headerCookie)
	binary.BigEndian.PutUint64(b[8:], ^uint64(0))
	binary.BigEndian.PutUint64(b[16:], uint64(h.TableOffset))
	binary.BigEndian.PutUint32(b[24:], h.Version)
	binary.BigEndian.PutUint32(b[28:], h.MaxTableEntries)
	binary.BigEndian.PutUint32(b[32:], h.BlockSize)
	copy(b[40:56], h.ParentUniqueID[:])
	if h.ParentUniqueID != uuid.Nil {
		binary.BigEndian.PutUint32(b[56:], toVHDTime(h.ParentTimestamp))
	}

	name, err := utf16BE.NewEncoder().Bytes([]byte(h.ParentName))
	if err != nil {
		return nil, fmt.Errorf("failed to encode parent name: %w", err)
	}
	if len(name) > parentNameSize {
		return nil, fmt.Errorf("parent name %q exceeds %d bytes", h.ParentName, parentNameSize)
	}
	copy(b[64:], name)

	for i, l := range h.Locators {
		e := b[locatorOffset+i*locatorSize:]
		binary.BigEndian.PutUint32(e[0:], l.PlatformCode)
		binary.BigEndian.PutUint32(e[4:], l.DataSpace)
		binary.BigEndian.PutUint32(e[8:], l.DataLength)
		binary.BigEndian.PutUint64(e[16:], uint64(l.DataOffset))
	}

	h.Checksum = checksum(b, 36)
	binary.BigEndian.PutUint32(b[36:], h.Checksum)
	return b, nil
}

// bitmapSize returns the sector bitmap size for a block, padded to a sector.
func (h *DynamicHeader) bitmapSize() int64 {
	return bitmapSizeFor(int64(h.BlockSize))
}

// batSize returns the on-disk size of the BAT, padded to a sector.
func (h *DynamicHeader) batSize() int64 {
	return roundUp(int64(h.MaxTableEntries)*4, SectorSize)
}

func bitmapSizeFor(blockSize int64) int64 {
	bits := blockSize / SectorSize
	return roundUp((bits+7)/8, SectorSize)
}

func roundUp(v, align int64) int64 {
	return (v + align - 1) / align * align
}

// decodeUTF16 decodes b and strips trailing NULs.
func decodeUTF16(enc encoding.Encoding, b []byte) (string, error) {
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(out, "\x00")), nil
}
