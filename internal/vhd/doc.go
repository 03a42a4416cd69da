// Package vhd reads and writes Virtual Hard Disk images.
//
// Three disk types are handled:
//   - Fixed: the data followed by a 512-byte footer
//   - Dynamic: a footer copy, a dynamic header, a block allocation table
//     (BAT) and payload blocks, each preceded by a sector bitmap
//   - Differencing: a dynamic disk that records its parent's unique id and
//     locations, holding only the sectors written since the parent
//
// On-Disk Layout of New Dynamic Disks:
//
//	0      footer copy (512)
//	512    dynamic header (1024)
//	1536   BAT, one big-endian uint32 sector offset per block, 0xFFFFFFFF if
//	       unallocated, padded to a sector with 0xFF
//	...    parent locator data (differencing disks only)
//	...    [bitmap | block] repeated as blocks are allocated
//	end    footer
//
// Allocation Ordering:
//
// A new block's bitmap and payload are written together with a relocated
// trailing footer and synced before its BAT entry is written and synced. A
// crash in between leaves the BAT unchanged. If the trailing footer itself
// was damaged, Open falls back to the copy at offset zero.
//
// An Image alone shows only its own sectors. The chain package layers a
// differencing image over its parents.
//
// Example usage:
//
//	f, err := backend.OpenFile("disk.vhd", true)
//	if err != nil {
//	    return err
//	}
//	img, err := vhd.Open(f)
//	if err != nil {
//	    f.Close()
//	    return err
//	}
//	defer img.Close()
package vhd
