// Package disk opens disk images as flat content streams.
//
// A locator is a file path or a libvirt://pool/volume reference resolved
// through Options.Resolve. The container format is detected from magic
// bytes: raw images are exposed directly, VHD images through their full
// differencing chain. qcow2, VHDX and VMDK images are recognized and
// rejected with an UnsupportedFormatError.
//
// Example usage:
//
//	d, err := disk.Open("/var/lib/images/web.vhd", disk.Options{})
//	if err != nil {
//	    return err
//	}
//	defer d.Close()
//
//	table, err := d.Partitions()
//	if errors.Is(err, diskerr.ErrNotPartitioned) {
//	    // treat d.Content() as a single volume
//	}
package disk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/spindle/internal/backend"
	"github.com/jbweber/spindle/internal/chain"
	"github.com/jbweber/spindle/internal/diskerr"
	"github.com/jbweber/spindle/internal/naming"
	"github.com/jbweber/spindle/internal/partition"
	"github.com/jbweber/spindle/internal/stream"
	"github.com/jbweber/spindle/internal/vhd"
)

var log = logrus.WithField("component", "disk")

// LibvirtScheme prefixes locators that name a volume in a libvirt pool.
const LibvirtScheme = "libvirt://"

// Options configure Open.
type Options struct {
	// Writable opens the image, or the top layer of a chain, for writing.
	Writable bool

	// MaxDepth bounds differencing chains; chain.DefaultMaxDepth when zero.
	MaxDepth int

	// Layers shares parent layers between disks. When nil every disk opens
	// its own parents.
	Layers *chain.LayerSet

	// Resolve maps a libvirt:// locator to a file path.
	Resolve func(locator string) (string, error)

	// Ordinal is the disk's position in a scan, used for its identity when
	// the disk carries no signature.
	Ordinal int
}

// Disk is an opened disk image.
type Disk struct {
	path    string
	format  Format
	content stream.Stream
	chain   *chain.Chain
	ordinal int

	table    *partition.Table
	tableErr error
	parsed   bool
}

// Open opens the disk image named by locator.
func Open(locator string, opts Options) (*Disk, error) {
	path, err := resolve(locator, opts)
	if err != nil {
		return nil, err
	}

	f, err := backend.OpenFile(path, opts.Writable)
	if err != nil {
		return nil, err
	}
	size, err := f.Size()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	format, err := DetectFormat(f, size)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to detect format of %s: %w", path, err)
	}

	d := &Disk{path: path, format: format, ordinal: opts.Ordinal}
	switch format {
	case FormatRaw:
		d.content = stream.Raw(f, size)
	case FormatVHD:
		f.Close()
		copts := chain.Options{MaxDepth: opts.MaxDepth}
		var c *chain.Chain
		if opts.Layers != nil {
			c, err = opts.Layers.Open(path, opts.Writable, copts)
		} else {
			c, err = chain.Open(path, opts.Writable, chain.FileOpener, copts)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		d.content, d.chain = c, c
	default:
		f.Close()
		return nil, diskerr.Unsupported("disk image", string(format))
	}

	log.WithFields(logrus.Fields{"path": path, "format": format, "size": d.content.Size()}).Debug("opened disk")
	return d, nil
}

// New wraps an already opened content stream.
func New(name string, content stream.Stream, format Format, ordinal int) *Disk {
	d := &Disk{path: name, format: format, content: content, ordinal: ordinal}
	if c, ok := content.(*chain.Chain); ok {
		d.chain = c
	}
	return d
}

func resolve(locator string, opts Options) (string, error) {
	if !strings.HasPrefix(locator, LibvirtScheme) {
		return locator, nil
	}
	if opts.Resolve == nil {
		return "", diskerr.Configf("disk.Open", "no libvirt connection to resolve %s", locator)
	}
	path, err := opts.Resolve(locator)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", locator, err)
	}
	return path, nil
}

// Path returns the file the disk was opened from.
func (d *Disk) Path() string {
	return d.path
}

// Format returns the container format.
func (d *Disk) Format() Format {
	return d.format
}

// Size returns the size of the disk content in bytes.
func (d *Disk) Size() int64 {
	return d.content.Size()
}

// Content returns the flat disk content.
func (d *Disk) Content() stream.Stream {
	return d.content
}

// Chain returns the differencing chain of a VHD disk, or nil.
func (d *Disk) Chain() *chain.Chain {
	return d.chain
}

// Partitions decodes the partition table once and returns the cached
// result on later calls. An unpartitioned disk reports
// diskerr.ErrNotPartitioned.
func (d *Disk) Partitions() (*partition.Table, error) {
	if !d.parsed {
		d.table, d.tableErr = partition.Parse(d.content, d.content.Size())
		d.parsed = true
	}
	return d.table, d.tableErr
}

// ID returns the disk identity, derived from the partition table when there
// is one.
func (d *Disk) ID() string {
	table, err := d.Partitions()
	if err != nil {
		return naming.DiskID(0, uuid.Nil, d.ordinal)
	}
	return naming.DiskID(table.DiskSignature, table.DiskGUID, d.ordinal)
}

// Info summarizes a disk for display.
type Info struct {
	Path       string     `json:"path" yaml:"path"`
	ID         string     `json:"id" yaml:"id"`
	Format     Format     `json:"format" yaml:"format"`
	Size       int64      `json:"size" yaml:"size"`
	Allocated  int64      `json:"allocated" yaml:"allocated"`
	Scheme     string     `json:"scheme,omitempty" yaml:"scheme,omitempty"`
	Partitions int        `json:"partitions" yaml:"partitions"`
	Layers     []vhd.Info `json:"layers,omitempty" yaml:"layers,omitempty"`
}

// Info returns a summary of the disk. Partition table errors other than
// ErrNotPartitioned are returned.
func (d *Disk) Info() (Info, error) {
	info := Info{
		Path:   d.path,
		ID:     d.ID(),
		Format: d.format,
		Size:   d.Size(),
	}
	for _, e := range stream.Collect(d.content) {
		info.Allocated += e.Length
	}

	table, err := d.Partitions()
	switch {
	case err == nil:
		info.Scheme = string(table.Scheme)
		info.Partitions = len(table.Records)
	case !errors.Is(err, diskerr.ErrNotPartitioned):
		return info, err
	}

	if d.chain != nil {
		for _, l := range d.chain.Layers() {
			if img, ok := chain.Unwrap(l).(*vhd.Image); ok {
				info.Layers = append(info.Layers, img.Info())
			}
		}
	}
	return info, nil
}

// Close releases the content stream and everything it opened.
func (d *Disk) Close() error {
	return d.content.Close()
}
