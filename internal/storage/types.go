package storage

import (
	"github.com/jbweber/spindle/internal/disk"
)

// PoolInfo describes a libvirt storage pool.
type PoolInfo struct {
	Name       string `json:"name" yaml:"name"`
	Type       string `json:"type" yaml:"type"`
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`
	UUID       string `json:"uuid" yaml:"uuid"`
	State      string `json:"state" yaml:"state"`
	Capacity   uint64 `json:"capacity" yaml:"capacity"`
	Allocation uint64 `json:"allocation" yaml:"allocation"`
	Available  uint64 `json:"available" yaml:"available"`
}

// ImageInfo describes a volume in a pool.
type ImageInfo struct {
	Name       string `json:"name" yaml:"name"`
	Pool       string `json:"pool" yaml:"pool"`
	Path       string `json:"path" yaml:"path"`
	Format     string `json:"format,omitempty" yaml:"format,omitempty"`
	Capacity   uint64 `json:"capacity" yaml:"capacity"`
	Allocation uint64 `json:"allocation" yaml:"allocation"`
	// BackingStore is the parent image of a differencing volume.
	BackingStore string `json:"backingStore,omitempty" yaml:"backingStore,omitempty"`
}

// Locator returns the libvirt:// locator of the image.
func (i ImageInfo) Locator() string {
	return disk.LibvirtScheme + i.Pool + "/" + i.Name
}

// LibvirtFormat maps a disk format to libvirt's name for it. libvirt calls
// VHD "vpc", after Virtual PC.
func LibvirtFormat(f disk.Format) string {
	if f == disk.FormatVHD {
		return "vpc"
	}
	return string(f)
}
