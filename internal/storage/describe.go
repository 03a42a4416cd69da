package storage

import (
	"path/filepath"

	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/jbweber/spindle/internal/disk"
)

// DescribeDisk renders an opened disk as a libvirt volume definition. A
// differencing image gets a backingStore naming its parent, resolved
// relative to the image's directory.
func DescribeDisk(info disk.Info) *libvirtxml.StorageVolume {
	vol := &libvirtxml.StorageVolume{
		Type:       "file",
		Name:       filepath.Base(info.Path),
		Capacity:   &libvirtxml.StorageVolumeSize{Value: uint64(info.Size), Unit: "B"},
		Allocation: &libvirtxml.StorageVolumeSize{Value: uint64(info.Allocated), Unit: "B"},
		Target: &libvirtxml.StorageVolumeTarget{
			Path:   info.Path,
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: LibvirtFormat(info.Format)},
		},
	}

	if len(info.Layers) > 1 {
		parent := info.Layers[0].ParentName
		if parent != "" && !filepath.IsAbs(parent) {
			parent = filepath.Join(filepath.Dir(info.Path), parent)
		}
		vol.BackingStore = &libvirtxml.StorageVolumeBackingStore{
			Path:   parent,
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: LibvirtFormat(disk.FormatVHD)},
		}
	}
	return vol
}
