package libvirt

import (
	"fmt"
	"strings"

	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/spindle/api/v1alpha1"
	"github.com/jbweber/spindle/internal/disk"
	"github.com/jbweber/spindle/internal/storage"
)

// DiskDevice describes how to attach an image to a domain.
type DiskDevice struct {
	// Locator is a file path or libvirt://pool/volume.
	Locator string
	Format  disk.Format
	// Target is the guest device name; its prefix picks the bus.
	Target   string
	ReadOnly bool
}

// targetBus maps a target device prefix to its bus.
func targetBus(dev string) (string, error) {
	switch {
	case strings.HasPrefix(dev, "vd"):
		return "virtio", nil
	case strings.HasPrefix(dev, "sd"):
		return "scsi", nil
	case strings.HasPrefix(dev, "hd"):
		return "ide", nil
	}
	return "", fmt.Errorf("unsupported target device %q: want vdX, sdX or hdX", dev)
}

// GenerateDiskXML renders the <disk> element that attaches d to a domain,
// e.g. with virsh attach-device.
func GenerateDiskXML(d DiskDevice) (string, error) {
	bus, err := targetBus(d.Target)
	if err != nil {
		return "", err
	}

	dd := &libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{
			Name:  "qemu",
			Type:  storage.LibvirtFormat(d.Format),
			Cache: "none",
		},
		Source: &libvirtxml.DomainDiskSource{},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: d.Target,
			Bus: bus,
		},
	}

	if pool, vol, ok := v1alpha1.ParseLibvirtLocator(d.Locator); ok {
		if pool == "" || vol == "" {
			return "", fmt.Errorf("locator %q must be libvirt://pool/volume", d.Locator)
		}
		dd.Source.Volume = &libvirtxml.DomainDiskSourceVolume{Pool: pool, Volume: vol}
	} else {
		dd.Source.File = &libvirtxml.DomainDiskSourceFile{File: d.Locator}
	}
	if d.ReadOnly {
		dd.ReadOnly = &libvirtxml.DomainDiskReadOnly{}
	}

	xml, err := dd.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal disk XML: %w", err)
	}
	return xml, nil
}
