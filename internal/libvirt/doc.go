// Package libvirt connects to the local libvirt daemon.
//
// This package wraps github.com/digitalocean/go-libvirt to provide:
//   - Connection management (connect, disconnect, ping)
//   - Disk device XML for attaching images to a domain
//
// Connection Management:
//
//	client, err := libvirt.Connect("", 0)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// Device XML:
//
//	xml, err := libvirt.GenerateDiskXML(libvirt.DiskDevice{
//	    Locator:  "libvirt://default/data.vhd",
//	    Format:   disk.FormatVHD,
//	    Target:   "vdb",
//	    ReadOnly: true,
//	})
//
// Consumer-Side Interfaces:
//
// This package does not define interfaces. Consumers such as
// internal/storage declare the subset of *libvirt.Libvirt they call, and
// Client.Libvirt satisfies them implicitly.
package libvirt
