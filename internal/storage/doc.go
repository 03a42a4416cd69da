// Package storage connects disk locators to libvirt storage pools.
//
// A locator of the form libvirt://pool/volume names a volume in a libvirt
// storage pool; Manager.Resolve turns it into the file path disk.Open reads.
// The package also lists the images of a pool, imports local images into a
// pool, and renders a local disk, with its differencing chain, as libvirt
// storage volume XML.
//
// Consumer-Side Interface:
//
// LibvirtClient lists only the libvirt calls this package makes.
// *libvirt.Libvirt satisfies it; tests use a hand-written mock.
//
// Example usage:
//
//	client, err := libvirt.Connect(cfg.Libvirt.Socket, cfg.Libvirt.Timeout)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	mgr := storage.NewManager(client.Libvirt())
//	d, err := disk.Open("libvirt://default/data.vhd", disk.Options{Resolve: mgr.Resolve})
package storage
