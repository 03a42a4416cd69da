package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/digitalocean/go-libvirt"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/spindle/api/v1alpha1"
	"github.com/jbweber/spindle/internal/diskerr"
)

var log = logrus.WithField("component", "storage")

// LibvirtClient is the subset of *libvirt.Libvirt the manager uses.
type LibvirtClient interface {
	StoragePoolLookupByName(Name string) (libvirt.StoragePool, error)
	StoragePoolGetInfo(Pool libvirt.StoragePool) (rState uint8, rCapacity uint64, rAllocation uint64, rAvailable uint64, err error)
	StoragePoolGetXMLDesc(Pool libvirt.StoragePool, Flags libvirt.StorageXMLFlags) (string, error)
	StoragePoolListAllVolumes(Pool libvirt.StoragePool, NeedResults int32, Flags uint32) ([]libvirt.StorageVol, uint32, error)
	StoragePoolRefresh(Pool libvirt.StoragePool, Flags uint32) error
	StorageVolLookupByName(Pool libvirt.StoragePool, Name string) (libvirt.StorageVol, error)
	StorageVolCreateXML(Pool libvirt.StoragePool, XML string, Flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error)
	StorageVolDelete(Vol libvirt.StorageVol, Flags libvirt.StorageVolDeleteFlags) error
	StorageVolGetPath(Vol libvirt.StorageVol) (string, error)
	StorageVolGetInfo(Vol libvirt.StorageVol) (rType int8, rCapacity uint64, rAllocation uint64, err error)
	StorageVolGetXMLDesc(Vol libvirt.StorageVol, Flags uint32) (string, error)
	StorageVolUpload(Vol libvirt.StorageVol, outStream io.Reader, Offset uint64, Length uint64, Flags libvirt.StorageVolUploadFlags) error
	ConnectListAllStoragePools(NeedResults int32, Flags libvirt.ConnectListAllStoragePoolsFlags) ([]libvirt.StoragePool, uint32, error)
}

// Manager resolves locators and manages images in libvirt storage pools.
type Manager struct {
	client LibvirtClient
}

// NewManager creates a new storage manager.
func NewManager(client LibvirtClient) *Manager {
	return &Manager{
		client: client,
	}
}

// Resolve maps a libvirt://pool/volume locator to the volume's file path.
// Other locators are returned unchanged. Its signature matches
// disk.Options.Resolve.
func (m *Manager) Resolve(locator string) (string, error) {
	pool, vol, ok := v1alpha1.ParseLibvirtLocator(locator)
	if !ok {
		return locator, nil
	}
	if pool == "" || vol == "" {
		return "", diskerr.Configf("storage.Resolve", "locator %q must be libvirt://pool/volume", locator)
	}

	path, err := m.VolumePath(context.Background(), pool, vol)
	if err != nil {
		return "", err
	}
	log.WithFields(logrus.Fields{"locator": locator, "path": path}).Debug("resolved locator")
	return path, nil
}

func (m *Manager) lookupVolume(poolName, volumeName string) (libvirt.StorageVol, error) {
	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return libvirt.StorageVol{}, fmt.Errorf("pool not found: %w", err)
	}

	vol, err := m.client.StorageVolLookupByName(pool, volumeName)
	if err != nil {
		return libvirt.StorageVol{}, fmt.Errorf("volume not found: %w", err)
	}
	return vol, nil
}
