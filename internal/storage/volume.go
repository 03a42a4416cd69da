package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/jbweber/spindle/internal/disk"
)

// ListImages lists the volumes of a pool with their formats and backing
// stores. Volumes that vanish while listing are skipped.
func (m *Manager) ListImages(ctx context.Context, poolName string) ([]ImageInfo, error) {
	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return nil, fmt.Errorf("pool not found: %w", err)
	}

	volumes, _, err := m.client.StoragePoolListAllVolumes(pool, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}

	var images []ImageInfo
	for _, vol := range volumes {
		path, err := m.client.StorageVolGetPath(vol)
		if err != nil {
			continue
		}
		_, capacity, allocation, err := m.client.StorageVolGetInfo(vol)
		if err != nil {
			continue
		}

		img := ImageInfo{
			Name:       vol.Name,
			Pool:       poolName,
			Path:       path,
			Capacity:   capacity,
			Allocation: allocation,
		}
		if def, err := m.volumeDef(vol.Name, poolName); err == nil {
			if def.Target != nil && def.Target.Format != nil {
				img.Format = def.Target.Format.Type
			}
			if def.BackingStore != nil {
				img.BackingStore = def.BackingStore.Path
			}
		} else {
			log.WithError(err).WithField("volume", vol.Name).Warn("failed to read volume XML")
		}
		images = append(images, img)
	}

	return images, nil
}

func (m *Manager) volumeDef(volumeName, poolName string) (*libvirtxml.StorageVolume, error) {
	desc, err := m.VolumeXML(context.Background(), poolName, volumeName)
	if err != nil {
		return nil, err
	}
	var def libvirtxml.StorageVolume
	if err := def.Unmarshal(desc); err != nil {
		return nil, fmt.Errorf("failed to parse volume XML: %w", err)
	}
	return &def, nil
}

// VolumePath returns the file path of a volume.
func (m *Manager) VolumePath(ctx context.Context, poolName, volumeName string) (string, error) {
	vol, err := m.lookupVolume(poolName, volumeName)
	if err != nil {
		return "", err
	}

	path, err := m.client.StorageVolGetPath(vol)
	if err != nil {
		return "", fmt.Errorf("failed to get volume path: %w", err)
	}

	return path, nil
}

// VolumeXML returns libvirt's XML description of a volume.
func (m *Manager) VolumeXML(ctx context.Context, poolName, volumeName string) (string, error) {
	vol, err := m.lookupVolume(poolName, volumeName)
	if err != nil {
		return "", err
	}

	desc, err := m.client.StorageVolGetXMLDesc(vol, 0)
	if err != nil {
		return "", fmt.Errorf("failed to get volume XML: %w", err)
	}
	return desc, nil
}

// DeleteVolume deletes a volume from a pool.
func (m *Manager) DeleteVolume(ctx context.Context, poolName, volumeName string) error {
	vol, err := m.lookupVolume(poolName, volumeName)
	if err != nil {
		return err
	}

	if err := m.client.StorageVolDelete(vol, 0); err != nil {
		return fmt.Errorf("failed to delete volume: %w", err)
	}

	return nil
}

// ImportImage uploads a local image into a pool as volumeName, or the
// file's base name when volumeName is empty. The volume's format is taken
// from the image's magic bytes.
func (m *Manager) ImportImage(ctx context.Context, poolName, filePath, volumeName string) (err error) {
	if volumeName == "" {
		volumeName = filepath.Base(filePath)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open image file: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat image file: %w", err)
	}
	size := st.Size()

	format, err := disk.DetectFormat(f, size)
	if err != nil {
		return fmt.Errorf("failed to detect image format: %w", err)
	}

	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return fmt.Errorf("pool not found: %w", err)
	}

	volXML, err := MarshalVolume(&libvirtxml.StorageVolume{
		Type:     "file",
		Name:     volumeName,
		Capacity: &libvirtxml.StorageVolumeSize{Value: uint64(size), Unit: "B"},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: LibvirtFormat(format)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to generate volume XML: %w", err)
	}

	vol, err := m.client.StorageVolCreateXML(pool, volXML, 0)
	if err != nil {
		return fmt.Errorf("failed to create volume: %w", err)
	}

	if err := m.client.StorageVolUpload(vol, f, 0, uint64(size), 0); err != nil {
		if derr := m.client.StorageVolDelete(vol, 0); derr != nil {
			err = errors.Join(err, fmt.Errorf("failed to remove partial volume: %w", derr))
		}
		return fmt.Errorf("failed to upload image data: %w", err)
	}

	log.WithFields(logrus.Fields{"pool": poolName, "volume": volumeName, "format": format, "size": size}).Info("imported image")
	return nil
}

// MarshalVolume renders volume XML without the XML declaration.
func MarshalVolume(vol *libvirtxml.StorageVolume) (string, error) {
	xmlBytes, err := vol.Marshal()
	if err != nil {
		return "", err
	}

	xml := strings.TrimPrefix(xmlBytes, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>")
	return strings.TrimSpace(xml), nil
}
