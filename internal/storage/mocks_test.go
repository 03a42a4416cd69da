package storage

import (
	"fmt"
	"io"
	"path"

	"github.com/digitalocean/go-libvirt"
	libvirtxml "libvirt.org/go/libvirtxml"
)

// mockLibvirtClient is an in-memory LibvirtClient.
type mockLibvirtClient struct {
	pools   map[string]*mockPool
	volumes map[string]map[string]*mockVolume // pool name -> volume name -> volume

	uploadErr  error
	refreshed  []string
	deleted    []string
	badPoolXML bool
}

type mockPool struct {
	name      string
	uuid      libvirt.UUID
	state     libvirt.StoragePoolState
	path      string
	capacity  uint64
	allocated uint64
	available uint64
}

type mockVolume struct {
	name      string
	path      string
	capacity  uint64
	allocated uint64
	xml       string
	data      []byte
}

func newMockLibvirtClient() *mockLibvirtClient {
	return &mockLibvirtClient{
		pools:   make(map[string]*mockPool),
		volumes: make(map[string]map[string]*mockVolume),
	}
}

func (m *mockLibvirtClient) addPool(name, dir string) *mockPool {
	p := &mockPool{
		name:      name,
		state:     libvirt.StoragePoolRunning,
		path:      dir,
		capacity:  100 << 30,
		allocated: 10 << 30,
		available: 90 << 30,
	}
	p.uuid[0] = byte(len(m.pools) + 1)
	m.pools[name] = p
	m.volumes[name] = make(map[string]*mockVolume)
	return p
}

func (m *mockLibvirtClient) addVolume(pool, name, format, backing string) *mockVolume {
	def := libvirtxml.StorageVolume{
		Name:   name,
		Target: &libvirtxml.StorageVolumeTarget{Format: &libvirtxml.StorageVolumeTargetFormat{Type: format}},
	}
	if backing != "" {
		def.BackingStore = &libvirtxml.StorageVolumeBackingStore{Path: backing}
	}
	xml, _ := def.Marshal()
	v := &mockVolume{
		name:      name,
		path:      path.Join(m.pools[pool].path, name),
		capacity:  1 << 30,
		allocated: 1 << 20,
		xml:       xml,
	}
	m.volumes[pool][name] = v
	return v
}

func (m *mockLibvirtClient) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	pool, ok := m.pools[name]
	if !ok {
		return libvirt.StoragePool{}, fmt.Errorf("storage pool not found: %s", name)
	}
	return libvirt.StoragePool{Name: pool.name, UUID: pool.uuid}, nil
}

func (m *mockLibvirtClient) StoragePoolGetInfo(pool libvirt.StoragePool) (rState uint8, rCapacity uint64, rAllocation uint64, rAvailable uint64, err error) {
	p, ok := m.pools[pool.Name]
	if !ok {
		return 0, 0, 0, 0, fmt.Errorf("storage pool not found: %s", pool.Name)
	}
	return uint8(p.state), p.capacity, p.allocated, p.available, nil
}

func (m *mockLibvirtClient) StoragePoolGetXMLDesc(pool libvirt.StoragePool, flags libvirt.StorageXMLFlags) (string, error) {
	p, ok := m.pools[pool.Name]
	if !ok {
		return "", fmt.Errorf("storage pool not found: %s", pool.Name)
	}
	if m.badPoolXML {
		return "<pool", nil
	}
	def := libvirtxml.StoragePool{
		Type:   "dir",
		Name:   p.name,
		Target: &libvirtxml.StoragePoolTarget{Path: p.path},
	}
	return def.Marshal()
}

func (m *mockLibvirtClient) StoragePoolListAllVolumes(pool libvirt.StoragePool, needResults int32, flags uint32) ([]libvirt.StorageVol, uint32, error) {
	vols, ok := m.volumes[pool.Name]
	if !ok {
		return nil, 0, fmt.Errorf("storage pool not found: %s", pool.Name)
	}
	var result []libvirt.StorageVol
	for _, v := range vols {
		result = append(result, libvirt.StorageVol{Pool: pool.Name, Name: v.name, Key: v.path})
	}
	return result, uint32(len(result)), nil
}

func (m *mockLibvirtClient) StoragePoolRefresh(pool libvirt.StoragePool, flags uint32) error {
	if _, ok := m.pools[pool.Name]; !ok {
		return fmt.Errorf("storage pool not found: %s", pool.Name)
	}
	m.refreshed = append(m.refreshed, pool.Name)
	return nil
}

func (m *mockLibvirtClient) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	v, ok := m.volumes[pool.Name][name]
	if !ok {
		return libvirt.StorageVol{}, fmt.Errorf("storage volume not found: %s/%s", pool.Name, name)
	}
	return libvirt.StorageVol{Pool: pool.Name, Name: v.name, Key: v.path}, nil
}

func (m *mockLibvirtClient) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	var def libvirtxml.StorageVolume
	if err := def.Unmarshal(xml); err != nil {
		return libvirt.StorageVol{}, err
	}
	if _, ok := m.volumes[pool.Name][def.Name]; ok {
		return libvirt.StorageVol{}, fmt.Errorf("storage volume already exists: %s", def.Name)
	}
	v := &mockVolume{
		name: def.Name,
		path: path.Join(m.pools[pool.Name].path, def.Name),
		xml:  xml,
	}
	if def.Capacity != nil {
		v.capacity = def.Capacity.Value
	}
	m.volumes[pool.Name][def.Name] = v
	return libvirt.StorageVol{Pool: pool.Name, Name: v.name, Key: v.path}, nil
}

func (m *mockLibvirtClient) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	if _, ok := m.volumes[vol.Pool][vol.Name]; !ok {
		return fmt.Errorf("storage volume not found: %s", vol.Name)
	}
	delete(m.volumes[vol.Pool], vol.Name)
	m.deleted = append(m.deleted, vol.Name)
	return nil
}

func (m *mockLibvirtClient) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	v, ok := m.volumes[vol.Pool][vol.Name]
	if !ok {
		return "", fmt.Errorf("storage volume not found: %s", vol.Name)
	}
	return v.path, nil
}

func (m *mockLibvirtClient) StorageVolGetInfo(vol libvirt.StorageVol) (rType int8, rCapacity uint64, rAllocation uint64, err error) {
	v, ok := m.volumes[vol.Pool][vol.Name]
	if !ok {
		return 0, 0, 0, fmt.Errorf("storage volume not found: %s", vol.Name)
	}
	return 0, v.capacity, v.allocated, nil
}

func (m *mockLibvirtClient) StorageVolGetXMLDesc(vol libvirt.StorageVol, flags uint32) (string, error) {
	v, ok := m.volumes[vol.Pool][vol.Name]
	if !ok {
		return "", fmt.Errorf("storage volume not found: %s", vol.Name)
	}
	return v.xml, nil
}

func (m *mockLibvirtClient) StorageVolUpload(vol libvirt.StorageVol, reader io.Reader, offset uint64, length uint64, flags libvirt.StorageVolUploadFlags) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	v, ok := m.volumes[vol.Pool][vol.Name]
	if !ok {
		return fmt.Errorf("storage volume not found: %s", vol.Name)
	}
	data, err := io.ReadAll(io.LimitReader(reader, int64(length)))
	if err != nil {
		return err
	}
	v.data = data
	v.allocated = uint64(len(data))
	return nil
}

func (m *mockLibvirtClient) ConnectListAllStoragePools(needResults int32, flags libvirt.ConnectListAllStoragePoolsFlags) ([]libvirt.StoragePool, uint32, error) {
	var result []libvirt.StoragePool
	for _, p := range m.pools {
		result = append(result, libvirt.StoragePool{Name: p.name, UUID: p.uuid})
	}
	return result, uint32(len(result)), nil
}
