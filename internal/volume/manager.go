// Package volume composes disks into physical and logical volumes.
//
// Every partition of a disk, or the whole disk when it carries no partition
// table, becomes a physical volume. Physical volumes labelled as LVM2
// members are grouped by volume group and the group metadata is decoded
// into logical volumes: simple, spanned, striped or mirrored. Everything
// else is exposed as a pass-through logical volume covering one physical
// volume, so callers use one API for both.
//
// A group whose metadata cannot be decoded does not stop the scan: its
// physical volumes fall back to pass-through volumes and the problem is
// recorded as a Condition.
//
// Example usage:
//
//	m := volume.NewManager(volume.Options{})
//	if _, err := m.AddDisk(d); err != nil {
//	    return err
//	}
//	for _, lv := range m.GetLogicalVolumes() {
//	    s, err := lv.Open()
//	    ...
//	}
package volume

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/spindle/internal/cache"
	"github.com/jbweber/spindle/internal/diskerr"
	"github.com/jbweber/spindle/internal/naming"
	"github.com/jbweber/spindle/internal/partition"
	"github.com/jbweber/spindle/internal/stream"
)

var log = logrus.WithField("component", "volume")

// Disk is what the manager needs from an opened disk.
type Disk interface {
	Content() stream.Stream
	Partitions() (*partition.Table, error)
}

// Options configure a Manager.
type Options struct {
	// Cache wraps every opened logical volume in a block cache when set.
	Cache *cache.Settings
}

type diskEntry struct {
	disk Disk
	id   string
	pvs  []*PhysicalVolume
}

// Manager tracks a set of disks and the volumes found on them. It is not
// safe for concurrent use.
type Manager struct {
	opts  Options
	disks []*diskEntry

	scanned    bool
	lvs        []*LogicalVolume
	conditions []Condition
}

// NewManager returns an empty manager.
func NewManager(opts Options) *Manager {
	return &Manager{opts: opts}
}

// AddDisk registers a disk and returns its identity. The disk's partition
// table is decoded immediately; a corrupt table, or partitions outside the
// disk or overlapping each other, reject the disk.
func (m *Manager) AddDisk(d Disk) (string, error) {
	id, pvs, err := loadDisk(d, len(m.disks))
	if err != nil {
		return "", err
	}
	e := &diskEntry{disk: d, id: id, pvs: pvs}
	m.disks = append(m.disks, e)
	m.scanned = false
	log.WithFields(logrus.Fields{"disk": e.id, "physical_volumes": len(e.pvs)}).Debug("added disk")
	return e.id, nil
}

// Rescan re-reads every disk and rebuilds the volume lists. If any disk
// fails to load, nothing changes and the previous scan stays in place.
func (m *Manager) Rescan() error {
	type loaded struct {
		id  string
		pvs []*PhysicalVolume
	}
	next := make([]loaded, len(m.disks))
	for i, e := range m.disks {
		id, pvs, err := loadDisk(e.disk, i)
		if err != nil {
			return fmt.Errorf("failed to rescan disk %s: %w", e.id, err)
		}
		next[i] = loaded{id: id, pvs: pvs}
	}

	for i, e := range m.disks {
		e.id, e.pvs = next[i].id, next[i].pvs
	}
	m.scan()
	return nil
}

// GetPhysicalVolumes returns the physical volumes of every disk in the
// order the disks were added.
func (m *Manager) GetPhysicalVolumes() []PhysicalVolume {
	m.ensureScanned()
	var out []PhysicalVolume
	for _, e := range m.disks {
		for _, pv := range e.pvs {
			out = append(out, *pv)
		}
	}
	return out
}

// GetLogicalVolumes returns the logical volumes: group volumes first, then
// pass-through volumes.
func (m *Manager) GetLogicalVolumes() []*LogicalVolume {
	m.ensureScanned()
	return slices.Clone(m.lvs)
}

// GetLogicalVolume returns the volume with the given identity.
func (m *Manager) GetLogicalVolume(id string) (*LogicalVolume, bool) {
	m.ensureScanned()
	for _, lv := range m.lvs {
		if lv.ID == id {
			return lv, true
		}
	}
	return nil, false
}

// Conditions returns the problems recorded by the last scan.
func (m *Manager) Conditions() []Condition {
	m.ensureScanned()
	return slices.Clone(m.conditions)
}

func (m *Manager) ensureScanned() {
	if !m.scanned {
		m.scan()
	}
}

// loadDisk decodes the partition table of d into its identity and physical
// volumes.
func loadDisk(d Disk, ordinal int) (string, []*PhysicalVolume, error) {
	content := d.Content()
	size := content.Size()

	table, err := d.Partitions()
	switch {
	case errors.Is(err, diskerr.ErrNotPartitioned):
		id := naming.DiskID(0, uuid.Nil, ordinal)
		return id, []*PhysicalVolume{{
			ID:      naming.PhysicalVolumeID(id, 0, uuid.Nil),
			DiskID:  id,
			Length:  size,
			Type:    "Unpartitioned",
			content: content,
		}}, nil
	case err != nil:
		return "", nil, fmt.Errorf("failed to read partition table: %w", err)
	}

	id := naming.DiskID(table.DiskSignature, table.DiskGUID, ordinal)
	records := slices.Clone(table.Records)
	slices.SortFunc(records, func(a, b partition.Record) int { return cmp.Compare(a.Start(), b.Start()) })

	pvs := make([]*PhysicalVolume, 0, len(records))
	var prevEnd int64
	for i, r := range records {
		if r.Start() < 0 || r.Length() <= 0 || r.Start()+r.Length() > size {
			return "", nil, diskerr.Corruptf("partition table", 0, "partition %d [%d, %d) outside disk %s of %d bytes",
				r.Index, r.Start(), r.Start()+r.Length(), id, size)
		}
		if i > 0 && r.Start() < prevEnd {
			return "", nil, diskerr.Corruptf("partition table", 0, "partition %d at %d overlaps the previous partition ending at %d",
				r.Index, r.Start(), prevEnd)
		}
		prevEnd = r.Start() + r.Length()

		var guid uuid.UUID
		if table.Scheme == partition.SchemeGPT {
			guid = r.GUID
		}
		pvs = append(pvs, &PhysicalVolume{
			ID:        naming.PhysicalVolumeID(id, r.Index, guid),
			DiskID:    id,
			Partition: r.Index,
			Start:     r.Start(),
			Length:    r.Length(),
			Type:      r.TypeName(),
			TypeID:    r.TypeID,
			TypeGUID:  r.TypeGUID,
			content:   content,
		})
	}
	return id, pvs, nil
}

// scan rebuilds the logical volumes from the current physical volumes.
func (m *Manager) scan() {
	m.lvs, m.conditions = nil, nil

	var all []*PhysicalVolume
	for _, e := range m.disks {
		for _, pv := range e.pvs {
			pv.GroupID = ""
			all = append(all, pv)
		}
	}

	claimed := make(map[*PhysicalVolume]bool)
	for _, g := range m.findGroups(all) {
		lvs, err := m.buildGroup(g)
		if err != nil {
			log.WithError(err).WithField("group", g.meta.Name).Warn("volume group degraded to pass-through volumes")
			m.addCondition(g.meta.ID, ReasonGroupDegraded, err.Error())
			continue
		}
		for _, pv := range g.members {
			if pv != nil {
				pv.GroupID = g.meta.ID
				claimed[pv] = true
			}
		}
		m.lvs = append(m.lvs, lvs...)
	}

	for _, pv := range all {
		if claimed[pv] {
			continue
		}
		m.lvs = append(m.lvs, m.passThrough(pv))
	}
	m.scanned = true
}

func (m *Manager) passThrough(pv *PhysicalVolume) *LogicalVolume {
	return &LogicalVolume{
		ID:     naming.PassThroughVolumeID(pv.ID),
		Kind:   KindPassThrough,
		Length: pv.Length,
		Health: Healthy,
		Segments: []Segment{{
			PhysicalVolume: pv.ID,
			Source:         Range{Start: 0, Length: pv.Length},
			Logical:        Range{Start: 0, Length: pv.Length},
		}},
		open: func() (stream.Stream, error) {
			return pv.Open()
		},
		cache: m.opts.Cache,
	}
}

func (m *Manager) addCondition(subject, reason, message string) {
	m.conditions = append(m.conditions, Condition{Subject: subject, Reason: reason, Message: message})
}
