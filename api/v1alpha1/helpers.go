package v1alpha1

import (
	"path"
	"strings"

	"github.com/google/uuid"
)

const (
	// GroupName is the API group for spindle resources.
	GroupName = "spindle.cofront.xyz"

	// Version is the API version.
	Version = "v1alpha1"

	// DiskSetKind is the kind string for DiskSet resources.
	DiskSetKind = "DiskSet"

	// LibvirtScheme prefixes locators that name a libvirt storage volume.
	LibvirtScheme = "libvirt://"
)

// NewDiskSet returns a DiskSet with type and object metadata filled in and
// one disk per locator.
func NewDiskSet(name string, locators ...string) *DiskSet {
	ds := &DiskSet{
		TypeMeta: TypeMeta{
			APIVersion: GroupName + "/" + Version,
			Kind:       DiskSetKind,
		},
		ObjectMeta: ObjectMeta{
			Name:              name,
			UID:               uuid.New().String(),
			CreationTimestamp: Now(),
			Generation:        1,
		},
		Status: DiskSetStatus{
			Phase: DiskSetPhasePending,
		},
	}
	for _, l := range locators {
		ds.Spec.Disks = append(ds.Spec.Disks, DiskSpec{Locator: l})
	}
	ds.Normalize()
	return ds
}

// SetDefaultAPIVersion fills in apiVersion and kind when a manifest omits
// them.
func SetDefaultAPIVersion(ds *DiskSet) {
	if ds.APIVersion == "" {
		ds.APIVersion = GroupName + "/" + Version
	}
	if ds.Kind == "" {
		ds.Kind = DiskSetKind
	}
}

// IsReadOnly reports whether disks are opened read-only. Unset means true.
func (ds *DiskSet) IsReadOnly() bool {
	if ds.Spec.ReadOnly == nil {
		return true
	}
	return *ds.Spec.ReadOnly
}

// SetPhase sets the phase in status.
func (ds *DiskSet) SetPhase(phase DiskSetPhase) {
	ds.Status.Phase = phase
}

// GetPhase returns the current phase.
func (ds *DiskSet) GetPhase() DiskSetPhase {
	return ds.Status.Phase
}

// UpdateObservedGeneration records that status reflects the current spec.
func (ds *DiskSet) UpdateObservedGeneration() {
	ds.Status.ObservedGeneration = ds.Generation
}

// Normalize trims user input and names unnamed disks after their locator.
func (ds *DiskSet) Normalize() {
	ds.Name = strings.ToLower(strings.TrimSpace(ds.Name))
	for i := range ds.Spec.Disks {
		d := &ds.Spec.Disks[i]
		d.Locator = strings.TrimSpace(d.Locator)
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" && d.Locator != "" {
			d.Name = LocatorName(d.Locator)
		}
	}
}

// LocatorName is the default disk name for a locator: the volume name of a
// libvirt locator, otherwise the file's base name.
func LocatorName(locator string) string {
	if pool, vol, ok := ParseLibvirtLocator(locator); ok {
		if vol == "" {
			return pool
		}
		return vol
	}
	return path.Base(locator)
}

// ParseLibvirtLocator splits libvirt://pool/volume. ok is false for any
// other locator.
func ParseLibvirtLocator(locator string) (pool, volume string, ok bool) {
	rest, found := strings.CutPrefix(locator, LibvirtScheme)
	if !found {
		return "", "", false
	}
	pool, volume, _ = strings.Cut(rest, "/")
	return pool, volume, true
}
