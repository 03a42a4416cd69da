package v1alpha1

import "slices"

// DiskSet is a declarative set of disk images scanned together: every disk
// is opened, its partitions become physical volumes, and volume groups that
// span several disks are assembled into logical volumes.
type DiskSet struct {
	TypeMeta   `json:",inline" yaml:",inline"`
	ObjectMeta `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	Spec   DiskSetSpec   `json:"spec" yaml:"spec"`
	Status DiskSetStatus `json:"status,omitempty" yaml:"status,omitempty"`
}

// DiskSetSpec is the desired set of disks.
type DiskSetSpec struct {
	// Disks are opened in order; the order decides ordinal disk identities.
	Disks []DiskSpec `json:"disks" yaml:"disks"`

	// ReadOnly opens every disk without write access. Defaults to true.
	// +optional
	ReadOnly *bool `json:"readOnly,omitempty" yaml:"readOnly,omitempty"`

	// Cache wraps opened logical volumes in a block cache.
	// +optional
	Cache *CacheSpec `json:"cache,omitempty" yaml:"cache,omitempty"`

	// MaxChainDepth bounds differencing chains. Zero uses the built-in limit.
	// +optional
	MaxChainDepth int `json:"maxChainDepth,omitempty" yaml:"maxChainDepth,omitempty"`
}

// DiskSpec names one disk image.
type DiskSpec struct {
	// Name defaults to the base name of the locator.
	// +optional
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Locator is a file path or libvirt://pool/volume.
	Locator string `json:"locator" yaml:"locator"`
}

// CacheSpec sizes the block cache. Zero fields take the cache defaults.
type CacheSpec struct {
	BlockSize     int `json:"blockSize,omitempty" yaml:"blockSize,omitempty"`
	Blocks        int `json:"blocks,omitempty" yaml:"blocks,omitempty"`
	LargeReadSize int `json:"largeReadSize,omitempty" yaml:"largeReadSize,omitempty"`
}

// DiskSetStatus is the result of the most recent scan.
type DiskSetStatus struct {
	// +kubebuilder:validation:Enum=Pending;Scanning;Scanned;Degraded;Failed
	Phase DiskSetPhase `json:"phase,omitempty" yaml:"phase,omitempty"`

	// +listType=map
	// +listMapKey=type
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	Disks   []DiskStatus   `json:"disks,omitempty" yaml:"disks,omitempty"`
	Volumes []VolumeStatus `json:"volumes,omitempty" yaml:"volumes,omitempty"`

	LastScanTime       Time  `json:"lastScanTime,omitempty" yaml:"lastScanTime,omitempty"`
	ObservedGeneration int64 `json:"observedGeneration,omitempty" yaml:"observedGeneration,omitempty"`
}

// DiskStatus summarizes one opened disk.
type DiskStatus struct {
	Name       string `json:"name" yaml:"name"`
	ID         string `json:"id,omitempty" yaml:"id,omitempty"`
	Format     string `json:"format,omitempty" yaml:"format,omitempty"`
	Size       int64  `json:"size,omitempty" yaml:"size,omitempty"`
	Scheme     string `json:"scheme,omitempty" yaml:"scheme,omitempty"`
	Partitions int    `json:"partitions,omitempty" yaml:"partitions,omitempty"`
	// Layers is the differencing chain depth, 1 for a standalone image.
	Layers int    `json:"layers,omitempty" yaml:"layers,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

// VolumeStatus summarizes one logical volume.
type VolumeStatus struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
	Group  string `json:"group,omitempty" yaml:"group,omitempty"`
	Kind   string `json:"kind" yaml:"kind"`
	Length int64  `json:"length" yaml:"length"`
	Health string `json:"health" yaml:"health"`
}

// DiskSetPhase is the lifecycle phase of a DiskSet scan.
type DiskSetPhase string

const (
	// DiskSetPhasePending: not scanned yet.
	DiskSetPhasePending DiskSetPhase = "Pending"
	// DiskSetPhaseScanning: disks are being opened.
	DiskSetPhaseScanning DiskSetPhase = "Scanning"
	// DiskSetPhaseScanned: every disk opened and every volume is healthy.
	DiskSetPhaseScanned DiskSetPhase = "Scanned"
	// DiskSetPhaseDegraded: the scan finished but recorded problems.
	DiskSetPhaseDegraded DiskSetPhase = "Degraded"
	// DiskSetPhaseFailed: a disk could not be opened.
	DiskSetPhaseFailed DiskSetPhase = "Failed"
)

// Condition types for DiskSet resources.
const (
	ConditionReady          = "Ready"
	ConditionDisksOpened    = "DisksOpened"
	ConditionVolumesHealthy = "VolumesHealthy"
)

// DeepCopy returns a copy of in that shares no memory with it.
func (in *DiskSet) DeepCopy() *DiskSet {
	if in == nil {
		return nil
	}
	out := *in
	out.ObjectMeta = *in.ObjectMeta.DeepCopy()
	out.Spec = *in.Spec.DeepCopy()
	out.Status = *in.Status.DeepCopy()
	return &out
}

// DeepCopy returns a copy of in that shares no memory with it.
func (in *DiskSetSpec) DeepCopy() *DiskSetSpec {
	if in == nil {
		return nil
	}
	out := *in
	out.Disks = slices.Clone(in.Disks)
	if in.ReadOnly != nil {
		v := *in.ReadOnly
		out.ReadOnly = &v
	}
	if in.Cache != nil {
		c := *in.Cache
		out.Cache = &c
	}
	return &out
}

// DeepCopy returns a copy of in that shares no memory with it.
func (in *DiskSetStatus) DeepCopy() *DiskSetStatus {
	if in == nil {
		return nil
	}
	out := *in
	out.Conditions = slices.Clone(in.Conditions)
	out.Disks = slices.Clone(in.Disks)
	out.Volumes = slices.Clone(in.Volumes)
	return &out
}
