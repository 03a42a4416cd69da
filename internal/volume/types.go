package volume

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/jbweber/spindle/internal/cache"
	"github.com/jbweber/spindle/internal/stream"
)

// Health is the state of a logical volume.
type Health int

const (
	Healthy Health = iota
	// FailedRedundancy: readable, but a mirror lost a leg.
	FailedRedundancy
	// Failed: part of the volume's address space is unavailable.
	Failed
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "Healthy"
	case FailedRedundancy:
		return "FailedRedundancy"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("Health(%d)", int(h))
	}
}

// MarshalText renders the health by name in JSON, YAML and CBOR output.
func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Worst returns the most severe of hs, or Healthy when hs is empty.
func Worst(hs ...Health) Health {
	w := Healthy
	for _, h := range hs {
		w = max(w, h)
	}
	return w
}

// Kind classifies how a logical volume maps onto physical volumes.
type Kind string

const (
	KindPassThrough Kind = "pass-through"
	KindSimple      Kind = "simple"
	KindSpanned     Kind = "spanned"
	KindStriped     Kind = "striped"
	KindMirrored    Kind = "mirrored"
)

// Range is a byte range.
type Range struct {
	Start  int64 `json:"start" yaml:"start"`
	Length int64 `json:"length" yaml:"length"`
}

// End returns the first byte past the range.
func (r Range) End() int64 {
	return r.Start + r.Length
}

// PhysicalVolume is a partition, or a whole unpartitioned disk, as seen at
// scan time.
type PhysicalVolume struct {
	ID     string `json:"id" yaml:"id"`
	DiskID string `json:"diskId" yaml:"diskId"`
	// Partition is the partition index; zero for a whole-disk volume.
	Partition int       `json:"partition" yaml:"partition"`
	Start     int64     `json:"start" yaml:"start"`
	Length    int64     `json:"length" yaml:"length"`
	Type      string    `json:"type" yaml:"type"`
	TypeID    byte      `json:"typeId,omitempty" yaml:"typeId,omitempty"`
	TypeGUID  uuid.UUID `json:"typeGuid,omitzero" yaml:"typeGuid,omitempty"`
	// GroupID is the volume group the PV belongs to, if any.
	GroupID string `json:"groupId,omitempty" yaml:"groupId,omitempty"`

	content stream.Stream
}

// Open returns a window onto the volume's bytes on its disk. The window does
// not own the disk.
func (pv *PhysicalVolume) Open() (*stream.Sub, error) {
	return stream.NewSub(pv.content, pv.Start, pv.Length)
}

// Segment maps a logical range of a volume onto a physical volume.
type Segment struct {
	PhysicalVolume string `json:"physicalVolume" yaml:"physicalVolume"`
	Source         Range  `json:"source" yaml:"source"`
	Logical        Range  `json:"logical" yaml:"logical"`
}

// LogicalVolume is a volume exposed to file-system drivers.
type LogicalVolume struct {
	ID       string    `json:"id" yaml:"id"`
	Name     string    `json:"name,omitempty" yaml:"name,omitempty"`
	GroupID  string    `json:"groupId,omitempty" yaml:"groupId,omitempty"`
	Kind     Kind      `json:"kind" yaml:"kind"`
	Length   int64     `json:"length" yaml:"length"`
	Health   Health    `json:"health" yaml:"health"`
	Segments []Segment `json:"segments" yaml:"segments"`

	open  func() (stream.Stream, error)
	cache *cache.Settings
}

// Open composes the volume's content stream. Failed volumes cannot be
// opened. Closing the stream leaves the disks open.
func (lv *LogicalVolume) Open() (stream.Stream, error) {
	if lv.Health == Failed {
		return nil, fmt.Errorf("volume %s is missing physical volumes", lv.ID)
	}
	s, err := lv.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open volume %s: %w", lv.ID, err)
	}
	if lv.cache == nil {
		return s, nil
	}
	c, err := cache.New(s, *lv.cache)
	if err != nil {
		s.Close()
		return nil, err
	}
	return c, nil
}

// Condition records a problem found during a scan that did not stop it.
type Condition struct {
	// Subject is the group, volume or physical volume concerned.
	Subject string `json:"subject" yaml:"subject"`
	Reason  string `json:"reason" yaml:"reason"`
	Message string `json:"message" yaml:"message"`
}

// Condition reasons.
const (
	ReasonGroupDegraded     = "GroupDegraded"
	ReasonLabelUnreadable   = "LabelUnreadable"
	ReasonUnsupportedVolume = "UnsupportedVolume"
	ReasonMissingPhysical   = "MissingPhysicalVolume"
	ReasonRedundancyLost    = "RedundancyLost"
	ReasonOrphanedPhysical  = "OrphanedPhysicalVolume"
	ReasonDuplicatePhysical = "DuplicatePhysicalVolume"
)
