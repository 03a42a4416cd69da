// Package output renders spindle results as tables or as structured
// documents (YAML, JSON, CBOR).
package output

import (
	"fmt"

	"github.com/jbweber/spindle/api/v1alpha1"
	"github.com/jbweber/spindle/internal/disk"
	"github.com/jbweber/spindle/internal/export"
	"github.com/jbweber/spindle/internal/fsprobe"
	"github.com/jbweber/spindle/internal/partition"
	"github.com/jbweber/spindle/internal/storage"
	"github.com/jbweber/spindle/internal/volume"
)

// Format represents an output format type.
type Format string

const (
	// FormatTable is a human-readable table format.
	FormatTable Format = "table"
	// FormatYAML is a YAML format for declarative configs.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON format for machine consumption.
	FormatJSON Format = "json"
	// FormatCBOR is deterministic CBOR for machine consumption.
	FormatCBOR Format = "cbor"
)

// VolumeReport is the result of scanning a set of disks.
type VolumeReport struct {
	PhysicalVolumes []volume.PhysicalVolume `json:"physicalVolumes" yaml:"physicalVolumes"`
	LogicalVolumes  []*volume.LogicalVolume `json:"logicalVolumes" yaml:"logicalVolumes"`
	Conditions      []volume.Condition      `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	// FileSystems maps logical volume ids to what was found on them.
	FileSystems map[string]*fsprobe.Result `json:"fileSystems,omitempty" yaml:"fileSystems,omitempty"`
}

// Formatter formats spindle results for output.
type Formatter interface {
	FormatDisks(disks []disk.Info) (string, error)
	FormatPartitions(table *partition.Table) (string, error)
	FormatVolumes(report *VolumeReport) (string, error)
	FormatDiskSet(ds *v1alpha1.DiskSet) (string, error)
	FormatPools(pools []storage.PoolInfo) (string, error)
	FormatImages(images []storage.ImageInfo) (string, error)
	FormatDigests(digests []export.Digest) (string, error)
}

// Options contains options for formatting output.
type Options struct {
	// Format specifies the output format.
	Format Format
	// NoHeaders omits headers in table format.
	NoHeaders bool
}

// NewFormatter creates a new Formatter based on the specified format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable:
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatYAML:
		return NewYAMLFormatter(), nil
	case FormatJSON:
		return NewJSONFormatter(), nil
	case FormatCBOR:
		return NewCBORFormatter(), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, yaml, json, cbor)", opts.Format)
	}
}

// ValidateFormat checks if a format string is valid.
func ValidateFormat(format string) error {
	f := Format(format)
	switch f {
	case FormatTable, FormatYAML, FormatJSON, FormatCBOR:
		return nil
	default:
		return fmt.Errorf("invalid format: %s (valid formats: table, yaml, json, cbor)", format)
	}
}
