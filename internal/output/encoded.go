package output

import (
	"fmt"

	"github.com/jbweber/spindle/api/v1alpha1"
	"github.com/jbweber/spindle/internal/disk"
	"github.com/jbweber/spindle/internal/export"
	"github.com/jbweber/spindle/internal/partition"
	"github.com/jbweber/spindle/internal/storage"
)

// encoded formats each result by serializing it whole. Lists are never
// null: an empty result encodes as an empty list.
type encoded struct {
	format  Format
	marshal func(v any) ([]byte, error)
}

func (f *encoded) encode(what string, v any) (string, error) {
	data, err := f.marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s to %s: %w", what, f.format, err)
	}
	return string(data), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (f *encoded) FormatDisks(disks []disk.Info) (string, error) {
	return f.encode("disks", nonNil(disks))
}

func (f *encoded) FormatPartitions(table *partition.Table) (string, error) {
	if table == nil {
		table = &partition.Table{}
	}
	t := *table
	t.Records = nonNil(t.Records)
	return f.encode("partition table", &t)
}

func (f *encoded) FormatVolumes(report *VolumeReport) (string, error) {
	r := VolumeReport{}
	if report != nil {
		r = *report
	}
	r.PhysicalVolumes = nonNil(r.PhysicalVolumes)
	r.LogicalVolumes = nonNil(r.LogicalVolumes)
	return f.encode("volumes", &r)
}

// FormatDiskSet fills in apiVersion and kind before encoding.
func (f *encoded) FormatDiskSet(ds *v1alpha1.DiskSet) (string, error) {
	v1alpha1.SetDefaultAPIVersion(ds)
	return f.encode("DiskSet "+ds.Name, ds)
}

func (f *encoded) FormatPools(pools []storage.PoolInfo) (string, error) {
	return f.encode("pools", nonNil(pools))
}

func (f *encoded) FormatImages(images []storage.ImageInfo) (string, error) {
	return f.encode("images", nonNil(images))
}

func (f *encoded) FormatDigests(digests []export.Digest) (string, error) {
	return f.encode("digests", nonNil(digests))
}
