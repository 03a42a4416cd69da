package output

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jbweber/spindle/api/v1alpha1"
	"github.com/jbweber/spindle/internal/disk"
	"github.com/jbweber/spindle/internal/export"
	"github.com/jbweber/spindle/internal/partition"
	"github.com/jbweber/spindle/internal/storage"
	"github.com/jbweber/spindle/internal/volume"
)

// TableFormatter formats results as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// table collects tab-separated rows and aligns them on render.
type table struct {
	buf bytes.Buffer
	w   *tabwriter.Writer
}

func (f *TableFormatter) newTable(header ...string) *table {
	t := &table{}
	t.w = tabwriter.NewWriter(&t.buf, 0, 0, 2, ' ', 0)
	if !f.NoHeaders {
		t.row(header...)
	}
	return t
}

func (t *table) row(cols ...string) {
	_, _ = fmt.Fprintln(t.w, strings.Join(cols, "\t"))
}

func (t *table) String() string {
	_ = t.w.Flush()
	return t.buf.String()
}

func size[T int64 | uint64](n T) string {
	if n < 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (f *TableFormatter) FormatDisks(disks []disk.Info) (string, error) {
	if len(disks) == 0 {
		return "No disks found\n", nil
	}

	t := f.newTable("PATH", "ID", "FORMAT", "SIZE", "ALLOCATED", "SCHEME", "PARTITIONS", "LAYERS")
	for _, d := range disks {
		layers := max(len(d.Layers), 1)
		t.row(d.Path, d.ID, string(d.Format), size(d.Size), size(d.Allocated),
			orDash(d.Scheme), strconv.Itoa(d.Partitions), strconv.Itoa(layers))
	}
	return t.String(), nil
}

func (f *TableFormatter) FormatPartitions(pt *partition.Table) (string, error) {
	if pt == nil || len(pt.Records) == 0 {
		return "No partitions found\n", nil
	}

	t := f.newTable("#", "START", "SECTORS", "SIZE", "TYPE", "NAME", "BOOT")
	for _, r := range pt.Records {
		boot := ""
		if r.Bootable {
			boot = "*"
		}
		t.row(strconv.Itoa(r.Index), strconv.FormatInt(r.StartSector, 10), strconv.FormatInt(r.SectorCount, 10),
			size(r.Length()), r.TypeName(), orDash(r.Name), boot)
	}
	return t.String(), nil
}

// FormatVolumes renders physical volumes, logical volumes and conditions
// as three tables separated by blank lines.
func (f *TableFormatter) FormatVolumes(report *VolumeReport) (string, error) {
	if report == nil || (len(report.PhysicalVolumes) == 0 && len(report.LogicalVolumes) == 0) {
		return "No volumes found\n", nil
	}

	var sections []string

	pvs := f.newTable("PV", "DISK", "PART", "START", "SIZE", "TYPE", "GROUP")
	for _, pv := range report.PhysicalVolumes {
		pvs.row(pv.ID, pv.DiskID, strconv.Itoa(pv.Partition), strconv.FormatInt(pv.Start, 10),
			size(pv.Length), orDash(pv.Type), orDash(pv.GroupID))
	}
	sections = append(sections, pvs.String())

	lvs := f.newTable("LV", "NAME", "KIND", "SIZE", "HEALTH", "FS", "LABEL")
	for _, lv := range report.LogicalVolumes {
		fs, label := "", ""
		if res := report.FileSystems[lv.ID]; res != nil {
			fs, label = string(res.Type), res.Label
		}
		lvs.row(lv.ID, orDash(lv.Name), string(lv.Kind), size(lv.Length), lv.Health.String(), orDash(fs), orDash(label))
	}
	sections = append(sections, lvs.String())

	if len(report.Conditions) > 0 {
		conds := f.newTable("SUBJECT", "REASON", "MESSAGE")
		for _, c := range report.Conditions {
			conds.row(c.Subject, c.Reason, c.Message)
		}
		sections = append(sections, conds.String())
	}
	return strings.Join(sections, "\n"), nil
}

func (f *TableFormatter) FormatDiskSet(ds *v1alpha1.DiskSet) (string, error) {
	t := f.newTable("NAME", "PHASE", "DISKS", "VOLUMES", "UNHEALTHY", "AGE")

	unhealthy := 0
	for _, v := range ds.Status.Volumes {
		if v.Health != volume.Healthy.String() {
			unhealthy++
		}
	}
	age := "-"
	if !ds.CreationTimestamp.IsZero() {
		age = formatAge(time.Since(ds.CreationTimestamp.Time))
	}
	t.row(ds.Name, orDash(string(ds.Status.Phase)), strconv.Itoa(len(ds.Spec.Disks)),
		strconv.Itoa(len(ds.Status.Volumes)), strconv.Itoa(unhealthy), age)

	out := t.String()
	failed := slices.DeleteFunc(slices.Clone(ds.Status.Disks), func(d v1alpha1.DiskStatus) bool { return d.Error == "" })
	for _, d := range failed {
		out += fmt.Sprintf("  %s: %s\n", d.Name, d.Error)
	}
	return out, nil
}

func (f *TableFormatter) FormatPools(pools []storage.PoolInfo) (string, error) {
	if len(pools) == 0 {
		return "No pools found\n", nil
	}

	t := f.newTable("NAME", "TYPE", "STATE", "CAPACITY", "AVAILABLE", "PATH")
	for _, p := range pools {
		t.row(p.Name, p.Type, p.State, size(p.Capacity), size(p.Available), orDash(p.Path))
	}
	return t.String(), nil
}

func (f *TableFormatter) FormatImages(images []storage.ImageInfo) (string, error) {
	if len(images) == 0 {
		return "No images found\n", nil
	}

	t := f.newTable("NAME", "FORMAT", "CAPACITY", "ALLOCATION", "BACKING")
	for _, img := range images {
		t.row(img.Name, orDash(img.Format), size(img.Capacity), size(img.Allocation), orDash(img.BackingStore))
	}
	return t.String(), nil
}

// FormatDigests prints one line per digest in b3sum style.
func (f *TableFormatter) FormatDigests(digests []export.Digest) (string, error) {
	var b strings.Builder
	for _, d := range digests {
		fmt.Fprintf(&b, "%s  %s\n", d.BLAKE3, d.Name)
	}
	return b.String(), nil
}

// formatAge formats a duration as a human-readable age string.
// Examples: "5s", "2m", "3h", "4d", "2w", "1y"
func formatAge(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}

	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}

	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}

	days := hours / 24
	if days < 7 {
		return fmt.Sprintf("%dd", days)
	}

	weeks := days / 7
	if weeks < 8 {
		return fmt.Sprintf("%dw", weeks)
	}

	if years := days / 365; years > 0 {
		return fmt.Sprintf("%dy", years)
	}
	return fmt.Sprintf("%dd", days)
}
