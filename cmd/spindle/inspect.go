package main

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbweber/spindle/internal/chain"
	"github.com/jbweber/spindle/internal/disk"
	"github.com/jbweber/spindle/internal/diskerr"
	"github.com/jbweber/spindle/internal/fsprobe"
	"github.com/jbweber/spindle/internal/output"
	"github.com/jbweber/spindle/internal/volume"
)

var probeFileSystems bool

func init() {
	volumesCmd.Flags().BoolVar(&probeFileSystems, "probe", true, "identify the file system on each logical volume")
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <image>...",
	Short: "Show format, size and layout of disk images",
	Long: `Open each disk image and report its format, identity, allocated size and
partition scheme. Differencing VHDs list every layer of their chain.

Examples:
  spindle inspect disk.vhd
  spindle inspect -o yaml libvirt://images/fedora-43`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := &resolver{}
		defer r.Close()

		infos := make([]disk.Info, 0, len(args))
		for _, locator := range args {
			d, err := disk.Open(locator, diskOptions(r, false))
			if err != nil {
				return err
			}
			info, err := d.Info()
			d.Close()
			if err != nil {
				return fmt.Errorf("failed to inspect %s: %w", locator, err)
			}
			infos = append(infos, info)
		}

		return printResult(func(f output.Formatter) (string, error) {
			return f.FormatDisks(infos)
		})
	},
}

var partitionsCmd = &cobra.Command{
	Use:   "partitions <image>",
	Short: "List the partitions of a disk image",
	Long:  `Decode the MBR or GPT partition table of a disk image and list its partitions.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := &resolver{}
		defer r.Close()

		d, err := disk.Open(args[0], diskOptions(r, false))
		if err != nil {
			return err
		}
		defer d.Close()

		table, err := d.Partitions()
		if errors.Is(err, diskerr.ErrNotPartitioned) {
			return fmt.Errorf("%s has no partition table", args[0])
		}
		if err != nil {
			return err
		}

		return printResult(func(f output.Formatter) (string, error) {
			return f.FormatPartitions(table)
		})
	},
}

var volumesCmd = &cobra.Command{
	Use:   "volumes <image>...",
	Short: "List physical and logical volumes across disk images",
	Long: `Scan a set of disk images together. Every partition, or every
unpartitioned disk, becomes a physical volume; LVM2 volume groups whose
physical volumes are all present are assembled into logical volumes.
Anything else is passed through as a volume of its own.

Problems found during the scan are listed as conditions.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := &resolver{}
		defer r.Close()

		mgr, closeDisks, err := openVolumes(r, args)
		if err != nil {
			return err
		}
		defer closeDisks()

		report := &output.VolumeReport{
			PhysicalVolumes: mgr.GetPhysicalVolumes(),
			LogicalVolumes:  mgr.GetLogicalVolumes(),
			Conditions:      mgr.Conditions(),
		}
		if probeFileSystems {
			report.FileSystems = probeVolumes(report.LogicalVolumes)
		}

		return printResult(func(f output.Formatter) (string, error) {
			return f.FormatVolumes(report)
		})
	},
}

// openVolumes opens every locator read-only into one volume manager. The
// returned func closes the disks.
func openVolumes(r *resolver, locators []string) (*volume.Manager, func(), error) {
	layers := chain.NewLayerSet(chain.FileOpener)
	mgr := volume.NewManager(volume.Options{Cache: cfg.Cache})

	var disks []*disk.Disk
	closeDisks := func() {
		for _, d := range disks {
			d.Close()
		}
	}

	for i, locator := range locators {
		opts := diskOptions(r, false)
		opts.Layers = layers
		opts.Ordinal = i
		d, err := disk.Open(locator, opts)
		if err != nil {
			closeDisks()
			return nil, nil, err
		}
		disks = append(disks, d)
		if _, err := mgr.AddDisk(d); err != nil {
			closeDisks()
			return nil, nil, fmt.Errorf("failed to add %s: %w", locator, err)
		}
	}
	return mgr, closeDisks, nil
}

func probeVolumes(lvs []*volume.LogicalVolume) map[string]*fsprobe.Result {
	found := make(map[string]*fsprobe.Result)
	for _, lv := range lvs {
		if lv.Health == volume.Failed {
			continue
		}
		s, err := lv.Open()
		if err != nil {
			continue
		}
		res, err := fsprobe.Probe(s, s.Size())
		s.Close()
		if err != nil {
			if !errors.Is(err, fsprobe.ErrNotRecognized) {
				logrus.WithError(err).WithField("volume", lv.ID).Warn("file system probe failed")
			}
			continue
		}
		found[lv.ID] = res
	}
	return found
}
