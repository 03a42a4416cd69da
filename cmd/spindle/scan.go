package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbweber/spindle/api/v1alpha1"
	"github.com/jbweber/spindle/internal/chain"
	"github.com/jbweber/spindle/internal/disk"
	"github.com/jbweber/spindle/internal/loader"
	"github.com/jbweber/spindle/internal/output"
	"github.com/jbweber/spindle/internal/status"
	"github.com/jbweber/spindle/internal/volume"
)

var scanSave bool

func init() {
	scanCmd.Flags().BoolVar(&scanSave, "save", false, "write the resulting status back to the manifest")
}

var scanCmd = &cobra.Command{
	Use:   "scan <diskset.yaml>",
	Short: "Scan a DiskSet manifest",
	Long: `Open every disk listed in a DiskSet manifest, assemble its volumes and
report the result as the DiskSet status.

The scan ends Scanned when every volume is healthy, Degraded when volumes
were assembled but problems were found, and Failed when a disk could not be
opened.

Example manifest:
  apiVersion: spindle.cofront.xyz/v1alpha1
  kind: DiskSet
  metadata:
    name: fileserver
  spec:
    disks:
      - locator: /var/lib/images/data0.vhd
      - locator: libvirt://images/data1
    cache:
      blocks: 4096`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		ds, err := loader.LoadFromFile(path)
		if err != nil {
			return fmt.Errorf("failed to load DiskSet: %w", err)
		}

		r := &resolver{}
		defer r.Close()

		scanErr := scanDiskSet(ds, r.Resolve)

		if scanSave {
			if err := loader.SaveToFile(ds, path); err != nil {
				return fmt.Errorf("failed to save DiskSet: %w", err)
			}
		}
		if err := printResult(func(f output.Formatter) (string, error) {
			return f.FormatDiskSet(ds)
		}); err != nil {
			return err
		}
		return scanErr
	},
}

// scanDiskSet opens the disks of ds and records what was found in its
// status. A disk that cannot be opened fails the scan; the error is also
// recorded in the status.
func scanDiskSet(ds *v1alpha1.DiskSet, resolve func(string) (string, error)) error {
	if err := status.TransitionToScanning(ds); err != nil {
		return err
	}

	cacheSettings, err := loader.CacheSettings(ds)
	if err != nil {
		status.TransitionToFailed(ds, "InvalidCache", err.Error())
		return err
	}
	if cacheSettings == nil {
		cacheSettings = cfg.Cache
	}
	maxDepth := ds.Spec.MaxChainDepth
	if maxDepth == 0 {
		maxDepth = cfg.Chain.MaxDepth
	}

	layers := chain.NewLayerSet(chain.FileOpener)
	mgr := volume.NewManager(volume.Options{Cache: cacheSettings})

	var disks []*disk.Disk
	defer func() {
		for _, d := range disks {
			d.Close()
		}
	}()

	var result status.Result
	for i, spec := range ds.Spec.Disks {
		d, err := disk.Open(spec.Locator, disk.Options{
			Writable: !ds.IsReadOnly(),
			MaxDepth: maxDepth,
			Layers:   layers,
			Resolve:  resolve,
			Ordinal:  i,
		})
		if err == nil {
			disks = append(disks, d)
			_, err = mgr.AddDisk(d)
		}
		if err != nil {
			result.Disks = append(result.Disks, v1alpha1.DiskStatus{Name: spec.Name, Error: err.Error()})
			ds.Status.Disks = result.Disks
			status.MarkDiskFailed(ds, spec.Name, err)
			return fmt.Errorf("failed to open disk %s: %w", spec.Name, err)
		}
		result.Disks = append(result.Disks, diskStatus(spec.Name, d))
	}

	result.Volumes = mgr.GetLogicalVolumes()
	result.Conditions = mgr.Conditions()
	logrus.WithFields(logrus.Fields{
		"diskset":    ds.Name,
		"disks":      len(result.Disks),
		"volumes":    len(result.Volumes),
		"conditions": len(result.Conditions),
	}).Info("scan complete")
	return status.ApplyScan(ds, result)
}

func diskStatus(name string, d *disk.Disk) v1alpha1.DiskStatus {
	ds := v1alpha1.DiskStatus{Name: name, Layers: 1}
	info, err := d.Info()
	if err != nil {
		ds.Error = err.Error()
	}
	ds.ID = info.ID
	ds.Format = string(info.Format)
	ds.Size = info.Size
	ds.Scheme = info.Scheme
	ds.Partitions = info.Partitions
	if len(info.Layers) > 0 {
		ds.Layers = len(info.Layers)
	}
	return ds
}
