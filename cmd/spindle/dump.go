package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbweber/spindle/internal/disk"
	"github.com/jbweber/spindle/internal/export"
	"github.com/jbweber/spindle/internal/output"
	"github.com/jbweber/spindle/internal/stream"
	"github.com/jbweber/spindle/internal/vhd"
)

var (
	dumpOutput   string
	dumpCompress string
	dumpVolume   string
	dumpAsVHD    bool
	hashJobs     int
)

func init() {
	dumpCmd.Flags().StringVarP(&dumpOutput, "out", "O", "-", "destination file, - for stdout")
	dumpCmd.Flags().StringVarP(&dumpCompress, "compress", "z", "none", "compression (none, gzip, zstd, lz4)")
	dumpCmd.Flags().StringVar(&dumpVolume, "volume", "", "dump this logical volume instead of the disk")
	dumpCmd.Flags().BoolVar(&dumpAsVHD, "vhd", false, "wrap the contents in a dynamic VHD")

	hashCmd.Flags().IntVarP(&hashJobs, "jobs", "j", 4, "images hashed in parallel")
}

var dumpCmd = &cobra.Command{
	Use:   "dump <image>...",
	Short: "Write the flat contents of a disk or logical volume",
	Long: `Write the contents of a disk image, with every differencing layer
merged, as a raw image. Unallocated ranges are written as zeros, or left as
holes when writing an uncompressed file.

With --volume the images are scanned together and the named logical volume
is written instead. With --vhd the contents are wrapped in a dynamic VHD
that only allocates the blocks holding data.

Examples:
  spindle dump -O flat.img child.vhd
  spindle dump -z zstd -O root.img.zst --volume 'VG{...}:root' a.vhd b.vhd
  spindle dump --vhd -O compact.vhd sparse.img`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		compression, err := export.ParseCompression(dumpCompress)
		if err != nil {
			return err
		}
		if dumpVolume == "" && len(args) != 1 {
			return fmt.Errorf("dump takes one image unless --volume is given")
		}

		r := &resolver{}
		defer r.Close()

		var s stream.Stream
		if dumpVolume != "" {
			mgr, closeDisks, err := openVolumes(r, args)
			if err != nil {
				return err
			}
			defer closeDisks()
			lv, ok := mgr.GetLogicalVolume(dumpVolume)
			if !ok {
				return fmt.Errorf("logical volume %s not found", dumpVolume)
			}
			if s, err = lv.Open(); err != nil {
				return fmt.Errorf("failed to open %s: %w", dumpVolume, err)
			}
		} else {
			d, err := disk.Open(args[0], diskOptions(r, false))
			if err != nil {
				return err
			}
			s = d.Content()
		}
		defer s.Close()

		if dumpAsVHD {
			builder := &vhd.DiskBuilder{Content: s}
			built, err := builder.Build()
			if err != nil {
				return fmt.Errorf("failed to lay out VHD: %w", err)
			}
			s = built
		}

		ctx := context.Background()
		var stats export.Stats
		if dumpOutput == "-" {
			if stats, err = export.Dump(ctx, os.Stdout, s, compression); err != nil {
				return err
			}
		} else {
			f, err := os.Create(dumpOutput)
			if err != nil {
				return err
			}
			defer f.Close()

			// Uncompressed files keep their holes.
			if compression == export.CompressionNone {
				stats, err = export.DumpSparse(ctx, f, s)
			} else {
				stats, err = export.Dump(ctx, f, s, compression)
			}
			if err != nil {
				return err
			}
			if err := f.Sync(); err != nil {
				return fmt.Errorf("failed to sync %s: %w", dumpOutput, err)
			}
		}

		fmt.Fprintf(os.Stderr, "✓ Wrote %d bytes (%d allocated, %d after compression)\n",
			stats.Size, stats.Allocated, stats.Written)
		return nil
	},
}

var hashCmd = &cobra.Command{
	Use:   "hash <image>...",
	Short: "Compute BLAKE3 digests of disk contents",
	Long: `Hash the flat contents of each disk image. Differencing chains are
merged first, so two images with the same contents hash the same however
their data is split across layers.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r := &resolver{}
		defer r.Close()

		// Resolve up front: the resolver is not safe for concurrent use.
		sources := make([]export.Source, 0, len(args))
		for _, locator := range args {
			path, err := r.Resolve(locator)
			if err != nil {
				return err
			}
			sources = append(sources, export.Source{
				Name: locator,
				Open: func() (stream.Stream, error) {
					d, err := disk.Open(path, disk.Options{MaxDepth: cfg.Chain.MaxDepth})
					if err != nil {
						return nil, err
					}
					return d.Content(), nil
				},
			})
		}

		digests, err := export.SumAll(context.Background(), sources, hashJobs)
		if err != nil {
			return err
		}
		return printResult(func(f output.Formatter) (string, error) {
			return f.FormatDigests(digests)
		})
	},
}
