package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbweber/spindle/internal/backend"
	"github.com/jbweber/spindle/internal/lvm"
	"github.com/jbweber/spindle/internal/partition"
	"github.com/jbweber/spindle/internal/stream"
	"github.com/jbweber/spindle/internal/vhd"
)

// firstUsableSector aligns the single partition written by create to 1 MiB.
const firstUsableSector = 2048

// gptReservedSectors is the backup entry array and header at the end of
// the disk.
const gptReservedSectors = 33

var (
	createType      string
	createSize      sizeValue
	createBlockSize sizeValue
	createParent    string
	createPartition string
	createLVM       string
)

func init() {
	createCmd.Flags().StringVarP(&createType, "type", "t", "dynamic", "image type (fixed, dynamic, differencing)")
	createCmd.Flags().VarP(&createSize, "size", "s", "capacity, e.g. 10G (fixed and dynamic images)")
	createCmd.Flags().Var(&createBlockSize, "block-size", "block size of dynamic images (default 2MiB)")
	createCmd.Flags().StringVar(&createParent, "parent", "", "parent image of a differencing image")
	createCmd.Flags().StringVar(&createPartition, "partition", "", "write a table with one Linux partition (mbr, gpt)")
	createCmd.Flags().StringVar(&createLVM, "lvm", "", "make the disk, or its partition, an LVM2 physical volume of a new volume group with this name")
}

var createCmd = &cobra.Command{
	Use:   "create <path>",
	Short: "Create a VHD image",
	Long: `Create a fixed, dynamic or differencing VHD image.

A differencing image inherits its parent's capacity and records both the
absolute and the relative path of the parent.

With --lvm, the disk (or the partition written by --partition) becomes the
physical volume of a new volume group holding one logical volume, root,
over all of its extents.

Examples:
  spindle create --size 20G base.vhd
  spindle create --type fixed --size 512M --partition gpt boot.vhd
  spindle create --type differencing --parent base.vhd child.vhd
  spindle create --size 1G --partition gpt --lvm data data.vhd`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}

		opts := vhd.CreateOptions{BlockSize: int64(createBlockSize)}
		img, err := createImage(path, opts)
		if err != nil {
			os.Remove(path)
			return fmt.Errorf("failed to create %s: %w", path, err)
		}

		if err := layoutDisk(img); err != nil {
			img.Close()
			os.Remove(path)
			return err
		}

		info := img.Info()
		if err := img.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", path, err)
		}

		fmt.Printf("✓ Created %s image %s (%d bytes, id %s)\n", info.Type, path, info.Capacity, info.ID)
		return nil
	},
}

func createImage(path string, opts vhd.CreateOptions) (*vhd.Image, error) {
	if createType != "differencing" && createSize <= 0 {
		return nil, fmt.Errorf("--size is required for %s images", createType)
	}

	switch createType {
	case "fixed", "dynamic":
		f, err := backend.CreateFile(path)
		if err != nil {
			return nil, err
		}
		var img *vhd.Image
		if createType == "fixed" {
			img, err = vhd.CreateFixed(f, int64(createSize), opts)
		} else {
			img, err = vhd.CreateDynamic(f, int64(createSize), opts)
		}
		if err != nil {
			f.Close()
			return nil, err
		}
		return img, nil

	case "differencing":
		if createParent == "" {
			return nil, fmt.Errorf("--parent is required for differencing images")
		}
		return createDifferencing(path, createParent, opts)

	default:
		return nil, fmt.Errorf("unknown image type %q: want fixed, dynamic or differencing", createType)
	}
}

func createDifferencing(path, parentPath string, opts vhd.CreateOptions) (*vhd.Image, error) {
	absParent, err := filepath.Abs(parentPath)
	if err != nil {
		return nil, err
	}
	absChild, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(filepath.Dir(absChild), absParent)
	if err != nil {
		return nil, err
	}

	pb, err := backend.OpenFile(absParent, false)
	if err != nil {
		return nil, err
	}
	parent, err := vhd.Open(pb)
	if err != nil {
		pb.Close()
		return nil, fmt.Errorf("failed to open parent: %w", err)
	}
	defer parent.Close()

	f, err := backend.CreateFile(path)
	if err != nil {
		return nil, err
	}
	link := vhd.ParentLink{AbsolutePath: absParent, RelativePath: rel}
	img, err := vhd.CreateDifferencing(f, parent, link, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return img, nil
}

// layoutDisk writes the partition table and volume group asked for by
// --partition and --lvm.
func layoutDisk(img *vhd.Image) error {
	start, length := int64(0), img.Capacity()
	if createPartition != "" {
		var err error
		start, length, err = writeTable(img, partition.Scheme(createPartition), createLVM != "")
		if err != nil {
			return err
		}
	}
	if createLVM == "" {
		return nil
	}

	pv, err := stream.NewSub(img, start, length)
	if err != nil {
		return err
	}
	vg, err := lvm.CreateVolumeGroup(pv, length, createLVM, "root")
	if err != nil {
		return fmt.Errorf("failed to create volume group %s: %w", createLVM, err)
	}
	logrus.WithFields(logrus.Fields{
		"vg":      vg.Name,
		"extents": vg.PhysicalVolumes[0].PECount,
	}).Debug("created volume group")
	return nil
}

// writeTable partitions img with one Linux partition spanning the disk and
// returns the partition's byte range.
func writeTable(img *vhd.Image, scheme partition.Scheme, forLVM bool) (int64, int64, error) {
	sectors := img.Capacity() / partition.SectorSize
	switch scheme {
	case partition.SchemeMBR:
		if sectors <= firstUsableSector {
			return 0, 0, fmt.Errorf("image too small for a partition table")
		}
		rec := partition.Record{
			StartSector: firstUsableSector,
			SectorCount: min(sectors, 1<<32-1) - firstUsableSector,
			TypeID:      partition.TypeLinux,
			Bootable:    true,
		}
		if forLVM {
			rec.TypeID = partition.TypeLinuxLVM
		}
		id := uuid.New()
		if err := partition.WriteMBR(img, binary.LittleEndian.Uint32(id[:4]), []partition.Record{rec}); err != nil {
			return 0, 0, err
		}
		return rec.Start(), rec.Length(), nil

	case partition.SchemeGPT:
		last := sectors - gptReservedSectors - 1
		if last <= firstUsableSector {
			return 0, 0, fmt.Errorf("image too small for a partition table")
		}
		rec := partition.Record{
			StartSector: firstUsableSector,
			SectorCount: last - firstUsableSector + 1,
			TypeGUID:    partition.GUIDLinuxFilesystem,
			GUID:        uuid.New(),
			Name:        "root",
		}
		if forLVM {
			rec.TypeGUID = partition.GUIDLinuxLVM
		}
		if err := partition.WriteGPT(img, img.Capacity(), uuid.New(), []partition.Record{rec}); err != nil {
			return 0, 0, err
		}
		return rec.Start(), rec.Length(), nil

	default:
		return 0, 0, fmt.Errorf("unknown partition scheme %q: want mbr or gpt", scheme)
	}
}
