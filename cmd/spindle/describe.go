package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/spindle/internal/disk"
	"github.com/jbweber/spindle/internal/libvirt"
	"github.com/jbweber/spindle/internal/storage"
)

var (
	describeDevice   string
	describeReadOnly bool
)

func init() {
	describeCmd.Flags().StringVar(&describeDevice, "device", "", "print a domain <disk> element attaching the image as this target (vdb, sda, ...)")
	describeCmd.Flags().BoolVar(&describeReadOnly, "readonly", false, "mark the attached disk read-only")
}

var describeCmd = &cobra.Command{
	Use:   "describe <image>",
	Short: "Print libvirt XML for a disk image",
	Long: `Print the libvirt storage volume definition of a disk image, including
the backing store of a differencing VHD.

With --device, print the domain <disk> element that attaches the image
instead, ready for virsh attach-device.

Examples:
  spindle describe child.vhd
  spindle describe --device vdb --readonly libvirt://images/data0`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		locator := args[0]

		r := &resolver{}
		defer r.Close()

		d, err := disk.Open(locator, diskOptions(r, false))
		if err != nil {
			return err
		}
		info, err := d.Info()
		d.Close()
		if err != nil {
			return fmt.Errorf("failed to inspect %s: %w", locator, err)
		}

		var xml string
		if describeDevice != "" {
			xml, err = libvirt.GenerateDiskXML(libvirt.DiskDevice{
				Locator:  locator,
				Format:   info.Format,
				Target:   describeDevice,
				ReadOnly: describeReadOnly,
			})
		} else {
			xml, err = storage.MarshalVolume(storage.DescribeDisk(info))
		}
		if err != nil {
			return err
		}

		fmt.Println(xml)
		return nil
	},
}
