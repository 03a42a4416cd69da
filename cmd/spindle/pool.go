package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/spindle/internal/output"
	"github.com/jbweber/spindle/internal/storage"
)

// withStorage connects to libvirt for the duration of fn.
func withStorage(fn func(ctx context.Context, mgr *storage.Manager) error) error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer closeClient(client)

	return fn(context.Background(), storage.NewManager(client.Libvirt()))
}

// Pool management commands
var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Work with libvirt storage pools",
	Long: `List libvirt storage pools and the images in them, and import local
images so they can be named by libvirt://pool/volume locators.`,
}

func init() {
	poolCmd.AddCommand(poolListCmd)
	poolCmd.AddCommand(poolImagesCmd)
	poolCmd.AddCommand(poolImportCmd)
	poolCmd.AddCommand(poolRefreshCmd)
	poolCmd.AddCommand(poolDeleteCmd)
	poolCmd.AddCommand(poolPingCmd)
}

var poolListCmd = &cobra.Command{
	Use:   "list",
	Short: "List storage pools",
	Long:  `List all storage pools with their type, state and capacity.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(func(ctx context.Context, mgr *storage.Manager) error {
			pools, err := mgr.ListPools(ctx)
			if err != nil {
				return err
			}
			return printResult(func(f output.Formatter) (string, error) {
				return f.FormatPools(pools)
			})
		})
	},
}

var poolImagesCmd = &cobra.Command{
	Use:   "images <pool>",
	Short: "List the images in a pool",
	Long: `List the volumes of a storage pool with their format, size and backing
store. The LOCATOR column can be passed to any command that opens images.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(func(ctx context.Context, mgr *storage.Manager) error {
			images, err := mgr.ListImages(ctx, args[0])
			if err != nil {
				return err
			}
			return printResult(func(f output.Formatter) (string, error) {
				return f.FormatImages(images)
			})
		})
	},
}

var poolImportCmd = &cobra.Command{
	Use:   "import <pool> <file> [name]",
	Short: "Upload a local image into a pool",
	Long: `Upload a local image into a storage pool. The volume is named after the
file unless a name is given, and its format is detected from the image.

Example:
  spindle pool import images ./fedora-43.vhd fedora-43`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		poolName, filePath := args[0], args[1]
		var name string
		if len(args) == 3 {
			name = args[2]
		}

		return withStorage(func(ctx context.Context, mgr *storage.Manager) error {
			if err := mgr.ImportImage(ctx, poolName, filePath, name); err != nil {
				return fmt.Errorf("failed to import image: %w", err)
			}
			fmt.Printf("✓ Imported %s into pool %s\n", filePath, poolName)
			return nil
		})
	},
}

var poolRefreshCmd = &cobra.Command{
	Use:   "refresh <pool>",
	Short: "Rescan a pool for new images",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(func(ctx context.Context, mgr *storage.Manager) error {
			if err := mgr.RefreshPool(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Pool %s refreshed\n", args[0])
			return nil
		})
	},
}

var poolDeleteCmd = &cobra.Command{
	Use:   "delete <pool> <volume>",
	Short: "Delete an image from a pool",
	Long: `Delete a volume from a storage pool.

Warning: differencing images that use the volume as a parent can no longer
be opened.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStorage(func(ctx context.Context, mgr *storage.Manager) error {
			if err := mgr.DeleteVolume(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("✓ Deleted %s from pool %s\n", args[1], args[0])
			return nil
		})
	},
}

var poolPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Test the libvirt connection",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect()
		if err != nil {
			return err
		}
		defer closeClient(client)

		if err := client.Ping(); err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}
		v, err := client.Libvirt().ConnectGetLibVersion()
		if err != nil {
			return fmt.Errorf("failed to get libvirt version: %w", err)
		}
		fmt.Printf("✓ Connected to libvirt %d.%d.%d at %s\n", v/1000000, v%1000000/1000, v%1000, cfg.Libvirt.Socket)
		return nil
	},
}
