package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbweber/spindle/internal/config"
	"github.com/jbweber/spindle/internal/disk"
	"github.com/jbweber/spindle/internal/libvirt"
	"github.com/jbweber/spindle/internal/output"
	"github.com/jbweber/spindle/internal/storage"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Global flags
var (
	configPath   string
	logLevel     string
	outputFormat string
	noHeaders    bool
)

// cfg is loaded before any subcommand runs.
var cfg = config.Default()

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "spindle",
	Short: "Spindle - virtual disk and volume inspection tool",
	Long: `Spindle opens VHD and raw disk images, follows differencing chains,
decodes MBR and GPT partition tables and assembles LVM2 logical volumes
that span several disks.

Images are named by file path or by libvirt://pool/volume locator.`,
	Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/spindle/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "output format (table, yaml, json, cbor)")
	rootCmd.PersistentFlags().BoolVar(&noHeaders, "no-headers", false, "omit table headers")

	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(partitionsCmd)
	rootCmd.AddCommand(volumesCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(hashCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(poolCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if outputFormat != "" {
		c.Output = outputFormat
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	if err := c.Log.Apply(logrus.StandardLogger()); err != nil {
		return err
	}
	cfg = c
	return nil
}

// printResult renders with the configured formatter and writes to stdout.
func printResult(render func(output.Formatter) (string, error)) error {
	formatter, err := output.NewFormatter(output.Options{
		Format:    output.Format(cfg.Output),
		NoHeaders: noHeaders,
	})
	if err != nil {
		return err
	}

	result, err := render(formatter)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Print(result)
	return nil
}

func connect() (*libvirt.Client, error) {
	client, err := libvirt.Connect(cfg.Libvirt.Socket, cfg.Libvirt.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt: %w", err)
	}
	return client, nil
}

func closeClient(client *libvirt.Client) {
	if err := client.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close libvirt connection: %v\n", err)
	}
}

// resolver connects to libvirt the first time a libvirt:// locator needs
// resolving, so commands on plain files never touch the daemon.
type resolver struct {
	client *libvirt.Client
	mgr    *storage.Manager
}

func (r *resolver) Resolve(locator string) (string, error) {
	if !strings.HasPrefix(locator, disk.LibvirtScheme) {
		return locator, nil
	}
	if r.mgr == nil {
		client, err := connect()
		if err != nil {
			return "", err
		}
		r.client = client
		r.mgr = storage.NewManager(client.Libvirt())
	}
	return r.mgr.Resolve(locator)
}

func (r *resolver) Close() {
	if r.client != nil {
		closeClient(r.client)
		r.client, r.mgr = nil, nil
	}
}

func diskOptions(r *resolver, writable bool) disk.Options {
	return disk.Options{
		Writable: writable,
		MaxDepth: cfg.Chain.MaxDepth,
		Resolve:  r.Resolve,
	}
}
