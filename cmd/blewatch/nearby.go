package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blewatch/internal/device"
	"github.com/srg/blewatch/scanner"
)

type nearbyFlags struct {
	duration  time.Duration
	services  []string
	allowList []string
	blockList []string
	updates   bool
}

func newNearbyCmd() *cobra.Command {
	f := &nearbyFlags{}

	cmd := &cobra.Command{
		Use:     "nearby-devices",
		Aliases: []string{"nearby", "scan"},
		Short:   "Stream nearby BLE devices as they are discovered",
		Long: `Watches BLE advertisements and prints every newly discovered device
address with its signal strength, until interrupted with Ctrl+C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNearby(cmd, f)
		},
	}

	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 0, "Stop after this long (0 runs until interrupted)")
	cmd.Flags().StringSliceVarP(&f.services, "services", "s", nil, "Only show devices advertising these service UUIDs")
	cmd.Flags().StringSliceVar(&f.allowList, "allow", nil, "Only show devices with these addresses")
	cmd.Flags().StringSliceVar(&f.blockList, "block", nil, "Hide devices with these addresses")
	cmd.Flags().BoolVarP(&f.updates, "updates", "u", false, "Also print devices seen again")
	return cmd
}

func runNearby(cmd *cobra.Command, f *nearbyFlags) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var services []string
	if len(f.services) > 0 {
		services, err = device.ValidateUUID(f.services...)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	logger := configureLogger(cmd, cfg)
	c := newCentral(cfg, logger)
	defer c.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	opts := &scanner.ScanOptions{
		Duration:        f.duration,
		AllowDuplicates: cfg.Scan.AllowDuplicates,
		BufferSize:      cfg.Scan.BufferSize,
		ServiceUUIDs:    services,
		AllowList:       f.allowList,
		BlockList:       f.blockList,
	}

	out := cmd.OutOrStdout()
	pal := newPalette(out)
	tracker := scanner.NewTracker(logger)

	err = tracker.Scan(ctx, c, opts, func(ev scanner.DeviceEvent) {
		if ev.Type == scanner.EventNew || f.updates {
			printNearby(out, pal, ev)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printNearby(w io.Writer, pal palette, ev scanner.DeviceEvent) {
	dev := ev.DeviceInfo
	marker := "+"
	if ev.Type == scanner.EventUpdated {
		marker = "~"
	}

	line := fmt.Sprintf("%s %s %4d dBm", marker, pal.address.Sprint(dev.Address.String()), dev.RSSI)
	if dev.Name != "" {
		line += "  " + pal.name.Sprint(dev.Name)
	}
	if vendor := dev.Vendor(); vendor != "" {
		line += "  " + pal.dim.Sprint("["+vendor+"]")
	}
	fmt.Fprintln(w, line)
}
