package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blewatch/inspector"
	"github.com/srg/blewatch/pkg/central"
)

type discoverFlags struct {
	json      bool
	timeout   time.Duration
	noValues  bool
	readLimit int
}

func newDiscoverCmd() *cobra.Command {
	f := &discoverFlags{}

	cmd := &cobra.Command{
		Use:     "discover <device-address>",
		Aliases: []string{"inspect"},
		Short:   "Print the services, characteristics and descriptors of a BLE device",
		Long: `Waits for the device to advertise, connects to it and prints its GATT
hierarchy, including the values of readable characteristics and descriptors.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd, args[0], f)
		},
	}

	cmd.Flags().BoolVar(&f.json, "json", false, "Output as JSON")
	cmd.Flags().DurationVarP(&f.timeout, "timeout", "t", 0, "How long to wait for the device to advertise (default from config, 30s)")
	cmd.Flags().BoolVar(&f.noValues, "no-values", false, "Skip reading characteristic and descriptor values")
	cmd.Flags().IntVar(&f.readLimit, "read-limit", 64, "Max value bytes shown per attribute (0 for no limit)")
	return cmd
}

func runDiscover(cmd *cobra.Command, address string, f *discoverFlags) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if _, err := central.ParseAddress(address); err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	logger := configureLogger(cmd, cfg)
	c := newCentral(cfg, logger)
	defer c.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	opts := inspector.DefaultInspectOptions()
	opts.DiscoverTimeout = cfg.Scan.DiscoverTimeout
	if f.timeout > 0 {
		opts.DiscoverTimeout = f.timeout
	}
	opts.ReadValues = !f.noValues
	opts.ReadLimit = f.readLimit

	progressCallback := func(string) {}
	if errOut := cmd.ErrOrStderr(); isTerminal(errOut) && !f.json {
		progress := NewProgressPrinter(errOut, fmt.Sprintf("Inspecting device %s", address), "Scanning",
			"Processing results", "Failed")
		progress.Start()
		defer progress.Stop()
		progressCallback = progress.Callback()
	}

	report, err := inspector.InspectDevice(ctx, c, address, opts, logger, progressCallback,
		func(dev *central.Device, adv central.Advertisement) (*inspector.Report, error) {
			r, err := inspector.Inspect(ctx, dev, opts)
			if err != nil {
				return nil, err
			}
			r.Apply(adv)
			return r, nil
		})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if f.json {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}
	return printReport(out, newPalette(out), report)
}

func printReport(w io.Writer, pal palette, r *inspector.Report) error {
	header := fmt.Sprintf("Device %s", pal.address.Sprint(r.Address))
	if r.Name != "" {
		header += " " + pal.name.Sprintf("%q", r.Name)
	}
	if r.RSSI != nil {
		header += fmt.Sprintf(", RSSI %d dBm", *r.RSSI)
	}
	fmt.Fprintln(w, header)

	if len(r.Services) == 0 {
		fmt.Fprintln(w, "  no services")
		return nil
	}

	for _, svc := range r.Services {
		fmt.Fprintf(w, "  %s %s%s\n", pal.label.Sprint("Service"), svc.UUID, named(pal, svc.Name))
		for _, ch := range svc.Characteristics {
			fmt.Fprintf(w, "    %s %s%s [%s]\n", pal.label.Sprint("Characteristic"), ch.UUID, named(pal, ch.Name),
				strings.Join(ch.Properties, ", "))
			printValue(w, pal, "      ", ch.Value, ch.ReadError)
			for _, d := range ch.Descriptors {
				fmt.Fprintf(w, "      %s %s%s\n", pal.label.Sprint("Descriptor"), d.UUID, named(pal, d.Name))
				printValue(w, pal, "        ", d.Value, d.ReadError)
				if d.Parsed != nil {
					fmt.Fprintf(w, "        Decoded: %s\n", formatParsed(d.Parsed))
				}
			}
		}
	}
	return nil
}

func named(pal palette, name string) string {
	if name == "" {
		return ""
	}
	return " " + pal.dim.Sprint("("+name+")")
}

func printValue(w io.Writer, pal palette, indent string, v *inspector.Value, readErr string) {
	switch {
	case readErr != "":
		fmt.Fprintf(w, "%sValue: %s\n", indent, pal.warn.Sprint("<"+readErr+">"))
	case v != nil:
		suffix := ""
		if v.Truncated {
			suffix = " ..."
		}
		fmt.Fprintf(w, "%sValue: %s %q%s\n", indent, v.Hex, v.ASCII, suffix)
	}
}

func formatParsed(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
