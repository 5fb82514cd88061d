package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/httprunner/LaunchAgent/internal/device"
	"github.com/httprunner/LaunchAgent/internal/providers/adb"
)

func newDevicesCmd() *cobra.Command {
	var (
		flagJSON    bool
		flagTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List connected devices and their capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := adb.NewDefault()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			serials, err := provider.ListDevices(ctx)
			if err != nil {
				return errors.Wrap(err, "list devices")
			}
			var descs []device.Descriptor
			for _, serial := range serials {
				dev, err := provider.Device(serial)
				if err != nil {
					log.Warn().Err(err).Str("serial", serial).Msg("skip device")
					continue
				}
				descCtx, cancel := contextWithTimeout(ctx, flagTimeout)
				desc, err := device.Describe(descCtx, dev)
				cancel()
				if err != nil {
					log.Warn().Err(err).Str("serial", serial).Msg("describe device failed")
					continue
				}
				descs = append(descs, desc)
			}
			out := cmd.OutOrStdout()
			if flagJSON {
				raw, err := json.MarshalIndent(descs, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(raw))
				return nil
			}
			if len(descs) == 0 {
				fmt.Fprintln(out, "no devices connected")
				return nil
			}
			for _, d := range descs {
				fmt.Fprintf(out, "%-24s api=%-3d abis=%v virtual=%t debuggable=%t %s\n",
					d.Serial, d.APILevel, d.ABIs, d.Virtual, d.Debuggable, d.String())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagJSON, "json", false, "print descriptors as JSON")
	cmd.Flags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "per-device describe timeout")
	return cmd
}
