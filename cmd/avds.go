package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/httprunner/LaunchAgent/internal/config"
	"github.com/httprunner/LaunchAgent/internal/emulator"
)

func newAVDsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "avds",
		Short: "List AVDs that launch --avd can boot",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := config.Load()
			names, err := emulator.List(settings.AVDHome)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
