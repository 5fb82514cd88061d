package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/httprunner/LaunchAgent/internal/config"
	"github.com/httprunner/LaunchAgent/internal/storage"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the persisted install cache",
	}
	cmd.AddCommand(newCacheListCmd(), newCacheClearCmd())
	return cmd
}

func openStore() (*storage.Store, error) {
	settings := config.Load()
	if settings.DisableSQLite {
		return nil, errors.Errorf("install cache persistence is disabled (%s)", config.EnvCacheDisableSQLite)
	}
	return storage.Open(settings.CacheDBPath)
}

func newCacheListCmd() *cobra.Command {
	var flagSerial string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List install records",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			records, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			serial := strings.TrimSpace(flagSerial)
			filtered := records[:0]
			for _, rec := range records {
				if serial == "" || rec.Serial == serial {
					filtered = append(filtered, rec)
				}
			}
			raw, err := json.MarshalIndent(filtered, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			return nil
		},
	}
	cmd.Flags().StringVarP(&flagSerial, "serial", "s", "", "only records of this device")
	return cmd
}

func newCacheClearCmd() *cobra.Command {
	var flagSerial string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete install records, forcing the next launch to reinstall",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			var removed int64
			if serial := strings.TrimSpace(flagSerial); serial != "" {
				removed, err = store.DeleteDevice(cmd.Context(), serial)
			} else {
				removed, err = store.DeleteAll(cmd.Context())
			}
			if err != nil {
				return err
			}
			log.Info().Int64("removed", removed).Str("db", store.Path()).Msg("install cache cleared")
			return nil
		},
	}
	cmd.Flags().StringVarP(&flagSerial, "serial", "s", "", "only clear records of this device")
	return cmd
}
