package main

import (
	"context"
	"fmt"
	"time"

	prefsync "github.com/Vannakem2021/ecommerce-last-sub005"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and local store state",
	Long:  "Display the current configuration, the local preferences, and whether the server accepts the configured token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		var out = cmd.OutOrStdout()

		// Print config summary.
		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Server URL:  %s\n", valueOrDefault(cfg.Client.BaseURL, prefsync.DefaultBaseURL+" (default)"))
		fmt.Fprintf(out, "  Data dir:    %s\n", cfg.Client.DataDir)
		fmt.Fprintf(out, "  User ID:     %s\n", valueOrDefault(cfg.Client.UserID, "(signed out)"))
		fmt.Fprintf(out, "  Token:       %s\n", valueOrDefault(maskKey(cfg.Client.Token), "(not set)"))

		l, err := openLocal(cfg)
		if err != nil {
			return err
		}
		defer l.Close()

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Local store:")
		fmt.Fprintf(out, "  Favorites:   %d\n", l.favorites.Len())
		fmt.Fprintf(out, "  Theme color: %s\n", l.color.Get())

		id, ok := identity(cfg)
		if !ok {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Server:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ids, err := prefsync.NewClient(cfg.Client.BaseURL).List(ctx, id)
		if err != nil {
			fmt.Fprintf(out, "  Error: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "  Favorites:   %d\n", len(ids))
		return nil
	},
}
