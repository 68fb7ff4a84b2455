package main

import (
	"fmt"
	"io"

	prefsync "github.com/Vannakem2021/ecommerce-last-sub005"
	"github.com/spf13/cobra"
)

var favoritesOffline bool

func init() {
	favoritesCmd.PersistentFlags().BoolVar(&favoritesOffline, "offline", false, "Do not contact the server")
	favoritesCmd.AddCommand(favoritesListCmd, favoritesToggleCmd, favoritesSyncCmd)
	rootCmd.AddCommand(favoritesCmd)
}

var favoritesCmd = &cobra.Command{
	Use:   "favorites",
	Short: "Manage favorited products",
	Long: "Favorites are kept in a local store and, when a client token is configured,\n" +
		"reconciled with the server: favorites present on either side are kept.",
}

var favoritesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List favorited product ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocal(func(cfg *Config, l *local) error {
			printFavorites(cmd.OutOrStdout(), l.favorites)
			return nil
		})
	},
}

var favoritesToggleCmd = &cobra.Command{
	Use:   "toggle <product-id>",
	Short: "Favorite or unfavorite a product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocal(func(cfg *Config, l *local) error {
			var engine = syncEngine(cfg, l, cmd.OutOrStdout())
			if engine != nil {
				defer engine.Close()
			}

			if l.favorites.Toggle(args[0]) {
				fmt.Fprintf(cmd.OutOrStdout(), "Favorited %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Unfavorited %s\n", args[0])
			}

			if engine != nil {
				engine.Wait()
				if engine.Phase() != prefsync.PhaseSynced {
					fmt.Fprintln(cmd.OutOrStdout(), "Saved locally; the server will be updated on the next sync.")
				}
			}
			return nil
		})
	},
}

var favoritesSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile local favorites with the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocal(func(cfg *Config, l *local) error {
			if favoritesOffline {
				return fmt.Errorf("sync requires the server; drop --offline")
			}
			var engine = syncEngine(cfg, l, cmd.OutOrStdout())
			if engine == nil {
				return fmt.Errorf("not signed in; run 'prefsync token issue <user-id> --save' or set client.user_id and client.token")
			}
			defer engine.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Sync: %s\n", engine.Phase())
			printFavorites(cmd.OutOrStdout(), l.favorites)
			return nil
		})
	},
}

// withLocal runs fn with the configured local store open.
func withLocal(fn func(*Config, *local) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	l, err := openLocal(cfg)
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(cfg, l)
}

// syncEngine signs the engine in and waits for reconciliation. It returns
// nil when offline or signed out.
func syncEngine(cfg *Config, l *local, out io.Writer) *prefsync.Engine {
	id, ok := identity(cfg)
	if !ok || favoritesOffline {
		return nil
	}
	var engine = newEngine(cfg, l, out)
	engine.SetIdentity(id, true)
	engine.Wait()
	return engine
}

func printFavorites(w io.Writer, favorites *prefsync.FavoritesStore) {
	var ids = favorites.IDs()
	if len(ids) == 0 {
		fmt.Fprintln(w, "No favorites.")
		return
	}
	for _, id := range ids {
		fmt.Fprintln(w, id)
	}
}
