package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	prefsync "github.com/Vannakem2021/ecommerce-last-sub005"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow favorites changes made on other devices",
	Long:  "Subscribe to the server's change feed and keep the local favorites current until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocal(func(cfg *Config, l *local) error {
			id, ok := identity(cfg)
			if !ok {
				return fmt.Errorf("not signed in; run 'prefsync token issue <user-id> --save'")
			}
			var out = cmd.OutOrStdout()

			var engine = newEngine(cfg, l, out)
			defer engine.Close()
			engine.SetIdentity(id, true)
			engine.Wait()
			fmt.Fprintf(out, "Sync: %s, %d favorite(s)\n", engine.Phase(), l.favorites.Len())

			var feed = prefsync.NewFeedClient(prefsync.NewClient(cfg.Client.BaseURL).BaseURL(), id, nil)
			feed.OnState(func(s prefsync.FeedState) {
				fmt.Fprintf(out, "Feed: %s\n", s)
			})
			feed.OnChanged(func(c prefsync.FavoriteChange) {
				var verb = "unfavorited"
				if c.Favorited {
					verb = "favorited"
				}
				fmt.Fprintf(out, "%s %s\n", verb, c.ProductID)
				engine.HandleFeedEvent(c)
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return feed.Run(ctx)
		})
	},
}
