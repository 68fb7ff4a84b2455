package main

import (
	"fmt"
	"time"

	"github.com/Vannakem2021/ecommerce-last-sub005/server"
	"github.com/spf13/cobra"
)

var (
	tokenTTL  time.Duration
	tokenSave bool
)

func init() {
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	tokenIssueCmd.Flags().BoolVar(&tokenSave, "save", false, "Store the user id and token in [client]")
	tokenCmd.AddCommand(tokenIssueCmd)
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage bearer tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue <user-id>",
	Short: "Issue a bearer token for a user",
	Long: "Sign a bearer token for <user-id> with the first key of server.auth_keys.\n" +
		"Intended for development; production tokens come from the identity provider.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Server.AuthKeys == "" {
			return fmt.Errorf("no signing keys; set server.auth_keys first")
		}
		auth, err := server.NewKeyedAuth(cfg.Server.AuthKeys)
		if err != nil {
			return fmt.Errorf("invalid server.auth_keys: %w", err)
		}

		token, err := auth.Issue(userID, tokenTTL)
		if err != nil {
			return err
		}

		if !tokenSave {
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		}

		raw, err := readConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		raw.Client.UserID, raw.Client.Token = userID, token
		if err := saveConfig(raw); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (token expires %s)\n",
			userID, time.Now().Add(tokenTTL).Format(time.RFC3339))
		return nil
	},
}
