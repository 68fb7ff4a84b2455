package main

import (
	"fmt"
	"strings"

	prefsync "github.com/Vannakem2021/ecommerce-last-sub005"
	"github.com/spf13/cobra"
)

func init() {
	themeCmd.AddCommand(themeGetCmd, themeSetCmd)
	rootCmd.AddCommand(themeCmd)
}

var themeCmd = &cobra.Command{
	Use:   "theme",
	Short: "Manage the color theme preference",
}

var themeGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current theme color",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocal(func(cfg *Config, l *local) error {
			fmt.Fprintln(cmd.OutOrStdout(), l.color.Get())
			return nil
		})
	},
}

var themeSetCmd = &cobra.Command{
	Use:   "set <color>",
	Short: "Set the theme color",
	Long:  "Set the theme color. Allowed colors: " + allowedColors() + ".",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocal(func(cfg *Config, l *local) error {
			if err := l.color.Set(prefsync.Color(args[0])); err != nil {
				return fmt.Errorf("%q is not an allowed color (%s)", args[0], allowedColors())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Theme color set to %s\n", args[0])
			return nil
		})
	},
}

func allowedColors() string {
	var names = make([]string, len(prefsync.AllowedColors))
	for i, c := range prefsync.AllowedColors {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}
