package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newConfigPathCmd())
}

func newConfigPathCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "config-path",
		Short: "Print the config file the client would load",
		RunE: func(cmd *cobra.Command, args []string) error {
			loc := resolveConfigPath(cmd)
			out := cmd.OutOrStdout()
			if !verbose {
				_, err := fmt.Fprintln(out, loc.Path)
				return err
			}
			state := green.Render("exists")
			if !loc.Exists() {
				state = yellow.Render("missing")
			}
			_, err := fmt.Fprintf(out, "%s\nsource: %s\nstate: %s\n", loc.Path, loc.Source, state)
			return err
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "also print where the path came from and whether it exists")
	return cmd
}
