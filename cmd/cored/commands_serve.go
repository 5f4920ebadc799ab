package main

import (
	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the core agent daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "core.yaml", "path to the configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging regardless of config")
	return cmd
}
