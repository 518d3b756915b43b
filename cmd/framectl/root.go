package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "framectl",
		Short:         "Inspect frameflow envelopes, configs and endpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newDecodeCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newEndpointCommand())

	return rootCmd
}
