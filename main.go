package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "igvm-agent",
		Short:         "releases keys to isolated VMs based on their attestation reports",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "/etc/igvm-agent/config.hcl", "path to the configuration file (.hcl, .yaml or .yml)")
	rootCmd.PersistentFlags().StringSlice("env-file", nil, "additional .env files to load before the configuration")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAttestCmd())
	rootCmd.AddCommand(newParseCmd())
	rootCmd.AddCommand(newCreateKeyCmd())
	return rootCmd
}
