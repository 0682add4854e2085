// Package main is the entry point for the defensed binary.
// It serves the defense admin API and provides offline catalog tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	defaultConfigPath = ""
	defaultLogLevel   = ""
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for defensed
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "defensed",
		Short: "Request defense engine for forms and APIs",
		Long: `defensed evaluates incoming requests against graphs of defense checks.

The serve command runs the admin API. The validate and simulate commands work
on a catalog file without starting a server.

Example:
  defensed serve --config defense.yaml
  defensed validate catalog.yaml
  defensed simulate catalog.yaml --profile contact-form --facts request.json`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", defaultLogLevel, "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), newValidateCmd(), newSimulateCmd())
	return rootCmd
}
