// Package cli provides Hatago's command-line interface: the root command,
// "serve", and "version": a persistent --config flag, a subcommand that
// wires and runs the gateway, and a build-info version command.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hatago",
	Short: "Hatago - a lightweight MCP gateway",
	Long: `Hatago fans a single Model Context Protocol client connection out to
many upstream MCP servers, presenting their combined tool catalog under one
Streamable HTTP endpoint.

Quick start:
  1. Create a config file: hatago.yaml
  2. Run: hatago serve

Configuration is loaded from the file named by --config, or from
./hatago.yaml if --config is omitted. Environment variables listed in the
config package documentation override file values.

Commands:
  serve    Start the gateway
  version  Print version information`,
}

// Execute runs the root command, exiting the process on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./hatago.yaml)")
}
