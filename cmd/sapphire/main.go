// Package main is the CLI entry point for the Sapphire host.
//
// Start the server:
//
//	sapphire serve --config sapphire.yaml
//
// Environment variables:
//
//   - SAPPHIRE_CONFIG: path to the configuration file
//   - SAPPHIRE_API_KEY: shared API key for the HTTP surface
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, FIREWORKS_API_KEY: LLM credentials
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "sapphire",
		Short:         "Sapphire conversational AI host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sapphire %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
