// Package main provides the CLI entry point for the novax task
// orchestration server.
//
// Start the server:
//
//	novax serve --config novax.yaml
//
// Configuration can also come from environment variables (NOVAX_ADDR,
// NOVAX_MODEL_API_KEY, NOVAX_DB_PATH, ...); see internal/config.
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
		Use:   "novax",
		Short: "Agentic task orchestration server",
		Long: "novax drives LLM-backed multi-step tasks with approval gates,\n" +
			"streams chat completions with tool calling, and fans task\n" +
			"lifecycle events out to websocket listeners.",
		SilenceUsage: true,
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("novax %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
