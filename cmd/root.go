// Package cmd defines the spindle CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/spindleworks/spindle/internal/config"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spindle",
		Short: "A concurrent web scraping engine",
		Long: `spindle runs configurable spiders: seed URLs are fetched through a
pluggable engine (plain HTTP or a headless browser), parsed by handlers, and
the extracted items flow through an ordered processing pipeline to their
output destinations.`,
		SilenceUsage: true,
	}

	cobra.OnInitialize(config.Init)

	cmd.AddCommand(newRunCmd())

	return cmd
}

// Execute is the CLI entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
