package main

import (
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"

	// Global flags
	cfgFile string
	debug   bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "nbvite",
	Short: "nbvite - Vite integration daemon for NB applications",
	Long: `nbvite hosts the development-mode glue between an NB backend and the
Vite dev server.

Features:
  - Serves frontend sources through the transform pipeline
  - SSR render endpoint backed by a Deno sidecar
  - data-nb-component annotation on served components
  - Backend route regeneration when router files change
  - Hot marker files for the backend asset helpers

Get started:
  nbvite dev       Run the dev server bridge
  nbvite --help    Show available commands`,
	SilenceUsage: true,
}

func init() {
	// Global persistent flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is nbvite.yaml in . or ./config)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"enable debug output")

	// Add subcommands
	rootCmd.AddCommand(devCmd)
	rootCmd.AddCommand(versionCmd)
}
