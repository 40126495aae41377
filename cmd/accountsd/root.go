package main

import (
	"os"

	"github.com/pysugar/accountsd/internal/version"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "accountsd",
	Short: "Online accounts daemon",
	Long: `accountsd manages online accounts for the desktop: it runs OAuth2
authorization flows, keeps tokens encrypted at rest, refreshes them
before they expire, and exposes accounts to applications over the
D-Bus session bus.

Run 'accountsd serve' to start the daemon; the other commands talk to a
running instance.`,
	SilenceUsage: true,
	Version:      version.Version,
}

// Execute runs the CLI. Called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "accountsd version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
