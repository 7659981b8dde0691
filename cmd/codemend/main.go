// Codemend is a self-healing refactoring pipeline for Python projects.
//
// The binary audits a target tree with an LLM, applies patches one file at
// a time inside a sandbox, and validates with pytest and pylint until the
// tests pass or the iteration budget runs out.
//
// Usage:
//
//	# Refactor a project until its tests pass
//	codemend run ./service
//
//	# Audit only, print the plan without touching files
//	codemend run --dry-run ./service
//
//	# Serve refactor tools to coding agents over stdio
//	codemend mcp
//
// Configuration is loaded from ~/.config/codemend/config.yaml and
// CODEMEND_* environment variables. See internal/config for details.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configFile is the explicit config path; empty means the default
// location, tolerated if missing.
var configFile string

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "codemend",
	Short: "Self-healing refactoring pipeline for Python projects",
	Long: `codemend audits a Python tree with an LLM, proposes patches, and keeps
fixing until pytest and pylint are satisfied or the iteration budget runs out.
All writes stay inside the target directory; originals are backed up first.`,
	Version: version,

	// A failed run is not a usage problem; keep the usage text out of
	// pipeline error output.
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.config/codemend/config.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints full build information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion()
	},
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("codemend by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}
