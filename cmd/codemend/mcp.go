package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/codemend/internal/config"
	mcpserver "github.com/fyrsmithlabs/codemend/internal/mcp"
	"github.com/fyrsmithlabs/codemend/internal/telemetry"
)

// mcpCmd serves the refactor tools over stdio
var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve refactor tools over the Model Context Protocol",
	Long: `Start an MCP server on stdin/stdout exposing the refactor_run and
refactor_audit tools. Each tool call assembles a fresh pipeline against the
target directory named in its arguments.

Examples:
  # Serve until the client disconnects
  codemend mcp

  # Register with Claude Code
  claude mcp add codemend -- codemend mcp`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.LoadWithFile(configFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	// Stdout carries the MCP stream; logs stay on stderr.
	logger, err := buildLogger(tel, false)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	srv, err := mcpserver.NewServer(&mcpserver.Config{Name: "codemend", Version: version}, cfg, logger)
	if err != nil {
		return fmt.Errorf("create mcp server: %w", err)
	}
	return srv.Run(ctx)
}
