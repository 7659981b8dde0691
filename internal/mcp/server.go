// Package mcp exposes the refactoring pipeline over the Model Context
// Protocol so coding agents can request audits and self-healing runs on
// a Python tree.
//
// The server uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// on the stdio transport and assembles a fresh pipeline per tool call, so
// every invocation gets its own sandbox store, journal run ID, and engine.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/codemend/internal/config"
	"github.com/fyrsmithlabs/codemend/internal/logging"
	"github.com/fyrsmithlabs/codemend/internal/services"
)

// pipelineFactory builds the pipeline for one tool call. Swapped in tests.
type pipelineFactory func(ctx context.Context, cfg *config.Config, targetDir string, logger *logging.Logger) (*services.Pipeline, error)

// Server serves the refactoring tools over MCP.
type Server struct {
	mcp     *mcp.Server
	runCfg  *config.Config
	logger  *logging.Logger
	metrics *Metrics

	newPipeline pipelineFactory
}

// Config configures the MCP server surface.
type Config struct {
	// Name is the server implementation name (default: "codemend").
	Name string

	// Version is the server version (default: "1.0.0").
	Version string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "codemend",
		Version: "1.0.0",
	}
}

// NewServer creates the MCP server. runCfg supplies the pipeline defaults
// for every tool call; per-call arguments override individual engine knobs
// without touching it.
func NewServer(cfg *Config, runCfg *config.Config, logger *logging.Logger) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if runCfg == nil {
		return nil, errors.New("run configuration is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{
				Name:    cfg.Name,
				Version: cfg.Version,
			},
			nil,
		),
		runCfg:      runCfg,
		logger:      logger.Named("mcp"),
		metrics:     NewMetrics(logger),
		newPipeline: services.New,
	}

	s.registerTools()

	return s, nil
}

// Run starts the MCP server on the stdio transport. It blocks until the
// client disconnects or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// resolveTargetDir validates a tool's target_dir argument. The path must
// name an existing directory; it is resolved to an absolute path so run
// output is unambiguous about what was touched.
func resolveTargetDir(path string) (string, error) {
	if path == "" {
		return "", errors.New("target_dir is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve target_dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("target_dir %s not found", path)
		}
		return "", fmt.Errorf("stat target_dir: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("target_dir %s is not a directory", path)
	}
	return abs, nil
}
