// Package services assembles the refactoring pipeline from configuration.
//
// Composition lives here so the CLI and the MCP server build identical
// pipelines: one sandbox store rooted at the target tree, a shared tool
// runner, the LLM client, the journal recorder, and the optional fix
// memory, all wired into the engine in a single place.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codemend/internal/config"
	"github.com/fyrsmithlabs/codemend/internal/engine"
	"github.com/fyrsmithlabs/codemend/internal/guard"
	"github.com/fyrsmithlabs/codemend/internal/inspect"
	"github.com/fyrsmithlabs/codemend/internal/journal"
	"github.com/fyrsmithlabs/codemend/internal/llm"
	"github.com/fyrsmithlabs/codemend/internal/logging"
	"github.com/fyrsmithlabs/codemend/internal/memory"
	"github.com/fyrsmithlabs/codemend/internal/patch"
	"github.com/fyrsmithlabs/codemend/internal/planner"
	"github.com/fyrsmithlabs/codemend/internal/sandbox"
	"github.com/fyrsmithlabs/codemend/internal/testgen"
	"github.com/fyrsmithlabs/codemend/internal/testrun"
	"github.com/fyrsmithlabs/codemend/internal/toolexec"
	"github.com/fyrsmithlabs/codemend/internal/validate"
)

// Pipeline is one fully wired refactoring pipeline for a target tree.
// Engine drives the run; the remaining fields are exposed for callers
// that need direct access (the MCP audit tool reads plans, the CLI
// reports backups through Store).
type Pipeline struct {
	Engine   *engine.Engine
	Store    sandbox.Store
	Recorder *journal.Recorder

	// RunID identifies this pipeline's run in the journal and in every
	// state snapshot the engine reports.
	RunID string

	closers []func() error
}

// New assembles a pipeline for the Python tree at targetDir. Callers that
// need different engine knobs (MCP request arguments, CLI flags) adjust
// cfg before calling. The pipeline holds open resources; Close releases
// them.
func New(ctx context.Context, cfg *config.Config, targetDir string, logger *logging.Logger) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if targetDir == "" {
		return nil, errors.New("target directory is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	p := &Pipeline{RunID: uuid.NewString()}

	// Tear down anything already opened when a later stage fails.
	built := false
	defer func() {
		if !built {
			_ = p.Close()
		}
	}()

	sandboxCfg := sandbox.DefaultConfig()
	sandboxCfg.Root = targetDir
	if cfg.Sandbox.BackupDir != "" {
		sandboxCfg.BackupDir = cfg.Sandbox.BackupDir
	}
	store, err := sandbox.New(sandboxCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	p.Store = store

	runner, err := toolexec.NewExecRunner(logger)
	if err != nil {
		return nil, fmt.Errorf("create tool runner: %w", err)
	}

	inspector, err := inspect.NewService(cfg.Inspector, runner, logger)
	if err != nil {
		return nil, fmt.Errorf("create inspector: %w", err)
	}

	tests, err := testrun.NewService(cfg.Tests, runner, logger)
	if err != nil {
		return nil, fmt.Errorf("create test runner: %w", err)
	}

	client, err := llm.NewClient(cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}

	recorder, err := newRecorder(ctx, cfg.Journal, p.RunID, logger)
	if err != nil {
		return nil, err
	}
	p.Recorder = recorder
	p.closers = append(p.closers, recorder.Close)

	plans, err := planner.NewService(store, inspector, client, recorder, logger)
	if err != nil {
		return nil, fmt.Errorf("create planner: %w", err)
	}

	patches, err := patch.NewService(store, client, recorder, logger)
	if err != nil {
		return nil, fmt.Errorf("create patch generator: %w", err)
	}

	testGen, err := testgen.NewService(store, client, recorder, logger)
	if err != nil {
		return nil, fmt.Errorf("create test generator: %w", err)
	}

	validator, err := validate.NewService(cfg.Inspector, store, tests, inspector, recorder, logger)
	if err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}

	scanner, err := guard.NewService(cfg.Guard, logger)
	if err != nil {
		return nil, fmt.Errorf("create secret scanner: %w", err)
	}

	// The engine nil-checks its memory; leave it nil unless enabled so a
	// disabled memory never drags in an embedding backend.
	var mem memory.Memory
	if cfg.Memory.Enabled {
		embedder, err := memory.NewEmbedder(cfg.Memory.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embedder: %w", err)
		}
		memSvc, err := memory.NewService(cfg.Memory, embedder, logger)
		if err != nil {
			_ = embedder.Close()
			return nil, fmt.Errorf("open fix memory: %w", err)
		}
		mem = memSvc
		p.closers = append(p.closers, memSvc.Close)
	}

	eng, err := engine.New(cfg.Engine, store, plans, patches, testGen, validator, scanner, mem, recorder, logger)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	p.Engine = eng

	built = true
	return p, nil
}

// Close releases pipeline resources in reverse construction order.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// newRecorder wires the journal sinks named by cfg. The file sink is
// always built when a path is configured; NATS is attached only when
// enabled and reachable enough to construct. Journaling is best-effort,
// so a broken NATS sink downgrades to a warning rather than failing the
// whole pipeline.
func newRecorder(ctx context.Context, cfg config.JournalConfig, runID string, logger *logging.Logger) (*journal.Recorder, error) {
	var sinks []journal.Sink

	if cfg.Path != "" {
		file, err := journal.NewFileSink(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open journal file: %w", err)
		}
		sinks = append(sinks, file)
	}

	if cfg.NATS.Enabled {
		broker, err := journal.NewNATSSink(cfg.NATS)
		if err != nil {
			logger.Warn(ctx, "journal nats sink unavailable",
				zap.String("url", cfg.NATS.URL),
				zap.Error(err))
		} else {
			sinks = append(sinks, broker)
		}
	}

	var sink journal.Sink
	switch len(sinks) {
	case 0:
		sink = journal.NopSink{}
	case 1:
		sink = sinks[0]
	default:
		sink = journal.NewMultiSink(sinks...)
	}

	return journal.NewRecorder(runID, sink, logger), nil
}
