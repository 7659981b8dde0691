package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/codemend/internal/config"
	"github.com/fyrsmithlabs/codemend/internal/logging"
)

// testConfig returns defaults with the journal redirected into the test's
// temp dir so assembly never writes into the working directory.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.jsonl")
	return cfg
}

func testTarget(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "calc.py"), []byte("def ratio(a, b):\n    return a / b\n"), 0o644)
	require.NoError(t, err)
	return dir
}

func TestNewValidation(t *testing.T) {
	logger := logging.NewTestLogger().Logger
	ctx := context.Background()

	_, err := New(ctx, nil, t.TempDir(), logger)
	require.ErrorContains(t, err, "config is required")

	_, err = New(ctx, testConfig(t), "", logger)
	require.ErrorContains(t, err, "target directory is required")

	_, err = New(ctx, testConfig(t), t.TempDir(), nil)
	require.ErrorContains(t, err, "logger is required")
}

func TestNewWiresPipeline(t *testing.T) {
	cfg := testConfig(t)
	target := testTarget(t)

	p, err := New(context.Background(), cfg, target, logging.NewTestLogger().Logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	assert.NotNil(t, p.Engine)
	assert.NotNil(t, p.Store)
	assert.NotNil(t, p.Recorder)
	assert.NotEmpty(t, p.RunID)

	// Engine state snapshots and journal records must agree on the run.
	assert.Equal(t, p.RunID, p.Recorder.RunID())

	// The store canonicalizes its root; compare resolved paths.
	want, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	assert.Equal(t, want, p.Store.Root())

	// The file sink opens during assembly.
	_, err = os.Stat(cfg.Journal.Path)
	assert.NoError(t, err)
}

func TestNewMissingTarget(t *testing.T) {
	cfg := testConfig(t)
	missing := filepath.Join(t.TempDir(), "nope")

	_, err := New(context.Background(), cfg, missing, logging.NewTestLogger().Logger)
	require.ErrorContains(t, err, "create sandbox")
}

func TestNewRejectsBadEngineConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.MaxIterations = 0

	_, err := New(context.Background(), cfg, testTarget(t), logging.NewTestLogger().Logger)
	require.ErrorContains(t, err, "create engine")
}

func TestNewWithoutJournalPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Path = ""

	p, err := New(context.Background(), cfg, testTarget(t), logging.NewTestLogger().Logger)
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestNewWithMemoryEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memory.Enabled = true
	cfg.Memory.Path = filepath.Join(t.TempDir(), "memory")
	cfg.Memory.Embeddings.Provider = "openai"
	cfg.Memory.Embeddings.BaseURL = "http://localhost:8080"
	cfg.Memory.Embeddings.Model = "BAAI/bge-small-en-v1.5"

	p, err := New(context.Background(), cfg, testTarget(t), logging.NewTestLogger().Logger)
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestNewBadEmbedderConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memory.Enabled = true
	cfg.Memory.Embeddings.Provider = "telepathy"

	_, err := New(context.Background(), cfg, testTarget(t), logging.NewTestLogger().Logger)
	require.ErrorContains(t, err, "create embedder")
}

func TestCloseIsIdempotent(t *testing.T) {
	p, err := New(context.Background(), testConfig(t), testTarget(t), logging.NewTestLogger().Logger)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestPipelinesGetDistinctRunIDs(t *testing.T) {
	cfg := testConfig(t)
	target := testTarget(t)
	logger := logging.NewTestLogger().Logger

	a, err := New(context.Background(), cfg, target, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	b, err := New(context.Background(), cfg, target, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	assert.NotEqual(t, a.RunID, b.RunID)
}
