package testgen

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/codemend/internal/journal"
	"github.com/fyrsmithlabs/codemend/internal/llm"
	"github.com/fyrsmithlabs/codemend/internal/logging"
	"github.com/fyrsmithlabs/codemend/internal/sandbox"
)

type fakeClient struct {
	fn    func(ctx context.Context, req llm.Request) (string, error)
	calls []llm.Request
}

func (f *fakeClient) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.calls = append(f.calls, req)
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return "", nil
}

func (f *fakeClient) Model() string { return "test-model" }

type captureSink struct {
	records []journal.Record
}

func (c *captureSink) Emit(_ context.Context, rec journal.Record) error {
	c.records = append(c.records, rec)
	return nil
}

func (c *captureSink) Close() error { return nil }

func newTestStore(t *testing.T, files map[string]string) sandbox.Store {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	cfg := sandbox.DefaultConfig()
	cfg.Root = root
	store, err := sandbox.New(cfg, logging.NewNop())
	require.NoError(t, err)
	return store
}

func TestNewService_Validation(t *testing.T) {
	store := newTestStore(t, nil)
	client := &fakeClient{}
	logger := logging.NewNop()

	tests := []struct {
		name    string
		store   sandbox.Store
		client  llm.Client
		logger  *logging.Logger
		wantErr string
	}{
		{"missing store", nil, client, logger, "store is required"},
		{"missing client", store, nil, logger, "llm client is required"},
		{"missing logger", store, client, nil, "logger is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewService(tt.store, tt.client, nil, tt.logger)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestService_GenerateTests(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"calculator.py":   "def add(a, b):\n    return a + b\n",
		"util/helpers.py": "def shout(s):\n    return s.upper()\n",
	})
	client := &fakeClient{
		fn: func(_ context.Context, req llm.Request) (string, error) {
			if strings.Contains(req.Prompt, "calculator.py") {
				return "```python\nimport calculator\n\ndef test_add():\n    assert calculator.add(1, 2) == 3\n```", nil
			}
			return "import helpers\n\ndef test_shout():\n    assert helpers.shout(\"hi\") == \"HI\"\n", nil
		},
	}
	sink := &captureSink{}
	recorder := journal.NewRecorder("run-1", sink, logging.NewNop())

	svc, err := NewService(store, client, recorder, logging.NewNop())
	require.NoError(t, err)

	result, err := svc.GenerateTests(context.Background(), []string{"calculator.py", "util/helpers.py"})
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, []string{"test_calculator.py", "util/test_helpers.py"}, result.Generated)
	assert.Empty(t, result.Failed)
	assert.False(t, result.Partial())

	require.Len(t, client.calls, 2)
	assert.Contains(t, client.calls[0].System, "test engineer")
	assert.Contains(t, client.calls[0].Prompt, "Path: calculator.py")
	assert.Contains(t, client.calls[0].Prompt, "def add(a, b):")

	content, err := store.Read(context.Background(), "test_calculator.py")
	require.NoError(t, err)
	assert.Equal(t, "import calculator\n\ndef test_add():\n    assert calculator.add(1, 2) == 3\n", string(content))

	content, err = store.Read(context.Background(), "util/test_helpers.py")
	require.NoError(t, err)
	assert.Contains(t, string(content), "def test_shout():")

	require.Len(t, sink.records, 2)
	first := sink.records[0]
	assert.Equal(t, journal.AgentTestGen, first.Agent)
	assert.Equal(t, journal.ActionGeneration, first.ActionKind)
	assert.Equal(t, journal.StatusSuccess, first.Status)
	assert.Equal(t, "calculator.py", first.Details["source_file"])
	assert.Equal(t, "test_calculator.py", first.Details["test_file"])
}

func TestService_GenerateTests_SkipsWhenTestsExist(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"calculator.py":      "def add(a, b):\n    return a + b\n",
		"test_calculator.py": "def test_add():\n    assert True\n",
	})
	client := &fakeClient{}
	sink := &captureSink{}
	recorder := journal.NewRecorder("run-1", sink, logging.NewNop())

	svc, err := NewService(store, client, recorder, logging.NewNop())
	require.NoError(t, err)

	result, err := svc.GenerateTests(context.Background(), []string{"calculator.py"})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Empty(t, result.Generated)
	assert.Empty(t, client.calls)

	require.Len(t, sink.records, 1)
	assert.Equal(t, journal.StatusSuccess, sink.records[0].Status)
	assert.Equal(t, true, sink.records[0].Details["skipped"])
	assert.Equal(t, 1, sink.records[0].Details["existing_tests"])
}

func TestService_GenerateTests_PartialFailure(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"calculator.py":   "def add(a, b):\n    return a + b\n",
		"util/helpers.py": "def shout(s):\n    return s.upper()\n",
	})
	client := &fakeClient{
		fn: func(_ context.Context, req llm.Request) (string, error) {
			if strings.Contains(req.Prompt, "helpers.py") {
				return "", errors.New("model overloaded")
			}
			return "def test_add():\n    assert True\n", nil
		},
	}
	sink := &captureSink{}
	recorder := journal.NewRecorder("run-1", sink, logging.NewNop())

	svc, err := NewService(store, client, recorder, logging.NewNop())
	require.NoError(t, err)

	result, err := svc.GenerateTests(context.Background(), []string{"calculator.py", "util/helpers.py"})
	require.NoError(t, err)
	assert.Equal(t, []string{"test_calculator.py"}, result.Generated)
	assert.Equal(t, []string{"util/helpers.py"}, result.Failed)
	assert.True(t, result.Partial())

	var statuses []journal.Status
	for _, rec := range sink.records {
		statuses = append(statuses, rec.Status)
	}
	assert.Equal(t, []journal.Status{journal.StatusSuccess, journal.StatusFailed}, statuses)
}

func TestService_GenerateTests_AllFail(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"calculator.py": "def add(a, b):\n    return a + b\n",
	})
	client := &fakeClient{
		fn: func(_ context.Context, _ llm.Request) (string, error) {
			return "", errors.New("model overloaded")
		},
	}

	svc, err := NewService(store, client, nil, logging.NewNop())
	require.NoError(t, err)

	result, err := svc.GenerateTests(context.Background(), []string{"calculator.py"})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "produced nothing")
}

func TestService_GenerateTests_EmptyResponseCountsAsFailure(t *testing.T) {
	store := newTestStore(t, map[string]string{
		"calculator.py":   "def add(a, b):\n    return a + b\n",
		"util/helpers.py": "def shout(s):\n    return s.upper()\n",
	})
	client := &fakeClient{
		fn: func(_ context.Context, req llm.Request) (string, error) {
			if strings.Contains(req.Prompt, "helpers.py") {
				return "```\n```", nil
			}
			return "def test_add():\n    assert True\n", nil
		},
	}

	svc, err := NewService(store, client, nil, logging.NewNop())
	require.NoError(t, err)

	result, err := svc.GenerateTests(context.Background(), []string{"calculator.py", "util/helpers.py"})
	require.NoError(t, err)
	assert.Equal(t, []string{"util/helpers.py"}, result.Failed)
	assert.True(t, result.Partial())
}

func TestTestFileName(t *testing.T) {
	tests := []struct {
		file string
		want string
	}{
		{"calculator.py", "test_calculator.py"},
		{"util/helpers.py", "util/test_helpers.py"},
		{"a/b/c.py", "a/b/test_c.py"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, testFileName(tt.file))
	}
}
