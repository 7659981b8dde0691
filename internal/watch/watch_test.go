package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/codemend/internal/logging"
)

func newTestWatcher(t *testing.T, root string, ignore ...string) *Watcher {
	t.Helper()
	w, err := New(root, Config{
		Debounce:   200 * time.Millisecond,
		IgnoreDirs: ignore,
	}, logging.NewTestLogger().Logger)
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	require.NoError(t, w.Start(context.Background()))
	return w
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func waitChange(t *testing.T, w *Watcher) Change {
	t.Helper()
	select {
	case change := <-w.Changes():
		return change
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change batch")
		return Change{}
	}
}

func expectQuiet(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case change := <-w.Changes():
		t.Fatalf("unexpected change batch: %v", change.Paths)
	case <-time.After(600 * time.Millisecond):
	}
}

func TestNewValidation(t *testing.T) {
	logger := logging.NewTestLogger().Logger

	_, err := New("", Config{}, logger)
	assert.ErrorContains(t, err, "root is required")

	_, err = New(t.TempDir(), Config{}, nil)
	assert.ErrorContains(t, err, "logger is required")

	_, err = New(filepath.Join(t.TempDir(), "missing"), Config{}, logger)
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "calc.py")
	write(t, file, "x = 1\n")
	_, err = New(file, Config{}, logger)
	assert.ErrorContains(t, err, "not a directory")
}

func TestEmitsBatchOnPythonWrite(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "calc.py"), "x = 1\n")
	w := newTestWatcher(t, root)

	write(t, filepath.Join(root, "calc.py"), "x = 2\n")

	change := waitChange(t, w)
	assert.Equal(t, []string{"calc.py"}, change.Paths)
	assert.False(t, change.Time.IsZero())
}

func TestCoalescesWritesIntoOneBatch(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)

	write(t, filepath.Join(root, "a.py"), "a = 1\n")
	write(t, filepath.Join(root, "b.py"), "b = 1\n")

	change := waitChange(t, w)
	assert.Equal(t, []string{"a.py", "b.py"}, change.Paths)
}

func TestIgnoresNonPythonFiles(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)

	write(t, filepath.Join(root, "notes.txt"), "hello\n")

	expectQuiet(t, w)
}

func TestIgnoresBackupAndHiddenDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "backups"), 0o755))
	w := newTestWatcher(t, root, "backups")

	write(t, filepath.Join(root, "backups", "old.py"), "x = 1\n")
	write(t, filepath.Join(root, ".venv", "mod.py"), "x = 1\n")
	write(t, filepath.Join(root, "__pycache__", "calc.py"), "x = 1\n")

	expectQuiet(t, w)
}

func TestWatchesNewSubdirectories(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0o755))
	// Give the watcher a moment to register the new directory.
	time.Sleep(100 * time.Millisecond)
	write(t, filepath.Join(root, "pkg", "mod.py"), "x = 1\n")

	change := waitChange(t, w)
	assert.Contains(t, change.Paths, filepath.Join("pkg", "mod.py"))
}

func TestStopIsIdempotent(t *testing.T) {
	w, err := New(t.TempDir(), Config{}, logging.NewTestLogger().Logger)
	require.NoError(t, err)

	w.Stop()
	w.Stop()
}
