package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/codemend/internal/logging"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Root = t.TempDir()
	st, err := New(cfg, logging.NewTestLogger().Logger)
	require.NoError(t, err)
	return st
}

func seedFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNew_Validation(t *testing.T) {
	logger := logging.NewTestLogger().Logger

	tests := []struct {
		name   string
		cfg    *Config
		logger *logging.Logger
	}{
		{name: "nil config", cfg: nil, logger: logger},
		{name: "empty root", cfg: &Config{}, logger: logger},
		{name: "missing root", cfg: &Config{Root: "/definitely/not/here", BackupDir: ".backups"}, logger: logger},
		{name: "nil logger", cfg: &Config{Root: ".", BackupDir: ".backups"}, logger: nil},
		{name: "backup dir with separator", cfg: &Config{Root: ".", BackupDir: "a/b"}, logger: logger},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.logger)
			require.Error(t, err)
		})
	}
}

func TestNew_RootMustBeDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	cfg := DefaultConfig()
	cfg.Root = file
	_, err := New(cfg, logging.NewTestLogger().Logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestStore_ReadWriteRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	content := []byte("def add(a, b):\n    return a + b\n")
	require.NoError(t, st.Write(ctx, "pkg/util.py", content))

	got, err := st.Read(ctx, "pkg/util.py")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Absolute descendants resolve too.
	got, err = st.Read(ctx, filepath.Join(st.Root(), "pkg", "util.py"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestStore_Read_NotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.Read(context.Background(), "missing.py")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Read_Directory(t *testing.T) {
	st := newTestStore(t)
	seedFile(t, st.Root(), "sub/a.py", "x = 1\n")

	_, err := st.Read(context.Background(), "sub")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_OutOfBounds(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		path string
	}{
		{name: "parent traversal", path: "../escape.py"},
		{name: "nested traversal", path: "a/../../escape.py"},
		{name: "absolute outside", path: "/etc/passwd"},
		{name: "empty path", path: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := st.Read(ctx, tt.path)
			assert.ErrorIs(t, err, ErrOutOfBounds)

			err = st.Write(ctx, tt.path, []byte("pwned"))
			assert.ErrorIs(t, err, ErrOutOfBounds)
		})
	}

	// The refused writes never touched the parent directory.
	_, err := os.Stat(filepath.Join(filepath.Dir(st.Root()), "escape.py"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_Write_BackupOnOverwrite(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	v1 := []byte("def divide(a, b):\n    return a / b\n")
	v2 := []byte("def divide(a, b):\n    if b == 0:\n        raise ValueError\n    return a / b\n")

	require.NoError(t, st.Write(ctx, "calculator.py", v1))
	require.Empty(t, st.Backups(), "first write has nothing to snapshot")

	require.NoError(t, st.Write(ctx, "calculator.py", v2))

	backups := st.Backups()
	require.Len(t, backups, 1)
	rec := backups[0]
	assert.Equal(t, "calculator.py", rec.OriginalPath)
	assert.Equal(t, rec.ID, rec.BackupPath[len(rec.BackupPath)-11:len(rec.BackupPath)-3])

	name := filepath.Base(filepath.FromSlash(rec.BackupPath))
	assert.Regexp(t, regexp.MustCompile(`^calculator_\d{8}_\d{6}_[0-9a-f]{8}\.py$`), name)

	// Backup holds the old content, the live file the new.
	saved, err := os.ReadFile(filepath.Join(st.Root(), filepath.FromSlash(rec.BackupPath)))
	require.NoError(t, err)
	assert.Equal(t, v1, saved)

	live, err := st.Read(ctx, "calculator.py")
	require.NoError(t, err)
	assert.Equal(t, v2, live)
}

func TestStore_Write_WithoutBackup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Write(ctx, "a.py", []byte("v1")))
	require.NoError(t, st.Write(ctx, "a.py", []byte("v2"), WithoutBackup()))

	assert.Empty(t, st.Backups())
}

func TestStore_Write_RefusesBackupArea(t *testing.T) {
	st := newTestStore(t)

	err := st.Write(context.Background(), ".backups/sneaky.py", []byte("x"))
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestStore_List(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	root := st.Root()

	seedFile(t, root, "a.py", "")
	seedFile(t, root, "sub/b.py", "")
	seedFile(t, root, "test_a.py", "")
	seedFile(t, root, "notes.txt", "")
	seedFile(t, root, ".secret.py", "")
	seedFile(t, root, ".hidden/h.py", "")
	seedFile(t, root, ".backups/a_20260101_000000_deadbeef.py", "")

	files, err := st.List(ctx, "*.py")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py", "sub/b.py", "test_a.py"}, files)

	files, err = st.List(ctx, "*.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes.txt"}, files)

	files, err = st.List(ctx, "*.go")
	require.NoError(t, err)
	assert.Empty(t, files)

	_, err = st.List(ctx, "[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pattern")
}

func TestStore_BackupAndRestoreByID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	v1 := []byte("original")
	require.NoError(t, st.Write(ctx, "calculator.py", v1))

	rec, err := st.Backup(ctx, "calculator.py")
	require.NoError(t, err)
	require.NotNil(t, rec)

	require.NoError(t, st.Write(ctx, "calculator.py", []byte("broken"), WithoutBackup()))

	require.NoError(t, st.Restore(ctx, rec.ID, "calculator.py"))
	got, err := st.Read(ctx, "calculator.py")
	require.NoError(t, err)
	assert.Equal(t, v1, got)
}

func TestStore_RestoreByPath(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	v1 := []byte("original")
	require.NoError(t, st.Write(ctx, "calculator.py", v1))
	rec, err := st.Backup(ctx, "calculator.py")
	require.NoError(t, err)

	require.NoError(t, st.Write(ctx, "calculator.py", []byte("broken"), WithoutBackup()))

	require.NoError(t, st.Restore(ctx, rec.BackupPath, "calculator.py"))
	got, err := st.Read(ctx, "calculator.py")
	require.NoError(t, err)
	assert.Equal(t, v1, got)
}

func TestStore_Restore_SourceMustBeBackup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Write(ctx, "fake.py", []byte("not a backup")))

	err := st.Restore(ctx, "fake.py", "calculator.py")
	assert.ErrorIs(t, err, ErrOutOfBounds)

	err = st.Restore(ctx, "deadbeef", "calculator.py")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Restore_TargetOutOfBounds(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Write(ctx, "calculator.py", []byte("v1")))
	rec, err := st.Backup(ctx, "calculator.py")
	require.NoError(t, err)

	err = st.Restore(ctx, rec.ID, "../escape.py")
	assert.ErrorIs(t, err, ErrOutOfBounds)

	err = st.Restore(ctx, rec.ID, ".backups/clobber.py")
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestStore_Info(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	root := st.Root()

	seedFile(t, root, "a.py", "")
	seedFile(t, root, "sub/b.py", "")
	seedFile(t, root, "test_a.py", "")

	require.NoError(t, st.Write(ctx, "a.py", []byte("v2")))

	info, err := st.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, root, info.Root)
	assert.Equal(t, ".backups", info.BackupDir)
	assert.Equal(t, 3, info.TotalPythonFiles)
	assert.Equal(t, 1, info.TestFiles)
	assert.Equal(t, 1, info.BackupsAvailable)
}

func TestStore_SymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks not reliable on windows")
	}
	st := newTestStore(t)
	ctx := context.Background()

	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("keys"), 0o644))

	require.NoError(t, os.Symlink(secret, filepath.Join(st.Root(), "link.py")))
	_, err := st.Read(ctx, "link.py")
	assert.ErrorIs(t, err, ErrOutOfBounds)

	require.NoError(t, os.Symlink(outside, filepath.Join(st.Root(), "extdir")))
	err = st.Write(ctx, "extdir/x.py", []byte("pwned"))
	assert.ErrorIs(t, err, ErrOutOfBounds)

	_, statErr := os.Stat(filepath.Join(outside, "x.py"))
	assert.True(t, os.IsNotExist(statErr))
}
