// Package sandbox confines all file operations of a run to one directory
// tree. Every path, relative or absolute, is resolved and verified against
// the root before any I/O happens; overwrites snapshot the previous content
// into a reserved backup area that never shows up in listings.
package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrOutOfBounds indicates a path that resolves outside the sandbox
	// root. It is raised before any read or write touches the filesystem.
	ErrOutOfBounds = errors.New("path escapes sandbox root")

	// ErrNotFound indicates the resolved path does not exist.
	ErrNotFound = errors.New("file not found")
)

// Backup records one snapshot taken before an overwrite or on demand.
// Paths are relative to the sandbox root. Records are append-only and
// retained for the lifetime of the store.
type Backup struct {
	ID           string    `json:"id"`
	OriginalPath string    `json:"original_path"`
	BackupPath   string    `json:"backup_path"`
	CreatedAt    time.Time `json:"created_at"`
}

// Info describes the sandbox contents at a point in time.
type Info struct {
	Root             string `json:"root"`
	BackupDir        string `json:"backup_dir"`
	TotalPythonFiles int    `json:"total_python_files"`
	TestFiles        int    `json:"test_files"`
	BackupsAvailable int    `json:"backups_available"`
}

// Store is the sandboxed file store.
type Store interface {
	// Root returns the canonical absolute path of the sandbox root.
	Root() string

	// Read returns the content of a file inside the sandbox.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write writes content to a path inside the sandbox, creating parent
	// directories as needed. Overwrites snapshot the existing content
	// first unless WithoutBackup is given. The reserved backup area is
	// not writable through this method.
	Write(ctx context.Context, path string, content []byte, opts ...WriteOption) error

	// List returns sorted root-relative paths of files whose base name
	// matches the glob pattern. The backup area and dot-directories are
	// excluded.
	List(ctx context.Context, pattern string) ([]string, error)

	// Backup snapshots an existing file into the reserved backup area
	// and returns the record.
	Backup(ctx context.Context, path string) (*Backup, error)

	// Restore copies a backup over targetPath. backupID is either the ID
	// of a recorded backup or a path that must resolve inside the
	// reserved backup area.
	Restore(ctx context.Context, backupID, targetPath string) error

	// Backups returns all backup records taken by this store, oldest
	// first.
	Backups() []Backup

	// Info summarizes the sandbox contents.
	Info(ctx context.Context) (*Info, error)
}

// Config configures a sandbox store.
type Config struct {
	// Root is the directory all operations are confined to. Required;
	// must exist.
	Root string

	// BackupDir is the name of the reserved backup subdirectory
	// (default: .backups).
	BackupDir string
}

// DefaultConfig returns sensible defaults. Root must still be set.
func DefaultConfig() *Config {
	return &Config{
		BackupDir: ".backups",
	}
}

type writeOptions struct {
	backup bool
}

// WriteOption adjusts a single Write call.
type WriteOption func(*writeOptions)

// WithoutBackup suppresses the snapshot normally taken before an
// overwrite.
func WithoutBackup() WriteOption {
	return func(o *writeOptions) {
		o.backup = false
	}
}
