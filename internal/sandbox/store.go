package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codemend/internal/logging"
	"github.com/fyrsmithlabs/codemend/pkg/pytest"
)

const instrumentationName = "github.com/fyrsmithlabs/codemend/internal/sandbox"

// backupTimestampLayout is the timestamp embedded in backup file names.
const backupTimestampLayout = "20060102_150405"

// store implements the Store interface.
type store struct {
	config    *Config
	root      string // canonical absolute root
	backupAbs string // canonical absolute backup dir
	logger    *logging.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	writeCounter   metric.Int64Counter
	backupCounter  metric.Int64Counter
	restoreCounter metric.Int64Counter

	mu      sync.Mutex
	backups []Backup
}

// New creates a sandbox store rooted at cfg.Root. The root must exist and
// be a directory; it is canonicalized once so later containment checks
// compare against a stable base.
func New(cfg *Config, logger *logging.Logger) (Store, error) {
	if cfg == nil || cfg.Root == "" {
		return nil, errors.New("sandbox root is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = DefaultConfig().BackupDir
	}
	if strings.ContainsAny(cfg.BackupDir, `/\`) {
		return nil, fmt.Errorf("backup dir must be a bare directory name, got %q", cfg.BackupDir)
	}

	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: sandbox root %s", ErrNotFound, cfg.Root)
		}
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %s is not a directory", cfg.Root)
	}

	s := &store{
		config:    cfg,
		root:      root,
		backupAbs: filepath.Join(root, cfg.BackupDir),
		logger:    logger.Named("sandbox"),
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}
	s.initMetrics()

	return s, nil
}

func (s *store) initMetrics() {
	var err error

	s.writeCounter, err = s.meter.Int64Counter(
		"codemend.sandbox.writes_total",
		metric.WithDescription("Total number of sandbox file writes"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create write counter", zap.Error(err))
	}

	s.backupCounter, err = s.meter.Int64Counter(
		"codemend.sandbox.backups_total",
		metric.WithDescription("Total number of backups taken"),
		metric.WithUnit("{backup}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create backup counter", zap.Error(err))
	}

	s.restoreCounter, err = s.meter.Int64Counter(
		"codemend.sandbox.restores_total",
		metric.WithDescription("Total number of backup restores"),
		metric.WithUnit("{restore}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create restore counter", zap.Error(err))
	}
}

func (s *store) Root() string {
	return s.root
}

// contains reports whether abs sits at or below the sandbox root. abs must
// already be clean.
func (s *store) contains(abs string) bool {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// inBackupArea reports whether abs sits at or below the reserved backup
// directory.
func (s *store) inBackupArea(abs string) bool {
	rel, err := filepath.Rel(s.backupAbs, abs)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// resolve maps path into the sandbox and enforces containment before any
// I/O. Relative paths resolve against the root; absolute paths must be
// descendants. Symlinks are followed for the existing part of the path so
// a link inside the root cannot carry an operation outside it; path
// segments that do not exist yet are contained lexically.
func (s *store) resolve(path string, mustExist bool) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrOutOfBounds)
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.root, abs)
	}
	abs = filepath.Clean(abs)
	if !s.contains(abs) {
		return "", fmt.Errorf("%w: %q resolves to %s, sandbox is %s", ErrOutOfBounds, path, abs, s.root)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		if !s.contains(resolved) {
			return "", fmt.Errorf("%w: %q links to %s, sandbox is %s", ErrOutOfBounds, path, resolved, s.root)
		}
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if mustExist {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	// Fresh path. If the parent already exists, make sure it does not
	// link outside the root.
	if parent, perr := filepath.EvalSymlinks(filepath.Dir(abs)); perr == nil {
		if !s.contains(parent) {
			return "", fmt.Errorf("%w: parent of %q links to %s, sandbox is %s", ErrOutOfBounds, path, parent, s.root)
		}
		return filepath.Join(parent, filepath.Base(abs)), nil
	}
	return abs, nil
}

func (s *store) rel(abs string) string {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

func (s *store) Read(ctx context.Context, path string) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "sandbox.read")
	defer span.End()
	span.SetAttributes(attribute.String("path", path))

	abs, err := s.resolve(path, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, path)
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	s.logger.Debug(ctx, "file read",
		zap.String("path", s.rel(abs)),
		zap.Int("bytes", len(content)),
	)
	return content, nil
}

func (s *store) Write(ctx context.Context, path string, content []byte, opts ...WriteOption) error {
	ctx, span := s.tracer.Start(ctx, "sandbox.write")
	defer span.End()
	span.SetAttributes(
		attribute.String("path", path),
		attribute.Int("bytes", len(content)),
	)

	options := writeOptions{backup: true}
	for _, opt := range opts {
		opt(&options)
	}

	abs, err := s.resolve(path, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if s.inBackupArea(abs) {
		err := fmt.Errorf("%w: %q is inside the reserved backup area", ErrOutOfBounds, path)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// Snapshot the previous content before it is replaced.
	if options.backup {
		if _, err := os.Stat(abs); err == nil {
			if _, err := s.takeBackup(ctx, abs); err != nil {
				return fmt.Errorf("backup before overwrite: %w", err)
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent directories for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("write %s: %w", path, err)
	}

	if s.writeCounter != nil {
		s.writeCounter.Add(ctx, 1)
	}
	s.logger.Debug(ctx, "file written",
		zap.String("path", s.rel(abs)),
		zap.Int("bytes", len(content)),
		zap.Bool("backed_up", options.backup),
	)
	return nil
}

func (s *store) List(ctx context.Context, pattern string) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "sandbox.list")
	defer span.End()
	span.SetAttributes(attribute.String("pattern", pattern))

	if _, err := filepath.Match(pattern, "probe"); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	var files []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == s.root {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path == s.backupAbs || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if ok, _ := filepath.Match(pattern, name); ok {
			files = append(files, s.rel(path))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list %s: %w", pattern, err)
	}

	sort.Strings(files)
	s.logger.Debug(ctx, "files listed",
		zap.String("pattern", pattern),
		zap.Int("count", len(files)),
	)
	return files, nil
}

func (s *store) Backup(ctx context.Context, path string) (*Backup, error) {
	ctx, span := s.tracer.Start(ctx, "sandbox.backup")
	defer span.End()
	span.SetAttributes(attribute.String("path", path))

	abs, err := s.resolve(path, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, path)
	}

	return s.takeBackup(ctx, abs)
}

// takeBackup snapshots abs into the backup area. abs must be a resolved,
// existing regular file inside the root. The uuid token in the name makes
// same-second backups of the same file collision free.
func (s *store) takeBackup(ctx context.Context, abs string) (*Backup, error) {
	if err := os.MkdirAll(s.backupAbs, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	base := filepath.Base(abs)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	now := time.Now()
	token := uuid.NewString()[:8]
	name := fmt.Sprintf("%s_%s_%s%s", stem, now.Format(backupTimestampLayout), token, ext)
	dst := filepath.Join(s.backupAbs, name)

	if err := copyFile(abs, dst); err != nil {
		return nil, fmt.Errorf("copy %s to backup: %w", s.rel(abs), err)
	}

	record := Backup{
		ID:           token,
		OriginalPath: s.rel(abs),
		BackupPath:   s.rel(dst),
		CreatedAt:    now,
	}
	s.mu.Lock()
	s.backups = append(s.backups, record)
	s.mu.Unlock()

	if s.backupCounter != nil {
		s.backupCounter.Add(ctx, 1)
	}
	s.logger.Info(ctx, "backup created",
		zap.String("path", record.OriginalPath),
		zap.String("backup", record.BackupPath),
		zap.String("backup_id", record.ID),
	)
	return &record, nil
}

func (s *store) Restore(ctx context.Context, backupID, targetPath string) error {
	ctx, span := s.tracer.Start(ctx, "sandbox.restore")
	defer span.End()
	span.SetAttributes(
		attribute.String("backup_id", backupID),
		attribute.String("target", targetPath),
	)

	var backupAbs string
	if rec := s.findBackup(backupID); rec != nil {
		backupAbs = filepath.Join(s.root, filepath.FromSlash(rec.BackupPath))
		if _, err := os.Stat(backupAbs); err != nil {
			return fmt.Errorf("%w: backup %s", ErrNotFound, rec.BackupPath)
		}
	} else {
		abs, err := s.resolve(backupID, true)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if !s.inBackupArea(abs) {
			err := fmt.Errorf("%w: restore source %q is outside the reserved backup area", ErrOutOfBounds, backupID)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		backupAbs = abs
	}

	targetAbs, err := s.resolve(targetPath, false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if s.inBackupArea(targetAbs) {
		return fmt.Errorf("%w: restore target %q is inside the reserved backup area", ErrOutOfBounds, targetPath)
	}

	if err := os.MkdirAll(filepath.Dir(targetAbs), 0o755); err != nil {
		return fmt.Errorf("create parent directories for %s: %w", targetPath, err)
	}
	if err := copyFile(backupAbs, targetAbs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("restore %s: %w", targetPath, err)
	}

	if s.restoreCounter != nil {
		s.restoreCounter.Add(ctx, 1)
	}
	s.logger.Info(ctx, "backup restored",
		zap.String("backup", s.rel(backupAbs)),
		zap.String("target", s.rel(targetAbs)),
	)
	return nil
}

func (s *store) findBackup(id string) *Backup {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.backups {
		if s.backups[i].ID == id {
			rec := s.backups[i]
			return &rec
		}
	}
	return nil
}

func (s *store) Backups() []Backup {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Backup, len(s.backups))
	copy(out, s.backups)
	return out
}

func (s *store) Info(ctx context.Context) (*Info, error) {
	files, err := s.List(ctx, "*.py")
	if err != nil {
		return nil, err
	}

	testFiles := 0
	for _, f := range files {
		if pytest.IsTestFile(f) {
			testFiles++
		}
	}

	available := 0
	if entries, err := os.ReadDir(s.backupAbs); err == nil {
		available = len(entries)
	}

	return &Info{
		Root:             s.root,
		BackupDir:        s.config.BackupDir,
		TotalPythonFiles: len(files),
		TestFiles:        testFiles,
		BackupsAvailable: available,
	}, nil
}

// copyFile copies src to dst preserving the source's permission bits.
func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, info.Mode().Perm())
}
