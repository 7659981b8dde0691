package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/codemend/internal/config"
)

// NopSink discards every record.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(context.Context, Record) error { return nil }

// Close implements Sink.
func (NopSink) Close() error { return nil }

// FileSink appends records to a JSONL file, one record per line.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (or creates) the journal file for appending. Parent
// directories are created as needed.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, errors.New("journal file path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}

	return &FileSink{file: file}, nil
}

// Emit appends one JSON line.
func (s *FileSink) Emit(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("append journal record: %w", err)
	}
	return nil
}

// Close closes the journal file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// NATSSink publishes records to a NATS subject per run:
// <prefix>.<run_id>.events. Publishes are fire-and-forget.
type NATSSink struct {
	nc            *nats.Conn
	subjectPrefix string
}

// NewNATSSink connects to the configured NATS server.
func NewNATSSink(cfg config.NATSConfig) (*NATSSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url required")
	}
	if cfg.SubjectPrefix == "" {
		return nil, errors.New("nats subject prefix required")
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("codemend-journal"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	return &NATSSink{nc: nc, subjectPrefix: cfg.SubjectPrefix}, nil
}

// Emit publishes one record.
func (s *NATSSink) Emit(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.events", s.subjectPrefix, rec.RunID)
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish journal record: %w", err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (s *NATSSink) Close() error {
	return s.nc.Drain()
}

// MultiSink fans each record out to every sink. Delivery continues past
// failures; errors are joined so no sink can shadow another's failure.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks. Nil entries are dropped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &MultiSink{sinks: kept}
}

// Emit delivers to all sinks.
func (s *MultiSink) Emit(ctx context.Context, rec Record) error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Emit(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all sinks.
func (s *MultiSink) Close() error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ensure interfaces are implemented at compile time.
var (
	_ Sink = NopSink{}
	_ Sink = (*FileSink)(nil)
	_ Sink = (*NATSSink)(nil)
	_ Sink = (*MultiSink)(nil)
)
