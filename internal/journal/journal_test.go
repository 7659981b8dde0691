package journal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/codemend/internal/config"
	"github.com/fyrsmithlabs/codemend/internal/logging"
)

// captureSink keeps emitted records in memory.
type captureSink struct {
	records []Record
	closed  bool
}

func (s *captureSink) Emit(_ context.Context, rec Record) error {
	s.records = append(s.records, rec)
	return nil
}

func (s *captureSink) Close() error {
	s.closed = true
	return nil
}

// failingSink always fails delivery.
type failingSink struct {
	emits int
}

func (s *failingSink) Emit(context.Context, Record) error {
	s.emits++
	return errors.New("sink unavailable")
}

func (s *failingSink) Close() error { return nil }

func TestRecorder_StampsDefaults(t *testing.T) {
	sink := &captureSink{}
	rec := NewRecorder("run-42", sink, logging.NewTestLogger().Logger)

	before := time.Now().UTC()
	rec.Emit(context.Background(), Record{
		Agent:      AgentPlanner,
		ModelUsed:  "qwen2.5-coder:14b",
		ActionKind: ActionAnalysis,
		Status:     StatusSuccess,
	})

	require.Len(t, sink.records, 1)
	got := sink.records[0]
	assert.Equal(t, "run-42", got.RunID)
	assert.Equal(t, AgentPlanner, got.Agent)
	assert.False(t, got.Timestamp.Before(before))

	// Explicit values are preserved.
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec.Emit(context.Background(), Record{
		RunID:      "other-run",
		Agent:      AgentEngine,
		ActionKind: ActionTransition,
		Status:     StatusFailed,
		Timestamp:  stamp,
	})
	require.Len(t, sink.records, 2)
	assert.Equal(t, "other-run", sink.records[1].RunID)
	assert.Equal(t, stamp, sink.records[1].Timestamp)
}

func TestRecorder_SinkFailureDoesNotPropagate(t *testing.T) {
	sink := &failingSink{}
	testLogger := logging.NewTestLogger()
	rec := NewRecorder("run-1", sink, testLogger.Logger)

	rec.Emit(context.Background(), Record{
		Agent:      AgentPatcher,
		ActionKind: ActionFix,
		Status:     StatusSuccess,
	})

	assert.Equal(t, 1, sink.emits)
	testLogger.AssertLogged(t, zapcore.WarnLevel, "journal delivery failed")
}

func TestRecorder_NilSafe(t *testing.T) {
	var rec *Recorder
	rec.Emit(context.Background(), Record{Agent: AgentEngine})
	assert.Empty(t, rec.RunID())
	assert.NoError(t, rec.Close())
}

func TestRecorder_NilSinkDegradesToNop(t *testing.T) {
	rec := NewRecorder("run-1", nil, nil)
	rec.Emit(context.Background(), Record{Agent: AgentEngine})
	assert.NoError(t, rec.Close())
}

func TestFileSink_AppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "journal.jsonl")

	sink, err := NewFileSink(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Emit(ctx, Record{
		RunID:      "run-1",
		Agent:      AgentPlanner,
		ModelUsed:  "qwen2.5-coder:14b",
		ActionKind: ActionAnalysis,
		Details:    map[string]any{"file_analyzed": "calculator.py", "issues_count": 3},
		Status:     StatusSuccess,
		Timestamp:  time.Now().UTC(),
	}))
	require.NoError(t, sink.Emit(ctx, Record{
		RunID:      "run-1",
		Agent:      AgentValidator,
		ActionKind: ActionValidation,
		Status:     StatusFailed,
		Timestamp:  time.Now().UTC(),
	}))
	require.NoError(t, sink.Close())

	// Reopening appends, never truncates.
	sink, err = NewFileSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Emit(ctx, Record{
		RunID:      "run-2",
		Agent:      AgentEngine,
		ActionKind: ActionTransition,
		Status:     StatusSuccess,
		Timestamp:  time.Now().UTC(),
	}))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)

	var first Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "run-1", first.RunID)
	assert.Equal(t, AgentPlanner, first.Agent)
	assert.Equal(t, ActionAnalysis, first.ActionKind)
	assert.Equal(t, "calculator.py", first.Details["file_analyzed"])

	var third Record
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &third))
	assert.Equal(t, "run-2", third.RunID)
}

func TestNewFileSink_EmptyPath(t *testing.T) {
	_, err := NewFileSink("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path required")
}

func TestMultiSink_FanOut(t *testing.T) {
	capture := &captureSink{}
	failing := &failingSink{}
	multi := NewMultiSink(capture, nil, failing)

	err := multi.Emit(context.Background(), Record{
		RunID:  "run-1",
		Agent:  AgentEngine,
		Status: StatusSuccess,
	})

	// The failure is reported but delivery to the healthy sink happened.
	require.Error(t, err)
	assert.Len(t, capture.records, 1)
	assert.Equal(t, 1, failing.emits)

	require.NoError(t, multi.Close())
	assert.True(t, capture.closed)
}

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestNATSSink_Publish(t *testing.T) {
	server := startTestNATSServer(t)

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("codemend.runs.run-7.events")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	sink, err := NewNATSSink(config.NATSConfig{
		URL:           server.ClientURL(),
		SubjectPrefix: "codemend.runs",
	})
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	require.NoError(t, sink.Emit(context.Background(), Record{
		RunID:      "run-7",
		Agent:      AgentPatcher,
		ActionKind: ActionFix,
		Status:     StatusSuccess,
		Timestamp:  time.Now().UTC(),
	}))
	require.NoError(t, sink.nc.FlushTimeout(2*time.Second))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var got Record
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "run-7", got.RunID)
	assert.Equal(t, AgentPatcher, got.Agent)
	assert.Equal(t, ActionFix, got.ActionKind)
}

func TestNewNATSSink_Validation(t *testing.T) {
	_, err := NewNATSSink(config.NATSConfig{SubjectPrefix: "codemend.runs"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url required")

	_, err = NewNATSSink(config.NATSConfig{URL: "nats://127.0.0.1:4222"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subject prefix required")
}
