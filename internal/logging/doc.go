// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// Logging package wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Dual output (stderr + OpenTelemetry)
//   - Automatic context field injection (trace_id, run.id, phase, iteration)
//   - Defense-in-depth secret redaction
//   - Level-aware sampling (errors never sampled)
//
// Logs are written to stderr so stdout stays clean for run results.
//
// # Usage
//
// Create logger from config:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
// Log with context:
//
//	ctx := logging.WithRunID(ctx, "run_9f3a")
//	ctx = logging.WithPhase(ctx, "validate")
//	ctx = logging.WithIteration(ctx, 2)
//	logger.Info(ctx, "validation finished", zap.Bool("passed", ok))
//
// Output includes automatic correlation:
//
//	{
//	  "ts": "2026-08-21T10:15:30Z",
//	  "level": "info",
//	  "msg": "validation finished",
//	  "run.id": "run_9f3a",
//	  "phase": "validate",
//	  "iteration": 2,
//	  "passed": true
//	}
//
// # Secret Redaction
//
// Secrets are redacted at multiple layers:
//  1. Domain primitives (config.Secret type)
//  2. Encoder-level field name filtering
//  3. Encoder-level pattern matching
//
// Use helpers for manual redaction:
//
//	logger.Info(ctx, "llm client ready",
//	    logging.Secret("api_key", cfg.APIKey))
//
// # Testing
//
// Use TestLogger for test assertions:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "test message", zap.String("key", "value"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "test message")
package logging
