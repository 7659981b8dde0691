// Package guard screens generated patch content for leaked secrets before
// the engine writes it into the sandbox. Detection runs the Gitleaks rule
// set, narrowed by an optional user allowlist; findings carry positions and
// previews but never the secret value itself.
package guard

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codemend/internal/config"
	"github.com/fyrsmithlabs/codemend/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/codemend/internal/guard"

// previewLen caps how much of a detected secret is kept for reporting.
const previewLen = 4

// Finding reports one detected secret. Match content is reduced to a short
// preview plus its length so findings are safe to journal.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	File        string `json:"file"`
	Line        int    `json:"line"`
	Preview     string `json:"preview"`
	Length      int    `json:"length"`
}

// Scanner checks patch content before it is written.
type Scanner interface {
	// Scan reports secret findings in content destined for file. A nil
	// slice means the content is clean (or scanning is disabled).
	Scan(ctx context.Context, file string, content []byte) []Finding
}

// Service implements Scanner over the Gitleaks rule set.
type Service struct {
	detector *detect.Detector
	disabled bool
	logger   *logging.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	findingCounter metric.Int64Counter
}

// NewService builds the scanner. The detector and its rule set are compiled
// once here, not per scan. When cfg.Disabled is set no detector is built
// and Scan always reports clean.
func NewService(cfg config.GuardConfig, logger *logging.Logger) (*Service, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	s := &Service{
		disabled: cfg.Disabled,
		logger:   logger.Named("guard"),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}

	var err error
	s.findingCounter, err = s.meter.Int64Counter(
		"codemend.guard.findings_total",
		metric.WithDescription("Total number of secret findings in generated patches"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create finding counter", zap.Error(err))
	}

	if cfg.Disabled {
		return s, nil
	}

	allowlist, err := LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return nil, fmt.Errorf("load allowlist: %w", err)
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("create secret detector: %w", err)
	}
	applyAllowlist(&detector.Config, allowlist)
	s.detector = detector

	return s, nil
}

// Scan reports secret findings in content destined for file.
func (s *Service) Scan(ctx context.Context, file string, content []byte) []Finding {
	if s.disabled {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "guard.scan")
	defer span.End()
	span.SetAttributes(attribute.String("file", file))

	raw := s.detector.DetectString(string(content))
	if len(raw) == 0 {
		return nil
	}

	findings := make([]Finding, 0, len(raw))
	rules := make([]string, 0, len(raw))
	for _, f := range raw {
		findings = append(findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			File:        file,
			Line:        f.StartLine,
			Preview:     preview(f.Secret),
			Length:      len(f.Secret),
		})
		rules = append(rules, f.RuleID)
	}

	span.SetAttributes(attribute.Int("findings", len(findings)))
	if s.findingCounter != nil {
		s.findingCounter.Add(ctx, int64(len(findings)))
	}
	s.logger.Warn(ctx, "patch content contains secrets",
		zap.String("file", file),
		zap.Int("findings", len(findings)),
		zap.Strings("rules", rules),
	)
	return findings
}

// applyAllowlist merges user patterns into the Gitleaks config. Patterns
// were validated at load time; a compile failure here is a bug.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	if len(allowlist.Paths) == 0 && len(allowlist.Regexes) == 0 {
		return
	}

	global := &gitleaksConfig.Allowlist{
		Description: "codemend user allowlist",
	}
	for _, pattern := range allowlist.Paths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			panic("BUG: pre-validated regex pattern failed to compile: " + pattern + ": " + err.Error())
		}
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			panic("BUG: pre-validated regex pattern failed to compile: " + pattern + ": " + err.Error())
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allowlist.Regexes...)

	cfg.Allowlists = append(cfg.Allowlists, global)
}

func preview(s string) string {
	if len(s) <= previewLen {
		return s
	}
	return s[:previewLen]
}

// Ensure interfaces are implemented at compile time.
var _ Scanner = (*Service)(nil)
