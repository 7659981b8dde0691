// Package config provides configuration loading for codemend.
//
// Configuration is merged from three layers with the usual precedence:
// hardcoded defaults, a YAML config file, then CODEMEND_* environment
// variables.
package config

import (
	"fmt"
	"net"
	"time"
)

// Config holds the complete codemend configuration.
type Config struct {
	Sandbox   SandboxConfig   `koanf:"sandbox"`
	Inspector InspectorConfig `koanf:"inspector"`
	Tests     TestsConfig     `koanf:"tests"`
	LLM       LLMConfig       `koanf:"llm"`
	Engine    EngineConfig    `koanf:"engine"`
	Journal   JournalConfig   `koanf:"journal"`
	Memory    MemoryConfig    `koanf:"memory"`
	Guard     GuardConfig     `koanf:"guard"`
	Status    StatusConfig    `koanf:"status"`
	Watch     WatchConfig     `koanf:"watch"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// SandboxConfig holds sandboxed file store configuration.
type SandboxConfig struct {
	// BackupDir is the directory name (relative to the target root) that
	// holds pre-write backups. It is excluded from file discovery.
	BackupDir string `koanf:"backup_dir"`
}

// InspectorConfig holds static analysis tool configuration.
//
// SkipQualityGate is inverted so the zero value keeps the gate enabled.
type InspectorConfig struct {
	Binary            string   `koanf:"binary"`
	Args              []string `koanf:"args"`
	Timeout           Duration `koanf:"timeout"`
	QualityThreshold  float64  `koanf:"quality_threshold"`
	MaxReportedIssues int      `koanf:"max_reported_issues"`
	SkipQualityGate   bool     `koanf:"skip_quality_gate"`
}

// TestsConfig holds test runner configuration.
type TestsConfig struct {
	Binary  string   `koanf:"binary"`
	Args    []string `koanf:"args"`
	Timeout Duration `koanf:"timeout"`
}

// LLMConfig holds language model client configuration.
type LLMConfig struct {
	BaseURL     string   `koanf:"base_url"`
	Model       string   `koanf:"model"`
	APIKey      Secret   `koanf:"api_key"`
	Temperature float64  `koanf:"temperature"`
	MaxTokens   int      `koanf:"max_tokens"`
	Timeout     Duration `koanf:"timeout"`
}

// EngineConfig holds refactoring loop configuration.
type EngineConfig struct {
	MaxIterations int  `koanf:"max_iterations"`
	GenerateTests bool `koanf:"generate_tests"`
	DryRun        bool `koanf:"dry_run"`
}

// JournalConfig holds telemetry journal configuration.
type JournalConfig struct {
	Path string     `koanf:"path"`
	NATS NATSConfig `koanf:"nats"`
}

// NATSConfig holds optional NATS journal sink configuration.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// MemoryConfig holds fix memory (vector store) configuration.
//
// NoCompress is inverted so the zero value keeps compression enabled.
type MemoryConfig struct {
	Enabled    bool             `koanf:"enabled"`
	Path       string           `koanf:"path"`
	Collection string           `koanf:"collection"`
	NoCompress bool             `koanf:"no_compress"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"`
	BaseURL  string `koanf:"base_url"`
	Model    string `koanf:"model"`
	APIKey   Secret `koanf:"api_key"`
	CacheDir string `koanf:"cache_dir"`
}

// GuardConfig holds patch secret scanning configuration.
//
// Disabled is inverted so the zero value keeps scanning enabled.
type GuardConfig struct {
	Disabled      bool   `koanf:"disabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// StatusConfig holds the local status server configuration.
type StatusConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// WatchConfig holds filesystem watch mode configuration.
type WatchConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Debounce Duration `koanf:"debounce"`
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	ServiceName    string   `koanf:"service_name"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"`
	Insecure       bool     `koanf:"insecure"`
	TLSSkipVerify  bool     `koanf:"tls_skip_verify"`
	SampleRatio    float64  `koanf:"sample_ratio"`
	MetricInterval Duration `koanf:"metric_interval"`
}

// NewDefaultConfig returns config with production-ready defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			BackupDir: ".backups",
		},
		Inspector: InspectorConfig{
			Binary:            "pylint",
			Timeout:           Duration(60 * time.Second),
			QualityThreshold:  8.0,
			MaxReportedIssues: 5,
		},
		Tests: TestsConfig{
			Binary:  "pytest",
			Timeout: Duration(120 * time.Second),
		},
		LLM: LLMConfig{
			BaseURL:     "http://localhost:11434/v1",
			Model:       "qwen2.5-coder:14b",
			Temperature: 0.2,
			MaxTokens:   4096,
			Timeout:     Duration(5 * time.Minute),
		},
		Engine: EngineConfig{
			MaxIterations: 3,
		},
		Journal: JournalConfig{
			Path: "experiment_logs/journal.jsonl",
			NATS: NATSConfig{
				URL:           "nats://127.0.0.1:4222",
				SubjectPrefix: "codemend.runs",
			},
		},
		Memory: MemoryConfig{
			Path:       "~/.config/codemend/memory",
			Collection: "codemend_fixes",
			Embeddings: EmbeddingsConfig{
				Provider: "fastembed",
				BaseURL:  "http://localhost:8080",
				Model:    "BAAI/bge-small-en-v1.5",
				CacheDir: "~/.cache/codemend/models",
			},
		},
		Status: StatusConfig{
			Addr: "127.0.0.1:7466",
		},
		Watch: WatchConfig{
			Debounce: Duration(2 * time.Second),
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "codemend",
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			Insecure:       true,
			SampleRatio:    1.0,
			MetricInterval: Duration(30 * time.Second),
		},
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Sandbox.BackupDir == "" {
		return fmt.Errorf("sandbox backup_dir cannot be empty")
	}

	if c.Inspector.Binary == "" {
		return fmt.Errorf("inspector binary cannot be empty")
	}
	if c.Inspector.Timeout.Duration() <= 0 {
		return fmt.Errorf("inspector timeout must be > 0")
	}
	if c.Inspector.QualityThreshold < 0 || c.Inspector.QualityThreshold > 10 {
		return fmt.Errorf("inspector quality_threshold must be in [0, 10], got %v", c.Inspector.QualityThreshold)
	}
	if c.Inspector.MaxReportedIssues < 1 {
		return fmt.Errorf("inspector max_reported_issues must be >= 1, got %d", c.Inspector.MaxReportedIssues)
	}

	if c.Tests.Binary == "" {
		return fmt.Errorf("tests binary cannot be empty")
	}
	if c.Tests.Timeout.Duration() <= 0 {
		return fmt.Errorf("tests timeout must be > 0")
	}

	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm base_url cannot be empty")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm model cannot be empty")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm temperature must be in [0, 2], got %v", c.LLM.Temperature)
	}

	if c.Engine.MaxIterations < 1 {
		return fmt.Errorf("engine max_iterations must be >= 1, got %d", c.Engine.MaxIterations)
	}

	if c.Journal.Path == "" {
		return fmt.Errorf("journal path cannot be empty")
	}
	if c.Journal.NATS.Enabled && c.Journal.NATS.URL == "" {
		return fmt.Errorf("journal nats url required when nats sink enabled")
	}

	if c.Memory.Enabled {
		if c.Memory.Path == "" {
			return fmt.Errorf("memory path cannot be empty when memory enabled")
		}
		switch c.Memory.Embeddings.Provider {
		case "fastembed", "openai":
		default:
			return fmt.Errorf("unknown embeddings provider %q (want fastembed or openai)", c.Memory.Embeddings.Provider)
		}
	}

	if c.Status.Enabled {
		if _, _, err := net.SplitHostPort(c.Status.Addr); err != nil {
			return fmt.Errorf("invalid status addr %q: %w", c.Status.Addr, err)
		}
	}

	if c.Watch.Enabled && c.Watch.Debounce.Duration() <= 0 {
		return fmt.Errorf("watch debounce must be > 0 when watch enabled")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry service_name required when telemetry enabled")
		}
		switch c.Telemetry.Protocol {
		case "grpc", "http/protobuf":
		default:
			return fmt.Errorf("unknown telemetry protocol %q (want grpc or http/protobuf)", c.Telemetry.Protocol)
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry sample_ratio must be in [0, 1], got %v", c.Telemetry.SampleRatio)
		}
	}

	return nil
}
