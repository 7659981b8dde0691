// internal/config/loader.go
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// envPrefix namespaces codemend environment variables.
	envPrefix = "CODEMEND_"
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (CODEMEND_ENGINE_MAX_ITERATIONS, ...)
//  2. YAML config file
//  3. Hardcoded defaults
//
// The configPath parameter specifies the YAML file to load. If empty, the
// default path ~/.config/codemend/config.yaml is used and missing files are
// tolerated. An explicitly named file must exist.
//
// Because the file may hold API keys, it must have 0600 or 0400 permissions
// and be at most 1MB.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	explicit := configPath != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "codemend", "config.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the file descriptor to avoid a
		// TOCTOU race between stat and read.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", configPath, err)
	}

	// Environment variables override file values.
	// CODEMEND_ENGINE_MAX_ITERATIONS -> engine.max_iterations
	// CODEMEND_LLM_BASE_URL -> llm.base_url
	//
	// Sections are single words, so splitting on the first underscore after
	// the prefix yields section.field_name.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// EnsureConfigDir creates the codemend config directory if it doesn't exist.
// The directory is created with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "codemend")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	return nil
}

// validateConfigFileProperties checks file permissions and size.
// Takes FileInfo from an already-opened file descriptor.
func validateConfigFileProperties(info os.FileInfo) error {
	// Windows has a different permission model.
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	return nil
}

// applyDefaults fills zero values with the defaults from NewDefaultConfig.
func applyDefaults(cfg *Config) {
	def := NewDefaultConfig()

	if cfg.Sandbox.BackupDir == "" {
		cfg.Sandbox.BackupDir = def.Sandbox.BackupDir
	}

	if cfg.Inspector.Binary == "" {
		cfg.Inspector.Binary = def.Inspector.Binary
	}
	if cfg.Inspector.Timeout == 0 {
		cfg.Inspector.Timeout = def.Inspector.Timeout
	}
	if cfg.Inspector.QualityThreshold == 0 {
		cfg.Inspector.QualityThreshold = def.Inspector.QualityThreshold
	}
	if cfg.Inspector.MaxReportedIssues == 0 {
		cfg.Inspector.MaxReportedIssues = def.Inspector.MaxReportedIssues
	}

	if cfg.Tests.Binary == "" {
		cfg.Tests.Binary = def.Tests.Binary
	}
	if cfg.Tests.Timeout == 0 {
		cfg.Tests.Timeout = def.Tests.Timeout
	}

	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = def.LLM.BaseURL
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = def.LLM.Model
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = def.LLM.Temperature
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = def.LLM.MaxTokens
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = def.LLM.Timeout
	}

	if cfg.Engine.MaxIterations == 0 {
		cfg.Engine.MaxIterations = def.Engine.MaxIterations
	}

	if cfg.Journal.Path == "" {
		cfg.Journal.Path = def.Journal.Path
	}
	if cfg.Journal.NATS.URL == "" {
		cfg.Journal.NATS.URL = def.Journal.NATS.URL
	}
	if cfg.Journal.NATS.SubjectPrefix == "" {
		cfg.Journal.NATS.SubjectPrefix = def.Journal.NATS.SubjectPrefix
	}

	if cfg.Memory.Path == "" {
		cfg.Memory.Path = def.Memory.Path
	}
	if cfg.Memory.Collection == "" {
		cfg.Memory.Collection = def.Memory.Collection
	}
	if cfg.Memory.Embeddings.Provider == "" {
		cfg.Memory.Embeddings.Provider = def.Memory.Embeddings.Provider
	}
	if cfg.Memory.Embeddings.BaseURL == "" {
		cfg.Memory.Embeddings.BaseURL = def.Memory.Embeddings.BaseURL
	}
	if cfg.Memory.Embeddings.Model == "" {
		cfg.Memory.Embeddings.Model = def.Memory.Embeddings.Model
	}
	if cfg.Memory.Embeddings.CacheDir == "" {
		cfg.Memory.Embeddings.CacheDir = def.Memory.Embeddings.CacheDir
	}

	if cfg.Status.Addr == "" {
		cfg.Status.Addr = def.Status.Addr
	}

	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = def.Watch.Debounce
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = def.Telemetry.Endpoint
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = def.Telemetry.Protocol
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = def.Telemetry.SampleRatio
	}
	if cfg.Telemetry.MetricInterval == 0 {
		cfg.Telemetry.MetricInterval = def.Telemetry.MetricInterval
	}
}
