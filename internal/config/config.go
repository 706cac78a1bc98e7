// Package config loads and validates Voratiq's five YAML configuration
// files: agents.yaml, evals.yaml, environment.yaml, sandbox.yaml, and
// orchestration.yaml.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/viper"
	"github.com/voratiq/voratiq/internal/logging"
	"gopkg.in/yaml.v3"
)

// AgentSpec describes one coding agent entry in agents.yaml.
type AgentSpec struct {
	ID       string   `yaml:"id"`
	Provider string   `yaml:"provider"`
	Model    string   `yaml:"model"`
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
}

// AgentsConfig is the top-level shape of agents.yaml.
type AgentsConfig struct {
	Agents []AgentSpec `yaml:"agents"`
}

// EvalSpec describes one evaluation command in evals.yaml.
type EvalSpec struct {
	Slug      string   `yaml:"slug"`
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	TimeoutMs int      `yaml:"timeout"`
}

// EvalsConfig is the top-level shape of evals.yaml.
type EvalsConfig struct {
	Evals []EvalSpec `yaml:"evals"`
}

// EnvironmentConfig is the top-level shape of environment.yaml: a flat
// map of environment variables merged into every sandbox.
type EnvironmentConfig struct {
	Env map[string]string `yaml:"env"`
}

// SandboxConfig is the top-level shape of sandbox.yaml: the sandbox
// runtime invocation template.
type SandboxConfig struct {
	Binary       string   `yaml:"binary"`
	ArgsTemplate []string `yaml:"args_template"`
}

// OrchestrationConfig is the top-level shape of orchestration.yaml: the
// watchdog and scheduler timing constants, overridable per installation.
type OrchestrationConfig struct {
	MaxParallel      int    `mapstructure:"max_parallel" yaml:"max_parallel"`
	SilenceTimeoutMs int    `mapstructure:"silence_timeout_ms" yaml:"silence_timeout_ms"`
	WallClockCapMs   int    `mapstructure:"wall_clock_cap_ms" yaml:"wall_clock_cap_ms"`
	LogLevel         string `mapstructure:"log_level" yaml:"log_level"`
	LogMaxSizeMB     int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups    int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`
	LogCompress      bool   `mapstructure:"log_compress" yaml:"log_compress"`
}

// Config is the complete, validated configuration for a Voratiq
// installation, assembled from the five YAML files.
type Config struct {
	Agents        AgentsConfig
	Evals         EvalsConfig
	Environment   EnvironmentConfig
	Sandbox       SandboxConfig
	Orchestration OrchestrationConfig
}

// DefaultOrchestration returns the built-in orchestration constants; Load
// layers orchestration.yaml and any VORATIQ_* environment overrides on
// top of them.
func DefaultOrchestration() OrchestrationConfig {
	return OrchestrationConfig{
		MaxParallel:      4,
		SilenceTimeoutMs: 900_000,
		WallClockCapMs:   7_200_000,
		LogLevel:         "info",
		LogMaxSizeMB:     10,
		LogMaxBackups:    3,
	}
}

// SetDefaults registers orchestration defaults with viper so that
// VORATIQ_MAX_PARALLEL, VORATIQ_LOG_LEVEL, etc. can override them without
// requiring orchestration.yaml to list every key.
func SetDefaults(v *viper.Viper) {
	defaults := DefaultOrchestration()
	v.SetDefault("max_parallel", defaults.MaxParallel)
	v.SetDefault("silence_timeout_ms", defaults.SilenceTimeoutMs)
	v.SetDefault("wall_clock_cap_ms", defaults.WallClockCapMs)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_max_size_mb", defaults.LogMaxSizeMB)
	v.SetDefault("log_max_backups", defaults.LogMaxBackups)
	v.SetDefault("log_compress", defaults.LogCompress)
}

// SilenceTimeout returns the silence timeout as a time.Duration.
func (c OrchestrationConfig) SilenceTimeout() time.Duration {
	return time.Duration(c.SilenceTimeoutMs) * time.Millisecond
}

// WallClockCap returns the wall-clock cap as a time.Duration.
func (c OrchestrationConfig) WallClockCap() time.Duration {
	return time.Duration(c.WallClockCapMs) * time.Millisecond
}

// LogRotation returns the session debug.log rotation settings.
func (c OrchestrationConfig) LogRotation() logging.RotationConfig {
	return logging.RotationConfig{
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
		Compress:   c.LogCompress,
	}
}

// Timeout returns the eval's timeout as a time.Duration, falling back to
// the supplied default when unset.
func (e EvalSpec) Timeout(fallback time.Duration) time.Duration {
	if e.TimeoutMs <= 0 {
		return fallback
	}
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// Load reads and validates all five config files rooted at dir (normally
// the workspace's .voratiq directory) and layers VORATIQ_* environment
// overrides onto orchestration.yaml via viper.
func Load(dir string) (*Config, error) {
	cfg := &Config{}

	if err := decodeStrict(filepath.Join(dir, "agents.yaml"), &cfg.Agents); err != nil {
		return nil, fmt.Errorf("agents.yaml: %w", err)
	}
	if err := decodeStrict(filepath.Join(dir, "evals.yaml"), &cfg.Evals); err != nil {
		return nil, fmt.Errorf("evals.yaml: %w", err)
	}
	if err := decodeStrict(filepath.Join(dir, "environment.yaml"), &cfg.Environment); err != nil {
		return nil, fmt.Errorf("environment.yaml: %w", err)
	}
	if err := decodeStrict(filepath.Join(dir, "sandbox.yaml"), &cfg.Sandbox); err != nil {
		return nil, fmt.Errorf("sandbox.yaml: %w", err)
	}

	orch, err := loadOrchestration(filepath.Join(dir, "orchestration.yaml"))
	if err != nil {
		return nil, fmt.Errorf("orchestration.yaml: %w", err)
	}
	cfg.Orchestration = orch

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return cfg, nil
}

// loadOrchestration decodes orchestration.yaml (if present) into viper,
// registers defaults, and layers VORATIQ_* environment variables on top.
func loadOrchestration(path string) (OrchestrationConfig, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("VORATIQ")
	v.AutomaticEnv()

	if data, err := os.ReadFile(path); err == nil {
		v.SetConfigType("yaml")
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return OrchestrationConfig{}, err
		}
		if err := decodeStrict(path, &OrchestrationConfig{}); err != nil {
			return OrchestrationConfig{}, err
		}
	} else if !os.IsNotExist(err) {
		return OrchestrationConfig{}, err
	}

	var cfg OrchestrationConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return OrchestrationConfig{}, err
	}
	return cfg, nil
}

// decodeStrict decodes path's YAML contents into dst, rejecting unknown
// keys at any nesting level so a typo in operator config fails fast instead of being
// silently ignored. A missing file decodes as the type's zero value.
func decodeStrict(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("strict decode: %w", err)
	}
	return nil
}

// ConfigRoot returns the .voratiq directory under the given workspace
// root, the directory the five config files live in.
func ConfigRoot(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, ".voratiq")
}

// ValidProviders returns the list of recognized provider ids. The
// watchdog has fatal-pattern registrations for codex and gemini only.
func ValidProviders() []string {
	return []string{"claude", "codex", "gemini"}
}

// IsValidProvider reports whether provider is a recognized provider id.
func IsValidProvider(provider string) bool {
	return slices.Contains(ValidProviders(), provider)
}

// ValidLogLevels returns the list of valid log levels (shared with
// internal/logging).
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// IsValidLogLevel reports whether level is a recognized log level.
func IsValidLogLevel(level string) bool {
	return slices.Contains(ValidLogLevels(), level)
}
