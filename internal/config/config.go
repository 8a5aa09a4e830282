package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all qcselect configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Knowledge base (fact files + Mangle engine)
	Knowledge KnowledgeConfig `yaml:"knowledge"`

	// Catalog database
	Catalog CatalogConfig `yaml:"catalog"`

	// Formula evaluation fallbacks
	Formula FormulaConfig `yaml:"formula"`

	// Executor plugins
	Execution ExecutionConfig `yaml:"execution"`

	// Metrics endpoint
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// KnowledgeConfig configures the fact file directory and the Mangle engine.
type KnowledgeConfig struct {
	BaseDir       string `yaml:"base_dir"`
	FactLimit     int    `yaml:"fact_limit"`
	QueryTimeout  string `yaml:"query_timeout"`
	WatchDebounce string `yaml:"watch_debounce"`
}

// CatalogConfig configures the SQLite catalog.
type CatalogConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// FormulaConfig configures the placeholder formula evaluator.
type FormulaConfig struct {
	FallbackQubits int `yaml:"fallback_qubits"`
	FallbackDepth  int `yaml:"fallback_depth"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "qcselect",
		Version: "0.3.0",

		Knowledge: KnowledgeConfig{
			BaseDir:       "data/knowledge",
			FactLimit:     100000,
			QueryTimeout:  "30s",
			WatchDebounce: "500ms",
		},

		Catalog: CatalogConfig{
			DatabasePath: "data/catalog.db",
		},

		Formula: FormulaConfig{
			FallbackQubits: 1,
			FallbackDepth:  1,
		},

		Execution: ExecutionConfig{
			ArtifactDir:    "data/artifacts",
			DefaultTimeout: "30s",
			GoScript: GoScriptConfig{
				Enabled:   true,
				Languages: []string{"go"},
				SDKs:      []string{"yaegi"},
			},
		},

		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9464",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("QCSELECT_KB_DIR"); dir != "" {
		c.Knowledge.BaseDir = dir
	}
	if path := os.Getenv("QCSELECT_DB"); path != "" {
		c.Catalog.DatabasePath = path
	}
	if dir := os.Getenv("QCSELECT_ARTIFACT_DIR"); dir != "" {
		c.Execution.ArtifactDir = dir
	}
	if level := os.Getenv("QCSELECT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// GetQueryTimeout returns the Mangle query timeout as a duration.
func (c *Config) GetQueryTimeout() time.Duration {
	d, err := time.ParseDuration(c.Knowledge.QueryTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetWatchDebounce returns the fact file watcher debounce window.
func (c *Config) GetWatchDebounce() time.Duration {
	d, err := time.ParseDuration(c.Knowledge.WatchDebounce)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// GetExecutionTimeout returns the default execution timeout as a duration.
func (c *Config) GetExecutionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Execution.DefaultTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Knowledge.BaseDir == "" {
		return fmt.Errorf("knowledge.base_dir must be set")
	}
	if c.Catalog.DatabasePath == "" {
		return fmt.Errorf("catalog.database_path must be set")
	}
	if c.Knowledge.FactLimit < 0 {
		return fmt.Errorf("knowledge.fact_limit must be >= 0")
	}
	if c.Formula.FallbackQubits < 1 {
		return fmt.Errorf("formula.fallback_qubits must be >= 1")
	}
	if c.Formula.FallbackDepth < 1 {
		return fmt.Errorf("formula.fallback_depth must be >= 1")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr must be set when metrics are enabled")
	}
	return nil
}
