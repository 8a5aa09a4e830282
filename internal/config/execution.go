package config

// ExecutionConfig configures executor plugins and artifact lookup.
type ExecutionConfig struct {
	// Root directory that relative artifact locations resolve against
	ArtifactDir string `yaml:"artifact_dir" json:"artifact_dir,omitempty"`

	// Default timeout for a single plugin run
	DefaultTimeout string `yaml:"default_timeout" json:"default_timeout,omitempty"`

	// Built-in Go script plugin (yaegi)
	GoScript GoScriptConfig `yaml:"go_script" json:"go_script"`
}

// GoScriptConfig declares the capabilities of the built-in Go script plugin.
type GoScriptConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Languages []string `yaml:"languages" json:"languages,omitempty"`
	SDKs      []string `yaml:"sdks" json:"sdks,omitempty"`
}
