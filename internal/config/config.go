// Package config loads veriforge configuration from .veriforge/config.yaml
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all veriforge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Toolchain configuration
	Toolchain ToolchainConfig `yaml:"toolchain"`

	// Iteration loop settings
	Loop LoopConfig `yaml:"loop"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the design/verification capability client.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini, openai-compatible
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// ToolchainConfig configures the external HDL compiler and simulator.
type ToolchainConfig struct {
	Compiler   string `yaml:"compiler"`    // compile binary, e.g. iverilog
	Simulator  string `yaml:"simulator"`   // simulate binary, e.g. vvp
	WorkDir    string `yaml:"work_dir"`    // scratch dir for compiled artifacts
	SimTimeout string `yaml:"sim_timeout"` // hard wall-clock simulation timeout
}

// LoopConfig configures the iteration loop controller.
type LoopConfig struct {
	MaxIterations       int    `yaml:"max_iterations"`
	PerIterationTimeout string `yaml:"per_iteration_timeout"`
	FeedbackMaxBytes    int    `yaml:"feedback_max_bytes"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "veriforge",
		Version: "0.3.0",
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			BaseURL:  "https://generativelanguage.googleapis.com/v1beta",
			Timeout:  "120s",
		},
		Toolchain: ToolchainConfig{
			Compiler:   "iverilog",
			Simulator:  "vvp",
			SimTimeout: "30s",
		},
		Loop: LoopConfig{
			MaxIterations:       5,
			PerIterationTimeout: "300s",
			FeedbackMaxBytes:    8192,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads config.yaml from the workspace, falling back to defaults
// for anything unset, then applies environment overrides.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(workspace, ".veriforge", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides lets environment variables win over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VERIFORGE_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("VERIFORGE_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("VERIFORGE_COMPILER"); v != "" {
		c.Toolchain.Compiler = v
	}
	if v := os.Getenv("VERIFORGE_SIMULATOR"); v != "" {
		c.Toolchain.Simulator = v
	}
}

// LLMTimeout parses the LLM call timeout, defaulting to 2 minutes.
func (c *Config) LLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 2*time.Minute)
}

// SimTimeout parses the simulation timeout, defaulting to 30 seconds.
func (c *Config) SimTimeout() time.Duration {
	return parseDuration(c.Toolchain.SimTimeout, 30*time.Second)
}

// PerIterationTimeout parses the per-iteration timeout, defaulting to 5 minutes.
func (c *Config) PerIterationTimeout() time.Duration {
	return parseDuration(c.Loop.PerIterationTimeout, 5*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Save writes the config back to the workspace (used by init).
func (c *Config) Save(workspace string) error {
	dir := filepath.Join(workspace, ".veriforge")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0644)
}
