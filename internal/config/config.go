package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the veil configuration
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Analysis AnalysisConfig `yaml:"analysis"`
	PII      PIIConfig      `yaml:"pii"`
	Server   ServerConfig   `yaml:"server"`
	Watch    WatchConfig    `yaml:"watch"`
}

// LLMConfig controls the model adapter.
// API keys are never stored here; they come from OPENAI_API_KEY and
// ANTHROPIC_API_KEY in the environment.
type LLMConfig struct {
	DefaultModel   string `yaml:"default_model"`
	OpenAIBaseURL  string `yaml:"openai_base_url,omitempty"`
	RequestTimeout int    `yaml:"request_timeout_seconds,omitempty"`
	RPM            int    `yaml:"rpm,omitempty"`        // 0 = no client-side limit
	CachePath      string `yaml:"cache_path,omitempty"` // bbolt response cache, empty = disabled
}

// AnalysisConfig controls the refine-chain orchestrator.
type AnalysisConfig struct {
	WorkerCount        int `yaml:"worker_count,omitempty"`
	DelayBetweenChunks int `yaml:"delay_between_chunks_seconds,omitempty"`
	MaxChunkRetries    int `yaml:"max_chunk_retries,omitempty"`
}

// PIIConfig tunes entity detection.
type PIIConfig struct {
	AllowList      []string        `yaml:"allow_list,omitempty"`
	CustomPatterns []CustomPattern `yaml:"custom_patterns,omitempty"`
}

// CustomPattern is an operator-supplied detector added to the built-in set.
type CustomPattern struct {
	Type  string `yaml:"type"`
	Regex string `yaml:"regex"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// WatchConfig controls the drop-directory watcher.
type WatchConfig struct {
	Dir         string `yaml:"dir,omitempty"`
	Mode        string `yaml:"mode,omitempty"`
	AutoTask    string `yaml:"auto_task,omitempty"`
	DetailLevel string `yaml:"detail_level,omitempty"`
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("VEIL_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "veil"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("VEIL_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Veil"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "veil"), nil
	}

	return filepath.Join(home, ".local", "share", "veil"), nil
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			DefaultModel:   "gpt-4o-mini",
			RequestTimeout: 120,
		},
		Analysis: AnalysisConfig{
			WorkerCount:        4,
			DelayBetweenChunks: 2,
			MaxChunkRetries:    3,
		},
		Server: ServerConfig{
			Addr: ":8787",
		},
	}
}

// Load loads config from the config file
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// Save saves the config to the config file
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// RequestTimeoutDuration returns the configured LLM request timeout.
func (c *Config) RequestTimeoutDuration() time.Duration {
	if c.LLM.RequestTimeout <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.LLM.RequestTimeout) * time.Second
}

// ChunkDelayDuration returns the pause inserted between chunk calls.
func (c *Config) ChunkDelayDuration() time.Duration {
	if c.Analysis.DelayBetweenChunks < 0 {
		return 0
	}
	return time.Duration(c.Analysis.DelayBetweenChunks) * time.Second
}
