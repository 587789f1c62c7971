package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v9"
)

// Config holds all application configuration. File values are overlaid by
// recognized environment keys, so a bare environment is enough to run.
type Config struct {
	// Server configuration
	HTTPAddr string `json:"http_addr" env:"HTTP_ADDR"`

	// Docker configuration
	DockerHost string `json:"docker_host" env:"DOCKER_HOST_OVERRIDE"`

	// Workflow configuration
	PersistRoot   string `json:"persist_root" env:"WORKFLOW_PERSIST_ROOT"`
	Concurrency   int    `json:"concurrency" env:"WORKFLOW_CONCURRENCY"`
	MaxRetries    int    `json:"max_retries"`
	WorkspaceRoot string `json:"workspace_root" env:"WORKFLOW_WORKSPACE_ROOT"`

	// Container configuration
	ContainerCleanup    bool `json:"container_cleanup" env:"CONTAINER_CLEANUP"`
	ContainerPortNode   int  `json:"container_port_node" env:"CONTAINER_PORT_NODE"`
	ContainerPortPython int  `json:"container_port_python" env:"CONTAINER_PORT_PYTHON"`

	// Timeouts
	ReasonerTimeout time.Duration `json:"reasoner_timeout" env:"REASONER_TIMEOUT"`
	InstallTimeout  time.Duration `json:"install_timeout" env:"INSTALL_TIMEOUT"`
	TestTimeout     time.Duration `json:"test_timeout" env:"TEST_TIMEOUT"`

	// Reasoner configuration
	ReasonerProvider   string `json:"reasoner_provider" env:"REASONER_PROVIDER"`
	ReasonerModel      string `json:"reasoner_model" env:"REASONER_MODEL"`
	ReasonerBaseURL    string `json:"reasoner_base_url" env:"REASONER_BASE_URL"`
	ReasonerMaxRetries int    `json:"reasoner_max_retries" env:"REASONER_MAX_RETRIES"`

	// Validation configuration
	StrictTests bool `json:"strict_tests" env:"STRICT_TESTS"`

	// Logging configuration
	LogLevel string `json:"log_level" env:"LOG_LEVEL"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:            ":8080",
		DockerHost:          "", // Use default Docker socket
		PersistRoot:         defaultDataDir("workflows"),
		Concurrency:         4,
		MaxRetries:          3,
		WorkspaceRoot:       defaultDataDir("workspaces"),
		ContainerCleanup:    true,
		ContainerPortNode:   3000,
		ContainerPortPython: 5000,
		ReasonerTimeout:     45 * time.Second,
		InstallTimeout:      4 * time.Minute,
		TestTimeout:         90 * time.Second,
		ReasonerProvider:    "anthropic",
		ReasonerModel:       "claude-sonnet-4-20250514",
		ReasonerMaxRetries:  3,
		StrictTests:         false,
		LogLevel:            "info",
	}
}

func defaultDataDir(sub string) string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "modernizer", sub)
	}
	return filepath.Join(homeDir, ".modernizer", sub)
}

// LoadConfig loads configuration from a file, applies defaults for missing
// fields, then overlays recognized environment keys.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, ".modernizer", "config.json")
		}
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		applyDefaults(cfg)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value bounds that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("workflow concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("max retries must be within [0, 10], got %d", c.MaxRetries)
	}
	if c.ContainerPortNode <= 0 || c.ContainerPortPython <= 0 {
		return fmt.Errorf("container ports must be positive")
	}
	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".modernizer", "config.json")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to temporary file first, then atomic rename
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	return nil
}

// ContainerPort returns the configured host port for a project type string.
func (c *Config) ContainerPort(projectType string) int {
	if projectType == "python" {
		return c.ContainerPortPython
	}
	return c.ContainerPortNode
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaults.HTTPAddr
	}
	if cfg.PersistRoot == "" {
		cfg.PersistRoot = defaults.PersistRoot
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = defaults.WorkspaceRoot
	}
	if cfg.ContainerPortNode == 0 {
		cfg.ContainerPortNode = defaults.ContainerPortNode
	}
	if cfg.ContainerPortPython == 0 {
		cfg.ContainerPortPython = defaults.ContainerPortPython
	}
	if cfg.ReasonerTimeout == 0 {
		cfg.ReasonerTimeout = defaults.ReasonerTimeout
	}
	if cfg.InstallTimeout == 0 {
		cfg.InstallTimeout = defaults.InstallTimeout
	}
	if cfg.TestTimeout == 0 {
		cfg.TestTimeout = defaults.TestTimeout
	}
	if cfg.ReasonerProvider == "" {
		cfg.ReasonerProvider = defaults.ReasonerProvider
	}
	if cfg.ReasonerModel == "" {
		cfg.ReasonerModel = defaults.ReasonerModel
	}
	if cfg.ReasonerMaxRetries == 0 {
		cfg.ReasonerMaxRetries = defaults.ReasonerMaxRetries
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
}
