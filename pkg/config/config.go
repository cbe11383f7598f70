// Package config defines the YAML configuration surface and its loader.
// Every struct follows the same discipline: yaml tags, SetDefaults, then
// Validate. Values support ${VAR} environment expansion.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	// Server configures the HTTP surface.
	Server ServerConfig `yaml:"server,omitempty"`

	// Storage configures the taskspace store.
	Storage StorageConfig `yaml:"storage,omitempty"`

	// Tools configures tool execution and the shell sandbox.
	Tools ToolsConfig `yaml:"tools,omitempty"`

	// LLMs are the named provider configurations agents reference.
	LLMs map[string]*LLMConfig `yaml:"llms,omitempty"`

	// Team declares the agent roles available to the orchestrator.
	Team TeamConfig `yaml:"team,omitempty"`

	// Memory configures the task memory gateway.
	Memory MemoryConfig `yaml:"memory,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// SetDefaults applies default values.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8700
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig configures the durable taskspace store.
type StorageConfig struct {
	// BaseDir is the root directory holding one subdirectory per task.
	BaseDir string `yaml:"base_dir,omitempty"`

	// FsyncEvery flushes event batches after this many appends.
	FsyncEvery int `yaml:"fsync_every,omitempty"`

	// FsyncIntervalMs flushes pending event appends after this many
	// milliseconds even when the batch is not full.
	FsyncIntervalMs int `yaml:"fsync_interval_ms,omitempty"`
}

// SetDefaults applies default values.
func (c *StorageConfig) SetDefaults() {
	if c.BaseDir == "" {
		c.BaseDir = "./taskspaces"
	}
	if c.FsyncEvery == 0 {
		c.FsyncEvery = 16
	}
	if c.FsyncIntervalMs == 0 {
		c.FsyncIntervalMs = 50
	}
}

// Validate checks the storage configuration.
func (c *StorageConfig) Validate() error {
	if c.FsyncEvery < 1 {
		return fmt.Errorf("fsync_every must be positive, got %d", c.FsyncEvery)
	}
	return nil
}

// ToolsConfig configures tool execution.
type ToolsConfig struct {
	// ShellAllowedCommands is the shell sandbox allowlist. Empty means
	// the builtin read-mostly default set.
	ShellAllowedCommands []string `yaml:"shell_allowed_commands,omitempty"`

	// ExecTimeoutSeconds bounds one tool execution.
	ExecTimeoutSeconds int `yaml:"exec_timeout_seconds,omitempty"`

	// MaxConcurrent caps in-flight tool calls across all tasks.
	// Zero means min(32, 4×GOMAXPROCS).
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`
}

// SetDefaults applies default values.
func (c *ToolsConfig) SetDefaults() {
	if c.ExecTimeoutSeconds == 0 {
		c.ExecTimeoutSeconds = 120
	}
}

// Validate checks the tools configuration.
func (c *ToolsConfig) Validate() error {
	if c.ExecTimeoutSeconds < 1 {
		return fmt.Errorf("exec_timeout_seconds must be positive, got %d", c.ExecTimeoutSeconds)
	}
	return nil
}

// MemoryConfig configures the task memory gateway.
type MemoryConfig struct {
	// TokenBudget caps the memory context injected into briefings.
	TokenBudget int `yaml:"token_budget,omitempty"`

	// Embedder selects the semantic index embedder: "none" disables
	// semantic recall, "openai" uses the OpenAI embeddings API.
	Embedder string `yaml:"embedder,omitempty"`
}

// SetDefaults applies default values.
func (c *MemoryConfig) SetDefaults() {
	if c.TokenBudget == 0 {
		c.TokenBudget = 2000
	}
	if c.Embedder == "" {
		c.Embedder = "none"
	}
}

// Validate checks the memory configuration.
func (c *MemoryConfig) Validate() error {
	switch c.Embedder {
	case "none", "openai":
		return nil
	}
	return fmt.Errorf("invalid embedder %q (valid: none, openai)", c.Embedder)
}

// SetDefaults applies defaults across the whole tree.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Storage.SetDefaults()
	c.Tools.SetDefaults()
	c.Memory.SetDefaults()
	if c.LLMs == nil {
		c.LLMs = make(map[string]*LLMConfig)
	}
	if len(c.LLMs) == 0 {
		llm := &LLMConfig{}
		llm.SetDefaults()
		c.LLMs["default"] = llm
	} else {
		for _, llm := range c.LLMs {
			llm.SetDefaults()
		}
	}
	c.Team.SetDefaults(c.LLMs)
}

// Validate checks the whole tree. Callers should treat a failure as a
// usage error (exit 64), not a crash.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Tools.Validate(); err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	for name, llm := range c.LLMs {
		if err := llm.Validate(); err != nil {
			return fmt.Errorf("llms.%s: %w", name, err)
		}
	}
	if err := c.Team.Validate(c.LLMs); err != nil {
		return fmt.Errorf("team: %w", err)
	}
	return nil
}

// Load reads and validates a config file. Environment variables referenced
// as ${VAR} (with optional ${VAR:-default}) are expanded before parsing;
// a .env file next to the working directory is honored when present.
func Load(path string) (*Config, error) {
	LoadDotEnv()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates raw YAML config bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a fully defaulted zero config, usable without any file.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
