// Package config loads the engine configuration from YAML or JSON5 files
// with environment-variable expansion and $include merging.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the run engine.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
	LLM      LLMConfig      `yaml:"llm" json:"llm"`
	Agent    AgentConfig    `yaml:"agent" json:"agent"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

type DatabaseConfig struct {
	// Driver selects the backend: "postgres" or "memory".
	Driver          string        `yaml:"driver" json:"driver"`
	URL             string        `yaml:"url" json:"url"`
	MaxConnections  int           `yaml:"max_connections" json:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

type RedisConfig struct {
	// Enabled switches the broker from in-process to Redis. Runs on one
	// instance work without Redis; stop signals across instances do not.
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider" json:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers" json:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key" json:"api_key"`
	DefaultModel string `yaml:"default_model" json:"default_model"`
	BaseURL      string `yaml:"base_url" json:"base_url"`
}

type AgentConfig struct {
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`
	Model        string `yaml:"model" json:"model"`

	NativeToolCalling bool   `yaml:"native_tool_calling" json:"native_tool_calling"`
	XMLToolCalling    bool   `yaml:"xml_tool_calling" json:"xml_tool_calling"`
	ExecuteOnStream   bool   `yaml:"execute_on_stream" json:"execute_on_stream"`
	ToolStrategy      string `yaml:"tool_strategy" json:"tool_strategy"`
	MaxXMLToolCalls   int    `yaml:"max_xml_tool_calls" json:"max_xml_tool_calls"`

	MaxAutoContinues int `yaml:"max_auto_continues" json:"max_auto_continues"`

	EnableContextManager bool `yaml:"enable_context_manager" json:"enable_context_manager"`
	TokenThreshold       int  `yaml:"token_threshold" json:"token_threshold"`

	ToolTimeout        time.Duration `yaml:"tool_timeout" json:"tool_timeout"`
	MaxToolConcurrency int           `yaml:"max_tool_concurrency" json:"max_tool_concurrency"`

	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout" json:"stream_idle_timeout"`
}

type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	Format    string `yaml:"format" json:"format"`
	AddSource bool   `yaml:"add_source" json:"add_source"`
}

// Load reads and parses the configuration file, resolving includes and
// expanding environment variables, then applies defaults.
func Load(path string) (*Config, error) {
	raw, err := loadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Round-trip through YAML so one set of struct tags covers both the
	// YAML and JSON5 sources.
	data, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Agent.ToolStrategy == "" {
		cfg.Agent.ToolStrategy = "sequential"
	}
	if cfg.Agent.TokenThreshold == 0 {
		cfg.Agent.TokenThreshold = 120000
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = 2 * time.Minute
	}
	if cfg.Agent.MaxToolConcurrency == 0 {
		cfg.Agent.MaxToolConcurrency = 8
	}
	if cfg.Agent.StreamIdleTimeout == 0 {
		cfg.Agent.StreamIdleTimeout = 5 * time.Minute
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	switch c.Agent.ToolStrategy {
	case "sequential", "parallel":
	default:
		return fmt.Errorf("unknown tool strategy %q", c.Agent.ToolStrategy)
	}

	if c.LLM.DefaultProvider != "" {
		switch c.LLM.DefaultProvider {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("unknown llm provider %q", c.LLM.DefaultProvider)
		}
	}
	return nil
}

// Provider returns the settings of the configured default provider.
func (c *Config) Provider() LLMProviderConfig {
	return c.LLM.Providers[c.LLM.DefaultProvider]
}
