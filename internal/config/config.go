// Package config loads the server configuration from YAML with
// environment variable expansion and overrides.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/novaxhq/novax/internal/mcp"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Model   ModelConfig   `yaml:"model"`
	Tools   ToolsConfig   `yaml:"tools"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr string `yaml:"addr"`

	// APIKey guards the websocket endpoint. Empty disables the check.
	APIKey string `yaml:"api_key"`
}

// ModelConfig configures the LLM provider.
type ModelConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or
	// "anthropic".
	Provider string `yaml:"provider"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// Model is the default model identifier.
	Model string `yaml:"model"`

	// FallbackModels are tried in order when the preferred model is
	// rejected as not found.
	FallbackModels []string `yaml:"fallback_models"`

	MaxTokens int `yaml:"max_tokens"`
}

// ToolsConfig configures remote tool providers.
type ToolsConfig struct {
	Services []mcp.ServiceConfig `yaml:"services"`
}

// StorageConfig configures task persistence.
type StorageConfig struct {
	// Path is the SQLite database file. Empty selects the in-memory
	// store.
	Path string `yaml:"path"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures trace export. An empty endpoint leaves
// tracing disabled.
type TracingConfig struct {
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
	Insecure   bool    `yaml:"insecure"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Model: ModelConfig{
			Provider:  "openai",
			Model:     "gpt-4o",
			MaxTokens: 4096,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the config file at path, expanding ${ENV} references, and
// applies environment overrides on top. An empty path loads defaults
// plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))

		decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
		if err := decoder.Decode(cfg); err != nil && err != io.EOF {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for structural problems. Missing
// credentials are not fatal at load time; they surface when the
// component that needs them is used.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	for i, svc := range c.Tools.Services {
		if svc.Name == "" {
			return fmt.Errorf("tools.services[%d]: name is required", i)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NOVAX_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("NOVAX_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("NOVAX_MODEL_PROVIDER"); v != "" {
		cfg.Model.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("NOVAX_MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("NOVAX_MODEL_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("NOVAX_MODEL"); v != "" {
		cfg.Model.Model = v
	}
	if v := os.Getenv("NOVAX_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("NOVAX_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("NOVAX_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
}
