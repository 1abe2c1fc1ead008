package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "missionline.yml"

// Config models missionline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
		// JWTSecretEnv names the environment variable holding the HS256 secret. Auth is off
		// when the variable is unset or empty.
		JWTSecretEnv string `yaml:"jwt_secret_env"`
	} `yaml:"server"`
	Executor struct {
		Workers       int           `yaml:"workers"`
		QueueSize     int           `yaml:"queue_size"`
		Timeout       time.Duration `yaml:"timeout"`
		ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	} `yaml:"executor"`
	Agents struct {
		Default   string `yaml:"default"`
		Workspace string `yaml:"workspace"`
		LLM       struct {
			Backend       string  `yaml:"backend"`
			Model         string  `yaml:"model"`
			OllamaHost    string  `yaml:"ollama_host"`
			APIKeyEnv     string  `yaml:"api_key_env"`
			RatePerSecond float64 `yaml:"rate_per_second"`
			Burst         int     `yaml:"burst"`
		} `yaml:"llm"`
		Developer struct {
			MaxSteps int `yaml:"max_steps"`
		} `yaml:"developer"`
	} `yaml:"agents"`
	Missions struct {
		MaxPromptLen int `yaml:"max_prompt_len"`
		CacheSize    int `yaml:"cache_size"`
	} `yaml:"missions"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// IsEnabled treats an unset enabled flag as true.
func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Executor.Workers < 1 {
		return fmt.Errorf("config.executor.workers must be at least 1")
	}
	if c.Executor.QueueSize < 1 {
		return fmt.Errorf("config.executor.queue_size must be at least 1")
	}
	if c.Executor.Timeout <= 0 {
		return fmt.Errorf("config.executor.timeout must be positive")
	}
	if c.Executor.ShutdownGrace < 0 {
		return fmt.Errorf("config.executor.shutdown_grace must not be negative")
	}
	if strings.TrimSpace(c.Agents.Default) == "" {
		return fmt.Errorf("config.agents.default is required")
	}
	switch strings.ToLower(c.Agents.LLM.Backend) {
	case "", "gemini", "ollama", "none":
	default:
		return fmt.Errorf("config.agents.llm.backend %q is not one of gemini, ollama, none", c.Agents.LLM.Backend)
	}
	if c.Agents.LLM.RatePerSecond < 0 {
		return fmt.Errorf("config.agents.llm.rate_per_second must not be negative")
	}
	if c.Agents.Developer.MaxSteps < 0 {
		return fmt.Errorf("config.agents.developer.max_steps must not be negative")
	}
	if c.Missions.MaxPromptLen < 1 {
		return fmt.Errorf("config.missions.max_prompt_len must be at least 1")
	}
	if c.Missions.CacheSize < 0 {
		return fmt.Errorf("config.missions.cache_size must not be negative")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.logging.format %q is not one of json, console", c.Logging.Format)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads config from the workspace, falling back to Default when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the config produced by GenerateDefault.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config on top of the defaults, so a file only needs the keys it changes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret_env: MISSIONLINE_JWT_SECRET

executor:
  workers: 4
  queue_size: 64
  timeout: 5m
  shutdown_grace: 30s

agents:
  default: echo
  workspace: artifacts
  llm:
    backend: ollama
    model: ""
    ollama_host: ""
    api_key_env: GEMINI_API_KEY
    rate_per_second: 2
    burst: 4
  developer:
    max_steps: 5

missions:
  max_prompt_len: 8000
  cache_size: 512

logging:
  level: info
  format: json
`
