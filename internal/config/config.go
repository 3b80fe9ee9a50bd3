package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models facilitator.yml.
type Config struct {
	Generator GeneratorConfig `yaml:"generator"`
	Assign    struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"assign"`
	Board   BoardConfig `yaml:"board"`
	Monitor struct {
		StallDays int `yaml:"stall_days"`
	} `yaml:"monitor"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Lock     struct {
		RedisAddr string        `yaml:"redis_addr"`
		TTL       time.Duration `yaml:"ttl"`
	} `yaml:"lock"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type GeneratorConfig struct {
	// Provider is one of gemini, anthropic, openai, ollama or none.
	Provider      string        `yaml:"provider"`
	Models        []string      `yaml:"models"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	MaxTokens     int           `yaml:"max_tokens"`
	Temperature   float64       `yaml:"temperature"`
	OllamaHost    string        `yaml:"ollama_host"`
}

type BoardConfig struct {
	// Provider is trello or none. An unconfigured board publishes in mock mode.
	Provider      string  `yaml:"provider"`
	BoardID       string  `yaml:"board_id"`
	ListID        string  `yaml:"list_id"`
	DoneListID    string  `yaml:"done_list_id"`
	BaseURL       string  `yaml:"base_url"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

type WorkflowConfig struct {
	// TermStart (YYYY-MM-DD) anchors week numbers; empty uses ISO weeks.
	TermStart         string `yaml:"term_start"`
	MaxChain          int    `yaml:"max_chain"`
	RecentMessages    int    `yaml:"recent_messages"`
	PromptTokenBudget int    `yaml:"prompt_token_budget"`
	// AutoEnroll adds unknown senders to the room roster.
	AutoEnroll bool `yaml:"auto_enroll"`
}

type Webhook struct {
	URL     string   `yaml:"url"`
	Enabled bool     `yaml:"enabled"`
	Events  []string `yaml:"events"`
	// Rooms limits delivery to these rooms; empty forwards every room.
	Rooms   []string      `yaml:"rooms"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

var (
	generatorProviders = map[string]bool{"gemini": true, "anthropic": true, "openai": true, "ollama": true, "none": true}
	boardProviders     = map[string]bool{"trello": true, "none": true}
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fac init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !generatorProviders[c.Generator.Provider] {
		return fmt.Errorf("config.generator.provider %q must be one of gemini, anthropic, openai, ollama, none", c.Generator.Provider)
	}
	if c.Generator.Provider != "none" && len(c.Generator.Models) == 0 {
		return fmt.Errorf("config.generator.models is required for provider %s", c.Generator.Provider)
	}
	for i, m := range c.Generator.Models {
		if m == "" {
			return fmt.Errorf("config.generator.models[%d] is empty", i)
		}
	}
	if c.Generator.Timeout <= 0 {
		return fmt.Errorf("config.generator.timeout must be positive")
	}
	if c.Generator.MaxAttempts < 1 {
		return fmt.Errorf("config.generator.max_attempts must be at least 1")
	}
	if c.Assign.Timeout <= 0 {
		return fmt.Errorf("config.assign.timeout must be positive")
	}
	if !boardProviders[c.Board.Provider] {
		return fmt.Errorf("config.board.provider %q must be trello or none", c.Board.Provider)
	}
	if c.Monitor.StallDays < 1 {
		return fmt.Errorf("config.monitor.stall_days must be at least 1")
	}
	if c.Workflow.TermStart != "" {
		if _, err := time.Parse("2006-01-02", c.Workflow.TermStart); err != nil {
			return fmt.Errorf("config.workflow.term_start: %w", err)
		}
	}
	if c.Workflow.MaxChain < 1 {
		return fmt.Errorf("config.workflow.max_chain must be at least 1")
	}
	for i, h := range c.Webhooks {
		if h.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// BoardConfigured reports whether cards can be created on a real board.
func (c *Config) BoardConfigured() bool {
	return c.Board.Provider == "trello" && c.Board.BoardID != "" && c.Board.ListID != ""
}

// TermStart returns the parsed term start, zero when unset.
func (c *Config) TermStart() time.Time {
	if c.Workflow.TermStart == "" {
		return time.Time{}
	}
	t, _ := time.Parse("2006-01-02", c.Workflow.TermStart)
	return t
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "facilitator.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset keys keep
// their defaults.
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

const defaultTemplate = `generator:
  provider: none
  models: []
  timeout: 20s
  max_attempts: 2
  rate_per_second: 2
  max_tokens: 1024
  temperature: 0.4
  ollama_host: http://127.0.0.1:11434

assign:
  timeout: 3s

board:
  provider: none
  base_url: https://api.trello.com/1
  rate_per_second: 8

monitor:
  stall_days: 7

workflow:
  term_start: ""
  max_chain: 12
  recent_messages: 40
  prompt_token_budget: 2000
  auto_enroll: true

lock:
  redis_addr: ""
  ttl: 30s

webhooks: []
`
