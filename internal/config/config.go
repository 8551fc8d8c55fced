// ABOUTME: Configuration loading and parsing for qna-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/qna-gateway/internal/conversation"
	"github.com/2389/qna-gateway/internal/knowledge"
	"github.com/2389/qna-gateway/internal/llm"
	"github.com/2389/qna-gateway/internal/tools"
)

// Environment variables that override file settings.
const (
	EnvConfigPath = "QNA_CONFIG"
	EnvDBPath     = "QNA_DB_PATH"
)

// Config formats understood by Load and Encode.
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

// Config represents the complete qna-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	LLM       LLMConfig       `yaml:"llm" toml:"llm"`
	Knowledge KnowledgeConfig `yaml:"knowledge" toml:"knowledge"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	HTTPAddr           string        `yaml:"http_addr" toml:"http_addr"`
	IdempotencyTTL     time.Duration `yaml:"-" toml:"-"`
	IdempotencyMaxKeys int           `yaml:"idempotency_max_keys" toml:"idempotency_max_keys"`

	// Raw string values for unmarshaling
	IdempotencyTTLRaw string `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve TLS with tailnet certificates
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path   string `yaml:"path" toml:"path"`
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (pure Go) or "sqlite3" (cgo)
}

// LLMConfig holds the model provider configuration
type LLMConfig struct {
	BaseURL           string        `yaml:"base_url" toml:"base_url"`
	APIKey            string        `yaml:"api_key" toml:"api_key"`
	Model             string        `yaml:"model" toml:"model"`
	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	MaxRetries        *int          `yaml:"max_retries" toml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"-" toml:"-"`
	MaxBackoff        time.Duration `yaml:"-" toml:"-"`
	RequestsPerSecond float64       `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int           `yaml:"burst" toml:"burst"`
	CheckOnReady      bool          `yaml:"check_on_ready" toml:"check_on_ready"`

	// Raw string values for unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
	RetryBackoffRaw   string `yaml:"retry_backoff" toml:"retry_backoff"`
	MaxBackoffRaw     string `yaml:"max_backoff" toml:"max_backoff"`
}

// KnowledgeConfig holds the document directory and search output settings
type KnowledgeConfig struct {
	Dir          string `yaml:"dir" toml:"dir"`
	MaxResults   int    `yaml:"max_results" toml:"max_results"`
	SnippetChars int    `yaml:"snippet_chars" toml:"snippet_chars"`
}

// AgentConfig holds turn loop configuration
type AgentConfig struct {
	MaxIterations      int           `yaml:"max_iterations" toml:"max_iterations"`
	MaxConcurrentTurns int64         `yaml:"max_concurrent_turns" toml:"max_concurrent_turns"`
	SystemPrompt       string        `yaml:"system_prompt" toml:"system_prompt"`
	TurnTimeout        time.Duration `yaml:"-" toml:"-"`
	ToolTimeout        time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TurnTimeoutRaw string `yaml:"turn_timeout" toml:"turn_timeout"`
	ToolTimeoutRaw string `yaml:"tool_timeout" toml:"tool_timeout"`
}

// EventsConfig holds event stream configuration
type EventsConfig struct {
	SubscriberBuffer int           `yaml:"subscriber_buffer" toml:"subscriber_buffer"`
	Keepalive        time.Duration `yaml:"-" toml:"-"`

	KeepaliveRaw string `yaml:"keepalive" toml:"keepalive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	// Defaults are always parseable
	_ = parseDurations(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch FormatForPath(path) {
	case FormatTOML:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.ApplyDefaults()

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// FormatForPath picks the config format from a file extension.
func FormatForPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Encode writes the configuration in the given format.
func (c *Config) Encode(w io.Writer, format string) error {
	switch format {
	case FormatTOML:
		return toml.NewEncoder(w).Encode(c)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown config format %q", format)
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Database.Path = v
	}
}

// ApplyDefaults fills every unset field with its default value.
func (c *Config) ApplyDefaults() {
	setString(&c.Server.HTTPAddr, ":8000")
	setString(&c.Server.IdempotencyTTLRaw, "10m")
	setInt(&c.Server.IdempotencyMaxKeys, 10000)

	setString(&c.Tailscale.Hostname, "qna-gateway")

	setString(&c.Database.Path, "./data/qna.db")
	setString(&c.Database.Driver, "sqlite")

	setString(&c.LLM.BaseURL, llm.DefaultBaseURL)
	setString(&c.LLM.Model, llm.DefaultModel)
	setString(&c.LLM.RequestTimeoutRaw, llm.DefaultRequestTimeout.String())
	setString(&c.LLM.RetryBackoffRaw, llm.DefaultRetryBackoff.String())
	setString(&c.LLM.MaxBackoffRaw, llm.DefaultMaxBackoff.String())
	if c.LLM.MaxRetries == nil {
		retries := llm.DefaultMaxRetries
		c.LLM.MaxRetries = &retries
	}
	setInt(&c.LLM.Burst, 1)

	setString(&c.Knowledge.Dir, "./knowledge")
	setInt(&c.Knowledge.MaxResults, knowledge.DefaultMaxResults)
	setInt(&c.Knowledge.SnippetChars, knowledge.DefaultSnippetChars)

	setInt(&c.Agent.MaxIterations, conversation.DefaultMaxIterations)
	if c.Agent.MaxConcurrentTurns == 0 {
		c.Agent.MaxConcurrentTurns = conversation.DefaultMaxConcurrentTurns
	}
	setString(&c.Agent.TurnTimeoutRaw, conversation.DefaultTurnTimeout.String())
	setString(&c.Agent.ToolTimeoutRaw, tools.DefaultTimeout.String())

	setInt(&c.Events.SubscriberBuffer, conversation.DefaultSubscriberBuffer)
	setString(&c.Events.KeepaliveRaw, "30s")

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "text")
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if u, err := url.Parse(c.LLM.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("llm.base_url must be an absolute URL, got %q", c.LLM.BaseURL)
	}
	if c.LLM.MaxRetries != nil && *c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries must not be negative")
	}
	if c.LLM.RequestsPerSecond < 0 {
		return fmt.Errorf("llm.requests_per_second must not be negative")
	}

	if c.Knowledge.Dir == "" {
		return fmt.Errorf("knowledge.dir is required")
	}
	if c.Knowledge.MaxResults < 1 {
		return fmt.Errorf("knowledge.max_results must be at least 1")
	}

	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1")
	}
	if c.Agent.MaxConcurrentTurns < 1 {
		return fmt.Errorf("agent.max_concurrent_turns must be at least 1")
	}

	if c.Events.SubscriberBuffer < 1 {
		return fmt.Errorf("events.subscriber_buffer must be at least 1")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.idempotency_ttl", cfg.Server.IdempotencyTTLRaw, &cfg.Server.IdempotencyTTL},
		{"llm.request_timeout", cfg.LLM.RequestTimeoutRaw, &cfg.LLM.RequestTimeout},
		{"llm.retry_backoff", cfg.LLM.RetryBackoffRaw, &cfg.LLM.RetryBackoff},
		{"llm.max_backoff", cfg.LLM.MaxBackoffRaw, &cfg.LLM.MaxBackoff},
		{"agent.turn_timeout", cfg.Agent.TurnTimeoutRaw, &cfg.Agent.TurnTimeout},
		{"agent.tool_timeout", cfg.Agent.ToolTimeoutRaw, &cfg.Agent.ToolTimeout},
		{"events.keepalive", cfg.Events.KeepaliveRaw, &cfg.Events.Keepalive},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}

// ResolvePath returns the config path to use: the explicit flag value, then
// $QNA_CONFIG, then ./config.yaml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return "config.yaml"
}
