// Package config is the single configuration entry point: one YAML document
// describing the agent, its storage, channels, LLM backend, and policy,
// loaded with dotenv support and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/p3394/exemplar/pkg/principal"
)

// Config is the complete gateway configuration.
type Config struct {
	Agent    AgentConfig    `yaml:"agent,omitempty"`
	Storage  StorageConfig  `yaml:"storage,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
	Policy   PolicyConfig   `yaml:"policy,omitempty"`
	LLM      LLMConfig      `yaml:"llm,omitempty"`
	Skills   SkillsConfig   `yaml:"skills,omitempty"`
	Router   RouterConfig   `yaml:"router,omitempty"`
	Channels ChannelsConfig `yaml:"channels,omitempty"`
	Tracing  TracingConfig  `yaml:"tracing,omitempty"`
}

// AgentConfig identifies the agent.
type AgentConfig struct {
	ID      string `yaml:"id,omitempty"`
	Name    string `yaml:"name,omitempty"`
	Persona string `yaml:"persona,omitempty"`
}

func (c *AgentConfig) SetDefaults() {
	if c.ID == "" {
		c.ID = "exemplar"
	}
	if c.Name == "" {
		c.Name = "P3394 Exemplar Agent"
	}
	if c.Persona == "" {
		c.Persona = "You are a helpful P3394 gateway agent. Prefer short, direct answers. " +
			"When a request is beyond your capabilities, suggest escalating to a human specialist."
	}
}

func (c *AgentConfig) Validate() error {
	if strings.ContainsAny(c.ID, " /") {
		return fmt.Errorf("agent id %q must not contain spaces or slashes", c.ID)
	}
	return nil
}

// StorageConfig locates the persistent state root.
type StorageConfig struct {
	Root string `yaml:"root,omitempty"`
}

func (c *StorageConfig) SetDefaults() {
	if c.Root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.Root = filepath.Join(home, ".p3394", "exemplar")
	}
}

func (c *StorageConfig) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("storage root must not be empty")
	}
	return nil
}

// PrincipalsDir returns the principal store path under the root.
func (c *StorageConfig) PrincipalsDir() string {
	return filepath.Join(c.Root, "ltm", "principals")
}

// CatalogPath returns the persisted capability catalog path.
func (c *StorageConfig) CatalogPath() string {
	return filepath.Join(c.Root, "ltm", "capabilities", "catalog.json")
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // text, json
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Level)
	}
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
	return nil
}

// PolicyConfig controls authorization enforcement.
type PolicyConfig struct {
	Enforce bool `yaml:"enforce,omitempty"`
	// EnforceChannels lists channels with enforcement on even when the
	// global flag is off.
	EnforceChannels []string `yaml:"enforce_channels,omitempty"`
}

// LLMConfig selects and parameterizes the LLM substrate backend.
type LLMConfig struct {
	Provider    string  `yaml:"provider,omitempty"` // anthropic, echo
	Model       string  `yaml:"model,omitempty"`
	APIKey      string  `yaml:"api_key,omitempty"`
	Host        string  `yaml:"host,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
	TimeoutSec  int     `yaml:"timeout,omitempty"`
}

func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		if c.APIKey != "" || os.Getenv("ANTHROPIC_API_KEY") != "" {
			c.Provider = "anthropic"
		} else {
			c.Provider = "echo"
		}
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.TimeoutSec == 0 {
		c.TimeoutSec = 120
	}
}

func (c *LLMConfig) Validate() error {
	switch c.Provider {
	case "anthropic", "echo":
	default:
		return fmt.Errorf("unknown llm provider %q", c.Provider)
	}
	if c.Provider == "anthropic" && c.APIKey == "" {
		return fmt.Errorf("llm provider anthropic requires an api key (set ANTHROPIC_API_KEY)")
	}
	return nil
}

// Timeout returns the request timeout as a duration.
func (c *LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// SkillsConfig locates the skill documents.
type SkillsConfig struct {
	Dir   string `yaml:"dir,omitempty"`
	Watch bool   `yaml:"watch,omitempty"`
}

func (c *SkillsConfig) SetDefaults() {
	if c.Dir == "" {
		c.Dir = "skills"
	}
}

// RouterConfig tunes the outbound router.
type RouterConfig struct {
	ProbeTimeoutSec int `yaml:"probe_timeout,omitempty"`
	MaxInFlight     int `yaml:"max_in_flight,omitempty"`
}

func (c *RouterConfig) SetDefaults() {
	if c.ProbeTimeoutSec == 0 {
		c.ProbeTimeoutSec = 2
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 4
	}
}

// ProbeTimeout returns the probe timeout as a duration.
func (c *RouterConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSec) * time.Second
}

// ChannelsConfig enables and parameterizes the channel adapters.
type ChannelsConfig struct {
	Terminal  TerminalChannelConfig  `yaml:"terminal,omitempty"`
	HTTP      HTTPChannelConfig      `yaml:"http,omitempty"`
	P3394     HTTPChannelConfig      `yaml:"p3394,omitempty"`
	Anthropic AnthropicChannelConfig `yaml:"anthropic,omitempty"`
	MCP       MCPChannelConfig       `yaml:"mcp,omitempty"`
}

// TerminalChannelConfig configures the interactive socket.
type TerminalChannelConfig struct {
	Enabled bool   `yaml:"enabled"`
	Socket  string `yaml:"socket,omitempty"`
}

func (c *TerminalChannelConfig) SetDefaults() {
	if c.Socket == "" {
		c.Socket = filepath.Join(os.TempDir(), "p3394-exemplar.sock")
	}
}

// HTTPChannelConfig configures the native and agent-to-agent HTTP surfaces.
type HTTPChannelConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port,omitempty"`
}

func (c *HTTPChannelConfig) Validate(name string) error {
	if c.Enabled && (c.Port < 1 || c.Port > 65535) {
		return fmt.Errorf("channel %s: port %d out of range", name, c.Port)
	}
	return nil
}

// AnthropicChannelConfig configures the LLM-compatible endpoint.
type AnthropicChannelConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Port          int      `yaml:"port,omitempty"`
	APIKeys       []string `yaml:"api_keys,omitempty"`
	CharsPerToken int      `yaml:"chars_per_token,omitempty"`
}

func (c *AnthropicChannelConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 8600
	}
	if c.CharsPerToken == 0 {
		c.CharsPerToken = 4
	}
}

// MCPChannelConfig configures the MCP server.
type MCPChannelConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Transport string `yaml:"transport,omitempty"` // stdio, sse
	SSEAddr   string `yaml:"sse_addr,omitempty"`
}

func (c *MCPChannelConfig) SetDefaults() {
	if c.Transport == "" {
		c.Transport = "stdio"
	}
	if c.SSEAddr == "" {
		c.SSEAddr = ":8601"
	}
}

func (c *MCPChannelConfig) Validate() error {
	switch c.Transport {
	case "stdio", "sse":
	default:
		return fmt.Errorf("unknown mcp transport %q", c.Transport)
	}
	return nil
}

func (c *ChannelsConfig) SetDefaults() {
	c.Terminal.SetDefaults()
	c.Anthropic.SetDefaults()
	c.MCP.SetDefaults()
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8500
	}
	if c.P3394.Port == 0 {
		c.P3394.Port = 8501
	}
}

func (c *ChannelsConfig) Validate() error {
	if err := c.HTTP.Validate("http"); err != nil {
		return err
	}
	if err := c.P3394.Validate("p3394"); err != nil {
		return err
	}
	if c.Anthropic.Enabled && (c.Anthropic.Port < 1 || c.Anthropic.Port > 65535) {
		return fmt.Errorf("channel anthropic: port %d out of range", c.Anthropic.Port)
	}
	return c.MCP.Validate()
}

// TracingConfig controls the OpenTelemetry setup.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled,omitempty"`
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`
}

func (c *TracingConfig) SetDefaults() {
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
}

// SetDefaults fills every unset field with its default.
func (c *Config) SetDefaults() {
	c.Agent.SetDefaults()
	c.Storage.SetDefaults()
	c.Logging.SetDefaults()
	c.LLM.SetDefaults()
	c.Skills.SetDefaults()
	c.Router.SetDefaults()
	c.Channels.SetDefaults()
	c.Tracing.SetDefaults()
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.Channels.Validate(); err != nil {
		return fmt.Errorf("channels: %w", err)
	}
	return nil
}

// Address returns the agent's P3394 URI.
func (c *Config) Address() string {
	return "p3394://" + c.Agent.ID
}

// Load reads, expands, defaults, overrides, and validates a configuration.
// A missing path yields the default configuration. A .env file next to the
// working directory is honored when present.
func Load(path string) (*Config, error) {
	// Missing .env is the common case, not an error.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else {
			expanded := expandEnvVars(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps the well-known environment variables onto the tree.
// Environment wins over the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("ENFORCE_AUTHENTICATION"); v != "" {
		c.Policy.Enforce = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("P3394_STORAGE_PATH"); v != "" {
		c.Storage.Root = v
	}
	if v := os.Getenv("P3394_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// ServiceURN is the principal the gateway itself acts as.
func (c *Config) ServiceURN() string {
	return principal.SystemURN
}

// Dump renders the effective configuration as YAML with secrets masked.
func (c *Config) Dump() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("rendering config: %w", err)
	}
	return redactSecrets(string(data)), nil
}
