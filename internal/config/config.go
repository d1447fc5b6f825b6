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

const (
	ToolModeEssential = "essential"
	ToolModeFull      = "full"
)

// Config models agentline.yml.
type Config struct {
	Server struct {
		Addr                      string   `yaml:"addr"`
		APIBasePath               string   `yaml:"api_base_path"`
		MCPPath                   string   `yaml:"mcp_path"`
		WSPath                    string   `yaml:"ws_path"`
		PublicURL                 string   `yaml:"public_url"`
		SessionIdleTimeoutSeconds int      `yaml:"session_idle_timeout_seconds"`
		CORSOrigins               []string `yaml:"cors_origins"`
	} `yaml:"server"`
	Tools struct {
		Mode string `yaml:"mode"`
	} `yaml:"tools"`
	Orchestrator struct {
		DefaultProvider string              `yaml:"default_provider"`
		DefaultCwd      string              `yaml:"default_cwd"`
		Providers       map[string]Provider `yaml:"providers"`
	} `yaml:"orchestrator"`
	Auth struct {
		RequireAuth      bool `yaml:"require_auth"`
		AllowAgentHeader bool `yaml:"allow_agent_header"`
	} `yaml:"auth"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Provider describes how to launch one kind of agent process.
type Provider struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Model   string            `yaml:"model"`
}

type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// IsEnabled treats a missing flag as enabled.
func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with al config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for name, p := range map[string]string{
		"server.api_base_path": c.Server.APIBasePath,
		"server.mcp_path":      c.Server.MCPPath,
		"server.ws_path":       c.Server.WSPath,
	} {
		if p != "" && !strings.HasPrefix(p, "/") {
			return fmt.Errorf("config.%s must start with /", name)
		}
	}
	if c.Server.MCPPath != "" && c.Server.MCPPath == c.Server.WSPath {
		return fmt.Errorf("config.server.mcp_path and ws_path must differ")
	}
	if c.Server.SessionIdleTimeoutSeconds < 0 {
		return fmt.Errorf("config.server.session_idle_timeout_seconds must be >= 0")
	}
	switch c.Tools.Mode {
	case "", ToolModeEssential, ToolModeFull:
	default:
		return fmt.Errorf("config.tools.mode must be essential or full")
	}
	for name, p := range c.Orchestrator.Providers {
		if name == "" {
			return fmt.Errorf("config.orchestrator.providers contains empty name")
		}
		if p.Command == "" {
			return fmt.Errorf("provider %s has empty command", name)
		}
	}
	if dp := c.Orchestrator.DefaultProvider; dp != "" && len(c.Orchestrator.Providers) > 0 {
		if _, ok := c.Orchestrator.Providers[dp]; !ok {
			return fmt.Errorf("default provider %s not defined", dp)
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if wh.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8787"
	}
	if c.Server.APIBasePath == "" {
		c.Server.APIBasePath = "/v1"
	}
	if c.Server.MCPPath == "" {
		c.Server.MCPPath = "/mcp"
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = "/ws"
	}
	if c.Server.SessionIdleTimeoutSeconds == 0 {
		c.Server.SessionIdleTimeoutSeconds = 1800
	}
	if c.Tools.Mode == "" {
		c.Tools.Mode = ToolModeFull
	}
}

// SessionIdleTimeout is the idle window after which an HTTP protocol session is closed.
func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.Server.SessionIdleTimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "agentline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(provider string) string {
	return fmt.Sprintf(defaultTemplate, provider, provider)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault("claude"))).Decode(&cfg)
	cfg.ApplyDefaults()
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
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
  addr: 127.0.0.1:8787
  api_base_path: /v1
  mcp_path: /mcp
  ws_path: /ws
  session_idle_timeout_seconds: 1800

tools:
  mode: full

orchestrator:
  default_provider: %s
  providers:
    %s:
      command: claude
      args: [--print, --output-format, stream-json, --verbose, --model, "{model}", "{prompt}"]
      model: sonnet

auth:
  require_auth: false
  allow_agent_header: true

webhooks: []
`
