package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jasonkneen/claudesky/pkg/credential"
	"github.com/jasonkneen/claudesky/pkg/runtime"
)

// Runtime names accepted in runtime.name.
const (
	RuntimeClaudeCLI    = "claude-cli"
	RuntimeAnthropicAPI = "anthropic-api"
	RuntimeOpenAICompat = "openai-compat"
)

// Config represents the main claudesky configuration
type Config struct {
	// Runtime selects and configures the remote agent runtime
	Runtime RuntimeConfig `json:"runtime" mapstructure:"runtime"`

	// Session holds defaults applied to every new session
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Credentials override ANTHROPIC_API_KEY / CLAUDE_CODE_OAUTH_TOKEN when set
	Credentials CredentialsConfig `json:"credentials" mapstructure:"credentials"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// RuntimeConfig holds runtime selection
type RuntimeConfig struct {
	Name      string `json:"name" mapstructure:"name"`
	Binary    string `json:"binary" mapstructure:"binary"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	MaxTokens int    `json:"max_tokens" mapstructure:"max_tokens"`
}

// SessionConfig holds per-session defaults
type SessionConfig struct {
	WorkingDir        string            `json:"working_dir" mapstructure:"working_dir"`
	PermissionMode    string            `json:"permission_mode" mapstructure:"permission_mode"`
	AllowedTools      []string          `json:"allowed_tools" mapstructure:"allowed_tools"`
	MaxThinkingTokens int               `json:"max_thinking_tokens" mapstructure:"max_thinking_tokens"`
	Env               map[string]string `json:"env" mapstructure:"env"`
}

// ModelsConfig holds model configuration
type ModelsConfig struct {
	Default string            `json:"default" mapstructure:"default"`
	Aliases map[string]string `json:"aliases" mapstructure:"aliases"`
}

// CredentialsConfig holds Anthropic credentials
type CredentialsConfig struct {
	APIKey     string `json:"api_key" mapstructure:"api_key"`
	OAuthToken string `json:"oauth_token" mapstructure:"oauth_token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`

	MaxSizeMB  int `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int `json:"max_backups" mapstructure:"max_backups"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			Name:      RuntimeClaudeCLI,
			Binary:    "claude",
			MaxTokens: 8192,
		},
		Session: SessionConfig{
			PermissionMode:    string(runtime.PermissionDefault),
			AllowedTools:      []string{},
			MaxThinkingTokens: 0,
			Env:               map[string]string{},
		},
		Models: ModelsConfig{
			Default: "sonnet",
			Aliases: map[string]string{
				"opus":   "claude-opus-4-1",
				"sonnet": "claude-sonnet-4-5",
				"haiku":  "claude-haiku-4-5",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Console:    true,
			Redaction:  true,
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Gateway: GatewayConfig{
			Port: 8787,
			Host: "127.0.0.1",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "claudesky",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Credentials.APIKey = mask(c.Credentials.APIKey)
	masked.Credentials.OAuthToken = mask(c.Credentials.OAuthToken)
	masked.Gateway.SharedSecret = mask(c.Gateway.SharedSecret)
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***" + secret[len(secret)-4:]
}

// Credential returns the configured credential. It may be empty.
func (c *Config) Credential() credential.Credential {
	return credential.Credential{
		APIKey:     c.Credentials.APIKey,
		OAuthToken: c.Credentials.OAuthToken,
	}.Normalize()
}

// CredentialSupplier prefers configured credentials and falls back to the environment.
func (c *Config) CredentialSupplier() credential.Supplier {
	return credential.Chain(credential.Static(c.Credential()), credential.Env{})
}

// ResolveModel maps a model alias to its id.
func (c *Config) ResolveModel(name string) string {
	if id, ok := c.Models.Aliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return id
	}
	return name
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Runtime.Name {
	case RuntimeClaudeCLI:
		if c.Runtime.Binary == "" {
			return fmt.Errorf("runtime.binary is required for %s", RuntimeClaudeCLI)
		}
	case RuntimeAnthropicAPI, RuntimeOpenAICompat:
	default:
		return fmt.Errorf("invalid runtime %q (must be: %s, %s, %s)", c.Runtime.Name, RuntimeClaudeCLI, RuntimeAnthropicAPI, RuntimeOpenAICompat)
	}

	if c.Runtime.Name == RuntimeOpenAICompat && c.Runtime.BaseURL == "" {
		return fmt.Errorf("runtime.base_url is required for %s", RuntimeOpenAICompat)
	}

	if c.Models.Default == "" {
		return fmt.Errorf("models.default is required")
	}

	if _, err := runtime.ParsePermissionMode(c.Session.PermissionMode); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	if c.Session.MaxThinkingTokens < 0 {
		return fmt.Errorf("session.max_thinking_tokens must be >= 0")
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}

	return nil
}
