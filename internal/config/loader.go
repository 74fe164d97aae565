package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/tidwall/gjson"
)

const (
	dirName  = ".claudesky"
	fileName = "claudesky.json"

	// EnvPrefix prefixes environment overrides, e.g. CLAUDESKY_MODELS_DEFAULT.
	EnvPrefix = "CLAUDESKY"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file and environment. A missing file
// yields the defaults with environment overrides applied.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to determine config path")
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	data, err := os.ReadFile(configPath)
	loaded := err == nil
	switch {
	case err == nil:
		if err := ValidateSchema(data); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
		}
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// viper lowercases map keys; environment variable names are case sensitive.
	if loaded {
		if env := gjson.GetBytes(data, "session.env"); env.IsObject() {
			cfg.Session.Env = make(map[string]string)
			env.ForEach(func(key, value gjson.Result) bool {
				cfg.Session.Env[key.String()] = value.String()
				return true
			})
		}
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(configPath)
	}

	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("runtime.name", cfg.Runtime.Name)
	v.SetDefault("runtime.binary", cfg.Runtime.Binary)
	v.SetDefault("runtime.base_url", cfg.Runtime.BaseURL)
	v.SetDefault("runtime.max_tokens", cfg.Runtime.MaxTokens)
	v.SetDefault("session.working_dir", cfg.Session.WorkingDir)
	v.SetDefault("session.permission_mode", cfg.Session.PermissionMode)
	v.SetDefault("session.allowed_tools", cfg.Session.AllowedTools)
	v.SetDefault("session.max_thinking_tokens", cfg.Session.MaxThinkingTokens)
	v.SetDefault("models.default", cfg.Models.Default)
	v.SetDefault("credentials.api_key", cfg.Credentials.APIKey)
	v.SetDefault("credentials.oauth_token", cfg.Credentials.OAuthToken)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.audit_file", cfg.Logging.AuditFile)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.max_size_mb", cfg.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("gateway.port", cfg.Gateway.Port)
	v.SetDefault("gateway.host", cfg.Gateway.Host)
	v.SetDefault("gateway.shared_secret", cfg.Gateway.SharedSecret)
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", cfg.Tracing.SampleRatio)
	v.SetDefault("data_dir", cfg.DataDir)
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("runtime", cfg.Runtime)
	v.Set("session", cfg.Session)
	v.Set("models", cfg.Models)
	v.Set("credentials", cfg.Credentials)
	v.Set("logging", cfg.Logging)
	v.Set("gateway", cfg.Gateway)
	v.Set("tracing", cfg.Tracing)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return os.Chmod(configPath, 0o600)
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, dirName, fileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
