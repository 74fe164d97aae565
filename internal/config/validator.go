package config

import (
	"fmt"
	"strings"

	"github.com/jasonkneen/claudesky/pkg/runtime"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an Anthropic API key format
func (v *Validator) ValidateAPIKey(key string) error {
	if key == "" {
		return fmt.Errorf("API key cannot be empty")
	}
	if !strings.HasPrefix(key, "sk-ant-") {
		return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
	}
	return nil
}

// ValidateOAuthToken validates a Claude OAuth token
func (v *Validator) ValidateOAuthToken(token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("OAuth token cannot be empty")
	}
	if strings.ContainsAny(token, " \t\n") {
		return fmt.Errorf("OAuth token must not contain whitespace")
	}
	return nil
}

// ValidateRuntime validates a runtime name
func (v *Validator) ValidateRuntime(name string) error {
	validRuntimes := []string{RuntimeClaudeCLI, RuntimeAnthropicAPI, RuntimeOpenAICompat}
	for _, valid := range validRuntimes {
		if name == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid runtime: %s (must be one of: %s)", name, strings.Join(validRuntimes, ", "))
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	return nil
}

// ValidatePermissionMode validates a session permission mode
func (v *Validator) ValidatePermissionMode(mode string) error {
	_, err := runtime.ParsePermissionMode(mode)
	return err
}

// ValidateThinkingTokens validates the extended thinking budget
func (v *Validator) ValidateThinkingTokens(tokens int) error {
	if tokens < 0 {
		return fmt.Errorf("max thinking tokens must be >= 0, got %d", tokens)
	}
	if tokens > 0 && tokens < 1024 {
		return fmt.Errorf("max thinking tokens must be 0 or at least 1024, got %d", tokens)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateRuntime(cfg.Runtime.Name); err != nil {
		errors = append(errors, err)
	}
	if cfg.Runtime.MaxTokens != 0 {
		if err := v.ValidateMaxTokens(cfg.Runtime.MaxTokens); err != nil {
			errors = append(errors, fmt.Errorf("runtime: %w", err))
		}
	}

	if cfg.Credentials.APIKey != "" {
		if err := v.ValidateAPIKey(cfg.Credentials.APIKey); err != nil {
			errors = append(errors, fmt.Errorf("credentials: %w", err))
		}
	}
	if cfg.Credentials.OAuthToken != "" {
		if err := v.ValidateOAuthToken(cfg.Credentials.OAuthToken); err != nil {
			errors = append(errors, fmt.Errorf("credentials: %w", err))
		}
	}

	if err := v.ValidateModel(cfg.Models.Default); err != nil {
		errors = append(errors, fmt.Errorf("models.default: %w", err))
	}
	for alias, id := range cfg.Models.Aliases {
		if err := v.ValidateModel(id); err != nil {
			errors = append(errors, fmt.Errorf("models.aliases.%s: %w", alias, err))
		}
	}

	if err := v.ValidatePermissionMode(cfg.Session.PermissionMode); err != nil {
		errors = append(errors, fmt.Errorf("session: %w", err))
	}
	if err := v.ValidateThinkingTokens(cfg.Session.MaxThinkingTokens); err != nil {
		errors = append(errors, fmt.Errorf("session: %w", err))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
