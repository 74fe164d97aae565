package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a configuration wizard reading answers from in
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run walks through the settings, starting from base (or the defaults when nil).
func (w *Wizard) Run(base *Config) (*Config, error) {
	fmt.Fprintln(w.out, "=== claudesky configuration ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	if base != nil {
		copied := *base
		cfg = &copied
	}
	validator := NewValidator()

	fmt.Fprintln(w.out, "Credentials (leave both empty to use ANTHROPIC_API_KEY / CLAUDE_CODE_OAUTH_TOKEN):")
	for {
		key, err := w.prompt("Anthropic API key", "")
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		if err := validator.ValidateAPIKey(key); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Credentials.APIKey = key
		break
	}

	if cfg.Credentials.APIKey == "" {
		for {
			token, err := w.prompt("Claude OAuth token", "")
			if err != nil {
				return nil, err
			}
			if token == "" {
				break
			}
			if err := validator.ValidateOAuthToken(token); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			cfg.Credentials.OAuthToken = token
			break
		}
	}
	fmt.Fprintln(w.out)

	fmt.Fprintln(w.out, "Runtime options:")
	fmt.Fprintln(w.out, "  claude-cli     - drive the local claude binary (default)")
	fmt.Fprintln(w.out, "  anthropic-api  - call the Messages API directly")
	fmt.Fprintln(w.out, "  openai-compat  - call an OpenAI-compatible endpoint")
	for {
		name, err := w.prompt("Runtime", cfg.Runtime.Name)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateRuntime(name); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Runtime.Name = name
		break
	}

	if cfg.Runtime.Name == RuntimeOpenAICompat {
		for {
			url, err := w.prompt("Base URL", cfg.Runtime.BaseURL)
			if err != nil {
				return nil, err
			}
			if url == "" {
				fmt.Fprintln(w.out, "Error: base URL is required for openai-compat")
				continue
			}
			cfg.Runtime.BaseURL = url
			break
		}
	}
	fmt.Fprintln(w.out)

	model, err := w.prompt("Default model", cfg.Models.Default)
	if err != nil {
		return nil, err
	}
	cfg.Models.Default = model

	level, err := w.prompt("Log level (debug/info/warn/error)", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateLogLevel(level); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Logging.Level)
	} else {
		cfg.Logging.Level = level
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")
	return cfg, nil
}

// prompt reads one answer, returning def for an empty line
func (w *Wizard) prompt(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(w.out, "%s (press Enter to skip): ", label)
	}

	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}
