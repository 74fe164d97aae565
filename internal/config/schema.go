package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// schemaJSON describes the config file. Unknown top-level keys are rejected so
// typos surface at load time instead of being silently ignored.
const schemaJSON = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "runtime": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string", "enum": ["claude-cli", "anthropic-api", "openai-compat"]},
        "binary": {"type": "string"},
        "base_url": {"type": "string"},
        "max_tokens": {"type": "integer", "minimum": 1}
      }
    },
    "session": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "working_dir": {"type": "string"},
        "permission_mode": {"type": "string", "enum": ["", "default", "acceptEdits", "bypassPermissions", "plan"]},
        "allowed_tools": {"type": "array", "items": {"type": "string"}},
        "max_thinking_tokens": {"type": "integer", "minimum": 0},
        "env": {"type": "object", "additionalProperties": {"type": "string"}}
      }
    },
    "models": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "default": {"type": "string"},
        "aliases": {"type": "object", "additionalProperties": {"type": "string"}}
      }
    },
    "credentials": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "api_key": {"type": "string"},
        "oauth_token": {"type": "string"}
      }
    },
    "logging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
        "file": {"type": "string"},
        "audit_file": {"type": "string"},
        "console": {"type": "boolean"},
        "redaction": {"type": "boolean"},
        "max_size_mb": {"type": "integer", "minimum": 1},
        "max_backups": {"type": "integer", "minimum": 0}
      }
    },
    "gateway": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "port": {"type": "integer", "minimum": 0, "maximum": 65535},
        "host": {"type": "string"},
        "shared_secret": {"type": "string"}
      }
    },
    "tracing": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "service_name": {"type": "string"},
        "sample_ratio": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "data_dir": {"type": "string"}
  }
}`

var configSchema = gojsonschema.NewStringLoader(schemaJSON)

// ValidateSchema checks raw config file contents against the config schema.
func ValidateSchema(data []byte) error {
	result, err := gojsonschema.Validate(configSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("failed to validate config: %w", err)
	}

	if !result.Valid() {
		errors := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errors = append(errors, e.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}
