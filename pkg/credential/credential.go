// Package credential supplies the API key or OAuth token an agent session authenticates with.
package credential

import (
	"context"
	"errors"
	"os"
	"strings"
)

// Environment variables read by Env.
const (
	EnvAPIKey     = "ANTHROPIC_API_KEY"
	EnvOAuthToken = "CLAUDE_CODE_OAUTH_TOKEN"
)

// ErrInvalidCredential is returned when neither an API key nor an OAuth token is available.
var ErrInvalidCredential = errors.New("no usable credential: an API key or OAuth token is required")

// Credential holds exactly one populated secret. When both are set the API key wins.
type Credential struct {
	APIKey     string `json:"api_key,omitempty"`
	OAuthToken string `json:"oauth_token,omitempty"`
}

// Kind names the populated secret: "api_key", "oauth_token" or "".
func (c Credential) Kind() string {
	switch {
	case c.APIKey != "":
		return "api_key"
	case c.OAuthToken != "":
		return "oauth_token"
	default:
		return ""
	}
}

// Normalize trims whitespace and drops the OAuth token when an API key is present.
func (c Credential) Normalize() Credential {
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.OAuthToken = strings.TrimSpace(c.OAuthToken)
	if c.APIKey != "" {
		c.OAuthToken = ""
	}
	return c
}

// Validate returns ErrInvalidCredential when nothing usable is set.
func (c Credential) Validate() error {
	if c.Normalize().Kind() == "" {
		return ErrInvalidCredential
	}
	return nil
}

// Supplier returns the credential for a new session.
type Supplier interface {
	Credential(ctx context.Context) (Credential, error)
}

// SupplierFunc adapts a function to Supplier.
type SupplierFunc func(ctx context.Context) (Credential, error)

func (f SupplierFunc) Credential(ctx context.Context) (Credential, error) {
	return f(ctx)
}

// Static always returns the same credential.
type Static Credential

func (s Static) Credential(context.Context) (Credential, error) {
	return Credential(s).Normalize(), nil
}

// Env reads the credential from the process environment.
type Env struct {
	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

func (e Env) Credential(context.Context) (Credential, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var c Credential
	if v, ok := lookup(EnvAPIKey); ok {
		c.APIKey = v
	}
	if v, ok := lookup(EnvOAuthToken); ok {
		c.OAuthToken = v
	}
	return c.Normalize(), nil
}

// Chain returns the first valid credential from the given suppliers.
func Chain(suppliers ...Supplier) Supplier {
	return SupplierFunc(func(ctx context.Context) (Credential, error) {
		for _, s := range suppliers {
			if s == nil {
				continue
			}
			c, err := s.Credential(ctx)
			if err != nil {
				return Credential{}, err
			}
			if c.Validate() == nil {
				return c.Normalize(), nil
			}
		}
		return Credential{}, ErrInvalidCredential
	})
}
