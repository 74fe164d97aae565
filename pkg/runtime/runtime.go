// Package runtime defines the contract between the session controller and a
// remote agent runtime (Claude CLI, Messages API, OpenAI-compatible endpoints).
package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/jasonkneen/claudesky/pkg/credential"
	"github.com/jasonkneen/claudesky/pkg/messagequeue"
	"github.com/jasonkneen/claudesky/pkg/stream"
)

// PermissionMode controls how the runtime approves tool use.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionBypass      PermissionMode = "bypassPermissions"
	PermissionPlan        PermissionMode = "plan"
)

// ParsePermissionMode validates a permission mode name. Empty means default.
func ParsePermissionMode(s string) (PermissionMode, error) {
	switch mode := PermissionMode(strings.TrimSpace(s)); mode {
	case "":
		return PermissionDefault, nil
	case PermissionDefault, PermissionAcceptEdits, PermissionBypass, PermissionPlan:
		return mode, nil
	default:
		return "", fmt.Errorf("invalid permission mode %q (must be: default, acceptEdits, bypassPermissions, plan)", s)
	}
}

// OpenOptions describes the session to open.
type OpenOptions struct {
	Model             string
	MaxThinkingTokens int
	WorkingDir        string
	PermissionMode    PermissionMode
	AllowedTools      []string
	Env               map[string]string
	Resume            string
	Credential        credential.Credential

	// Debug receives diagnostic lines from the runtime (stderr, protocol noise).
	Debug func(string)
}

// Input is the asynchronous input generator a runtime pulls user messages from.
// Next returns false once the session is cancelled.
type Input interface {
	Next(ctx context.Context) (messagequeue.Message, bool)
}

// InputFunc adapts a function to Input.
type InputFunc func(ctx context.Context) (messagequeue.Message, bool)

func (f InputFunc) Next(ctx context.Context) (messagequeue.Message, bool) {
	return f(ctx)
}

// Stream is an open session. Next returns io.EOF when the stream is exhausted.
type Stream interface {
	Next(ctx context.Context) (stream.Frame, error)
	Interrupt(ctx context.Context) error
	SetModel(ctx context.Context, model string) error
	Close() error
}

// Runtime opens sessions against a remote agent.
type Runtime interface {
	Name() string
	Open(ctx context.Context, opts OpenOptions, input Input) (Stream, error)
}

// Debugf formats a line for OpenOptions.Debug when it is set.
func (o OpenOptions) Debugf(format string, args ...interface{}) {
	if o.Debug != nil {
		o.Debug(fmt.Sprintf(format, args...))
	}
}
