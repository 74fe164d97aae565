// Package claudecli runs sessions through the claude command line in
// bidirectional stream-json mode.
package claudecli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jasonkneen/claudesky/pkg/credential"
	"github.com/jasonkneen/claudesky/pkg/runtime"
	"github.com/rs/zerolog"
)

// Name is the registry name of this runtime.
const Name = "claude-cli"

// DefaultBinary is looked up on PATH when Config.Binary is empty.
const DefaultBinary = "claude"

// waitDelay bounds how long Wait lingers on pipes held open by child processes.
const waitDelay = 5 * time.Second

// EnvMaxThinkingTokens carries the thinking budget to the CLI.
const EnvMaxThinkingTokens = "MAX_THINKING_TOKENS"

func init() {
	runtime.Register(Name, func(settings runtime.Settings) (runtime.Runtime, error) {
		return New(Config{Binary: settings.Binary, Logger: settings.Logger}), nil
	})
}

// Config holds CLI runtime configuration
type Config struct {
	Binary    string
	ExtraArgs []string
	Logger    zerolog.Logger
}

// Runtime spawns one CLI process per session.
type Runtime struct {
	binary    string
	extraArgs []string
	logger    zerolog.Logger
}

// New creates a CLI runtime.
func New(cfg Config) *Runtime {
	binary := cfg.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	return &Runtime{
		binary:    binary,
		extraArgs: cfg.ExtraArgs,
		logger:    cfg.Logger.With().Str("runtime", Name).Logger(),
	}
}

func (r *Runtime) Name() string { return Name }

// Open starts the CLI process. The process is killed when ctx is cancelled.
func (r *Runtime) Open(ctx context.Context, opts runtime.OpenOptions, input runtime.Input) (runtime.Stream, error) {
	args := append(Args(opts), r.extraArgs...)

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = Environ(os.Environ(), opts)
	cmd.WaitDelay = waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", r.binary, err)
	}

	r.logger.Debug().
		Int("pid", cmd.Process.Pid).
		Str("model", opts.Model).
		Str("resume", opts.Resume).
		Msg("CLI process started")
	opts.Debugf("started %s (pid %d)", r.binary, cmd.Process.Pid)

	s := newStream(ctx, cmd, stdin, opts, r.logger)
	s.start(stdout, stderr, input)
	return s, nil
}

// Args builds the CLI arguments for a session.
func Args(opts runtime.OpenOptions) []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" && opts.PermissionMode != runtime.PermissionDefault {
		args = append(args, "--permission-mode", string(opts.PermissionMode))
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	return args
}

// Environ builds the process environment: base without inherited credentials,
// then the session's Env in key order, the chosen credential and the thinking budget.
func Environ(base []string, opts runtime.OpenOptions) []string {
	env := make([]string, 0, len(base)+len(opts.Env)+2)
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if key == credential.EnvAPIKey || key == credential.EnvOAuthToken || key == EnvMaxThinkingTokens {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+opts.Env[k])
	}

	cred := opts.Credential.Normalize()
	switch {
	case cred.APIKey != "":
		env = append(env, credential.EnvAPIKey+"="+cred.APIKey)
	case cred.OAuthToken != "":
		env = append(env, credential.EnvOAuthToken+"="+cred.OAuthToken)
	}

	if opts.MaxThinkingTokens > 0 {
		env = append(env, EnvMaxThinkingTokens+"="+strconv.Itoa(opts.MaxThinkingTokens))
	}
	return env
}
