// Package anthropicapi runs sessions directly against the Anthropic Messages
// API and translates the SDK's streaming events into the CLI frame vocabulary.
package anthropicapi

import (
	"context"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"github.com/jasonkneen/claudesky/pkg/runtime"
	"github.com/rs/zerolog"
)

// Name is the registry name of this runtime.
const Name = "anthropic-api"

const (
	// DefaultMaxTokens is the per-turn output budget when none is configured.
	DefaultMaxTokens = 8192
	// MinThinkingTokens is the smallest budget the API accepts for extended thinking.
	MinThinkingTokens = 1024

	oauthBeta = "oauth-2025-04-20"
)

func init() {
	runtime.Register(Name, func(settings runtime.Settings) (runtime.Runtime, error) {
		return New(Config{
			BaseURL:   settings.BaseURL,
			MaxTokens: settings.MaxTokens,
			Logger:    settings.Logger,
		}), nil
	})
}

// Config holds Messages API runtime configuration
type Config struct {
	BaseURL    string
	MaxTokens  int
	MaxRetries int
	Logger     zerolog.Logger
}

// Runtime opens API-backed sessions. Conversation history is kept in memory
// per session id so a later session in the same process can resume it.
type Runtime struct {
	cfg    Config
	logger zerolog.Logger

	mu            sync.Mutex
	conversations map[string][]anthropic.MessageParam
}

// New creates a Messages API runtime.
func New(cfg Config) *Runtime {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	return &Runtime{
		cfg:           cfg,
		logger:        cfg.Logger.With().Str("runtime", Name).Logger(),
		conversations: make(map[string][]anthropic.MessageParam),
	}
}

func (r *Runtime) Name() string { return Name }

// Open creates a session. No request is made until the first message arrives.
func (r *Runtime) Open(ctx context.Context, opts runtime.OpenOptions, input runtime.Input) (runtime.Stream, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	clientOpts, err := r.clientOptions(opts)
	if err != nil {
		return nil, err
	}

	sessionID := opts.Resume
	var history []anthropic.MessageParam
	if sessionID != "" {
		r.mu.Lock()
		history = append(history, r.conversations[sessionID]...)
		r.mu.Unlock()
	} else {
		sessionID = uuid.NewString()
	}

	maxTokens := int64(r.cfg.MaxTokens)
	var thinking int64
	if opts.MaxThinkingTokens >= MinThinkingTokens {
		thinking = int64(opts.MaxThinkingTokens)
		if maxTokens <= thinking {
			maxTokens = thinking + DefaultMaxTokens
		}
	}

	s := newStream(ctx, streamConfig{
		client:    anthropic.NewClient(clientOpts...),
		sessionID: sessionID,
		model:     opts.Model,
		maxTokens: maxTokens,
		thinking:  thinking,
		history:   history,
		save:      r.save,
		debug:     opts.Debugf,
		logger:    r.logger.With().Str("session_id", sessionID).Logger(),
	})
	go s.run(input)

	r.logger.Debug().
		Str("session_id", sessionID).
		Str("model", opts.Model).
		Bool("resumed", opts.Resume != "").
		Int64("thinking_budget", thinking).
		Msg("API session opened")
	return s, nil
}

func (r *Runtime) clientOptions(opts runtime.OpenOptions) ([]option.RequestOption, error) {
	cred := opts.Credential.Normalize()
	clientOpts := []option.RequestOption{option.WithMaxRetries(r.cfg.MaxRetries)}

	switch {
	case cred.APIKey != "":
		clientOpts = append(clientOpts, option.WithAPIKey(cred.APIKey))
	case cred.OAuthToken != "":
		clientOpts = append(clientOpts,
			option.WithAuthToken(cred.OAuthToken),
			option.WithHeader("anthropic-beta", oauthBeta),
		)
	default:
		return nil, fmt.Errorf("credential is required")
	}

	if r.cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(r.cfg.BaseURL))
	}
	return clientOpts, nil
}

func (r *Runtime) save(sessionID string, history []anthropic.MessageParam) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[sessionID] = history
}

// History returns a copy of the stored conversation for a session.
func (r *Runtime) History(sessionID string) []anthropic.MessageParam {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]anthropic.MessageParam(nil), r.conversations[sessionID]...)
}
