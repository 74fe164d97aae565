// Package openaicompat runs sessions against OpenAI-compatible chat completion
// endpoints (OpenRouter, local gateways) using the same frame vocabulary as the
// Claude runtimes. Each assistant turn is surfaced as a single text block.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jasonkneen/claudesky/pkg/messagequeue"
	"github.com/jasonkneen/claudesky/pkg/runtime"
	"github.com/jasonkneen/claudesky/pkg/stream"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

// Name is the registry name of this runtime.
const Name = "openai-compat"

func init() {
	runtime.Register(Name, func(settings runtime.Settings) (runtime.Runtime, error) {
		return New(Config{BaseURL: settings.BaseURL, MaxTokens: settings.MaxTokens, Logger: settings.Logger}), nil
	})
}

// Config holds OpenAI-compatible runtime configuration
type Config struct {
	BaseURL   string
	MaxTokens int
	Logger    zerolog.Logger
}

// Runtime opens chat-completion sessions.
type Runtime struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates an OpenAI-compatible runtime.
func New(cfg Config) *Runtime {
	return &Runtime{cfg: cfg, logger: cfg.Logger.With().Str("runtime", Name).Logger()}
}

func (r *Runtime) Name() string { return Name }

// Open creates a session. The API key is the credential's key, or its token.
func (r *Runtime) Open(ctx context.Context, opts runtime.OpenOptions, input runtime.Input) (runtime.Stream, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	cred := opts.Credential.Normalize()
	key := cred.APIKey
	if key == "" {
		key = cred.OAuthToken
	}
	if key == "" {
		return nil, fmt.Errorf("credential is required")
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(key)}
	if r.cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(r.cfg.BaseURL))
	}

	sessionID := opts.Resume
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		client:    openai.NewClient(clientOpts...),
		sessionID: sessionID,
		maxTokens: r.cfg.MaxTokens,
		logger:    r.logger.With().Str("session_id", sessionID).Logger(),
		ctx:       sctx,
		cancel:    cancel,
		frames:    make(chan stream.Frame, 256),
		done:      make(chan struct{}),
		model:     opts.Model,
	}
	if opts.MaxThinkingTokens > 0 {
		opts.Debugf("thinking budget ignored by %s", Name)
	}
	go s.run(input)
	return s, nil
}

// Stream is one chat-completion session.
type Stream struct {
	client    openai.Client
	sessionID string
	maxTokens int
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	frames chan stream.Frame
	done   chan struct{}

	mu          sync.Mutex
	model       string
	turnCancel  context.CancelFunc
	interrupted bool
	history     []openai.ChatCompletionMessageParamUnion
	turns       int
}

func (s *Stream) Next(ctx context.Context) (stream.Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return stream.Frame{}, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return stream.Frame{}, ctx.Err()
	}
}

func (s *Stream) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnCancel != nil {
		s.interrupted = true
		s.turnCancel()
	}
	return nil
}

func (s *Stream) SetModel(ctx context.Context, model string) error {
	if strings.TrimSpace(model) == "" {
		return errors.New("model is required")
	}
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
	return nil
}

func (s *Stream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *Stream) run(input runtime.Input) {
	defer close(s.done)
	defer close(s.frames)

	if !s.push(map[string]interface{}{
		"type":       stream.FrameSystem,
		"subtype":    stream.SubtypeInit,
		"session_id": s.sessionID,
		"model":      s.model,
	}) {
		return
	}

	for {
		msg, ok := input.Next(s.ctx)
		if !ok {
			return
		}
		if !s.turn(msg) {
			return
		}
	}
}

func (s *Stream) turn(msg messagequeue.Message) bool {
	started := time.Now()
	turnCtx, turnCancel := context.WithCancel(s.ctx)
	defer turnCancel()

	s.mu.Lock()
	s.turnCancel = turnCancel
	s.interrupted = false
	s.turns++
	messages := append(append([]openai.ChatCompletionMessageParamUnion(nil), s.history...), userMessage(msg))
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(s.model),
		Messages: messages,
	}
	if s.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(s.maxTokens))
	}
	turns := s.turns
	s.mu.Unlock()

	sse := s.client.Chat.Completions.NewStreaming(turnCtx, params)
	defer sse.Close()

	var text strings.Builder
	var inputTokens, outputTokens int64
	blockOpen := false
	for sse.Next() {
		chunk := sse.Current()
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			inputTokens = chunk.Usage.PromptTokens
			outputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if !blockOpen {
			blockOpen = true
			if !s.pushEvent(map[string]interface{}{
				"type": "content_block_start", "index": 0,
				"content_block": map[string]interface{}{"type": "text", "text": ""},
			}) {
				return false
			}
		}
		text.WriteString(delta)
		if !s.pushEvent(map[string]interface{}{
			"type": "content_block_delta", "index": 0,
			"delta": map[string]interface{}{"type": "text_delta", "text": delta},
		}) {
			return false
		}
	}
	if blockOpen && !s.pushEvent(map[string]interface{}{"type": "content_block_stop", "index": 0}) {
		return false
	}

	s.mu.Lock()
	s.turnCancel = nil
	interrupted := s.interrupted
	s.mu.Unlock()

	result := map[string]interface{}{
		"type":        stream.FrameResult,
		"session_id":  s.sessionID,
		"duration_ms": time.Since(started).Milliseconds(),
		"num_turns":   turns,
		"usage": map[string]interface{}{
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		},
	}

	if err := sse.Err(); err != nil {
		switch {
		case s.ctx.Err() != nil:
			return false
		case interrupted:
			result["subtype"] = "interrupted"
			result["is_error"] = false
		default:
			s.logger.Warn().Err(err).Msg("Chat completion failed")
			result["subtype"] = "error_during_execution"
			result["is_error"] = true
			result["result"] = err.Error()
		}
		return s.push(result)
	}

	s.mu.Lock()
	s.history = append(messages, openai.AssistantMessage(text.String()))
	s.mu.Unlock()

	if !s.push(map[string]interface{}{
		"type":       stream.FrameAssistant,
		"session_id": s.sessionID,
		"message": map[string]interface{}{
			"role":    "assistant",
			"content": []map[string]interface{}{{"type": "text", "text": text.String()}},
		},
	}) {
		return false
	}

	result["subtype"] = "success"
	result["is_error"] = false
	result["result"] = text.String()
	return s.push(result)
}

func (s *Stream) pushEvent(event map[string]interface{}) bool {
	return s.push(map[string]interface{}{
		"type":       stream.FrameStreamEvent,
		"session_id": s.sessionID,
		"event":      event,
	})
}

func (s *Stream) push(v interface{}) bool {
	frame, err := stream.NewFrame(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode frame")
		return true
	}
	select {
	case s.frames <- frame:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func userMessage(msg messagequeue.Message) openai.ChatCompletionMessageParamUnion {
	if len(msg.Images) == 0 {
		return openai.UserMessage(msg.Text)
	}

	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.Images)+1)
	for _, img := range msg.Images {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: "data:" + img.MediaType + ";base64," + img.Data,
		}))
	}
	if msg.Text != "" {
		parts = append(parts, openai.TextContentPart(msg.Text))
	}
	return openai.UserMessage(parts)
}
