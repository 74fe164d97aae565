package anthropicapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/jasonkneen/claudesky/pkg/messagequeue"
	"github.com/jasonkneen/claudesky/pkg/runtime"
	"github.com/jasonkneen/claudesky/pkg/stream"
	"github.com/rs/zerolog"
)

const (
	subtypeSuccess     = "success"
	subtypeInterrupted = "interrupted"
	subtypeError       = "error_during_execution"
)

type streamConfig struct {
	client    anthropic.Client
	sessionID string
	model     string
	maxTokens int64
	thinking  int64
	history   []anthropic.MessageParam
	save      func(sessionID string, history []anthropic.MessageParam)
	debug     func(format string, args ...interface{})
	logger    zerolog.Logger
}

// Stream is one API-backed session. Each user message becomes one streamed
// Messages request.
type Stream struct {
	cfg    streamConfig
	ctx    context.Context
	cancel context.CancelFunc

	frames chan stream.Frame
	done   chan struct{}

	mu          sync.Mutex
	model       string
	turnCancel  context.CancelFunc
	interrupted bool
	history     []anthropic.MessageParam
	turns       int
	err         error
}

func newStream(parent context.Context, cfg streamConfig) *Stream {
	ctx, cancel := context.WithCancel(parent)
	return &Stream{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		frames:  make(chan stream.Frame, 256),
		done:    make(chan struct{}),
		model:   cfg.model,
		history: cfg.history,
	}
}

func (s *Stream) Next(ctx context.Context) (stream.Frame, error) {
	select {
	case f, ok := <-s.frames:
		if ok {
			return f, nil
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return stream.Frame{}, s.err
		}
		return stream.Frame{}, io.EOF
	case <-ctx.Done():
		return stream.Frame{}, ctx.Err()
	}
}

// Interrupt cancels the in-flight request. The turn ends with an
// "interrupted" result frame. It is a no-op between turns.
func (s *Stream) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnCancel != nil {
		s.interrupted = true
		s.turnCancel()
	}
	return nil
}

// SetModel applies to the next turn.
func (s *Stream) SetModel(ctx context.Context, model string) error {
	if strings.TrimSpace(model) == "" {
		return errors.New("model is required")
	}
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
	s.cfg.debug("model set to %s", model)
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
		"session_id": s.cfg.sessionID,
		"model":      s.cfg.model,
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

// turn runs one request. It returns false once the session context is done.
func (s *Stream) turn(msg messagequeue.Message) bool {
	started := time.Now()
	turnCtx, turnCancel := context.WithCancel(s.ctx)
	defer turnCancel()

	s.mu.Lock()
	s.turnCancel = turnCancel
	s.interrupted = false
	s.turns++
	user := anthropic.NewUserMessage(userContent(msg)...)
	messages := append(append([]anthropic.MessageParam(nil), s.history...), user)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: s.cfg.maxTokens,
		Messages:  messages,
	}
	if s.cfg.thinking > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(s.cfg.thinking)
	}
	turns := s.turns
	s.mu.Unlock()

	sse := s.cfg.client.Messages.NewStreaming(turnCtx, params)
	defer sse.Close()

	acc := anthropic.Message{}
	for sse.Next() {
		event := sse.Current()
		if err := acc.Accumulate(event); err != nil {
			s.cfg.logger.Debug().Err(err).Str("event", event.Type).Msg("Failed to accumulate event")
		}
		if !s.push(map[string]interface{}{
			"type":       stream.FrameStreamEvent,
			"session_id": s.cfg.sessionID,
			"event":      json.RawMessage(event.RawJSON()),
		}) {
			return false
		}
	}

	s.mu.Lock()
	s.turnCancel = nil
	interrupted := s.interrupted
	s.mu.Unlock()

	result := map[string]interface{}{
		"type":        stream.FrameResult,
		"session_id":  s.cfg.sessionID,
		"duration_ms": time.Since(started).Milliseconds(),
		"num_turns":   turns,
		"usage": map[string]interface{}{
			"input_tokens":  acc.Usage.InputTokens,
			"output_tokens": acc.Usage.OutputTokens,
		},
	}

	if err := sse.Err(); err != nil {
		switch {
		case s.ctx.Err() != nil:
			return false
		case interrupted:
			result["subtype"] = subtypeInterrupted
			result["is_error"] = false
		default:
			s.cfg.logger.Warn().Err(err).Msg("Messages request failed")
			result["subtype"] = subtypeError
			result["is_error"] = true
			result["result"] = err.Error()
		}
		return s.push(result)
	}

	assistant := acc.ToParam()
	s.mu.Lock()
	s.history = append(messages, assistant)
	history := append([]anthropic.MessageParam(nil), s.history...)
	s.mu.Unlock()
	if s.cfg.save != nil {
		s.cfg.save(s.cfg.sessionID, history)
	}

	if !s.push(map[string]interface{}{
		"type":       stream.FrameAssistant,
		"session_id": s.cfg.sessionID,
		"message":    assistantMessage(acc),
	}) {
		return false
	}

	result["subtype"] = subtypeSuccess
	result["is_error"] = false
	result["result"] = resultText(acc)
	result["stop_reason"] = string(acc.StopReason)
	return s.push(result)
}

func (s *Stream) push(v interface{}) bool {
	frame, err := stream.NewFrame(v)
	if err != nil {
		s.cfg.logger.Error().Err(err).Msg("Failed to encode frame")
		return true
	}
	select {
	case s.frames <- frame:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func userContent(msg messagequeue.Message) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Images)+1)
	for _, img := range msg.Images {
		blocks = append(blocks, anthropic.NewImageBlockBase64(img.MediaType, img.Data))
	}
	if msg.Text != "" || len(blocks) == 0 {
		blocks = append(blocks, anthropic.NewTextBlock(msg.Text))
	}
	return blocks
}

func assistantMessage(acc anthropic.Message) map[string]interface{} {
	content := make([]map[string]interface{}, 0, len(acc.Content))
	for _, block := range acc.Content {
		switch block.Type {
		case "text":
			content = append(content, map[string]interface{}{"type": "text", "text": block.Text})
		case "thinking":
			content = append(content, map[string]interface{}{"type": "thinking", "thinking": block.Thinking})
		case "tool_use":
			content = append(content, map[string]interface{}{
				"type":  "tool_use",
				"id":    block.ID,
				"name":  block.Name,
				"input": block.Input,
			})
		}
	}
	return map[string]interface{}{
		"id":          acc.ID,
		"role":        "assistant",
		"model":       string(acc.Model),
		"content":     content,
		"stop_reason": string(acc.StopReason),
	}
}

func resultText(acc anthropic.Message) string {
	var sb strings.Builder
	for _, block := range acc.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}
