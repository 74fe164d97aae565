package claudecli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/jasonkneen/claudesky/pkg/messagequeue"
	"github.com/jasonkneen/claudesky/pkg/runtime"
	"github.com/jasonkneen/claudesky/pkg/stream"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	maxLineSize   = 16 * 1024 * 1024
	stderrTailLen = 20
)

// ErrClosed is returned by control requests once the process has exited.
var ErrClosed = errors.New("claude process closed")

type userFrame struct {
	Type            string      `json:"type"`
	Message         userMessage `json:"message"`
	ParentToolUseID *string     `json:"parent_tool_use_id"`
	SessionID       string      `json:"session_id"`
}

type userMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type controlRequest struct {
	Type      string                 `json:"type"`
	RequestID string                 `json:"request_id"`
	Request   map[string]interface{} `json:"request"`
}

type controlResponse struct {
	Type     string `json:"type"`
	Response struct {
		Subtype   string          `json:"subtype"`
		RequestID string          `json:"request_id"`
		Response  json.RawMessage `json:"response,omitempty"`
		Error     string          `json:"error,omitempty"`
	} `json:"response"`
}

type readResult struct {
	frame stream.Frame
	err   error
}

// Stream is a running CLI process.
type Stream struct {
	ctx    context.Context
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	opts   runtime.OpenOptions
	logger zerolog.Logger

	frames chan readResult
	exited chan struct{}
	quit   chan struct{}

	writeMu sync.Mutex

	mu         sync.Mutex
	pending    map[string]chan controlResponse
	stderrTail []string
	closed     bool

	closeOnce sync.Once
}

func newStream(ctx context.Context, cmd *exec.Cmd, stdin io.WriteCloser, opts runtime.OpenOptions, logger zerolog.Logger) *Stream {
	return &Stream{
		ctx:     ctx,
		cmd:     cmd,
		stdin:   stdin,
		opts:    opts,
		logger:  logger,
		frames:  make(chan readResult, 64),
		exited:  make(chan struct{}),
		quit:    make(chan struct{}),
		pending: make(map[string]chan controlResponse),
	}
}

func (s *Stream) start(stdout, stderr io.Reader, input runtime.Input) {
	var stderrDone sync.WaitGroup
	stderrDone.Add(1)
	go func() {
		defer stderrDone.Done()
		s.readStderr(stderr)
	}()

	go func() {
		s.readStdout(stdout)
		stderrDone.Wait()
		s.finish(s.cmd.Wait())
	}()

	go s.pumpInput(input)
}

// Next returns the next non-control frame.
func (s *Stream) Next(ctx context.Context) (stream.Frame, error) {
	select {
	case r, ok := <-s.frames:
		if !ok {
			return stream.Frame{}, io.EOF
		}
		return r.frame, r.err
	case <-ctx.Done():
		return stream.Frame{}, ctx.Err()
	}
}

// Interrupt asks the CLI to stop the current turn.
func (s *Stream) Interrupt(ctx context.Context) error {
	return s.control(ctx, map[string]interface{}{"subtype": "interrupt"})
}

// SetModel switches the model used by subsequent turns.
func (s *Stream) SetModel(ctx context.Context, model string) error {
	return s.control(ctx, map[string]interface{}{"subtype": "set_model", "model": model})
}

// Close ends stdin and kills the process if it is still running.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.quit)
		_ = s.stdin.Close()

		select {
		case <-s.exited:
		default:
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
		}
	})
	<-s.exited
	return nil
}

func (s *Stream) control(ctx context.Context, request map[string]interface{}) error {
	id := "req_" + gonanoid.Must()
	ch := make(chan controlResponse, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.writeJSON(controlRequest{Type: stream.FrameControlRequest, RequestID: id, Request: request}); err != nil {
		return fmt.Errorf("failed to send %v request: %w", request["subtype"], err)
	}

	select {
	case resp := <-ch:
		if resp.Response.Subtype == "error" {
			return fmt.Errorf("%v request rejected: %s", request["subtype"], resp.Response.Error)
		}
		return nil
	case <-s.exited:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.stdin.Write(data)
	return err
}

func (s *Stream) pumpInput(input runtime.Input) {
	for {
		msg, ok := input.Next(s.ctx)
		if !ok {
			return
		}
		if err := s.writeJSON(encodeUserMessage(msg)); err != nil {
			s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to write user message")
			return
		}
	}
}

func encodeUserMessage(msg messagequeue.Message) userFrame {
	content := make([]contentBlock, 0, len(msg.Images)+1)
	for _, img := range msg.Images {
		content = append(content, contentBlock{
			Type:   "image",
			Source: &imageSource{Type: "base64", MediaType: img.MediaType, Data: img.Data},
		})
	}
	if msg.Text != "" || len(content) == 0 {
		content = append(content, contentBlock{Type: "text", Text: msg.Text})
	}

	frame := userFrame{
		Type:    stream.FrameUser,
		Message: userMessage{Role: "user", Content: content},
	}
	if msg.ParentToolUseID != "" {
		parent := msg.ParentToolUseID
		frame.ParentToolUseID = &parent
	}
	return frame
}

func (s *Stream) readStdout(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		frame, err := stream.ParseFrame(line)
		if err != nil {
			s.opts.Debugf("skipping stdout line: %v", err)
			continue
		}

		switch frame.Type {
		case stream.FrameControlResponse:
			s.resolveControl(line)
		case stream.FrameControlRequest:
			s.rejectControl(frame)
		default:
			select {
			case s.frames <- readResult{frame: frame}:
			case <-s.quit:
				return
			case <-s.ctx.Done():
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Debug().Err(err).Msg("stdout scanner stopped")
	}
}

func (s *Stream) resolveControl(line []byte) {
	var resp controlResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		s.opts.Debugf("malformed control response: %v", err)
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[resp.Response.RequestID]
	s.mu.Unlock()
	if !ok {
		s.opts.Debugf("unmatched control response %s", resp.Response.RequestID)
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// rejectControl answers requests from the CLI (tool permission prompts, hook
// callbacks) that this client does not serve.
func (s *Stream) rejectControl(frame stream.Frame) {
	id := frame.Get("request_id").String()
	subtype := frame.Get("request.subtype").String()
	s.opts.Debugf("rejecting %s control request %s", subtype, id)

	reply := map[string]interface{}{
		"type": stream.FrameControlResponse,
		"response": map[string]interface{}{
			"subtype":    "error",
			"request_id": id,
			"error":      "unsupported control request: " + subtype,
		},
	}
	if err := s.writeJSON(reply); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to reject control request")
	}
}

func (s *Stream) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.mu.Lock()
		s.stderrTail = append(s.stderrTail, line)
		if len(s.stderrTail) > stderrTailLen {
			s.stderrTail = s.stderrTail[1:]
		}
		s.mu.Unlock()
		if s.opts.Debug != nil {
			s.opts.Debug(line)
		}
	}
}

// finish records the exit status and closes the frame channel.
func (s *Stream) finish(waitErr error) {
	s.mu.Lock()
	closed := s.closed
	tail := strings.Join(s.stderrTail, "\n")
	s.mu.Unlock()

	if waitErr != nil && s.ctx.Err() == nil && !closed {
		err := fmt.Errorf("claude exited: %w", waitErr)
		if tail != "" {
			err = fmt.Errorf("%w: %s", err, tail)
		}
		select {
		case s.frames <- readResult{err: err}:
		default:
			s.logger.Warn().Err(err).Msg("Dropping exit error, frame buffer full")
		}
	}

	s.logger.Debug().Err(waitErr).Msg("CLI process exited")
	close(s.exited)
	close(s.frames)
}
