// Package runtimetest provides a scripted in-memory runtime for tests.
package runtimetest

import (
	"context"
	"io"
	"sync"

	"github.com/jasonkneen/claudesky/pkg/messagequeue"
	"github.com/jasonkneen/claudesky/pkg/runtime"
	"github.com/jasonkneen/claudesky/pkg/stream"
)

// Runtime records Open calls and hands out scripted streams.
type Runtime struct {
	// OpenErr, when set, fails every Open.
	OpenErr error
	// Responder, when set, drains the input and answers each message with frames.
	Responder func(msg messagequeue.Message) []stream.Frame
	// Configure, when set, adjusts each new stream before it is returned.
	Configure func(s *Stream)

	mu      sync.Mutex
	opened  []runtime.OpenOptions
	streams []*Stream
}

// New creates a fake runtime.
func New() *Runtime {
	return &Runtime{}
}

func (r *Runtime) Name() string { return "fake" }

func (r *Runtime) Open(ctx context.Context, opts runtime.OpenOptions, input runtime.Input) (runtime.Stream, error) {
	r.mu.Lock()
	r.opened = append(r.opened, opts)
	openErr := r.OpenErr
	responder := r.Responder
	configure := r.Configure
	r.mu.Unlock()

	if openErr != nil {
		return nil, openErr
	}

	s := NewStream()
	s.Options = opts
	if configure != nil {
		configure(s)
	}

	r.mu.Lock()
	r.streams = append(r.streams, s)
	r.mu.Unlock()

	if responder != nil {
		go func() {
			for {
				msg, ok := input.Next(ctx)
				if !ok {
					return
				}
				s.recordInput(msg)
				s.Push(responder(msg)...)
			}
		}()
	}

	return s, nil
}

// Opened returns the options of every Open call.
func (r *Runtime) Opened() []runtime.OpenOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runtime.OpenOptions(nil), r.opened...)
}

// Last returns the most recently opened stream, or nil.
func (r *Runtime) Last() *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.streams) == 0 {
		return nil
	}
	return r.streams[len(r.streams)-1]
}

// Stream is a scripted frame source.
type Stream struct {
	Options runtime.OpenOptions

	// InterruptFunc and SetModelFunc override the default no-op behaviour.
	InterruptFunc func(ctx context.Context) error
	SetModelFunc  func(ctx context.Context, model string) error

	frames chan stream.Frame
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	err        error
	closed     bool
	interrupts int
	models     []string
	inputs     []messagequeue.Message
}

// NewStream creates an open stream with a generous frame buffer.
func NewStream() *Stream {
	return &Stream{
		frames: make(chan stream.Frame, 256),
		done:   make(chan struct{}),
	}
}

// Push queues frames for Next.
func (s *Stream) Push(frames ...stream.Frame) {
	for _, f := range frames {
		select {
		case s.frames <- f:
		case <-s.done:
			return
		}
	}
}

// Finish ends the stream after buffered frames: Next then returns err, or io.EOF when err is nil.
func (s *Stream) Finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *Stream) Next(ctx context.Context) (stream.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	default:
	}

	select {
	case f := <-s.frames:
		return f, nil
	case <-ctx.Done():
		return stream.Frame{}, ctx.Err()
	case <-s.done:
		select {
		case f := <-s.frames:
			return f, nil
		default:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return stream.Frame{}, s.err
		}
		return stream.Frame{}, io.EOF
	}
}

func (s *Stream) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	s.interrupts++
	fn := s.InterruptFunc
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (s *Stream) SetModel(ctx context.Context, model string) error {
	s.mu.Lock()
	s.models = append(s.models, model)
	fn := s.SetModelFunc
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, model)
	}
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Interrupts returns the number of Interrupt calls.
func (s *Stream) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// Models returns every model passed to SetModel.
func (s *Stream) Models() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.models...)
}

// Inputs returns the messages drained by the responder.
func (s *Stream) Inputs() []messagequeue.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]messagequeue.Message(nil), s.inputs...)
}

func (s *Stream) recordInput(msg messagequeue.Message) {
	s.mu.Lock()
	s.inputs = append(s.inputs, msg)
	s.mu.Unlock()
}

// Frames is a convenience for building frames from literals.
func Frames(values ...map[string]interface{}) []stream.Frame {
	out := make([]stream.Frame, 0, len(values))
	for _, v := range values {
		out = append(out, stream.MustFrame(v))
	}
	return out
}

// TextTurn returns the frames of a simple text reply ending with a result.
func TextTurn(text string) []stream.Frame {
	return Frames(
		map[string]interface{}{"type": "stream_event", "event": map[string]interface{}{
			"type": "content_block_start", "index": 0, "content_block": map[string]interface{}{"type": "text", "text": ""},
		}},
		map[string]interface{}{"type": "stream_event", "event": map[string]interface{}{
			"type": "content_block_delta", "index": 0, "delta": map[string]interface{}{"type": "text_delta", "text": text},
		}},
		map[string]interface{}{"type": "stream_event", "event": map[string]interface{}{
			"type": "content_block_stop", "index": 0,
		}},
		map[string]interface{}{"type": "result", "subtype": "success", "result": text},
	)
}
