package agent

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jasonkneen/claudesky/internal/observability"
	"github.com/jasonkneen/claudesky/pkg/stream"
)

const (
	exitExhausted = "exhausted"
	exitAborted   = "aborted"
	exitError     = "error"
	exitPanic     = "panic"
)

// run is the driver loop. It is the only goroutine that reads from the stream
// and the only place the session transitions back to Idle.
func (c *Controller) run(s *session) {
	reason := exitExhausted
	defer func() {
		if r := recover(); r != nil {
			reason = exitPanic
			observability.RecordLoopError("panic")
			s.logger.Error().Interface("panic", r).Msg("Driver loop panicked")
			func() {
				defer func() { _ = recover() }()
				c.emit(s, stream.Error{Message: fmt.Sprintf("driver loop panic: %v", r)})
			}()
		}
		c.finish(s, reason)
	}()

	for {
		if s.ctx.Err() != nil {
			reason = exitAborted
			return
		}

		frame, err := s.stream.Next(s.ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				reason = exitExhausted
			case s.ctx.Err() != nil:
				reason = exitAborted
			default:
				reason = exitError
				observability.RecordLoopError("next")
				s.logger.Error().Err(err).Msg("Runtime stream failed")
				c.emit(s, stream.Error{Message: (&RemoteStreamError{Op: "next", Err: err}).Error()})
			}
			return
		}

		if s.ctx.Err() != nil {
			reason = exitAborted
			return
		}

		c.dispatch(s, frame)
	}
}

func (c *Controller) dispatch(s *session, frame stream.Frame) {
	observability.RecordFrame(frame.Type)

	switch frame.Type {
	case stream.FrameStreamEvent:
		c.emitAll(s, c.demux.HandleStreamEvent(frame))

	case stream.FrameAssistant, stream.FrameUser:
		c.emitAll(s, c.demux.HandleMessage(frame))

	case stream.FrameResult:
		summary := stream.ResultSummary(frame)
		observability.RecordTurn(summary.Subtype)
		s.logger.Debug().
			Str("subtype", summary.Subtype).
			Int64("duration_ms", summary.DurationMS).
			Msg("Turn complete")
		c.emit(s, summary)
		c.demux.Reset()

	case stream.FrameSystem:
		if frame.Subtype != stream.SubtypeInit || s.initSeen {
			return
		}
		s.initSeen = true
		id := frame.SessionID()

		c.mu.Lock()
		if c.current == s {
			c.state.SessionID = id
			c.state.LastSessionID = id
		}
		c.mu.Unlock()

		s.logger.Info().Str("session_id", id).Bool("resumed", s.resumed).Msg("Session initialized")
		c.emit(s, stream.SessionInit{SessionID: id, Resumed: s.resumed})

	default:
		s.logger.Debug().Str("type", frame.Type).Msg("Ignoring frame")
	}
}

func (c *Controller) emitAll(s *session, events []stream.Event) {
	for _, ev := range events {
		c.emit(s, ev)
	}
}

// finish tears the session down once the loop has exited. Messages still
// queued belonged to this session and are discarded, whatever ended it.
func (c *Controller) finish(s *session, reason string) {
	s.cancel()
	if err := s.stream.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to close runtime stream")
	}

	discarded := 0
	c.mu.Lock()
	if c.current == s {
		c.queue.Abort()
		discarded = c.queue.Clear()
		c.becomeIdle()
	}
	c.mu.Unlock()

	close(s.done)

	observability.RecordSessionEnd(reason, time.Since(s.startedAt))
	s.logger.Info().Str("reason", reason).Int("discarded", discarded).Msg("Session ended")
}
