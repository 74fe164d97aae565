package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jasonkneen/claudesky/pkg/credential"
	"github.com/jasonkneen/claudesky/pkg/messagequeue"
	"github.com/jasonkneen/claudesky/pkg/runtime/runtimetest"
	"github.com/jasonkneen/claudesky/pkg/stream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) sink(ev stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stream.Event(nil), r.events...)
}

func (r *recorder) Kinds() []stream.EventKind {
	var kinds []stream.EventKind
	for _, ev := range r.Events() {
		kinds = append(kinds, ev.Kind())
	}
	return kinds
}

func (r *recorder) Count(kind stream.EventKind) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

func newTestController(t *testing.T, rt *runtimetest.Runtime) *Controller {
	t.Helper()
	c, err := NewController(Config{
		Runtime:      rt,
		Credentials:  credential.Static{APIKey: "sk-ant-test"},
		Logger:       zerolog.Nop(),
		DefaultModel: "sonnet",
		ModelAliases: map[string]string{
			"sonnet": "claude-sonnet-test",
			"opus":   "claude-opus-test",
		},
	})
	require.NoError(t, err)
	return c
}

func TestNewController_RequiresRuntime(t *testing.T) {
	_, err := NewController(Config{})
	require.Error(t, err)
}

func TestController_StartTwiceFails(t *testing.T) {
	c := newTestController(t, runtimetest.New())
	ctx := context.Background()

	h, err := c.Start(ctx, Options{}, nil)
	require.NoError(t, err)
	assert.True(t, h.IsActive())

	_, err = c.Start(ctx, Options{}, nil)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.True(t, h.IsActive())

	require.NoError(t, h.Stop(ctx, StopOptions{}))
}

func TestController_StartAfterStop(t *testing.T) {
	rt := runtimetest.New()
	c := newTestController(t, rt)
	ctx := context.Background()

	h, err := c.Start(ctx, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, h.Stop(ctx, StopOptions{}))

	state := c.Snapshot()
	assert.Equal(t, PhaseIdle, state.Phase)
	assert.False(t, state.Processing)
	assert.False(t, c.IsActive())
	assert.True(t, rt.Last().Closed())

	h2, err := c.Start(ctx, Options{}, nil)
	require.NoError(t, err)
	assert.True(t, h2.IsActive())
	assert.Len(t, rt.Opened(), 2)

	require.NoError(t, c.Stop(ctx, StopOptions{}))
}

func TestController_StartRequiresCredential(t *testing.T) {
	rt := runtimetest.New()
	c, err := NewController(Config{
		Runtime:     rt,
		Credentials: credential.Static{},
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = c.Start(context.Background(), Options{}, nil)
	assert.ErrorIs(t, err, ErrInvalidCredential)
	assert.Equal(t, PhaseIdle, c.Snapshot().Phase)
	assert.Empty(t, rt.Opened())

	t.Run("per-session override", func(t *testing.T) {
		h, err := c.Start(context.Background(), Options{
			Credential: &credential.Credential{OAuthToken: "oauth-token"},
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, "oauth-token", rt.Last().Options.Credential.OAuthToken)
		require.NoError(t, h.Stop(context.Background(), StopOptions{}))
	})
}

func TestController_StartOpenFailure(t *testing.T) {
	rt := runtimetest.New()
	rt.OpenErr = errors.New("spawn failed")
	c := newTestController(t, rt)

	_, err := c.Start(context.Background(), Options{}, nil)
	var remote *RemoteStreamError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "open", remote.Op)
	assert.Equal(t, PhaseIdle, c.Snapshot().Phase)
}

func TestController_StartResolvesModelAlias(t *testing.T) {
	rt := runtimetest.New()
	c := newTestController(t, rt)

	h, err := c.Start(context.Background(), Options{MaxThinkingTokens: 2048, WorkingDir: "/tmp"}, nil)
	require.NoError(t, err)
	defer h.Stop(context.Background(), StopOptions{})

	opts := rt.Last().Options
	assert.Equal(t, "claude-sonnet-test", opts.Model)
	assert.Equal(t, 2048, opts.MaxThinkingTokens)
	assert.Equal(t, "/tmp", opts.WorkingDir)
	assert.Equal(t, "sk-ant-test", opts.Credential.APIKey)
	assert.Equal(t, "sonnet", c.Snapshot().ModelPreference)
}

func TestController_EndToEndEventOrder(t *testing.T) {
	rt := runtimetest.New()
	rt.Responder = func(msg messagequeue.Message) []stream.Frame {
		return runtimetest.Frames(
			map[string]interface{}{"type": "system", "subtype": "init", "session_id": "abc"},
			map[string]interface{}{"type": "stream_event", "event": map[string]interface{}{
				"type": "content_block_start", "index": 1,
				"content_block": map[string]interface{}{"type": "tool_use", "id": "t1", "name": "Read", "input": map[string]interface{}{}},
			}},
			map[string]interface{}{"type": "stream_event", "event": map[string]interface{}{
				"type": "content_block_delta", "index": 1,
				"delta": map[string]interface{}{"type": "input_json_delta", "partial_json": `{"path":`},
			}},
			map[string]interface{}{"type": "stream_event", "event": map[string]interface{}{
				"type": "content_block_stop", "index": 1,
			}},
			map[string]interface{}{"type": "result", "subtype": "success", "result": "done", "num_turns": 1},
		)
	}
	c := newTestController(t, rt)
	rec := &recorder{}
	ctx := context.Background()

	h, err := c.Start(ctx, Options{}, rec.sink)
	require.NoError(t, err)
	require.NoError(t, h.SendText(ctx, "read the file"))

	require.Eventually(t, func() bool {
		return rec.Count(stream.KindMessageComplete) == 1
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, []stream.EventKind{
		stream.KindSessionInit,
		stream.KindToolUseStart,
		stream.KindToolInputDelta,
		stream.KindContentBlockStop,
		stream.KindMessageComplete,
	}, rec.Kinds())

	events := rec.Events()
	assert.Equal(t, stream.SessionInit{SessionID: "abc", Resumed: false}, events[0])
	assert.Equal(t, "t1", events[1].(stream.ToolUseStart).ID)
	assert.Equal(t, "t1", events[2].(stream.ToolInputDelta).ToolID)
	assert.Equal(t, "t1", events[3].(stream.ContentBlockStop).ToolID)
	assert.Equal(t, "done", events[4].(stream.MessageComplete).Result)

	assert.Equal(t, "abc", h.SessionID())
	assert.Equal(t, "abc", c.SessionID())
	assert.Equal(t, "read the file", rt.Last().Inputs()[0].Text)

	require.NoError(t, h.Stop(ctx, StopOptions{}))
	_, known := c.demux.ToolID(1)
	assert.False(t, known, "correlation table cleared after result")
	assert.Equal(t, "abc", c.Snapshot().LastSessionID)
}

func TestController_InitOnlyOnce(t *testing.T) {
	rt := runtimetest.New()
	c := newTestController(t, rt)
	rec := &recorder{}

	h, err := c.Start(context.Background(), Options{}, rec.sink)
	require.NoError(t, err)

	rt.Last().Push(runtimetest.Frames(
		map[string]interface{}{"type": "system", "subtype": "init", "session_id": "first"},
		map[string]interface{}{"type": "system", "subtype": "init", "session_id": "second"},
		map[string]interface{}{"type": "system", "subtype": "status"},
		map[string]interface{}{"type": "unknown_frame"},
	)...)
	rt.Last().Finish(nil)

	<-h.Done()
	assert.Equal(t, []stream.EventKind{stream.KindSessionInit}, rec.Kinds())
	assert.Equal(t, "first", c.Snapshot().LastSessionID)
}

func TestController_InterruptWithoutSession(t *testing.T) {
	c := newTestController(t, runtimetest.New())

	ok, err := c.Interrupt(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestController_InterruptDedupe(t *testing.T) {
	release := make(chan struct{})
	rt := runtimetest.New()
	rt.Configure = func(s *runtimetest.Stream) {
		s.InterruptFunc = func(ctx context.Context) error {
			<-release
			return nil
		}
	}
	c := newTestController(t, rt)
	rec := &recorder{}
	ctx := context.Background()

	h, err := c.Start(ctx, Options{}, rec.sink)
	require.NoError(t, err)

	type result struct {
		ok  bool
		err error
	}
	first := make(chan result, 1)
	go func() {
		ok, err := h.Interrupt(ctx)
		first <- result{ok, err}
	}()

	require.Eventually(t, func() bool {
		return rt.Last().Interrupts() == 1
	}, waitFor, time.Millisecond)

	ok, err := h.Interrupt(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	close(release)
	r := <-first
	require.NoError(t, r.err)
	assert.True(t, r.ok)

	assert.Equal(t, 1, rt.Last().Interrupts())
	assert.Equal(t, 1, rec.Count(stream.KindMessageStopped))
	assert.True(t, h.IsActive())

	require.NoError(t, h.Stop(ctx, StopOptions{}))
}

func TestController_InterruptFailure(t *testing.T) {
	rt := runtimetest.New()
	rt.Configure = func(s *runtimetest.Stream) {
		s.InterruptFunc = func(ctx context.Context) error {
			return errors.New("control channel closed")
		}
	}
	c := newTestController(t, rt)
	rec := &recorder{}
	ctx := context.Background()

	h, err := c.Start(ctx, Options{}, rec.sink)
	require.NoError(t, err)
	defer h.Stop(ctx, StopOptions{})

	ok, err := h.Interrupt(ctx)
	assert.False(t, ok)
	var remote *RemoteStreamError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "interrupt", remote.Op)
	assert.Zero(t, rec.Count(stream.KindMessageStopped))

	_, _ = h.Interrupt(ctx)
	assert.Equal(t, 2, rt.Last().Interrupts(), "failed interrupt does not latch")
}

func TestController_SetModel(t *testing.T) {
	t.Run("idle records preference only", func(t *testing.T) {
		rt := runtimetest.New()
		c := newTestController(t, rt)

		require.NoError(t, c.SetModel(context.Background(), "opus"))
		assert.Equal(t, "opus", c.Snapshot().ModelPreference)

		h, err := c.Start(context.Background(), Options{}, nil)
		require.NoError(t, err)
		defer h.Stop(context.Background(), StopOptions{})
		assert.Equal(t, "claude-opus-test", rt.Last().Options.Model)
	})

	t.Run("active switches remote model", func(t *testing.T) {
		rt := runtimetest.New()
		c := newTestController(t, rt)

		h, err := c.Start(context.Background(), Options{}, nil)
		require.NoError(t, err)
		defer h.Stop(context.Background(), StopOptions{})

		require.NoError(t, h.SetModel(context.Background(), "sonnet"))
		assert.Empty(t, rt.Last().Models(), "unchanged preference is a no-op")

		require.NoError(t, h.SetModel(context.Background(), "opus"))
		assert.Equal(t, []string{"claude-opus-test"}, rt.Last().Models())
		assert.Equal(t, "opus", c.Snapshot().ModelPreference)

		require.NoError(t, h.SetModel(context.Background(), "claude-custom-1"))
		assert.Equal(t, []string{"claude-opus-test", "claude-custom-1"}, rt.Last().Models())
	})

	t.Run("failure rolls back", func(t *testing.T) {
		rt := runtimetest.New()
		rt.Configure = func(s *runtimetest.Stream) {
			s.SetModelFunc = func(ctx context.Context, model string) error {
				return errors.New("unknown model")
			}
		}
		c := newTestController(t, rt)

		h, err := c.Start(context.Background(), Options{}, nil)
		require.NoError(t, err)
		defer h.Stop(context.Background(), StopOptions{})

		err = h.SetModel(context.Background(), "opus")
		var remote *RemoteStreamError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "set_model", remote.Op)
		assert.Equal(t, "sonnet", c.Snapshot().ModelPreference)
	})
}

func TestController_SendMessageRequiresActiveSession(t *testing.T) {
	c := newTestController(t, runtimetest.New())

	err := c.SendText(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestController_SendMessageUnblocksOnStop(t *testing.T) {
	rt := runtimetest.New()
	c := newTestController(t, rt)
	ctx := context.Background()

	h, err := c.Start(ctx, Options{}, nil)
	require.NoError(t, err)

	sent := make(chan error, 1)
	go func() {
		sent <- h.SendText(ctx, "never delivered")
	}()

	require.Eventually(t, func() bool {
		return c.queue.Len() == 1
	}, waitFor, time.Millisecond)

	require.NoError(t, h.Stop(ctx, StopOptions{}))

	select {
	case err := <-sent:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("SendMessage still blocked after Stop")
	}
	assert.Zero(t, c.queue.Len())
}

func TestController_SendMessageHonoursContext(t *testing.T) {
	c := newTestController(t, runtimetest.New())

	h, err := c.Start(context.Background(), Options{}, nil)
	require.NoError(t, err)
	defer h.Stop(context.Background(), StopOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = h.SendText(ctx, "nobody is reading")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestController_StaleHandle(t *testing.T) {
	rt := runtimetest.New()
	c := newTestController(t, rt)
	ctx := context.Background()

	old, err := c.Start(ctx, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, old.Stop(ctx, StopOptions{}))

	current, err := c.Start(ctx, Options{}, nil)
	require.NoError(t, err)

	assert.False(t, old.IsActive())
	assert.ErrorIs(t, old.SendText(ctx, "late"), ErrNotActive)
	ok, err := old.Interrupt(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, old.Stop(ctx, StopOptions{}))
	assert.Empty(t, old.SessionID())

	assert.True(t, current.IsActive(), "stale stop leaves the new session alone")
	assert.Zero(t, rt.Last().Interrupts())

	require.NoError(t, current.Stop(ctx, StopOptions{}))
}

func TestController_StreamFailureEmitsOneError(t *testing.T) {
	rt := runtimetest.New()
	c := newTestController(t, rt)
	rec := &recorder{}

	h, err := c.Start(context.Background(), Options{}, rec.sink)
	require.NoError(t, err)

	rt.Last().Push(runtimetest.TextTurn("partial")...)
	rt.Last().Finish(errors.New("connection reset"))

	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("driver loop did not exit")
	}

	assert.Equal(t, 1, rec.Count(stream.KindError))
	kinds := rec.Kinds()
	assert.Equal(t, stream.KindError, kinds[len(kinds)-1])
	assert.Contains(t, rec.Events()[len(kinds)-1].(stream.Error).Message, "connection reset")

	assert.Equal(t, PhaseIdle, c.Snapshot().Phase)
	assert.False(t, h.IsActive())
	assert.True(t, rt.Last().Closed())
}

func TestController_StreamExhaustionReturnsToIdle(t *testing.T) {
	rt := runtimetest.New()
	c := newTestController(t, rt)
	rec := &recorder{}

	h, err := c.Start(context.Background(), Options{}, rec.sink)
	require.NoError(t, err)

	rt.Last().Push(runtimetest.TextTurn("hello")...)
	rt.Last().Finish(nil)
	<-h.Done()

	assert.Zero(t, rec.Count(stream.KindError))
	assert.Equal(t, []stream.EventKind{
		stream.KindTextChunk,
		stream.KindContentBlockStop,
		stream.KindMessageComplete,
	}, rec.Kinds())
	assert.False(t, c.IsActive())
}

func TestController_StopIsSilent(t *testing.T) {
	rt := runtimetest.New()
	c := newTestController(t, rt)
	rec := &recorder{}

	h, err := c.Start(context.Background(), Options{}, rec.sink)
	require.NoError(t, err)
	require.NoError(t, h.Stop(context.Background(), StopOptions{}))

	assert.Zero(t, rec.Count(stream.KindError), "cancellation is not an error")
	assert.Nil(t, c.Done())
}

func TestController_StopWithoutSession(t *testing.T) {
	c := newTestController(t, runtimetest.New())
	require.NoError(t, c.Stop(context.Background(), StopOptions{}))
	assert.Equal(t, PhaseIdle, c.Snapshot().Phase)
}

func TestController_Resume(t *testing.T) {
	rt := runtimetest.New()
	c := newTestController(t, rt)
	rec := &recorder{}
	ctx := context.Background()

	h, err := c.Start(ctx, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, h.Stop(ctx, StopOptions{ResumeSessionID: "abc"}))
	assert.Equal(t, "abc", c.Snapshot().ResumeSessionID)

	h, err = c.Start(ctx, Options{}, rec.sink)
	require.NoError(t, err)
	assert.Equal(t, "abc", rt.Last().Options.Resume)
	assert.True(t, c.Snapshot().Resumed)

	rt.Last().Push(runtimetest.Frames(
		map[string]interface{}{"type": "system", "subtype": "init", "session_id": "abc"},
	)...)
	require.Eventually(t, func() bool {
		return rec.Count(stream.KindSessionInit) == 1
	}, waitFor, time.Millisecond)
	assert.Equal(t, stream.SessionInit{SessionID: "abc", Resumed: true}, rec.Events()[0])
	require.NoError(t, h.Stop(ctx, StopOptions{}))

	_, err = c.Start(ctx, Options{}, nil)
	require.NoError(t, err)
	assert.Empty(t, rt.Last().Options.Resume, "resume id is consumed")
	require.NoError(t, c.Stop(ctx, StopOptions{}))
}

func TestController_DebugLinesBecomeEvents(t *testing.T) {
	rt := runtimetest.New()
	c := newTestController(t, rt)
	rec := &recorder{}

	h, err := c.Start(context.Background(), Options{}, rec.sink)
	require.NoError(t, err)
	defer h.Stop(context.Background(), StopOptions{})

	rt.Last().Options.Debug("spawned claude pid=42")
	assert.Equal(t, []stream.Event{stream.DebugMessage{Text: "spawned claude pid=42"}}, rec.Events())
}

func TestController_SinkPanicBecomesError(t *testing.T) {
	rt := runtimetest.New()
	c := newTestController(t, rt)
	rec := &recorder{}

	var once sync.Once
	sink := func(ev stream.Event) {
		once.Do(func() { panic("sink exploded") })
		rec.sink(ev)
	}

	h, err := c.Start(context.Background(), Options{}, sink)
	require.NoError(t, err)
	rt.Last().Push(runtimetest.TextTurn("boom")...)

	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("driver loop did not exit after panic")
	}

	require.Equal(t, []stream.EventKind{stream.KindError}, rec.Kinds())
	assert.Contains(t, rec.Events()[0].(stream.Error).Message, "sink exploded")
	assert.Equal(t, PhaseIdle, c.Snapshot().Phase)
}

func textDelta(text string) stream.Frame {
	return stream.MustFrame(map[string]interface{}{"type": "stream_event", "event": map[string]interface{}{
		"type": "content_block_delta", "index": 0, "delta": map[string]interface{}{"type": "text_delta", "text": text},
	}})
}

func TestController_SessionEndDiscardsQueuedMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"exhausted", nil},
		{"failed", errors.New("connection reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := runtimetest.New()
			c := newTestController(t, rt)
			ctx := context.Background()

			first, err := c.Start(ctx, Options{}, nil)
			require.NoError(t, err)

			sent := make(chan error, 1)
			go func() {
				sent <- first.SendText(ctx, "for the first session")
			}()
			require.Eventually(t, func() bool {
				return c.queue.Len() == 1
			}, waitFor, time.Millisecond)

			rt.Last().Finish(tt.err)
			select {
			case <-first.Done():
			case <-time.After(waitFor):
				t.Fatal("driver loop did not exit")
			}

			select {
			case err := <-sent:
				assert.NoError(t, err)
			case <-time.After(waitFor):
				t.Fatal("SendMessage still blocked after its session ended")
			}
			assert.Zero(t, c.queue.Len())

			rt.Responder = func(msg messagequeue.Message) []stream.Frame {
				return runtimetest.TextTurn("ok")
			}
			second, err := c.Start(ctx, Options{}, nil)
			require.NoError(t, err)
			require.NoError(t, second.SendText(ctx, "for the second session"))

			require.Eventually(t, func() bool {
				return len(rt.Last().Inputs()) == 1
			}, waitFor, time.Millisecond)
			assert.Equal(t, "for the second session", rt.Last().Inputs()[0].Text)

			require.NoError(t, second.Stop(ctx, StopOptions{}))
		})
	}
}

func TestController_StopDropsBufferedFrames(t *testing.T) {
	rt := runtimetest.New()
	c := newTestController(t, rt)
	ctx := context.Background()
	rec := &recorder{}

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sink := func(ev stream.Event) {
		rec.sink(ev)
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	h, err := c.Start(ctx, Options{}, sink)
	require.NoError(t, err)
	rt.Last().Push(textDelta("one"), textDelta("two"), textDelta("three"), textDelta("four"))

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("no event delivered")
	}

	stopped := make(chan error, 1)
	go func() {
		stopped <- h.Stop(ctx, StopOptions{})
	}()
	require.Eventually(t, func() bool {
		return c.Snapshot().Phase == PhaseTerminating
	}, waitFor, time.Millisecond)
	close(release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Stop did not return")
	}

	assert.Equal(t, []stream.Event{stream.TextChunk{Text: "one"}}, rec.Events())
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.Events(), 1, "no events after Stop returns")
}

// blockingOpen makes Open wait until proceed is closed, signalling opening first.
func blockingOpen(rt *runtimetest.Runtime) (opening, proceed chan struct{}) {
	opening = make(chan struct{})
	proceed = make(chan struct{})
	rt.Configure = func(*runtimetest.Stream) {
		close(opening)
		<-proceed
	}
	return opening, proceed
}

type startResult struct {
	handle *Handle
	err    error
}

func TestController_StartingIsObservable(t *testing.T) {
	rt := runtimetest.New()
	opening, proceed := blockingOpen(rt)
	c := newTestController(t, rt)
	ctx := context.Background()

	started := make(chan startResult, 1)
	go func() {
		h, err := c.Start(ctx, Options{}, nil)
		started <- startResult{h, err}
	}()

	select {
	case <-opening:
	case <-time.After(waitFor):
		t.Fatal("Open not called")
	}

	assert.Equal(t, PhaseStarting, c.Snapshot().Phase)
	assert.False(t, c.IsActive())
	ok, err := c.Interrupt(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, c.SendText(ctx, "too early"), ErrNotActive)
	_, err = c.Start(ctx, Options{}, nil)
	assert.ErrorIs(t, err, ErrInvalidState)
	require.NoError(t, c.SetModel(ctx, "opus"))

	close(proceed)
	res := <-started
	require.NoError(t, res.err)
	assert.True(t, res.handle.IsActive())
	assert.Equal(t, "claude-sonnet-test", rt.Last().Options.Model)
	assert.Equal(t, []string{"claude-opus-test"}, rt.Last().Models(), "preference changed while starting is applied")
	assert.Equal(t, "opus", c.Snapshot().ModelPreference)

	require.NoError(t, res.handle.Stop(ctx, StopOptions{}))
}

func TestController_StopWhileStarting(t *testing.T) {
	rt := runtimetest.New()
	opening, proceed := blockingOpen(rt)
	c := newTestController(t, rt)
	ctx := context.Background()

	started := make(chan startResult, 1)
	go func() {
		h, err := c.Start(ctx, Options{}, nil)
		started <- startResult{h, err}
	}()
	<-opening

	stopped := make(chan error, 1)
	go func() {
		stopped <- c.Stop(ctx, StopOptions{})
	}()
	require.Eventually(t, func() bool {
		return c.Snapshot().Phase == PhaseTerminating
	}, waitFor, time.Millisecond)

	close(proceed)

	res := <-started
	assert.ErrorIs(t, res.err, ErrInvalidState)
	assert.Nil(t, res.handle)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Stop did not return")
	}

	assert.Equal(t, PhaseIdle, c.Snapshot().Phase)
	assert.Nil(t, c.Done())
	assert.True(t, rt.Last().Closed())
}
