package cli

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jasonkneen/claudesky/pkg/agent"
	"github.com/jasonkneen/claudesky/pkg/credential"
	"github.com/jasonkneen/claudesky/pkg/messagequeue"
	"github.com/jasonkneen/claudesky/pkg/runtime/runtimetest"
	"github.com/jasonkneen/claudesky/pkg/stream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is written by the driver loop and read by the test
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newChatController(t *testing.T, rt *runtimetest.Runtime) *agent.Controller {
	t.Helper()
	controller, err := agent.NewController(agent.Config{
		Runtime:      rt,
		Credentials:  credential.Static{APIKey: "sk-ant-test"},
		Logger:       zerolog.Nop(),
		DefaultModel: "sonnet",
		ModelAliases: map[string]string{"opus": "claude-opus-test", "sonnet": "claude-sonnet-test"},
	})
	require.NoError(t, err)
	return controller
}

func echoRuntime() *runtimetest.Runtime {
	rt := runtimetest.New()
	rt.Responder = func(msg messagequeue.Message) []stream.Frame {
		return runtimetest.TextTurn("echo: " + msg.Text)
	}
	return rt
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		name string
		arg  string
	}{
		{"/quit", "/quit", ""},
		{"/model opus", "/model", "opus"},
		{"/MODEL  claude-opus-4-1 ", "/model", "claude-opus-4-1"},
		{"/", "/", ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			name, arg := parseCommand(tt.line)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.arg, arg)
		})
	}
}

func TestREPL_Conversation(t *testing.T) {
	rt := echoRuntime()
	controller := newChatController(t, rt)

	input := strings.Join([]string{
		"hello",
		"/model opus",
		"/status",
		"again",
		"/stop",
		"/stop",
		"after stop",
		"/bogus",
		"/quit",
		"never sent",
	}, "\n") + "\n"

	out := &syncBuffer{}
	r := newREPL(controller, agent.Options{WorkingDir: "/srv/project"}, strings.NewReader(input), out, false)
	require.NoError(t, r.Run(context.Background()))

	text := out.String()
	assert.Contains(t, text, "echo: hello")
	assert.Contains(t, text, "echo: again")
	assert.Contains(t, text, "echo: after stop")
	assert.NotContains(t, text, "never sent")
	assert.Contains(t, text, "model: opus (claude-opus-test)")
	assert.Contains(t, text, "phase: processing")
	assert.Contains(t, text, "session stopped")
	assert.Contains(t, text, "no active session")
	assert.Contains(t, text, "unknown command /bogus")

	opened := rt.Opened()
	require.Len(t, opened, 2, "a new session starts after /stop")
	assert.Equal(t, "claude-sonnet-test", opened[0].Model)
	assert.Equal(t, "/srv/project", opened[0].WorkingDir)
	assert.Equal(t, "claude-opus-test", opened[1].Model)

	assert.False(t, controller.IsActive(), "quit stops the session")
}

func TestREPL_EOFStopsSession(t *testing.T) {
	controller := newChatController(t, echoRuntime())
	out := &syncBuffer{}

	r := newREPL(controller, agent.Options{}, strings.NewReader("hi\n"), out, false)
	require.NoError(t, r.Run(context.Background()))

	assert.Contains(t, out.String(), "echo: hi")
	assert.False(t, controller.IsActive())
}

func TestREPL_InterruptWhileWaiting(t *testing.T) {
	rt := runtimetest.New()
	rt.Responder = func(messagequeue.Message) []stream.Frame { return nil }
	controller := newChatController(t, rt)

	interrupts := make(chan struct{}, 1)
	out := &syncBuffer{}
	r := newREPL(controller, agent.Options{}, strings.NewReader("think forever\n/quit\n"), out, false)
	r.interrupts = interrupts

	result := make(chan error, 1)
	go func() { result <- r.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		last := rt.Last()
		return last != nil && len(last.Inputs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	interrupts <- struct{}{}

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("repl did not return after interrupt")
	}

	assert.Equal(t, 1, rt.Last().Interrupts())
	assert.Contains(t, out.String(), "[interrupted]")
}

func TestREPL_StartFailure(t *testing.T) {
	controller, err := agent.NewController(agent.Config{
		Runtime:     echoRuntime(),
		Credentials: credential.Static{},
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	out := &syncBuffer{}
	r := newREPL(controller, agent.Options{}, strings.NewReader("hello\n"), out, false)
	require.NoError(t, r.Run(context.Background()))

	assert.Contains(t, out.String(), "error:")
	assert.NotContains(t, out.String(), "echo: hello")
}
