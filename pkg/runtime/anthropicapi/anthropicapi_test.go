package anthropicapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jasonkneen/claudesky/pkg/credential"
	"github.com/jasonkneen/claudesky/pkg/messagequeue"
	"github.com/jasonkneen/claudesky/pkg/runtime"
	"github.com/jasonkneen/claudesky/pkg/stream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

var helloEvents = []string{
	`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":5,"output_tokens":1}}}`,
	`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
	`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" there"}}`,
	`{"type":"content_block_stop","index":0}`,
	`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":3}}`,
	`{"type":"message_stop"}`,
}

type capturedRequest struct {
	header http.Header
	body   []byte
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []capturedRequest
	// block, when set, stalls every response after the first event until the client goes away.
	block bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, capturedRequest{header: r.Header.Clone(), body: body})
	block := f.block
	f.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)

	for i, data := range helloEvents {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", gjson.Get(data, "type").String(), data)
		flusher.Flush()
		if block && i == 0 {
			<-r.Context().Done()
			return
		}
	}
}

func (f *fakeAPI) Requests() []capturedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capturedRequest(nil), f.requests...)
}

type chanInput chan messagequeue.Message

func (c chanInput) Next(ctx context.Context) (messagequeue.Message, bool) {
	select {
	case msg := <-c:
		return msg, true
	case <-ctx.Done():
		return messagequeue.Message{}, false
	}
}

func nextFrame(t *testing.T, s runtime.Stream) stream.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f, err := s.Next(ctx)
	require.NoError(t, err)
	return f
}

func newTestRuntime(t *testing.T, api *fakeAPI) *Runtime {
	t.Helper()
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	return New(Config{BaseURL: server.URL, MaxRetries: 1, Logger: zerolog.Nop()})
}

func TestRuntime_TranslatesStream(t *testing.T) {
	api := &fakeAPI{}
	rt := newTestRuntime(t, api)
	input := make(chanInput, 1)

	s, err := rt.Open(context.Background(), runtime.OpenOptions{
		Model:             "claude-test",
		MaxThinkingTokens: 2048,
		Credential:        credential.Credential{APIKey: "sk-ant-test"},
	}, input)
	require.NoError(t, err)
	defer s.Close()

	initFrame := nextFrame(t, s)
	assert.Equal(t, stream.FrameSystem, initFrame.Type)
	assert.Equal(t, stream.SubtypeInit, initFrame.Subtype)
	sessionID := initFrame.SessionID()
	assert.NotEmpty(t, sessionID)

	input <- messagequeue.Message{Text: "hi"}

	for _, want := range helloEvents {
		f := nextFrame(t, s)
		require.Equal(t, stream.FrameStreamEvent, f.Type)
		assert.JSONEq(t, want, f.Get("event").Raw)
	}

	assistant := nextFrame(t, s)
	assert.Equal(t, stream.FrameAssistant, assistant.Type)
	assert.Equal(t, "Hello there", assistant.Get("message.content.0.text").String())

	result := nextFrame(t, s)
	assert.Equal(t, stream.FrameResult, result.Type)
	summary := stream.ResultSummary(result)
	assert.Equal(t, "success", summary.Subtype)
	assert.False(t, summary.IsError)
	assert.Equal(t, "Hello there", summary.Result)
	assert.Equal(t, 1, summary.NumTurns)

	requests := api.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "sk-ant-test", requests[0].header.Get("X-Api-Key"))
	body := gjson.ParseBytes(requests[0].body)
	assert.Equal(t, "claude-test", body.Get("model").String())
	assert.True(t, body.Get("stream").Bool())
	assert.Equal(t, "enabled", body.Get("thinking.type").String())
	assert.EqualValues(t, 2048, body.Get("thinking.budget_tokens").Int())
	assert.Greater(t, body.Get("max_tokens").Int(), int64(2048))
	assert.Equal(t, "hi", body.Get("messages.0.content.0.text").String())

	history := rt.History(sessionID)
	require.Len(t, history, 2)
}

func TestRuntime_SetModelAppliesToNextTurn(t *testing.T) {
	api := &fakeAPI{}
	rt := newTestRuntime(t, api)
	input := make(chanInput, 1)

	s, err := rt.Open(context.Background(), runtime.OpenOptions{
		Model:      "claude-first",
		Credential: credential.Credential{OAuthToken: "oauth-token"},
	}, input)
	require.NoError(t, err)
	defer s.Close()
	_ = nextFrame(t, s)

	require.NoError(t, s.SetModel(context.Background(), "claude-second"))
	require.Error(t, s.SetModel(context.Background(), " "))

	input <- messagequeue.Message{Text: "one"}
	for {
		if nextFrame(t, s).Type == stream.FrameResult {
			break
		}
	}
	input <- messagequeue.Message{Text: "two"}
	for {
		if nextFrame(t, s).Type == stream.FrameResult {
			break
		}
	}

	requests := api.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, "claude-second", gjson.GetBytes(requests[0].body, "model").String())
	assert.Equal(t, "Bearer oauth-token", requests[0].header.Get("Authorization"))
	assert.Contains(t, requests[0].header.Get("Anthropic-Beta"), oauthBeta)
	assert.False(t, gjson.GetBytes(requests[0].body, "thinking").Exists(), "thinking disabled below minimum budget")

	second := gjson.ParseBytes(requests[1].body)
	assert.Len(t, second.Get("messages").Array(), 3, "history carries the first turn")
	assert.Equal(t, "two", second.Get("messages.2.content.0.text").String())
}

func TestRuntime_Interrupt(t *testing.T) {
	api := &fakeAPI{block: true}
	rt := newTestRuntime(t, api)
	input := make(chanInput, 1)

	s, err := rt.Open(context.Background(), runtime.OpenOptions{
		Model:      "claude-test",
		Credential: credential.Credential{APIKey: "sk-ant-test"},
	}, input)
	require.NoError(t, err)
	defer s.Close()
	_ = nextFrame(t, s)

	require.NoError(t, s.Interrupt(context.Background()), "interrupt between turns is a no-op")

	input <- messagequeue.Message{Text: "long task"}
	first := nextFrame(t, s)
	assert.Equal(t, "message_start", first.Get("event.type").String())

	require.NoError(t, s.Interrupt(context.Background()))

	result := nextFrame(t, s)
	require.Equal(t, stream.FrameResult, result.Type)
	assert.Equal(t, subtypeInterrupted, result.Subtype)
	assert.False(t, result.Get("is_error").Bool())
}

func TestRuntime_ResumeRestoresHistory(t *testing.T) {
	api := &fakeAPI{}
	rt := newTestRuntime(t, api)
	opts := runtime.OpenOptions{
		Model:      "claude-test",
		Credential: credential.Credential{APIKey: "sk-ant-test"},
	}

	input := make(chanInput, 1)
	s, err := rt.Open(context.Background(), opts, input)
	require.NoError(t, err)
	sessionID := nextFrame(t, s).SessionID()
	input <- messagequeue.Message{Text: "remember me"}
	for nextFrame(t, s).Type != stream.FrameResult {
	}
	require.NoError(t, s.Close())

	opts.Resume = sessionID
	input = make(chanInput, 1)
	s, err = rt.Open(context.Background(), opts, input)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, sessionID, nextFrame(t, s).SessionID())

	input <- messagequeue.Message{Text: "again"}
	for nextFrame(t, s).Type != stream.FrameResult {
	}

	requests := api.Requests()
	require.Len(t, requests, 2)
	msgs := gjson.GetBytes(requests[1].body, "messages").Array()
	require.Len(t, msgs, 3)
	assert.Equal(t, "remember me", msgs[0].Get("content.0.text").String())
}

func TestRuntime_OpenValidation(t *testing.T) {
	rt := New(Config{Logger: zerolog.Nop()})

	_, err := rt.Open(context.Background(), runtime.OpenOptions{Credential: credential.Credential{APIKey: "k"}}, make(chanInput))
	assert.Error(t, err, "model required")

	_, err = rt.Open(context.Background(), runtime.OpenOptions{Model: "claude-test"}, make(chanInput))
	assert.Error(t, err, "credential required")
}

func TestUserContent_Images(t *testing.T) {
	blocks := userContent(messagequeue.Message{
		Text:   "describe",
		Images: []messagequeue.Image{{MediaType: "image/png", Data: "aGVsbG8="}},
	})
	require.Len(t, blocks, 2)

	data, err := json.Marshal(blocks)
	require.NoError(t, err)
	parsed := gjson.ParseBytes(data)
	assert.Equal(t, "image", parsed.Get("0.type").String())
	assert.Equal(t, "image/png", parsed.Get("0.source.media_type").String())
	assert.Equal(t, "text", parsed.Get("1.type").String())
}

func TestRegistered(t *testing.T) {
	rt, err := runtime.New(Name, runtime.Settings{BaseURL: "http://localhost", MaxTokens: 1024})
	require.NoError(t, err)
	assert.Equal(t, Name, rt.Name())
}
