package stream

import "encoding/json"

// EventKind discriminates Event values.
type EventKind string

const (
	KindTextChunk          EventKind = "text_chunk"
	KindThinkingStart      EventKind = "thinking_start"
	KindThinkingChunk      EventKind = "thinking_chunk"
	KindToolUseStart       EventKind = "tool_use_start"
	KindToolInputDelta     EventKind = "tool_input_delta"
	KindContentBlockStop   EventKind = "content_block_stop"
	KindToolResultStart    EventKind = "tool_result_start"
	KindToolResultComplete EventKind = "tool_result_complete"
	KindSessionInit        EventKind = "session_init"
	KindMessageComplete    EventKind = "message_complete"
	KindMessageStopped     EventKind = "message_stopped"
	KindError              EventKind = "error"
	KindDebugMessage       EventKind = "debug_message"
)

// Event is an immutable semantic event reconstructed from the frame stream.
type Event interface {
	Kind() EventKind
}

// Sink receives events in stream order.
type Sink func(Event)

type TextChunk struct {
	Text string `json:"text"`
}

type ThinkingStart struct {
	Index int `json:"index"`
}

type ThinkingChunk struct {
	Index int    `json:"index"`
	Delta string `json:"delta"`
}

// ToolUseStart opens a tool invocation block. StreamIndex is the content block
// slot later deltas refer to.
type ToolUseStart struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input,omitempty"`
	StreamIndex int             `json:"stream_index"`
}

// ToolInputDelta carries a fragment of a tool's JSON input. ToolID is empty
// when no tool_use block was opened at Index during this turn.
type ToolInputDelta struct {
	Index  int    `json:"index"`
	ToolID string `json:"tool_id"`
	Delta  string `json:"delta"`
}

type ContentBlockStop struct {
	Index  int    `json:"index"`
	ToolID string `json:"tool_id,omitempty"`
}

type ToolResultStart struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

// ToolResultComplete is emitted for final tool results bundled in whole
// messages. IsError is nil when the block did not say.
type ToolResultComplete struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   *bool  `json:"is_error,omitempty"`
}

type SessionInit struct {
	SessionID string `json:"session_id"`
	Resumed   bool   `json:"resumed"`
}

// Usage is the token accounting reported with a result frame.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// MessageComplete ends a turn. The summary fields are copied from the result
// frame when present.
type MessageComplete struct {
	Subtype      string  `json:"subtype,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	Result       string  `json:"result,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	Usage        Usage   `json:"usage"`
}

type MessageStopped struct{}

type Error struct {
	Message string `json:"message"`
}

type DebugMessage struct {
	Text string `json:"text"`
}

func (TextChunk) Kind() EventKind          { return KindTextChunk }
func (ThinkingStart) Kind() EventKind      { return KindThinkingStart }
func (ThinkingChunk) Kind() EventKind      { return KindThinkingChunk }
func (ToolUseStart) Kind() EventKind       { return KindToolUseStart }
func (ToolInputDelta) Kind() EventKind     { return KindToolInputDelta }
func (ContentBlockStop) Kind() EventKind   { return KindContentBlockStop }
func (ToolResultStart) Kind() EventKind    { return KindToolResultStart }
func (ToolResultComplete) Kind() EventKind { return KindToolResultComplete }
func (SessionInit) Kind() EventKind        { return KindSessionInit }
func (MessageComplete) Kind() EventKind    { return KindMessageComplete }
func (MessageStopped) Kind() EventKind     { return KindMessageStopped }
func (Error) Kind() EventKind              { return KindError }
func (DebugMessage) Kind() EventKind       { return KindDebugMessage }

// ResultSummary builds a MessageComplete from a result frame.
func ResultSummary(f Frame) MessageComplete {
	return MessageComplete{
		Subtype:      f.Subtype,
		IsError:      f.Get("is_error").Bool(),
		Result:       f.Get("result").String(),
		DurationMS:   f.Get("duration_ms").Int(),
		NumTurns:     int(f.Get("num_turns").Int()),
		TotalCostUSD: f.Get("total_cost_usd").Float(),
		Usage: Usage{
			InputTokens:  f.Get("usage.input_tokens").Int(),
			OutputTokens: f.Get("usage.output_tokens").Int(),
		},
	}
}
