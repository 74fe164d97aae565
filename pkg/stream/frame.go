package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Top-level frame types.
const (
	FrameStreamEvent     = "stream_event"
	FrameAssistant       = "assistant"
	FrameUser            = "user"
	FrameResult          = "result"
	FrameSystem          = "system"
	FrameControlRequest  = "control_request"
	FrameControlResponse = "control_response"
)

// SubtypeInit is the system frame subtype announcing a session.
const SubtypeInit = "init"

// ErrMalformedFrame is returned when a frame is not a JSON object with a type tag.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one discrete unit of the remote protocol.
type Frame struct {
	Type    string
	Subtype string
	Raw     json.RawMessage
}

// ParseFrame decodes the type tag of a raw frame, keeping the payload for lazy access.
func ParseFrame(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return Frame{}, fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return Frame{}, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}

	typ := root.Get("type")
	if typ.Type != gjson.String || typ.Str == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)

	return Frame{
		Type:    typ.Str,
		Subtype: root.Get("subtype").String(),
		Raw:     raw,
	}, nil
}

// NewFrame marshals v and parses it as a frame.
func NewFrame(v interface{}) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal frame: %w", err)
	}
	return ParseFrame(data)
}

// MustFrame is NewFrame for literals known to be valid.
func MustFrame(v interface{}) Frame {
	f, err := NewFrame(v)
	if err != nil {
		panic(err)
	}
	return f
}

// Get returns the value at a gjson path inside the frame.
func (f Frame) Get(path string) gjson.Result {
	return gjson.GetBytes(f.Raw, path)
}

// SessionID returns the frame's session_id field, if any.
func (f Frame) SessionID() string {
	return f.Get("session_id").String()
}
