package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func streamEvent(t *testing.T, event map[string]interface{}) Frame {
	t.Helper()
	f, err := NewFrame(map[string]interface{}{
		"type":  FrameStreamEvent,
		"event": event,
	})
	require.NoError(t, err)
	return f
}

func TestDemux_ToolInputDeltaCorrelatesByIndex(t *testing.T) {
	d := NewDemux()

	events := d.HandleStreamEvent(streamEvent(t, map[string]interface{}{
		"type":  "content_block_start",
		"index": 2,
		"content_block": map[string]interface{}{
			"type":  "tool_use",
			"id":    "t1",
			"name":  "Read",
			"input": map[string]interface{}{},
		},
	}))
	require.Len(t, events, 1)
	start, ok := events[0].(ToolUseStart)
	require.True(t, ok)
	assert.Equal(t, "t1", start.ID)
	assert.Equal(t, "Read", start.Name)
	assert.Equal(t, 2, start.StreamIndex)
	assert.JSONEq(t, `{}`, string(start.Input))

	events = d.HandleStreamEvent(streamEvent(t, map[string]interface{}{
		"type":  "content_block_delta",
		"index": 2,
		"delta": map[string]interface{}{"type": "input_json_delta", "partial_json": `{"a":`},
	}))
	require.Len(t, events, 1)
	assert.Equal(t, ToolInputDelta{Index: 2, ToolID: "t1", Delta: `{"a":`}, events[0])

	events = d.HandleStreamEvent(streamEvent(t, map[string]interface{}{
		"type":  "content_block_stop",
		"index": 2,
	}))
	assert.Equal(t, []Event{ContentBlockStop{Index: 2, ToolID: "t1"}}, events)
}

func TestDemux_UnknownIndexYieldsEmptyToolID(t *testing.T) {
	d := NewDemux()

	var events []Event
	assert.NotPanics(t, func() {
		events = d.HandleStreamEvent(streamEvent(t, map[string]interface{}{
			"type":  "content_block_delta",
			"index": 5,
			"delta": map[string]interface{}{"type": "input_json_delta", "partial_json": "{}"},
		}))
	})
	assert.Equal(t, []Event{ToolInputDelta{Index: 5, ToolID: "", Delta: "{}"}}, events)
}

func TestDemux_ResetClearsCorrelation(t *testing.T) {
	d := NewDemux()
	d.HandleStreamEvent(streamEvent(t, map[string]interface{}{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]interface{}{"type": "tool_use", "id": "t9", "name": "Bash"},
	}))

	_, ok := d.ToolID(0)
	require.True(t, ok)

	d.Reset()

	_, ok = d.ToolID(0)
	assert.False(t, ok)

	events := d.HandleStreamEvent(streamEvent(t, map[string]interface{}{"type": "content_block_stop", "index": 0}))
	assert.Equal(t, []Event{ContentBlockStop{Index: 0}}, events)
}

func TestDemux_ThinkingAndText(t *testing.T) {
	d := NewDemux()

	assert.Equal(t, []Event{ThinkingStart{Index: 0}}, d.HandleStreamEvent(streamEvent(t, map[string]interface{}{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]interface{}{"type": "thinking", "thinking": ""},
	})))

	assert.Equal(t, []Event{ThinkingChunk{Index: 0, Delta: "Let..."}}, d.HandleStreamEvent(streamEvent(t, map[string]interface{}{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]interface{}{"type": "thinking_delta", "thinking": "Let..."},
	})))

	assert.Empty(t, d.HandleStreamEvent(streamEvent(t, map[string]interface{}{
		"type":          "content_block_start",
		"index":         1,
		"content_block": map[string]interface{}{"type": "text", "text": ""},
	})))

	assert.Equal(t, []Event{TextChunk{Text: "Hi"}}, d.HandleStreamEvent(streamEvent(t, map[string]interface{}{
		"type":  "content_block_delta",
		"index": 1,
		"delta": map[string]interface{}{"type": "text_delta", "text": "Hi"},
	})))
}

func TestDemux_ToolResultStart(t *testing.T) {
	d := NewDemux()

	t.Run("string content", func(t *testing.T) {
		events := d.HandleStreamEvent(streamEvent(t, map[string]interface{}{
			"type":  "content_block_start",
			"index": 3,
			"content_block": map[string]interface{}{
				"type":        "web_search_tool_result",
				"tool_use_id": "srv1",
				"content":     "found",
			},
		}))
		assert.Equal(t, []Event{ToolResultStart{ToolUseID: "srv1", Content: "found"}}, events)
	})

	t.Run("structured content is serialized", func(t *testing.T) {
		events := d.HandleStreamEvent(streamEvent(t, map[string]interface{}{
			"type":  "content_block_start",
			"index": 4,
			"content_block": map[string]interface{}{
				"type":        "tool_result",
				"tool_use_id": "t2",
				"is_error":    true,
				"content":     []interface{}{map[string]interface{}{"type": "text", "text": "boom"}},
			},
		}))
		require.Len(t, events, 1)
		res := events[0].(ToolResultStart)
		assert.True(t, res.IsError)
		assert.JSONEq(t, `[{"type":"text","text":"boom"}]`, res.Content)
	})

	t.Run("empty content emits nothing", func(t *testing.T) {
		events := d.HandleStreamEvent(streamEvent(t, map[string]interface{}{
			"type":          "content_block_start",
			"index":         5,
			"content_block": map[string]interface{}{"type": "tool_result", "tool_use_id": "t3", "content": ""},
		}))
		assert.Empty(t, events)
	})

	t.Run("missing correlation id emits nothing", func(t *testing.T) {
		events := d.HandleStreamEvent(streamEvent(t, map[string]interface{}{
			"type":          "content_block_start",
			"index":         6,
			"content_block": map[string]interface{}{"type": "tool_result", "content": "x"},
		}))
		assert.Empty(t, events)
	})
}

func TestDemux_IgnoresUnknownAndMalformed(t *testing.T) {
	d := NewDemux()

	frames := []Frame{
		streamEvent(t, map[string]interface{}{"type": "message_start", "message": map[string]interface{}{}}),
		streamEvent(t, map[string]interface{}{"type": "content_block_delta", "index": 0, "delta": map[string]interface{}{"type": "signature_delta"}}),
		streamEvent(t, map[string]interface{}{"type": "content_block_start", "index": 0}),
		streamEvent(t, map[string]interface{}{"type": "content_block_stop"}),
		MustFrame(map[string]interface{}{"type": FrameStreamEvent, "event": "nope"}),
		MustFrame(map[string]interface{}{"type": FrameStreamEvent}),
	}

	for _, f := range frames {
		assert.NotPanics(t, func() {
			assert.Empty(t, d.HandleStreamEvent(f))
		})
	}
}

func TestDemux_HandleMessageToolResults(t *testing.T) {
	d := NewDemux()

	f := MustFrame(map[string]interface{}{
		"type": FrameAssistant,
		"message": map[string]interface{}{
			"role": "assistant",
			"content": []interface{}{
				map[string]interface{}{"type": "text", "text": "ignored"},
				map[string]interface{}{"type": "tool_result", "tool_use_id": "a", "content": "plain"},
				map[string]interface{}{
					"type":        "tool_result",
					"tool_use_id": "b",
					"is_error":    false,
					"content": []interface{}{
						map[string]interface{}{"type": "text", "text": "line one"},
						map[string]interface{}{"type": "image", "source": map[string]interface{}{"type": "base64"}},
						map[string]interface{}{"type": "text", "text": "line two"},
					},
				},
				map[string]interface{}{"type": "tool_result", "tool_use_id": "c", "content": map[string]interface{}{"ok": true}},
				map[string]interface{}{"type": "tool_result", "tool_use_id": "d", "content": 42},
				map[string]interface{}{"type": "tool_result", "content": "no id"},
			},
		},
	})

	events := d.HandleMessage(f)
	require.Len(t, events, 4)

	a := events[0].(ToolResultComplete)
	assert.Equal(t, "a", a.ToolUseID)
	assert.Equal(t, "plain", a.Content)
	assert.Nil(t, a.IsError)

	b := events[1].(ToolResultComplete)
	assert.Equal(t, "b", b.ToolUseID)
	assert.Equal(t, "line one\n{\"source\":{\"type\":\"base64\"},\"type\":\"image\"}\nline two", b.Content)
	require.NotNil(t, b.IsError)
	assert.False(t, *b.IsError)

	c := events[2].(ToolResultComplete)
	assert.JSONEq(t, `{"ok":true}`, c.Content)

	assert.Equal(t, "42", events[3].(ToolResultComplete).Content)
}

func TestDemux_HandleMessageWithoutContent(t *testing.T) {
	d := NewDemux()
	assert.Empty(t, d.HandleMessage(MustFrame(map[string]interface{}{"type": FrameAssistant})))
	assert.Empty(t, d.HandleMessage(MustFrame(map[string]interface{}{
		"type":    FrameAssistant,
		"message": map[string]interface{}{"content": "just text"},
	})))
}

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{"string", `"hello"`, "hello"},
		{"null", `null`, ""},
		{"bool", `true`, "true"},
		{"object", `{"k":"v"}`, `{"k":"v"}`},
		{"array of text", `[{"type":"text","text":"a"},{"type":"text","text":"b"}]`, "a\nb"},
		{"empty array", `[]`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeContent(gjson.Parse(tt.json)))
		})
	}
}
