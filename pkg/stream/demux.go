package stream

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Partial-message event types inside a stream_event frame.
const (
	eventBlockStart = "content_block_start"
	eventBlockDelta = "content_block_delta"
	eventBlockStop  = "content_block_stop"
)

// Content block and delta sub-types.
const (
	blockToolUse    = "tool_use"
	blockThinking   = "thinking"
	blockToolResult = "tool_result"

	deltaText      = "text_delta"
	deltaThinking  = "thinking_delta"
	deltaInputJSON = "input_json_delta"
)

// Demux turns frames into events and owns the per-turn correlation table.
// It is not safe for concurrent use; the driver loop is its only caller.
type Demux struct {
	tools map[int]string
}

// NewDemux creates a Demux with an empty correlation table.
func NewDemux() *Demux {
	return &Demux{tools: make(map[int]string)}
}

// Reset clears the correlation table at a turn boundary.
func (d *Demux) Reset() {
	clear(d.tools)
}

// ToolID returns the tool id recorded for a block index in this turn.
func (d *Demux) ToolID(index int) (string, bool) {
	id, ok := d.tools[index]
	return id, ok
}

// HandleStreamEvent decodes a stream_event frame.
func (d *Demux) HandleStreamEvent(f Frame) []Event {
	ev := f.Get("event")
	if !ev.IsObject() {
		return nil
	}

	index := ev.Get("index")

	switch ev.Get("type").String() {
	case eventBlockStart:
		return d.blockStart(index, ev.Get("content_block"))

	case eventBlockDelta:
		return d.blockDelta(index, ev.Get("delta"))

	case eventBlockStop:
		if !index.Exists() {
			return nil
		}
		idx := int(index.Int())
		return []Event{ContentBlockStop{Index: idx, ToolID: d.tools[idx]}}
	}

	return nil
}

func (d *Demux) blockStart(index, block gjson.Result) []Event {
	if !block.IsObject() {
		return nil
	}

	blockType := block.Get("type").String()
	switch {
	case blockType == blockToolUse:
		if !index.Exists() {
			return nil
		}
		idx := int(index.Int())
		id := block.Get("id").String()
		d.tools[idx] = id

		var input json.RawMessage
		if raw := block.Get("input"); raw.Exists() {
			input = json.RawMessage(raw.Raw)
		}
		return []Event{ToolUseStart{
			ID:          id,
			Name:        block.Get("name").String(),
			Input:       input,
			StreamIndex: idx,
		}}

	case blockType == blockThinking:
		if !index.Exists() {
			return nil
		}
		return []Event{ThinkingStart{Index: int(index.Int())}}

	case isToolResultType(blockType):
		toolUseID := block.Get("tool_use_id").String()
		if toolUseID == "" {
			return nil
		}
		content := startContent(block.Get("content"))
		if content == "" {
			return nil
		}
		return []Event{ToolResultStart{
			ToolUseID: toolUseID,
			Content:   content,
			IsError:   block.Get("is_error").Bool(),
		}}
	}

	return nil
}

func (d *Demux) blockDelta(index, delta gjson.Result) []Event {
	if !delta.IsObject() {
		return nil
	}

	switch delta.Get("type").String() {
	case deltaText:
		return []Event{TextChunk{Text: delta.Get("text").String()}}

	case deltaThinking:
		if !index.Exists() {
			return nil
		}
		return []Event{ThinkingChunk{Index: int(index.Int()), Delta: delta.Get("thinking").String()}}

	case deltaInputJSON:
		if !index.Exists() {
			return nil
		}
		idx := int(index.Int())
		return []Event{ToolInputDelta{
			Index:  idx,
			ToolID: d.tools[idx],
			Delta:  delta.Get("partial_json").String(),
		}}
	}

	return nil
}

// HandleMessage decodes the tool results bundled in a whole assistant or user message frame.
func (d *Demux) HandleMessage(f Frame) []Event {
	content := f.Get("message.content")
	if !content.IsArray() {
		return nil
	}

	var events []Event
	content.ForEach(func(_, block gjson.Result) bool {
		if !isToolResultType(block.Get("type").String()) {
			return true
		}

		toolUseID := block.Get("tool_use_id").String()
		if toolUseID == "" {
			return true
		}

		result := ToolResultComplete{
			ToolUseID: toolUseID,
			Content:   NormalizeContent(block.Get("content")),
		}
		if isErr := block.Get("is_error"); isErr.IsBool() {
			v := isErr.Bool()
			result.IsError = &v
		}
		events = append(events, result)
		return true
	})

	return events
}

// NormalizeContent flattens tool result content into a single string. Strings
// pass through, arrays join the text of each element (JSON for non-text
// elements) with newlines, objects become JSON and other scalars their literal text.
func NormalizeContent(content gjson.Result) string {
	switch {
	case !content.Exists() || content.Type == gjson.Null:
		return ""
	case content.Type == gjson.String:
		return content.Str
	case content.IsArray():
		parts := make([]string, 0)
		content.ForEach(func(_, el gjson.Result) bool {
			if text := el.Get("text"); el.IsObject() && text.Type == gjson.String {
				parts = append(parts, text.Str)
			} else if el.Type == gjson.String {
				parts = append(parts, el.Str)
			} else {
				parts = append(parts, el.Raw)
			}
			return true
		})
		return strings.Join(parts, "\n")
	case content.IsObject():
		return content.Raw
	default:
		return content.Raw
	}
}

func startContent(content gjson.Result) string {
	switch {
	case !content.Exists() || content.Type == gjson.Null:
		return ""
	case content.Type == gjson.String:
		return content.Str
	default:
		return content.Raw
	}
}

func isToolResultType(blockType string) bool {
	return blockType == blockToolResult || strings.HasSuffix(blockType, "_"+blockToolResult)
}
