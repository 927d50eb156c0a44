package convert

import (
	"encoding/json"
	"fmt"
)

// UpstreamEventType enumerates the event kinds the Kiro stream iterator
// yields; the converter repackages them into Anthropic SSE events.
type UpstreamEventType string

const (
	EventTextDelta        UpstreamEventType = "text-delta"
	EventToolUseStart     UpstreamEventType = "tool-use-start"
	EventToolUseInputDelta UpstreamEventType = "tool-use-input-delta"
	EventToolUseStop      UpstreamEventType = "tool-use-stop"
	EventMessageStop      UpstreamEventType = "message-stop"
)

// UpstreamEvent is one item from the upstream stream iterator.
type UpstreamEvent struct {
	Type      UpstreamEventType
	Text      string
	ToolUseID string
	ToolName  string
	InputJSON []byte
	StopReason string
}

// ResponseBuilder accumulates upstream events and emits Anthropic-shaped
// SSE frames (streaming path) or a single JSON body (non-streaming path).
type ResponseBuilder struct {
	model        string
	messageID    string
	blockIndex   int
	blockOpen    bool
	blockType    string // "text" or "tool_use"
	toolUseID    string
	toolRaw      []byte
	inputTokens  int
	outputTokens int

	// aggregation for the non-streaming path
	textContent  string
	toolUses     []ToolUseEntry
	stopReason   string
}

func NewResponseBuilder(model, messageID string, inputTokens int) *ResponseBuilder {
	return &ResponseBuilder{model: model, messageID: messageID, inputTokens: inputTokens, blockIndex: -1}
}

// sseFrame renders one named SSE event.
func sseFrame(event string, data any) string {
	b, _ := json.Marshal(data)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, b)
}

// MessageStart returns the opening SSE frame for the streaming path.
func (b *ResponseBuilder) MessageStart() string {
	return sseFrame("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            b.messageID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         b.model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": b.inputTokens, "output_tokens": 0},
		},
	})
}

// Apply folds one upstream event into the builder, returning the SSE
// frames it produces (empty for events that only update internal state).
func (b *ResponseBuilder) Apply(ev UpstreamEvent) []string {
	switch ev.Type {
	case EventTextDelta:
		return b.applyTextDelta(ev.Text)
	case EventToolUseStart:
		return b.applyToolUseStart(ev.ToolUseID, ev.ToolName)
	case EventToolUseInputDelta:
		b.toolRaw = append(b.toolRaw, ev.InputJSON...)
		return []string{sseFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": b.blockIndex,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": string(ev.InputJSON)},
		})}
	case EventToolUseStop:
		return b.applyToolUseStop()
	case EventMessageStop:
		return b.applyMessageStop(ev.StopReason)
	}
	return nil
}

func (b *ResponseBuilder) applyTextDelta(text string) []string {
	var frames []string
	if !b.blockOpen || b.blockType != "text" {
		frames = append(frames, b.closeBlock()...)
		b.blockIndex++
		b.blockOpen = true
		b.blockType = "text"
		frames = append(frames, sseFrame("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         b.blockIndex,
			"content_block": map[string]any{"type": "text", "text": ""},
		}))
	}
	b.textContent += text
	frames = append(frames, sseFrame("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": b.blockIndex,
		"delta": map[string]any{"type": "text_delta", "text": text},
	}))
	return frames
}

func (b *ResponseBuilder) applyToolUseStart(toolUseID, name string) []string {
	frames := b.closeBlock()
	b.blockIndex++
	b.blockOpen = true
	b.blockType = "tool_use"
	b.toolUseID = toolUseID
	b.toolRaw = nil
	frames = append(frames, sseFrame("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": b.blockIndex,
		"content_block": map[string]any{
			"type":  "tool_use",
			"id":    toolUseID,
			"name":  name,
			"input": map[string]any{},
		},
	}))
	b.toolUses = append(b.toolUses, ToolUseEntry{ToolUseID: toolUseID, Name: name, Input: map[string]any{}})
	return frames
}

func (b *ResponseBuilder) applyToolUseStop() []string {
	if b.blockType == "tool_use" && len(b.toolUses) > 0 {
		var input map[string]any
		if json.Unmarshal(b.toolRaw, &input) == nil {
			b.toolUses[len(b.toolUses)-1].Input = input
		}
	}
	return b.closeBlock()
}

func (b *ResponseBuilder) closeBlock() []string {
	if !b.blockOpen {
		return nil
	}
	b.blockOpen = false
	return []string{sseFrame("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": b.blockIndex,
	})}
}

func (b *ResponseBuilder) applyMessageStop(stopReason string) []string {
	frames := b.closeBlock()
	b.stopReason = stopReason
	frames = append(frames, sseFrame("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]any{"output_tokens": b.outputTokens},
	}))
	frames = append(frames, sseFrame("message_stop", map[string]any{"type": "message_stop"}))
	return frames
}

// SetOutputTokens records the observed output token count for final usage
// reporting (populated from the upstream usage snapshot, when available).
func (b *ResponseBuilder) SetOutputTokens(n int) { b.outputTokens = n }

// JSON renders the complete non-streaming Anthropic response body after all
// events have been applied.
func (b *ResponseBuilder) JSON() []byte {
	content := make([]any, 0, 2)
	if b.textContent != "" {
		content = append(content, map[string]any{"type": "text", "text": b.textContent})
	}
	for _, tu := range b.toolUses {
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tu.ToolUseID,
			"name":  tu.Name,
			"input": tu.Input,
		})
	}

	body := map[string]any{
		"id":            b.messageID,
		"type":          "message",
		"role":          "assistant",
		"content":       content,
		"model":         b.model,
		"stop_reason":   b.stopReason,
		"stop_sequence": nil,
		"usage":         map[string]any{"input_tokens": b.inputTokens, "output_tokens": b.outputTokens},
	}
	out, _ := json.Marshal(body)
	return out
}
