package convert

import "strings"

// IsWarmup reports whether a request is a trivial warmup/title/topic-check
// ping that doesn't need to reach upstream at all.
func IsWarmup(req Request) bool {
	if messages, ok := req["messages"].([]any); ok && len(messages) == 1 {
		if m, ok := messages[0].(map[string]any); ok {
			if content, ok := m["content"].(string); ok && content == "Warmup" {
				return true
			}
			if content, ok := m["content"].([]any); ok && len(content) == 1 {
				if block, ok := content[0].(map[string]any); ok {
					if text, ok := block["text"].(string); ok && text == "Warmup" {
						return true
					}
				}
			}
		}
	}

	sys := extractSystemText(req["system"])
	if strings.Contains(sys, "Please write a 5-10 word title") {
		return true
	}
	if strings.Contains(sys, "nalyze if this message indicates a new conversation topic") {
		return true
	}
	return false
}

// WarmupEvents returns the synthetic upstream-shaped events for a warmup
// reply, so the same ResponseBuilder path used for real requests can render
// them without a special case downstream.
func WarmupEvents() []UpstreamEvent {
	return []UpstreamEvent{
		{Type: EventTextDelta, Text: "OK"},
		{Type: EventMessageStop, StopReason: "end_turn"},
	}
}
