package compress

import (
	"fmt"

	"github.com/yansir/kiro-relay/internal/convert"
)

// toolInputPass walks each tool-use input in history and truncates any
// string value longer than the configured max, appending a byte-count
// marker — but only when the marked form is strictly shorter than the
// original, avoiding expansion on borderline-length strings.
func toolInputPass(state *convert.ConversationState, opts Options) int {
	saved := 0
	for i := range state.History {
		for j := range state.History[i].Assistant.ToolUses {
			input := state.History[i].Assistant.ToolUses[j].Input
			saved += truncateStringsInMap(input, opts.ToolInputMax)
		}
	}
	return saved
}

func truncateStringsInMap(m map[string]any, max int) int {
	saved := 0
	for k, v := range m {
		switch val := v.(type) {
		case string:
			truncated, diff := truncateIfLonger(val, max)
			if diff > 0 {
				m[k] = truncated
				saved += diff
			}
		case map[string]any:
			saved += truncateStringsInMap(val, max)
		case []any:
			for i, item := range val {
				if nested, ok := item.(map[string]any); ok {
					saved += truncateStringsInMap(nested, max)
				} else if s, ok := item.(string); ok {
					truncated, diff := truncateIfLonger(s, max)
					if diff > 0 {
						val[i] = truncated
						saved += diff
					}
				}
			}
		}
	}
	return saved
}

func truncateIfLonger(s string, max int) (string, int) {
	if len(s) <= max {
		return s, 0
	}
	marker := fmt.Sprintf("...[truncated %d chars]", len(s)-max)
	candidate := s[:max] + marker
	if len(candidate) >= len(s) {
		return s, 0
	}
	return candidate, len(s) - len(candidate)
}
