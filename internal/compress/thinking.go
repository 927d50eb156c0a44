package compress

import (
	"strings"

	"github.com/yansir/kiro-relay/internal/convert"
)

const truncatedSuffix = "...[truncated]"

// thinkingPass truncates or discards <thinking>...</thinking> wrappers in
// history assistant messages, per the configured strategy. The current
// message is never touched — only prior turns, which is where the bulk of
// replayed thinking tokens accumulate across a long session.
func thinkingPass(state *convert.ConversationState, opts Options) int {
	saved := 0
	for i := range state.History {
		content := state.History[i].Assistant.Content
		if !strings.Contains(content, "<thinking>") {
			continue
		}
		before := len(content)
		switch opts.ThinkingStrategy {
		case "discard":
			content = stripThinkingBlocks(content)
		case "truncate":
			content = truncateThinkingBlocks(content, opts.ThinkingMaxChars)
		}
		saved += before - len(content)
		state.History[i].Assistant.Content = content
	}
	return saved
}

func stripThinkingBlocks(s string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "<thinking>")
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s, "</thinking>")
		if end < 0 || end < start {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:start])
		s = s[end+len("</thinking>"):]
	}
	return b.String()
}

func truncateThinkingBlocks(s string, maxChars int) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "<thinking>")
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s, "</thinking>")
		if end < 0 || end < start {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:start])
		inner := s[start+len("<thinking>") : end]
		if len(inner) > maxChars {
			inner = inner[:maxChars] + truncatedSuffix
		}
		b.WriteString("<thinking>")
		b.WriteString(inner)
		b.WriteString("</thinking>")
		s = s[end+len("</thinking>"):]
	}
	return b.String()
}
