package compress

import (
	"fmt"
	"strings"

	"github.com/yansir/kiro-relay/internal/convert"
)

// toolResultPass applies smart head/tail truncation to every tool_result
// text fragment, in both history and the current message, over the
// configured character budget.
func toolResultPass(state *convert.ConversationState, opts Options) int {
	saved := 0
	for i := range state.History {
		for j := range state.History[i].User.ToolResults {
			tr := &state.History[i].User.ToolResults[j]
			before := len(tr.Content)
			tr.Content = smartTruncate(tr.Content, opts.ToolResultMax, opts.ToolResultHeadLines, opts.ToolResultTailLines)
			saved += before - len(tr.Content)
		}
	}
	if state.CurrentMessage != nil {
		for j := range state.CurrentMessage.ToolResults {
			tr := &state.CurrentMessage.ToolResults[j]
			before := len(tr.Content)
			tr.Content = smartTruncate(tr.Content, opts.ToolResultMax, opts.ToolResultHeadLines, opts.ToolResultTailLines)
			saved += before - len(tr.Content)
		}
	}
	return saved
}

// smartTruncate keeps headLines from the top and tailLines from the
// bottom, with a synthetic marker line in between, falling back to a
// char-budget split when the content has too few lines to honor both
// halves. The final result is hard-truncated to max to guarantee the bound.
func smartTruncate(content string, max, headLines, tailLines int) string {
	if len(content) <= max {
		return content
	}

	lines := splitLines(content)
	if len(lines) >= headLines+tailLines+1 {
		omitted := len(lines) - headLines - tailLines
		omittedChars := 0
		for _, l := range lines[headLines : len(lines)-tailLines] {
			omittedChars += len(l) + 1
		}
		marker := fmt.Sprintf("... [%d lines omitted (%d chars)] ...", omitted, omittedChars)

		out := make([]string, 0, headLines+tailLines+1)
		out = append(out, lines[:headLines]...)
		out = append(out, marker)
		out = append(out, lines[len(lines)-tailLines:]...)
		result := joinLines(out)
		return hardTruncate(result, max)
	}

	half := max / 2
	headEnd := half
	if headEnd > len(content) {
		headEnd = len(content)
	}
	tailStart := len(content) - half
	if tailStart < headEnd {
		tailStart = headEnd
	}
	omittedChars := tailStart - headEnd
	marker := fmt.Sprintf("... [%d chars omitted] ...", omittedChars)
	result := content[:headEnd] + "\n" + marker + "\n" + content[tailStart:]
	return hardTruncate(result, max)
}

func hardTruncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimRight(s[:max], "\n")
}
