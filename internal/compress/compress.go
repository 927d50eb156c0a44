// Package compress implements the pre-dispatch compaction pipeline applied
// to a converted conversation state before it is sent upstream: whitespace
// normalization, thinking-block truncation, tool-result smart truncation,
// tool-use input truncation, and last-resort history pruning. Each pass is
// independently gated by config and reports the bytes it saved.
package compress

import (
	"github.com/yansir/kiro-relay/internal/config"
	"github.com/yansir/kiro-relay/internal/convert"
)

// PassResult records one pass's effect.
type PassResult struct {
	Name       string
	BytesSaved int
}

// Summary is the pipeline's overall report.
type Summary struct {
	Passes     []PassResult
	TotalSaved int
}

// Options controls which passes run, threaded from config.
type Options struct {
	Whitespace        bool
	ThinkingStrategy   string // "keep", "truncate", "discard"
	ThinkingMaxChars   int
	ToolResultMax      int
	ToolResultHeadLines int
	ToolResultTailLines int
	ToolInputMax       int
	HistoryMaxTurns    int
	HistoryMaxChars    int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Whitespace:          true,
		ThinkingStrategy:    "truncate",
		ThinkingMaxChars:    500,
		ToolResultMax:       cfg.ToolResultHardCap,
		ToolResultHeadLines: cfg.ToolResultHeadLines,
		ToolResultTailLines: cfg.ToolResultTailLines,
		ToolInputMax:        2000,
		HistoryMaxTurns:     50,
		HistoryMaxChars:     0,
	}
}

// Run executes the ordered low-risk → high-risk pass sequence over a
// conversation state in place, returning a summary of savings. The single-
// space placeholder body is never touched by any pass.
func Run(state *convert.ConversationState, opts Options) Summary {
	var summary Summary

	record := func(name string, saved int) {
		summary.Passes = append(summary.Passes, PassResult{Name: name, BytesSaved: saved})
		summary.TotalSaved += saved
	}

	if opts.Whitespace {
		record("whitespace", whitespacePass(state))
	}
	if opts.ThinkingStrategy != "keep" {
		record("thinking", thinkingPass(state, opts))
	}
	if opts.ToolResultMax > 0 {
		record("tool_result", toolResultPass(state, opts))
	}
	if opts.ToolInputMax > 0 {
		record("tool_input", toolInputPass(state, opts))
	}
	if opts.HistoryMaxTurns > 0 || opts.HistoryMaxChars > 0 {
		record("history", historyPass(state, opts))
	}

	return summary
}

func isPlaceholder(s string) bool { return s == " " }

func whitespacePass(state *convert.ConversationState) int {
	saved := 0
	clean := func(s string) string {
		if isPlaceholder(s) {
			return s
		}
		before := len(s)
		out := normalizeWhitespace(s)
		saved += before - len(out)
		return out
	}

	for i := range state.History {
		state.History[i].User.Content = clean(state.History[i].User.Content)
		state.History[i].Assistant.Content = clean(state.History[i].Assistant.Content)
		for j := range state.History[i].User.ToolResults {
			state.History[i].User.ToolResults[j].Content = clean(state.History[i].User.ToolResults[j].Content)
		}
	}
	if state.CurrentMessage != nil {
		state.CurrentMessage.Content = clean(state.CurrentMessage.Content)
		for j := range state.CurrentMessage.ToolResults {
			state.CurrentMessage.ToolResults[j].Content = clean(state.CurrentMessage.ToolResults[j].Content)
		}
	}
	return saved
}

// normalizeWhitespace trims each line's trailing whitespace and collapses
// runs of 3+ blank lines down to at most 2.
func normalizeWhitespace(s string) string {
	lines := splitLines(s)
	trimmed := make([]string, 0, len(lines))
	blankRun := 0
	for _, line := range lines {
		t := trimRight(line)
		if t == "" {
			blankRun++
			if blankRun > 2 {
				continue
			}
		} else {
			blankRun = 0
		}
		trimmed = append(trimmed, t)
	}
	return joinLines(trimmed)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}

func joinLines(lines []string) string {
	out := make([]byte, 0, len(lines)*16)
	for i, l := range lines {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, l...)
	}
	return string(out)
}

func trimRight(s string) string {
	end := len(s)
	for end > 0 && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\r') {
		end--
	}
	return s[:end]
}
