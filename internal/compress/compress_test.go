package compress

import (
	"strings"
	"testing"

	"github.com/yansir/kiro-relay/internal/convert"
)

func TestNormalizeWhitespaceCollapsesBlankRuns(t *testing.T) {
	in := "a  \nb\n\n\n\n\nc"
	got := normalizeWhitespace(in)
	if got != "a\nb\n\n\nc" {
		t.Errorf("expected blank runs collapsed to two blank lines, got %q", got)
	}
}

func TestThinkingPassTruncatesLongBlocks(t *testing.T) {
	long := strings.Repeat("x", 1000)
	state := &convert.ConversationState{
		History: []convert.HistoryEntry{
			{Assistant: convert.AssistantMessage{Content: "<thinking>" + long + "</thinking>done"}},
		},
	}
	saved := thinkingPass(state, Options{ThinkingStrategy: "truncate", ThinkingMaxChars: 500})
	if saved <= 0 {
		t.Fatal("expected bytes saved")
	}
	if !strings.Contains(state.History[0].Assistant.Content, truncatedSuffix) {
		t.Error("expected truncation marker")
	}
	if !strings.HasSuffix(state.History[0].Assistant.Content, "done") {
		t.Error("expected trailing text preserved")
	}
}

func TestSmartTruncateBoundsResultAndMarksOmission(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "line"
	}
	content := strings.Join(lines, "\n")
	got := smartTruncate(content, 50, 5, 5)
	if len(got) > 50 {
		t.Errorf("result exceeds max: %d bytes", len(got))
	}
	if !strings.Contains(got, "omitted") {
		t.Error("expected omission marker")
	}
}

func TestTruncateIfLongerNoopWithinMax(t *testing.T) {
	s := "short"
	got, diff := truncateIfLonger(s, 100)
	if diff != 0 || got != s {
		t.Errorf("expected no-op for short string, got %q diff=%d", got, diff)
	}
}

func TestHistoryPassPreservesSystemPair(t *testing.T) {
	state := &convert.ConversationState{}
	state.History = append(state.History, convert.HistoryEntry{User: convert.UserMessage{Content: "system"}})
	for i := 0; i < 10; i++ {
		state.History = append(state.History, convert.HistoryEntry{User: convert.UserMessage{Content: "turn"}})
	}
	historyPass(state, Options{HistoryMaxTurns: 3})
	if len(state.History) != 4 {
		t.Fatalf("expected system pair + 3 turns = 4 entries, got %d", len(state.History))
	}
	if state.History[0].User.Content != "system" {
		t.Error("expected system pair preserved first")
	}
}

func TestCompressToolDefsSkipsWhenUnderTrigger(t *testing.T) {
	defs := []convert.ToolDefinition{{Name: "a", Description: "short", InputSchema: map[string]any{"type": "object"}}}
	res := CompressToolDefs(defs, 1_000_000, 50)
	if res.Triggered {
		t.Error("expected no-op under trigger size")
	}
}
