package convert

import "testing"

func TestModelForMapsBySubstring(t *testing.T) {
	cases := map[string]string{
		"claude-3-5-sonnet-20241022": "claude-sonnet-4.5",
		"claude-3-opus-20240229":     "claude-opus-4.5",
		"claude-3-haiku-20240307":    "claude-haiku-4.5",
	}
	for in, want := range cases {
		got, err := ModelFor(in)
		if err != nil {
			t.Fatalf("ModelFor(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ModelFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestModelForRejectsUnknown(t *testing.T) {
	if _, err := ModelFor("gpt-4"); err == nil {
		t.Fatal("expected error for unsupported model")
	}
}

func TestConversationIDExtractsSessionUUID(t *testing.T) {
	uid := "user_" + "a" + "_account__session_11111111-1111-1111-1111-111111111111"
	got := ConversationID(uid)
	if got != "11111111-1111-1111-1111-111111111111" {
		t.Errorf("got %q", got)
	}
}

func TestConversationIDGeneratesFreshWhenAbsent(t *testing.T) {
	got := ConversationID("no-session-here")
	if len(got) != 36 {
		t.Errorf("expected a generated UUID, got %q", got)
	}
}

func TestConvertBasicRequest(t *testing.T) {
	req := Request{
		"model": "claude-3-5-sonnet-20241022",
		"system": "be helpful",
		"messages": []any{
			map[string]any{"role": "user", "content": "hello"},
		},
	}
	res, err := Convert(req)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if res.Model != "claude-sonnet-4.5" {
		t.Errorf("model = %q", res.Model)
	}
	if len(res.State.History) != 1 {
		t.Fatalf("expected one synthetic system entry in history, got %d", len(res.State.History))
	}
	if res.State.CurrentMessage == nil || res.State.CurrentMessage.Content != "hello" {
		t.Fatalf("unexpected current message: %+v", res.State.CurrentMessage)
	}
}

func TestConvertMergesConsecutiveUserMessages(t *testing.T) {
	req := Request{
		"model": "claude-3-5-sonnet-20241022",
		"messages": []any{
			map[string]any{"role": "user", "content": "first"},
			map[string]any{"role": "user", "content": "second"},
			map[string]any{"role": "assistant", "content": "reply"},
			map[string]any{"role": "user", "content": "third"},
		},
	}
	res, err := Convert(req)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(res.State.History) != 1 {
		t.Fatalf("expected one merged history turn, got %d", len(res.State.History))
	}
	if res.State.History[0].User.Content != "first\nsecond" {
		t.Errorf("merged content = %q", res.State.History[0].User.Content)
	}
}

func TestConvertAssistantLastMessageGoesToHistory(t *testing.T) {
	req := Request{
		"model": "claude-3-5-sonnet-20241022",
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": "hello there"},
		},
	}
	res, err := Convert(req)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if res.State.CurrentMessage != nil {
		t.Fatalf("expected nil current message when last message is assistant")
	}
	if len(res.State.History) != 1 {
		t.Fatalf("expected one history turn, got %d", len(res.State.History))
	}
}

func TestRepairToolPairingDropsOrphans(t *testing.T) {
	entries := []HistoryEntry{
		{
			User: UserMessage{Content: "do it"},
			Assistant: AssistantMessage{
				Content: " ",
				ToolUses: []ToolUseEntry{
					{ToolUseID: "tu_1", Name: "Bash", Input: map[string]any{}},
				},
			},
		},
	}
	current := &UserMessage{
		ToolResults: []ToolResultEntry{
			{ToolUseID: "tu_nonexistent", Content: "oops"},
		},
	}
	repairToolPairing(entries, current)

	if len(current.ToolResults) != 0 {
		t.Errorf("expected orphan tool_result dropped, got %v", current.ToolResults)
	}
	if len(entries[0].Assistant.ToolUses) != 0 {
		t.Errorf("expected unmatched tool_use stripped from history, got %v", entries[0].Assistant.ToolUses)
	}
}

func TestDetectTruncationEmptyInput(t *testing.T) {
	if got := DetectTruncation("Write", []byte("{}")); got != TruncationEmptyInput {
		t.Errorf("got %v", got)
	}
}

func TestDetectTruncationMissingFields(t *testing.T) {
	if got := DetectTruncation("write", []byte(`{"path":"a.go"}`)); got != TruncationMissingFields {
		t.Errorf("got %v", got)
	}
}

func TestDetectTruncationNoneWhenComplete(t *testing.T) {
	raw := []byte(`{"file_path":"a.go","content":"package main\n\nfunc main() {}\n"}`)
	if got := DetectTruncation("write", raw); got != TruncationNone {
		t.Errorf("got %v", got)
	}
}

func TestIsWarmupDetectsTitlePrompt(t *testing.T) {
	req := Request{"system": "Please write a 5-10 word title for this conversation"}
	if !IsWarmup(req) {
		t.Error("expected warmup detection")
	}
}
