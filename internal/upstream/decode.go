package upstream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/yansir/kiro-relay/internal/convert"
)

// kiroFrame is one decoded event-stream frame's JSON payload. The actual
// upstream framing is a length-prefixed AWS event-stream envelope; this
// reader does not decode that envelope. It scans the body as
// newline-delimited JSON objects and skips any line that does not parse.
type kiroFrame struct {
	Content    string         `json:"content"`
	ToolUseID  string         `json:"toolUseId"`
	Name       string         `json:"name"`
	Input      map[string]any `json:"input"`
	InputDelta string         `json:"inputDelta"`
	Stop       string         `json:"stop"`
	Kind       string         `json:"type"`
}

// DecodeEvents reads a Kiro response body and yields the sequence of
// UpstreamEvent values it produces, calling emit for each.
func DecodeEvents(body io.Reader, emit func(convert.UpstreamEvent)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var openToolUse bool

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var f kiroFrame
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			continue
		}

		switch {
		case f.Kind == "messageStop" || f.Stop != "":
			if openToolUse {
				emit(convert.UpstreamEvent{Type: convert.EventToolUseStop})
				openToolUse = false
			}
			reason := f.Stop
			if reason == "" {
				reason = "end_turn"
			}
			emit(convert.UpstreamEvent{Type: convert.EventMessageStop, StopReason: reason})

		case f.ToolUseID != "" && f.Name != "" && !openToolUse:
			openToolUse = true
			emit(convert.UpstreamEvent{Type: convert.EventToolUseStart, ToolUseID: f.ToolUseID, ToolName: f.Name})
			if f.InputDelta != "" {
				emit(convert.UpstreamEvent{Type: convert.EventToolUseInputDelta, InputJSON: []byte(f.InputDelta)})
			}

		case openToolUse && f.InputDelta != "":
			emit(convert.UpstreamEvent{Type: convert.EventToolUseInputDelta, InputJSON: []byte(f.InputDelta)})

		case openToolUse && f.Kind == "toolUseStop":
			emit(convert.UpstreamEvent{Type: convert.EventToolUseStop})
			openToolUse = false

		case f.Content != "":
			emit(convert.UpstreamEvent{Type: convert.EventTextDelta, Text: f.Content})
		}
	}

	if openToolUse {
		emit(convert.UpstreamEvent{Type: convert.EventToolUseStop})
	}
	return scanner.Err()
}
