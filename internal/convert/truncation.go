package convert

import (
	"encoding/json"
	"strings"
)

// TruncationKind classifies why a tool-use's raw input looks cut off
// mid-stream.
type TruncationKind string

const (
	TruncationNone           TruncationKind = "none"
	TruncationEmptyInput     TruncationKind = "empty_input"
	TruncationInvalidJSON    TruncationKind = "invalid_json"
	TruncationMissingFields  TruncationKind = "missing_fields"
	TruncationIncompleteStr  TruncationKind = "incomplete_string"
)

// requiredFieldsByTool lists the fields a known write-style tool needs for
// its call to be considered complete.
var requiredFieldsByTool = map[string][]string{
	"write":             {"file_path", "content"},
	"write_to_file":     {"path", "content"},
	"fswrite":           {"path", "content"},
	"create_file":       {"path", "content"},
	"edit_file":         {"path"},
	"apply_diff":        {"path", "diff"},
	"str_replace_editor": {"command", "path"},
	"bash":              {"command"},
}

// DetectTruncation inspects the raw accumulated JSON bytes for a tool-use
// input, as the stream closed it, and classifies whether the call appears
// to have been cut short.
func DetectTruncation(toolName string, raw []byte) TruncationKind {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "{}" {
		return TruncationEmptyInput
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		if looksLikeIncompleteString(trimmed) {
			return TruncationIncompleteStr
		}
		return TruncationInvalidJSON
	}

	fields, known := requiredFieldsByTool[strings.ToLower(toolName)]
	if known {
		for _, f := range fields {
			if _, ok := parsed[f]; !ok {
				return TruncationMissingFields
			}
		}
		if content, ok := parsed["content"].(string); ok {
			if suspiciouslyShort(content, len(raw)) || hasUnclosedCodeFence(content) {
				return TruncationIncompleteStr
			}
		}
	}

	return TruncationNone
}

func looksLikeIncompleteString(s string) bool {
	if !strings.HasPrefix(s, "{") {
		return true
	}
	quoteCount := 0
	escaped := false
	for _, r := range s {
		if escaped {
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		if r == '"' {
			quoteCount++
		}
	}
	return quoteCount%2 != 0
}

func suspiciouslyShort(content string, rawLen int) bool {
	return len(content) < 10 && rawLen > 200
}

func hasUnclosedCodeFence(content string) bool {
	return strings.Count(content, "```")%2 != 0
}

// chunkHint maps a truncation kind to the suggested retry chunk size (in
// characters) a coding-agent client should use for its next write attempt.
var chunkHint = map[TruncationKind]int{
	TruncationEmptyInput:    500,
	TruncationInvalidJSON:   1000,
	TruncationMissingFields: 1000,
	TruncationIncompleteStr: 2000,
}

// RetryGuidance builds the synthesized tool_result body instructing the
// client to retry the write in smaller chunks.
func RetryGuidance(kind TruncationKind) string {
	hint := chunkHint[kind]
	if hint == 0 {
		hint = 1000
	}
	return "TOOL_CALL_INCOMPLETE: the previous tool call appears to have been cut off mid-write. " +
		"Retry the same operation in smaller chunks of roughly " + itoa(hint) + " characters each."
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}
