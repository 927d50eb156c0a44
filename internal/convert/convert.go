// Package convert translates between the Anthropic Messages wire format and
// the upstream Kiro (CodeWhisperer generateAssistantResponse) conversation
// format, in both directions. It consolidates what the teacher codebase
// split across several generations of near-duplicate identity-rewriting
// files into one pipeline scoped to the fields Kiro actually needs.
package convert

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ModelFor maps an Anthropic model id to the upstream Kiro model id by
// case-insensitive substring match.
func ModelFor(anthropicModel string) (string, error) {
	m := strings.ToLower(anthropicModel)
	switch {
	case strings.Contains(m, "opus"):
		return "claude-opus-4.5", nil
	case strings.Contains(m, "sonnet"):
		return "claude-sonnet-4.5", nil
	case strings.Contains(m, "haiku"):
		return "claude-haiku-4.5", nil
	default:
		return "", fmt.Errorf("unsupported_model: %s", anthropicModel)
	}
}

var sessionIDPattern = regexp.MustCompile(`session_([0-9a-fA-F-]{36})`)

// ConversationID derives the upstream conversation id from the client's
// metadata.user_id, falling back to a freshly generated UUID when no
// session UUID is embedded there.
func ConversationID(userID string) string {
	if m := sessionIDPattern.FindStringSubmatch(userID); len(m) == 2 {
		if _, err := uuid.Parse(m[1]); err == nil {
			return m[1]
		}
	}
	return uuid.NewString()
}

// Image holds a decoded image content block.
type Image struct {
	Format string // jpeg, png, gif, webp
	Bytes  string // base64
}

// ToolUseEntry mirrors the upstream assistant tool-use shape.
type ToolUseEntry struct {
	ToolUseID string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
}

// ToolResultEntry mirrors the upstream tool-result shape carried on a user
// message's context.
type ToolResultEntry struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
	Status    string `json:"status"`
}

// UserMessage is one half of a history turn or the current message.
type UserMessage struct {
	Content     string
	Images      []Image
	ToolResults []ToolResultEntry
	ToolDefs    []ToolDefinition
}

// AssistantMessage is the other half of a history turn.
type AssistantMessage struct {
	Content  string
	ToolUses []ToolUseEntry
}

// Turn is one user/assistant pair in the upstream history.
type Turn struct {
	User      UserMessage
	Assistant *AssistantMessage // nil only for the synthetic leading pair edge case is not used; history turns always have both
}

// ConversationState is the upstream generateAssistantResponse request body,
// in the shape the converter builds it (field names match the wire schema
// used by the caller that marshals this into the actual HTTP request).
type ConversationState struct {
	ConversationID      string `json:"conversationId"`
	AgentContinuationID string `json:"agentContinuationId"`
	AgentTaskType       string `json:"agentTaskType"`
	ChatTriggerType     string `json:"chatTriggerType"`
	History             []HistoryEntry
	CurrentMessage      *UserMessage
}

// HistoryEntry is one user/assistant pair as emitted onto the wire.
type HistoryEntry struct {
	User      UserMessage
	Assistant AssistantMessage
}

// Request is the raw Anthropic request body, loosely typed since the
// client's JSON shape has many optional/variant fields.
type Request map[string]any

// Result is everything the upstream call engine needs to issue the
// request and later interpret truncation/placeholder bookkeeping.
type Result struct {
	State       ConversationState
	Model       string
	Thinking    bool
	ThinkingMax int
}

const thinkingTagFmt = "<thinking_mode>enabled</thinking_mode><max_thinking_length>%d</max_thinking_length>"

// Convert transforms an Anthropic Messages request into the upstream
// conversation state.
func Convert(req Request) (*Result, error) {
	anthropicModel, _ := req["model"].(string)
	model, err := ModelFor(anthropicModel)
	if err != nil {
		return nil, err
	}

	userID := extractUserID(req)
	thinking, thinkingMax := extractThinking(req)

	result := &Result{
		Model:       model,
		Thinking:    thinking,
		ThinkingMax: thinkingMax,
	}

	state := ConversationState{
		ConversationID:      ConversationID(userID),
		AgentContinuationID: uuid.NewString(),
		AgentTaskType:       "vibe",
		ChatTriggerType:     "MANUAL",
	}

	toolDefs := buildToolDefinitions(req)

	messages, _ := req["messages"].([]any)

	history, current := splitMessages(messages)

	entries, err := buildHistory(history)
	if err != nil {
		return nil, err
	}

	systemEntry, hasSystem := buildSystemEntry(req, thinking, thinkingMax)
	if hasSystem {
		entries = append([]HistoryEntry{systemEntry}, entries...)
	}

	repairToolPairing(entries, current)

	ensureToolDefsForHistory(entries, current, &toolDefs)

	if current != nil {
		current.ToolDefs = toolDefs
		if current.Content == "" && len(current.ToolResults) == 0 && len(current.Images) == 0 {
			current.Content = " "
		}
	}

	state.History = entries
	state.CurrentMessage = current
	result.State = state
	return result, nil
}

func extractUserID(req Request) string {
	meta, ok := req["metadata"].(map[string]any)
	if !ok {
		return ""
	}
	uid, _ := meta["user_id"].(string)
	return uid
}

func extractThinking(req Request) (bool, int) {
	thinking, ok := req["thinking"].(map[string]any)
	if !ok {
		return false, 0
	}
	typ, _ := thinking["type"].(string)
	if typ != "enabled" {
		return false, 0
	}
	budget := 0
	if b, ok := thinking["budget_tokens"].(float64); ok {
		budget = int(b)
	}
	return true, budget
}

// buildSystemEntry synthesizes the leading (user, assistant) pair that
// stands in for the Anthropic "system" field, since the upstream
// conversation format has no dedicated system slot.
func buildSystemEntry(req Request, thinking bool, thinkingMax int) (HistoryEntry, bool) {
	text := extractSystemText(req["system"])
	if text == "" && !thinking {
		return HistoryEntry{}, false
	}

	if thinking {
		tag := fmt.Sprintf(thinkingTagFmt, thinkingMax)
		if !strings.Contains(text, "<thinking_mode>") {
			if text == "" {
				text = tag
			} else {
				text = tag + text
			}
		}
	}

	return HistoryEntry{
		User:      UserMessage{Content: text},
		Assistant: AssistantMessage{Content: "I will follow these instructions."},
	}, true
}

func extractSystemText(system any) string {
	switch s := system.(type) {
	case string:
		return s
	case []any:
		var texts []string
		for _, entry := range s {
			if m, ok := entry.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

// splitMessages separates the trailing message (current) from the
// preceding ones (history), per the upstream convention that the final
// assistant message, if present, is pushed into history with no current
// message set.
func splitMessages(messages []any) (history []any, current *UserMessage) {
	if len(messages) == 0 {
		return nil, nil
	}

	last, ok := messages[len(messages)-1].(map[string]any)
	if !ok {
		return messages[:len(messages)-1], nil
	}

	role, _ := last["role"].(string)
	if role == "assistant" {
		return messages, nil
	}

	um := userMessageFromContent(last["content"])
	return messages[:len(messages)-1], &um
}

func buildHistory(messages []any) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	var pendingUser *UserMessage

	flush := func(assistant AssistantMessage) {
		if pendingUser == nil {
			pendingUser = &UserMessage{Content: " "}
		}
		entries = append(entries, HistoryEntry{User: *pendingUser, Assistant: assistant})
		pendingUser = nil
	}

	for _, raw := range messages {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)

		switch role {
		case "user":
			um := userMessageFromContent(m["content"])
			if pendingUser == nil {
				pendingUser = &um
			} else {
				mergeUserMessages(pendingUser, &um)
			}
		case "assistant":
			am := assistantMessageFromContent(m["content"])
			flush(am)
		}
	}

	if pendingUser != nil {
		flush(AssistantMessage{Content: "OK"})
	}

	return entries, nil
}

func mergeUserMessages(dst, src *UserMessage) {
	if src.Content != "" {
		if dst.Content != "" {
			dst.Content = dst.Content + "\n" + src.Content
		} else {
			dst.Content = src.Content
		}
	}
	dst.Images = append(dst.Images, src.Images...)
	dst.ToolResults = append(dst.ToolResults, src.ToolResults...)
}

func userMessageFromContent(content any) UserMessage {
	um := UserMessage{}
	switch c := content.(type) {
	case string:
		um.Content = c
	case []any:
		var text strings.Builder
		for _, block := range c {
			b, ok := block.(map[string]any)
			if !ok {
				continue
			}
			switch b["type"] {
			case "text":
				if t, ok := b["text"].(string); ok {
					if text.Len() > 0 {
						text.WriteString("\n")
					}
					text.WriteString(t)
				}
			case "image":
				if img := extractImage(b); img != nil {
					um.Images = append(um.Images, *img)
				}
			case "tool_result":
				um.ToolResults = append(um.ToolResults, extractToolResult(b))
			}
		}
		um.Content = text.String()
	}
	if um.Content == "" && len(um.Images) == 0 && len(um.ToolResults) == 0 {
		um.Content = ""
	} else if um.Content == "" && (len(um.Images) > 0 || len(um.ToolResults) > 0) {
		um.Content = " "
	}
	return um
}

var mediaTypeToFormat = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
}

func extractImage(block map[string]any) *Image {
	src, ok := block["source"].(map[string]any)
	if !ok {
		return nil
	}
	data, _ := src["data"].(string)
	mediaType, _ := src["media_type"].(string)
	format, ok := mediaTypeToFormat[mediaType]
	if !ok {
		format = "png"
	}
	return &Image{Format: format, Bytes: data}
}

func extractToolResult(block map[string]any) ToolResultEntry {
	id, _ := block["tool_use_id"].(string)
	status := "success"
	if isErr, ok := block["is_error"].(bool); ok && isErr {
		status = "error"
	}
	return ToolResultEntry{
		ToolUseID: id,
		Content:   stringifyToolResultContent(block["content"]),
		Status:    status,
	}
}

func stringifyToolResultContent(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var b strings.Builder
		for _, block := range c {
			if m, ok := block.(map[string]any); ok {
				if t, ok := m["text"].(string); ok {
					if b.Len() > 0 {
						b.WriteString("\n")
					}
					b.WriteString(t)
				}
			}
		}
		return b.String()
	}
	return ""
}

func assistantMessageFromContent(content any) AssistantMessage {
	am := AssistantMessage{}
	var thinkingText, textBlocks strings.Builder

	switch c := content.(type) {
	case string:
		textBlocks.WriteString(c)
	case []any:
		for _, block := range c {
			b, ok := block.(map[string]any)
			if !ok {
				continue
			}
			switch b["type"] {
			case "thinking":
				if t, ok := b["thinking"].(string); ok {
					thinkingText.WriteString(t)
				}
			case "text":
				if t, ok := b["text"].(string); ok {
					if textBlocks.Len() > 0 {
						textBlocks.WriteString("\n")
					}
					textBlocks.WriteString(t)
				}
			case "tool_use":
				am.ToolUses = append(am.ToolUses, toolUseFromBlock(b))
			}
		}
	}

	var combined strings.Builder
	if thinkingText.Len() > 0 {
		combined.WriteString("<thinking>")
		combined.WriteString(thinkingText.String())
		combined.WriteString("</thinking>")
	}
	combined.WriteString(textBlocks.String())

	am.Content = combined.String()
	if am.Content == "" && len(am.ToolUses) > 0 {
		am.Content = " "
	}
	return am
}

func toolUseFromBlock(b map[string]any) ToolUseEntry {
	id, _ := b["id"].(string)
	name, _ := b["name"].(string)
	input, _ := b["input"].(map[string]any)
	if input == nil {
		input = map[string]any{}
	}
	return ToolUseEntry{ToolUseID: id, Name: name, Input: input}
}

func truncatedUUID(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:16])
}
