package convert

import (
	"strings"
	"unicode/utf8"
)

// ToolDefinition is the normalized shape of a tool definition sent upstream.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

const maxToolDescriptionLen = 10_000

// buildToolDefinitions filters unsupported tool types, normalizes input
// schemas to the shape upstream accepts, and caps description length.
func buildToolDefinitions(req Request) []ToolDefinition {
	raw, _ := req["tools"].([]any)
	defs := make([]ToolDefinition, 0, len(raw))

	for _, t := range raw {
		m, ok := t.(map[string]any)
		if !ok {
			continue
		}
		if typ, ok := m["type"].(string); ok && strings.HasPrefix(typ, "web_search") {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := m["description"].(string)
		schema, _ := m["input_schema"].(map[string]any)

		defs = append(defs, ToolDefinition{
			Name:        name,
			Description: normalizeDescription(name, desc),
			InputSchema: normalizeSchema(schema),
		})
	}

	return defs
}

func normalizeDescription(name, desc string) string {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		desc = "Tool: " + name
	}
	return truncateUTF8(desc, maxToolDescriptionLen)
}

func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// normalizeSchema coerces the input schema's top-level shape to what
// upstream requires: object type, array-of-string required, object
// properties.
func normalizeSchema(schema map[string]any) map[string]any {
	out := map[string]any{}
	if schema == nil {
		out["type"] = "object"
		out["properties"] = map[string]any{}
		out["additionalProperties"] = true
		return out
	}

	if v, ok := schema["$schema"].(string); ok {
		out["$schema"] = v
	}

	if typ, ok := schema["type"].(string); ok && typ != "" {
		out["type"] = typ
	} else {
		out["type"] = "object"
	}

	if props, ok := schema["properties"].(map[string]any); ok {
		out["properties"] = props
	} else {
		out["properties"] = map[string]any{}
	}

	if req, ok := schema["required"].([]any); ok {
		filtered := make([]any, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				filtered = append(filtered, s)
			}
		}
		out["required"] = filtered
	}

	if ap, ok := schema["additionalProperties"]; ok {
		out["additionalProperties"] = ap
	} else {
		out["additionalProperties"] = true
	}

	return out
}

func placeholderSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": true,
	}
}

// repairToolPairing enforces the invariant that every history tool_use has
// exactly one matching tool_result, either later in history or in the
// current message; it drops duplicates/orphans with a warning and strips
// orphan tool_use entries from assistant history messages.
func repairToolPairing(entries []HistoryEntry, current *UserMessage) {
	open := map[string]bool{}
	matched := map[string]bool{}

	for _, e := range entries {
		for _, tu := range e.Assistant.ToolUses {
			if !matched[tu.ToolUseID] {
				open[tu.ToolUseID] = true
			}
		}
		for _, tr := range e.User.ToolResults {
			if open[tr.ToolUseID] {
				delete(open, tr.ToolUseID)
				matched[tr.ToolUseID] = true
			}
		}
	}

	if current != nil {
		kept := make([]ToolResultEntry, 0, len(current.ToolResults))
		for _, tr := range current.ToolResults {
			switch {
			case open[tr.ToolUseID]:
				kept = append(kept, tr)
				delete(open, tr.ToolUseID)
			case matched[tr.ToolUseID]:
				// duplicate — already matched earlier in history, drop
			default:
				// orphan — no matching tool_use anywhere, drop
			}
		}
		current.ToolResults = kept
	}

	if len(open) == 0 {
		return
	}

	for i := range entries {
		if len(entries[i].Assistant.ToolUses) == 0 {
			continue
		}
		kept := make([]ToolUseEntry, 0, len(entries[i].Assistant.ToolUses))
		for _, tu := range entries[i].Assistant.ToolUses {
			if open[tu.ToolUseID] {
				continue
			}
			kept = append(kept, tu)
		}
		entries[i].Assistant.ToolUses = kept
	}
}

// ensureToolDefsForHistory synthesizes a permissive placeholder definition
// for any tool name referenced by a history tool_use but missing from the
// supplied definitions (comparison case-insensitive).
func ensureToolDefsForHistory(entries []HistoryEntry, current *UserMessage, defs *[]ToolDefinition) {
	known := map[string]bool{}
	for _, d := range *defs {
		known[strings.ToLower(d.Name)] = true
	}

	seen := map[string]bool{}
	addMissing := func(name string) {
		lower := strings.ToLower(name)
		if known[lower] || seen[lower] {
			return
		}
		seen[lower] = true
		*defs = append(*defs, ToolDefinition{
			Name:        name,
			Description: "Tool: " + name,
			InputSchema: placeholderSchema(),
		})
	}

	for _, e := range entries {
		for _, tu := range e.Assistant.ToolUses {
			addMissing(tu.Name)
		}
	}
}
