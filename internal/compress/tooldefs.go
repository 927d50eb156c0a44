package compress

import (
	"encoding/json"

	"github.com/yansir/kiro-relay/internal/convert"
)

var keepSchemaKeys = map[string]bool{
	"type": true, "enum": true, "required": true, "properties": true,
	"items": true, "additionalProperties": true, "anyOf": true, "oneOf": true, "allOf": true,
}

// ToolDefsResult reports whether compression ran and how much it saved.
type ToolDefsResult struct {
	Triggered  bool
	BytesSaved int
}

// CompressToolDefs shrinks a tool-definitions payload when its serialized
// size exceeds triggerBytes: first by stripping vendor schema extensions
// down to the canonical JSON Schema keys, then — if still over target — by
// proportionally shrinking descriptions toward the target with a floor.
func CompressToolDefs(defs []convert.ToolDefinition, triggerBytes, descFloor int) ToolDefsResult {
	before := serializedSize(defs)
	if before <= triggerBytes {
		return ToolDefsResult{}
	}

	for i := range defs {
		defs[i].InputSchema = simplifySchema(defs[i].InputSchema)
	}

	size := serializedSize(defs)
	if size > triggerBytes {
		shrinkDescriptions(defs, size, triggerBytes, descFloor)
		size = serializedSize(defs)
	}

	return ToolDefsResult{Triggered: true, BytesSaved: before - size}
}

func serializedSize(defs []convert.ToolDefinition) int {
	b, _ := json.Marshal(defs)
	return len(b)
}

func simplifySchema(schema map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range schema {
		if !keepSchemaKeys[k] {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = simplifySchemaProperties(nested)
		} else {
			out[k] = v
		}
	}
	return out
}

func simplifySchemaProperties(props map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range props {
		if nested, ok := v.(map[string]any); ok {
			out[k] = simplifySchema(nested)
		} else {
			out[k] = v
		}
	}
	return out
}

func shrinkDescriptions(defs []convert.ToolDefinition, currentSize, target, floor int) {
	excess := currentSize - target
	if excess <= 0 {
		return
	}
	totalDescBytes := 0
	for _, d := range defs {
		totalDescBytes += len(d.Description)
	}
	if totalDescBytes == 0 {
		return
	}

	for i := range defs {
		d := &defs[i]
		share := excess * len(d.Description) / totalDescBytes
		newLen := len(d.Description) - share
		if newLen < floor {
			newLen = floor
		}
		if newLen >= len(d.Description) {
			continue
		}
		d.Description = truncateUTF8Safe(d.Description, newLen) + "..."
	}
}

func truncateUTF8Safe(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut]
}
