package convert

// MarshalUpstream renders a converted Result into the JSON body shape the
// Kiro generateAssistantResponse endpoint expects. profileArn is injected
// later by the upstream caller once a credential has been selected.
func MarshalUpstream(res *Result) map[string]any {
	cs := map[string]any{
		"chatTriggerType":     res.State.ChatTriggerType,
		"conversationId":      res.State.ConversationID,
		"agentContinuationId": res.State.AgentContinuationID,
	}

	if len(res.State.History) > 0 {
		history := make([]any, 0, len(res.State.History)*2)
		for _, entry := range res.State.History {
			history = append(history, map[string]any{"userInputMessage": userInputMessage(res.Model, &entry.User)})
			history = append(history, map[string]any{"assistantResponseMessage": assistantResponseMessage(entry.Assistant)})
		}
		cs["history"] = history
	}

	if res.State.CurrentMessage != nil {
		cs["currentMessage"] = map[string]any{
			"userInputMessage": userInputMessage(res.Model, res.State.CurrentMessage),
		}
	}

	return map[string]any{
		"conversationState": cs,
	}
}

func userInputMessage(model string, msg *UserMessage) map[string]any {
	out := map[string]any{
		"content": msg.Content,
		"modelId": model,
		"origin":  "AI_EDITOR",
	}

	userCtx := map[string]any{}
	if len(msg.ToolResults) > 0 {
		results := make([]any, len(msg.ToolResults))
		for i, tr := range msg.ToolResults {
			results[i] = map[string]any{
				"toolUseId": tr.ToolUseID,
				"content":   []any{map[string]any{"text": tr.Content}},
				"status":    tr.Status,
			}
		}
		userCtx["toolResults"] = results
	}
	if len(msg.ToolDefs) > 0 {
		tools := make([]any, len(msg.ToolDefs))
		for i, td := range msg.ToolDefs {
			tools[i] = map[string]any{
				"toolSpecification": map[string]any{
					"name":        td.Name,
					"description": td.Description,
					"inputSchema": map[string]any{"json": td.InputSchema},
				},
			}
		}
		userCtx["tools"] = tools
	}
	if len(msg.Images) > 0 {
		images := make([]any, len(msg.Images))
		for i, img := range msg.Images {
			images[i] = map[string]any{
				"format": img.Format,
				"source": map[string]any{"bytes": img.Bytes},
			}
		}
		userCtx["images"] = images
	}
	if len(userCtx) > 0 {
		out["userInputMessageContext"] = userCtx
	}

	return out
}

func assistantResponseMessage(msg AssistantMessage) map[string]any {
	out := map[string]any{"content": msg.Content}
	if len(msg.ToolUses) > 0 {
		uses := make([]any, len(msg.ToolUses))
		for i, tu := range msg.ToolUses {
			uses[i] = map[string]any{
				"toolUseId": tu.ToolUseID,
				"name":      tu.Name,
				"input":     tu.Input,
			}
		}
		out["toolUses"] = uses
	}
	return out
}
