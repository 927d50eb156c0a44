package compress

import "github.com/yansir/kiro-relay/internal/convert"

// historyPass is the last-resort compaction step: it always preserves the
// first history entry (the synthetic system pair, when present) and removes
// the oldest remaining entry (index 1), one user/assistant entry at a time,
// until at most 1+HistoryMaxTurns entries remain and the total character
// budget is satisfied.
func historyPass(state *convert.ConversationState, opts Options) int {
	saved := 0

	if opts.HistoryMaxTurns > 0 {
		limit := 1 + opts.HistoryMaxTurns // system pair counts as one "turn" slot of headroom
		for len(state.History) > limit && len(state.History) > 1 {
			saved += entrySize(state.History[1])
			state.History = append(state.History[:1], state.History[2:]...)
		}
	}

	if opts.HistoryMaxChars > 0 {
		for totalChars(state.History) > opts.HistoryMaxChars && len(state.History) > 1 {
			saved += entrySize(state.History[1])
			state.History = append(state.History[:1], state.History[2:]...)
		}
	}

	return saved
}

func entrySize(e convert.HistoryEntry) int {
	size := len(e.User.Content) + len(e.Assistant.Content)
	for _, tr := range e.User.ToolResults {
		size += len(tr.Content)
	}
	return size
}

func totalChars(entries []convert.HistoryEntry) int {
	total := 0
	for _, e := range entries {
		total += entrySize(e)
	}
	return total
}
