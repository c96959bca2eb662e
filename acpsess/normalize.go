package acpsess

import (
	"encoding/json"
	"strings"

	"github.com/ThinkInAIXYZ/deepchat-sub009/chatevent"
	"github.com/ThinkInAIXYZ/deepchat-sub009/protocol"
)

// extractToolName recovers the tool name from a tool call ID when the agent
// omits the title. Agents commonly use the format "tool_name-timestamp".
func extractToolName(toolCallID string) string {
	if idx := strings.LastIndex(toolCallID, "-"); idx > 0 {
		return toolCallID[:idx]
	}
	return toolCallID
}

// updateText returns the text payload of a chunk update, or "" when the
// content is missing or not textual.
func updateText(up protocol.SessionUpdate) string {
	if up.Content == nil || up.Content.Type != "text" {
		return ""
	}
	return up.Content.Text
}

// toolResultText flattens tool output content into one string for the
// canonical ToolEnd event. Diffs are summarized by path.
func toolResultText(out []protocol.ToolContent) string {
	var b strings.Builder
	for _, tc := range out {
		switch tc.Type {
		case "content":
			if tc.Content != nil && tc.Content.Type == "text" {
				b.WriteString(tc.Content.Text)
			}
		case "diff":
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("Edited " + tc.Path)
		}
	}
	return b.String()
}

// rawInputJSON renders a tool call's raw input as compact JSON.
func rawInputJSON(raw map[string]any) string {
	if len(raw) == 0 {
		return ""
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	return string(data)
}

// permissionTypeForKind maps an agent tool-call kind onto the permission
// type vocabulary.
func permissionTypeForKind(kind string) string {
	switch kind {
	case "read", "search", "fetch":
		return "read"
	case "edit", "delete", "move":
		return "write"
	case "execute":
		return "command"
	default:
		return "all"
	}
}

// mapStopReason converts an agent prompt stop reason to the canonical one.
// "max_turn_requests" is the agent hitting its own tool-call ceiling, which
// carries the same resume-with-fresh-budget semantics as ours.
func mapStopReason(reason string) (chatevent.StopReason, bool) {
	switch reason {
	case "end_turn", "refusal", "":
		return chatevent.StopEndTurn, false
	case "cancelled":
		return chatevent.StopCancelled, false
	case "max_tokens":
		return chatevent.StopMaxTokens, false
	case "max_turn_requests":
		return chatevent.StopMaxToolCalls, true
	default:
		return chatevent.StopEndTurn, false
	}
}

// normalizePlan converts agent plan entries to the canonical form.
func normalizePlan(entries []protocol.PlanEntry) []chatevent.PlanEntry {
	plan := make([]chatevent.PlanEntry, 0, len(entries))
	for _, e := range entries {
		plan = append(plan, chatevent.PlanEntry{
			Title:    e.Content,
			Status:   e.Status,
			Priority: e.Priority,
		})
	}
	return plan
}

// commandNames extracts the names of the agent's advertised commands.
func commandNames(cmds []protocol.AvailableCommand) []string {
	names := make([]string, 0, len(cmds))
	for _, c := range cmds {
		names = append(names, c.Name)
	}
	return names
}
