package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThinkInAIXYZ/deepchat-sub009/modelkit"
)

func TestCapabilitiesFollowToolResultMode(t *testing.T) {
	native := New()
	assert.True(t, native.Capabilities().NativeToolResults)

	legacy := New(func(o *Options) { o.LegacyToolResults = true })
	assert.False(t, legacy.Capabilities().NativeToolResults)
}

func TestBuildMessagesMapsRoles(t *testing.T) {
	req := modelkit.Request{
		System: "be brief",
		Messages: []modelkit.Message{
			{Role: modelkit.RoleUser, Content: "hi"},
			{Role: modelkit.RoleAssistant, Content: "checking", ToolCalls: []modelkit.ToolCall{
				{ID: "call-1", Name: "read_file", Arguments: `{"path":"a.txt"}`},
			}},
			{Role: modelkit.RoleTool, Content: "contents", ToolCallID: "call-1"},
		},
	}

	messages := buildMessages(req)
	require.Len(t, messages, 4)

	require.NotNil(t, messages[0].OfSystem)
	require.NotNil(t, messages[1].OfUser)

	assistant := messages[2].OfAssistant
	require.NotNil(t, assistant)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call-1", assistant.ToolCalls[0].ID)
	assert.Equal(t, "read_file", assistant.ToolCalls[0].Function.Name)

	tool := messages[3].OfTool
	require.NotNil(t, tool)
	assert.Equal(t, "call-1", tool.ToolCallID)
}

func TestBuildMessagesLegacyTranscriptHasNoToolRole(t *testing.T) {
	// A transcript produced on the text-embedding path carries tool
	// traffic inside assistant and user messages only.
	req := modelkit.Request{
		Messages: []modelkit.Message{
			{Role: modelkit.RoleUser, Content: "hi"},
			{Role: modelkit.RoleAssistant, Content: "<tool_call id=\"call-1\" name=\"read_file\">\n{}\n</tool_call>\n\n<tool_result id=\"call-1\" status=\"ok\">\ncontents\n</tool_result>"},
			{Role: modelkit.RoleUser, Content: "Continue the task using the tool results above."},
		},
	}

	messages := buildMessages(req)
	require.Len(t, messages, 3)
	for _, msg := range messages {
		assert.Nil(t, msg.OfTool)
	}
	require.NotNil(t, messages[1].OfAssistant)
	assert.Empty(t, messages[1].OfAssistant.ToolCalls)
}

func TestNormalizeSchema(t *testing.T) {
	direct := map[string]any{"type": "object"}
	assert.Equal(t, direct, normalizeSchema(direct))

	type schema struct {
		Type string `json:"type"`
	}
	assert.Equal(t, map[string]any{"type": "object"}, normalizeSchema(schema{Type: "object"}))

	assert.Equal(t, map[string]any{}, normalizeSchema(func() {}))
}
