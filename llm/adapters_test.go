package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToolCallBlock(t *testing.T) {
	text := `Let me look.
[{"name": "read_file", "arguments": {"path": "main.go"}}, {"name": "list_dir"}]`

	calls, rest := parseToolCallBlock(text)
	require.Len(t, calls, 2)
	assert.Equal(t, "Let me look.", rest)
	assert.Equal(t, "read_file", calls[0].Name)
	assert.JSONEq(t, `{"path":"main.go"}`, string(calls[0].Arguments))
	assert.Equal(t, "list_dir", calls[1].Name)
	assert.JSONEq(t, `{}`, string(calls[1].Arguments))
	assert.NotEqual(t, calls[0].ID, calls[1].ID)
}

func TestParseToolCallBlockPlainText(t *testing.T) {
	calls, rest := parseToolCallBlock("All done.")
	assert.Empty(t, calls)
	assert.Equal(t, "All done.", rest)

	calls, rest = parseToolCallBlock(`[{"name": broken`)
	assert.Empty(t, calls)
	assert.Equal(t, `[{"name": broken`, rest)
}

func TestFlattenConversation(t *testing.T) {
	assistant := Message{Role: RoleAssistant, Content: []ContentPart{
		TextPart("looking"),
		ToolCallPart("c1", "list_dir", json.RawMessage(`{"path":"."}`)),
	}}
	text := flattenConversation([]Message{
		SystemMessage("ignored here"),
		UserMessage("list files"),
		assistant,
		ToolResultMessage("c1", "a.txt", false),
		ToolResultMessage("c2", "denied", true),
	})
	assert.Equal(t, "list files\n"+
		"[Assistant]: looking\n"+
		`[Tool Call c1]: list_dir {"path":"."}`+"\n"+
		"[Tool Result c1]: a.txt\n"+
		"[Tool Error c2]: denied", text)

	assert.Equal(t, "Hello", flattenConversation(nil))
}

func TestAnthropicMessagesMergesToolResults(t *testing.T) {
	msgs := anthropicMessages([]Message{
		SystemMessage("sys"),
		UserMessage("go"),
		{Role: RoleAssistant, Content: []ContentPart{
			ToolCallPart("a", "read_file", json.RawMessage(`{"path":"x"}`)),
			ToolCallPart("b", "read_file", json.RawMessage(`{"path":"y"}`)),
		}},
		ToolResultMessage("a", "X", false),
		ToolResultMessage("b", "Y", false),
		AssistantMessage("done"),
	})
	// user, assistant(tool_use x2), user(tool_result x2), assistant
	require.Len(t, msgs, 4)
	assert.Len(t, msgs[2].Content, 2)
}

func TestOpenAIMessagesExpandToolResults(t *testing.T) {
	msgs := openaiMessages([]Message{
		SystemMessage("sys"),
		UserMessage("go"),
		{Role: RoleAssistant, Content: []ContentPart{
			ToolCallPart("a", "read_file", json.RawMessage(`{"path":"x"}`)),
		}},
		ToolResultMessage("a", "X", false),
	})
	require.Len(t, msgs, 4)
	require.NotNil(t, msgs[2].OfAssistant)
	assert.Len(t, msgs[2].OfAssistant.ToolCalls, 1)
	assert.NotNil(t, msgs[3].OfTool)
}

func TestRequiredFields(t *testing.T) {
	assert.Equal(t, []string{"a"}, requiredFields([]string{"a"}))
	assert.Equal(t, []string{"a", "b"}, requiredFields([]interface{}{"a", "b", 3}))
	assert.Nil(t, requiredFields(nil))
}
