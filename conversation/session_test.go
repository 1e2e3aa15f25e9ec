package conversation

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/relay/llm"
)

func toolExchange(t *testing.T, s *Session, ids ...string) {
	t.Helper()
	var calls []ToolCallRequest
	for _, id := range ids {
		calls = append(calls, ToolCallRequest{ID: id, Name: "read_file", Arguments: json.RawMessage(`{"path":"a"}`)})
	}
	_, err := s.Append(NewAssistantTurn("", calls))
	require.NoError(t, err)
}

func TestAppendAssignsTurnIndexAndIDs(t *testing.T) {
	s := NewSession(nil)
	_, err := s.Append(NewUserTurn("hi"))
	require.NoError(t, err)

	idx, err := s.Append(NewAssistantTurn("", []ToolCallRequest{{Name: "list_dir"}}))
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	calls := s.PendingCalls()
	require.Len(t, calls, 1)
	assert.NotEmpty(t, calls[0].ID)
	assert.Equal(t, 1, calls[0].TurnIndex)
	assert.JSONEq(t, `{}`, string(calls[0].Arguments))
}

func TestAssistantTurnRenamesDuplicateIDs(t *testing.T) {
	turn := NewAssistantTurn("", []ToolCallRequest{
		{ID: "call_0", Name: "read_file"},
		{ID: "call_0", Name: "list_dir"},
		{ID: "call_1", Name: "grep"},
	})
	require.Len(t, turn.ToolCalls, 3)
	assert.Equal(t, "call_0", turn.ToolCalls[0].ID)
	assert.NotEqual(t, "call_0", turn.ToolCalls[1].ID)
	assert.Equal(t, "call_1", turn.ToolCalls[2].ID)

	s := NewSession(nil)
	_, err := s.Append(NewUserTurn("hi"))
	require.NoError(t, err)
	_, err = s.Append(turn)
	require.NoError(t, err)
	var results []ToolCallResult
	for _, c := range s.PendingCalls() {
		results = append(results, ToolCallResult{RequestID: c.ID, ToolName: c.Name, Status: StatusOK})
	}
	_, err = s.Append(NewToolTurn(results))
	require.NoError(t, err)
	assert.Empty(t, s.PendingCalls())
}

func TestAppendRejectsOrphanResults(t *testing.T) {
	s := NewSession(nil)
	_, err := s.Append(NewToolTurn([]ToolCallResult{{RequestID: "x", Status: StatusOK}}))
	assert.True(t, errors.Is(err, ErrOrphanResult))

	toolExchange(t, s, "a", "b")

	_, err = s.Append(NewToolTurn([]ToolCallResult{{RequestID: "a", Status: StatusOK}}))
	assert.True(t, errors.Is(err, ErrOrphanResult), "missing result for b")

	_, err = s.Append(NewToolTurn([]ToolCallResult{{RequestID: "a"}, {RequestID: "c"}}))
	assert.True(t, errors.Is(err, ErrOrphanResult), "unknown request c")

	_, err = s.Append(NewToolTurn([]ToolCallResult{{RequestID: "b", Status: StatusDenied}, {RequestID: "a", Status: StatusOK}}))
	require.NoError(t, err)
	assert.Empty(t, s.PendingCalls())
	assert.Equal(t, 2, s.Len())
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := NewSession(map[string]string{"cwd": "/work"})
	_, err := s.Append(NewUserTurn("hello"))
	require.NoError(t, err)
	toolExchange(t, s, "a")
	_, err = s.Append(NewToolTurn([]ToolCallResult{{RequestID: "a", ToolName: "read_file", Status: StatusOK, Payload: "data"}}))
	require.NoError(t, err)
	s.AddCheckpoint("cp-1")

	raw, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	restored := FromSnapshot(snap)

	again, err := json.Marshal(restored.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(again))
	assert.Equal(t, []string{"cp-1"}, restored.CheckpointIDs())
}

func TestToMessages(t *testing.T) {
	turns := []Turn{
		NewSummaryTurn("did things", 4),
		NewUserTurn("list files"),
		NewAssistantTurn("", []ToolCallRequest{{ID: "c1", Name: "list_dir", Arguments: json.RawMessage(`{"path":"/tmp"}`)}}),
		NewToolTurn([]ToolCallResult{{RequestID: "c1", Status: StatusDenied, Payload: "denied by policy"}}),
		NewAssistantTurn("done", nil),
	}
	msgs := ToMessages(turns)
	require.Len(t, msgs, 5)
	assert.Contains(t, msgs[0].TextContent(), "did things")
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
	assert.Equal(t, "c1", msgs[2].ToolCalls()[0].ID)
	results := msgs[3].ToolResults()
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Equal(t, "done", msgs[4].TextContent())
}

func TestRequestsFromResponse(t *testing.T) {
	resp := &llm.Response{Message: llm.Message{Role: llm.RoleAssistant, Content: []llm.ContentPart{
		llm.ToolCallPart("x", "glob", json.RawMessage(`{"pattern":"*.go"}`)),
	}}}
	reqs := RequestsFromResponse(resp)
	require.Len(t, reqs, 1)
	assert.Equal(t, "x", reqs[0].ID)
	assert.Nil(t, RequestsFromResponse(&llm.Response{Message: llm.AssistantMessage("hi")}))
}
