package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/relay/agentloop"
	"github.com/martinemde/relay/approval"
	"github.com/martinemde/relay/conversation"
	"github.com/martinemde/relay/sessionstore"
	"github.com/martinemde/relay/tools"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(""))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func projectWithStore(t *testing.T) (dir, storeDir string) {
	t.Helper()
	dir = t.TempDir()
	storeDir = filepath.Join(t.TempDir(), "sessions")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".relay"), 0o755))
	cfg := "sessions:\n  url: " + storeDir + "\nlog:\n  level: error\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".relay", "config.yaml"), []byte(cfg), 0o600))
	return dir, storeDir
}

func TestSessionsListAndPrune(t *testing.T) {
	dir, storeDir := projectWithStore(t)
	ctx := context.Background()
	store, err := sessionstore.NewFileStore(ctx, storeDir)
	require.NoError(t, err)

	sess := conversation.NewSession(map[string]string{"working_dir": dir})
	require.NoError(t, store.Create(ctx, sess))
	for i := 0; i < 3; i++ {
		_, err := sess.Append(conversation.NewUserTurn("hello"))
		require.NoError(t, err)
		_, err = store.Checkpoint(ctx, sess, sessionstore.RunState{})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	out, err := execute(t, "--cwd", dir, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, sess.ID)

	out, err = execute(t, "--cwd", dir, "sessions", "list", "--json")
	require.NoError(t, err)
	var list []sessionstore.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].Checkpoints)

	out, err = execute(t, "--cwd", dir, "sessions", "prune", "--keep-last", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 2 checkpoints")

	out, err = execute(t, "--cwd", dir, "sessions", "list", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].Checkpoints)

	out, err = execute(t, "--cwd", dir, "sessions", "show", sess.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "[0] user: hello")
	assert.Contains(t, out, "# working_dir: "+dir)
}

func TestRootRejectsBadPolicy(t *testing.T) {
	dir, _ := projectWithStore(t)
	_, err := execute(t, "--cwd", dir, "--policy", "sometimes", "sessions", "list")
	assert.Error(t, err)
}

func TestRunRequiresPrompt(t *testing.T) {
	dir, _ := projectWithStore(t)
	_, err := execute(t, "--cwd", dir, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty prompt")
}

func TestPromptFrom(t *testing.T) {
	p, err := promptFrom([]string{"  fix it "}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fix it", p)

	p, err = promptFrom(nil, strings.NewReader("from stdin\n"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin", p)
}

func TestPrompterConfirm(t *testing.T) {
	var out bytes.Buffer
	p := newPrompter(strings.NewReader("maybe\nA\ny\n"), &out)
	req := approval.Request{
		Tool:      tools.Descriptor{Name: "shell", CommandArg: "command"},
		Arguments: json.RawMessage(`{"command":"make test"}`),
	}

	answer, err := p.Confirm(context.Background(), req, approval.Decision{Rationale: "mutating"})
	require.NoError(t, err)
	assert.Equal(t, approval.AnswerAlways, answer)
	assert.Contains(t, out.String(), "shell wants to run `make test`")
	assert.Equal(t, 2, strings.Count(out.String(), "Allow?"))

	answer, err = p.Confirm(context.Background(), req, approval.Decision{})
	require.NoError(t, err)
	assert.Equal(t, approval.AnswerAllow, answer)

	_, err = p.Confirm(context.Background(), req, approval.Decision{})
	assert.Error(t, err)
}

func TestPrompterConfirmCancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	p := newPrompter(r, io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	answer, err := p.Confirm(ctx, approval.Request{Arguments: json.RawMessage(`{}`)}, approval.Decision{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, approval.AnswerDeny, answer)
}

func TestParseAnswer(t *testing.T) {
	for in, want := range map[string]approval.Answer{
		"y": approval.AnswerAllow, "YES": approval.AnswerAllow,
		"": approval.AnswerDeny, "no": approval.AnswerDeny,
		"always": approval.AnswerAlways,
	} {
		got, ok := parseAnswer(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := parseAnswer("perhaps")
	assert.False(t, ok)
}

func TestRenderer(t *testing.T) {
	var out bytes.Buffer
	r := &renderer{out: &out}
	r.render(agentloop.Event{Kind: agentloop.EventToolCallStart, Data: map[string]interface{}{
		"tool": "read_file", "arguments": `{"path":"a.go"}`,
	}})
	r.render(agentloop.Event{Kind: agentloop.EventApproval, Data: map[string]interface{}{
		"tool": "shell", "verdict": "deny", "rationale": "dangerous command",
	}})
	r.render(agentloop.Event{Kind: agentloop.EventApproval, Data: map[string]interface{}{
		"tool": "read_file", "verdict": "allow",
	}})
	assert.Contains(t, out.String(), `→ read_file {"path":"a.go"}`)
	assert.Contains(t, out.String(), "✗ shell deny: dangerous command")
	assert.NotContains(t, out.String(), "read_file allow")

	out.Reset()
	quiet := &renderer{out: &out, quiet: true}
	quiet.render(agentloop.Event{Kind: agentloop.EventAssistantText, Data: map[string]interface{}{"text": "hi"}})
	quiet.render(agentloop.Event{Kind: agentloop.EventError, Data: map[string]interface{}{"error": "boom"}})
	assert.Equal(t, "error: boom\n", out.String())
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "first …", preview("first\nsecond"))
	long := preview(strings.Repeat("é", previewLimit+10))
	assert.Equal(t, previewLimit+1, len([]rune(long)))
}
