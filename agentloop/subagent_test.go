package agentloop

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/relay/approval"
	"github.com/martinemde/relay/conversation"
	"github.com/martinemde/relay/llm"
	"github.com/martinemde/relay/sessionstore"
)

const investigatorRole = "You investigate one question."

func investigator() SubagentDefinition {
	return SubagentDefinition{
		Name:         "investigator",
		Description:  "answers a question about the code",
		GoalPrompt:   investigatorRole,
		AllowedTools: []string{"echo", "read_file"},
		MaxTurns:     3,
	}
}

func isChild(req llm.Request) bool {
	return strings.Contains(req.SystemPrompt(), investigatorRole)
}

func toolNames(req llm.Request) []string {
	var out []string
	for _, d := range req.Tools {
		out = append(out, d.Name)
	}
	return out
}

type blocking struct{}

func (blocking) Complete(ctx context.Context, _ llm.Request) (*llm.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSubagentToolDescriptor(t *testing.T) {
	f := newFixture(t)
	f.cfg.Subagents = []SubagentDefinition{investigator(), {Name: "writer", AllowedTools: []string{"write_file"}}}
	l := f.loop(sequence(), approval.PolicyAuto)

	tool, ok := l.Registry().Get("subagent_investigator")
	require.True(t, ok)
	assert.False(t, tool.Mutating)
	assert.True(t, tool.ParallelSafe)
	assert.True(t, tool.Interruptible)
	assert.Equal(t, []string{"goal"}, tool.Parameters["required"])

	writer, ok := l.Registry().Get("subagent_writer")
	require.True(t, ok)
	assert.True(t, writer.Mutating)
	assert.False(t, writer.ParallelSafe)
}

func TestSubagentSuccess(t *testing.T) {
	f := newFixture(t)
	f.cfg.Subagents = []SubagentDefinition{investigator()}
	store, err := sessionstore.NewFileStore(context.Background(), filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)

	var child []llm.Request
	parentCalls := 0
	c := &scripted{reply: func(_ int, req llm.Request) (*llm.Response, error) {
		if isChild(req) {
			child = append(child, req)
			if len(child) == 1 {
				return calls(call("c1", "echo", `{"q":"where"}`)), nil
			}
			return text("it lives in main.go"), nil
		}
		parentCalls++
		if parentCalls == 1 {
			return calls(call("p1", "subagent_investigator", `{"goal":"find the entry point"}`)), nil
		}
		return text("main.go is the entry point"), nil
	}}
	l := f.loop(c, approval.PolicyAuto, WithStore(store))
	sess := conversation.NewSession(nil)

	final, err := l.Run(context.Background(), sess, "where does it start?")
	require.NoError(t, err)
	assert.Equal(t, "main.go is the entry point", final.Content)

	res := sess.Turns()[2].Results[0]
	assert.Equal(t, conversation.StatusOK, res.Status)
	assert.Contains(t, res.Payload, "Termination: goal")
	assert.Contains(t, res.Payload, "Tools used: echo")
	assert.Contains(t, res.Payload, "it lives in main.go")

	require.Len(t, child, 2)
	assert.ElementsMatch(t, []string{"echo", "read_file"}, toolNames(child[0]))
	assert.Contains(t, child[0].Messages[1].TextContent(), "find the entry point")

	summaries, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	var sub sessionstore.Summary
	for _, s := range summaries {
		if s.ID != sess.ID {
			sub = s
		}
	}
	assert.Equal(t, sess.ID, sub.ParentID)
	assert.Equal(t, "investigator", sub.Metadata["subagent"])
	assert.Zero(t, l.Subagents().Active())
}

func TestSubagentFailureBecomesErrorResult(t *testing.T) {
	f := newFixture(t)
	def := investigator()
	def.MaxTurns = 1
	f.cfg.Subagents = []SubagentDefinition{def}

	childCalls, parentCalls := 0, 0
	c := &scripted{reply: func(_ int, req llm.Request) (*llm.Response, error) {
		if isChild(req) {
			childCalls++
			return calls(call(fmt.Sprintf("c%d", childCalls), "echo", fmt.Sprintf(`{"n":%d}`, childCalls))), nil
		}
		parentCalls++
		if parentCalls == 1 {
			return calls(call("p1", "subagent_investigator", `{"goal":"dig"}`)), nil
		}
		return text("the subagent gave up"), nil
	}}
	l := f.loop(c, approval.PolicyAuto)
	sess := conversation.NewSession(nil)

	final, err := l.Run(context.Background(), sess, "investigate")
	require.NoError(t, err)
	assert.Equal(t, "the subagent gave up", final.Content)

	res := sess.Turns()[2].Results[0]
	assert.Equal(t, conversation.StatusError, res.Status)
	assert.Contains(t, res.Payload, "Termination: budget_exceeded")
	assert.Equal(t, 1, childCalls)
}

func TestSubagentsDoNotNest(t *testing.T) {
	f := newFixture(t)
	def := investigator()
	def.AllowedTools = nil
	f.cfg.Subagents = []SubagentDefinition{def}

	var child llm.Request
	c := &scripted{reply: func(_ int, req llm.Request) (*llm.Response, error) {
		if isChild(req) {
			child = req
			return text("done"), nil
		}
		if len(req.Messages) == 2 {
			return calls(call("p1", "subagent_investigator", `{"goal":"look"}`)), nil
		}
		return text("ok"), nil
	}}
	l := f.loop(c, approval.PolicyAuto)

	_, err := l.Run(context.Background(), conversation.NewSession(nil), "go")
	require.NoError(t, err)
	names := toolNames(child)
	assert.Contains(t, names, "list_dir")
	for _, n := range names {
		assert.False(t, strings.HasPrefix(n, "subagent_"), n)
	}
}

func TestSubagentTimeout(t *testing.T) {
	f := newFixture(t)
	def := investigator()
	def.Timeout = 50 * time.Millisecond
	f.cfg.Subagents = []SubagentDefinition{def}
	l := f.loop(blocking{}, approval.PolicyAuto)

	res, err := l.Subagents().Run(context.Background(), def, "wait forever", "parent-session")
	require.NoError(t, err)
	assert.Equal(t, TerminationTimeout, res.Termination)
	assert.Error(t, res.Err)
}

func TestSubagentCloseAllCancels(t *testing.T) {
	f := newFixture(t)
	f.cfg.Subagents = []SubagentDefinition{investigator()}
	l := f.loop(blocking{}, approval.PolicyAuto)
	d := l.Subagents()

	h, err := d.Spawn(context.Background(), investigator(), "wait", "parent-session")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Active())

	d.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, TerminationCancelled, res.Termination)
	assert.Zero(t, d.Active())
}

func TestSpawnRequiresGoal(t *testing.T) {
	f := newFixture(t)
	f.cfg.Subagents = []SubagentDefinition{investigator()}
	l := f.loop(sequence(), approval.PolicyAuto)

	_, err := l.Subagents().Spawn(context.Background(), investigator(), "  ", "")
	assert.Error(t, err)
}

func TestSubagentSummary(t *testing.T) {
	r := SubagentResult{
		Name:        "investigator",
		Termination: TerminationGoal,
		ToolsUsed:   []string{"grep", "read_file"},
		Output:      strings.Repeat("x", 500),
	}
	full := r.Summary(10000)
	assert.True(t, strings.HasPrefix(full, `Subagent "investigator" finished.`))
	assert.Contains(t, full, "Tools used: grep, read_file")

	short := r.Summary(200)
	assert.Less(t, len(short), len(full))
	assert.Contains(t, short, "Termination: goal")
	assert.Contains(t, short, "characters removed")

	assert.Contains(t, SubagentResult{Name: "x", Termination: TerminationError}.Summary(100), "Tools used: none")
}

func TestTerminationOf(t *testing.T) {
	live := context.Background()
	expired, cancel := context.WithTimeout(live, time.Nanosecond)
	defer cancel()
	<-expired.Done()
	cancelled, stop := context.WithCancel(live)
	stop()

	assert.Equal(t, TerminationGoal, terminationOf(nil, live, live))
	assert.Equal(t, TerminationTimeout, terminationOf(ErrUserAborted, live, expired))
	assert.Equal(t, TerminationCancelled, terminationOf(ErrUserAborted, cancelled, cancelled))
	assert.Equal(t, TerminationBudgetExceeded, terminationOf(ErrBudgetExceeded, live, live))
	assert.Equal(t, TerminationLoopDetected, terminationOf(ErrLoopDetected, live, live))
	assert.Equal(t, TerminationError, terminationOf(&providerError{err: fmt.Errorf("boom")}, live, live))
}
