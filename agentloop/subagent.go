package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/martinemde/relay/contextmgr"
	"github.com/martinemde/relay/conversation"
	"github.com/martinemde/relay/loopdetect"
	"github.com/martinemde/relay/tools"
)

// SubagentDefinition describes a named subagent exposed to the model as the
// tool subagent_<Name>.
type SubagentDefinition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	GoalPrompt  string `yaml:"goal_prompt"`
	// AllowedTools restricts the subagent's registry; empty means every tool
	// of the parent except other subagents.
	AllowedTools []string      `yaml:"allowed_tools"`
	MaxTurns     int           `yaml:"max_turns"`
	Timeout      time.Duration `yaml:"timeout"`
}

func (d SubagentDefinition) ToolName() string { return "subagent_" + d.Name }

func DefaultSubagents() []SubagentDefinition {
	return []SubagentDefinition{
		{
			Name:        "codebase_investigator",
			Description: "Investigates the codebase to answer questions about code structure, patterns and implementations.",
			GoalPrompt: `You are a codebase investigation specialist.
Your job is to explore and understand code to answer questions.
Use read_file, grep, glob and list_dir to investigate.
Do NOT modify any files.`,
			AllowedTools: []string{"read_file", "grep", "glob", "list_dir"},
			MaxTurns:     20,
			Timeout:      10 * time.Minute,
		},
		{
			Name:        "code_reviewer",
			Description: "Reviews code and reports bugs, security issues and possible improvements.",
			GoalPrompt: `You are a code review specialist.
Your job is to review code and provide constructive feedback.
Look for bugs, code smells, security issues and improvement opportunities.
Use read_file, list_dir and grep to examine the code.
Do NOT modify any files.`,
			AllowedTools: []string{"read_file", "grep", "list_dir"},
			MaxTurns:     10,
			Timeout:      5 * time.Minute,
		},
	}
}

const subagentTask = `Complete the following task and report back.

TASK:
%s

Focus only on this task. When you have the answer, reply with it directly and concisely.`

// Termination is why a subagent stopped.
type Termination string

const (
	TerminationGoal           Termination = "goal"
	TerminationTimeout        Termination = "timeout"
	TerminationCancelled      Termination = "cancelled"
	TerminationBudgetExceeded Termination = "budget_exceeded"
	TerminationLoopDetected   Termination = "loop_detected"
	TerminationError          Termination = "error"
)

// SubagentResult is what a finished subagent reports to its parent.
type SubagentResult struct {
	Name        string
	SessionID   string
	Termination Termination
	ToolsUsed   []string
	Output      string
	Turns       int
	Err         error
}

// Summary renders the result for the parent model, bounded to limit
// characters.
func (r SubagentResult) Summary(limit int) string {
	used := "none"
	if len(r.ToolsUsed) > 0 {
		used = strings.Join(r.ToolsUsed, ", ")
	}
	output := r.Output
	if output == "" {
		output = "(no response)"
	}
	text := fmt.Sprintf("Subagent %q finished.\nTermination: %s\nTools used: %s\n\nResult:\n%s",
		r.Name, r.Termination, used, output)
	return contextmgr.PruneChars(text, limit, contextmgr.PruneHeadTail)
}

// SubagentHandle tracks a spawned subagent.
type SubagentHandle struct {
	ID        string
	Name      string
	SessionID string

	done   chan struct{}
	result SubagentResult
	cancel context.CancelFunc
}

// Done is closed when the subagent finishes.
func (h *SubagentHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the subagent finishes or ctx is done.
func (h *SubagentHandle) Wait(ctx context.Context) (SubagentResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return SubagentResult{}, ctx.Err()
	}
}

func (h *SubagentHandle) Cancel() { h.cancel() }

// Dispatcher spawns subagent loops for a parent loop. Each subagent owns its
// session, approval rules, context window and loop detector; it shares only
// the workspace, the completer, the store and the hooks.
type Dispatcher struct {
	parent *Loop

	mu      sync.Mutex
	handles map[string]*SubagentHandle
}

func newDispatcher(parent *Loop) *Dispatcher {
	return &Dispatcher{parent: parent, handles: make(map[string]*SubagentHandle)}
}

// Subagents returns the dispatcher, or nil when the loop cannot spawn.
func (l *Loop) Subagents() *Dispatcher { return l.subagents }

func (d *Dispatcher) child(def SubagentDefinition) *Loop {
	p := d.parent
	reg := p.base.Clone()
	if len(def.AllowedTools) > 0 {
		reg = p.base.Subset(def.AllowedTools...)
	}
	cfg := p.cfg
	if def.MaxTurns > 0 {
		cfg.MaxIterations = def.MaxTurns
	}
	return New(p.completer, reg, p.env, cfg,
		WithGate(p.gate.Fork()),
		WithContextManager(p.context.Fork()),
		WithDetector(loopdetect.New(p.detector.Config())),
		WithStore(p.store),
		WithHooks(p.hooks),
		WithRetryPolicy(p.retry),
		WithLogger(p.logger.With().Str("subagent", def.Name).Logger()),
		withDepth(p.depth+1),
		withRole(def.GoalPrompt),
	)
}

// Spawn starts a subagent working on goal and returns immediately. The
// subagent stops when ctx is cancelled or its timeout expires.
func (d *Dispatcher) Spawn(ctx context.Context, def SubagentDefinition, goal, parentSessionID string) (*SubagentHandle, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, errors.New("subagent goal is required")
	}
	child := d.child(def)
	sess := conversation.NewSession(map[string]string{"subagent": def.Name})
	sess.ParentID = parentSessionID

	var runCtx context.Context
	var cancel context.CancelFunc
	if def.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, def.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	h := &SubagentHandle{
		ID:        uuid.New().String(),
		Name:      def.Name,
		SessionID: sess.ID,
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	d.mu.Lock()
	d.handles[h.ID] = h
	d.mu.Unlock()

	d.parent.logger.Info().
		Str("subagent", def.Name).
		Str("session_id", sess.ID).
		Str("parent_id", parentSessionID).
		Msg("subagent spawned")

	go func() {
		defer close(h.done)
		defer cancel()
		defer child.Close()

		final, err := child.Run(runCtx, sess, fmt.Sprintf(subagentTask, goal))
		h.result = SubagentResult{
			Name:        def.Name,
			SessionID:   sess.ID,
			Termination: terminationOf(err, ctx, runCtx),
			ToolsUsed:   toolsUsed(sess),
			Output:      final.Content,
			Turns:       sess.Len(),
			Err:         err,
		}
		if err != nil {
			h.result.Output = err.Error()
		}

		d.mu.Lock()
		delete(d.handles, h.ID)
		d.mu.Unlock()
	}()
	return h, nil
}

// Run spawns a subagent and waits for it.
func (d *Dispatcher) Run(ctx context.Context, def SubagentDefinition, goal, parentSessionID string) (SubagentResult, error) {
	h, err := d.Spawn(ctx, def, goal, parentSessionID)
	if err != nil {
		return SubagentResult{}, err
	}
	return h.Wait(ctx)
}

// Active returns the number of running subagents.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

// CloseAll cancels every running subagent.
func (d *Dispatcher) CloseAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range d.handles {
		h.cancel()
	}
}

func terminationOf(err error, parent, run context.Context) Termination {
	switch {
	case err == nil:
		return TerminationGoal
	case errors.Is(err, ErrUserAborted) && parent.Err() == nil && run.Err() == context.DeadlineExceeded:
		return TerminationTimeout
	case errors.Is(err, ErrUserAborted):
		return TerminationCancelled
	case errors.Is(err, ErrBudgetExceeded):
		return TerminationBudgetExceeded
	case errors.Is(err, ErrLoopDetected):
		return TerminationLoopDetected
	default:
		return TerminationError
	}
}

func toolsUsed(sess *conversation.Session) []string {
	seen := map[string]bool{}
	for _, t := range sess.Turns() {
		for _, c := range t.ToolCalls {
			seen[c.Name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// tool exposes def to the parent model. A failed subagent produces an error
// result carrying its summary; it never fails the parent run.
func (d *Dispatcher) tool(def SubagentDefinition) tools.Tool {
	mutating := len(def.AllowedTools) == 0
	for _, name := range def.AllowedTools {
		if t, ok := d.parent.base.Get(name); ok && t.Mutating {
			mutating = true
		}
	}
	limit := d.parent.cfg.SubagentSummaryLimit

	return tools.Tool{
		Descriptor: tools.Descriptor{
			Name:        def.ToolName(),
			Description: def.Description,
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"goal": map[string]interface{}{
						"type":        "string",
						"description": "The specific task or question for the subagent.",
					},
				},
				"required": []string{"goal"},
			},
			Mutating:      mutating,
			ParallelSafe:  !mutating,
			Interruptible: true,
		},
		Invoke: func(ctx context.Context, raw json.RawMessage) (string, error) {
			args, err := tools.ParseArgs(raw)
			if err != nil {
				return "", err
			}
			goal, err := args.RequireString("goal")
			if err != nil {
				return "", err
			}
			res, err := d.Run(ctx, def, goal, SessionIDFromContext(ctx))
			if err != nil {
				return "", errors.Wrapf(err, "subagent %s", def.Name)
			}
			summary := res.Summary(limit)
			if res.Err != nil {
				return summary, errors.Errorf("subagent %s stopped: %s", def.Name, res.Termination)
			}
			return summary, nil
		},
	}
}
