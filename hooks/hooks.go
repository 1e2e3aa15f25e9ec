// Package hooks runs user-configured shell commands at agent lifecycle
// phases. Hooks see the agent only through environment variables and a JSON
// document on stdin, and report back only through their exit status.
package hooks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrHookAborted is returned when a before-phase hook fails.
var ErrHookAborted = errors.New("aborted by hook")

type Phase string

const (
	BeforeAgent     Phase = "before_agent"
	AfterAgent      Phase = "after_agent"
	BeforeIteration Phase = "before_iteration"
	AfterIteration  Phase = "after_iteration"
	BeforeTool      Phase = "before_tool"
	AfterTool       Phase = "after_tool"
	OnError         Phase = "on_error"
)

var phases = []Phase{BeforeAgent, AfterAgent, BeforeIteration, AfterIteration, BeforeTool, AfterTool, OnError}

// Phases lists every lifecycle phase.
func Phases() []Phase {
	return append([]Phase(nil), phases...)
}

// Before reports whether a failure in this phase aborts the action.
func (p Phase) Before() bool {
	return strings.HasPrefix(string(p), "before_")
}

func (p Phase) Valid() bool {
	for _, v := range phases {
		if p == v {
			return true
		}
	}
	return false
}

// DefaultTimeout bounds a hook that does not set its own.
const DefaultTimeout = 30 * time.Second

// Hook is one registered command. Command runs through sh -c; Script, if
// set instead, is written to a temporary file and executed.
type Hook struct {
	Name    string        `yaml:"name"`
	Phase   Phase         `yaml:"phase"`
	Command string        `yaml:"command,omitempty"`
	Script  string        `yaml:"script,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	Enabled *bool         `yaml:"enabled,omitempty"`
}

// IsEnabled defaults to true.
func (h Hook) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

func (h Hook) Validate() error {
	if !h.Phase.Valid() {
		return errors.Errorf("hook %q: unknown phase %q", h.Name, h.Phase)
	}
	if strings.TrimSpace(h.Command) == "" && strings.TrimSpace(h.Script) == "" {
		return errors.Errorf("hook %q: command or script is required", h.Name)
	}
	if h.Command != "" && h.Script != "" {
		return errors.Errorf("hook %q: command and script are mutually exclusive", h.Name)
	}
	if h.Timeout < 0 {
		return errors.Errorf("hook %q: negative timeout", h.Name)
	}
	return nil
}

func (h Hook) timeout() time.Duration {
	if h.Timeout > 0 {
		return h.Timeout
	}
	return DefaultTimeout
}

// Context is what a hook is told about the current action.
type Context struct {
	Phase       Phase           `json:"phase"`
	SessionID   string          `json:"session_id,omitempty"`
	Iteration   int             `json:"iteration,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	ToolArgs    json.RawMessage `json:"tool_args,omitempty"`
	ToolResult  string          `json:"tool_result,omitempty"`
	UserMessage string          `json:"user_message,omitempty"`
	Response    string          `json:"response,omitempty"`
	Error       string          `json:"error,omitempty"`
	WorkingDir  string          `json:"cwd,omitempty"`
}

// Environ renders c as RELAY_* variables.
func (c Context) Environ() []string {
	env := []string{
		"RELAY_PHASE=" + string(c.Phase),
		"RELAY_SESSION_ID=" + c.SessionID,
		"RELAY_CWD=" + c.WorkingDir,
	}
	add := func(name, value string) {
		if value != "" {
			env = append(env, name+"="+value)
		}
	}
	if c.Iteration > 0 {
		add("RELAY_ITERATION", fmt.Sprint(c.Iteration))
	}
	add("RELAY_TOOL_NAME", c.ToolName)
	add("RELAY_TOOL_CALL_ID", c.ToolCallID)
	add("RELAY_TOOL_ARGS", string(c.ToolArgs))
	add("RELAY_TOOL_RESULT", c.ToolResult)
	add("RELAY_USER_MESSAGE", c.UserMessage)
	add("RELAY_RESPONSE", c.Response)
	add("RELAY_ERROR", c.Error)
	return env
}

// Result is the outcome of one hook execution.
type Result struct {
	Hook     string        `json:"hook"`
	Phase    Phase         `json:"phase"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Err      error         `json:"-"`
}

func (r Result) Failed() bool {
	return r.Err != nil || r.TimedOut || r.ExitCode != 0
}

// Reason describes a failure for logs and abort messages.
func (r Result) Reason() string {
	switch {
	case r.Err != nil:
		return r.Err.Error()
	case r.TimedOut:
		return "timed out"
	case r.ExitCode != 0:
		msg := fmt.Sprintf("exit status %d", r.ExitCode)
		if detail := strings.TrimSpace(r.Stderr); detail != "" {
			msg += ": " + firstLine(detail)
		}
		return msg
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
