package conversation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role discriminates between turn kinds.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	// RoleSummary marks the synthetic turn that stands in for compressed history.
	RoleSummary Role = "summary"
)

// Status is the outcome of a tool call.
type Status string

const (
	StatusOK     Status = "ok"
	StatusError  Status = "error"
	StatusDenied Status = "denied"
)

// ToolCallRequest is a tool invocation parsed from model output.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	// TurnIndex is the index of the assistant turn that issued the request.
	TurnIndex int `json:"turn_index"`
}

// ToolCallResult answers exactly one ToolCallRequest.
type ToolCallResult struct {
	RequestID string        `json:"request_id"`
	ToolName  string        `json:"tool_name"`
	Status    Status        `json:"status"`
	Payload   string        `json:"payload"`
	Duration  time.Duration `json:"duration"`
}

// IsError reports whether the model should see this result as a failure.
func (r ToolCallResult) IsError() bool {
	return r.Status != StatusOK
}

// Turn is one message unit. Turns are values and are never modified after
// being appended to a Session.
type Turn struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content,omitempty"`
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`
	Results   []ToolCallResult  `json:"results,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	// Covers is the number of original turns a summary turn replaces.
	Covers int `json:"covers,omitempty"`
}

func NewUserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content, Timestamp: time.Now().UTC()}
}

// NewAssistantTurn creates an assistant turn. Requests without an id, or
// repeating an id already used in the turn, get a fresh one.
func NewAssistantTurn(content string, calls []ToolCallRequest) Turn {
	seen := make(map[string]bool, len(calls))
	for i := range calls {
		if calls[i].ID == "" || seen[calls[i].ID] {
			calls[i].ID = NewCallID()
		}
		seen[calls[i].ID] = true
		if len(calls[i].Arguments) == 0 {
			calls[i].Arguments = json.RawMessage(`{}`)
		}
	}
	return Turn{Role: RoleAssistant, Content: content, ToolCalls: calls, Timestamp: time.Now().UTC()}
}

func NewToolTurn(results []ToolCallResult) Turn {
	return Turn{Role: RoleTool, Results: results, Timestamp: time.Now().UTC()}
}

func NewSummaryTurn(summary string, covers int) Turn {
	return Turn{Role: RoleSummary, Content: summary, Covers: covers, Timestamp: time.Now().UTC()}
}

// NewCallID returns a fresh tool call id.
func NewCallID() string {
	return "call_" + uuid.New().String()[:8]
}

// HasToolCalls reports whether an assistant turn requested tools.
func (t Turn) HasToolCalls() bool {
	return t.Role == RoleAssistant && len(t.ToolCalls) > 0
}

// Text renders the turn as plain text, used for token estimation and
// summarization transcripts.
func (t Turn) Text() string {
	switch t.Role {
	case RoleTool:
		s := ""
		for _, r := range t.Results {
			s += fmt.Sprintf("[%s %s] %s\n", r.ToolName, r.Status, r.Payload)
		}
		return s
	case RoleAssistant:
		s := t.Content
		for _, c := range t.ToolCalls {
			s += fmt.Sprintf("\n[call %s %s]", c.Name, string(c.Arguments))
		}
		return s
	default:
		return t.Content
	}
}
