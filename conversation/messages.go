package conversation

import (
	"github.com/martinemde/relay/llm"
)

// SummaryPreamble introduces the synthetic summary turn to the model.
const SummaryPreamble = "[Context Restoration] Earlier parts of this conversation were compressed. " +
	"Summary of the work so far:\n\n"

// ToMessages converts turns into provider messages.
func ToMessages(turns []Turn) []llm.Message {
	messages := make([]llm.Message, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case RoleUser:
			messages = append(messages, llm.UserMessage(turn.Content))
		case RoleSummary:
			messages = append(messages, llm.UserMessage(SummaryPreamble+turn.Content+
				"\n\nContinue the task from where it left off."))
		case RoleAssistant:
			msg := llm.Message{Role: llm.RoleAssistant}
			if turn.Content != "" {
				msg.Content = append(msg.Content, llm.TextPart(turn.Content))
			}
			for _, c := range turn.ToolCalls {
				msg.Content = append(msg.Content, llm.ToolCallPart(c.ID, c.Name, c.Arguments))
			}
			messages = append(messages, msg)
		case RoleTool:
			for _, r := range turn.Results {
				messages = append(messages, llm.ToolResultMessage(r.RequestID, r.Payload, r.IsError()))
			}
		}
	}
	return messages
}

// RequestsFromResponse turns the tool calls of a model response into requests.
func RequestsFromResponse(resp *llm.Response) []ToolCallRequest {
	calls := resp.ToolCalls()
	if len(calls) == 0 {
		return nil
	}
	reqs := make([]ToolCallRequest, len(calls))
	for i, c := range calls {
		reqs[i] = ToolCallRequest{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return reqs
}
