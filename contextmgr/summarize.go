package contextmgr

import (
	"fmt"
	"strings"

	"github.com/martinemde/relay/conversation"
)

const summarizationInstruction = `You compress the history of a coding agent session so the agent can continue without it.

Write a continuation summary with these sections:

## Goal
What the user asked for, including constraints and preferences.

## Completed actions
Every action already performed and its outcome. The agent must not repeat these.

## Files touched
Paths created, read or modified, with a one-line note each.

## Current state
Relevant findings, errors seen, decisions made.

## Remaining work
The concrete next steps.

Be specific: keep paths, identifiers, commands and error messages verbatim. Do not invent anything.`

const (
	userLimit      = 2000
	assistantLimit = 3000
	argsLimit      = 500
	resultLimit    = 1500
)

func clip(s string, limit int, marker string) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n... [" + marker + " truncated]"
}

// transcript renders turns for the summarization request. A previous summary
// is folded in first so earlier context survives repeated compression.
func transcript(previous string, turns []conversation.Turn) string {
	var parts []string
	if previous != "" {
		parts = append(parts, "Summary of the conversation before this point:\n"+previous)
	}
	parts = append(parts, "Conversation to summarize:")
	for _, t := range turns {
		switch t.Role {
		case conversation.RoleUser:
			parts = append(parts, "User:\n"+clip(t.Content, userLimit, "message"))
		case conversation.RoleAssistant:
			if t.Content != "" {
				parts = append(parts, "Assistant:\n"+clip(t.Content, assistantLimit, "response"))
			}
			if len(t.ToolCalls) > 0 {
				lines := make([]string, len(t.ToolCalls))
				for i, c := range t.ToolCalls {
					args := string(c.Arguments)
					if len(args) > argsLimit {
						args = args[:argsLimit]
					}
					lines[i] = fmt.Sprintf("  - %s(%s)", c.Name, args)
				}
				parts = append(parts, "Assistant called tools:\n"+strings.Join(lines, "\n"))
			}
		case conversation.RoleTool:
			for _, r := range t.Results {
				parts = append(parts, fmt.Sprintf("[Tool result %s %s (%s)]:\n%s",
					r.ToolName, r.Status, r.RequestID, clip(r.Payload, resultLimit, "tool output")))
			}
		case conversation.RoleSummary:
			parts = append(parts, "Earlier summary:\n"+t.Content)
		}
	}
	return strings.Join(parts, "\n\n---\n\n")
}
