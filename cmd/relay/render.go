package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/martinemde/relay/agentloop"
)

const previewLimit = 160

// renderer prints loop events as one-line progress notes.
type renderer struct {
	out   io.Writer
	quiet bool
}

func (r *renderer) render(ev agentloop.Event) {
	if r.quiet && ev.Kind != agentloop.EventError && ev.Kind != agentloop.EventLoopDetected {
		return
	}
	switch ev.Kind {
	case agentloop.EventAssistantText:
		fmt.Fprintf(r.out, "· %s\n", preview(str(ev.Data["text"])))
	case agentloop.EventToolCallStart:
		fmt.Fprintf(r.out, "→ %s %s\n", str(ev.Data["tool"]), preview(str(ev.Data["arguments"])))
	case agentloop.EventToolCallEnd:
		fmt.Fprintf(r.out, "← %s %s (%vms)\n", str(ev.Data["tool"]), str(ev.Data["status"]), ev.Data["duration_ms"])
	case agentloop.EventApproval:
		if v := str(ev.Data["verdict"]); v != "allow" {
			fmt.Fprintf(r.out, "✗ %s %s: %s\n", str(ev.Data["tool"]), v, str(ev.Data["rationale"]))
		}
	case agentloop.EventCompression:
		fmt.Fprintf(r.out, "context compressed (%v turns summarized)\n", ev.Data["window_start"])
	case agentloop.EventLoopDetected:
		fmt.Fprintf(r.out, "loop detected: %s\n", str(ev.Data["message"]))
	case agentloop.EventWarning:
		fmt.Fprintf(r.out, "warning: %s\n", str(ev.Data["message"]))
	case agentloop.EventError:
		fmt.Fprintf(r.out, "error: %s\n", str(ev.Data["error"]))
	}
}

func str(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// preview returns the first line of s, shortened to previewLimit runes.
func preview(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " …"
	}
	if runes := []rune(s); len(runes) > previewLimit {
		s = string(runes[:previewLimit]) + "…"
	}
	return s
}
