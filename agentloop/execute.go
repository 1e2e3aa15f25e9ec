package agentloop

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/martinemde/relay/approval"
	"github.com/martinemde/relay/conversation"
	"github.com/martinemde/relay/hooks"
	"github.com/martinemde/relay/tools"
)

const (
	cancelledPayload = "cancelled before execution"
	skippedRationale = "skipped after earlier denial"
)

type sessionIDKey struct{}

// SessionIDFromContext returns the id of the session whose tool call is
// running on ctx.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}

func result(call conversation.ToolCallRequest, status conversation.Status, payload string) conversation.ToolCallResult {
	return conversation.ToolCallResult{RequestID: call.ID, ToolName: call.Name, Status: status, Payload: payload}
}

// executeBatch decides every call in request order, then runs the allowed
// ones. Results come back in request order, one per call.
func (l *Loop) executeBatch(ctx context.Context, rs *run, calls []conversation.ToolCallRequest, iteration int) []conversation.ToolCallResult {
	results := make([]conversation.ToolCallResult, len(calls))
	resolved := make([]*tools.Tool, len(calls))
	var runnable []int
	denied := false

	for i, call := range calls {
		if denied && l.cfg.FailFastOnDenial {
			results[i] = result(call, conversation.StatusDenied, "Denied: "+skippedRationale)
			continue
		}
		if ctx.Err() != nil {
			results[i] = result(call, conversation.StatusError, cancelledPayload)
			continue
		}
		tool, ok := l.registry.Get(call.Name)
		if !ok {
			results[i] = result(call, conversation.StatusError, fmt.Sprintf("Error: unknown tool %q", call.Name))
			continue
		}

		decision, err := l.gate.Resolve(ctx, approval.Request{
			CallID:     call.ID,
			Tool:       tool.Descriptor,
			Arguments:  call.Arguments,
			SessionID:  rs.sess.ID,
			WorkingDir: l.env.WorkingDir(),
		})
		if err != nil {
			if ctx.Err() != nil {
				results[i] = result(call, conversation.StatusError, cancelledPayload)
			} else {
				results[i] = result(call, conversation.StatusDenied, "Denied: "+err.Error())
				denied = true
			}
			continue
		}
		l.emit(EventApproval, rs.sess, map[string]interface{}{
			"call_id":   call.ID,
			"tool":      call.Name,
			"policy":    string(decision.Policy),
			"verdict":   string(decision.Verdict),
			"rationale": decision.Rationale,
		})
		if !decision.Allowed() {
			results[i] = result(call, conversation.StatusDenied, "Denied: "+decision.Rationale)
			denied = true
			continue
		}
		resolved[i] = tool
		runnable = append(runnable, i)
	}

	if l.parallel(runnable, resolved) {
		var g errgroup.Group
		g.SetLimit(l.cfg.Parallelism)
		for _, i := range runnable {
			i := i
			g.Go(func() error {
				results[i] = l.invoke(ctx, rs, calls[i], resolved[i], iteration)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, i := range runnable {
			results[i] = l.invoke(ctx, rs, calls[i], resolved[i], iteration)
		}
	}
	return results
}

func (l *Loop) parallel(runnable []int, resolved []*tools.Tool) bool {
	if !l.cfg.ParallelTools || len(runnable) < 2 {
		return false
	}
	for _, i := range runnable {
		if !resolved[i].ParallelSafe {
			return false
		}
	}
	return true
}

// invoke runs one allowed call. Once started, a call runs to completion even
// if ctx is cancelled, unless the tool is interruptible.
func (l *Loop) invoke(ctx context.Context, rs *run, call conversation.ToolCallRequest, tool *tools.Tool, iteration int) conversation.ToolCallResult {
	if ctx.Err() != nil {
		return result(call, conversation.StatusError, cancelledPayload)
	}
	logger := rs.logger.With().Str("tool", call.Name).Str("call_id", call.ID).Logger()

	hc := hooks.Context{
		SessionID:  rs.sess.ID,
		Iteration:  iteration,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		ToolArgs:   call.Arguments,
		WorkingDir: l.env.WorkingDir(),
	}
	if _, err := l.hooks.Invoke(ctx, hooks.BeforeTool, hc); err != nil {
		logger.Info().Err(err).Msg("tool call blocked by hook")
		return result(call, conversation.StatusError, "Error: "+err.Error())
	}

	l.emit(EventToolCallStart, rs.sess, map[string]interface{}{
		"call_id":   call.ID,
		"tool":      call.Name,
		"arguments": string(call.Arguments),
	})

	runCtx := context.WithoutCancel(ctx)
	if tool.Interruptible {
		runCtx = ctx
	}
	runCtx = context.WithValue(runCtx, sessionIDKey{}, rs.sess.ID)

	start := time.Now()
	output, err := l.registry.Invoke(runCtx, call.Name, call.Arguments)
	duration := time.Since(start)

	status := conversation.StatusOK
	if err != nil {
		status = conversation.StatusError
		output = tools.FormatError(err)
	}
	res := result(call, status, l.context.Prune(call.Name, output))
	res.Duration = duration

	l.emit(EventToolCallEnd, rs.sess, map[string]interface{}{
		"call_id":     call.ID,
		"tool":        call.Name,
		"status":      string(status),
		"output":      output,
		"duration_ms": duration.Milliseconds(),
	})
	logger.Debug().Str("status", string(status)).Dur("duration", duration).Msg("tool call finished")

	hc.ToolResult = res.Payload
	l.afterHook(ctx, rs, hooks.AfterTool, hc)
	return res
}
