// Package agentloop drives a conversation between a language model and the
// tools it may call.
//
// A Loop turns model output into tool calls, routes every call through the
// approval gate, feeds results back, and keeps the model-visible window under
// budget through the context manager. The loop detector stops runs that keep
// repeating themselves, and a session store checkpoints every completed
// iteration so an interrupted run can be resumed.
//
// # Architecture
//
//   - Loop: runs one session at a time; the session is passed explicitly.
//   - Dispatcher: spawns nested loops for subagent tools, each with its own
//     session, approval rules, context window and loop detector.
//   - EventEmitter: non-blocking typed event stream for the host.
//
// # Quick Start
//
//	env := tools.NewLocalEnvironment("/path/to/project")
//	reg := tools.NewRegistry()
//	tools.RegisterBuiltins(reg, env, tools.DefaultShellOptions())
//
//	loop := agentloop.New(client, reg, env, agentloop.DefaultConfig("claude-sonnet-4-5"),
//	    agentloop.WithGate(approval.NewGate(approval.PolicyAuto, approval.WithWorkingDir(env.WorkingDir()))),
//	    agentloop.WithStore(store))
//	defer loop.Close()
//
//	sess := conversation.NewSession(nil)
//	final, err := loop.Run(ctx, sess, "Create a hello.go file")
package agentloop
