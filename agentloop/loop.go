package agentloop

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/martinemde/relay/approval"
	"github.com/martinemde/relay/contextmgr"
	"github.com/martinemde/relay/conversation"
	"github.com/martinemde/relay/hooks"
	"github.com/martinemde/relay/llm"
	"github.com/martinemde/relay/loopdetect"
	"github.com/martinemde/relay/sessionstore"
	"github.com/martinemde/relay/tools"
)

// State is the lifecycle state of a Loop.
type State string

const (
	StateIdle                 State = "idle"
	StateAwaitingCompletion   State = "awaiting_completion"
	StateInterpretingResponse State = "interpreting_response"
	StateExecutingTools       State = "executing_tools"
	StateDone                 State = "done"
	StateError                State = "error"
)

// Config holds the loop settings.
type Config struct {
	Model       string   `yaml:"model"`
	Provider    string   `yaml:"provider"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   *int     `yaml:"max_tokens"`
	// MaxIterations caps completion rounds per Run.
	MaxIterations    int  `yaml:"max_iterations"`
	FailFastOnDenial bool `yaml:"fail_fast_on_denial"`
	// ParallelTools lets a batch run concurrently when every tool in it is
	// parallel-safe.
	ParallelTools         bool   `yaml:"parallel_tools"`
	Parallelism           int    `yaml:"parallelism"`
	DeveloperInstructions string `yaml:"developer_instructions"`

	MaxSubagentDepth     int                  `yaml:"max_subagent_depth"`
	SubagentSummaryLimit int                  `yaml:"subagent_summary_limit"`
	Subagents            []SubagentDefinition `yaml:"subagents"`

	EventBuffer int `yaml:"event_buffer"`
}

func DefaultConfig(model string) Config {
	return Config{
		Model:                model,
		MaxIterations:        50,
		Parallelism:          4,
		MaxSubagentDepth:     1,
		SubagentSummaryLimit: 4000,
		Subagents:            DefaultSubagents(),
		EventBuffer:          256,
	}
}

// Loop drives one session at a time through completion rounds.
type Loop struct {
	cfg       Config
	completer llm.Completer
	env       tools.Environment
	// base holds the tools handed to New; registry adds the subagent tools.
	base     *tools.Registry
	registry *tools.Registry

	gate     *approval.Gate
	context  *contextmgr.Manager
	detector *loopdetect.Detector
	store    sessionstore.Store
	hooks    *hooks.Runner
	events   *EventEmitter
	logger   zerolog.Logger
	retry    llm.RetryPolicy

	depth     int
	role      string
	subagents *Dispatcher

	running atomic.Bool
	mu      sync.Mutex
	state   State
	bound   string
}

type Option func(*Loop)

func WithGate(g *approval.Gate) Option {
	return func(l *Loop) { l.gate = g }
}

func WithContextManager(m *contextmgr.Manager) Option {
	return func(l *Loop) { l.context = m }
}

func WithDetector(d *loopdetect.Detector) Option {
	return func(l *Loop) { l.detector = d }
}

func WithStore(s sessionstore.Store) Option {
	return func(l *Loop) { l.store = s }
}

func WithHooks(r *hooks.Runner) Option {
	return func(l *Loop) { l.hooks = r }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

func WithRetryPolicy(p llm.RetryPolicy) Option {
	return func(l *Loop) { l.retry = p }
}

func withDepth(depth int) Option {
	return func(l *Loop) { l.depth = depth }
}

func withRole(role string) Option {
	return func(l *Loop) { l.role = role }
}

// New creates a loop. Components not supplied through options get defaults:
// an on-request gate without a confirmer, a context manager summarizing with
// the same completer, and a default loop detector. Without a store nothing is
// checkpointed.
func New(completer llm.Completer, registry *tools.Registry, env tools.Environment, cfg Config, opts ...Option) *Loop {
	def := DefaultConfig(cfg.Model)
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.SubagentSummaryLimit <= 0 {
		cfg.SubagentSummaryLimit = def.SubagentSummaryLimit
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}

	l := &Loop{
		cfg:       cfg,
		completer: completer,
		env:       env,
		base:      registry.Clone(),
		registry:  registry.Clone(),
		logger:    log.Logger,
		retry:     llm.DefaultRetryPolicy(),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.gate == nil {
		l.gate = approval.NewGate(approval.PolicyOnRequest,
			approval.WithWorkingDir(env.WorkingDir()), approval.WithLogger(l.logger))
	}
	if l.context == nil {
		ctxCfg := contextmgr.DefaultConfig()
		ctxCfg.ContextWindow = llm.ContextWindow(cfg.Model)
		l.context = contextmgr.New(ctxCfg,
			contextmgr.WithSummarizer(completer, cfg.Model),
			contextmgr.WithRetryPolicy(l.retry),
			contextmgr.WithLogger(l.logger))
	}
	if l.detector == nil {
		l.detector = loopdetect.New(loopdetect.DefaultConfig())
	}
	l.events = NewEventEmitter(cfg.EventBuffer)

	if l.depth < cfg.MaxSubagentDepth && len(cfg.Subagents) > 0 {
		l.subagents = newDispatcher(l)
		for _, d := range cfg.Subagents {
			l.registry.Register(l.subagents.tool(d))
		}
	}
	return l
}

// Events returns the event stream. It is closed by Close.
func (l *Loop) Events() <-chan Event { return l.events.Events() }

func (l *Loop) Registry() *tools.Registry { return l.registry }

func (l *Loop) Gate() *approval.Gate { return l.gate }

func (l *Loop) ContextManager() *contextmgr.Manager { return l.context }

func (l *Loop) Detector() *loopdetect.Detector { return l.detector }

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

// Close cancels running subagents and closes the event stream.
func (l *Loop) Close() {
	if l.subagents != nil {
		l.subagents.CloseAll()
	}
	l.events.Close()
}

func (l *Loop) emit(kind EventKind, sess *conversation.Session, data map[string]interface{}) {
	l.events.Emit(kind, sess.ID, data)
}

// run is the state of one Run call.
type run struct {
	sess         *conversation.Session
	logger       zerolog.Logger
	checkpointed int
}

// Resume restores a session and the context manager and loop detector state
// captured with it. The returned session can be passed to Run.
func (l *Loop) Resume(ctx context.Context, checkpointID string) (*conversation.Session, error) {
	if l.store == nil {
		return nil, errors.New("resume: no session store configured")
	}
	r, err := l.store.Restore(ctx, checkpointID)
	if err != nil {
		return nil, errors.Wrap(err, "resume")
	}
	l.context.Restore(r.State.Context)
	l.detector.Restore(r.State.Loop)
	l.mu.Lock()
	l.bound = r.Session.ID
	l.mu.Unlock()

	l.logger.Info().
		Str("session_id", r.Session.ID).
		Str("checkpoint_id", checkpointID).
		Int("turns", r.Session.Len()).
		Msg("session resumed")
	return r.Session, nil
}

// bind resets the per-session state when sess is not the session the loop
// last worked on.
func (l *Loop) bind(sess *conversation.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bound == sess.ID {
		return
	}
	l.bound = sess.ID
	l.context.Restore(contextmgr.State{})
	l.detector.Restore(loopdetect.State{})
}

// Run appends input, when not empty, and iterates until the model answers
// without tool calls. It returns the final assistant turn or fails with
// ErrProviderFailure, ErrBudgetExceeded, ErrLoopDetected, ErrUserAborted or
// ErrHookAborted. Completed iterations are checkpointed, so a failed run can
// be resumed.
func (l *Loop) Run(ctx context.Context, sess *conversation.Session, input string) (conversation.Turn, error) {
	if !l.running.CompareAndSwap(false, true) {
		return conversation.Turn{}, errors.New("loop is already running")
	}
	defer l.running.Store(false)

	l.bind(sess)
	rs := &run{
		sess:         sess,
		logger:       l.logger.With().Str("session_id", sess.ID).Logger(),
		checkpointed: -1,
	}
	if len(sess.CheckpointIDs()) > 0 {
		rs.checkpointed = sess.Len()
	}
	if l.store != nil && sess.Len() == 0 && len(sess.CheckpointIDs()) == 0 {
		if err := l.store.Create(ctx, sess); err != nil {
			return conversation.Turn{}, errors.Wrap(err, "create session")
		}
	}

	hc := hooks.Context{SessionID: sess.ID, UserMessage: input, WorkingDir: l.env.WorkingDir()}
	if _, err := l.hooks.Invoke(ctx, hooks.BeforeAgent, hc); err != nil {
		return l.fail(ctx, rs, err)
	}
	l.emit(EventRunStart, sess, map[string]interface{}{"input": input, "turns": sess.Len()})

	final, err := l.iterate(ctx, rs, input)
	if err != nil {
		return l.fail(ctx, rs, err)
	}

	hc.Response = final.Content
	l.afterHook(ctx, rs, hooks.AfterAgent, hc)
	l.setState(StateDone)
	l.emit(EventRunEnd, sess, map[string]interface{}{"turns": sess.Len()})
	rs.logger.Info().Int("turns", sess.Len()).Msg("run finished")
	return final, nil
}

func (l *Loop) fail(ctx context.Context, rs *run, err error) (conversation.Turn, error) {
	l.checkpoint(ctx, rs)
	l.setState(StateError)
	l.emit(EventError, rs.sess, map[string]interface{}{"error": err.Error()})
	rs.logger.Error().Err(err).Msg("run failed")
	l.afterHook(ctx, rs, hooks.OnError, hooks.Context{
		SessionID:  rs.sess.ID,
		Error:      err.Error(),
		WorkingDir: l.env.WorkingDir(),
	})
	return conversation.Turn{}, err
}

// afterHook runs hooks whose failure never undoes anything; failures become
// warnings.
func (l *Loop) afterHook(ctx context.Context, rs *run, phase hooks.Phase, hc hooks.Context) {
	results, _ := l.hooks.Invoke(context.WithoutCancel(ctx), phase, hc)
	for _, r := range results {
		if r.Failed() {
			l.emit(EventWarning, rs.sess, map[string]interface{}{
				"message": "hook " + r.Hook + " failed: " + r.Reason(),
				"phase":   string(phase),
			})
		}
	}
}

func (l *Loop) iterate(ctx context.Context, rs *run, input string) (conversation.Turn, error) {
	system := BuildSystemPrompt(PromptInputs{
		Environment:           l.env,
		Model:                 l.cfg.Model,
		Tools:                 l.registry,
		DeveloperInstructions: l.cfg.DeveloperInstructions,
		Role:                  l.role,
	})
	defs := l.registry.Definitions()
	l.context.SetOverhead(l.context.Count(system) + l.context.Count(mustJSON(defs)))

	if input != "" {
		if l.detector.NoteUserInput(input) {
			rs.logger.Debug().Msg("loop detector reset on new input")
		}
		l.emit(EventUserInput, rs.sess, map[string]interface{}{"content": input})
		if err := l.appendTurn(ctx, rs, conversation.NewUserTurn(input)); err != nil {
			return conversation.Turn{}, err
		}
	} else if last, ok := rs.sess.Last(); ok && last.Role == conversation.RoleAssistant && !last.HasToolCalls() {
		return last, nil
	}

	// A resumed session may end with calls that never got results.
	if pending := rs.sess.PendingCalls(); len(pending) > 0 {
		if err := l.handleCalls(ctx, rs, pending, 0); err != nil {
			return conversation.Turn{}, err
		}
	}

	for iteration := 1; ; iteration++ {
		if ctx.Err() != nil {
			return conversation.Turn{}, errors.Wrap(ErrUserAborted, ctx.Err().Error())
		}
		if iteration > l.cfg.MaxIterations {
			return conversation.Turn{}, errors.Wrapf(ErrBudgetExceeded, "iteration limit of %d reached", l.cfg.MaxIterations)
		}

		hc := hooks.Context{SessionID: rs.sess.ID, Iteration: iteration, WorkingDir: l.env.WorkingDir()}
		if _, err := l.hooks.Invoke(ctx, hooks.BeforeIteration, hc); err != nil {
			return conversation.Turn{}, err
		}

		l.setState(StateAwaitingCompletion)
		resp, err := l.complete(ctx, rs, system, defs)
		if err != nil {
			if ctx.Err() != nil {
				return conversation.Turn{}, errors.Wrap(ErrUserAborted, ctx.Err().Error())
			}
			return conversation.Turn{}, &providerError{err: err}
		}

		l.setState(StateInterpretingResponse)
		requests := conversation.RequestsFromResponse(resp)
		turn := conversation.NewAssistantTurn(resp.Text(), requests)
		if text := resp.Text(); text != "" {
			l.emit(EventAssistantText, rs.sess, map[string]interface{}{"text": text, "iteration": iteration})
		}
		if err := l.appendTurn(ctx, rs, turn); err != nil {
			return conversation.Turn{}, err
		}

		if len(requests) == 0 {
			l.checkpoint(ctx, rs)
			l.afterHook(ctx, rs, hooks.AfterIteration, hc)
			final, _ := rs.sess.Last()
			return final, nil
		}

		if err := l.handleCalls(ctx, rs, rs.sess.PendingCalls(), iteration); err != nil {
			return conversation.Turn{}, err
		}
		l.afterHook(ctx, rs, hooks.AfterIteration, hc)
	}
}

func (l *Loop) complete(ctx context.Context, rs *run, system string, defs []llm.ToolDefinition) (*llm.Response, error) {
	window := l.context.Window(rs.sess.Turns())
	req := llm.Request{
		Model:       l.cfg.Model,
		Provider:    l.cfg.Provider,
		Messages:    append([]llm.Message{llm.SystemMessage(system)}, conversation.ToMessages(window)...),
		Tools:       defs,
		Temperature: l.cfg.Temperature,
		MaxTokens:   l.cfg.MaxTokens,
	}

	policy := l.retry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		rs.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying completion")
		l.emit(EventWarning, rs.sess, map[string]interface{}{
			"message": "provider error, retrying: " + err.Error(),
			"attempt": attempt,
		})
	}
	return llm.Retry(ctx, policy, func(ctx context.Context) (*llm.Response, error) {
		return l.completer.Complete(ctx, req)
	})
}

// appendTurn appends through the context manager, which may compress the
// window.
func (l *Loop) appendTurn(ctx context.Context, rs *run, turn conversation.Turn) error {
	before := l.context.State()
	compressed, err := l.context.Append(ctx, rs.sess, turn)
	if compressed {
		st := l.context.State()
		l.emit(EventCompression, rs.sess, map[string]interface{}{
			"window_start":  st.WindowStart,
			"previous":      before.WindowStart,
			"compressions":  st.Compressions,
			"summary_chars": len(st.Summary),
		})
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, conversation.ErrOrphanResult), errors.Is(err, ErrBudgetExceeded):
		return err
	case ctx.Err() != nil:
		return errors.Wrap(ErrUserAborted, ctx.Err().Error())
	default:
		return &providerError{err: err}
	}
}

// handleCalls executes a batch, appends its results and checks for loops.
func (l *Loop) handleCalls(ctx context.Context, rs *run, calls []conversation.ToolCallRequest, iteration int) error {
	l.setState(StateExecutingTools)
	results := l.executeBatch(ctx, rs, calls, iteration)
	if err := l.appendTurn(ctx, rs, conversation.NewToolTurn(results)); err != nil {
		return err
	}

	var detection *loopdetect.Detection
	for i, r := range results {
		d := l.detector.Observe(loopdetect.NewAction(r.ToolName, calls[i].Arguments, r.Payload))
		if d != nil && detection == nil {
			detection = d
		}
	}
	if detection != nil {
		l.emit(EventLoopDetected, rs.sess, map[string]interface{}{
			"kind":    string(detection.Kind),
			"length":  detection.Length,
			"count":   detection.Count,
			"tools":   detection.Tools,
			"message": detection.String(),
		})
		return errors.Wrap(ErrLoopDetected, detection.String())
	}
	if ctx.Err() != nil {
		return errors.Wrap(ErrUserAborted, ctx.Err().Error())
	}
	l.checkpoint(ctx, rs)
	return nil
}

// checkpoint writes the session when it changed since the last checkpoint.
// A failed write is reported but does not stop the run.
func (l *Loop) checkpoint(ctx context.Context, rs *run) {
	if l.store == nil || rs.sess.Len() == 0 || rs.sess.Len() == rs.checkpointed {
		return
	}
	cp, err := l.store.Checkpoint(context.WithoutCancel(ctx), rs.sess, sessionstore.RunState{
		Context: l.context.State(),
		Loop:    l.detector.State(),
	})
	if err != nil {
		rs.logger.Warn().Err(err).Msg("checkpoint failed")
		l.emit(EventWarning, rs.sess, map[string]interface{}{"message": "checkpoint failed: " + err.Error()})
		return
	}
	rs.checkpointed = rs.sess.Len()
	l.emit(EventCheckpoint, rs.sess, map[string]interface{}{"checkpoint_id": cp.ID, "turn_index": cp.TurnIndex})
}

func mustJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
