package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/martinemde/relay/tools"
)

// Policy selects how tool calls are approved.
type Policy string

const (
	PolicyOnRequest Policy = "on-request"
	PolicyAuto      Policy = "auto"
	PolicyNever     Policy = "never"
	PolicyYolo      Policy = "yolo"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyOnRequest, PolicyAuto, PolicyNever, PolicyYolo:
		return p, nil
	}
	return "", errors.Errorf("unknown approval policy %q", s)
}

type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
	VerdictAsk   Verdict = "ask"
)

// Decision is the outcome of evaluating one tool call.
type Decision struct {
	Policy    Policy  `json:"policy"`
	Verdict   Verdict `json:"verdict"`
	Rationale string  `json:"rationale"`
}

func (d Decision) Allowed() bool { return d.Verdict == VerdictAllow }

// Request is a pending tool call as seen by the gate.
type Request struct {
	CallID     string
	Tool       tools.Descriptor
	Arguments  json.RawMessage
	SessionID  string
	WorkingDir string
}

// Answer is the reply of a Confirmer.
type Answer int

const (
	AnswerDeny Answer = iota
	AnswerAllow
	// AnswerAlways allows the call and every later call of the same shape
	// for the rest of the session.
	AnswerAlways
)

// Confirmer asks a human about a call the policy cannot decide alone.
type Confirmer interface {
	Confirm(ctx context.Context, req Request, decision Decision) (Answer, error)
}

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(ctx context.Context, req Request, decision Decision) (Answer, error)

func (f ConfirmerFunc) Confirm(ctx context.Context, req Request, decision Decision) (Answer, error) {
	return f(ctx, req, decision)
}

// Gate evaluates tool calls against a policy. Session rules created by
// "always" answers live as long as the Gate.
type Gate struct {
	policy     Policy
	workingDir string
	allowlist  []string
	confirmer  Confirmer
	logger     zerolog.Logger

	mu    sync.Mutex
	rules map[string]bool

	prompts *semaphore.Weighted
}

type Option func(*Gate)

func WithWorkingDir(dir string) Option {
	return func(g *Gate) { g.workingDir = dir }
}

// WithAllowedPaths allowlists directories outside the working directory for
// mutating file operations.
func WithAllowedPaths(paths ...string) Option {
	return func(g *Gate) { g.allowlist = append(g.allowlist, paths...) }
}

func WithConfirmer(c Confirmer) Option {
	return func(g *Gate) { g.confirmer = c }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

func NewGate(policy Policy, opts ...Option) *Gate {
	g := &Gate{
		policy:  policy,
		logger:  log.Logger,
		rules:   make(map[string]bool),
		prompts: semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(g)
	}
	for i, p := range g.allowlist {
		g.allowlist[i] = g.absolute(p)
	}
	return g
}

func (g *Gate) Policy() Policy { return g.policy }

// Fork returns a gate with the same policy, paths and confirmer but no
// remembered rules. Prompts of both gates stay serialized.
func (g *Gate) Fork() *Gate {
	return &Gate{
		policy:     g.policy,
		workingDir: g.workingDir,
		allowlist:  append([]string(nil), g.allowlist...),
		confirmer:  g.confirmer,
		logger:     g.logger,
		rules:      make(map[string]bool),
		prompts:    g.prompts,
	}
}

// Decide evaluates req without prompting. The verdict may be VerdictAsk.
func (g *Gate) Decide(req Request) Decision {
	d := g.evaluate(req)
	g.logger.Debug().
		Str("tool", req.Tool.Name).
		Str("call_id", req.CallID).
		Str("policy", string(g.policy)).
		Str("verdict", string(d.Verdict)).
		Str("rationale", d.Rationale).
		Msg("approval decision")
	return d
}

func (g *Gate) evaluate(req Request) Decision {
	decide := func(v Verdict, format string, args ...interface{}) Decision {
		return Decision{Policy: g.policy, Verdict: v, Rationale: fmt.Sprintf(format, args...)}
	}

	if g.policy == PolicyYolo {
		return decide(VerdictAllow, "yolo policy allows everything")
	}

	args, err := tools.ParseArgs(req.Arguments)
	if err != nil {
		args = tools.Args{}
	}

	command := ""
	if req.Tool.CommandArg != "" {
		command, _ = args.String(req.Tool.CommandArg)
		if pattern, bad := DangerousMatch(command); bad {
			return decide(VerdictDeny, "command matches dangerous pattern %s", pattern)
		}
	}

	if !req.Tool.Mutating {
		return decide(VerdictAllow, "read-only tool")
	}
	if g.policy == PolicyNever {
		return decide(VerdictDeny, "policy never denies mutating tools")
	}

	for _, key := range req.Tool.PathArgs {
		p, ok := args.String(key)
		if !ok || p == "" {
			continue
		}
		if !g.pathAllowed(g.resolve(req, p)) {
			return decide(VerdictDeny, "path %s is outside the working directory", p)
		}
	}

	if g.policy == PolicyAuto {
		return decide(VerdictAllow, "auto policy")
	}

	g.mu.Lock()
	remembered := g.rules[Shape(req.Tool, args)]
	g.mu.Unlock()
	if remembered {
		return decide(VerdictAllow, "allowed earlier this session")
	}
	if command != "" && IsSafeCommand(command) {
		return decide(VerdictAllow, "known read-only command")
	}
	return decide(VerdictAsk, "confirmation required")
}

// Resolve decides req and, when the verdict is ask, blocks on the Confirmer.
// Prompts are serialized; no gate state is locked while one is pending.
func (g *Gate) Resolve(ctx context.Context, req Request) (Decision, error) {
	d := g.Decide(req)
	if d.Verdict != VerdictAsk {
		return d, nil
	}
	if g.confirmer == nil {
		return Decision{Policy: g.policy, Verdict: VerdictDeny, Rationale: "confirmation required but no confirmer is available"}, nil
	}

	if err := g.prompts.Acquire(ctx, 1); err != nil {
		return d, errors.Wrap(err, "waiting for confirmation")
	}
	defer g.prompts.Release(1)

	// An earlier prompt in the batch may have created a matching rule.
	if d = g.Decide(req); d.Verdict != VerdictAsk {
		return d, nil
	}

	answer, err := g.confirmer.Confirm(ctx, req, d)
	if err != nil {
		return d, errors.Wrap(err, "confirmation")
	}
	switch answer {
	case AnswerAlways:
		args, _ := tools.ParseArgs(req.Arguments)
		g.Remember(req.Tool, args)
		return Decision{Policy: g.policy, Verdict: VerdictAllow, Rationale: "always allowed by user"}, nil
	case AnswerAllow:
		return Decision{Policy: g.policy, Verdict: VerdictAllow, Rationale: "allowed by user"}, nil
	default:
		return Decision{Policy: g.policy, Verdict: VerdictDeny, Rationale: "denied by user"}, nil
	}
}

// Remember adds a session allow rule for the shape of a call.
func (g *Gate) Remember(tool tools.Descriptor, args tools.Args) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules[Shape(tool, args)] = true
}

// Rules returns the remembered shapes, sorted.
func (g *Gate) Rules() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.rules))
	for r := range g.rules {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Shape is the tool name plus the sorted argument keys. The command argument
// is generalized to its first word and path arguments to their directory.
func Shape(tool tools.Descriptor, args tools.Args) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	isPath := map[string]bool{}
	for _, k := range tool.PathArgs {
		isPath[k] = true
	}

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k
		s, ok := args.String(k)
		switch {
		case !ok:
		case k == tool.CommandArg:
			if fields := strings.Fields(s); len(fields) > 0 {
				parts[i] += "=" + fields[0]
			}
		case isPath[k]:
			parts[i] += "=" + filepath.Dir(filepath.Clean(s))
		}
	}
	return tool.Name + "(" + strings.Join(parts, ",") + ")"
}

func (g *Gate) resolve(req Request, p string) string {
	dir := req.WorkingDir
	if dir == "" {
		dir = g.workingDir
	}
	if filepath.IsAbs(p) || dir == "" {
		return g.absolute(p)
	}
	return filepath.Clean(filepath.Join(dir, p))
}

func (g *Gate) absolute(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func (g *Gate) pathAllowed(p string) bool {
	if g.workingDir == "" {
		return true
	}
	if within(g.absolute(g.workingDir), p) {
		return true
	}
	for _, dir := range g.allowlist {
		if within(dir, p) {
			return true
		}
	}
	return false
}

// within reports whether p lies under root once symlinks in both are
// resolved.
func within(root, p string) bool {
	rel, err := filepath.Rel(realPath(root), realPath(p))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// realPath resolves symlinks in the longest existing prefix of p and keeps
// the missing tail as written.
func realPath(p string) string {
	p = filepath.Clean(p)
	var rest []string
	for cur := p; ; {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}
