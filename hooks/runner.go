package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultOutputLimit caps each captured stream.
const DefaultOutputLimit = 64 * 1024

// Runner executes registered hooks synchronously, in registration order.
type Runner struct {
	workingDir  string
	outputLimit int
	logger      zerolog.Logger

	mu    sync.RWMutex
	hooks []Hook
}

type Option func(*Runner)

func WithWorkingDir(dir string) Option {
	return func(r *Runner) { r.workingDir = dir }
}

func WithOutputLimit(n int) Option {
	return func(r *Runner) { r.outputLimit = n }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner registers hooks, skipping disabled ones.
func NewRunner(hooks []Hook, opts ...Option) (*Runner, error) {
	r := &Runner{outputLimit: DefaultOutputLimit, logger: log.Logger}
	for _, opt := range opts {
		opt(r)
	}
	for _, h := range hooks {
		if err := r.Register(h); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Runner) Register(h Hook) error {
	if err := h.Validate(); err != nil {
		return err
	}
	if !h.IsEnabled() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
	return nil
}

// For returns the hooks registered for phase.
func (r *Runner) For(phase Phase) []Hook {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Hook
	for _, h := range r.hooks {
		if h.Phase == phase {
			out = append(out, h)
		}
	}
	return out
}

// Invoke runs the hooks of phase. In a before phase the first failure stops
// the remaining hooks and the returned error wraps ErrHookAborted. After
// phases run every hook; failures are logged and reported in the results only.
// A nil Runner runs nothing.
func (r *Runner) Invoke(ctx context.Context, phase Phase, hc Context) ([]Result, error) {
	hooks := r.For(phase)
	if len(hooks) == 0 {
		return nil, nil
	}
	hc.Phase = phase
	if hc.WorkingDir == "" {
		hc.WorkingDir = r.workingDir
	}
	payload, err := json.Marshal(hc)
	if err != nil {
		return nil, errors.Wrap(err, "encode hook context")
	}
	env := append(os.Environ(), hc.Environ()...)

	results := make([]Result, 0, len(hooks))
	for _, h := range hooks {
		res := r.run(ctx, h, env, payload)
		results = append(results, res)

		event := r.logger.Debug()
		if res.Failed() {
			event = r.logger.Warn().Str("reason", res.Reason())
		}
		event.Str("hook", h.Name).
			Str("phase", string(phase)).
			Str("session_id", hc.SessionID).
			Int("exit_code", res.ExitCode).
			Dur("duration", res.Duration).
			Msg("hook finished")

		if res.Failed() && phase.Before() {
			return results, errors.Wrapf(ErrHookAborted, "hook %q (%s): %s", h.Name, phase, res.Reason())
		}
	}
	return results, nil
}

func (r *Runner) run(ctx context.Context, h Hook, env []string, payload []byte) (res Result) {
	res = Result{Hook: h.Name, Phase: h.Phase}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	command := h.Command
	if h.Script != "" {
		path, cleanup, err := writeScript(h.Script)
		if err != nil {
			res.Err = err
			res.ExitCode = -1
			return res
		}
		defer cleanup()
		command = path
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.workingDir
	cmd.Env = env
	cmd.Stdin = bytes.NewReader(payload)
	stdout := &cappedBuffer{limit: r.outputLimit}
	stderr := &cappedBuffer{limit: r.outputLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if err == nil {
		return res
	}
	var exitErr *exec.ExitError
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		res.TimedOut = true
		res.ExitCode = -1
	case ctx.Err() != nil:
		res.Err = ctx.Err()
		res.ExitCode = -1
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.Err = errors.Wrapf(err, "run hook %q", h.Name)
		res.ExitCode = -1
	}
	return res
}

// writeScript stores an inline script in a private temporary file.
func writeScript(script string) (string, func(), error) {
	f, err := os.CreateTemp("", "relay-hook-*.sh")
	if err != nil {
		return "", nil, errors.Wrap(err, "create hook script")
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.WriteString("#!/bin/sh\n" + script + "\n"); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, errors.Wrap(err, "write hook script")
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, errors.Wrap(err, "write hook script")
	}
	if err := os.Chmod(f.Name(), 0o700); err != nil {
		cleanup()
		return "", nil, errors.Wrap(err, "chmod hook script")
	}
	return f.Name(), cleanup, nil
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
