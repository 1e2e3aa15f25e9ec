package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"

	"github.com/martinemde/relay/approval"
	"github.com/martinemde/relay/tools"
)

// prompter asks approval questions on a terminal. Lines are read by a single
// goroutine so a cancelled prompt does not lose the next answer.
type prompter struct {
	out   io.Writer
	in    io.Reader
	once  sync.Once
	lines chan string
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: in, out: out, lines: make(chan string)}
}

// terminalConfirmer returns a confirmer bound to the controlling terminal,
// or nil when there is none. When stdin carries the prompt it falls back to
// /dev/tty.
func terminalConfirmer(promptFromStdin bool) (approval.Confirmer, func()) {
	if !promptFromStdin && isatty.IsTerminal(os.Stdin.Fd()) {
		return newPrompter(os.Stdin, os.Stderr), func() {}
	}
	tty, err := os.Open("/dev/tty")
	if err != nil {
		return nil, func() {}
	}
	return newPrompter(tty, os.Stderr), func() { _ = tty.Close() }
}

func (p *prompter) read() {
	sc := bufio.NewScanner(p.in)
	for sc.Scan() {
		p.lines <- sc.Text()
	}
	close(p.lines)
}

func (p *prompter) Confirm(ctx context.Context, req approval.Request, d approval.Decision) (approval.Answer, error) {
	p.once.Do(func() { go p.read() })

	fmt.Fprintf(p.out, "\n%s wants to run %s\n", req.Tool.Name, describeCall(req))
	if d.Rationale != "" {
		fmt.Fprintf(p.out, "  (%s)\n", d.Rationale)
	}
	for {
		fmt.Fprint(p.out, "Allow? [y]es / [n]o / [a]lways: ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(p.out)
			return approval.AnswerDeny, ctx.Err()
		case line, ok := <-p.lines:
			if !ok {
				return approval.AnswerDeny, errors.New("terminal closed")
			}
			if answer, ok := parseAnswer(line); ok {
				return answer, nil
			}
		}
	}
}

func parseAnswer(line string) (approval.Answer, bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return approval.AnswerAllow, true
	case "n", "no", "":
		return approval.AnswerDeny, true
	case "a", "always":
		return approval.AnswerAlways, true
	}
	return approval.AnswerDeny, false
}

func describeCall(req approval.Request) string {
	if req.Tool.CommandArg != "" {
		if args, err := tools.ParseArgs(req.Arguments); err == nil {
			if cmd, ok := args.String(req.Tool.CommandArg); ok {
				return fmt.Sprintf("`%s`", cmd)
			}
		}
	}
	args := strings.TrimSpace(string(req.Arguments))
	if len(args) > 200 {
		args = args[:200] + "..."
	}
	return args
}
