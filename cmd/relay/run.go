package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/martinemde/relay/agentloop"
	"github.com/martinemde/relay/conversation"
)

type runFlags struct {
	quiet bool
}

func newRunCommand(a *app) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Start a new session with a prompt",
		Long:  "Start a new session. The prompt is read from stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fromStdin := len(args) == 0
			prompt, err := promptFrom(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if prompt == "" {
				return errors.New("empty prompt")
			}
			return a.run(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), flags, fromStdin,
				func(ctx context.Context, l *agentloop.Loop) (*conversation.Session, error) {
					return conversation.NewSession(map[string]string{"working_dir": a.cfg.WorkingDir}), nil
				}, prompt)
		},
	}
	cmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "only print the final response")
	return cmd
}

func newResumeCommand(a *app) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "resume <checkpoint-id> [prompt]",
		Short: "Continue a session from a checkpoint",
		Long: "Restore a session from a checkpoint and continue it. Without a prompt, pending " +
			"tool calls are executed and the model is asked to continue.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := ""
			if len(args) == 2 {
				prompt = strings.TrimSpace(args[1])
			}
			checkpointID := args[0]
			return a.run(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), flags, false,
				func(ctx context.Context, l *agentloop.Loop) (*conversation.Session, error) {
					return l.Resume(ctx, checkpointID)
				}, prompt)
		},
	}
	cmd.Flags().BoolVarP(&flags.quiet, "quiet", "q", false, "only print the final response")
	return cmd
}

func promptFrom(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(args[0]), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", errors.Wrap(err, "read prompt")
	}
	return strings.TrimSpace(string(data)), nil
}

type sessionFunc func(ctx context.Context, l *agentloop.Loop) (*conversation.Session, error)

func (a *app) run(ctx context.Context, stdout, stderr io.Writer, flags runFlags, promptFromStdin bool, open sessionFunc, prompt string) error {
	confirm, closeTTY := terminalConfirmer(promptFromStdin)
	defer closeTTY()

	ag, err := newAgent(ctx, a.cfg, confirm)
	if err != nil {
		return err
	}

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		r := &renderer{out: stderr, quiet: flags.quiet}
		for ev := range ag.loop.Events() {
			r.render(ev)
		}
	}()

	sess, err := open(ctx, ag.loop)
	if err != nil {
		ag.Close()
		<-rendered
		return err
	}

	final, runErr := ag.loop.Run(ctx, sess, prompt)
	ag.Close()
	<-rendered

	if ids := sess.CheckpointIDs(); len(ids) > 0 {
		fmt.Fprintf(stderr, "session %s, resume with: relay resume %s\n", sess.ID, ids[len(ids)-1])
	}
	if runErr != nil {
		if errors.Is(runErr, agentloop.ErrUserAborted) {
			fmt.Fprintln(stderr, "interrupted")
		}
		return runErr
	}
	fmt.Fprintln(stdout, final.Content)
	return nil
}
