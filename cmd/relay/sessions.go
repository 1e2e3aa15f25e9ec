package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/martinemde/relay/sessionstore"
)

func newSessionsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and prune stored sessions",
	}
	cmd.AddCommand(
		newSessionsListCommand(a),
		newSessionsShowCommand(a),
		newSessionsPruneCommand(a),
	)
	return cmd
}

func newSessionsListCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), a.cfg.Sessions)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.List(cmd.Context())
			if err != nil {
				return errors.Wrap(err, "list sessions")
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			return printSummaries(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printSummaries(w io.Writer, list []sessionstore.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tPARENT\tTURNS\tCHECKPOINTS\tUPDATED\tLATEST CHECKPOINT")
	for _, s := range list {
		parent := s.ParentID
		if parent == "" {
			parent = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			s.ID, parent, s.Turns, s.Checkpoints, s.UpdatedAt.Local().Format(time.DateTime), s.LatestCheckpoint)
	}
	return tw.Flush()
}

func newSessionsShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the turns of a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), a.cfg.Sessions)
			if err != nil {
				return err
			}
			defer store.Close()

			sess, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			keys := make([]string, 0, len(sess.Metadata))
			for k := range sess.Metadata {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "# %s: %s\n", k, sess.Metadata[k])
			}
			for i, t := range sess.Turns() {
				fmt.Fprintf(out, "[%d] %s", i, t.Role)
				if text := strings.TrimSpace(t.Content); text != "" {
					fmt.Fprintf(out, ": %s", preview(text))
				}
				fmt.Fprintln(out)
				for _, c := range t.ToolCalls {
					fmt.Fprintf(out, "    → %s %s\n", c.Name, preview(string(c.Arguments)))
				}
				for _, r := range t.Results {
					fmt.Fprintf(out, "    ← %s %s: %s\n", r.ToolName, r.Status, preview(r.Payload))
				}
			}
			return nil
		},
	}
}

func newSessionsPruneCommand(a *app) *cobra.Command {
	var keepLast int
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old checkpoints; the newest checkpoint of each session is kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := a.cfg.Sessions.Retention
			if cmd.Flags().Changed("keep-last") {
				r.KeepLast = keepLast
			}
			if cmd.Flags().Changed("max-age") {
				r.MaxAge = maxAge
			}
			if r.KeepLast <= 0 && r.MaxAge <= 0 {
				return errors.New("nothing to prune: set --keep-last or --max-age")
			}

			store, err := openStore(cmd.Context(), a.cfg.Sessions)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Prune(cmd.Context(), r)
			if err != nil {
				return errors.Wrap(err, "prune")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d checkpoints\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "keep this many checkpoints per session")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "remove checkpoints older than this")
	return cmd
}
