package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/termlink/internal/offlinequeue"
)

func newQueueCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and sync actions recorded while offline",
	}
	cmd.AddCommand(newQueueStatusCmd(root))
	cmd.AddCommand(newQueueFlushCmd(root))
	cmd.AddCommand(newQueueRetryCmd(root))
	cmd.AddCommand(newQueueDiscardCmd(root))
	return cmd
}

func newQueueStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List pending and failed actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "%d pending, %d failed\n", a.queue.Len(), a.queue.FailedLen())
			return printActions(out, a.queue.Pending(), a.queue.Failed())
		},
	}
}

func newQueueFlushCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Send pending actions now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			if !root.cfg.Remote() {
				return fmt.Errorf("no server configured: set --server-url")
			}
			res := a.queue.Drain(cmd.Context())
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "synced %d, failed %d, pending %d\n", res.Synced, res.Failed, a.queue.Len())
			return nil
		},
	}
}

func newQueueRetryCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <action-id>",
		Short: "Move a failed action back to the pending list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.queue.RetryFailed(args[0])
		},
	}
}

func newQueueDiscardCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <action-id>",
		Short: "Drop a pending or failed action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.queue.Discard(args[0])
		},
	}
}

func newActionCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "action <kind> [json-payload]",
		Short: "Send an action to the server, or queue it while offline",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("payload is not valid JSON")
				}
				payload = json.RawMessage(args[1])
			}

			a, err := newApp(cmd.Context(), root.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			action, err := a.queue.Enqueue(args[0], payload)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !a.reachable(cmd.Context()) {
				_, _ = fmt.Fprintf(out, "queued %s (%s); server unreachable\n", action.ID, action.Kind)
				return nil
			}
			res := a.queue.Drain(cmd.Context())
			_, _ = fmt.Fprintf(out, "synced %d, failed %d\n", res.Synced, res.Failed)
			if res.Failed > 0 {
				return fmt.Errorf("%d action(s) failed; see termlink queue status", res.Failed)
			}
			return nil
		},
	}
}

func printActions(w io.Writer, pending, failed []offlinequeue.Action) error {
	if len(pending)+len(failed) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tKIND\tSTATE\tATTEMPTS\tENQUEUED\tLAST ERROR")
	row := func(a offlinequeue.Action, state string) {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			a.ID, a.Kind, state, a.Attempts, a.EnqueuedAt.Local().Format(time.DateTime), a.LastError)
	}
	for _, a := range pending {
		row(a, "pending")
	}
	for _, a := range failed {
		row(a, "failed")
	}
	return tw.Flush()
}
