package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newSessionsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect the cache of resumable remote sessions",
	}
	cmd.AddCommand(newSessionsListCmd(root))
	cmd.AddCommand(newSessionsForgetCmd(root))
	cmd.AddCommand(newSessionsPurgeCmd(root))
	cmd.AddCommand(newSessionsClearCmd(root))
	return cmd
}

func newSessionsListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			entries := a.cache.Entries()
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				_, _ = fmt.Fprintln(out, "no cached sessions")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "TERMINAL\tSESSION\tAGE\tSTATE")
			for _, e := range entries {
				state := "resumable"
				if e.Expired {
					state = "expired"
				}
				age := time.Since(e.Time()).Truncate(time.Second)
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.TerminalID, e.SessionID, age, state)
			}
			return tw.Flush()
		},
	}
}

func newSessionsForgetCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <terminal-id>",
		Short: "Drop one cached session so the next attach starts fresh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.cache.Remove(args[0])
		},
	}
}

func newSessionsPurgeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove expired cached sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.cache.Purge()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired session(s)\n", n)
			return nil
		},
	}
}

func newSessionsClearCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.cache.Clear()
		},
	}
}
