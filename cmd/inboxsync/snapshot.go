// ABOUTME: snapshot command: inspects session snapshots saved in the SQLite store
// ABOUTME: Lists stored accounts or prints one account's ranked conversations

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/inbox-sync/internal/store"
)

func newSnapshotCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect saved session snapshots",
	}
	cmd.AddCommand(newSnapshotShowCmd(root))
	return cmd
}

func newSnapshotShowCmd(root *rootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "show [account-id]",
		Short: "List snapshots, or show one account's conversations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				cfg, _, err := root.loadConfig()
				if err != nil {
					return err
				}
				dbPath = cfg.Snapshot.Path
				if dbPath == "" {
					return fmt.Errorf("no snapshot database configured; set snapshot.path or pass --db")
				}
			}

			s, err := store.NewSQLiteStore(dbPath)
			if err != nil {
				return fmt.Errorf("opening snapshot database: %w", err)
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			defer tw.Flush()

			if len(args) == 0 {
				infos, err := s.List(cmd.Context())
				if err != nil {
					return err
				}
				if len(infos) == 0 {
					fmt.Fprintln(out, "no snapshots")
					return nil
				}
				fmt.Fprintln(tw, "ACCOUNT\tCONVERSATIONS\tTAKEN\tSIZE")
				for _, info := range infos {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%d\n",
						info.AccountID, info.Conversations, info.TakenAt.Local().Format("2006-01-02 15:04:05"), info.Size)
				}
				return nil
			}

			snap, err := s.Load(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("loading snapshot for %s: %w", args[0], err)
			}
			fmt.Fprintf(out, "%s %s (taken %s, version %d)\n\n",
				color.CyanString("●"), args[0], snap.TakenAt.Local().Format("2006-01-02 15:04:05"), snap.Version)
			fmt.Fprintln(tw, "ID\tNAME\tKIND\tUNREAD\tMESSAGES\tLAST")
			for _, c := range snap.Conversations {
				last := ""
				if c.LastMessage != nil {
					last = oneLine(c.LastMessage.Body)
				}
				unread := fmt.Sprint(c.UnreadCount)
				if c.LocallyRead {
					unread += " (read)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					c.ID, c.DisplayName, c.Kind, unread, len(snap.Messages[c.ID]), last)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite snapshot database (default: snapshot.path from config)")
	return cmd
}
