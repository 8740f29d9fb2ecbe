// ABOUTME: Root cobra command and shared flag handling for inboxsync
// ABOUTME: Resolves and loads the configuration file used by subcommands

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/2389/inbox-sync/internal/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "inboxsync",
		Short: "Keep a messaging account's conversations in sync in real time",
		Long: `inboxsync follows a messaging backend's live event streams, keeps a
deduplicated, ordered view of every conversation with optimistic read state,
and serves it to host applications over HTTP and server-sent events.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file path (default: $INBOX_SYNC_CONFIG, ./config.yaml, ./config.toml, ~/.config/inbox-sync/config.yaml)")

	cmd.AddCommand(
		newServeCmd(opts),
		newFollowCmd(opts),
		newSnapshotCmd(opts),
	)
	return cmd
}

// loadConfig resolves and loads the configuration file.
func (o *rootOptions) loadConfig() (*config.Config, string, error) {
	path := config.ResolvePath(o.configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}
