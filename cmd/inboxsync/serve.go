// ABOUTME: serve command: wires the upstream client, streams, engine, stores, and host API
// ABOUTME: Runs until interrupted, then stops the engine and saves a final snapshot

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/inbox-sync/internal/auth"
	"github.com/2389/inbox-sync/internal/config"
	"github.com/2389/inbox-sync/internal/conversation"
	"github.com/2389/inbox-sync/internal/engine"
	"github.com/2389/inbox-sync/internal/gateway"
	"github.com/2389/inbox-sync/internal/inbox"
	"github.com/2389/inbox-sync/internal/metrics"
	"github.com/2389/inbox-sync/internal/notify"
	"github.com/2389/inbox-sync/internal/store"
	"github.com/2389/inbox-sync/internal/stream"
	"github.com/2389/inbox-sync/internal/upstream"
)

const banner = `
  _       _
 (_)_ __ | |__   _____  __     ___ _   _ _ __   ___
 | | '_ \| '_ \ / _ \ \/ /____/ __| | | | '_ \ / __|
 | | | | | |_) | (_) >  <_____\__ \ |_| | | | | (__
 |_|_| |_|_.__/ \___/_/\_\    |___/\__, |_| |_|\___|
                                   |___/
`

func newServeCmd(root *rootOptions) *cobra.Command {
	var account string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Sync an account and serve the host API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := root.loadConfig()
			if err != nil {
				return err
			}
			if account != "" {
				cfg.Upstream.DefaultAccount = account
			}
			return runServe(cmd.Context(), cfg, path)
		},
	}
	cmd.Flags().StringVarP(&account, "account", "a", "", "external account to watch on startup (overrides upstream.default_account)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, configPath string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Upstream:  %s (%s)\n", cfg.Upstream.BaseURL, cfg.Upstream.Transport)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Snapshots: %s\n", cfg.Snapshot.Driver)
	fmt.Println()

	logger.Info("starting inboxsync",
		"config", configPath,
		"upstream", cfg.Upstream.BaseURL,
		"transport", cfg.Upstream.Transport,
		"http_addr", cfg.Server.HTTPAddr,
	)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	tokens := auth.StaticTokenSource{Value: cfg.Upstream.Token}
	client := upstream.New(cfg.Upstream.BaseURL, upstream.Paths{
		Conversations: cfg.Upstream.ConversationsPath,
		Messages:      cfg.Upstream.MessagesPath,
		Read:          cfg.Upstream.ReadPath,
		Account:       cfg.Upstream.AccountPath,
	}, tokens.Token,
		upstream.WithTimeout(cfg.Upstream.RequestTimeout),
		upstream.WithLogger(logger),
	)

	snapshots, err := openSnapshotStore(ctx, cfg.Snapshot)
	if err != nil {
		return err
	}
	if snapshots != nil {
		defer func() {
			if err := snapshots.Close(); err != nil {
				logger.Warn("closing snapshot store", "error", err)
			}
		}()
	}

	var notifier engine.Notifier
	if cfg.Notify.NATSURL != "" {
		pub, err := notify.Connect(notify.Config{URL: cfg.Notify.NATSURL, Subject: cfg.Notify.Subject}, logger)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer func() { _ = pub.Close() }()
		notifier = pub
	}

	broadcaster := conversation.NewBroadcaster(logger)
	eng := engine.New(engine.Options{
		Source:      newSource(cfg.Upstream, cfg.Stream, tokens.Token),
		Fetcher:     client,
		Marker:      client,
		Resolver:    upstream.ChainResolver{upstream.StaticResolver(cfg.Accounts), client},
		Credentials: tokens.Check,
		Snapshots:   snapshots,
		Notifier:    notifier,
		Broadcaster: broadcaster,
		Metrics:     m,
		OnFailure: func(slot engine.Slot, err error) {
			var perr *inbox.PreconditionError
			if errors.As(err, &perr) {
				logger.Error("stream needs attention", "slot", string(slot), "error", err)
			}
		},
		Stream: stream.Config{
			BaseDelay:    cfg.Stream.BaseDelay,
			MaxDelay:     cfg.Stream.MaxDelay,
			ResetAfter:   cfg.Stream.ResetAfter,
			IdleTimeout:  cfg.Stream.IdleTimeout,
			RetryCeiling: cfg.Stream.RetryCeiling,
			MaxFrameSize: cfg.Stream.MaxFrameSize,
		},
		Inbox: inbox.Options{
			Window:  cfg.Inbox.MessageWindow,
			SeenTTL: cfg.Inbox.SeenTTL,
			SeenMax: cfg.Inbox.SeenMax,
		},
		ConversationPageSize: cfg.Inbox.ConversationPageSize,
		MessagePageSize:      cfg.Inbox.MessagePageSize,
		RefreshInterval:      cfg.Inbox.RefreshInterval,
		RefreshBurst:         cfg.Inbox.RefreshBurst,
		Logger:               logger,
	})
	eng.Start(ctx)
	defer eng.Stop()

	if acct := cfg.Upstream.DefaultAccount; acct != "" {
		if err := eng.WatchAccount(ctx, acct); err != nil {
			var terr *inbox.TransportError
			if !errors.As(err, &terr) {
				return fmt.Errorf("watching %s: %w", acct, err)
			}
			logger.Warn("initial refresh failed; live stream is up", "account", acct, "error", err)
		}
	}

	gw, err := gateway.New(cfg, gateway.Options{
		Syncer:      eng,
		Broadcaster: broadcaster,
		Metrics:     m,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// newSource builds the live event source for the configured transport.
func newSource(up config.UpstreamConfig, sc config.StreamConfig, token stream.TokenFunc) stream.Source {
	if up.Transport == config.TransportWebSocket {
		base := up.BaseURL
		switch {
		case strings.HasPrefix(base, "https://"):
			base = "wss://" + strings.TrimPrefix(base, "https://")
		case strings.HasPrefix(base, "http://"):
			base = "ws://" + strings.TrimPrefix(base, "http://")
		}
		return &stream.WebSocketSource{
			BaseURL:          base,
			ListPath:         up.ListStreamPath,
			ConversationPath: up.ConversationStreamPath,
			Token:            token,
			ReadLimit:        int64(sc.MaxFrameSize),
		}
	}
	return &stream.HTTPSource{
		BaseURL:          up.BaseURL,
		ListPath:         up.ListStreamPath,
		ConversationPath: up.ConversationStreamPath,
		Token:            token,
	}
}

// openSnapshotStore opens the configured snapshot driver. The none driver
// returns a nil store.
func openSnapshotStore(ctx context.Context, cfg config.SnapshotConfig) (store.SnapshotStore, error) {
	switch cfg.Driver {
	case config.SnapshotSQLite:
		s, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening snapshot database: %w", err)
		}
		return s, nil
	case config.SnapshotRedis:
		s, err := store.NewRedisStore(ctx, store.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
			TTL:       cfg.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return s, nil
	default:
		return nil, nil
	}
}
