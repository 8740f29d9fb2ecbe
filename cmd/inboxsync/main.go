// ABOUTME: Entry point for inboxsync, the real-time conversation sync service
// ABOUTME: Loads .env, installs signal handling, and runs the cobra command tree

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	// A missing .env is normal; the environment may already be set.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
