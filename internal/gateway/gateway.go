// ABOUTME: Gateway orchestrator that serves the host HTTP API over a sync engine
// ABOUTME: Manages the HTTP server, change fan-out, metrics endpoint, and shutdown lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/inbox-sync/internal/auth"
	"github.com/2389/inbox-sync/internal/config"
	"github.com/2389/inbox-sync/internal/conversation"
	"github.com/2389/inbox-sync/internal/engine"
	"github.com/2389/inbox-sync/internal/inbox"
	"github.com/2389/inbox-sync/internal/metrics"
	"github.com/2389/inbox-sync/internal/stream"
)

const defaultKeepAlive = 15 * time.Second

// Syncer is the engine surface the gateway drives.
type Syncer interface {
	WatchAccount(ctx context.Context, externalAccountID string) error
	OpenConversation(ctx context.Context, id string) error
	CloseConversation()
	SetFocused(focused bool)
	MarkRead(ctx context.Context, id string) error
	Refresh(ctx context.Context, search string) error
	LoadMessages(ctx context.Context, id string) (int, error)
	Conversations() []inbox.Conversation
	Conversation(id string) (inbox.Conversation, bool)
	Messages(id string) []inbox.Message
	Status() engine.Status
}

// Options wires the gateway. Syncer and Broadcaster are required.
type Options struct {
	Syncer      Syncer
	Broadcaster *conversation.Broadcaster
	Metrics     *metrics.Metrics
	// KeepAlive is the comment interval on /api/events. Zero uses 15s.
	KeepAlive time.Duration
}

// Gateway serves the host API.
type Gateway struct {
	config      *config.Config
	syncer      Syncer
	broadcaster *conversation.Broadcaster
	metrics     *metrics.Metrics
	httpServer  *http.Server
	logger      *slog.Logger
	keepAlive   time.Duration
}

// New builds the gateway and its routes. It does not listen until Run.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Gateway, error) {
	if opts.Syncer == nil || opts.Broadcaster == nil {
		return nil, errors.New("gateway requires a syncer and a broadcaster")
	}
	if logger == nil {
		logger = slog.Default()
	}
	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}

	gw := &Gateway{
		config:      cfg,
		syncer:      opts.Syncer,
		broadcaster: opts.Broadcaster,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "gateway"),
		keepAlive:   keepAlive,
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)

	if cfg.Metrics.Enabled && opts.Metrics != nil {
		mux.Handle("GET "+cfg.Metrics.Path, opts.Metrics.Handler())
	}

	gw.registerAPIRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// registerAPIRoutes registers the host API, behind bearer auth when an API
// secret is configured.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	var verifier auth.TokenVerifier
	if g.config.Server.APISecret != "" {
		verifier = auth.NewJWTVerifier([]byte(g.config.Server.APISecret))
		g.logger.Info("api auth enabled")
	} else {
		g.logger.Warn("api auth disabled - no server.api_secret configured")
	}
	protect := auth.HTTPAuthMiddleware(verifier)

	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"GET /api/conversations", g.handleListConversations},
		{"GET /api/conversations/{id}/messages", g.handleMessages},
		{"POST /api/conversations/{id}/read", g.handleMarkRead},
		{"POST /api/watch", g.handleWatch},
		{"POST /api/open", g.handleOpen},
		{"POST /api/focus", g.handleFocus},
		{"GET /api/status", g.handleStatus},
		{"GET /api/events", g.handleEvents},
	}
	for _, r := range routes {
		mux.Handle(r.pattern, protect(r.handler))
	}
}

// Handler returns the root handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run listens on the configured address and serves until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startServer starts the HTTP server in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown ends event streams and stops the HTTP server. The engine is
// owned by the caller.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	// Closing subscriber channels ends /api/events handlers so the server
	// can drain.
	g.broadcaster.Close()

	if err := g.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once an account is watched and its list stream
// is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	st := g.syncer.Status()
	if st.AccountID == "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no account watched"))
		return
	}
	if list := st.Slots[engine.SlotList]; list.State != stream.StateStreaming.String() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "list stream %s", list.State)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d conversations)", st.Conversations)
}
