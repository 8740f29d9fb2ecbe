// ABOUTME: Tests for the gateway orchestrator: construction, run and shutdown, health, auth, metrics
// ABOUTME: Uses a fake syncer so handlers can be exercised without live streams

package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-sync/internal/auth"
	"github.com/2389/inbox-sync/internal/config"
	"github.com/2389/inbox-sync/internal/conversation"
	"github.com/2389/inbox-sync/internal/engine"
	"github.com/2389/inbox-sync/internal/inbox"
	"github.com/2389/inbox-sync/internal/metrics"
)

// fakeSyncer records calls and serves canned state.
type fakeSyncer struct {
	mu       sync.Mutex
	convs    []inbox.Conversation
	messages map[string][]inbox.Message
	history  map[string][]inbox.Message
	status   engine.Status

	watchErr   error
	openErr    error
	markErr    error
	refreshErr error

	watched  []string
	opened   []string
	closed   int
	focused  []bool
	marked   []string
	searches []string
	loads    []string
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{
		convs: []inbox.Conversation{
			{ID: "5511", Ref: "5511@c.us", DisplayName: "Ana", Kind: inbox.KindIndividual, UnreadCount: 2},
			{ID: "9900", Ref: "9900@g.us", DisplayName: "Family", Kind: inbox.KindGroup, UnreadCount: 1},
		},
		messages: map[string][]inbox.Message{},
		history: map[string][]inbox.Message{
			"5511": {
				{ID: "h1", ConversationID: "5511", Body: "one"},
				{ID: "h2", ConversationID: "5511", Body: "two"},
				{ID: "h3", ConversationID: "5511", Body: "three"},
			},
		},
		status: engine.Status{
			AccountID: "inst-1",
			Slots: map[engine.Slot]engine.SlotStatus{
				engine.SlotList: {State: "streaming", Generation: 1},
			},
		},
	}
}

func (f *fakeSyncer) WatchAccount(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append(f.watched, id)
	return f.watchErr
}

func (f *fakeSyncer) OpenConversation(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, id)
	return f.openErr
}

func (f *fakeSyncer) CloseConversation() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeSyncer) SetFocused(focused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focused = append(f.focused, focused)
}

func (f *fakeSyncer) MarkRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	return f.markErr
}

func (f *fakeSyncer) Refresh(ctx context.Context, search string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, search)
	return f.refreshErr
}

func (f *fakeSyncer) LoadMessages(ctx context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, id)
	n := len(f.history[id]) - len(f.messages[id])
	f.messages[id] = f.history[id]
	return n, nil
}

func (f *fakeSyncer) Conversations() []inbox.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]inbox.Conversation(nil), f.convs...)
}

func (f *fakeSyncer) Conversation(id string) (inbox.Conversation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.convs {
		if c.ID == id {
			return c, true
		}
	}
	return inbox.Conversation{}, false
}

func (f *fakeSyncer) Messages(id string) []inbox.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]inbox.Message(nil), f.messages[id]...)
}

func (f *fakeSyncer) Status() engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config) (*Gateway, *fakeSyncer) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	syncer := newFakeSyncer()
	gw, err := New(cfg, Options{
		Syncer:      syncer,
		Broadcaster: conversation.NewBroadcaster(testLogger()),
		Metrics:     metrics.New(),
		KeepAlive:   20 * time.Millisecond,
	}, testLogger())
	require.NoError(t, err)
	return gw, syncer
}

func serve(t *testing.T, gw *Gateway, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func TestGatewayNew_RequiresCollaborators(t *testing.T) {
	_, err := New(testConfig(), Options{}, testLogger())
	assert.Error(t, err)
}

func TestGatewayRunAndShutdown(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("gateway did not shutdown in time")
	}
}

func TestHandleReady(t *testing.T) {
	gw, syncer := newTestGateway(t, nil)

	rec := serve(t, gw, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	syncer.status.Slots[engine.SlotList] = engine.SlotStatus{State: "retry_backoff"}
	rec = serve(t, gw, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "retry_backoff")

	syncer.status = engine.Status{}
	rec = serve(t, gw, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "no account watched", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	gw.metrics.FrameDecoded()

	rec := serve(t, gw, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "frames_decoded_total")
}

func TestAPIAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Server.APISecret = "test-secret-that-is-long-enough-32"
	gw, _ := newTestGateway(t, cfg)

	rec := serve(t, gw, http.MethodGet, "/api/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, gw, http.MethodGet, "/api/status", "", http.Header{"Authorization": {"Bearer nope"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := auth.NewJWTVerifier([]byte(cfg.Server.APISecret)).Generate("host-app", time.Hour)
	require.NoError(t, err)
	rec = serve(t, gw, http.MethodGet, "/api/status", "", http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open.
	rec = serve(t, gw, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIAuth_ControlCallsLogPrincipal(t *testing.T) {
	cfg := testConfig()
	cfg.Server.APISecret = "test-secret-that-is-long-enough-32"

	var logs bytes.Buffer
	syncer := newFakeSyncer()
	gw, err := New(cfg, Options{
		Syncer:      syncer,
		Broadcaster: conversation.NewBroadcaster(testLogger()),
	}, slog.New(slog.NewTextHandler(&logs, nil)))
	require.NoError(t, err)

	token, err := auth.NewJWTVerifier([]byte(cfg.Server.APISecret)).Generate("host-app", time.Hour)
	require.NoError(t, err)

	rec := serve(t, gw, http.MethodPost, "/api/watch", `{"account_id":"ext-1"}`,
		http.Header{"Authorization": {"Bearer " + token}})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Contains(t, logs.String(), "watch requested")
	assert.Contains(t, logs.String(), "principal=host-app")
}
