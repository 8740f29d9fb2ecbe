// ABOUTME: Tests for the /api/events change stream over a real HTTP connection.
// ABOUTME: Decodes the response with the package's own SSE decoder.

package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-sync/internal/conversation"
	"github.com/2389/inbox-sync/internal/inbox"
	"github.com/2389/inbox-sync/internal/sse"
)

func openEvents(t *testing.T, srv *httptest.Server, query string) *sse.Decoder {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/api/events"+query, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return sse.NewDecoder(resp.Body)
}

func TestHandleEvents_RelaysChanges(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	dec := openEvents(t, srv, "?conversation_id=5511")

	ready, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "ready", ready.Event)

	require.Eventually(t, func() bool { return gw.broadcaster.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	// Other conversations and session-wide changes are filtered out.
	gw.broadcaster.Publish(&conversation.Change{Type: conversation.ChangeMessage, ConversationID: "9900"}, "")
	gw.broadcaster.Publish(&conversation.Change{Type: conversation.ChangeConnection, Slot: "list", State: "streaming"}, "")
	msg := inbox.Message{ID: "m1", ConversationID: "5511", Body: "hi"}
	gw.broadcaster.Publish(&conversation.Change{
		Type:           conversation.ChangeMessage,
		ConversationID: "5511",
		MessageID:      "m1",
		Message:        &msg,
	}, "")

	frame, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, string(conversation.ChangeMessage), frame.Event)
	assert.NotEmpty(t, frame.ID)

	var change conversation.Change
	require.NoError(t, json.Unmarshal([]byte(frame.Data), &change))
	assert.Equal(t, "5511", change.ConversationID)
	require.NotNil(t, change.Message)
	assert.Equal(t, "hi", change.Message.Body)
}

func TestHandleEvents_AllConversationsAndKeepAlive(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	dec := openEvents(t, srv, "")
	_, err := dec.Next()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return gw.broadcaster.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	// Keep-alive comments are not frames; the next frame is the change.
	time.Sleep(50 * time.Millisecond)
	gw.broadcaster.Publish(&conversation.Change{Type: conversation.ChangeConnection, Slot: "list", State: "retry_backoff"}, "")

	frame, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, string(conversation.ChangeConnection), frame.Event)
}

func TestHandleEvents_EndsOnShutdown(t *testing.T) {
	gw, _ := newTestGateway(t, nil)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	dec := openEvents(t, srv, "")
	_, err := dec.Next()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return gw.broadcaster.SubscriberCount() == 1 }, time.Second, time.Millisecond)

	gw.broadcaster.Close()

	_, err = dec.Next()
	assert.Error(t, err)
}
