// ABOUTME: Tests for the HTTP and WebSocket event sources against local test servers.
// ABOUTME: Verifies headers, path expansion, status mapping, and WebSocket re-framing.

package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/2389/inbox-sync/internal/sse"
)

func staticToken(token string) TokenFunc {
	return func(context.Context) (string, error) { return token, nil }
}

func TestHTTPSource_OpensConversationStream(t *testing.T) {
	var gotPath, gotAuth, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: {\"type\":\"message\"}\n\n")
	}))
	defer srv.Close()

	src := &HTTPSource{
		BaseURL:          srv.URL,
		ListPath:         "/accounts/{account}/events",
		ConversationPath: "/accounts/{account}/chats/{conversation}/events",
		Token:            staticToken("tok"),
	}

	rc, err := src.Open(t.Context(), Topic{AccountID: "inst-1", ConversationRef: "55@c.us"})
	require.NoError(t, err)
	defer rc.Close()

	frame, err := sse.NewDecoder(rc).Next()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"message"}`, frame.Data)
	assert.Equal(t, "/accounts/inst-1/chats/55@c.us/events", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "text/event-stream", gotAccept)
}

func TestHTTPSource_StatusMapping(t *testing.T) {
	status := http.StatusUnauthorized
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	src := &HTTPSource{BaseURL: srv.URL, ListPath: "/events/{account}"}

	_, err := src.Open(t.Context(), Topic{AccountID: "a"})
	assert.ErrorIs(t, err, ErrUnauthorized)

	status = http.StatusBadGateway
	_, err = src.Open(t.Context(), Topic{AccountID: "a"})
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestHTTPSource_MissingPath(t *testing.T) {
	src := &HTTPSource{BaseURL: "http://localhost", ListPath: "/events"}
	_, err := src.Open(t.Context(), Topic{AccountID: "a", ConversationRef: "c"})
	assert.Error(t, err)
}

func TestWebSocketSource_ReframesMessages(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "")

		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"message","id":"m1"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte("{\n\"type\":\"message\",\"id\":\"m2\"}"))
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	src := &WebSocketSource{
		BaseURL:  "ws" + strings.TrimPrefix(srv.URL, "http"),
		ListPath: "/ws/{account}",
		Token:    staticToken("tok"),
	}

	rc, err := src.Open(t.Context(), Topic{AccountID: "a"})
	require.NoError(t, err)
	defer rc.Close()

	var data []string
	for frame, err := range sse.NewDecoder(rc).All() {
		require.NoError(t, err)
		data = append(data, frame.Data)
	}

	assert.Equal(t, []string{
		`{"type":"message","id":"m1"}`,
		"{\n\"type\":\"message\",\"id\":\"m2\"}",
	}, data)
	assert.Equal(t, "Bearer tok", gotAuth)
}
