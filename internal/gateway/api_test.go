// ABOUTME: Tests for the host API handlers against a fake syncer.
// ABOUTME: Verifies request parsing, error status mapping, and partial-success responses.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-sync/internal/engine"
	"github.com/2389/inbox-sync/internal/inbox"
)

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v))
	return v
}

func TestHandleListConversations(t *testing.T) {
	gw, syncer := newTestGateway(t, nil)

	rec := serve(t, gw, http.MethodGet, "/api/conversations", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ConversationsResponse](t, rec.Body.Bytes())
	assert.Len(t, resp.Conversations, 2)
	assert.Equal(t, 3, resp.UnreadTotal)
	assert.Empty(t, syncer.searches)

	rec = serve(t, gw, http.MethodGet, "/api/conversations?search=fam", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[ConversationsResponse](t, rec.Body.Bytes())
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, "9900", resp.Conversations[0].ID)
	assert.Equal(t, []string{"fam"}, syncer.searches)

	rec = serve(t, gw, http.MethodGet, "/api/conversations?limit=1", "", nil)
	resp = decode[ConversationsResponse](t, rec.Body.Bytes())
	assert.Len(t, resp.Conversations, 1)

	rec = serve(t, gw, http.MethodGet, "/api/conversations?limit=zero", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListConversations_SearchFailure(t *testing.T) {
	gw, syncer := newTestGateway(t, nil)
	syncer.refreshErr = &inbox.TransportError{Op: "refresh", Err: errors.New("502")}

	rec := serve(t, gw, http.MethodGet, "/api/conversations?search=ana", "", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleMessages(t *testing.T) {
	gw, syncer := newTestGateway(t, nil)

	rec := serve(t, gw, http.MethodGet, "/api/conversations/5511/messages?limit=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[MessagesResponse](t, rec.Body.Bytes())
	assert.Equal(t, 3, resp.Loaded)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "h2", resp.Messages[0].ID, "limit keeps the newest messages")

	// Buffered history is served without another fetch.
	rec = serve(t, gw, http.MethodGet, "/api/conversations/5511/messages", "", nil)
	resp = decode[MessagesResponse](t, rec.Body.Bytes())
	assert.Len(t, resp.Messages, 3)
	assert.Equal(t, []string{"5511"}, syncer.loads)

	serve(t, gw, http.MethodGet, "/api/conversations/5511/messages?load=true", "", nil)
	assert.Len(t, syncer.loads, 2)

	rec = serve(t, gw, http.MethodGet, "/api/conversations/nope/messages", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleMarkRead(t *testing.T) {
	gw, syncer := newTestGateway(t, nil)

	rec := serve(t, gw, http.MethodPost, "/api/conversations/5511/read", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"5511"}, syncer.marked)

	syncer.markErr = &inbox.SideEffectError{Op: "mark_read", ConversationID: "5511", Err: errors.New("down")}
	rec = serve(t, gw, http.MethodPost, "/api/conversations/5511/read", "", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[ControlResponse](t, rec.Body.Bytes())
	assert.Contains(t, resp.Warning, "down")

	syncer.markErr = fmt.Errorf("marking nope read: %w", inbox.ErrUnknownConversation)
	rec = serve(t, gw, http.MethodPost, "/api/conversations/nope/read", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, gw, http.MethodGet, "/api/conversations/5511/read", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleWatch(t *testing.T) {
	gw, syncer := newTestGateway(t, nil)

	rec := serve(t, gw, http.MethodPost, "/api/watch", `{"account_id":"ext-1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ext-1"}, syncer.watched)
	resp := decode[ControlResponse](t, rec.Body.Bytes())
	assert.Equal(t, "inst-1", resp.Status.AccountID)

	rec = serve(t, gw, http.MethodPost, "/api/watch", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, gw, http.MethodPost, "/api/watch", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWatch_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unmapped", &inbox.PreconditionError{AccountID: "x", Err: inbox.ErrAccountUnmapped}, http.StatusNotFound},
		{"credentials", &inbox.PreconditionError{AccountID: "x", Err: errors.New("expired")}, http.StatusPreconditionFailed},
		{"initial page failed", fmt.Errorf("initial refresh: %w", &inbox.TransportError{Op: "refresh", Err: errors.New("502")}), http.StatusAccepted},
		{"stopped", engine.ErrStopped, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, syncer := newTestGateway(t, nil)
			syncer.watchErr = tt.err

			rec := serve(t, gw, http.MethodPost, "/api/watch", `{"account_id":"x"}`, nil)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusInternalServerError {
				assert.NotContains(t, rec.Body.String(), "boom")
			}
		})
	}
}

func TestHandleOpen(t *testing.T) {
	gw, syncer := newTestGateway(t, nil)

	rec := serve(t, gw, http.MethodPost, "/api/open", `{"conversation_id":"5511"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"5511"}, syncer.opened)

	rec = serve(t, gw, http.MethodPost, "/api/open", `{"conversation_id":""}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, syncer.closed)

	syncer.openErr = &inbox.PreconditionError{Err: inbox.ErrNoAccount}
	rec = serve(t, gw, http.MethodPost, "/api/open", `{"conversation_id":"5511"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleFocus(t *testing.T) {
	gw, syncer := newTestGateway(t, nil)

	rec := serve(t, gw, http.MethodPost, "/api/focus", `{"focused":true}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = serve(t, gw, http.MethodPost, "/api/focus", `{"focused":false}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []bool{true, false}, syncer.focused)
}

func TestHandleStatus(t *testing.T) {
	gw, _ := newTestGateway(t, nil)

	rec := serve(t, gw, http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[engine.Status](t, rec.Body.Bytes())
	assert.Equal(t, "inst-1", st.AccountID)
	assert.Equal(t, "streaming", st.Slots[engine.SlotList].State)
}
