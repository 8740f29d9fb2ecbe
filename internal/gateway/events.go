// ABOUTME: Server-sent event stream of inbox changes for hosts
// ABOUTME: Relays broadcaster changes as SSE frames with periodic keep-alive comments

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/2389/inbox-sync/internal/conversation"
	"github.com/2389/inbox-sync/internal/sse"
)

// handleEvents handles GET /api/events. ?conversation_id= narrows the
// stream to one conversation; session-wide changes are only sent to
// unfiltered streams.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	key := r.URL.Query().Get("conversation_id")
	if key == "" {
		key = conversation.AllConversations
	}

	ctx := r.Context()
	changes, subID := g.broadcaster.Subscribe(ctx, key)
	logger := g.logger.With("sub_id", subID, "key", key)
	logger.Debug("event stream opened")
	defer logger.Debug("event stream closed")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Send initial status so the client knows where the session stands.
	if !g.writeEvent(w, "ready", "", g.syncer.Status()) {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(g.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sse.WriteComment(w, "keep-alive"); err != nil {
				return
			}
			flusher.Flush()
		case change, ok := <-changes:
			if !ok {
				return
			}
			if !g.writeEvent(w, string(change.Type), change.ID, change) {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent encodes data as one SSE frame. It reports false when the
// client is gone.
func (g *Gateway) writeEvent(w http.ResponseWriter, event, id string, data any) bool {
	payload, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return true
	}
	return sse.Write(w, sse.Frame{ID: id, Event: event, Data: string(payload)}) == nil
}
