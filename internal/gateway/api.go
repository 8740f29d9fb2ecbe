// ABOUTME: HTTP API handlers for reading and steering the synced inbox.
// ABOUTME: Conversation list, history, read marking, account watch, open and focus.

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/inbox-sync/internal/auth"
	"github.com/2389/inbox-sync/internal/engine"
	"github.com/2389/inbox-sync/internal/inbox"
)

// maxBodyBytes bounds request bodies on the control endpoints.
const maxBodyBytes = 64 << 10

// WatchRequest is the JSON body for POST /api/watch.
type WatchRequest struct {
	AccountID string `json:"account_id"`
}

// OpenRequest is the JSON body for POST /api/open. An empty
// conversation_id closes the open conversation.
type OpenRequest struct {
	ConversationID string `json:"conversation_id"`
}

// FocusRequest is the JSON body for POST /api/focus.
type FocusRequest struct {
	Focused bool `json:"focused"`
}

// ConversationsResponse is the JSON response for GET /api/conversations.
type ConversationsResponse struct {
	Conversations []inbox.Conversation `json:"conversations"`
	UnreadTotal   int                  `json:"unread_total"`
}

// MessagesResponse is the JSON response for GET /api/conversations/{id}/messages.
type MessagesResponse struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []inbox.Message `json:"messages"`
	Loaded         int             `json:"loaded"`
}

// ControlResponse is the JSON response of the control endpoints.
type ControlResponse struct {
	Status  engine.Status `json:"status"`
	Warning string        `json:"warning,omitempty"`
}

// handleListConversations handles GET /api/conversations. An optional
// ?search= term refreshes from the backend with that filter and narrows
// the local list by name or id.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	search := strings.TrimSpace(r.URL.Query().Get("search"))
	if search != "" {
		if err := g.syncer.Refresh(r.Context(), search); err != nil {
			g.sendError(w, err)
			return
		}
	}

	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}

	convs := g.syncer.Conversations()
	total := 0
	for _, c := range convs {
		total += c.UnreadCount
	}
	if search != "" {
		convs = filterConversations(convs, search)
	}
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	if convs == nil {
		convs = []inbox.Conversation{}
	}

	g.sendJSON(w, http.StatusOK, ConversationsResponse{Conversations: convs, UnreadTotal: total})
}

func filterConversations(convs []inbox.Conversation, search string) []inbox.Conversation {
	needle := strings.ToLower(search)
	var out []inbox.Conversation
	for _, c := range convs {
		if strings.Contains(strings.ToLower(c.DisplayName), needle) || strings.Contains(c.ID, needle) {
			out = append(out, c)
		}
	}
	return out
}

// handleMessages handles GET /api/conversations/{id}/messages. History is
// fetched from the backend when nothing is buffered yet or ?load=true.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := g.syncer.Conversation(id); !ok {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}

	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}

	msgs := g.syncer.Messages(id)
	loaded := 0
	if len(msgs) == 0 || r.URL.Query().Get("load") == "true" {
		n, err := g.syncer.LoadMessages(r.Context(), id)
		if err != nil {
			g.sendError(w, err)
			return
		}
		loaded = n
		msgs = g.syncer.Messages(id)
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if msgs == nil {
		msgs = []inbox.Message{}
	}

	g.sendJSON(w, http.StatusOK, MessagesResponse{ConversationID: id, Messages: msgs, Loaded: loaded})
}

// handleMarkRead handles POST /api/conversations/{id}/read. The local mark
// always applies; a failed backend call answers 202 with a warning.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log := g.requestLogger(r)
	log.Info("mark read requested", "conversation_id", id)
	err := g.syncer.MarkRead(r.Context(), id)

	var side *inbox.SideEffectError
	switch {
	case err == nil:
		g.sendJSON(w, http.StatusOK, ControlResponse{Status: g.syncer.Status()})
	case errors.As(err, &side):
		log.Warn("mark read not propagated", "conversation_id", id, "error", err)
		g.sendJSON(w, http.StatusAccepted, ControlResponse{Status: g.syncer.Status(), Warning: err.Error()})
	default:
		g.sendError(w, err)
	}
}

// handleWatch handles POST /api/watch.
func (g *Gateway) handleWatch(w http.ResponseWriter, r *http.Request) {
	var req WatchRequest
	if err := decodeBody(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AccountID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	log := g.requestLogger(r)
	log.Info("watch requested", "account_id", req.AccountID)
	err := g.syncer.WatchAccount(r.Context(), req.AccountID)

	// The live stream is up even if the first bulk page failed.
	var terr *inbox.TransportError
	switch {
	case err == nil:
		g.sendJSON(w, http.StatusOK, ControlResponse{Status: g.syncer.Status()})
	case errors.As(err, &terr):
		log.Warn("watch started without initial page", "account_id", req.AccountID, "error", err)
		g.sendJSON(w, http.StatusAccepted, ControlResponse{Status: g.syncer.Status(), Warning: err.Error()})
	default:
		g.sendError(w, err)
	}
}

// handleOpen handles POST /api/open.
func (g *Gateway) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := decodeBody(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	log := g.requestLogger(r)
	log.Info("open requested", "conversation_id", req.ConversationID)
	if req.ConversationID == "" {
		g.syncer.CloseConversation()
		g.sendJSON(w, http.StatusOK, ControlResponse{Status: g.syncer.Status()})
		return
	}

	err := g.syncer.OpenConversation(r.Context(), req.ConversationID)
	var terr *inbox.TransportError
	switch {
	case err == nil:
		g.sendJSON(w, http.StatusOK, ControlResponse{Status: g.syncer.Status()})
	case errors.As(err, &terr):
		log.Warn("conversation opened without history", "conversation_id", req.ConversationID, "error", err)
		g.sendJSON(w, http.StatusAccepted, ControlResponse{Status: g.syncer.Status(), Warning: err.Error()})
	default:
		g.sendError(w, err)
	}
}

// handleFocus handles POST /api/focus.
func (g *Gateway) handleFocus(w http.ResponseWriter, r *http.Request) {
	var req FocusRequest
	if err := decodeBody(r.Body, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.requestLogger(r).Debug("focus changed", "focused", req.Focused)
	g.syncer.SetFocused(req.Focused)
	g.sendJSON(w, http.StatusOK, ControlResponse{Status: g.syncer.Status()})
}

// handleStatus handles GET /api/status.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, g.syncer.Status())
}

// parseLimit reads the optional ?limit= parameter (max 1000). It writes the
// error response itself and reports false on bad input.
func (g *Gateway) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 {
		g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(limit, 1000), true
}

func decodeBody(r io.Reader, v any) error {
	if err := json.NewDecoder(io.LimitReader(r, maxBodyBytes)).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	var (
		pre  *inbox.PreconditionError
		tr   *inbox.TransportError
		side *inbox.SideEffectError
	)
	switch {
	case errors.Is(err, inbox.ErrNoAccount):
		return http.StatusConflict
	case errors.Is(err, inbox.ErrUnknownConversation), errors.Is(err, inbox.ErrAccountUnmapped):
		return http.StatusNotFound
	case errors.As(err, &pre):
		return http.StatusPreconditionFailed
	case errors.As(err, &tr), errors.As(err, &side):
		return http.StatusBadGateway
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes err with the status it maps to. Internal errors are not
// echoed to the client.
func (g *Gateway) sendError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, status, "internal server error")
		return
	}
	g.sendJSONError(w, status, err.Error())
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// requestLogger scopes the gateway logger to the authenticated caller.
func (g *Gateway) requestLogger(r *http.Request) *slog.Logger {
	if p := auth.PrincipalFrom(r.Context()); p != "" {
		return g.logger.With("principal", p)
	}
	return g.logger
}
